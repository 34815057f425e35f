// Package contracttests checks the JSON-RPC wire contracts of the HTTP and
// maintenance surfaces against golden fixtures.
package contracttests

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JSONRPCEnvelope validates JSON-RPC 2.0 envelope structure
type JSONRPCEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// ValidateEnvelope validates JSON-RPC 2.0 envelope compliance. The id member
// must be present; it may only be null on an error response.
func ValidateEnvelope(data []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	var envelope JSONRPCEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	// Check jsonrpc version
	if envelope.JSONRPC != "2.0" {
		return fmt.Errorf("jsonrpc must be '2.0', got '%s'", envelope.JSONRPC)
	}

	if _, ok := members["id"]; !ok {
		return fmt.Errorf("id field is required")
	}

	// Check mutual exclusivity of result and error
	hasResult := len(envelope.Result) > 0
	hasError := len(envelope.Error) > 0

	if hasResult && hasError {
		return fmt.Errorf("both result and error cannot be present")
	}

	if !hasResult && !hasError {
		return fmt.Errorf("either result or error must be present")
	}

	if envelope.ID == nil && !hasError {
		return fmt.Errorf("id may only be null on an error response")
	}

	return nil
}

// ValidateErrorResponse validates JSON-RPC error structure
func ValidateErrorResponse(errorData json.RawMessage) error {
	var errorObj map[string]interface{}
	if err := json.Unmarshal(errorData, &errorObj); err != nil {
		return fmt.Errorf("error must be an object: %w", err)
	}

	code, hasCode := errorObj["code"]
	if !hasCode {
		return fmt.Errorf("error object must have 'code' field")
	}

	message, hasMessage := errorObj["message"]
	if !hasMessage {
		return fmt.Errorf("error object must have 'message' field")
	}

	if _, ok := code.(float64); !ok {
		return fmt.Errorf("error code must be numeric")
	}

	if _, ok := message.(string); !ok {
		return fmt.Errorf("error message must be string")
	}

	return nil
}

// ErrorCode extracts the numeric code of an error member
func ErrorCode(errorData json.RawMessage) (int, error) {
	if err := ValidateErrorResponse(errorData); err != nil {
		return 0, err
	}
	var obj struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(errorData, &obj); err != nil {
		return 0, err
	}
	return obj.Code, nil
}

// configFields is the parameter record in display order
var configFields = []string{"packet_gap", "chunk_interval", "id1_hex", "id2_hex"}

// ValidateConfigView validates the result of the config methods
func ValidateConfigView(result json.RawMessage) error {
	var view struct {
		Params map[string]json.Number `json:"params"`
		Fields []struct {
			Name  string `json:"name"`
			Kind  string `json:"kind"`
			Value string `json:"value"`
			Hex   bool   `json:"hex"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(result, &view); err != nil {
		return fmt.Errorf("result must be a config view: %w", err)
	}

	for _, key := range []string{"packet_gap", "chunk_interval", "id1", "id2"} {
		if _, ok := view.Params[key]; !ok {
			return fmt.Errorf("params.%s is required", key)
		}
	}

	if len(view.Fields) != len(configFields) {
		return fmt.Errorf("expected %d fields, got %d", len(configFields), len(view.Fields))
	}
	for i, f := range view.Fields {
		if f.Name != configFields[i] {
			return fmt.Errorf("field %d must be %s, got %s", i, configFields[i], f.Name)
		}
		if f.Hex != strings.HasSuffix(f.Name, "_hex") {
			return fmt.Errorf("field %s has hex=%v", f.Name, f.Hex)
		}
		if f.Value == "" {
			return fmt.Errorf("field %s has no value", f.Name)
		}
	}
	return nil
}

// ValidateFileStatus validates the result of file_status and file_remove
func ValidateFileStatus(result json.RawMessage) error {
	var status map[string]interface{}
	if err := json.Unmarshal(result, &status); err != nil {
		return fmt.Errorf("result must be an object: %w", err)
	}
	if _, ok := status["exists"].(bool); !ok {
		return fmt.Errorf("exists must be a boolean")
	}
	name, ok := status["name"].(string)
	if !ok || !strings.HasPrefix(name, "/") {
		return fmt.Errorf("name must be an absolute file name, got %v", status["name"])
	}
	if _, ok := status["size"].(float64); !ok {
		return fmt.Errorf("size must be numeric")
	}
	return nil
}

// ValidateBusStats validates the result of bus_status
func ValidateBusStats(result json.RawMessage) error {
	var stats map[string]interface{}
	if err := json.Unmarshal(result, &stats); err != nil {
		return fmt.Errorf("result must be an object: %w", err)
	}
	state, ok := stats["state"].(string)
	if !ok || state == "" {
		return fmt.Errorf("state must be a non-empty string")
	}
	for _, key := range []string{"transmitted", "tx_failures", "received", "rx_errors"} {
		if _, ok := stats[key].(float64); !ok {
			return fmt.Errorf("%s must be numeric", key)
		}
	}
	return nil
}

// ValidateTransmitResult validates the result of transmit and last_run
func ValidateTransmitResult(result json.RawMessage) error {
	var res map[string]interface{}
	if err := json.Unmarshal(result, &res); err != nil {
		return fmt.Errorf("result must be an object: %w", err)
	}
	for _, key := range []string{"bytes", "chunks", "frames", "failures"} {
		if _, ok := res[key].(float64); !ok {
			return fmt.Errorf("%s must be numeric", key)
		}
	}
	return nil
}

// ValidateArrayObjectResult validates that a result is an array of objects
func ValidateArrayObjectResult(result json.RawMessage) error {
	var arr []map[string]interface{}
	if err := json.Unmarshal(result, &arr); err != nil {
		return fmt.Errorf("result must be array of objects: %w", err)
	}
	return nil
}

// CompareEnvelopes compares two JSON-RPC envelopes for structural equality
func CompareEnvelopes(expected, actual []byte) error {
	// Validate both envelopes first
	if err := ValidateEnvelope(expected); err != nil {
		return fmt.Errorf("expected envelope invalid: %w", err)
	}
	if err := ValidateEnvelope(actual); err != nil {
		return fmt.Errorf("actual envelope invalid: %w", err)
	}

	var expEnv, actEnv JSONRPCEnvelope
	if err := json.Unmarshal(expected, &expEnv); err != nil {
		return fmt.Errorf("failed to unmarshal expected: %w", err)
	}
	if err := json.Unmarshal(actual, &actEnv); err != nil {
		return fmt.Errorf("failed to unmarshal actual: %w", err)
	}

	if expEnv.JSONRPC != actEnv.JSONRPC {
		return fmt.Errorf("jsonrpc version mismatch: expected '%s', got '%s'", expEnv.JSONRPC, actEnv.JSONRPC)
	}

	// Compare id (allowing for different types but same value)
	if fmt.Sprintf("%v", expEnv.ID) != fmt.Sprintf("%v", actEnv.ID) {
		return fmt.Errorf("id mismatch: expected '%v', got '%v'", expEnv.ID, actEnv.ID)
	}

	if len(expEnv.Result) > 0 && len(actEnv.Result) == 0 {
		return fmt.Errorf("expected result but got none")
	}

	if len(expEnv.Error) > 0 {
		if len(actEnv.Error) == 0 {
			return fmt.Errorf("expected error but got none")
		}
		expCode, err := ErrorCode(expEnv.Error)
		if err != nil {
			return fmt.Errorf("expected error invalid: %w", err)
		}
		actCode, err := ErrorCode(actEnv.Error)
		if err != nil {
			return fmt.Errorf("actual error invalid: %w", err)
		}
		if expCode != actCode {
			return fmt.Errorf("error code mismatch: expected %d, got %d", expCode, actCode)
		}
	}

	return nil
}
