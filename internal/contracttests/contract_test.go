package contracttests

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/can-bridge/internal/can"
	"github.com/can-bridge/internal/can/stub"
	"github.com/can-bridge/internal/config"
	"github.com/can-bridge/internal/monitor"
	"github.com/can-bridge/internal/params"
	"github.com/can-bridge/internal/scheduler"
	"github.com/can-bridge/internal/storage"
	"github.com/can-bridge/internal/transmit"
)

// loadGoldenFixture loads a JSON fixture from the fixtures directory
func loadGoldenFixture(t *testing.T, filename string, key string) map[string]interface{} {
	t.Helper()
	path := filepath.Join("fixtures", filename)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read fixture %s: %v", path, err)
	}

	var fixtures map[string]interface{}
	if err := json.Unmarshal(data, &fixtures); err != nil {
		t.Fatalf("Failed to unmarshal fixture %s: %v", path, err)
	}

	fixture, ok := fixtures[key].(map[string]interface{})
	if !ok {
		t.Fatalf("Fixture %s[%s] is not a map", filename, key)
	}

	return fixture
}

// createTestConfig returns a configuration with short command timeouts
func createTestConfig() *config.Config {
	return &config.Config{
		Network: config.NetworkConfig{
			HTTP: config.HTTPConfig{
				Port:    8080,
				DevMode: true,
			},
			Maintenance: config.MaintenanceConfig{
				Port:         0,
				AllowedCIDRs: []string{"127.0.0.0/8", "172.20.0.0/16"},
			},
		},
		Device: config.DeviceConfig{Name: "contract-unit"},
		Timing: config.TimingConfig{
			Commands: config.CommandsConfig{
				Read:   config.TimeoutConfig{TimeoutSec: 5},
				Config: config.TimeoutConfig{TimeoutSec: 5},
			},
		},
	}
}

// newScheduler builds a scheduler over the stub bus and a temporary data dir
func newScheduler(t *testing.T) (*scheduler.Scheduler, *stub.Driver) {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	drv := stub.New(false)
	bus := can.NewBus(drv, 0)
	if err := bus.Install(can.Settings{Mode: can.ModeNoAck, BitrateKbps: 500}); err != nil {
		t.Fatal(err)
	}
	mon := monitor.New([]can.ID{0x123, 0x124, 0x100}, 8, 100*time.Millisecond, bus,
		monitor.WithClock(func() uint32 { return 0 }))

	s := scheduler.New(scheduler.Deps{
		Params:        params.NewStore(filepath.Join(dir, "config.json"), logger),
		Blobs:         storage.NewStore(dir, "uploaded.bin", logger),
		Bus:           bus,
		Monitor:       mon,
		Logger:        logger,
		EngineOptions: []transmit.Option{transmit.WithSleep(func(time.Duration) {})},
	}, time.Millisecond)
	t.Cleanup(func() { s.Close() })
	return s, drv
}

func TestJSONRPCEnvelopeValidation(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr bool
	}{
		{
			name:    "valid_response",
			json:    `{"jsonrpc":"2.0","id":"test","result":{"exists":false}}`,
			wantErr: false,
		},
		{
			name:    "valid_error",
			json:    `{"jsonrpc":"2.0","id":"test","error":{"code":-32601,"message":"Method not found"}}`,
			wantErr: false,
		},
		{
			name:    "null_id_on_error",
			json:    `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`,
			wantErr: false,
		},
		{
			name:    "null_id_on_result",
			json:    `{"jsonrpc":"2.0","id":null,"result":{}}`,
			wantErr: true,
		},
		{
			name:    "invalid_version",
			json:    `{"jsonrpc":"1.0","id":"test","result":{}}`,
			wantErr: true,
		},
		{
			name:    "missing_id",
			json:    `{"jsonrpc":"2.0","result":{}}`,
			wantErr: true,
		},
		{
			name:    "both_result_and_error",
			json:    `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
			wantErr: true,
		},
		{
			name:    "neither_result_nor_error",
			json:    `{"jsonrpc":"2.0","id":1}`,
			wantErr: true,
		},
		{
			name:    "not_json",
			json:    `{"jsonrpc":`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvelope([]byte(tt.json))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEnvelope() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestErrorResponseValidation(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr bool
	}{
		{"valid", `{"code":-32000,"message":"BUSY"}`, false},
		{"missing_code", `{"message":"BUSY"}`, true},
		{"missing_message", `{"code":-32000}`, true},
		{"string_code", `{"code":"x","message":"BUSY"}`, true},
		{"numeric_message", `{"code":-32000,"message":1}`, true},
		{"not_object", `"BUSY"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateErrorResponse(json.RawMessage(tt.json))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateErrorResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResultValidators(t *testing.T) {
	tests := []struct {
		name     string
		validate func(json.RawMessage) error
		json     string
		wantErr  bool
	}{
		{"file_status", ValidateFileStatus, `{"exists":true,"name":"/uploaded.bin","size":20}`, false},
		{"file_status_relative_name", ValidateFileStatus, `{"exists":true,"name":"uploaded.bin","size":20}`, true},
		{"bus_stats", ValidateBusStats, `{"state":"installed","transmitted":1,"tx_failures":0,"received":0,"rx_errors":0}`, false},
		{"bus_stats_no_state", ValidateBusStats, `{"transmitted":1,"tx_failures":0,"received":0,"rx_errors":0}`, true},
		{"transmit", ValidateTransmitResult, `{"bytes":20,"chunks":2,"frames":3,"failures":0}`, false},
		{"transmit_missing_frames", ValidateTransmitResult, `{"bytes":20,"chunks":2,"failures":0}`, true},
		{"config_view", ValidateConfigView, `{"params":{"packet_gap":100,"chunk_interval":100,"id1":291,"id2":292},
			"fields":[{"name":"packet_gap","kind":"integer","value":"100"},{"name":"chunk_interval","kind":"integer","value":"100"},
			{"name":"id1_hex","kind":"hex","value":"123","hex":true},{"name":"id2_hex","kind":"hex","value":"124","hex":true}]}`, false},
		{"config_view_wrong_order", ValidateConfigView, `{"params":{"packet_gap":100,"chunk_interval":100,"id1":291,"id2":292},
			"fields":[{"name":"chunk_interval","kind":"integer","value":"100"},{"name":"packet_gap","kind":"integer","value":"100"},
			{"name":"id1_hex","kind":"hex","value":"123","hex":true},{"name":"id2_hex","kind":"hex","value":"124","hex":true}]}`, true},
		{"array_of_objects", ValidateArrayObjectResult, `[{"name":"transmit"}]`, false},
		{"array_of_strings", ValidateArrayObjectResult, `["transmit"]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.validate(json.RawMessage(tt.json))
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
