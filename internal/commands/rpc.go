package commands

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/can-bridge/internal/config"
)

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  map[string]string `json:"params,omitempty"`
	ID      interface{}       `json:"id"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError is the error member of a response
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// JSON-RPC error codes
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeServerError    = -32000
)

// JSONRPCServer dispatches JSON-RPC requests to the command registry
type JSONRPCServer struct {
	registry *CommandRegistry
	config   *config.Config
	logger   *zap.Logger
}

// NewJSONRPCServer creates a server with the core commands registered
func NewJSONRPCServer(cfg *config.Config, exec Executor, logger *zap.Logger) *JSONRPCServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := NewCommandRegistry()
	RegisterCoreCommands(registry, exec)

	s := &JSONRPCServer{
		registry: registry,
		config:   cfg,
		logger:   logger.Named("rpc"),
	}
	registry.Register(&listCommandHandler{server: s})
	return s
}

// Registry exposes the registered commands
func (s *JSONRPCServer) Registry() *CommandRegistry {
	return s.registry
}

// HandleRequest handles HTTP POST requests to the JSON-RPC endpoint
func (s *JSONRPCServer) HandleRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	w.Header().Set("Content-Type", "application/json")
	if s.config.Network.HTTP.ServerHeader != "" {
		w.Header().Set("Server", s.config.Network.HTTP.ServerHeader)
	}

	// Only accept POST requests
	if r.Method != http.MethodPost {
		s.writeErrorResponse(w, codeInvalidRequest, "Invalid Request", nil)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, codeParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeErrorResponse(w, codeInvalidRequest, "Invalid Request", req.ID)
		return
	}

	response := s.Process(r.Context(), &req)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
		return
	}

	s.logger.Debug("JSON-RPC request processed",
		zap.String("method", req.Method),
		zap.Duration("duration", time.Since(start)))
}

// Process runs one request through the registry
func (s *JSONRPCServer) Process(ctx context.Context, req *Request) *Response {
	handler, exists := s.registry.Get(req.Method)
	if !exists {
		return &Response{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: codeMethodNotFound, Message: "Method not found"},
			ID:      req.ID,
		}
	}

	if timeout := s.getTimeoutForMethod(req.Method); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := handler.Handle(ctx, req.Params)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			code := codeServerError
			if cmdErr.Code == ErrInvalidParams {
				code = codeInvalidParams
			}
			return &Response{
				JSONRPC: "2.0",
				Error:   &RPCError{Code: code, Message: cmdErr.Code, Data: cmdErr.Details},
				ID:      req.ID,
			}
		}

		return &Response{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: codeInternalError, Message: ErrInternal},
			ID:      req.ID,
		}
	}

	return &Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}
}

// getTimeoutForMethod returns the configured timeout for a method
func (s *JSONRPCServer) getTimeoutForMethod(method string) time.Duration {
	switch method {
	case "transmit":
		return s.config.Timing.Commands.Transmit.Duration()
	case "config_set", "config_reset", "file_remove":
		return s.config.Timing.Commands.Config.Duration()
	default:
		return s.config.Timing.Commands.Read.Duration()
	}
}

// writeErrorResponse writes an error response
func (s *JSONRPCServer) writeErrorResponse(w http.ResponseWriter, code int, message string, id interface{}) {
	response := &Response{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
		ID:      id,
	}

	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(response)
}

// CommandInfo provides information about a command
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ReadOnly    bool   `json:"read_only"`
}

// GetAvailableCommands returns the registered commands sorted by name
func (s *JSONRPCServer) GetAvailableCommands() []CommandInfo {
	names := s.registry.List()
	out := make([]CommandInfo, 0, len(names))
	for _, name := range names {
		h, _ := s.registry.Get(name)
		out = append(out, CommandInfo{
			Name:        h.GetName(),
			Description: h.GetDescription(),
			ReadOnly:    h.IsReadOnly(),
		})
	}
	return out
}

// listCommandHandler answers "commands" with the registry contents
type listCommandHandler struct {
	server *JSONRPCServer
}

func (h *listCommandHandler) Handle(ctx context.Context, p map[string]string) (interface{}, error) {
	return h.server.GetAvailableCommands(), nil
}

func (h *listCommandHandler) GetName() string        { return "commands" }
func (h *listCommandHandler) GetDescription() string { return "List available commands" }
func (h *listCommandHandler) IsReadOnly() bool       { return true }
