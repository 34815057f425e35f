package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/can-bridge/internal/config"
	"github.com/can-bridge/internal/scheduler"
)

type call struct {
	cmdType  string
	params   map[string]string
	deadline bool
}

// fakeExecutor records calls and answers from a table.
type fakeExecutor struct {
	mu        sync.Mutex
	calls     []call
	responses map[string]scheduler.CommandResponse
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{responses: map[string]scheduler.CommandResponse{}}
}

func (f *fakeExecutor) ExecuteCommand(ctx context.Context, cmdType string, p map[string]string) scheduler.CommandResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, hasDeadline := ctx.Deadline()
	f.calls = append(f.calls, call{cmdType: cmdType, params: p, deadline: hasDeadline})
	if resp, ok := f.responses[cmdType]; ok {
		return resp
	}
	return scheduler.CommandResponse{Result: "ok"}
}

func createTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Network.HTTP.ServerHeader = "canbridge-test"
	cfg.Timing.Commands.Read.TimeoutSec = 5
	cfg.Timing.Commands.Config.TimeoutSec = 10
	return cfg
}

func TestCommandRegistry(t *testing.T) {
	registry := NewCommandRegistry()

	if len(registry.List()) != 0 {
		t.Error("Expected empty registry")
	}

	handler := NewSchedulerCommandHandler(newFakeExecutor(), "test_command", "test", "x", true, NoParams)
	registry.Register(handler)

	if len(registry.List()) != 1 {
		t.Error("Expected one command in registry")
	}
	retrieved, exists := registry.Get("test_command")
	if !exists || retrieved != handler {
		t.Error("Expected to get the registered handler")
	}
	if _, exists := registry.Get("non_existent"); exists {
		t.Error("Expected non_existent command to not exist")
	}
}

func TestCoreCommandsRegistered(t *testing.T) {
	registry := NewCommandRegistry()
	RegisterCoreCommands(registry, newFakeExecutor())

	expected := map[string]string{
		"transmit":         scheduler.CmdTransmit,
		"status":           scheduler.CmdStatus,
		"config_get":       scheduler.CmdGetConfig,
		"config_set":       scheduler.CmdSaveConfig,
		"config_reset":     scheduler.CmdResetConfig,
		"file_status":      scheduler.CmdFileStatus,
		"file_remove":      scheduler.CmdRemoveFile,
		"monitor_snapshot": scheduler.CmdMonitorSnapshot,
		"bus_status":       scheduler.CmdBusStatus,
		"last_run":         scheduler.CmdLastRun,
	}
	if got := len(registry.List()); got != len(expected) {
		t.Errorf("registered %d commands, want %d", got, len(expected))
	}
	for name, cmdType := range expected {
		h, ok := registry.Get(name)
		if !ok {
			t.Errorf("command %s not registered", name)
			continue
		}
		if h.(*SchedulerCommandHandler).cmdType != cmdType {
			t.Errorf("%s maps to %s, want %s", name, h.(*SchedulerCommandHandler).cmdType, cmdType)
		}
	}
}

func TestHandlerParamValidation(t *testing.T) {
	exec := newFakeExecutor()
	noParams := NewSchedulerCommandHandler(exec, "file_status", "", scheduler.CmdFileStatus, true, NoParams)
	fields := NewSchedulerCommandHandler(exec, "config_set", "", scheduler.CmdSaveConfig, false, ConfigFields)

	if _, err := noParams.Handle(context.Background(), map[string]string{"x": "1"}); err == nil {
		t.Error("Expected error for unexpected params")
	}
	if _, err := fields.Handle(context.Background(), nil); err == nil {
		t.Error("Expected error for missing fields")
	}
	if len(exec.calls) != 0 {
		t.Errorf("invalid calls reached the scheduler: %+v", exec.calls)
	}

	if _, err := fields.Handle(context.Background(), map[string]string{"packet_gap": "5"}); err != nil {
		t.Errorf("config_set: %v", err)
	}
	if len(exec.calls) != 1 || exec.calls[0].params["packet_gap"] != "5" {
		t.Errorf("unexpected calls %+v", exec.calls)
	}
}

func TestHandlerMapsSchedulerErrors(t *testing.T) {
	exec := newFakeExecutor()
	exec.responses[scheduler.CmdLastRun] = scheduler.CommandResponse{Error: scheduler.ErrNotFound, Detail: "nothing yet"}
	h := NewSchedulerCommandHandler(exec, "last_run", "", scheduler.CmdLastRun, true, NoParams)

	_, err := h.Handle(context.Background(), nil)
	cmdErr, ok := err.(*CommandError)
	if !ok {
		t.Fatalf("expected *CommandError, got %T", err)
	}
	if cmdErr.Code != ErrNotFound || cmdErr.Details != "nothing yet" {
		t.Errorf("unexpected error %+v", cmdErr)
	}
}

func postRPC(t *testing.T, server *JSONRPCServer, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	server.HandleRequest(w, req)

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return w, resp
}

func TestJSONRPCServer(t *testing.T) {
	exec := newFakeExecutor()
	exec.responses[scheduler.CmdTransmit] = scheduler.CommandResponse{Error: scheduler.ErrBusy, Detail: "upload in progress"}
	server := NewJSONRPCServer(createTestConfig(), exec, zap.NewNop())

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   int
		wantMsg    string
	}{
		{"success", `{"jsonrpc":"2.0","method":"file_status","id":1}`, http.StatusOK, 0, ""},
		{"parse error", `{not json`, http.StatusBadRequest, codeParseError, "Parse error"},
		{"bad version", `{"jsonrpc":"1.0","method":"file_status","id":1}`, http.StatusBadRequest, codeInvalidRequest, "Invalid Request"},
		{"unknown method", `{"jsonrpc":"2.0","method":"reboot","id":1}`, http.StatusOK, codeMethodNotFound, "Method not found"},
		{"invalid params", `{"jsonrpc":"2.0","method":"transmit","params":{"x":"1"},"id":1}`, http.StatusOK, codeInvalidParams, ErrInvalidParams},
		{"scheduler busy", `{"jsonrpc":"2.0","method":"transmit","id":1}`, http.StatusOK, codeServerError, ErrBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := postRPC(t, server, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode == 0 {
				if resp.Error != nil {
					t.Errorf("unexpected error %+v", resp.Error)
				}
				if resp.Result != "ok" {
					t.Errorf("result = %v", resp.Result)
				}
				return
			}
			if resp.Error == nil || resp.Error.Code != tt.wantCode || resp.Error.Message != tt.wantMsg {
				t.Errorf("error = %+v, want %d %s", resp.Error, tt.wantCode, tt.wantMsg)
			}
		})
	}
}

func TestJSONRPCServerRejectsGet(t *testing.T) {
	server := NewJSONRPCServer(createTestConfig(), newFakeExecutor(), zap.NewNop())
	w := httptest.NewRecorder()
	server.HandleRequest(w, httptest.NewRequest(http.MethodGet, "/rpc", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d", w.Code)
	}
	if got := w.Header().Get("Server"); got != "canbridge-test" {
		t.Errorf("Server header = %q", got)
	}
}

func TestTimeouts(t *testing.T) {
	exec := newFakeExecutor()
	server := NewJSONRPCServer(createTestConfig(), exec, zap.NewNop())

	for _, method := range []string{"transmit", "file_status"} {
		postRPC(t, server, `{"jsonrpc":"2.0","method":"`+method+`","id":1}`)
	}
	// transmit has no timeout configured, reads do
	if exec.calls[0].deadline {
		t.Error("transmit should run without a deadline")
	}
	if !exec.calls[1].deadline {
		t.Error("file_status should carry the read timeout")
	}

	if got := server.getTimeoutForMethod("config_set"); got != 10*time.Second {
		t.Errorf("config_set timeout = %v", got)
	}
}

func TestListCommands(t *testing.T) {
	server := NewJSONRPCServer(createTestConfig(), newFakeExecutor(), zap.NewNop())
	_, resp := postRPC(t, server, `{"jsonrpc":"2.0","method":"commands","id":"a"}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
	list, ok := resp.Result.([]interface{})
	if !ok || len(list) != 11 {
		t.Fatalf("result = %v", resp.Result)
	}
	first := list[0].(map[string]interface{})
	if first["name"] != "bus_status" || first["read_only"] != true {
		t.Errorf("first command = %v", first)
	}
	if resp.ID != "a" {
		t.Errorf("id = %v", resp.ID)
	}
}
