package contracttests

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/can-bridge/internal/config"
	"github.com/can-bridge/internal/maintenance"
)

// TestTCPServer wraps the maintenance server for contract testing
type TestTCPServer struct {
	server *maintenance.Server
	addr   string
}

// NewTestTCPServer starts a maintenance server on a loopback port
func NewTestTCPServer(t *testing.T, cfg *config.Config) *TestTCPServer {
	t.Helper()
	sched, _ := newScheduler(t)
	server := maintenance.NewServer(cfg, sched, zap.NewNop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create TCP listener: %v", err)
	}
	go server.Serve(listener)
	t.Cleanup(func() { server.Close() })

	return &TestTCPServer{server: server, addr: listener.Addr().String()}
}

// SendRaw writes one line and returns the response line
func (ts *TestTCPServer) SendRaw(t *testing.T, line string) ([]byte, error) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", ts.addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := fmt.Fprintln(conn, line); err != nil {
		return nil, err
	}
	// The server decodes a single value; end the stream so truncated JSON
	// fails to parse instead of waiting for more input
	conn.(*net.TCPConn).CloseWrite()
	return bufio.NewReader(conn).ReadBytes('\n')
}

// Call sends a request for method and decodes the envelope
func (ts *TestTCPServer) Call(t *testing.T, method string, id interface{}) ([]byte, JSONRPCEnvelope) {
	t.Helper()
	req, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "method": method, "id": id})
	body, err := ts.SendRaw(t, string(req))
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	var env JSONRPCEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("%s: invalid JSON %q: %v", method, body, err)
	}
	return body, env
}

func TestTCPMethodExistence(t *testing.T) {
	server := NewTestTCPServer(t, createTestConfig())

	tests := []struct {
		method   string
		validate func(json.RawMessage) error
	}{
		{"bus_status", ValidateBusStats},
		{"remove_file", ValidateFileStatus},
		{"reset_config", ValidateConfigView},
		{"monitor_reset", func(r json.RawMessage) error {
			var snap struct {
				IDs     []int    `json:"ids"`
				Columns [][]bool `json:"columns"`
			}
			if err := json.Unmarshal(r, &snap); err != nil {
				return err
			}
			if len(snap.IDs) != 3 || len(snap.Columns) != 8 {
				return fmt.Errorf("unexpected snapshot %+v", snap)
			}
			return nil
		}},
	}

	for i, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			body, env := server.Call(t, tt.method, i+1)
			if err := ValidateEnvelope(body); err != nil {
				t.Fatalf("Invalid envelope: %v", err)
			}
			if len(env.Error) > 0 {
				t.Fatalf("Unexpected error %s", env.Error)
			}
			if err := tt.validate(env.Result); err != nil {
				t.Errorf("Result shape: %v", err)
			}
		})
	}
}

func TestTCPUnknownMethod(t *testing.T) {
	server := NewTestTCPServer(t, createTestConfig())

	// HTTP-only methods are not reachable over maintenance
	for _, method := range []string{"transmit", "config_set", "freq"} {
		_, env := server.Call(t, method, "m")
		var msg string
		if err := json.Unmarshal(env.Error, &msg); err != nil {
			t.Fatalf("%s: error must be a string, got %s", method, env.Error)
		}
		if msg != "Method not found" {
			t.Errorf("%s: error = %q", method, msg)
		}
	}
}

func TestTCPJSONRPCCompliance(t *testing.T) {
	server := NewTestTCPServer(t, createTestConfig())

	tests := []struct {
		name     string
		line     string
		wantCode int
	}{
		{"parse_error", `{"jsonrpc":`, -32700},
		{"wrong_version", `{"jsonrpc":"1.0","method":"bus_status","id":1}`, -32600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := server.SendRaw(t, tt.line)
			if err != nil {
				t.Fatal(err)
			}
			if err := ValidateEnvelope(body); err != nil {
				t.Fatalf("Invalid envelope: %v", err)
			}
			var env JSONRPCEnvelope
			json.Unmarshal(body, &env)
			code, err := ErrorCode(env.Error)
			if err != nil {
				t.Fatal(err)
			}
			if code != tt.wantCode {
				t.Errorf("Expected code %d, got %d", tt.wantCode, code)
			}
		})
	}
}

func TestTCPLocalOnlyPolicy(t *testing.T) {
	cfg := createTestConfig()
	cfg.Network.Maintenance.AllowedCIDRs = []string{"10.0.0.0/8"}
	server := NewTestTCPServer(t, cfg)

	if _, err := server.SendRaw(t, `{"jsonrpc":"2.0","method":"bus_status","id":1}`); err == nil {
		t.Error("Expected the connection to be closed without a response")
	}
}
