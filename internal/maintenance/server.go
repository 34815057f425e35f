// Package maintenance serves operator commands over a CIDR-restricted TCP
// JSON-RPC port.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/can-bridge/internal/config"
	"github.com/can-bridge/internal/scheduler"
)

// Executor runs scheduler commands.
type Executor interface {
	ExecuteCommand(ctx context.Context, cmdType string, params map[string]string) scheduler.CommandResponse
}

// Server handles maintenance TCP connections
type Server struct {
	config            *config.Config
	exec              Executor
	logger            *zap.Logger
	listener          net.Listener
	stopChan          chan struct{}
	activeConnections map[string]net.Conn
	connectionsMutex  sync.Mutex
	maxConnections    int
	connectionTimeout time.Duration
	allowed           []*net.IPNet
}

// Request represents a JSON-RPC request over TCP
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  map[string]string `json:"params,omitempty"`
	ID      interface{}       `json:"id"`
}

// Response represents a JSON-RPC response over TCP
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   interface{} `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// methods maps maintenance methods to scheduler commands
var methods = map[string]string{
	"reset_config":  scheduler.CmdResetConfig,
	"remove_file":   scheduler.CmdRemoveFile,
	"monitor_reset": scheduler.CmdMonitorReset,
	"bus_status":    scheduler.CmdBusStatus,
}

// NewServer creates a new maintenance server
func NewServer(cfg *config.Config, exec Executor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:            cfg,
		exec:              exec,
		logger:            logger.Named("maintenance"),
		stopChan:          make(chan struct{}),
		activeConnections: make(map[string]net.Conn),
		maxConnections:    10,
		connectionTimeout: 30 * time.Second,
	}
	for _, cidr := range cfg.Network.Maintenance.AllowedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			s.logger.Warn("Invalid CIDR in config", zap.String("cidr", cidr))
			continue
		}
		s.allowed = append(s.allowed, network)
	}
	return s
}

// ListenAndServe starts the maintenance TCP server on the configured port
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Network.Maintenance.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Network.Maintenance.Port, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Close
func (s *Server) Serve(listener net.Listener) error {
	s.connectionsMutex.Lock()
	s.listener = listener
	s.connectionsMutex.Unlock()

	s.logger.Info("Maintenance server listening", zap.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("Failed to accept connection", zap.Error(err))
			continue
		}

		if !s.isAllowedConnection(conn) {
			s.logger.Warn("Rejected connection, not in allowed CIDRs", zap.Stringer("remote", conn.RemoteAddr()))
			conn.Close()
			continue
		}

		if !s.track(conn) {
			s.logger.Warn("Rejected connection, too many clients", zap.Stringer("remote", conn.RemoteAddr()))
			conn.Close()
			continue
		}

		go func() {
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connectionsMutex.Lock()
	defer s.connectionsMutex.Unlock()
	if len(s.activeConnections) >= s.maxConnections {
		return false
	}
	s.activeConnections[conn.RemoteAddr().String()] = conn
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connectionsMutex.Lock()
	defer s.connectionsMutex.Unlock()
	delete(s.activeConnections, conn.RemoteAddr().String())
}

// handleConnection handles a single request on conn
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(s.connectionTimeout))

	var req Request
	decoder := json.NewDecoder(conn)
	if err := decoder.Decode(&req); err != nil {
		s.logger.Debug("Failed to decode JSON-RPC request", zap.Error(err))
		s.writeErrorResponse(conn, -32700, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeErrorResponse(conn, -32600, "Invalid Request", req.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.connectionTimeout)
	defer cancel()
	response := s.processMaintenanceRequest(ctx, &req)

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(response); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
		return
	}

	s.logger.Info("Maintenance command processed",
		zap.String("method", req.Method),
		zap.Stringer("client", conn.RemoteAddr()))
}

// processMaintenanceRequest processes maintenance commands
func (s *Server) processMaintenanceRequest(ctx context.Context, req *Request) *Response {
	cmdType, ok := methods[req.Method]
	if !ok {
		return &Response{
			JSONRPC: "2.0",
			Error:   "Method not found",
			ID:      req.ID,
		}
	}

	cmdResponse := s.exec.ExecuteCommand(ctx, cmdType, nil)
	if cmdResponse.Error != "" {
		return &Response{
			JSONRPC: "2.0",
			Error:   cmdResponse.Error,
			ID:      req.ID,
		}
	}

	return &Response{
		JSONRPC: "2.0",
		Result:  cmdResponse.Result,
		ID:      req.ID,
	}
}

// isAllowedConnection checks if the connection is from an allowed CIDR
func (s *Server) isAllowedConnection(conn net.Conn) bool {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}

	clientIP := net.ParseIP(host)
	if clientIP == nil {
		return false
	}

	for _, network := range s.allowed {
		if network.Contains(clientIP) {
			return true
		}
	}
	return false
}

// writeErrorResponse writes an error response
func (s *Server) writeErrorResponse(conn net.Conn, code int, message string, id interface{}) {
	response := &Response{
		JSONRPC: "2.0",
		Error: map[string]interface{}{
			"code":    code,
			"message": message,
		},
		ID: id,
	}

	json.NewEncoder(conn).Encode(response)
}

// Close shuts down the maintenance server
func (s *Server) Close() error {
	select {
	case <-s.stopChan:
		return nil
	default:
		close(s.stopChan)
	}

	s.connectionsMutex.Lock()
	listener := s.listener
	for _, conn := range s.activeConnections {
		conn.Close()
	}
	s.connectionsMutex.Unlock()

	if listener != nil {
		return listener.Close()
	}
	return nil
}
