// Package api serves the operator web UI and the JSON endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/can-bridge/internal/commands"
	"github.com/can-bridge/internal/config"
	"github.com/can-bridge/internal/monitor"
	"github.com/can-bridge/internal/scheduler"
	"github.com/can-bridge/internal/storage"
	"github.com/can-bridge/internal/telemetry"
	"github.com/can-bridge/internal/transmit"
)

// Server handles the HTTP surface of the bridge
type Server struct {
	config *config.Config
	exec   commands.Executor
	rpc    *commands.JSONRPCServer
	hub    *telemetry.Hub
	logger *zap.Logger
	mux    *http.ServeMux
}

// NewServer wires the routes. hub may be nil, which disables the event stream.
func NewServer(cfg *config.Config, exec commands.Executor, hub *telemetry.Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config: cfg,
		exec:   exec,
		rpc:    commands.NewJSONRPCServer(cfg, exec, logger),
		hub:    hub,
		logger: logger.Named("http"),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/upload", s.handleUpload)
	s.mux.HandleFunc("/process", s.handleProcess)
	s.mux.HandleFunc("/save_config", s.handleSaveConfig)
	s.mux.HandleFunc("/reset_config", s.handleResetConfig)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/monitor", s.handleMonitor)
	s.mux.HandleFunc("/api/monitor/stream", s.handleMonitorStream)
	s.mux.HandleFunc("/rpc", s.rpc.HandleRequest)
	return s
}

// Handler returns the root handler with header and logging middleware
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.config.Network.HTTP.ServerHeader != "" {
			w.Header().Set("Server", s.config.Network.HTTP.ServerHeader)
		}
		s.mux.ServeHTTP(w, r)
		s.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)))
	})
}

// HeaderTimeout bounds how long a client may take to send request headers.
const HeaderTimeout = 10 * time.Second

// NewHTTPServer builds the listener-side server for h. Only the request
// headers are time-limited; upload bodies and transmissions may run long.
func NewHTTPServer(addr string, h http.Handler, headerTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: headerTimeout,
		IdleTimeout:       2 * time.Minute,
	}
}

// execute runs a scheduler command under the given timeout, zero meaning none
func (s *Server) execute(ctx context.Context, timeout time.Duration, cmdType string, params map[string]string) scheduler.CommandResponse {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.exec.ExecuteCommand(ctx, cmdType, params)
}

func (s *Server) readTimeout() time.Duration {
	return s.config.Timing.Commands.Read.Duration()
}

func (s *Server) configTimeout() time.Duration {
	return s.config.Timing.Commands.Config.Duration()
}

// statusCode maps scheduler error codes to HTTP statuses
func statusCode(code string) int {
	switch code {
	case scheduler.ErrBusy, scheduler.ErrUnavailable:
		return http.StatusServiceUnavailable
	case scheduler.ErrInvalidParams:
		return http.StatusBadRequest
	case scheduler.ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeCommandError(w http.ResponseWriter, resp scheduler.CommandResponse) {
	msg := resp.Error
	if resp.Detail != "" {
		msg += ": " + resp.Detail
	}
	http.Error(w, msg, statusCode(resp.Error))
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

// handleRoot renders the status page
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := s.execute(r.Context(), s.readTimeout(), scheduler.CmdStatus, nil)
	if resp.Error != "" {
		s.writeCommandError(w, resp)
		return
	}
	data := pageData{
		Device: s.config.Device.Name,
		Status: resp.Result.(scheduler.Status),
	}
	if mon := s.execute(r.Context(), s.readTimeout(), scheduler.CmdMonitorSnapshot, nil); mon.Error == "" {
		snap := mon.Result.(monitor.Snapshot)
		data.Monitor = &snap
		data.Chart = snap.Render()
	}
	if data.Status.LastRun != nil {
		data.Message = data.Status.LastRun.Message()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplate.Execute(w, data); err != nil {
		s.logger.Warn("Failed to render page", zap.Error(err))
	}
}

// handleUpload streams the first file part of a multipart form into storage
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expected multipart/form-data", http.StatusBadRequest)
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			http.Error(w, "no file in request", http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, "malformed multipart body", http.StatusBadRequest)
			return
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		begin := s.execute(r.Context(), s.configTimeout(), scheduler.CmdUploadBegin,
			map[string]string{"expected": strconv.FormatInt(r.ContentLength, 10)})
		if begin.Error != "" {
			s.writeCommandError(w, begin)
			return
		}
		up := begin.Result.(*storage.Upload)
		s.logger.Info("Upload started", zap.String("file", part.FileName()), zap.Int64("content_length", r.ContentLength))

		n, copyErr := io.Copy(up, part)
		var endParams map[string]string
		if copyErr != nil {
			endParams = map[string]string{"abort": "true"}
		}
		// The upload must be closed even when the client has gone away
		end := s.execute(context.Background(), s.configTimeout(), scheduler.CmdUploadEnd, endParams)
		if copyErr != nil {
			s.logger.Warn("Upload failed", zap.Int64("bytes", n), zap.Error(copyErr))
			http.Error(w, "upload interrupted", http.StatusBadRequest)
			return
		}
		if end.Error != "" {
			s.writeCommandError(w, end)
			return
		}
		s.logger.Info("Upload finished", zap.String("file", part.FileName()), zap.Int64("bytes", n))
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
}

// handleProcess runs a transmission and answers with its summary
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := s.execute(r.Context(), s.config.Timing.Commands.Transmit.Duration(), scheduler.CmdTransmit, nil)
	res, ok := resp.Result.(transmit.Result)
	if resp.Error != "" && !ok {
		s.writeCommandError(w, resp)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if resp.Error != "" {
		w.WriteHeader(statusCode(resp.Error))
	}
	io.WriteString(w, res.Message())
}

// handleSaveConfig applies the posted form fields
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	updates := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			updates[k] = v[0]
		}
	}

	resp := s.execute(r.Context(), s.configTimeout(), scheduler.CmdSaveConfig, updates)
	if resp.Error != "" {
		s.writeCommandError(w, resp)
		return
	}
	if view := resp.Result.(scheduler.ConfigView); len(view.Rejected) > 0 {
		s.logger.Warn("Settings partly rejected", zap.Strings("rejected", view.Rejected))
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleResetConfig restores default settings
func (s *Server) handleResetConfig(w http.ResponseWriter, r *http.Request) {
	resp := s.execute(r.Context(), s.configTimeout(), scheduler.CmdResetConfig, nil)
	if resp.Error != "" {
		s.writeCommandError(w, resp)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := s.execute(r.Context(), s.readTimeout(), scheduler.CmdStatus, nil)
	if resp.Error != "" {
		s.writeCommandError(w, resp)
		return
	}
	s.writeJSON(w, resp.Result)
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	resp := s.execute(r.Context(), s.readTimeout(), scheduler.CmdMonitorSnapshot, nil)
	if resp.Error != "" {
		s.writeCommandError(w, resp)
		return
	}
	s.writeJSON(w, resp.Result)
}

// handleMonitorStream subscribes the client to tick and run events
func (s *Server) handleMonitorStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}
	resp := s.execute(r.Context(), s.readTimeout(), scheduler.CmdMonitorSnapshot, nil)
	if resp.Error != "" {
		s.writeCommandError(w, resp)
		return
	}
	if err := s.hub.Subscribe(r.Context(), w, r, resp.Result); err != nil {
		s.logger.Debug("Event stream ended", zap.Error(err))
	}
}
