// Package audit keeps an append-only JSON-lines record of the commands that
// change bridge state.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// OutcomeSuccess is recorded for commands that returned no error code.
const OutcomeSuccess = "SUCCESS"

// Entry represents a single audit log line.
type Entry struct {
	Timestamp time.Time         `json:"ts"`
	Action    string            `json:"action"`
	Params    map[string]string `json:"params,omitempty"`
	Outcome   string            `json:"outcome"`
	Detail    string            `json:"detail,omitempty"`
	LatencyMs int64             `json:"latencyMs"`
}

// Logger appends entries to a writer. A nil *Logger records nothing.
type Logger struct {
	mu     sync.Mutex
	w      io.WriteCloser
	now    func() time.Time
	logger *zap.Logger
}

// NewLogger opens path for appending through a size-rotated writer.
func NewLogger(path string, maxSizeMB int, logger *zap.Logger) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	return New(&lumberjack.Logger{
		Filename: path,
		MaxSize:  maxSizeMB,
	}, logger), nil
}

// New records to w.
func New(w io.WriteCloser, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{w: w, now: time.Now, logger: logger.Named("audit")}
}

// Record writes one entry. code is the command error code, empty on success.
func (l *Logger) Record(action string, params map[string]string, code, detail string, latency time.Duration) {
	if l == nil {
		return
	}
	outcome := code
	if outcome == "" {
		outcome = OutcomeSuccess
	}
	entry := Entry{
		Timestamp: l.now().UTC(),
		Action:    action,
		Params:    params,
		Outcome:   outcome,
		Detail:    detail,
		LatencyMs: latency.Milliseconds(),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("Failed to marshal audit entry", zap.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(data, '\n')); err != nil {
		l.logger.Warn("Failed to write audit entry", zap.String("action", action), zap.Error(err))
	}
}

// Close closes the underlying writer.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
