// Package scheduler runs every bus-facing operation on one goroutine.
// Other goroutines submit commands and wait for the reply.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/can-bridge/internal/audit"
	"github.com/can-bridge/internal/can"
	"github.com/can-bridge/internal/monitor"
	"github.com/can-bridge/internal/params"
	"github.com/can-bridge/internal/publish"
	"github.com/can-bridge/internal/storage"
	"github.com/can-bridge/internal/transmit"
)

// Command types.
const (
	CmdTransmit        = "transmit"
	CmdStatus          = "status"
	CmdGetConfig       = "getConfig"
	CmdSaveConfig      = "saveConfig"
	CmdResetConfig     = "resetConfig"
	CmdFileStatus      = "fileStatus"
	CmdRemoveFile      = "removeFile"
	CmdUploadBegin     = "uploadBegin"
	CmdUploadEnd       = "uploadEnd"
	CmdMonitorSnapshot = "monitorSnapshot"
	CmdMonitorReset    = "monitorReset"
	CmdBusStatus       = "busStatus"
	CmdLastRun         = "lastRun"
)

// audited lists the commands that change stored or bus state.
var audited = map[string]bool{
	CmdTransmit:     true,
	CmdSaveConfig:   true,
	CmdResetConfig:  true,
	CmdRemoveFile:   true,
	CmdUploadEnd:    true,
	CmdMonitorReset: true,
}

// Error codes carried in CommandResponse.Error.
const (
	ErrBusy          = "BUSY"
	ErrUnavailable   = "UNAVAILABLE"
	ErrInternal      = "INTERNAL"
	ErrInvalidParams = "INVALID_PARAMS"
	ErrNotFound      = "NOT_FOUND"
)

// Bus is what the scheduler needs from the transceiver.
type Bus interface {
	transmit.Transmitter
	Stats() can.Stats
}

// Command represents a command to be processed on the scheduler goroutine
type Command struct {
	Type      string
	Params    map[string]string
	Response  chan CommandResponse
	Timestamp time.Time

	// ctx is the submitter's context. Once it ends the command is skipped.
	ctx context.Context
	// claim is set by whichever side settles the command first: the worker
	// delivering a reply or the submitter giving up on it.
	claim *atomic.Int32
}

const (
	claimOpen int32 = iota
	claimDelivered
	claimAbandoned
)

// deliver hands resp to the submitter. It reports false when the submitter
// already gave up, in which case nobody will ever read the reply.
func (c Command) deliver(resp CommandResponse) bool {
	if c.claim != nil && !c.claim.CompareAndSwap(claimOpen, claimDelivered) {
		return false
	}
	c.Response <- resp
	return true
}

func (c Command) abandoned() bool {
	if c.claim != nil && c.claim.Load() == claimAbandoned {
		return true
	}
	return c.ctx != nil && c.ctx.Err() != nil
}

// CommandResponse represents the response from a command
type CommandResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Detail string      `json:"detail,omitempty"`
}

// ConfigView is the result of the config commands.
type ConfigView struct {
	Params   params.Params       `json:"params"`
	Fields   []params.FieldValue `json:"fields"`
	Rejected []string            `json:"rejected,omitempty"`
}

// Status is the combined state shown on the status page.
type Status struct {
	File      storage.Status   `json:"file"`
	Uploading bool             `json:"uploading"`
	Config    ConfigView       `json:"config"`
	Bus       can.Stats        `json:"bus"`
	LastRun   *transmit.Result `json:"lastRun,omitempty"`
}

// Deps are the components the scheduler owns.
type Deps struct {
	Params    *params.Store
	Blobs     *storage.Store
	Bus       Bus
	Monitor   *monitor.Monitor
	Publisher publish.Publisher
	Logger    *zap.Logger

	// Audit records state-changing commands; nil disables it.
	Audit *audit.Logger

	// EngineOptions are passed to the transmission engine.
	EngineOptions []transmit.Option
}

// Scheduler serialises access to the parameter store, blob storage, bus and
// monitor.
type Scheduler struct {
	params       *params.Store
	blobs        *storage.Store
	bus          Bus
	monitor      *monitor.Monitor
	engine       *transmit.Engine
	publisher    publish.Publisher
	audit        *audit.Logger
	logger       *zap.Logger
	passInterval time.Duration
	queueTimeout time.Duration

	upload  *storage.Upload
	lastRun *transmit.Result

	commandQueue chan Command
	stopChan     chan struct{}
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// New creates a scheduler and starts its goroutine. passInterval is the
// period of monitor passes between commands.
func New(deps Deps, passInterval time.Duration) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = publish.Nop{}
	}
	if passInterval <= 0 {
		passInterval = time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		params:       deps.Params,
		blobs:        deps.Blobs,
		bus:          deps.Bus,
		monitor:      deps.Monitor,
		publisher:    pub,
		audit:        deps.Audit,
		logger:       logger.Named("scheduler"),
		passInterval: passInterval,
		queueTimeout: 5 * time.Second,
		commandQueue: make(chan Command, 100),
		stopChan:     make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.engine = transmit.NewEngine(deps.Params, deps.Bus, logger, deps.EngineOptions...)

	// Seed or repair the parameter file before serving anything
	p := s.params.Load()
	s.logger.Info("Scheduler started",
		zap.Uint32("packet_gap_ms", p.PacketGapMs),
		zap.Uint32("chunk_interval_ms", p.ChunkIntervalMs),
		zap.Stringer("id1", p.ID1),
		zap.Stringer("id2", p.ID2),
		zap.Duration("pass_interval", passInterval))

	s.wg.Add(1)
	go s.worker()
	return s
}

// worker processes commands in FIFO order and runs monitor passes in between
func (s *Scheduler) worker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.passInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-s.commandQueue:
			s.processCommand(cmd)
		case <-ticker.C:
			if s.monitor != nil && s.upload == nil {
				s.monitor.Pass()
			}
		case <-s.stopChan:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// processCommand processes a single command
func (s *Scheduler) processCommand(cmd Command) {
	if cmd.abandoned() {
		s.logger.Debug("Skipping abandoned command", zap.String("type", cmd.Type),
			zap.Duration("queued", time.Since(cmd.Timestamp)))
		cmd.deliver(CommandResponse{Error: ErrUnavailable, Detail: "caller gave up"})
		return
	}

	var resp CommandResponse
	switch cmd.Type {
	case CmdTransmit:
		resp = s.handleTransmit()
	case CmdStatus:
		resp = s.handleStatus()
	case CmdGetConfig:
		resp = s.handleGetConfig()
	case CmdSaveConfig:
		resp = s.handleSaveConfig(cmd.Params)
	case CmdResetConfig:
		resp = s.handleResetConfig()
	case CmdFileStatus:
		resp = CommandResponse{Result: s.blobs.Status()}
	case CmdRemoveFile:
		resp = s.handleRemoveFile()
	case CmdUploadBegin:
		resp = s.handleUploadBegin(cmd.Params)
	case CmdUploadEnd:
		resp = s.handleUploadEnd(cmd.Params)
	case CmdMonitorSnapshot:
		resp = s.handleMonitorSnapshot()
	case CmdMonitorReset:
		resp = s.handleMonitorReset()
	case CmdBusStatus:
		resp = CommandResponse{Result: s.bus.Stats()}
	case CmdLastRun:
		resp = s.handleLastRun()
	default:
		resp = CommandResponse{Error: ErrInternal, Detail: fmt.Sprintf("unknown command %q", cmd.Type)}
	}

	if resp.Error != "" {
		s.logger.Debug("Command failed", zap.String("type", cmd.Type),
			zap.String("error", resp.Error), zap.String("detail", resp.Detail))
	}
	if audited[cmd.Type] {
		s.audit.Record(cmd.Type, cmd.Params, resp.Error, resp.Detail, time.Since(cmd.Timestamp))
	}
	if !cmd.deliver(resp) && cmd.Type == CmdUploadBegin && resp.Error == "" {
		s.dropUpload()
	}
}

// handleTransmit runs the engine over the stored blob. It blocks the
// scheduler for the whole run.
func (s *Scheduler) handleTransmit() CommandResponse {
	if s.upload != nil {
		return CommandResponse{Error: ErrBusy, Detail: "upload in progress"}
	}

	var blob io.Reader
	b, err := s.blobs.Open()
	switch {
	case err == nil:
		defer b.Close()
		blob = b
	case errors.Is(err, os.ErrNotExist):
	default:
		return CommandResponse{Error: ErrInternal, Detail: err.Error()}
	}

	res, err := s.engine.Run(blob)
	s.lastRun = &res
	s.publisher.PublishRun(res)
	if err != nil {
		return CommandResponse{Result: res, Error: ErrInternal, Detail: err.Error()}
	}
	return CommandResponse{Result: res}
}

func (s *Scheduler) configView() ConfigView {
	p := s.params.Load()
	fields, err := s.params.Fields()
	if err != nil {
		s.logger.Warn("Failed to read parameter fields", zap.Error(err))
	}
	return ConfigView{Params: p, Fields: fields}
}

func (s *Scheduler) handleStatus() CommandResponse {
	return CommandResponse{Result: Status{
		File:      s.blobs.Status(),
		Uploading: s.upload != nil,
		Config:    s.configView(),
		Bus:       s.bus.Stats(),
		LastRun:   s.lastRun,
	}}
}

func (s *Scheduler) handleGetConfig() CommandResponse {
	return CommandResponse{Result: s.configView()}
}

// handleSaveConfig applies form values. Rejected fields are listed in the
// result; the accepted ones are stored regardless.
func (s *Scheduler) handleSaveConfig(updates map[string]string) CommandResponse {
	_, err := s.params.ApplyUpdates(updates)
	view := s.configView()

	var rejected []string
	for _, e := range multierr.Errors(err) {
		var fe *params.FieldError
		if !errors.As(e, &fe) {
			return CommandResponse{Result: view, Error: ErrInternal, Detail: e.Error()}
		}
		rejected = append(rejected, fe.Error())
	}
	view.Rejected = rejected
	return CommandResponse{Result: view}
}

func (s *Scheduler) handleResetConfig() CommandResponse {
	if _, err := s.params.Reset(); err != nil {
		return CommandResponse{Error: ErrInternal, Detail: err.Error()}
	}
	return CommandResponse{Result: s.configView()}
}

func (s *Scheduler) handleRemoveFile() CommandResponse {
	if s.upload != nil {
		return CommandResponse{Error: ErrBusy, Detail: "upload in progress"}
	}
	if err := s.blobs.Remove(); err != nil {
		return CommandResponse{Error: ErrInternal, Detail: err.Error()}
	}
	return CommandResponse{Result: s.blobs.Status()}
}

// handleUploadBegin opens the upload sink and suspends the monitor. The
// returned *storage.Upload is written by the caller's goroutine.
func (s *Scheduler) handleUploadBegin(p map[string]string) CommandResponse {
	var expected int64
	if v, ok := p["expected"]; ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return CommandResponse{Error: ErrInvalidParams, Detail: "expected must be an integer"}
		}
		expected = n
	}

	up, err := s.blobs.BeginUpload(expected)
	if errors.Is(err, storage.ErrUploadInProgress) {
		return CommandResponse{Error: ErrBusy, Detail: err.Error()}
	}
	if err != nil {
		return CommandResponse{Error: ErrInternal, Detail: err.Error()}
	}
	s.upload = up
	return CommandResponse{Result: up}
}

// dropUpload discards an upload whose submitter never saw it start.
func (s *Scheduler) dropUpload() {
	if s.upload == nil {
		return
	}
	if err := s.upload.Abort(); err != nil {
		s.logger.Warn("Failed to discard orphaned upload", zap.Error(err))
	}
	s.upload = nil
	if s.monitor != nil {
		s.monitor.Resync()
	}
}

// handleUploadEnd closes the sink, or discards it when abort is set, and
// resumes the monitor.
func (s *Scheduler) handleUploadEnd(p map[string]string) CommandResponse {
	if s.upload == nil {
		return CommandResponse{Error: ErrNotFound, Detail: "no upload in progress"}
	}
	up := s.upload
	s.upload = nil
	if s.monitor != nil {
		s.monitor.Resync()
	}

	var err error
	if p["abort"] == "true" {
		err = up.Abort()
	} else {
		err = up.Close()
	}
	if err != nil {
		return CommandResponse{Error: ErrInternal, Detail: err.Error()}
	}
	return CommandResponse{Result: s.blobs.Status()}
}

func (s *Scheduler) handleMonitorSnapshot() CommandResponse {
	if s.monitor == nil {
		return CommandResponse{Error: ErrUnavailable, Detail: "monitor disabled"}
	}
	return CommandResponse{Result: s.monitor.Snapshot()}
}

func (s *Scheduler) handleMonitorReset() CommandResponse {
	if s.monitor == nil {
		return CommandResponse{Error: ErrUnavailable, Detail: "monitor disabled"}
	}
	s.monitor.Reset()
	return CommandResponse{Result: s.monitor.Snapshot()}
}

func (s *Scheduler) handleLastRun() CommandResponse {
	if s.lastRun == nil {
		return CommandResponse{Error: ErrNotFound, Detail: "no transmission has run yet"}
	}
	return CommandResponse{Result: *s.lastRun}
}

// ExecuteCommand queues a command and waits for its response or for ctx.
func (s *Scheduler) ExecuteCommand(ctx context.Context, cmdType string, params map[string]string) CommandResponse {
	response := make(chan CommandResponse, 1)
	cmd := Command{
		Type:      cmdType,
		Params:    params,
		Response:  response,
		Timestamp: time.Now(),
		ctx:       ctx,
		claim:     new(atomic.Int32),
	}

	queueTimer := time.NewTimer(s.queueTimeout)
	defer queueTimer.Stop()

	// Add backpressure handling and timeout
	select {
	case s.commandQueue <- cmd:
		select {
		case resp := <-response:
			return resp
		case <-ctx.Done():
			if !cmd.claim.CompareAndSwap(claimOpen, claimAbandoned) {
				// The worker already replied
				return <-response
			}
			return CommandResponse{Error: ErrUnavailable, Detail: ctx.Err().Error()}
		case <-s.ctx.Done():
			if !cmd.claim.CompareAndSwap(claimOpen, claimAbandoned) {
				return <-response
			}
			return CommandResponse{Error: ErrUnavailable}
		}
	case <-queueTimer.C:
		// Command queue full or system busy
		return CommandResponse{Error: ErrBusy}
	case <-ctx.Done():
		return CommandResponse{Error: ErrUnavailable, Detail: ctx.Err().Error()}
	case <-s.ctx.Done():
		// System shutting down
		return CommandResponse{Error: ErrUnavailable}
	}
}

// Close stops the worker, aborting any open upload.
func (s *Scheduler) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.stopChan)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(10 * time.Second):
			err = fmt.Errorf("shutdown timeout")
			return
		}

		if s.upload != nil {
			err = s.upload.Abort()
			s.upload = nil
		}
		err = multierr.Append(err, s.publisher.Close())
	})
	return err
}
