// Package transmit streams a stored blob onto the bus in 16-byte chunks.
package transmit

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/can-bridge/internal/can"
	"github.com/can-bridge/internal/params"
)

// ChunkSize is the number of blob bytes carried by one frame pair.
const ChunkSize = 2 * can.MaxDataLen

// ParamsSource supplies the parameters for a run.
type ParamsSource interface {
	Load() params.Params
}

// Transmitter sends a single frame, once.
type Transmitter interface {
	Transmit(id can.ID, payload []byte) error
}

// Progress describes one chunk handed to the bus.
type Progress struct {
	Offset int64
	Len    int
	Total  int64
}

// Result summarises a run.
type Result struct {
	Bytes    int64         `json:"bytes"`
	Chunks   int           `json:"chunks"`
	Frames   int           `json:"frames"`
	Failures int           `json:"failures"`
	Missing  bool          `json:"missing"`
	Params   params.Params `json:"params"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Message is the operator-facing summary of the run.
func (r Result) Message() string {
	if r.Error != "" {
		return fmt.Sprintf("Transmission aborted after %d bytes: %s", r.Bytes, r.Error)
	}
	if r.Missing || r.Bytes == 0 {
		return "No file uploaded. Nothing to transmit."
	}
	msg := fmt.Sprintf("Transmitted %d bytes in %d chunks.", r.Bytes, r.Chunks)
	if r.Failures > 0 {
		msg += fmt.Sprintf(" %d of %d frames failed.", r.Failures, r.Frames+r.Failures)
	}
	return msg
}

// Engine runs transmissions. A run blocks its caller for its whole duration.
type Engine struct {
	params   ParamsSource
	bus      Transmitter
	logger   *zap.Logger
	sleep    func(time.Duration)
	now      func() time.Time
	progress func(Progress)
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleep replaces time.Sleep for the pacing waits.
func WithSleep(sleep func(time.Duration)) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithClock replaces time.Now for run timing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithProgress registers a per-chunk progress hook.
func WithProgress(fn func(Progress)) Option {
	return func(e *Engine) { e.progress = fn }
}

// NewEngine creates an engine reading parameters from src and sending on bus.
func NewEngine(src ParamsSource, bus Transmitter, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		params: src,
		bus:    bus,
		logger: logger.Named("transmit"),
		sleep:  time.Sleep,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// sized is implemented by blobs that know their length up front.
type sized interface {
	Size() int64
}

// Run sends blob. A nil blob reports Missing. Frame failures are counted and
// the run continues; only a read error other than end of file stops it.
func (e *Engine) Run(blob io.Reader) (Result, error) {
	p := e.params.Load()
	res := Result{Params: p, Started: e.now()}

	if blob == nil {
		res.Missing = true
		e.logger.Info("No file uploaded, nothing to transmit")
		return res, nil
	}

	var total int64 = -1
	if s, ok := blob.(sized); ok {
		total = s.Size()
	}

	e.logger.Info("Transmission started",
		zap.Int64("size", total),
		zap.Stringer("id1", p.ID1),
		zap.Stringer("id2", p.ID2),
		zap.Uint32("packet_gap_ms", p.PacketGapMs),
		zap.Uint32("chunk_interval_ms", p.ChunkIntervalMs))

	buf := make([]byte, ChunkSize)
	for {
		n, err := io.ReadFull(blob, buf)
		if n > 0 {
			if res.Chunks > 0 {
				e.sleep(p.ChunkInterval())
			}
			e.sendChunk(&res, p, res.Bytes, buf[:n], total)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			err = fmt.Errorf("read blob at offset %d: %w", res.Bytes, err)
			res.Duration = e.now().Sub(res.Started)
			res.Error = err.Error()
			e.logger.Error("Blob read failed", zap.Error(err))
			return res, err
		}
	}

	res.Duration = e.now().Sub(res.Started)
	if res.Bytes == 0 {
		e.logger.Info("Blob is empty, nothing to transmit")
		return res, nil
	}
	e.logger.Info("Transmission complete",
		zap.Int64("bytes", res.Bytes),
		zap.Int("chunks", res.Chunks),
		zap.Int("frames", res.Frames),
		zap.Int("failures", res.Failures),
		zap.Duration("elapsed", res.Duration))
	return res, nil
}

func (e *Engine) sendChunk(res *Result, p params.Params, offset int64, chunk []byte, total int64) {
	if ce := e.logger.Check(zap.DebugLevel, "Chunk"); ce != nil {
		ce.Write(zap.String("dump", hexDump(offset, chunk)))
	}

	split := len(chunk)
	if split > can.MaxDataLen {
		split = can.MaxDataLen
	}
	e.sendFrame(res, p.ID1, chunk[:split], offset)
	if len(chunk) > can.MaxDataLen {
		e.sleep(p.PacketGap())
		e.sendFrame(res, p.ID2, chunk[can.MaxDataLen:], offset+can.MaxDataLen)
	}

	res.Chunks++
	res.Bytes += int64(len(chunk))
	if e.progress != nil {
		e.progress(Progress{Offset: offset, Len: len(chunk), Total: total})
	}
	if total > 0 {
		e.logger.Debug("Progress", zap.Int64("sent", res.Bytes), zap.Int64("total", total))
	}
}

func (e *Engine) sendFrame(res *Result, id can.ID, payload []byte, offset int64) {
	if err := e.bus.Transmit(id, payload); err != nil {
		res.Failures++
		e.logger.Warn("Frame transmit failed",
			zap.Stringer("id", id), zap.Int64("offset", offset), zap.Error(err))
		return
	}
	res.Frames++
}

// hexDump renders a chunk as "[OOOO]: XX XX ..".
func hexDump(offset int64, chunk []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%04X]:", offset)
	for _, c := range chunk {
		fmt.Fprintf(&b, " %02X", c)
	}
	return b.String()
}
