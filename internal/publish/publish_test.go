package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/can-bridge/internal/can"
	"github.com/can-bridge/internal/monitor"
	"github.com/can-bridge/internal/transmit"
)

type fakeCommander struct {
	mu        sync.Mutex
	sets      map[string][]byte
	published map[string][][]byte
	setErr    error
	closed    bool
}

func newFakeCommander() *fakeCommander {
	return &fakeCommander{sets: map[string][]byte{}, published: map[string][][]byte{}}
}

func (f *fakeCommander) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewStatusCmd(ctx, "set", key, value)
	if f.setErr != nil {
		cmd.SetErr(f.setErr)
		return cmd
	}
	f.sets[key] = value.([]byte)
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeCommander) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel] = append(f.published[channel], message.([]byte))
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	cmd.SetVal(1)
	return cmd
}

func (f *fakeCommander) Close() error {
	f.closed = true
	return nil
}

func TestRedisPublishesTicksAndRuns(t *testing.T) {
	fc := newFakeCommander()
	r := newRedis(fc, "bench", zap.NewNop())

	r.PublishTick(monitor.Tick{Seq: 7, Column: 3, Flags: []bool{true, false}, IDs: []can.ID{0x123, 0x124}, Heartbeat: "/"})
	r.PublishRun(transmit.Result{Bytes: 20, Chunks: 2, Frames: 3})
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !fc.closed {
		t.Error("client not closed")
	}

	var tick monitor.Tick
	if err := json.Unmarshal(fc.sets["bench:monitor:last"], &tick); err != nil {
		t.Fatalf("monitor key: %v", err)
	}
	if tick.Seq != 7 || tick.Column != 3 || !tick.Flags[0] {
		t.Errorf("unexpected stored tick %+v", tick)
	}
	if got := len(fc.published["bench:monitor"]); got != 1 {
		t.Errorf("published %d ticks, want 1", got)
	}

	var res transmit.Result
	if err := json.Unmarshal(fc.sets["bench:transmit:last"], &res); err != nil {
		t.Fatalf("transmit key: %v", err)
	}
	if res.Bytes != 20 || res.Frames != 3 {
		t.Errorf("unexpected stored result %+v", res)
	}
	if _, ok := fc.published["bench:transmit:last"]; ok {
		t.Error("run results should not be published on a channel")
	}
}

func TestRedisSurvivesErrors(t *testing.T) {
	fc := newFakeCommander()
	fc.setErr = errors.New("connection refused")
	r := newRedis(fc, "canbridge", zap.NewNop())

	r.PublishTick(monitor.Tick{Seq: 1})
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// SET failed but the channel publish still went out
	if got := len(fc.published["canbridge:monitor"]); got != 1 {
		t.Errorf("published %d ticks, want 1", got)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

type countingPublisher struct {
	ticks, runs int
	closeErr    error
}

func (c *countingPublisher) PublishTick(monitor.Tick)   { c.ticks++ }
func (c *countingPublisher) PublishRun(transmit.Result) { c.runs++ }
func (c *countingPublisher) Close() error               { return c.closeErr }

func TestMulti(t *testing.T) {
	a := &countingPublisher{}
	b := &countingPublisher{closeErr: errors.New("b failed")}
	m := Multi{a, b, Nop{}}

	m.PublishTick(monitor.Tick{})
	m.PublishTick(monitor.Tick{})
	m.PublishRun(transmit.Result{})

	if a.ticks != 2 || b.ticks != 2 || a.runs != 1 || b.runs != 1 {
		t.Errorf("unexpected counts a=%+v b=%+v", a, b)
	}
	if err := m.Close(); err == nil || err.Error() != "b failed" {
		t.Errorf("Close() = %v", err)
	}
}
