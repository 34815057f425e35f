// Package telemetry streams monitor ticks and run results to browsers over
// Server-Sent Events.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/can-bridge/internal/monitor"
	"github.com/can-bridge/internal/transmit"
)

// Event is one SSE message.
type Event struct {
	ID   int64       `json:"id,omitempty"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Event types.
const (
	EventReady     = "ready"
	EventTick      = "tick"
	EventRun       = "run"
	EventHeartbeat = "heartbeat"
)

// client is one subscribed connection.
type client struct {
	id     string
	w      http.ResponseWriter
	events chan Event
	cancel context.CancelFunc
}

// Hub fans events out to SSE subscribers. Publishing never blocks: a client
// whose buffer is full misses the event.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*client
	nextID    int64
	nextCli   int64
	heartbeat time.Duration
	bufSize   int
	logger    *zap.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates a hub. A zero heartbeat disables keep-alive events.
func NewHub(heartbeat time.Duration, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:   make(map[string]*client),
		heartbeat: heartbeat,
		bufSize:   100,
		logger:    logger.Named("telemetry"),
		done:      make(chan struct{}),
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribe serves one SSE connection until the request context ends or the
// hub closes. ready is sent first as the initial snapshot.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request, ready interface{}) error {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &client{
		id:     "client_" + strconv.FormatInt(atomic.AddInt64(&h.nextCli, 1), 10),
		w:      w,
		events: make(chan Event, h.bufSize),
		cancel: cancel,
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	defer h.unregister(c.id)

	h.logger.Debug("Client subscribed", zap.String("client", c.id), zap.String("remote", r.RemoteAddr))

	if err := writeEvent(w, Event{ID: h.eventID(), Type: EventReady, Data: ready}); err != nil {
		return fmt.Errorf("failed to send ready event: %w", err)
	}

	var beat <-chan time.Time
	if h.heartbeat > 0 {
		t := time.NewTicker(h.heartbeat)
		defer t.Stop()
		beat = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case <-beat:
			if err := writeEvent(w, Event{Type: EventHeartbeat, Data: map[string]interface{}{"ts": time.Now().UTC()}}); err != nil {
				return err
			}
		case ev := <-c.events:
			if err := writeEvent(w, ev); err != nil {
				return err
			}
		}
	}
}

// Publish sends ev to all clients.
func (h *Hub) Publish(ev Event) {
	if ev.ID == 0 {
		ev.ID = h.eventID()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.events <- ev:
		default:
			h.logger.Debug("Client slow, event dropped", zap.String("client", c.id))
		}
	}
}

// PublishTick implements publish.Publisher.
func (h *Hub) PublishTick(t monitor.Tick) {
	h.Publish(Event{Type: EventTick, Data: t})
}

// PublishRun implements publish.Publisher.
func (h *Hub) PublishRun(r transmit.Result) {
	h.Publish(Event{Type: EventRun, Data: map[string]interface{}{
		"result":  r,
		"message": r.Message(),
	}})
}

// Close disconnects all clients.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}

func (h *Hub) eventID() int64 {
	return atomic.AddInt64(&h.nextID, 1)
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		c.cancel()
		delete(h.clients, id)
		h.logger.Debug("Client unsubscribed", zap.String("client", id))
	}
}

// writeEvent formats ev as an SSE message and flushes it.
func writeEvent(w http.ResponseWriter, ev Event) error {
	if ev.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return fmt.Errorf("failed to write event type: %w", err)
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event data: %w", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
