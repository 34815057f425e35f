// Package publish fans monitor ticks and transmission results out to
// external consumers.
package publish

import (
	"go.uber.org/multierr"

	"github.com/can-bridge/internal/monitor"
	"github.com/can-bridge/internal/transmit"
)

// Publisher receives events from the scheduler goroutine. Implementations
// must not block.
type Publisher interface {
	PublishTick(monitor.Tick)
	PublishRun(transmit.Result)
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) PublishTick(monitor.Tick)   {}
func (Nop) PublishRun(transmit.Result) {}
func (Nop) Close() error               { return nil }

// Multi forwards to every publisher in order.
type Multi []Publisher

func (m Multi) PublishTick(t monitor.Tick) {
	for _, p := range m {
		p.PublishTick(t)
	}
}

func (m Multi) PublishRun(r transmit.Result) {
	for _, p := range m {
		p.PublishRun(r)
	}
}

// Close closes all publishers and combines their errors.
func (m Multi) Close() error {
	var err error
	for _, p := range m {
		err = multierr.Append(err, p.Close())
	}
	return err
}
