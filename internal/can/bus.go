package can

import (
	"errors"
	"fmt"
	"time"
)

// DefaultTxTimeout bounds how long a single frame may wait for the controller.
const DefaultTxTimeout = 10 * time.Millisecond

type busState int

const (
	stateNew busState = iota
	stateInstalled
	stateFailed
	stateClosed
)

func (s busState) String() string {
	switch s {
	case stateInstalled:
		return "installed"
	case stateFailed:
		return "failed"
	case stateClosed:
		return "closed"
	default:
		return "not installed"
	}
}

// Stats counts bus activity since install.
type Stats struct {
	State        string `json:"state"`
	InstallError string `json:"install_error,omitempty"`
	Transmitted  uint64 `json:"transmitted"`
	TxFailures   uint64 `json:"tx_failures"`
	Received     uint64 `json:"received"`
	RxErrors     uint64 `json:"rx_errors"`
}

// Bus wraps a Driver and enforces its lifecycle: Install exactly once, and a
// failed install leaves every later Transmit and Poll failing predictably.
//
// Bus is not safe for concurrent use; it is owned by the scheduler goroutine.
type Bus struct {
	driver     Driver
	txTimeout  time.Duration
	mode       Mode
	state      busState
	installErr error
	stats      Stats
}

// NewBus creates a bus around d. A non-positive txTimeout selects DefaultTxTimeout.
func NewBus(d Driver, txTimeout time.Duration) *Bus {
	if txTimeout <= 0 {
		txTimeout = DefaultTxTimeout
	}
	return &Bus{driver: d, txTimeout: txTimeout}
}

// Install installs and starts the driver.
func (b *Bus) Install(s Settings) error {
	if b.state != stateNew {
		return ErrAlreadyInstalled
	}
	if err := b.driver.Install(s); err != nil {
		b.state = stateFailed
		b.installErr = err
		return fmt.Errorf("install driver: %w", err)
	}
	b.state = stateInstalled
	b.mode = s.Mode
	return nil
}

// Installed reports whether the driver is ready for traffic.
func (b *Bus) Installed() bool { return b.state == stateInstalled }

func (b *Bus) ready() error {
	switch b.state {
	case stateInstalled:
		return nil
	case stateFailed:
		return fmt.Errorf("%w: %v", ErrNotInstalled, b.installErr)
	case stateClosed:
		return ErrClosed
	default:
		return ErrNotInstalled
	}
}

// Transmit makes a single attempt to send payload tagged id. A bus installed
// listen-only never hands frames to its driver.
func (b *Bus) Transmit(id ID, payload []byte) error {
	if err := b.ready(); err != nil {
		b.stats.TxFailures++
		return err
	}
	if b.mode == ModeListenOnly {
		b.stats.TxFailures++
		return ErrListenOnly
	}
	f, err := NewFrame(id, payload)
	if err != nil {
		b.stats.TxFailures++
		return err
	}
	if err := b.driver.Transmit(f, b.txTimeout); err != nil {
		b.stats.TxFailures++
		return err
	}
	b.stats.Transmitted++
	return nil
}

// Poll returns a received frame without waiting. Errors are counted and
// reported as "nothing available".
func (b *Bus) Poll() (Frame, bool) {
	if b.ready() != nil {
		return Frame{}, false
	}
	f, err := b.driver.Receive(0)
	if err != nil {
		if !errors.Is(err, ErrNoFrame) {
			b.stats.RxErrors++
		}
		return Frame{}, false
	}
	b.stats.Received++
	return f, true
}

// Stats returns a copy of the counters.
func (b *Bus) Stats() Stats {
	st := b.stats
	st.State = b.state.String()
	if b.installErr != nil {
		st.InstallError = b.installErr.Error()
	}
	return st
}

// Close releases the driver. Only an installed driver is closed.
func (b *Bus) Close() error {
	installed := b.state == stateInstalled
	b.state = stateClosed
	if !installed {
		return nil
	}
	return b.driver.Close()
}
