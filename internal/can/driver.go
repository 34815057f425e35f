package can

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how the controller participates on the bus.
type Mode int

const (
	// ModeNoAck transmits single-shot frames without expecting an acknowledgement.
	ModeNoAck Mode = iota
	ModeNormal
	ModeListenOnly
)

func (m Mode) String() string {
	switch m {
	case ModeNoAck:
		return "no-ack"
	case ModeNormal:
		return "normal"
	case ModeListenOnly:
		return "listen-only"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps a configuration string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "no-ack", "noack":
		return ModeNoAck, nil
	case "normal":
		return ModeNormal, nil
	case "listen-only", "listenonly":
		return ModeListenOnly, nil
	}
	return 0, fmt.Errorf("unknown bus mode %q", s)
}

// Settings are handed to a driver once at install time.
type Settings struct {
	TxPin       int
	RxPin       int
	Mode        Mode
	BitrateKbps int
}

// Driver is the interface that wraps the basic transceiver operations.
//
// Receive must return ErrNoFrame when nothing arrives within timeout; a zero
// timeout means do not wait.
type Driver interface {
	Install(s Settings) error
	Transmit(f Frame, timeout time.Duration) error
	Receive(timeout time.Duration) (Frame, error)
	Close() error
}
