//go:build !tinygo && !baremetal

package device

import (
	"fmt"

	"github.com/can-bridge/internal/can"
	"github.com/can-bridge/internal/can/slcan"
	"github.com/can-bridge/internal/can/stub"
	"github.com/can-bridge/internal/config"
)

// NewDriver returns the host driver named by cfg.Driver.
func NewDriver(cfg config.BusConfig) (can.Driver, error) {
	switch cfg.Driver {
	case "stub":
		return stub.New(cfg.Loopback), nil
	case "slcan":
		return slcan.New(slcan.Config{Port: cfg.Serial.Port, Baud: cfg.Serial.Baud}), nil
	case "mcp2515":
		return nil, fmt.Errorf("driver mcp2515 is only available in TinyGo builds")
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}
