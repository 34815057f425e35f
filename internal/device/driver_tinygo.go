//go:build tinygo || baremetal

package device

import (
	"fmt"

	"machine"

	"github.com/can-bridge/internal/can"
	"github.com/can-bridge/internal/can/mcp2515"
	"github.com/can-bridge/internal/config"
)

// NewDriver returns the MCP2515 driver on SPI0. It is the only driver on
// microcontroller builds.
func NewDriver(cfg config.BusConfig) (can.Driver, error) {
	if cfg.Driver != "mcp2515" {
		return nil, fmt.Errorf("driver %s is not available in TinyGo builds", cfg.Driver)
	}
	if err := machine.SPI0.Configure(machine.SPIConfig{Frequency: 8000000}); err != nil {
		return nil, err
	}
	return mcp2515.New(machine.SPI0, machine.Pin(cfg.CSPin)), nil
}
