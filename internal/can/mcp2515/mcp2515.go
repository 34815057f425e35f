//go:build tinygo || baremetal

// Package mcp2515 drives a Microchip MCP2515 SPI CAN controller on TinyGo
// targets.
package mcp2515

import (
	"fmt"
	"time"

	"machine"

	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/mcp2515"

	"github.com/can-bridge/internal/can"
)

var speeds = map[int]byte{
	5: mcp2515.CAN5kBps, 10: mcp2515.CAN10kBps, 20: mcp2515.CAN20kBps,
	50: mcp2515.CAN50kBps, 100: mcp2515.CAN100kBps, 125: mcp2515.CAN125kBps,
	250: mcp2515.CAN250kBps, 500: mcp2515.CAN500kBps, 1000: mcp2515.CAN1000kBps,
}

// Driver implements can.Driver on top of tinygo.org/x/drivers/mcp2515.
type Driver struct {
	spi drivers.SPI
	cs  machine.Pin
	dev *mcp2515.Device
}

// New returns a driver for the controller selected by cs on spi.
func New(spi drivers.SPI, cs machine.Pin) *Driver {
	return &Driver{spi: spi, cs: cs}
}

// Install configures the controller in normal mode. The MCP2515 has no pins
// to route, so the Tx/Rx pins of s are ignored. The TinyGo driver exposes no
// mode setter either: s.Mode is not applied to the chip, and listen-only is
// enforced by can.Bus refusing to transmit.
func (d *Driver) Install(s can.Settings) error {
	speed, ok := speeds[s.BitrateKbps]
	if !ok {
		return fmt.Errorf("mcp2515: unsupported bitrate %d kbit/s", s.BitrateKbps)
	}
	d.dev = mcp2515.New(d.spi, d.cs)
	d.dev.Configure()
	if err := d.dev.Begin(speed, mcp2515.Clock8MHz); err != nil {
		d.dev = nil
		return err
	}
	return nil
}

// Transmit loads f into a transmit buffer. The TinyGo driver gives no way to
// bound the SPI exchange, so timeout is not applied.
func (d *Driver) Transmit(f can.Frame, timeout time.Duration) error {
	if d.dev == nil {
		return can.ErrNotInstalled
	}
	return d.dev.Tx(uint32(f.ID), f.Len, f.Payload())
}

func (d *Driver) Receive(timeout time.Duration) (can.Frame, error) {
	if d.dev == nil {
		return can.Frame{}, can.ErrNotInstalled
	}
	deadline := time.Now().Add(timeout)
	for !d.dev.Received() {
		if !time.Now().Before(deadline) {
			return can.Frame{}, can.ErrNoFrame
		}
		time.Sleep(time.Millisecond)
	}
	msg, err := d.dev.Rx()
	if err != nil {
		return can.Frame{}, err
	}
	n := int(msg.Dlc)
	if n > len(msg.Data) {
		n = len(msg.Data)
	}
	return can.NewFrame(can.ID(msg.ID&uint32(can.MaxID)), msg.Data[:n])
}

func (d *Driver) Close() error {
	d.dev = nil
	return nil
}
