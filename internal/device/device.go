// Package device turns the bus section of the service configuration into a
// driver and its install settings.
package device

import (
	"github.com/can-bridge/internal/can"
	"github.com/can-bridge/internal/config"
)

// Settings converts the bus configuration into install settings.
func Settings(cfg config.BusConfig) (can.Settings, error) {
	mode, err := can.ParseMode(cfg.Mode)
	if err != nil {
		return can.Settings{}, err
	}
	return can.Settings{
		TxPin:       cfg.TxPin,
		RxPin:       cfg.RxPin,
		Mode:        mode,
		BitrateKbps: cfg.BitrateKbps,
	}, nil
}

// Open builds the configured driver, wraps it in a bus and installs it. An
// install failure is returned alongside a usable bus; the bus then fails
// every transmit and poll.
func Open(cfg config.BusConfig) (*can.Bus, error) {
	settings, err := Settings(cfg)
	if err != nil {
		return nil, err
	}
	drv, err := NewDriver(cfg)
	if err != nil {
		return nil, err
	}
	bus := can.NewBus(drv, cfg.TxTimeout())
	return bus, bus.Install(settings)
}
