//go:build !tinygo && !baremetal

// Package stub provides a host-side CAN driver for development and tests.
package stub

import (
	"errors"
	"sync"
	"time"

	"github.com/can-bridge/internal/can"
)

// Driver implements can.Driver in memory. Transmitted frames are logged and,
// with loopback enabled, queued for reception as well.
type Driver struct {
	mu       sync.Mutex
	rxBuf    ringBuffer
	txLog    []can.Frame
	settings can.Settings

	installed bool
	loopback  bool

	// InstallErr, when set, is returned by Install.
	InstallErr error
	// TransmitErr, when set, is consulted before every transmit.
	TransmitErr func(f can.Frame) error
}

// New returns a stub driver. With loopback, every transmitted frame is also
// received.
func New(loopback bool) *Driver { return &Driver{loopback: loopback} }

func (d *Driver) Install(s can.Settings) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.InstallErr != nil {
		return d.InstallErr
	}
	d.settings = s
	d.installed = true
	return nil
}

func (d *Driver) Transmit(f can.Frame, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.installed {
		return can.ErrNotInstalled
	}
	if d.TransmitErr != nil {
		if err := d.TransmitErr(f); err != nil {
			return err
		}
	}
	if d.settings.Mode == can.ModeListenOnly {
		return errors.New("stub: transmit in listen-only mode")
	}
	d.txLog = append(d.txLog, f)
	if d.loopback {
		d.rxBuf.push(f)
	}
	return nil
}

func (d *Driver) Receive(timeout time.Duration) (can.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		f, ok := d.rxBuf.pop()
		d.mu.Unlock()
		if ok {
			return f, nil
		}
		if !time.Now().Before(deadline) {
			return can.Frame{}, can.ErrNoFrame
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *Driver) Close() error {
	d.mu.Lock()
	d.installed = false
	d.mu.Unlock()
	return nil
}

// InjectRx queues a frame as if it arrived from the bus.
func (d *Driver) InjectRx(f can.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxBuf.push(f)
}

// TxLog returns a copy of every frame transmitted so far.
func (d *Driver) TxLog() []can.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]can.Frame, len(d.txLog))
	copy(out, d.txLog)
	return out
}

// ClearTxLog forgets transmitted frames.
func (d *Driver) ClearTxLog() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txLog = d.txLog[:0]
}

// Settings returns what Install was called with.
func (d *Driver) Settings() can.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings
}

const ringCapacity = 64

type ringBuffer struct {
	data       [ringCapacity]can.Frame
	head, tail int // head = next pop, tail = next push
	count      int
}

func (rb *ringBuffer) push(f can.Frame) {
	if rb.count == ringCapacity {
		// Overwrite the oldest when the buffer is full, like a hardware RX FIFO
		rb.head = (rb.head + 1) % ringCapacity
		rb.count--
	}
	rb.data[rb.tail] = f
	rb.tail = (rb.tail + 1) % ringCapacity
	rb.count++
}

func (rb *ringBuffer) pop() (can.Frame, bool) {
	if rb.count == 0 {
		return can.Frame{}, false
	}
	f := rb.data[rb.head]
	rb.head = (rb.head + 1) % ringCapacity
	rb.count--
	return f, true
}
