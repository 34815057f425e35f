//go:build !tinygo && !baremetal

// Package slcan drives serial-line CAN adapters that speak the Lawicel ASCII
// protocol (CANable, USBtin, CANUSB and clones).
package slcan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/can-bridge/internal/can"
)

const (
	bell       = 0x07
	maxLineLen = 32
	rxQueueLen = 64
)

var (
	errNack        = errors.New("slcan: adapter rejected command")
	errBadFrame    = errors.New("slcan: malformed frame")
	errBadBitrate  = errors.New("slcan: unsupported bitrate")
	defaultCommand = 200 * time.Millisecond
)

// bitrateCodes maps kbit/s onto the Sn setup command.
var bitrateCodes = map[int]byte{
	10: '0', 20: '1', 50: '2', 100: '3', 125: '4',
	250: '5', 500: '6', 800: '7', 1000: '8',
}

// Config names the serial device.
type Config struct {
	Port string
	Baud int
}

// Driver implements can.Driver over a serial port.
type Driver struct {
	cfg  Config
	open func(Config) (io.ReadWriteCloser, error)

	port io.ReadWriteCloser
	rx   chan can.Frame
	acks chan error
	done chan struct{}
	wg   sync.WaitGroup

	writeMu    sync.Mutex
	closeOnce  sync.Once
	cmdTimeout time.Duration
}

// New returns a driver for the adapter on cfg.Port.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg, open: openSerial, cmdTimeout: defaultCommand}
}

func openSerial(cfg Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: 50 * time.Millisecond,
	})
}

// Install opens the port, sets the bitrate and opens the channel.
func (d *Driver) Install(s can.Settings) error {
	code, ok := bitrateCodes[s.BitrateKbps]
	if !ok {
		return fmt.Errorf("%w: %d kbit/s", errBadBitrate, s.BitrateKbps)
	}

	port, err := d.open(d.cfg)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.cfg.Port, err)
	}
	d.port = port
	d.rx = make(chan can.Frame, rxQueueLen)
	d.acks = make(chan error, 1)
	d.done = make(chan struct{})

	d.wg.Add(1)
	go d.readLoop()

	// A channel left open by a previous session refuses Sn; close it first and
	// ignore the answer.
	_ = d.command([]byte("C\r"), d.cmdTimeout)

	if err := d.command([]byte{'S', code, '\r'}, d.cmdTimeout); err != nil {
		d.Close()
		return fmt.Errorf("set bitrate: %w", err)
	}

	// SLCAN has no no-ack open; the adapter is opened normally in that mode.
	open := []byte("O\r")
	if s.Mode == can.ModeListenOnly {
		open = []byte("L\r")
	}
	if err := d.command(open, d.cmdTimeout); err != nil {
		d.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	return nil
}

func (d *Driver) Transmit(f can.Frame, timeout time.Duration) error {
	if d.port == nil {
		return can.ErrNotInstalled
	}
	return d.command(encodeFrame(f), timeout)
}

func (d *Driver) Receive(timeout time.Duration) (can.Frame, error) {
	if d.rx == nil {
		return can.Frame{}, can.ErrNotInstalled
	}
	if timeout <= 0 {
		select {
		case f := <-d.rx:
			return f, nil
		default:
			return can.Frame{}, can.ErrNoFrame
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-d.rx:
		return f, nil
	case <-timer.C:
		return can.Frame{}, can.ErrNoFrame
	}
}

// Close closes the CAN channel and the serial port.
func (d *Driver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.port == nil {
			return
		}
		_ = d.write([]byte("C\r"))
		close(d.done)
		err = d.port.Close()
		d.wg.Wait()
	})
	return err
}

// command writes one command line and waits for the adapter's answer.
func (d *Driver) command(line []byte, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = d.cmdTimeout
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	// Drop a late answer to an earlier command that already timed out.
	select {
	case <-d.acks:
	default:
	}

	if _, err := d.port.Write(line); err != nil {
		return fmt.Errorf("slcan: write: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-d.acks:
		return err
	case <-timer.C:
		return can.ErrTxTimeout
	case <-d.done:
		return can.ErrClosed
	}
}

func (d *Driver) write(line []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := d.port.Write(line)
	return err
}

func (d *Driver) readLoop() {
	defer d.wg.Done()

	buf := make([]byte, 64)
	line := make([]byte, 0, maxLineLen)
	for {
		n, err := d.port.Read(buf)
		for _, c := range buf[:n] {
			switch c {
			case '\r':
				d.handleLine(line)
				line = line[:0]
			case bell:
				d.ack(errNack)
				line = line[:0]
			default:
				if len(line) < maxLineLen {
					line = append(line, c)
				}
			}
		}
		select {
		case <-d.done:
			return
		default:
		}
		// With a read timeout set, an idle port returns (0, io.EOF)
		if err != nil && !(n == 0 && errors.Is(err, io.EOF)) {
			return
		}
	}
}

func (d *Driver) handleLine(line []byte) {
	switch {
	case len(line) == 0:
		d.ack(nil)
	case len(line) == 1 && (line[0] == 'z' || line[0] == 'Z'):
		d.ack(nil)
	case line[0] == 't':
		f, err := decodeFrame(line)
		if err != nil {
			return
		}
		select {
		case d.rx <- f:
		default:
			// Queue full: drop the oldest frame
			select {
			case <-d.rx:
			default:
			}
			d.rx <- f
		}
	}
}

func (d *Driver) ack(err error) {
	select {
	case d.acks <- err:
	default:
	}
}

// encodeFrame renders a standard data frame as "tIIILDD..\r".
func encodeFrame(f can.Frame) []byte {
	payload := strings.ToUpper(hex.EncodeToString(f.Payload()))
	return []byte(fmt.Sprintf("t%03X%d%s\r", uint16(f.ID), f.Len, payload))
}

// decodeFrame parses "tIIILDD.." with an optional 4-digit timestamp suffix.
func decodeFrame(line []byte) (can.Frame, error) {
	if len(line) < 5 || line[0] != 't' {
		return can.Frame{}, errBadFrame
	}
	id, err := can.ParseID(string(line[1:4]))
	if err != nil {
		return can.Frame{}, errBadFrame
	}
	n := int(line[4] - '0')
	if n < 0 || n > can.MaxDataLen {
		return can.Frame{}, errBadFrame
	}
	data := line[5:]
	if len(data) != 2*n && len(data) != 2*n+4 {
		return can.Frame{}, errBadFrame
	}
	payload := make([]byte, n)
	if _, err := hex.Decode(payload, data[:2*n]); err != nil {
		return can.Frame{}, errBadFrame
	}
	return can.NewFrame(id, payload)
}
