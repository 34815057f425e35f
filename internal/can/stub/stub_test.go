package stub

import (
	"errors"
	"testing"

	"github.com/can-bridge/internal/can"
)

func mustFrame(t *testing.T, id can.ID, payload ...byte) can.Frame {
	t.Helper()
	f, err := can.NewFrame(id, payload)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return f
}

func TestTransmitRequiresInstall(t *testing.T) {
	d := New(false)
	if err := d.Transmit(mustFrame(t, 0x123, 1), 0); !errors.Is(err, can.ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}
}

func TestLoopback(t *testing.T) {
	d := New(true)
	if err := d.Install(can.Settings{Mode: can.ModeNoAck}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	sent := mustFrame(t, 0x124, 0xAA, 0xBB)
	if err := d.Transmit(sent, 0); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	got, err := d.Receive(0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got != sent {
		t.Errorf("Receive() = %v, want %v", got, sent)
	}
	if _, err := d.Receive(0); !errors.Is(err, can.ErrNoFrame) {
		t.Errorf("expected ErrNoFrame on empty queue, got %v", err)
	}
	if n := len(d.TxLog()); n != 1 {
		t.Errorf("expected 1 logged frame, got %d", n)
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	d := New(false)
	for i := 0; i < ringCapacity+3; i++ {
		d.InjectRx(mustFrame(t, can.ID(i)))
	}
	first, err := d.Receive(0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if first.ID != 3 {
		t.Errorf("expected oldest surviving id 3, got %v", first.ID)
	}
}

func TestListenOnlyRejectsTransmit(t *testing.T) {
	d := New(false)
	_ = d.Install(can.Settings{Mode: can.ModeListenOnly})
	if err := d.Transmit(mustFrame(t, 0x100), 0); err == nil {
		t.Error("expected transmit error in listen-only mode")
	}
}
