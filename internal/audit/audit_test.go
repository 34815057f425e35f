package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type bufferCloser struct {
	bytes.Buffer
	closed   bool
	writeErr error
}

func (b *bufferCloser) Write(p []byte) (int, error) {
	if b.writeErr != nil {
		return 0, b.writeErr
	}
	return b.Buffer.Write(p)
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func decodeLines(t *testing.T, data []byte) []Entry {
	t.Helper()
	var entries []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestRecord(t *testing.T) {
	buf := &bufferCloser{}
	l := New(buf, nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	l.Record("saveConfig", map[string]string{"packet_gap": "5"}, "", "", 3*time.Millisecond)
	l.Record("transmit", nil, "BUSY", "upload in progress", 0)

	entries := decodeLines(t, buf.Bytes())
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	first := entries[0]
	if first.Action != "saveConfig" || first.Outcome != OutcomeSuccess || first.LatencyMs != 3 {
		t.Errorf("first entry = %+v", first)
	}
	if first.Params["packet_gap"] != "5" || !first.Timestamp.Equal(fixed) {
		t.Errorf("first entry = %+v", first)
	}

	second := entries[1]
	if second.Outcome != "BUSY" || second.Detail != "upload in progress" || second.Params != nil {
		t.Errorf("second entry = %+v", second)
	}
}

func TestRecordWriteErrorIsSwallowed(t *testing.T) {
	buf := &bufferCloser{writeErr: errors.New("disk full")}
	l := New(buf, nil)
	l.Record("removeFile", nil, "", "", 0)
	if buf.Len() != 0 {
		t.Error("nothing should have been written")
	}
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	l.Record("transmit", nil, "", "", 0)
	if err := l.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestClose(t *testing.T) {
	buf := &bufferCloser{}
	if err := New(buf, nil).Close(); err != nil {
		t.Fatal(err)
	}
	if !buf.closed {
		t.Error("writer not closed")
	}
}

func TestNewLoggerAppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")

	l, err := NewLogger(path, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.Record("resetConfig", nil, "", "", 0)
	l.Close()

	l, err = NewLogger(path, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.Record("removeFile", nil, "", "", 0)
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	entries := decodeLines(t, data)
	if len(entries) != 2 || entries[0].Action != "resetConfig" || entries[1].Action != "removeFile" {
		t.Errorf("entries = %+v", entries)
	}
}
