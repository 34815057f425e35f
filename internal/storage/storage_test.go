package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "data"), "uploaded.bin", zap.NewNop())
}

func TestMissingBlob(t *testing.T) {
	s := newTestStore(t)

	if s.Exists() {
		t.Error("Exists() should be false for an empty store")
	}
	if _, err := s.Open(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Open() error = %v, want ErrNotExist", err)
	}
	st := s.Status()
	if st.Exists || st.Size != 0 || st.Name != "/uploaded.bin" {
		t.Errorf("unexpected status %+v", st)
	}
	if err := s.Remove(); err != nil {
		t.Errorf("Remove() on missing blob: %v", err)
	}
}

func TestUploadAndRead(t *testing.T) {
	s := newTestStore(t)
	payload := []byte("0123456789abcdefXYZ")

	up, err := s.BeginUpload(int64(len(payload)))
	if err != nil {
		t.Fatalf("BeginUpload: %v", err)
	}
	if !s.Uploading() {
		t.Error("Uploading() should be true while open")
	}
	// Two writes to exercise append
	if _, err := up.Write(payload[:10]); err != nil {
		t.Fatal(err)
	}
	if got := up.Percent(); got != 52 {
		t.Errorf("Percent() = %d, want 52", got)
	}
	if _, err := up.Write(payload[10:]); err != nil {
		t.Fatal(err)
	}
	if err := up.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.Uploading() {
		t.Error("Uploading() should be false after Close")
	}

	st := s.Status()
	if !st.Exists || st.Size != int64(len(payload)) {
		t.Errorf("unexpected status %+v", st)
	}

	b, err := s.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if b.Size() != int64(len(payload)) {
		t.Errorf("Size() = %d", b.Size())
	}
	got, err := io.ReadAll(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("read %q, want %q", got, payload)
	}
}

func TestUploadReplacesPreviousBlob(t *testing.T) {
	s := newTestStore(t)

	for _, content := range []string{"first upload, longer", "second"} {
		up, err := s.BeginUpload(0)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(up, content); err != nil {
			t.Fatal(err)
		}
		if up.Percent() != -1 {
			t.Errorf("Percent() with unknown length = %d", up.Percent())
		}
		up.Close()
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("blob = %q, want %q", data, "second")
	}
}

func TestConcurrentUploadRejected(t *testing.T) {
	s := newTestStore(t)
	up, err := s.BeginUpload(0)
	if err != nil {
		t.Fatal(err)
	}
	defer up.Close()

	if _, err := s.BeginUpload(0); !errors.Is(err, ErrUploadInProgress) {
		t.Errorf("second BeginUpload error = %v", err)
	}
}

func TestAbortDiscardsBlob(t *testing.T) {
	s := newTestStore(t)
	up, err := s.BeginUpload(100)
	if err != nil {
		t.Fatal(err)
	}
	up.Write([]byte("partial"))
	if err := up.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if s.Exists() {
		t.Error("blob should be gone after Abort")
	}
	if _, err := up.Write([]byte("x")); err == nil {
		t.Error("Write after Abort should fail")
	}
}

func TestRemoveLogsOnlyActualRemoval(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewStore(t.TempDir(), "uploaded.bin", zap.New(core))

	if err := s.Remove(); err != nil {
		t.Fatalf("Remove() on missing blob: %v", err)
	}
	if n := logs.FilterMessage("Blob removed").Len(); n != 0 {
		t.Errorf("logged %d removals with no blob stored", n)
	}

	if err := os.WriteFile(s.Path(), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(); err != nil {
		t.Fatalf("Remove(): %v", err)
	}
	if n := logs.FilterMessage("Blob removed").Len(); n != 1 {
		t.Errorf("logged %d removals, want 1", n)
	}
}
