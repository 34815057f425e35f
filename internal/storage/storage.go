// Package storage holds the single uploaded blob on the local filesystem.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ErrUploadInProgress is returned when a second upload is started.
var ErrUploadInProgress = errors.New("upload already in progress")

// Status describes the stored blob.
type Status struct {
	Exists bool   `json:"exists"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
}

// Store owns one file inside a data directory.
type Store struct {
	dir       string
	name      string
	logger    *zap.Logger
	uploading bool
}

// NewStore creates a store for dir/name. The directory is created on first write.
func NewStore(dir, name string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, name: name, logger: logger.Named("storage")}
}

// Path returns the blob location.
func (s *Store) Path() string {
	return filepath.Join(s.dir, s.name)
}

// Exists reports whether a blob is stored.
func (s *Store) Exists() bool {
	fi, err := os.Stat(s.Path())
	return err == nil && fi.Mode().IsRegular()
}

// Size returns the stored blob length.
func (s *Store) Size() (int64, error) {
	fi, err := os.Stat(s.Path())
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Status reports presence and size of the blob.
func (s *Store) Status() Status {
	st := Status{Name: "/" + s.name}
	if size, err := s.Size(); err == nil {
		st.Exists = true
		st.Size = size
	}
	return st
}

// Blob is an open stored blob.
type Blob struct {
	*os.File
	size int64
}

// Size returns the blob length at open time.
func (b *Blob) Size() int64 {
	return b.size
}

// Open opens the blob for sequential reading. A missing blob returns an
// error satisfying errors.Is(err, os.ErrNotExist).
func (s *Store) Open() (*Blob, error) {
	f, err := os.Open(s.Path())
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Blob{File: f, size: fi.Size()}, nil
}

// Remove deletes the blob. Removing a missing blob is not an error.
func (s *Store) Remove() error {
	err := os.Remove(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("Blob removed", zap.String("path", s.Path()))
	return nil
}

// Uploading reports whether an upload is open.
func (s *Store) Uploading() bool {
	return s.uploading
}

// BeginUpload removes any previous blob and opens a fresh one for appending.
// expected is the declared length used for progress reporting; zero or
// negative means unknown.
func (s *Store) BeginUpload(expected int64) (*Upload, error) {
	if s.uploading {
		return nil, ErrUploadInProgress
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", s.dir, err)
	}
	if err := s.Remove(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	s.uploading = true
	s.logger.Info("Upload started", zap.String("path", s.Path()), zap.Int64("expected", expected))
	return &Upload{store: s, f: f, expected: expected, lastPct: -1}, nil
}

// Upload is an open upload sink.
type Upload struct {
	store    *Store
	f        *os.File
	expected int64
	written  int64
	lastPct  int
	closed   bool
}

var _ io.WriteCloser = (*Upload)(nil)

// Write appends p to the blob.
func (u *Upload) Write(p []byte) (int, error) {
	if u.closed {
		return 0, os.ErrClosed
	}
	n, err := u.f.Write(p)
	u.written += int64(n)
	if pct := u.Percent(); pct >= 0 && pct != u.lastPct {
		u.lastPct = pct
		u.store.logger.Debug("Upload progress", zap.Int("percent", pct), zap.Int64("bytes", u.written))
	}
	return n, err
}

// Written returns the number of bytes stored so far.
func (u *Upload) Written() int64 {
	return u.written
}

// Percent returns progress against the declared length, or -1 when unknown.
func (u *Upload) Percent() int {
	if u.expected <= 0 {
		return -1
	}
	pct := int(u.written * 100 / u.expected)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Close finishes the upload.
func (u *Upload) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	u.store.uploading = false
	err := u.f.Close()
	u.store.logger.Info("Upload complete", zap.Int64("bytes", u.written), zap.Error(err))
	return err
}

// Abort closes the upload and discards the partial blob.
func (u *Upload) Abort() error {
	if err := u.Close(); err != nil {
		return err
	}
	return u.store.Remove()
}
