// Package params persists the runtime transmission parameters.
package params

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flynn/json5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/can-bridge/internal/can"
)

// Params is the typed view of the stored record.
type Params struct {
	PacketGapMs     uint32 `json:"packet_gap"`
	ChunkIntervalMs uint32 `json:"chunk_interval"`
	ID1             can.ID `json:"id1"`
	ID2             can.ID `json:"id2"`
}

// Default returns the parameters written on first boot and on reset.
func Default() Params {
	return Params{
		PacketGapMs:     100,
		ChunkIntervalMs: 100,
		ID1:             0x123,
		ID2:             0x124,
	}
}

// PacketGap is the wait between the two frames of one chunk.
func (p Params) PacketGap() time.Duration {
	return time.Duration(p.PacketGapMs) * time.Millisecond
}

// ChunkInterval is the wait between consecutive chunks.
func (p Params) ChunkInterval() time.Duration {
	return time.Duration(p.ChunkIntervalMs) * time.Millisecond
}

// FieldValue is one stored field rendered for a form.
type FieldValue struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Hex   bool   `json:"hex"`
}

var errEmpty = errors.New("empty file")

// Store reads and writes the parameter file. It is not safe for concurrent
// use; the scheduler goroutine owns it.
type Store struct {
	path   string
	logger *zap.Logger
}

// NewStore creates a store backed by path.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger.Named("params")}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted parameters. Any problem with the file replaces
// it with the defaults.
func (s *Store) Load() Params {
	rec, err := s.read()
	if err != nil {
		s.logger.Warn("Parameter file unusable, resetting to defaults",
			zap.String("path", s.path), zap.Error(err))
		p, werr := s.Reset()
		if werr != nil {
			s.logger.Error("Failed to write default parameters", zap.Error(werr))
		}
		return p
	}
	p := rec.params()
	s.logger.Debug("Parameters loaded",
		zap.Uint32("packet_gap", p.PacketGapMs),
		zap.Uint32("chunk_interval", p.ChunkIntervalMs),
		zap.Stringer("id1", p.ID1),
		zap.Stringer("id2", p.ID2))
	return p
}

// ApplyUpdates stores every schema field found in updates. Fields whose text
// does not parse keep their previous value and are reported as *FieldError
// values combined into the returned error. The record is written once.
func (s *Store) ApplyUpdates(updates map[string]string) (Params, error) {
	rec, err := s.read()
	if err != nil {
		s.logger.Warn("Parameter file unusable, applying updates to defaults", zap.Error(err))
		rec = defaultRecord()
	}

	var errs error
	var applied []string
	for _, f := range Schema {
		text, ok := updates[f.Name]
		if !ok {
			continue
		}
		v, err := encodeValue(f, text)
		if err != nil {
			errs = multierr.Append(errs, &FieldError{Field: f.Name, Value: text, Err: err})
			continue
		}
		rec[f.Name] = v
		applied = append(applied, f.Name)
	}

	if err := s.write(rec); err != nil {
		return rec.params(), multierr.Append(errs, err)
	}
	s.logger.Info("Parameters saved", zap.Strings("fields", applied), zap.Error(errs))
	return rec.params(), errs
}

// Reset writes the default record.
func (s *Store) Reset() (Params, error) {
	if err := s.write(defaultRecord()); err != nil {
		return Default(), err
	}
	s.logger.Info("Parameters reset to defaults")
	return Default(), nil
}

// Fields returns the stored record in schema order.
func (s *Store) Fields() ([]FieldValue, error) {
	rec, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]FieldValue, 0, len(Schema))
	for _, f := range Schema {
		out = append(out, FieldValue{
			Name:  f.Name,
			Kind:  f.Kind.String(),
			Value: rec[f.Name].String(),
			Hex:   f.Kind == KindHex,
		})
	}
	return out, nil
}

func (s *Store) read() (record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmpty
	}

	var doc map[string]interface{}
	if err := json5.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}

	rec := make(record, len(Schema))
	for _, f := range Schema {
		raw, ok := doc[f.Name]
		if !ok {
			return nil, &FieldError{Field: f.Name, Err: errMissing}
		}
		v, err := decodeValue(f, raw)
		if err != nil {
			return nil, &FieldError{Field: f.Name, Err: err}
		}
		rec[f.Name] = v
	}
	return rec, nil
}

func (s *Store) write(rec record) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(s.path, rec.marshal(), 0644); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}
