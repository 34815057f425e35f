package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/can-bridge/internal/can"
)

// Kind is the value kind a stored field keeps across round-trips.
type Kind int

const (
	KindInteger Kind = iota
	KindDecimal
	KindHex
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindHex:
		return "hex"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Field names in the persisted file.
const (
	FieldPacketGap     = "packet_gap"
	FieldChunkInterval = "chunk_interval"
	FieldID1           = "id1_hex"
	FieldID2           = "id2_hex"
)

// Field is one entry of the schema.
type Field struct {
	Name string
	Kind Kind
}

// Schema lists the stored fields in file order. Updates are matched against
// it; the store never grows keys from user input.
var Schema = []Field{
	{FieldPacketGap, KindInteger},
	{FieldChunkInterval, KindInteger},
	{FieldID1, KindHex},
	{FieldID2, KindHex},
}

var (
	errMissing    = errors.New("missing")
	errWrongKind  = errors.New("wrong value kind")
	errOutOfRange = errors.New("out of range")
)

// FieldError reports a field whose value does not fit its kind.
type FieldError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("field %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("field %s: %q: %v", e.Field, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// value is one stored field in its kind.
type value struct {
	kind Kind
	num  uint64
	dec  float64
	text string
}

func (v value) String() string {
	switch v.kind {
	case KindInteger:
		return strconv.FormatUint(v.num, 10)
	case KindDecimal:
		return strconv.FormatFloat(v.dec, 'f', -1, 64)
	default:
		return v.text
	}
}

// encodeValue converts user text into the field's kind.
func encodeValue(f Field, text string) (value, error) {
	text = strings.TrimSpace(text)
	switch f.Kind {
	case KindInteger:
		n, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return value{}, errWrongKind
		}
		return value{kind: KindInteger, num: n}, nil
	case KindDecimal:
		d, err := strconv.ParseFloat(text, 64)
		if err != nil || math.IsNaN(d) || math.IsInf(d, 0) {
			return value{}, errWrongKind
		}
		return value{kind: KindDecimal, dec: d}, nil
	case KindHex:
		id, err := can.ParseID(text)
		if err != nil {
			return value{}, err
		}
		return value{kind: KindHex, text: id.Hex()}, nil
	}
	return value{}, errWrongKind
}

// decodeValue checks a parsed document value against the field's kind.
func decodeValue(f Field, raw interface{}) (value, error) {
	switch f.Kind {
	case KindInteger:
		n, ok := raw.(float64)
		if !ok {
			return value{}, errWrongKind
		}
		if n < 0 || n > math.MaxUint32 || n != math.Trunc(n) {
			return value{}, errOutOfRange
		}
		return value{kind: KindInteger, num: uint64(n)}, nil
	case KindDecimal:
		d, ok := raw.(float64)
		if !ok {
			return value{}, errWrongKind
		}
		return value{kind: KindDecimal, dec: d}, nil
	case KindHex:
		s, ok := raw.(string)
		if !ok {
			return value{}, errWrongKind
		}
		id, err := can.ParseID(s)
		if err != nil {
			return value{}, err
		}
		return value{kind: KindHex, text: id.Hex()}, nil
	}
	return value{}, errWrongKind
}

// record holds every schema field.
type record map[string]value

func defaultRecord() record {
	d := Default()
	return record{
		FieldPacketGap:     {kind: KindInteger, num: uint64(d.PacketGapMs)},
		FieldChunkInterval: {kind: KindInteger, num: uint64(d.ChunkIntervalMs)},
		FieldID1:           {kind: KindHex, text: d.ID1.Hex()},
		FieldID2:           {kind: KindHex, text: d.ID2.Hex()},
	}
}

// params converts a complete record. Hex fields were validated on the way in.
func (r record) params() Params {
	id1, _ := can.ParseID(r[FieldID1].text)
	id2, _ := can.ParseID(r[FieldID2].text)
	return Params{
		PacketGapMs:     uint32(r[FieldPacketGap].num),
		ChunkIntervalMs: uint32(r[FieldChunkInterval].num),
		ID1:             id1,
		ID2:             id2,
	}
}

// marshal renders the record as one JSON object in schema order.
func (r record) marshal() []byte {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range Schema {
		if i > 0 {
			b.WriteString(", ")
		}
		key, _ := json.Marshal(f.Name)
		b.Write(key)
		b.WriteString(": ")
		v := r[f.Name]
		if v.kind == KindHex {
			text, _ := json.Marshal(v.text)
			b.Write(text)
		} else {
			b.WriteString(v.String())
		}
	}
	b.WriteString("}\n")
	return []byte(b.String())
}
