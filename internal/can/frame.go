package can

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxID is the largest standard (11-bit) identifier.
	MaxID ID = 0x7FF

	// MaxDataLen is the largest classic CAN payload.
	MaxDataLen = 8
)

// ID is a standard 11-bit CAN identifier.
type ID uint16

// Valid reports whether id fits in 11 bits.
func (id ID) Valid() bool { return id <= MaxID }

// Hex returns the identifier as upper-case hex without a prefix, e.g. "123".
func (id ID) Hex() string { return fmt.Sprintf("%X", uint16(id)) }

func (id ID) String() string { return fmt.Sprintf("0x%03X", uint16(id)) }

// ParseID parses hexadecimal identifier text. A leading "0x" is tolerated.
func ParseID(s string) (ID, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, ErrInvalidID
	}
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil || ID(v) > MaxID {
		return 0, ErrInvalidID
	}
	return ID(v), nil
}

// Frame is one physical data frame: identifier plus up to 8 payload bytes.
type Frame struct {
	ID   ID
	Len  uint8
	Data [MaxDataLen]byte
}

// NewFrame copies payload into a frame tagged id.
func NewFrame(id ID, payload []byte) (Frame, error) {
	if !id.Valid() {
		return Frame{}, ErrInvalidID
	}
	if len(payload) > MaxDataLen {
		return Frame{}, ErrPayloadTooLong
	}
	f := Frame{ID: id, Len: uint8(len(payload))}
	copy(f.Data[:], payload)
	return f, nil
}

// Payload returns the used part of Data.
func (f Frame) Payload() []byte { return f.Data[:f.Len] }

func (f Frame) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%d]", f.ID, f.Len)
	for _, c := range f.Payload() {
		fmt.Fprintf(&b, " %02X", c)
	}
	return b.String()
}
