package can

import "errors"

var (
	ErrInvalidID        = errors.New("invalid identifier (valid range: 0x000-0x7FF)")
	ErrPayloadTooLong   = errors.New("payload exceeds 8 bytes")
	ErrNotInstalled     = errors.New("bus driver not installed")
	ErrAlreadyInstalled = errors.New("bus driver already installed")
	ErrNoFrame          = errors.New("no frame available")
	ErrTxTimeout        = errors.New("transmit timed out")
	ErrClosed           = errors.New("bus driver closed")
	ErrListenOnly       = errors.New("bus installed in listen-only mode")
)
