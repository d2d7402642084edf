package moq

import (
	"errors"
	"fmt"
)

// Sentinel errors for MoQ encoding and decoding. These enable callers to
// programmatically distinguish failure modes using errors.Is.
var (
	// ErrStreamClosed reports a read that ended before its declared length.
	ErrStreamClosed = errors.New("moq: stream closed before expected length")

	// ErrVarintOverflow reports a value above MaxVarint passed to an encoder.
	ErrVarintOverflow = errors.New("moq: varint value out of range")

	ErrVersionMismatch   = errors.New("moq: no compatible version")
	ErrProtocolViolation = errors.New("moq: protocol violation")
	ErrMessageTooLarge   = errors.New("moq: control message exceeds 65535 bytes")
	ErrUnknownStreamType = errors.New("moq: unknown data stream type")
	ErrMalformedToken    = errors.New("moq: malformed authorization token")
)

// ParseError indicates a failure to parse a MoQ message field.
// It wraps the underlying I/O or format error and records which field
// was being parsed when the error occurred.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("moq: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
