package moq

import (
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// MaxVarint is the largest value this codec will encode. The 8-byte wire
// form holds 62 bits, but values are kept within the exactly-representable
// integer range shared with browser peers.
const MaxVarint uint64 = 1<<53 - 1

// AppendVarint appends v in the shortest 1/2/4/8-byte form. It returns buf
// unchanged and ErrVarintOverflow if v exceeds MaxVarint.
func AppendVarint(buf []byte, v uint64) ([]byte, error) {
	if v > MaxVarint {
		return buf, ErrVarintOverflow
	}
	return quicvarint.Append(buf, v), nil
}

// VarintLen returns the encoded size of v in bytes.
func VarintLen(v uint64) int {
	return quicvarint.Len(v)
}

// DecodeVarint decodes a varint from the start of b and returns the value
// and the number of bytes consumed. A buffer shorter than the length class
// announced by its first byte yields ErrStreamClosed; a value above
// MaxVarint is a protocol violation.
func DecodeVarint(b []byte) (uint64, int, error) {
	v, n, err := quicvarint.Parse(b)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, 0, ErrStreamClosed
		}
		return 0, 0, err
	}
	if v > MaxVarint {
		return 0, 0, fmt.Errorf("%w: varint %d above %d", ErrProtocolViolation, v, MaxVarint)
	}
	return v, n, nil
}

// varintSize returns the total encoded size announced by a varint's first byte.
func varintSize(first byte) int {
	return 1 << (first >> 6)
}
