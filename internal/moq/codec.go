package moq

import (
	"errors"
	"fmt"
)

// maxFieldLen bounds any single length-prefixed field read from the wire.
const maxFieldLen = 1 << 24

// errShortField reports a field running past the end of a buffer that was
// already read in full, such as a framed control payload or a datagram.
var errShortField = fmt.Errorf("%w: field overruns its buffer", ErrProtocolViolation)

// encoder accumulates a message body. The first failure is sticky and all
// later writes become no-ops, so a failed encode never yields partial output.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) varint(v uint64) {
	if e.err != nil {
		return
	}
	e.buf, e.err = AppendVarint(e.buf, v)
}

func (e *encoder) uint8(b byte) {
	if e.err != nil {
		return
	}
	e.buf = append(e.buf, b)
}

func (e *encoder) bool(b bool) {
	if b {
		e.uint8(1)
	} else {
		e.uint8(0)
	}
}

// bytes writes a varint length followed by b.
func (e *encoder) bytes(b []byte) {
	e.varint(uint64(len(b)))
	if e.err != nil {
		return
	}
	e.buf = append(e.buf, b...)
}

func (e *encoder) raw(b []byte) {
	if e.err != nil {
		return
	}
	e.buf = append(e.buf, b...)
}

func (e *encoder) string(s string) {
	e.bytes([]byte(s))
}

// tuple writes a namespace tuple: count followed by each element as a string.
func (e *encoder) tuple(parts []string) {
	e.varint(uint64(len(parts)))
	for _, p := range parts {
		e.string(p)
	}
}

func (e *encoder) location(l Location) {
	e.varint(l.Group)
	e.varint(l.Object)
}

func (e *encoder) keyValues(kvs []KeyValue) {
	e.varint(uint64(len(kvs)))
	for _, kv := range kvs {
		e.keyValue(kv)
	}
}

// keyValue writes one entry; the key's parity selects the value shape.
func (e *encoder) keyValue(kv KeyValue) {
	e.varint(kv.Key)
	if kv.Key%2 == 0 {
		e.varint(kv.Value)
	} else {
		e.bytes(kv.Bytes)
	}
}

func (e *encoder) result() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// bufReader wraps a byte slice for sequential varint/byte reading.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	v, n, err := DecodeVarint(b.data[b.pos:])
	if errors.Is(err, ErrStreamClosed) {
		return 0, errShortField
	}
	if err != nil {
		return 0, err
	}
	b.pos += n
	return v, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, errShortField
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readBool() (bool, error) {
	v, err := b.readByte()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: boolean byte 0x%x", ErrProtocolViolation, v)
}

func (b *bufReader) readN(n uint64) ([]byte, error) {
	if n > uint64(len(b.data)-b.pos) {
		return nil, errShortField
	}
	out := b.data[b.pos : b.pos+int(n)]
	b.pos += int(n)
	return out, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	n, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	return b.readN(n)
}

func (b *bufReader) readString() (string, error) {
	v, err := b.readVarIntBytes()
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// readTuple reads a namespace tuple: [count(i)] [len(i) bytes]...
func (b *bufReader) readTuple() ([]string, error) {
	count, err := b.readVarint()
	if err != nil {
		return nil, fmt.Errorf("read tuple count: %w", err)
	}
	if count > uint64(b.remaining()) {
		return nil, errShortField
	}
	parts := make([]string, count)
	for i := range parts {
		parts[i], err = b.readString()
		if err != nil {
			return nil, fmt.Errorf("read tuple element %d: %w", i, err)
		}
	}
	return parts, nil
}

func (b *bufReader) readLocation() (Location, error) {
	var l Location
	var err error
	if l.Group, err = b.readVarint(); err != nil {
		return l, err
	}
	l.Object, err = b.readVarint()
	return l, err
}

func (b *bufReader) readKeyValues() ([]KeyValue, error) {
	count, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	if count > uint64(b.remaining()) {
		return nil, errShortField
	}
	if count == 0 {
		return nil, nil
	}
	kvs := make([]KeyValue, count)
	for i := range kvs {
		if kvs[i], err = b.readKeyValue(); err != nil {
			return nil, err
		}
	}
	return kvs, nil
}

func (b *bufReader) readKeyValue() (KeyValue, error) {
	var kv KeyValue
	var err error
	if kv.Key, err = b.readVarint(); err != nil {
		return kv, err
	}
	if kv.Key%2 == 0 {
		kv.Value, err = b.readVarint()
		return kv, err
	}
	v, err := b.readVarIntBytes()
	if err != nil {
		return kv, err
	}
	kv.Bytes = append([]byte{}, v...)
	return kv, nil
}

func (b *bufReader) remaining() int {
	return len(b.data) - b.pos
}

func (b *bufReader) rest() []byte {
	out := b.data[b.pos:]
	b.pos = len(b.data)
	return out
}
