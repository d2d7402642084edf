package moq

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// Reader provides length-exact reads over a byte stream. Any read that ends
// before its declared length fails with ErrStreamClosed instead of returning
// a truncated buffer.
type Reader struct {
	br  *bufio.Reader
	src *eofTracker
}

// sized is implemented by in-memory sources such as *bytes.Reader.
type sized interface {
	Len() int
}

// eofTracker records whether the wrapped source has reported io.EOF.
type eofTracker struct {
	r   io.Reader
	eof bool
}

func (t *eofTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if errors.Is(err, io.EOF) {
		t.eof = true
	}
	return n, err
}

// NewReader wraps r for length-exact reads.
func NewReader(r io.Reader) *Reader {
	t := &eofTracker{r: r}
	return &Reader{br: bufio.NewReader(t), src: t}
}

// ReadExact reads exactly n bytes. reachedEnd reports whether the source
// was exhausted right after the last byte returned.
func (r *Reader) ReadExact(n int) (buf []byte, reachedEnd bool, err error) {
	if n < 0 {
		return nil, false, fmt.Errorf("moq: negative read length %d", n)
	}
	buf = make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, true, ErrStreamClosed
		}
		return nil, false, err
	}
	return buf, r.Exhausted(), nil
}

// ReadToEnd reads until the source is exhausted, blockSize bytes at a time,
// and returns everything read. An error other than end of stream is returned
// as is.
func (r *Reader) ReadToEnd(blockSize int) ([]byte, error) {
	if blockSize <= 0 {
		blockSize = 4096
	}
	var out []byte
	block := make([]byte, blockSize)
	for {
		n, err := r.br.Read(block)
		out = append(out, block[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Exhausted reports, without blocking, whether every byte of the source has
// been consumed. For network streams it is true only once the source has
// signaled end of stream.
func (r *Reader) Exhausted() bool {
	if r.br.Buffered() > 0 {
		return false
	}
	if r.src.eof {
		return true
	}
	if s, ok := r.src.r.(sized); ok {
		return s.Len() == 0
	}
	return false
}

// ReadUint8 reads a single byte.
func (r *Reader) ReadUint8() (byte, error) {
	b, err := r.br.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, ErrStreamClosed
		}
		return 0, err
	}
	return b, nil
}

// ReadVarint reads one varint: the first byte selects the length class,
// then the remaining bytes of that class are read in full.
func (r *Reader) ReadVarint() (uint64, error) {
	first, err := r.ReadUint8()
	if err != nil {
		return 0, err
	}
	size := varintSize(first)
	if size == 1 {
		return uint64(first & 0x3f), nil
	}
	rest, _, err := r.ReadExact(size - 1)
	if err != nil {
		return 0, err
	}
	v, _, err := DecodeVarint(Concat([]byte{first}, rest))
	return v, err
}

// ReadVarintBytes reads a varint length followed by that many bytes.
func (r *Reader) ReadVarintBytes() ([]byte, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	if n > maxFieldLen {
		return nil, fmt.Errorf("%w: field length %d", ErrProtocolViolation, n)
	}
	b, _, err := r.ReadExact(int(n))
	return b, err
}

// Concat joins bufs in order into a single newly allocated slice. Nil
// entries are skipped.
func Concat(bufs ...[]byte) []byte {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	out := make([]byte, 0, total)
	for _, b := range bufs {
		if b == nil {
			continue
		}
		out = append(out, b...)
	}
	return out
}
