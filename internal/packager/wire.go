package packager

import (
	"bytes"

	"github.com/zsiec/moqlink/internal/moq"
)

// maxDataLen bounds a record's payload length read from the wire.
const maxDataLen = 64 << 20

func appendBytes(buf, b []byte) ([]byte, error) {
	out, err := moq.AppendVarint(buf, uint64(len(b)))
	if err != nil {
		return buf, err
	}
	return append(out, b...), nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	return appendBytes(buf, []byte(s))
}

// readBytes reads a length-prefixed field. An empty field decodes to nil.
func readBytes(r *moq.Reader) ([]byte, error) {
	b, err := r.ReadVarintBytes()
	if err != nil || len(b) == 0 {
		return nil, err
	}
	return b, nil
}

func readString(r *moq.Reader) (string, error) {
	b, err := r.ReadVarintBytes()
	return string(b), err
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
