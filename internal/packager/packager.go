// Package packager frames one media chunk into a MoQ object and back.
//
// Three formats are supported. LOC carries timing, type and codec metadata
// inside the object payload. MI (media interop) carries them as object
// extension headers and leaves the payload as the bare bitstream. Raw carries
// opaque bytes with no timing. Every record also has a self-delimiting stream
// form used when records are concatenated on a byte stream.
package packager

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/zsiec/moqlink/internal/media"
	"github.com/zsiec/moqlink/internal/moq"
)

// Format selects a packager.
type Format uint8

const (
	FormatLOC Format = iota
	FormatMI
	FormatRaw
)

func (f Format) String() string {
	switch f {
	case FormatLOC:
		return "loc"
	case FormatMI:
		return "mi"
	case FormatRaw:
		return "raw"
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// ParseFormat maps a configuration string to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "loc", "":
		return FormatLOC, nil
	case "mi":
		return FormatMI, nil
	case "raw":
		return FormatRaw, nil
	}
	return 0, fmt.Errorf("packager: unknown format %q", s)
}

// Errors returned by packagers.
var (
	ErrNegativeField = errors.New("packager: negative timing field")
	ErrKindMismatch  = errors.New("packager: media kind not supported by format")
	ErrEmptyPayload  = errors.New("packager: empty payload")
)

// Packager converts between chunks and object extension headers plus payload.
// Chunks returned by Unpack are expressed in the packager's wire timebase.
type Packager interface {
	Format() Format
	Extensions() bool
	Pack(c *media.Chunk) (moq.Extensions, []byte, error)
	Unpack(ext moq.Extensions, payload []byte) (*media.Chunk, error)
}

// Options configures New.
type Options struct {
	// Codec names the bitstream for MI: "h264", "aac", "opus" or "text".
	Codec string

	// SampleRate and Channels describe audio when the chunk metadata
	// does not.
	SampleRate int
	Channels   int
}

// New returns the packager for format and kind. Data tracks always use Raw.
func New(format Format, kind media.Kind, opts Options) (Packager, error) {
	if kind == media.KindData && format != FormatMI {
		return Raw{}, nil
	}
	switch format {
	case FormatLOC:
		return LocPackager{}, nil
	case FormatMI:
		return newMIPackager(kind, opts)
	case FormatRaw:
		return Raw{}, nil
	}
	return nil, fmt.Errorf("packager: unknown format %d", format)
}

// Rescale converts v from one timebase to another: v * to / from, with a
// 128-bit intermediate product. Negative values are rescaled by magnitude.
func Rescale(v int64, from, to uint64) int64 {
	if from == to || from == 0 {
		return v
	}
	neg := v < 0
	u := uint64(v)
	if neg {
		u = uint64(-v)
	}
	hi, lo := bits.Mul64(u, to)
	if hi >= from {
		// quotient does not fit in 64 bits
		if neg {
			return -1 << 63
		}
		return 1<<63 - 1
	}
	q, _ := bits.Div64(hi, lo, from)
	if q > 1<<63-1 {
		q = 1<<63 - 1
	}
	if neg {
		return -int64(q)
	}
	return int64(q)
}

func toWire(c *media.Chunk, wireTB uint64, v int64) int64 {
	if c.Timebase == 0 {
		return v
	}
	return Rescale(v, c.Timebase, wireTB)
}
