package packager

import (
	"github.com/zsiec/moqlink/internal/media"
	"github.com/zsiec/moqlink/internal/moq"
)

// RawRecord is an opaque record. Its stream form is the bytes themselves,
// so a decode consumes the source to its end.
type RawRecord struct {
	Data []byte

	eof bool
}

// Append appends the data verbatim.
func (rr *RawRecord) Append(buf []byte) []byte {
	return append(buf, rr.Data...)
}

// Decode reads r to its end.
func (rr *RawRecord) Decode(r *moq.Reader) error {
	data, err := r.ReadToEnd(0)
	if err != nil {
		return err
	}
	rr.Data, rr.eof = data, true
	return nil
}

// IsEOF reports whether the source was exhausted; always true after Decode.
func (rr *RawRecord) IsEOF() bool { return rr.eof }

// Raw carries data chunks as opaque payloads.
type Raw struct{}

func (Raw) Format() Format   { return FormatRaw }
func (Raw) Extensions() bool { return false }

func (Raw) Pack(c *media.Chunk) (moq.Extensions, []byte, error) {
	if len(c.Data) == 0 {
		return nil, nil, ErrEmptyPayload
	}
	rr := RawRecord{Data: c.Data}
	return nil, rr.Append(nil), nil
}

func (Raw) Unpack(_ moq.Extensions, payload []byte) (*media.Chunk, error) {
	return &media.Chunk{
		Kind:  media.KindData,
		Type:  media.ChunkKey,
		SeqID: media.NoSeqID,
		Data:  payload,
	}, nil
}
