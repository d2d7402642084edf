package packager

import (
	"fmt"

	"github.com/zsiec/moqlink/internal/media"
	"github.com/zsiec/moqlink/internal/moq"
)

// LocTimebase is the LOC wire timebase: microseconds.
const LocTimebase uint64 = 1_000_000

// LOC header extension IDs (draft-ietf-moq-loc).
const (
	locExtCaptureTimestamp  uint64 = 2 // even: varint value = microseconds
	locExtVideoFrameMarking uint64 = 4 // even: varint value = RFC 9626 flags
)

// RFC 9626 Video Frame Marking flags (non-scalable).
const (
	vfmKeyframe    uint64 = 0xE0 // S=1, E=1, I=1 (independent/keyframe)
	vfmNonKeyframe uint64 = 0xC0 // S=1, E=1, I=0 (dependent/delta)
)

// locNoSeqID is the wire value for a chunk without a sequence id.
const locNoSeqID = moq.MaxVarint

// Loc is one LOC record. Timing fields are in microseconds.
type Loc struct {
	MediaType       string
	ChunkType       string
	SeqID           int64
	Timestamp       int64
	Duration        int64
	FirstFrameClock int64 // Unix milliseconds
	Metadata        []byte
	Data            []byte

	eof bool
}

// Append serializes the record:
// mediaType, chunkType, seqId, timestamp, duration, firstFrameClock,
// metadataLen, metadata, dataLen, data.
func (l *Loc) Append(buf []byte) ([]byte, error) {
	if l.Timestamp < 0 || l.Duration < 0 || l.FirstFrameClock < 0 {
		return buf, ErrNegativeField
	}
	seq := uint64(l.SeqID)
	if l.SeqID < 0 {
		seq = locNoSeqID
	}
	fields := []uint64{seq, uint64(l.Timestamp), uint64(l.Duration), uint64(l.FirstFrameClock)}

	out, err := appendString(buf, l.MediaType)
	if err != nil {
		return buf, err
	}
	if out, err = appendString(out, l.ChunkType); err != nil {
		return buf, err
	}
	for _, v := range fields {
		if out, err = moq.AppendVarint(out, v); err != nil {
			return buf, err
		}
	}
	if out, err = appendBytes(out, l.Metadata); err != nil {
		return buf, err
	}
	if out, err = appendBytes(out, l.Data); err != nil {
		return buf, err
	}
	return out, nil
}

// Decode reads one record from r.
func (l *Loc) Decode(r *moq.Reader) error {
	var err error
	if l.MediaType, err = readString(r); err != nil {
		return &moq.ParseError{Field: "loc_media_type", Err: err}
	}
	if l.ChunkType, err = readString(r); err != nil {
		return &moq.ParseError{Field: "loc_chunk_type", Err: err}
	}
	var v [4]uint64
	names := [4]string{"loc_seq_id", "loc_timestamp", "loc_duration", "loc_first_frame_clock"}
	for i := range v {
		if v[i], err = r.ReadVarint(); err != nil {
			return &moq.ParseError{Field: names[i], Err: err}
		}
	}
	l.SeqID = int64(v[0])
	if v[0] == locNoSeqID {
		l.SeqID = media.NoSeqID
	}
	l.Timestamp, l.Duration, l.FirstFrameClock = int64(v[1]), int64(v[2]), int64(v[3])
	if l.Metadata, err = readBytes(r); err != nil {
		return &moq.ParseError{Field: "loc_metadata", Err: err}
	}
	n, err := r.ReadVarint()
	if err != nil {
		return &moq.ParseError{Field: "loc_data_length", Err: err}
	}
	if n > maxDataLen {
		return &moq.ParseError{Field: "loc_data_length", Err: moq.ErrProtocolViolation}
	}
	if l.Data, l.eof, err = r.ReadExact(int(n)); err != nil {
		return &moq.ParseError{Field: "loc_data", Err: err}
	}
	return nil
}

// IsEOF reports whether the source was exhausted right after the record.
func (l *Loc) IsEOF() bool { return l.eof }

// LocPackager carries chunks as LOC records in the object payload, with the
// capture timestamp and, for video, frame marking as extension headers.
type LocPackager struct{}

func (LocPackager) Format() Format   { return FormatLOC }
func (LocPackager) Extensions() bool { return true }

func (LocPackager) Pack(c *media.Chunk) (moq.Extensions, []byte, error) {
	if len(c.Data) == 0 {
		return nil, nil, ErrEmptyPayload
	}
	l := Loc{
		MediaType:       c.Kind.String(),
		ChunkType:       c.Type.String(),
		SeqID:           c.SeqID,
		Timestamp:       toWire(c, LocTimebase, c.Timestamp),
		Duration:        toWire(c, LocTimebase, c.Duration),
		FirstFrameClock: c.CaptureClock,
		Metadata:        c.Metadata,
		Data:            c.Data,
	}
	payload, err := l.Append(nil)
	if err != nil {
		return nil, nil, err
	}
	ext := moq.Extensions{{Key: locExtCaptureTimestamp, Value: uint64(l.Timestamp)}}
	if c.Kind == media.KindVideo {
		mark := vfmNonKeyframe
		if c.IsKey() {
			mark = vfmKeyframe
		}
		ext = append(ext, moq.KeyValue{Key: locExtVideoFrameMarking, Value: mark})
	}
	return ext, payload, nil
}

func (LocPackager) Unpack(_ moq.Extensions, payload []byte) (*media.Chunk, error) {
	var l Loc
	if err := l.Decode(moq.NewReader(bytesReader(payload))); err != nil {
		return nil, err
	}
	if !l.IsEOF() {
		return nil, fmt.Errorf("%w: trailing bytes after LOC record", moq.ErrProtocolViolation)
	}
	kind, err := media.ParseKind(l.MediaType)
	if err != nil {
		return nil, err
	}
	ct, err := media.ParseChunkType(l.ChunkType)
	if err != nil {
		return nil, err
	}
	return &media.Chunk{
		Kind:         kind,
		Type:         ct,
		SeqID:        l.SeqID,
		Timestamp:    l.Timestamp,
		Duration:     l.Duration,
		Timebase:     LocTimebase,
		CaptureClock: l.FirstFrameClock,
		Metadata:     l.Metadata,
		Data:         l.Data,
	}, nil
}
