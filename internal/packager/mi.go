package packager

import (
	"fmt"

	"github.com/zsiec/moqlink/internal/media"
	"github.com/zsiec/moqlink/internal/moq"
)

// MI extension header IDs.
const (
	miExtMediaType        uint64 = 0x0A // even: MIMediaType
	miExtH264Extradata    uint64 = 0x0D // odd: AVCDecoderConfigurationRecord
	miExtOpusMetadata     uint64 = 0x0F // odd: audio timing block
	miExtAACLCMetadata    uint64 = 0x13 // odd: audio timing block
	miExtH264AVCCMetadata uint64 = 0x15 // odd: video timing block
)

// MIMediaType is the payload type carried in the media type header.
type MIMediaType uint64

const (
	MIVideoH264AVCC MIMediaType = 0x0
	MIAudioOpus     MIMediaType = 0x1
	MIText          MIMediaType = 0x2
	MIAudioAACLC    MIMediaType = 0x3
)

func (t MIMediaType) String() string {
	switch t {
	case MIVideoH264AVCC:
		return "h264-avcc"
	case MIAudioOpus:
		return "opus"
	case MIText:
		return "text"
	case MIAudioAACLC:
		return "aac-lc"
	}
	return fmt.Sprintf("mi(0x%x)", uint64(t))
}

// aacObjectTypeLC is the AudioSpecificConfig object type for AAC-LC.
const aacObjectTypeLC byte = 2

// MIRecord is one media interop record. Audio records use SampleRate and
// Channels; video records use DTS and Extradata; text records carry only
// Data.
type MIRecord struct {
	MediaType  MIMediaType
	SeqID      int64
	PTS        int64
	DTS        int64
	Timebase   uint64
	Duration   int64
	Wallclock  int64 // Unix milliseconds
	SampleRate uint64
	Channels   uint64
	Extradata  []byte
	Data       []byte

	eof bool
}

// Extensions builds the record's extension headers.
func (m *MIRecord) Extensions() (moq.Extensions, error) {
	if m.PTS < 0 || m.DTS < 0 || m.Duration < 0 || m.Wallclock < 0 {
		return nil, ErrNegativeField
	}
	seq := uint64(m.SeqID)
	if m.SeqID < 0 {
		seq = locNoSeqID
	}
	ext := moq.Extensions{{Key: miExtMediaType, Value: uint64(m.MediaType)}}

	var fields []uint64
	var key uint64
	switch m.MediaType {
	case MIVideoH264AVCC:
		key = miExtH264AVCCMetadata
		fields = []uint64{seq, uint64(m.PTS), uint64(m.DTS), m.Timebase, uint64(m.Duration), uint64(m.Wallclock)}
	case MIAudioOpus, MIAudioAACLC:
		key = miExtOpusMetadata
		if m.MediaType == MIAudioAACLC {
			key = miExtAACLCMetadata
		}
		fields = []uint64{seq, uint64(m.PTS), m.Timebase, m.SampleRate, m.Channels, uint64(m.Duration), uint64(m.Wallclock)}
	case MIText:
		return ext, nil
	default:
		return nil, fmt.Errorf("packager: unknown MI media type %s", m.MediaType)
	}

	var block []byte
	for _, v := range fields {
		var err error
		if block, err = moq.AppendVarint(block, v); err != nil {
			return nil, err
		}
	}
	ext = append(ext, moq.KeyValue{Key: key, Bytes: block})
	if m.MediaType == MIVideoH264AVCC && len(m.Extradata) > 0 {
		ext = append(ext, moq.KeyValue{Key: miExtH264Extradata, Bytes: m.Extradata})
	}
	return ext, nil
}

// ParseMIRecord rebuilds a record from an object's extension headers and
// payload.
func ParseMIRecord(ext moq.Extensions, payload []byte) (*MIRecord, error) {
	mt, ok := ext.Uint(miExtMediaType)
	if !ok {
		return nil, &moq.ParseError{Field: "mi_media_type", Err: moq.ErrProtocolViolation}
	}
	m := &MIRecord{MediaType: MIMediaType(mt), Data: payload}

	var key uint64
	var dst []*uint64
	var seq, pts, dts, dur, wall uint64
	switch m.MediaType {
	case MIVideoH264AVCC:
		key = miExtH264AVCCMetadata
		dst = []*uint64{&seq, &pts, &dts, &m.Timebase, &dur, &wall}
		m.Extradata, _ = ext.Bytes(miExtH264Extradata)
	case MIAudioOpus:
		key = miExtOpusMetadata
		dst = []*uint64{&seq, &pts, &m.Timebase, &m.SampleRate, &m.Channels, &dur, &wall}
	case MIAudioAACLC:
		key = miExtAACLCMetadata
		dst = []*uint64{&seq, &pts, &m.Timebase, &m.SampleRate, &m.Channels, &dur, &wall}
	case MIText:
		m.SeqID = media.NoSeqID
		return m, nil
	default:
		return nil, &moq.ParseError{Field: "mi_media_type", Err: fmt.Errorf("%w: 0x%x", moq.ErrProtocolViolation, mt)}
	}

	block, ok := ext.Bytes(key)
	if !ok {
		return nil, &moq.ParseError{Field: "mi_metadata", Err: moq.ErrProtocolViolation}
	}
	pos := 0
	for _, p := range dst {
		v, n, err := moq.DecodeVarint(block[pos:])
		if err != nil {
			return nil, &moq.ParseError{Field: "mi_metadata", Err: err}
		}
		*p = v
		pos += n
	}
	if pos != len(block) {
		return nil, &moq.ParseError{Field: "mi_metadata", Err: moq.ErrProtocolViolation}
	}
	m.SeqID = int64(seq)
	if seq == locNoSeqID {
		m.SeqID = media.NoSeqID
	}
	m.PTS, m.DTS, m.Duration, m.Wallclock = int64(pts), int64(dts), int64(dur), int64(wall)
	return m, nil
}

// Append serializes the stream form: the extension block followed by a
// length-prefixed payload.
func (m *MIRecord) Append(buf []byte) ([]byte, error) {
	ext, err := m.Extensions()
	if err != nil {
		return buf, err
	}
	out, err := ext.Append(buf)
	if err != nil {
		return buf, err
	}
	return appendBytes(out, m.Data)
}

// Decode reads one stream-form record from r.
func (m *MIRecord) Decode(r *moq.Reader) error {
	block, err := r.ReadVarintBytes()
	if err != nil {
		return &moq.ParseError{Field: "mi_extensions", Err: err}
	}
	ext, err := moq.ParseExtensions(block)
	if err != nil {
		return err
	}
	n, err := r.ReadVarint()
	if err != nil {
		return &moq.ParseError{Field: "mi_data_length", Err: err}
	}
	if n > maxDataLen {
		return &moq.ParseError{Field: "mi_data_length", Err: moq.ErrProtocolViolation}
	}
	data, eof, err := r.ReadExact(int(n))
	if err != nil {
		return &moq.ParseError{Field: "mi_data", Err: err}
	}
	rec, err := ParseMIRecord(ext, data)
	if err != nil {
		return err
	}
	*m = *rec
	m.eof = eof
	return nil
}

// IsEOF reports whether the source was exhausted right after the record.
func (m *MIRecord) IsEOF() bool { return m.eof }

// MIPackager carries chunks as MI records.
type MIPackager struct {
	mediaType MIMediaType
	opts      Options
}

func newMIPackager(kind media.Kind, opts Options) (MIPackager, error) {
	p := MIPackager{opts: opts}
	switch {
	case kind == media.KindVideo && (opts.Codec == "h264" || opts.Codec == ""):
		p.mediaType = MIVideoH264AVCC
	case kind == media.KindAudio && (opts.Codec == "aac" || opts.Codec == ""):
		p.mediaType = MIAudioAACLC
	case kind == media.KindAudio && opts.Codec == "opus":
		p.mediaType = MIAudioOpus
	case kind == media.KindData && (opts.Codec == "text" || opts.Codec == ""):
		p.mediaType = MIText
	default:
		return p, fmt.Errorf("%w: %s/%s", ErrKindMismatch, kind, opts.Codec)
	}
	return p, nil
}

func (p MIPackager) Format() Format   { return FormatMI }
func (p MIPackager) Extensions() bool { return true }

// MediaType returns the MI payload type this packager produces.
func (p MIPackager) MediaType() MIMediaType { return p.mediaType }

func (p MIPackager) Pack(c *media.Chunk) (moq.Extensions, []byte, error) {
	if len(c.Data) == 0 {
		return nil, nil, ErrEmptyPayload
	}
	tb := c.Timebase
	if tb == 0 {
		tb = LocTimebase
	}
	rec := MIRecord{
		MediaType: p.mediaType,
		SeqID:     c.SeqID,
		PTS:       c.Timestamp,
		DTS:       c.Timestamp,
		Timebase:  tb,
		Duration:  c.Duration,
		Wallclock: c.CaptureClock,
		Data:      c.Data,
	}
	switch p.mediaType {
	case MIVideoH264AVCC:
		if c.IsKey() {
			rec.Extradata = c.Metadata
		}
	case MIAudioAACLC, MIAudioOpus:
		rec.SampleRate, rec.Channels = uint64(p.opts.SampleRate), uint64(p.opts.Channels)
		if p.mediaType == MIAudioAACLC && len(c.Metadata) > 0 {
			info, err := media.DescribeAACConfig(c.Metadata)
			if err != nil {
				return nil, nil, err
			}
			rec.SampleRate, rec.Channels = uint64(info.SampleRate), uint64(info.Channels)
		}
	}
	ext, err := rec.Extensions()
	if err != nil {
		return nil, nil, err
	}
	return ext, c.Data, nil
}

func (p MIPackager) Unpack(ext moq.Extensions, payload []byte) (*media.Chunk, error) {
	rec, err := ParseMIRecord(ext, payload)
	if err != nil {
		return nil, err
	}
	c := &media.Chunk{
		Type:         media.ChunkKey,
		SeqID:        rec.SeqID,
		Timestamp:    rec.PTS,
		Duration:     rec.Duration,
		Timebase:     rec.Timebase,
		CaptureClock: rec.Wallclock,
		Data:         rec.Data,
	}
	switch rec.MediaType {
	case MIVideoH264AVCC:
		c.Kind = media.KindVideo
		c.Metadata = rec.Extradata
		if len(rec.Extradata) == 0 {
			key, err := media.IsAVCKeyframe(rec.Data)
			if err != nil {
				return nil, err
			}
			if !key {
				c.Type = media.ChunkDelta
			}
		}
	case MIAudioAACLC:
		c.Kind = media.KindAudio
		asc, err := media.BuildAACConfig(aacObjectTypeLC, int(rec.SampleRate), int(rec.Channels))
		if err != nil {
			return nil, err
		}
		c.Metadata = asc
	case MIAudioOpus:
		c.Kind = media.KindAudio
	case MIText:
		c.Kind = media.KindData
	}
	return c, nil
}
