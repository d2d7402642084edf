package packager

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zsiec/moqlink/internal/media"
	"github.com/zsiec/moqlink/internal/moq"
)

func TestLocRecordRoundTrip(t *testing.T) {
	t.Parallel()
	records := []Loc{
		{MediaType: "video", ChunkType: "key", SeqID: 12, Timestamp: 400000, Duration: 33333, FirstFrameClock: 1700000000000, Metadata: []byte{1, 0x42, 0xe0, 0x1e}, Data: []byte("idr")},
		{MediaType: "audio", ChunkType: "key", SeqID: media.NoSeqID, Timestamp: 21333, Duration: 21333, Data: []byte("aac")},
	}
	var buf []byte
	for i := range records {
		var err error
		buf, err = records[i].Append(buf)
		require.NoError(t, err)
	}

	r := moq.NewReader(bytes.NewReader(buf))
	for i, want := range records {
		var got Loc
		require.NoError(t, got.Decode(r))
		require.Equal(t, i == len(records)-1, got.IsEOF(), "record %d", i)
		got.eof = false
		require.Equal(t, want, got)
	}
}

func TestLocRecordTruncated(t *testing.T) {
	t.Parallel()
	l := Loc{MediaType: "video", ChunkType: "delta", SeqID: 1, Data: []byte("abcdef")}
	buf, err := l.Append(nil)
	require.NoError(t, err)

	var got Loc
	err = got.Decode(moq.NewReader(bytes.NewReader(buf[:len(buf)-2])))
	require.ErrorIs(t, err, moq.ErrStreamClosed)
}

func TestLocRecordNegativeTimestamp(t *testing.T) {
	t.Parallel()
	l := Loc{MediaType: "video", ChunkType: "key", Timestamp: -1, Data: []byte{1}}
	out, err := l.Append([]byte{9})
	require.ErrorIs(t, err, ErrNegativeField)
	require.Equal(t, []byte{9}, out)
}

func TestLocPackagerChunk(t *testing.T) {
	t.Parallel()
	p, err := New(FormatLOC, media.KindVideo, Options{})
	require.NoError(t, err)
	require.Equal(t, FormatLOC, p.Format())

	in := &media.Chunk{
		Kind:         media.KindVideo,
		Type:         media.ChunkDelta,
		SeqID:        41,
		Timestamp:    9000, // 100 ms at 90 kHz
		Duration:     3000,
		Timebase:     90000,
		CaptureClock: 1700000000123,
		Data:         []byte{0, 0, 0, 1, 0x41},
	}
	ext, payload, err := p.Pack(in)
	require.NoError(t, err)
	v, ok := ext.Uint(locExtVideoFrameMarking)
	require.True(t, ok)
	require.Equal(t, vfmNonKeyframe, v)

	out, err := p.Unpack(ext, payload)
	require.NoError(t, err)
	require.Equal(t, media.KindVideo, out.Kind)
	require.Equal(t, media.ChunkDelta, out.Type)
	require.EqualValues(t, 41, out.SeqID)
	require.EqualValues(t, 100000, out.Timestamp)
	require.EqualValues(t, 33333, out.Duration)
	require.Equal(t, LocTimebase, out.Timebase)
	require.Equal(t, in.CaptureClock, out.CaptureClock)
	require.Equal(t, in.Data, out.Data)
}

func TestLocPackagerTrailingBytes(t *testing.T) {
	t.Parallel()
	_, payload, err := LocPackager{}.Pack(&media.Chunk{Kind: media.KindAudio, Data: []byte{1}})
	require.NoError(t, err)
	_, err = LocPackager{}.Unpack(nil, append(payload, 0))
	require.ErrorIs(t, err, moq.ErrProtocolViolation)
}

func TestMIRecordRoundTrip(t *testing.T) {
	t.Parallel()
	records := []MIRecord{
		{MediaType: MIVideoH264AVCC, SeqID: 3, PTS: 3003, DTS: 0, Timebase: 90000, Duration: 3003, Wallclock: 1700000000000, Extradata: []byte{1, 0x64, 0, 0x1f}, Data: []byte("avcc")},
		{MediaType: MIVideoH264AVCC, SeqID: 4, PTS: 6006, DTS: 3003, Timebase: 90000, Duration: 3003, Data: []byte("avcc")},
		{MediaType: MIAudioOpus, SeqID: 9, PTS: 960, Timebase: 48000, SampleRate: 48000, Channels: 2, Duration: 960, Data: []byte("opus")},
		{MediaType: MIAudioAACLC, SeqID: media.NoSeqID, PTS: 1024, Timebase: 44100, SampleRate: 44100, Channels: 1, Duration: 1024, Data: []byte("aac")},
		{MediaType: MIText, SeqID: media.NoSeqID, Data: []byte("hello")},
	}
	var buf []byte
	for i := range records {
		var err error
		buf, err = records[i].Append(buf)
		require.NoError(t, err)
	}
	r := moq.NewReader(bytes.NewReader(buf))
	for i, want := range records {
		var got MIRecord
		require.NoError(t, got.Decode(r))
		require.Equal(t, i == len(records)-1, got.IsEOF(), "record %d", i)
		got.eof = false
		require.Equal(t, want, got)
	}
}

func TestParseMIRecordMissingMetadata(t *testing.T) {
	t.Parallel()
	_, err := ParseMIRecord(moq.Extensions{{Key: miExtMediaType, Value: uint64(MIAudioOpus)}}, []byte{1})
	require.ErrorIs(t, err, moq.ErrProtocolViolation)

	_, err = ParseMIRecord(nil, []byte{1})
	require.ErrorIs(t, err, moq.ErrProtocolViolation)
}

func TestMIPackagerVideo(t *testing.T) {
	t.Parallel()
	p, err := New(FormatMI, media.KindVideo, Options{Codec: "h264"})
	require.NoError(t, err)

	delta := &media.Chunk{Kind: media.KindVideo, Type: media.ChunkDelta, SeqID: 2, Timestamp: 66666, Duration: 33333, Timebase: LocTimebase,
		Data: media.AnnexBToAVC1([][]byte{{0x41, 0x9a}})}
	ext, payload, err := p.Pack(delta)
	require.NoError(t, err)
	require.Equal(t, delta.Data, payload, "MI leaves the bitstream untouched")

	out, err := p.Unpack(ext, payload)
	require.NoError(t, err)
	require.Equal(t, media.ChunkDelta, out.Type)
	require.EqualValues(t, 66666, out.Timestamp)

	key := &media.Chunk{Kind: media.KindVideo, Type: media.ChunkKey, SeqID: 0, Timebase: LocTimebase,
		Metadata: media.BuildAVCDecoderConfig([]byte{0x67, 0x42, 0xe0, 0x1e}, []byte{0x68, 0xce}),
		Data:     media.AnnexBToAVC1([][]byte{{0x65, 0x88}})}
	ext, payload, err = p.Pack(key)
	require.NoError(t, err)
	out, err = p.Unpack(ext, payload)
	require.NoError(t, err)
	require.Equal(t, media.ChunkKey, out.Type)
	require.Equal(t, key.Metadata, out.Metadata)
}

func TestMIPackagerAAC(t *testing.T) {
	t.Parallel()
	p, err := New(FormatMI, media.KindAudio, Options{Codec: "aac"})
	require.NoError(t, err)
	asc, err := media.BuildAACConfig(2, 48000, 2)
	require.NoError(t, err)

	ext, payload, err := p.Pack(&media.Chunk{Kind: media.KindAudio, SeqID: 5, Timestamp: 1024, Duration: 1024, Timebase: 48000, Metadata: asc, Data: []byte{0x21}})
	require.NoError(t, err)
	out, err := p.Unpack(ext, payload)
	require.NoError(t, err)
	require.Equal(t, media.KindAudio, out.Kind)
	require.EqualValues(t, 48000, out.Timebase)

	info, err := media.DescribeAACConfig(out.Metadata)
	require.NoError(t, err)
	require.Equal(t, 48000, info.SampleRate)
	require.Equal(t, 2, info.Channels)
}

func TestNewSelectsPackager(t *testing.T) {
	t.Parallel()
	p, err := New(FormatLOC, media.KindData, Options{})
	require.NoError(t, err)
	require.Equal(t, FormatRaw, p.Format())

	p, err = New(FormatMI, media.KindData, Options{})
	require.NoError(t, err)
	require.Equal(t, MIText, p.(MIPackager).MediaType())

	_, err = New(FormatMI, media.KindVideo, Options{Codec: "vp9"})
	require.ErrorIs(t, err, ErrKindMismatch)

	f, err := ParseFormat("mi")
	require.NoError(t, err)
	require.Equal(t, FormatMI, f)
	_, err = ParseFormat("cmaf")
	require.Error(t, err)
}

func TestRawRecord(t *testing.T) {
	t.Parallel()
	rr := RawRecord{Data: []byte("opaque")}
	var got RawRecord
	require.NoError(t, got.Decode(moq.NewReader(bytes.NewReader(rr.Append(nil)))))
	require.True(t, got.IsEOF())
	require.Equal(t, rr.Data, got.Data)

	ext, payload, err := Raw{}.Pack(&media.Chunk{Kind: media.KindData, Data: []byte("x")})
	require.NoError(t, err)
	require.Nil(t, ext)
	c, err := Raw{}.Unpack(nil, payload)
	require.NoError(t, err)
	require.Equal(t, media.KindData, c.Kind)
	require.Equal(t, media.NoSeqID, c.SeqID)

	_, _, err = Raw{}.Pack(&media.Chunk{})
	require.ErrorIs(t, err, ErrEmptyPayload)
}

func TestRescale(t *testing.T) {
	t.Parallel()
	require.EqualValues(t, 90000, Rescale(1_000_000, 1_000_000, 90000))
	require.EqualValues(t, 1_000_000, Rescale(90000, 90000, 1_000_000))
	require.EqualValues(t, -1000, Rescale(-90, 90000, 1_000_000))
	require.EqualValues(t, 42, Rescale(42, 0, 1000))
	require.EqualValues(t, int64(math.MaxInt64), Rescale(math.MaxInt64, 1, 1000))
	// exact through the 128-bit intermediate
	require.EqualValues(t, int64(1)<<61, Rescale(1<<62, 1<<20, 1<<19))
	require.EqualValues(t, int64(math.MaxInt64), Rescale(1<<62, 3, 6))
}
