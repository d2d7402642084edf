// Package media defines the encoded chunk type exchanged between the MoQ
// client and the external encoder and decoder, plus codec helpers for H.264
// and AAC payloads and their configuration records.
package media

import "fmt"

// Channel buffer sizes used between the receive path (producer) and the
// playout pipeline (consumer). Sized to absorb jitter without excessive
// memory: ~2 seconds of video, ~2.5s of audio.
const (
	VideoBufferSize = 60
	AudioBufferSize = 120
	DataBufferSize  = 30
)

// Kind is the media kind of a chunk.
type Kind uint8

const (
	KindVideo Kind = iota
	KindAudio
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindData:
		return "data"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a configuration string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "video":
		return KindVideo, nil
	case "audio":
		return KindAudio, nil
	case "data":
		return KindData, nil
	}
	return 0, fmt.Errorf("media: unknown kind %q", s)
}

// ChunkType tells whether a chunk can be decoded on its own.
type ChunkType uint8

const (
	ChunkKey ChunkType = iota
	ChunkDelta
)

func (t ChunkType) String() string {
	if t == ChunkDelta {
		return "delta"
	}
	return "key"
}

// ParseChunkType maps the wire strings "key" and "delta" to a ChunkType.
func ParseChunkType(s string) (ChunkType, error) {
	switch s {
	case "key":
		return ChunkKey, nil
	case "delta":
		return ChunkDelta, nil
	}
	return 0, fmt.Errorf("media: unknown chunk type %q", s)
}

// NoSeqID marks a chunk without a sequence id.
const NoSeqID int64 = -1

// Chunk is one encoded audio, video or data unit with its timing. On the
// send side it comes from the encoder; on the receive side it is rebuilt
// from a MoQ object and handed to the decoder, which then owns Data and
// Metadata.
type Chunk struct {
	Kind      Kind
	Type      ChunkType
	SeqID     int64
	Timestamp int64  // presentation time in Timebase units
	Duration  int64  // in Timebase units
	Timebase  uint64 // ticks per second

	// CaptureClock is the wall clock, in Unix milliseconds, when the first
	// frame of the stream was captured.
	CaptureClock int64

	// Metadata is an optional codec configuration record (an AVC decoder
	// configuration record or an AAC AudioSpecificConfig).
	Metadata []byte
	Data     []byte

	// Set on the receive path.
	TrackKey  string
	Group     uint64
	Object    uint64
	Discarded int // delta chunks dropped by keyframe gating right before this one
}

// IsKey reports whether the chunk starts a new group.
func (c *Chunk) IsKey() bool {
	return c.Type == ChunkKey
}
