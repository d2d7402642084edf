package delivery

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultStatsInterval is how often stats are logged when enabled.
const DefaultStatsInterval = 5 * time.Second

// Drop reasons reported by the Sender and counted in Stats.
const (
	ReasonNoSubscribers   = "no subscribers"
	ReasonWaitingKeyframe = "waiting for keyframe"
	ReasonInFlightLimit   = "too many in-flight requests"
	ReasonStopped         = "sender stopped"
)

// Snapshot is a point-in-time copy of delivery counters, serialized as
// JSON by stats consumers.
type Snapshot struct {
	Timestamp int64 `json:"ts"`

	ChunksSent    int64 `json:"chunksSent"`
	ObjectsSent   int64 `json:"objectsSent"`
	BytesSent     int64 `json:"bytesSent"`
	InFlight      int64 `json:"inFlight"`
	WriteFailures int64 `json:"writeFailures"`

	DroppedNoSubscribers int64 `json:"droppedNoSubscribers"`
	DroppedKeyframe      int64 `json:"droppedKeyframe"`
	DroppedInFlight      int64 `json:"droppedInFlight"`
	Skipped              int64 `json:"skipped"`

	ObjectsReceived   int64 `json:"objectsReceived"`
	BytesReceived     int64 `json:"bytesReceived"`
	DiscardedDeltas   int64 `json:"discardedDeltas"`
	UnknownAlias      int64 `json:"unknownAlias"`
	DecodeErrors      int64 `json:"decodeErrors"`
	StreamsReceived   int64 `json:"streamsReceived"`
	DatagramsReceived int64 `json:"datagramsReceived"`
}

// Stats holds the counters of one Sender or Receiver.
type Stats struct {
	chunksSent    atomic.Int64
	objectsSent   atomic.Int64
	bytesSent     atomic.Int64
	inFlight      atomic.Int64
	writeFailures atomic.Int64

	droppedNoSubscribers atomic.Int64
	droppedKeyframe      atomic.Int64
	droppedInFlight      atomic.Int64
	skipped              atomic.Int64

	objectsReceived   atomic.Int64
	bytesReceived     atomic.Int64
	discardedDeltas   atomic.Int64
	unknownAlias      atomic.Int64
	decodeErrors      atomic.Int64
	streamsReceived   atomic.Int64
	datagramsReceived atomic.Int64
}

func (s *Stats) dropped(reason string) {
	switch reason {
	case ReasonNoSubscribers:
		s.droppedNoSubscribers.Add(1)
	case ReasonWaitingKeyframe:
		s.droppedKeyframe.Add(1)
	case ReasonInFlightLimit:
		s.droppedInFlight.Add(1)
	}
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Timestamp:            time.Now().UnixMilli(),
		ChunksSent:           s.chunksSent.Load(),
		ObjectsSent:          s.objectsSent.Load(),
		BytesSent:            s.bytesSent.Load(),
		InFlight:             s.inFlight.Load(),
		WriteFailures:        s.writeFailures.Load(),
		DroppedNoSubscribers: s.droppedNoSubscribers.Load(),
		DroppedKeyframe:      s.droppedKeyframe.Load(),
		DroppedInFlight:      s.droppedInFlight.Load(),
		Skipped:              s.skipped.Load(),
		ObjectsReceived:      s.objectsReceived.Load(),
		BytesReceived:        s.bytesReceived.Load(),
		DiscardedDeltas:      s.discardedDeltas.Load(),
		UnknownAlias:         s.unknownAlias.Load(),
		DecodeErrors:         s.decodeErrors.Load(),
		StreamsReceived:      s.streamsReceived.Load(),
		DatagramsReceived:    s.datagramsReceived.Load(),
	}
}

// logStats logs a snapshot every interval until ctx is done.
func logStats(ctx context.Context, log *slog.Logger, interval time.Duration, stats *Stats) {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			log.Info("delivery stats", "stats", stats.Snapshot())
		}
	}
}
