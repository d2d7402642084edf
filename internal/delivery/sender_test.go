package delivery

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/moqlink/internal/media"
	"github.com/zsiec/moqlink/internal/moq"
	"github.com/zsiec/moqlink/internal/session"
	"github.com/zsiec/moqlink/internal/transport"
)

type fakePeer struct {
	conn   transport.Session
	tracks *session.Tracks

	mu       sync.Mutex
	finished []uint64
}

func (f *fakePeer) Conn() transport.Session { return f.conn }
func (f *fakePeer) Tracks() *session.Tracks { return f.tracks }

func (f *fakePeer) Finish(_ string, requestID, _ uint64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, requestID)
	return nil
}

func newPeer(t *testing.T, conn transport.Session, cfgs ...session.TrackConfig) *fakePeer {
	t.Helper()
	tracks, err := session.NewTracks(cfgs)
	require.NoError(t, err)
	return &fakePeer{conn: conn, tracks: tracks}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func videoTrack() session.TrackConfig {
	return session.TrackConfig{Key: "video", Namespace: []string{"live"}, Name: "cam1", PublisherPriority: 2}
}

func videoChunk(key bool, seq int64) *media.Chunk {
	c := &media.Chunk{
		Kind:      media.KindVideo,
		Type:      media.ChunkDelta,
		SeqID:     seq,
		Timestamp: seq * 9000,
		Duration:  9000,
		Timebase:  90000,
		Data:      []byte{0x00, 0x00, 0x00, 0x02, 0x41, byte(seq)},
	}
	if key {
		c.Type = media.ChunkKey
		c.Data[4] = 0x65
	}
	return c
}

func readStream(t *testing.T, ctx context.Context, conn *transport.PipeSession) []byte {
	t.Helper()
	st, err := conn.AcceptUniStream(ctx)
	require.NoError(t, err)
	b, err := io.ReadAll(st)
	require.NoError(t, err)
	return b
}

func TestSendDropsWithoutSubscribers(t *testing.T) {
	t.Parallel()
	client, server := transport.NewPipe()
	s := NewSender(newPeer(t, client, videoTrack()), SenderConfig{Log: testLogger()})

	rep, err := s.Send("video", videoChunk(true, 0))
	require.NoError(t, err)
	require.True(t, rep.Dropped)
	require.Equal(t, ReasonNoSubscribers, rep.Reason)
	require.EqualValues(t, 1, s.Stats().Snapshot().DroppedNoSubscribers)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = server.AcceptUniStream(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, client.SendOrders())
}

func TestSendUnknownTrack(t *testing.T) {
	t.Parallel()
	client, _ := transport.NewPipe()
	s := NewSender(newPeer(t, client, videoTrack()), SenderConfig{Log: testLogger()})
	_, err := s.Send("audio", videoChunk(true, 0))
	require.ErrorIs(t, err, session.ErrUnknownTrack)
}

func TestSendWaitsForKeyframe(t *testing.T) {
	t.Parallel()
	client, server := transport.NewPipe()
	peer := newPeer(t, client, videoTrack())
	_, _, err := peer.tracks.AddSubscriber("video", session.Subscriber{RequestID: 1, TrackAlias: 1, Forward: true})
	require.NoError(t, err)
	s := NewSender(peer, SenderConfig{Log: testLogger()})

	rep, err := s.Send("video", videoChunk(false, 0))
	require.NoError(t, err)
	require.True(t, rep.Dropped)
	require.Equal(t, ReasonWaitingKeyframe, rep.Reason)

	rep, err = s.Send("video", videoChunk(true, 1))
	require.NoError(t, err)
	require.False(t, rep.Dropped)
	require.Equal(t, 1, rep.Sent)
	require.Equal(t, moq.Location{}, rep.Location)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b := readStream(t, ctx, server)
	r := moq.NewReader(bytes.NewReader(b))
	hdr, err := moq.ReadSubgroupHeader(r)
	require.NoError(t, err)
	require.EqualValues(t, 1, hdr.TrackAlias)
	require.EqualValues(t, 0, hdr.GroupID)
	require.EqualValues(t, 2, hdr.Priority)
	require.True(t, hdr.Extensions)
	obj, err := moq.ReadSubgroupObject(r, hdr.Extensions)
	require.NoError(t, err)
	require.EqualValues(t, 0, obj.ID)
	require.True(t, r.Exhausted())

	require.Equal(t, []int64{SendOrder(1, false)}, client.SendOrders())
}

func TestSendGroupsAndObjects(t *testing.T) {
	t.Parallel()
	client, server := transport.NewPipe()
	peer := newPeer(t, client, videoTrack())
	_, _, err := peer.tracks.AddSubscriber("video", session.Subscriber{RequestID: 1, TrackAlias: 1, Forward: true})
	require.NoError(t, err)
	s := NewSender(peer, SenderConfig{Log: testLogger()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	want := []moq.Location{{Group: 0, Object: 0}, {Group: 0, Object: 1}, {Group: 0, Object: 2}, {Group: 1, Object: 0}, {Group: 1, Object: 1}}
	keys := []bool{true, false, false, true, false}
	for i, key := range keys {
		rep, err := s.Send("video", videoChunk(key, int64(i)))
		require.NoError(t, err)
		require.Equal(t, want[i], rep.Location)
		readStream(t, ctx, server)
	}
	last, ok := peer.tracks.LastSent("video")
	require.True(t, ok)
	require.Equal(t, moq.Location{Group: 1, Object: 1}, last)

	require.NoError(t, s.Wait(ctx))
	require.EqualValues(t, 5, peer.tracks.Subscribers("video")[0].Streams)
}

func TestSendInFlightLimit(t *testing.T) {
	t.Parallel()
	client, server := transport.NewPipe()
	cfg := videoTrack()
	cfg.MaxInFlightRequests = 1
	peer := newPeer(t, client, cfg)
	_, _, err := peer.tracks.AddSubscriber("video", session.Subscriber{RequestID: 1, TrackAlias: 1, Forward: true})
	require.NoError(t, err)
	s := NewSender(peer, SenderConfig{Log: testLogger()})

	rep, err := s.Send("video", videoChunk(true, 0))
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
	require.Equal(t, 1, s.InFlight("video"))

	rep, err = s.Send("video", videoChunk(false, 1))
	require.NoError(t, err)
	require.True(t, rep.Dropped)
	require.Equal(t, ReasonInFlightLimit, rep.Reason)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	readStream(t, ctx, server)
	require.Eventually(t, func() bool { return s.InFlight("video") == 0 }, 5*time.Second, time.Millisecond)

	rep, err = s.Send("video", videoChunk(false, 2))
	require.NoError(t, err)
	require.False(t, rep.Dropped)
	require.Equal(t, moq.Location{Group: 0, Object: 1}, rep.Location)
	require.EqualValues(t, 1, s.Stats().Snapshot().DroppedInFlight)
}

func TestSendRearmsAfterDroppedKey(t *testing.T) {
	t.Parallel()
	client, server := transport.NewPipe()
	cfg := videoTrack()
	cfg.MaxInFlightRequests = 1
	peer := newPeer(t, client, cfg)
	_, _, err := peer.tracks.AddSubscriber("video", session.Subscriber{RequestID: 1, TrackAlias: 1, Forward: true})
	require.NoError(t, err)
	s := NewSender(peer, SenderConfig{Log: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rep, err := s.Send("video", videoChunk(true, 0))
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)

	// The stream for chunk 0 is still open, so the next key is lost.
	rep, err = s.Send("video", videoChunk(true, 1))
	require.NoError(t, err)
	require.True(t, rep.Dropped)
	require.Equal(t, ReasonInFlightLimit, rep.Reason)

	readStream(t, ctx, server)
	require.Eventually(t, func() bool { return s.InFlight("video") == 0 }, 5*time.Second, time.Millisecond)

	// Deltas of the lost group must not be numbered into group 0.
	rep, err = s.Send("video", videoChunk(false, 2))
	require.NoError(t, err)
	require.True(t, rep.Dropped)
	require.Equal(t, ReasonWaitingKeyframe, rep.Reason)

	rep, err = s.Send("video", videoChunk(true, 3))
	require.NoError(t, err)
	require.False(t, rep.Dropped)
	require.Equal(t, moq.Location{Group: 1, Object: 0}, rep.Location)

	b := readStream(t, ctx, server)
	hdr, err := moq.ReadSubgroupHeader(moq.NewReader(bytes.NewReader(b)))
	require.NoError(t, err)
	require.EqualValues(t, 1, hdr.GroupID)
	require.Eventually(t, func() bool { return s.InFlight("video") == 0 }, 5*time.Second, time.Millisecond)

	rep, err = s.Send("video", videoChunk(false, 4))
	require.NoError(t, err)
	require.False(t, rep.Dropped)
	require.Equal(t, moq.Location{Group: 1, Object: 1}, rep.Location)
	readStream(t, ctx, server)

	snap := s.Stats().Snapshot()
	require.EqualValues(t, 1, snap.DroppedInFlight)
	require.EqualValues(t, 1, snap.DroppedKeyframe)
}

func TestSendForgetsRemovedSubscribers(t *testing.T) {
	t.Parallel()
	client, _ := transport.NewPipe()
	cfg := videoTrack()
	cfg.Mapping = session.MappingObjDatagram
	peer := newPeer(t, client, cfg)
	for _, id := range []uint64{1, 2} {
		_, _, err := peer.tracks.AddSubscriber("video", session.Subscriber{RequestID: id, TrackAlias: id, Forward: true})
		require.NoError(t, err)
	}
	s := NewSender(peer, SenderConfig{Log: testLogger()})
	primed := func() map[uint64]bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return maps.Clone(s.tracks["video"].primed)
	}

	rep, err := s.Send("video", videoChunk(true, 0))
	require.NoError(t, err)
	require.Equal(t, 2, rep.Sent)
	require.Equal(t, map[uint64]bool{1: true, 2: true}, primed())

	_, _, ok := peer.tracks.RemoveSubscriber(2)
	require.True(t, ok)
	rep, err = s.Send("video", videoChunk(false, 1))
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
	require.Equal(t, map[uint64]bool{1: true}, primed())

	_, _, ok = peer.tracks.RemoveSubscriber(1)
	require.True(t, ok)
	rep, err = s.Send("video", videoChunk(false, 2))
	require.NoError(t, err)
	require.Equal(t, ReasonNoSubscribers, rep.Reason)
	require.Empty(t, primed())
}

func TestSendFanOut(t *testing.T) {
	t.Parallel()
	client, server := transport.NewPipe()
	peer := newPeer(t, client, videoTrack())
	for _, sub := range []session.Subscriber{
		{RequestID: 1, TrackAlias: 1, Forward: true},
		{RequestID: 3, TrackAlias: 3, Forward: false},
		{RequestID: 5, TrackAlias: 5, Forward: true, Start: moq.Location{Group: 1}},
		{RequestID: 7, TrackAlias: 7, Forward: true, End: 1},
	} {
		_, _, err := peer.tracks.AddSubscriber("video", sub)
		require.NoError(t, err)
	}
	s := NewSender(peer, SenderConfig{Log: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rep, err := s.Send("video", videoChunk(true, 0))
	require.NoError(t, err)
	require.Equal(t, 2, rep.Sent)
	require.Equal(t, 2, rep.Skipped)
	aliases := map[uint64]bool{}
	for range 2 {
		hdr, err := moq.ReadSubgroupHeader(moq.NewReader(bytes.NewReader(readStream(t, ctx, server))))
		require.NoError(t, err)
		aliases[hdr.TrackAlias] = true
	}
	require.Equal(t, map[uint64]bool{1: true, 7: true}, aliases)

	rep, err = s.Send("video", videoChunk(true, 1))
	require.NoError(t, err)
	require.Equal(t, 2, rep.Sent)
	for range 2 {
		readStream(t, ctx, server)
	}
	peer.mu.Lock()
	require.Equal(t, []uint64{7}, peer.finished)
	peer.mu.Unlock()
}

func TestSendAbortCancelsWrites(t *testing.T) {
	t.Parallel()
	client, _ := transport.NewPipe()
	peer := newPeer(t, client, videoTrack())
	_, _, err := peer.tracks.AddSubscriber("video", session.Subscriber{RequestID: 1, TrackAlias: 1, Forward: true})
	require.NoError(t, err)
	s := NewSender(peer, SenderConfig{Log: testLogger(), IsSendingStats: true, StatsInterval: time.Millisecond})

	rep, err := s.Send("video", videoChunk(true, 0))
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)

	s.Abort()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	require.Zero(t, s.InFlight("video"))

	rep, err = s.Send("video", videoChunk(false, 1))
	require.NoError(t, err)
	require.True(t, rep.Dropped)
	require.Equal(t, ReasonStopped, rep.Reason)
}

func TestSendOrder(t *testing.T) {
	t.Parallel()
	require.Equal(t, MaxSendOrder, SendOrder(-1, false))
	require.Equal(t, MaxSendOrder, SendOrder(media.NoSeqID, true))
	require.EqualValues(t, 10, SendOrder(10, false))
	require.Equal(t, 10+MaxSendOrder/2, SendOrder(10, true))
	require.Greater(t, SendOrder(1, true), SendOrder(1000, false))
	require.Equal(t, MaxSendOrder, SendOrder(MaxSendOrder-1, true))
	require.Equal(t, MaxSendOrder, SendOrder(1<<62, false))
}

func TestKeyframeGate(t *testing.T) {
	t.Parallel()
	var g KeyframeGate

	pass, _ := g.Admit(false, 0)
	require.False(t, pass)
	pass, _ = g.Admit(false, 0)
	require.False(t, pass)
	require.Equal(t, 2, g.Discarded())

	pass, discarded := g.Admit(true, 1)
	require.True(t, pass)
	require.Equal(t, 2, discarded)
	require.Zero(t, g.Discarded())

	pass, _ = g.Admit(false, 1)
	require.True(t, pass)

	// Group 2's key chunk never arrived.
	pass, _ = g.Admit(false, 2)
	require.False(t, pass)
	pass, discarded = g.Admit(true, 3)
	require.True(t, pass)
	require.Equal(t, 1, discarded)

	// A stale delta from an earlier group is held back.
	pass, _ = g.Admit(false, 1)
	require.False(t, pass)

	g.Rearm()
	pass, _ = g.Admit(false, 3)
	require.False(t, pass)
}
