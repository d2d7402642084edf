package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/moqlink/internal/media"
	"github.com/zsiec/moqlink/internal/moq"
	"github.com/zsiec/moqlink/internal/packager"
	"github.com/zsiec/moqlink/internal/session"
	"github.com/zsiec/moqlink/internal/transport"
)

// runReceiver starts a Receiver on the server end of a pipe with track key
// bound to alias.
func runReceiver(t *testing.T, cfg ReceiverConfig, alias uint64, tracks ...session.TrackConfig) (*Receiver, *transport.PipeSession, chan error) {
	t.Helper()
	client, server := transport.NewPipe()
	peer := newPeer(t, server, tracks...)
	require.NoError(t, peer.tracks.Bind(tracks[0].Key, 0, alias))
	if cfg.Log == nil {
		cfg.Log = testLogger()
	}
	rv := NewReceiver(peer, cfg)
	errc := make(chan error, 1)
	go func() { errc <- rv.Run(context.Background()) }()
	t.Cleanup(func() {
		rv.Abort()
		_ = client.CloseWithError(0, "")
	})
	return rv, client, errc
}

func nextChunk(t *testing.T, rv *Receiver) *media.Chunk {
	t.Helper()
	select {
	case c, ok := <-rv.Chunks():
		require.True(t, ok, "chunks closed")
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}
	return nil
}

// writeSubgroup writes a subgroup stream from a goroutine, since pipe writes
// block until the reader drains them.
func writeSubgroup(t *testing.T, conn transport.Session, hdr moq.SubgroupHeader, objs ...moq.Object) {
	t.Helper()
	b, err := hdr.Append(nil)
	require.NoError(t, err)
	for _, obj := range objs {
		b, err = moq.AppendSubgroupObject(b, obj, hdr.Extensions)
		require.NoError(t, err)
	}
	st, err := conn.OpenUniStreamSync(context.Background())
	require.NoError(t, err)
	go func() {
		if _, err := st.Write(b); err != nil {
			return
		}
		_ = st.Close()
	}()
}

func locObject(t *testing.T, id uint64, c *media.Chunk) moq.Object {
	t.Helper()
	ext, payload, err := packager.LocPackager{}.Pack(c)
	require.NoError(t, err)
	return moq.Object{ID: id, Extensions: ext, Payload: payload}
}

func TestReceiveSubgroupStream(t *testing.T) {
	t.Parallel()
	rv, client, _ := runReceiver(t, ReceiverConfig{}, 5, videoTrack())

	hdr := moq.SubgroupHeader{TrackAlias: 5, GroupID: 3, Extensions: true}
	writeSubgroup(t, client, hdr,
		locObject(t, 8, videoChunk(true, 40)),
		moq.Object{ID: 9, Status: moq.StatusEndOfGroup},
	)

	c := nextChunk(t, rv)
	require.Equal(t, "video", c.TrackKey)
	require.EqualValues(t, 3, c.Group)
	require.EqualValues(t, 8, c.Object)
	require.Equal(t, media.KindVideo, c.Kind)
	require.True(t, c.IsKey())
	require.EqualValues(t, 40, c.SeqID)
	require.Equal(t, packager.LocTimebase, c.Timebase)
	require.Equal(t, packager.Rescale(40*9000, 90000, packager.LocTimebase), c.Timestamp)
	require.Equal(t, videoChunk(true, 40).Data, c.Data)

	require.Eventually(t, func() bool {
		s := rv.Stats().Snapshot()
		return s.StreamsReceived == 1 && s.ObjectsReceived == 1
	}, 5*time.Second, time.Millisecond)
}

func TestReceiveRescalesTimestamps(t *testing.T) {
	t.Parallel()
	cfg := ReceiverConfig{Timebases: map[string]uint64{"video": 90000}}
	rv, client, _ := runReceiver(t, cfg, 1, videoTrack())

	writeSubgroup(t, client, moq.SubgroupHeader{TrackAlias: 1, Extensions: true}, locObject(t, 0, videoChunk(true, 7)))
	c := nextChunk(t, rv)
	require.EqualValues(t, 90000, c.Timebase)
	require.EqualValues(t, 7*9000, c.Timestamp)
	require.EqualValues(t, 9000, c.Duration)
}

func TestSendReceiveRoundTrip(t *testing.T) {
	t.Parallel()
	pubConn, subConn := transport.NewPipe()
	pub := newPeer(t, pubConn, videoTrack())
	_, _, err := pub.tracks.AddSubscriber("video", session.Subscriber{RequestID: 0, TrackAlias: 0, Forward: true})
	require.NoError(t, err)
	sub := newPeer(t, subConn, videoTrack())
	require.NoError(t, sub.tracks.Bind("video", 0, 0))

	s := NewSender(pub, SenderConfig{Log: testLogger()})
	rv := NewReceiver(sub, ReceiverConfig{Log: testLogger(), Timebases: map[string]uint64{"video": 90000}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- rv.Run(ctx) }()

	for i, key := range []bool{true, false, true} {
		_, err := s.Send("video", videoChunk(key, int64(i)))
		require.NoError(t, err)
		c := nextChunk(t, rv)
		require.Equal(t, key, c.IsKey())
		require.EqualValues(t, i, c.SeqID)
		require.EqualValues(t, int64(i)*9000, c.Timestamp)
	}

	require.NoError(t, s.Wait(ctx))
	s.Abort()
	rv.Abort()
	require.NoError(t, <-errc)
}

func TestReceiveDatagrams(t *testing.T) {
	t.Parallel()
	data := session.TrackConfig{Key: "data", Namespace: []string{"live"}, Name: "meta"}
	cfg := ReceiverConfig{DataTracks: []string{"data"}}
	rv, client, _ := runReceiver(t, cfg, 2, data)

	status := moq.Datagram{TrackAlias: 2, GroupID: 1, Object: moq.Object{ID: 1, Status: moq.StatusEndOfGroup}}
	b, err := status.Append(nil)
	require.NoError(t, err)
	require.NoError(t, client.SendDatagram(b))

	d := moq.Datagram{TrackAlias: 2, GroupID: 4, Object: moq.Object{ID: 2, Payload: []byte("hello")}}
	b, err = d.Append(nil)
	require.NoError(t, err)
	require.NoError(t, client.SendDatagram(b))

	c := nextChunk(t, rv)
	require.Equal(t, "data", c.TrackKey)
	require.Equal(t, media.KindData, c.Kind)
	require.EqualValues(t, 4, c.Group)
	require.EqualValues(t, 2, c.Object)
	require.Equal(t, []byte("hello"), c.Data)
	require.EqualValues(t, 2, rv.Stats().Snapshot().DatagramsReceived)
}

func TestReceiveSkipsUnknownAliasAndBadObjects(t *testing.T) {
	t.Parallel()
	rv, client, _ := runReceiver(t, ReceiverConfig{}, 1, videoTrack())

	writeSubgroup(t, client, moq.SubgroupHeader{TrackAlias: 9, Extensions: true}, locObject(t, 0, videoChunk(true, 0)))

	bad := moq.Datagram{TrackAlias: 1, Object: moq.Object{ID: 1, Payload: []byte{0xff}}}
	b, err := bad.Append(nil)
	require.NoError(t, err)
	require.NoError(t, client.SendDatagram(b))

	require.Eventually(t, func() bool {
		s := rv.Stats().Snapshot()
		return s.UnknownAlias == 1 && s.DecodeErrors == 1
	}, 5*time.Second, time.Millisecond)

	writeSubgroup(t, client, moq.SubgroupHeader{TrackAlias: 1, Extensions: true}, locObject(t, 0, videoChunk(true, 1)))
	c := nextChunk(t, rv)
	require.EqualValues(t, 1, c.SeqID)
}

func TestReceiveGatesDeltasUntilKeyframe(t *testing.T) {
	t.Parallel()
	cfg := ReceiverConfig{GatedTracks: []string{"video"}}
	rv, client, _ := runReceiver(t, cfg, 1, videoTrack())

	writeSubgroup(t, client, moq.SubgroupHeader{TrackAlias: 1, GroupID: 0, Extensions: true},
		locObject(t, 1, videoChunk(false, 1)),
		locObject(t, 2, videoChunk(false, 2)),
	)
	require.Eventually(t, func() bool {
		return rv.Stats().Snapshot().DiscardedDeltas == 2
	}, 5*time.Second, time.Millisecond)

	writeSubgroup(t, client, moq.SubgroupHeader{TrackAlias: 1, GroupID: 1, Extensions: true},
		locObject(t, 0, videoChunk(true, 3)),
		locObject(t, 1, videoChunk(false, 4)),
	)
	c := nextChunk(t, rv)
	require.True(t, c.IsKey())
	require.Equal(t, 2, c.Discarded)
	c = nextChunk(t, rv)
	require.EqualValues(t, 4, c.SeqID)
	require.Zero(t, c.Discarded)

	rv.Rearm("video")
	writeSubgroup(t, client, moq.SubgroupHeader{TrackAlias: 1, GroupID: 1, Extensions: true},
		locObject(t, 2, videoChunk(false, 5)),
	)
	require.Eventually(t, func() bool {
		return rv.Stats().Snapshot().DiscardedDeltas == 3
	}, 5*time.Second, time.Millisecond)
}

func TestReceiverEndsOnTransportClose(t *testing.T) {
	t.Parallel()
	rv, client, errc := runReceiver(t, ReceiverConfig{}, 1, videoTrack())

	require.NoError(t, client.CloseWithError(0, "bye"))
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop")
	}
	_, ok := <-rv.Chunks()
	require.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rv.Wait(ctx))
	require.Error(t, rv.Run(ctx))
}

func TestReceiverMalformedDatagramIsFatal(t *testing.T) {
	t.Parallel()
	_, client, errc := runReceiver(t, ReceiverConfig{}, 1, videoTrack())

	require.NoError(t, client.SendDatagram([]byte{0x3f}))
	select {
	case err := <-errc:
		require.ErrorContains(t, err, "parse datagram")
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop")
	}
}

func TestReceiverCorruptExtensionsIsFatal(t *testing.T) {
	t.Parallel()
	rv, client, errc := runReceiver(t, ReceiverConfig{}, 5, videoTrack())

	hdr := moq.SubgroupHeader{TrackAlias: 5, GroupID: 3, Extensions: true}
	b, err := hdr.Append(nil)
	require.NoError(t, err)
	b, err = moq.AppendSubgroupObject(b, locObject(t, 0, videoChunk(true, 1)), true)
	require.NoError(t, err)
	// object 1: a 3-byte extension block whose key 0x03 claims 5 bytes
	b = append(b, 0x01, 0x03, 0x03, 0x05, 'a')

	st, err := client.OpenUniStreamSync(context.Background())
	require.NoError(t, err)
	go func() {
		if _, err := st.Write(b); err == nil {
			_ = st.Close()
		}
	}()

	c := nextChunk(t, rv)
	require.EqualValues(t, 0, c.Object)
	select {
	case err := <-errc:
		require.ErrorIs(t, err, moq.ErrProtocolViolation)
		require.ErrorContains(t, err, "read object on video")
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not stop")
	}
}

func TestReceiverAbortBeforeRun(t *testing.T) {
	t.Parallel()
	client, _ := transport.NewPipe()
	rv := NewReceiver(newPeer(t, client, videoTrack()), ReceiverConfig{Log: testLogger()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rv.Wait(ctx))
	rv.Abort()
	require.NoError(t, rv.Run(ctx))
	_, ok := <-rv.Chunks()
	require.False(t, ok)
}
