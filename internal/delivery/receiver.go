package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/moqlink/internal/media"
	"github.com/zsiec/moqlink/internal/moq"
	"github.com/zsiec/moqlink/internal/packager"
	"github.com/zsiec/moqlink/internal/session"
	"github.com/zsiec/moqlink/internal/transport"
)

// Source is the control-plane side a Receiver reads for.
type Source interface {
	Conn() transport.Session
	Tracks() *session.Tracks
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// Packagers selects the packager per track key. Tracks without one use
	// LOC, or Raw when the key is in DataTracks.
	Packagers  map[string]packager.Packager
	DataTracks []string

	// Timebases sets the output timebase per track key. Chunks of tracks
	// without one keep the wire timebase.
	Timebases map[string]uint64

	// GatedTracks lists the video track keys whose delta chunks are held
	// back until a key chunk arrives.
	GatedTracks []string

	// Buffer is the capacity of the chunk channel.
	Buffer int

	IsSendingStats bool
	StatsInterval  time.Duration
	Log            *slog.Logger
}

// Receiver is the receive path for a subscriber session. It reads subgroup
// streams and datagrams concurrently and emits rebuilt chunks on Chunks.
type Receiver struct {
	src Source
	cfg ReceiverConfig
	log *slog.Logger

	out   chan *media.Chunk
	gates map[string]*KeyframeGate

	mu      sync.Mutex
	cancel  context.CancelFunc
	aborted bool
	started bool
	done    chan struct{}
	probed  map[string]bool

	stats Stats
}

// NewReceiver returns a Receiver for src.
func NewReceiver(src Source, cfg ReceiverConfig) *Receiver {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = media.VideoBufferSize + media.AudioBufferSize + media.DataBufferSize
	}
	rv := &Receiver{
		src:    src,
		cfg:    cfg,
		log:    cfg.Log.With("component", "receiver"),
		out:    make(chan *media.Chunk, cfg.Buffer),
		gates:  make(map[string]*KeyframeGate),
		done:   make(chan struct{}),
		probed: make(map[string]bool),
	}
	for _, key := range cfg.GatedTracks {
		rv.gates[key] = &KeyframeGate{}
	}
	return rv
}

// Chunks returns the channel of received chunks. It is closed when Run
// returns. The consumer owns each chunk's buffers.
func (rv *Receiver) Chunks() <-chan *media.Chunk { return rv.out }

// Stats returns the receiver's counters.
func (rv *Receiver) Stats() *Stats { return &rv.stats }

// Rearm re-arms the keyframe gate of track key, for instance after the
// decoder reported corruption.
func (rv *Receiver) Rearm(key string) {
	if g, ok := rv.gates[key]; ok {
		g.Rearm()
	}
}

// Run reads objects until ctx is done, the transport closes or Abort is
// called. A transport close is a normal end. Malformed object headers end
// Run with an error.
func (rv *Receiver) Run(ctx context.Context) error {
	rv.mu.Lock()
	if rv.started {
		rv.mu.Unlock()
		return errors.New("delivery: receiver already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	rv.started, rv.cancel = true, cancel
	aborted := rv.aborted
	rv.mu.Unlock()
	defer close(rv.done)
	defer close(rv.out)
	defer cancel()
	if aborted {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if rv.cfg.IsSendingStats {
		go logStats(gctx, rv.log, rv.cfg.StatsInterval, &rv.stats)
	}
	g.Go(func() error { return rv.streamLoop(gctx, g) })
	g.Go(func() error { return rv.datagramLoop(gctx) })
	return g.Wait()
}

// ended reports whether err is the normal end of a read loop.
func ended(ctx context.Context, err error) bool {
	return ctx.Err() != nil || transport.IsClosed(err) || errors.Is(err, moq.ErrStreamClosed)
}

func (rv *Receiver) streamLoop(ctx context.Context, g *errgroup.Group) error {
	conn := rv.src.Conn()
	for {
		st, err := conn.AcceptUniStream(ctx)
		if err != nil {
			if ended(ctx, err) {
				return nil
			}
			return fmt.Errorf("accept stream: %w", err)
		}
		rv.stats.streamsReceived.Add(1)
		g.Go(func() error { return rv.readStream(ctx, st) })
	}
}

// readStream reads a subgroup header and then objects until an ending
// status or the end of the stream.
func (rv *Receiver) readStream(ctx context.Context, st transport.ReceiveStream) error {
	stop := context.AfterFunc(ctx, func() { st.CancelRead(streamCanceled) })
	defer stop()

	r := moq.NewReader(st)
	hdr, err := moq.ReadSubgroupHeader(r)
	if err != nil {
		if ended(ctx, err) {
			return nil
		}
		return fmt.Errorf("read subgroup header: %w", err)
	}
	cfg, ok := rv.src.Tracks().ByAlias(hdr.TrackAlias)
	if !ok {
		rv.stats.unknownAlias.Add(1)
		rv.log.Warn("stream for unknown track alias", "alias", hdr.TrackAlias, "group", hdr.GroupID)
		st.CancelRead(streamCanceled)
		return nil
	}

	for {
		obj, err := moq.ReadSubgroupObject(r, hdr.Extensions)
		if err != nil {
			if ended(ctx, err) {
				return nil
			}
			return fmt.Errorf("read object on %s: %w", cfg.Key, err)
		}
		if len(obj.Payload) == 0 {
			if obj.Status.Ends() {
				return nil
			}
			continue
		}
		if err := rv.deliver(ctx, cfg, hdr.GroupID, obj); err != nil {
			return nil
		}
	}
}

func (rv *Receiver) datagramLoop(ctx context.Context) error {
	conn := rv.src.Conn()
	for {
		b, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			if ended(ctx, err) {
				return nil
			}
			return fmt.Errorf("receive datagram: %w", err)
		}
		rv.stats.datagramsReceived.Add(1)
		d, err := moq.ParseDatagram(b)
		if err != nil {
			return fmt.Errorf("parse datagram: %w", err)
		}
		if d.IsStatus() {
			continue
		}
		cfg, ok := rv.src.Tracks().ByAlias(d.TrackAlias)
		if !ok {
			rv.stats.unknownAlias.Add(1)
			rv.log.Debug("datagram for unknown track alias", "alias", d.TrackAlias)
			continue
		}
		if err := rv.deliver(ctx, cfg, d.GroupID, d.Object); err != nil {
			return nil
		}
	}
}

func (rv *Receiver) packagerFor(key string) packager.Packager {
	if p, ok := rv.cfg.Packagers[key]; ok {
		return p
	}
	if slices.Contains(rv.cfg.DataTracks, key) {
		return packager.Raw{}
	}
	return packager.LocPackager{}
}

// deliver unpacks one object and hands the chunk to the consumer. Objects
// that do not unpack are counted and skipped. It returns an error only when
// ctx ends while waiting on the consumer.
func (rv *Receiver) deliver(ctx context.Context, cfg session.TrackConfig, group uint64, obj moq.Object) error {
	rv.stats.objectsReceived.Add(1)
	rv.stats.bytesReceived.Add(int64(len(obj.Payload)))

	c, err := rv.packagerFor(cfg.Key).Unpack(obj.Extensions, obj.Payload)
	if err != nil {
		rv.stats.decodeErrors.Add(1)
		rv.log.Warn("object not unpacked", "track", cfg.Key, "group", group, "object", obj.ID, "error", err)
		return nil
	}
	c.TrackKey, c.Group, c.Object = cfg.Key, group, obj.ID

	if tb, ok := rv.cfg.Timebases[cfg.Key]; ok && tb != 0 && c.Timebase != 0 && tb != c.Timebase {
		c.Timestamp = packager.Rescale(c.Timestamp, c.Timebase, tb)
		c.Duration = packager.Rescale(c.Duration, c.Timebase, tb)
		c.Timebase = tb
	}

	if gate, ok := rv.gates[cfg.Key]; ok {
		pass, discarded := gate.Admit(c.IsKey(), group)
		if !pass {
			rv.stats.discardedDeltas.Add(1)
			return nil
		}
		if discarded > 0 {
			rv.log.Info("keyframe received, resuming", "track", cfg.Key, "group", group, "discarded", discarded)
		}
		c.Discarded = discarded
	}
	rv.probe(c)

	select {
	case rv.out <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// probe logs the codec configuration the first time a track carries one.
func (rv *Receiver) probe(c *media.Chunk) {
	if len(c.Metadata) == 0 {
		return
	}
	rv.mu.Lock()
	seen := rv.probed[c.TrackKey]
	rv.probed[c.TrackKey] = true
	rv.mu.Unlock()
	if seen {
		return
	}
	switch c.Kind {
	case media.KindVideo:
		info, err := media.DescribeAVCDecoderConfig(c.Metadata)
		if err != nil {
			rv.log.Warn("unreadable video configuration", "track", c.TrackKey, "error", err)
			return
		}
		rv.log.Info("video configuration", "track", c.TrackKey, "codec", info.Codec, "sps", info.SPS, "pps", info.PPS)
	case media.KindAudio:
		info, err := media.DescribeAACConfig(c.Metadata)
		if err != nil {
			rv.log.Warn("unreadable audio configuration", "track", c.TrackKey, "error", err)
			return
		}
		rv.log.Info("audio configuration", "track", c.TrackKey, "object_type", info.ObjectType,
			"sample_rate", info.SampleRate, "channels", info.Channels)
	}
}

// Abort stops Run.
func (rv *Receiver) Abort() {
	rv.mu.Lock()
	rv.aborted = true
	cancel := rv.cancel
	rv.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until Run has returned. It returns at once if Run was never
// started.
func (rv *Receiver) Wait(ctx context.Context) error {
	rv.mu.Lock()
	started := rv.started
	rv.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-rv.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
