// Package delivery moves media chunks over a MoQ session's data plane. The
// Sender packages chunks into objects and fans them out to every subscriber
// of a track on subgroup streams or datagrams. The Receiver reads objects
// from streams and datagrams concurrently and rebuilds chunks.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/zsiec/moqlink/internal/media"
	"github.com/zsiec/moqlink/internal/moq"
	"github.com/zsiec/moqlink/internal/packager"
	"github.com/zsiec/moqlink/internal/session"
	"github.com/zsiec/moqlink/internal/transport"
)

// streamCanceled is the stream error code used when aborting writes.
const streamCanceled uint32 = 0x0

// Publisher is the control-plane side a Sender delivers for.
type Publisher interface {
	Conn() transport.Session
	Tracks() *session.Tracks
	Finish(key string, requestID, status uint64, reason string) error
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Packagers overrides the packager per track key. Tracks without one use
	// LOC, or Raw for data tracks.
	Packagers map[string]packager.Packager

	IsSendingStats bool
	StatsInterval  time.Duration
	Log            *slog.Logger
}

// Report describes what happened to one chunk passed to Send.
type Report struct {
	Dropped bool
	Reason  string

	Location moq.Location
	Sent     int // subscribers the object was sent to
	Skipped  int // subscribers not forwarding, out of range, or not yet at a key chunk
}

// Sender is the send path for a publisher session. Send may be called from
// multiple goroutines.
type Sender struct {
	pub Publisher
	cfg SenderConfig
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	aborted bool
	tracks  map[string]*sendTrack

	stats Stats
}

type sendTrack struct {
	cfg session.TrackConfig
	pkg packager.Packager

	started bool
	group   uint64
	object  uint64

	// set when a key chunk is dropped after the track started; deltas are
	// dropped until the next key opens a group
	waitKey bool

	// subscribers, by request id, that have been sent a key chunk
	primed map[uint64]bool

	nextReq  uint64
	inflight map[uint64]transport.SendStream // nil until the stream is open
}

// NewSender returns a Sender for pub. When stats are enabled they are logged
// until Abort.
func NewSender(pub Publisher, cfg SenderConfig) *Sender {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		pub:    pub,
		cfg:    cfg,
		log:    cfg.Log.With("component", "sender"),
		ctx:    ctx,
		cancel: cancel,
		tracks: make(map[string]*sendTrack),
	}
	if cfg.IsSendingStats {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			logStats(ctx, s.log, cfg.StatsInterval, &s.stats)
		}()
	}
	return s
}

// Stats returns the sender's counters.
func (s *Sender) Stats() *Stats { return &s.stats }

// track returns the send state for key, creating it on first use. The
// default packager is chosen from the kind of the track's first chunk.
func (s *Sender) track(key string, kind media.Kind) (*sendTrack, error) {
	if tr, ok := s.tracks[key]; ok {
		return tr, nil
	}
	cfg, ok := s.pub.Tracks().Config(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrUnknownTrack, key)
	}
	pkg, ok := s.cfg.Packagers[key]
	if !ok {
		var err error
		if pkg, err = packager.New(packager.FormatLOC, kind, packager.Options{}); err != nil {
			return nil, err
		}
	}
	tr := &sendTrack{
		cfg:      cfg,
		pkg:      pkg,
		primed:   make(map[uint64]bool),
		inflight: make(map[uint64]transport.SendStream),
	}
	s.tracks[key] = tr
	return tr, nil
}

// prune forgets primed subscriptions that are no longer in subs.
func (tr *sendTrack) prune(subs []session.Subscriber) {
	for id := range tr.primed {
		if !slices.ContainsFunc(subs, func(sub session.Subscriber) bool { return sub.RequestID == id }) {
			delete(tr.primed, id)
		}
	}
}

// dropChunk is drop for a chunk the track state has already seen. A lost
// key chunk holds back the deltas that depend on it. Called with s.mu held;
// releases it.
func (s *Sender) dropChunk(tr *sendTrack, key string, c *media.Chunk, reason string) Report {
	if c.IsKey() && tr.started {
		tr.waitKey = true
	}
	s.mu.Unlock()
	return s.drop(key, reason)
}

func (s *Sender) drop(key string, reason string) Report {
	s.stats.dropped(reason)
	s.log.Debug("chunk dropped", "track", key, "reason", reason)
	return Report{Dropped: true, Reason: reason}
}

// Send packages c as the next object of track key and transmits it to every
// subscriber. A chunk nobody can take is dropped and reported, not failed.
// Errors are returned only for an unknown track or a chunk that cannot be
// packaged.
func (s *Sender) Send(key string, c *media.Chunk) (Report, error) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return s.drop(key, ReasonStopped), nil
	}
	tr, err := s.track(key, c.Kind)
	if err != nil {
		s.mu.Unlock()
		return Report{}, err
	}
	tracks := s.pub.Tracks()
	subs := tracks.Subscribers(key)
	tr.prune(subs)
	if len(subs) == 0 {
		return s.dropChunk(tr, key, c, ReasonNoSubscribers), nil
	}
	if (!tr.started || tr.waitKey) && !c.IsKey() {
		return s.dropChunk(tr, key, c, ReasonWaitingKeyframe), nil
	}
	stream := tr.cfg.Mapping == session.MappingObjStream
	if stream && tr.cfg.MaxInFlightRequests > 0 && len(tr.inflight) >= tr.cfg.MaxInFlightRequests {
		return s.dropChunk(tr, key, c, ReasonInFlightLimit), nil
	}

	ext, payload, err := tr.pkg.Pack(c)
	if err != nil {
		if c.IsKey() && tr.started {
			tr.waitKey = true
		}
		s.mu.Unlock()
		return Report{}, fmt.Errorf("package %s chunk: %w", key, err)
	}

	if c.IsKey() {
		if tr.started {
			tr.group++
		}
		tr.started, tr.waitKey, tr.object = true, false, 0
	} else {
		tr.object++
	}
	loc := moq.Location{Group: tr.group, Object: tr.object}
	obj := moq.Object{ID: loc.Object, Extensions: ext, Payload: payload}
	order := SendOrder(c.SeqID, tr.cfg.HighPriority)
	tracks.SetLastSent(key, loc)

	rep := Report{Location: loc}
	var ended []uint64
	for _, sub := range subs {
		if sub.Ended(loc.Group) {
			ended = append(ended, sub.RequestID)
			continue
		}
		if !sub.Forward || !sub.Wants(loc) {
			rep.Skipped++
			continue
		}
		if !tr.primed[sub.RequestID] {
			if !c.IsKey() {
				rep.Skipped++
				continue
			}
			tr.primed[sub.RequestID] = true
		}
		if err := s.transmit(tr, sub, loc, obj, order, stream); err != nil {
			s.stats.writeFailures.Add(1)
			s.log.Warn("object not sent", "track", key, "request_id", sub.RequestID, "group", loc.Group, "object", loc.Object, "error", err)
			continue
		}
		rep.Sent++
	}
	for _, id := range ended {
		delete(tr.primed, id)
	}
	s.mu.Unlock()

	for _, id := range ended {
		if err := s.pub.Finish(key, id, moq.DoneSubscriptionEnded, "end group reached"); err != nil {
			s.log.Warn("finish subscription", "track", key, "request_id", id, "error", err)
		}
	}
	s.stats.skipped.Add(int64(rep.Skipped))
	if rep.Sent > 0 {
		s.stats.chunksSent.Add(1)
	}
	return rep, nil
}

// transmit sends one object to one subscriber. Datagrams are written
// inline; stream writes run in the background and are tracked in flight.
// Called with s.mu held.
func (s *Sender) transmit(tr *sendTrack, sub session.Subscriber, loc moq.Location, obj moq.Object, order int64, stream bool) error {
	conn := s.pub.Conn()
	if !stream {
		d := moq.Datagram{
			TrackAlias: sub.TrackAlias,
			GroupID:    loc.Group,
			Priority:   tr.cfg.PublisherPriority,
			Object:     obj,
		}
		b, err := d.Append(nil)
		if err != nil {
			return err
		}
		if err := conn.SendDatagram(b); err != nil {
			return err
		}
		s.stats.objectsSent.Add(1)
		s.stats.bytesSent.Add(int64(len(b)))
		return nil
	}

	hdr := moq.SubgroupHeader{
		TrackAlias: sub.TrackAlias,
		GroupID:    loc.Group,
		Mode:       moq.SubgroupIDZero,
		Priority:   tr.cfg.PublisherPriority,
		Extensions: tr.pkg.Extensions(),
	}
	b, err := hdr.Append(nil)
	if err != nil {
		return err
	}
	if b, err = moq.AppendSubgroupObject(b, obj, hdr.Extensions); err != nil {
		return err
	}

	id := tr.nextReq
	tr.nextReq++
	tr.inflight[id] = nil
	s.stats.inFlight.Add(1)
	s.wg.Add(1)
	go s.writeStream(conn, tr, id, sub.RequestID, order, b)
	return nil
}

// writeStream opens a subgroup stream, writes one object and closes it.
func (s *Sender) writeStream(conn transport.Session, tr *sendTrack, id, subReq uint64, order int64, b []byte) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(tr.inflight, id)
		s.mu.Unlock()
		s.stats.inFlight.Add(-1)
	}()
	log := s.log.With("track", tr.cfg.Key, "request_id", subReq)

	st, err := conn.OpenUniStreamSync(s.ctx)
	if err != nil {
		if !transport.IsClosed(err) {
			s.stats.writeFailures.Add(1)
			log.Warn("open subgroup stream", "error", err)
		}
		return
	}
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		st.CancelWrite(streamCanceled)
		return
	}
	tr.inflight[id] = st
	s.mu.Unlock()

	if so, ok := st.(transport.SendOrderer); ok {
		so.SetSendOrder(order)
	}
	s.pub.Tracks().NoteStream(tr.cfg.Key, subReq)

	if _, err := st.Write(b); err != nil {
		st.CancelWrite(streamCanceled)
		if !transport.IsClosed(err) {
			s.stats.writeFailures.Add(1)
			log.Warn("write subgroup stream", "error", err)
		}
		return
	}
	if err := st.Close(); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug("close subgroup stream", "error", err)
	}
	s.stats.objectsSent.Add(1)
	s.stats.bytesSent.Add(int64(len(b)))
}

// InFlight returns the number of stream writes pending for track key.
func (s *Sender) InFlight(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.tracks[key]; ok {
		return len(tr.inflight)
	}
	return 0
}

// Abort stops accepting chunks and cancels pending stream writes.
func (s *Sender) Abort() {
	s.mu.Lock()
	s.aborted = true
	for _, tr := range s.tracks {
		for _, st := range tr.inflight {
			if st != nil {
				st.CancelWrite(streamCanceled)
			}
		}
	}
	s.mu.Unlock()
	s.cancel()
}

// Wait blocks until every pending stream write has finished.
func (s *Sender) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
