// Package session drives the MoQ Transport control plane for one client
// connection: the setup handshake, ANNOUNCE or PUBLISH negotiation for a
// publisher, SUBSCRIBE with retry for a subscriber, and the control-stream
// loop that answers the peer. Data delivery lives in package delivery and
// joins the session's teardown through Attach.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/moqlink/internal/moq"
	"github.com/zsiec/moqlink/internal/transport"
)

// errGoAway ends the control loop after a GOAWAY.
var errGoAway = errors.New("session: goaway received")

// DataPlane is a delivery component whose work must be drained before the
// session releases its transport.
type DataPlane interface {
	// Abort stops accepting new work and cancels pending writes.
	Abort()
	// Wait blocks until in-flight work has completed.
	Wait(ctx context.Context) error
}

// Session is one MoQ Transport session in the publisher or subscriber role.
// Lifecycle: New (Created) → Init (Instantiated) → Start (Running) → Stop
// (Stopped). Stopped is terminal.
type Session struct {
	id     string
	cfg    Config
	log    *slog.Logger
	tracks *Tracks

	mu        sync.Mutex
	state     State
	conn      transport.Session
	control   transport.Stream
	reader    *moq.Reader
	version   moq.Version
	planes    []DataPlane
	announced [][]string
	goAway    string

	controlMu sync.Mutex // serializes control stream writes

	reqMu       sync.Mutex
	nextReqID   uint64
	peerMaxReq  uint64
	localMaxReq uint64
	blocked     bool
	blockedAt   uint64
	pending     map[uint64]chan moq.Message

	ctx    context.Context
	cancel context.CancelCauseFunc

	ready     chan struct{}
	readyOnce sync.Once

	releaseOnce sync.Once
	done        chan struct{}
	doneOnce    sync.Once
	errMu       sync.Mutex
	err         error
}

// New creates a session in the Created state.
func New(cfg Config) (*Session, error) {
	cfg.setDefaults()
	if cfg.Role != RolePublisher && cfg.Role != RoleSubscriber {
		return nil, fmt.Errorf("session: role must be publisher or subscriber")
	}
	tracks, err := NewTracks(cfg.Tracks)
	if err != nil {
		return nil, err
	}
	return &Session{
		id:      cfg.ID,
		cfg:     cfg,
		log:     cfg.Log.With("session", cfg.ID, "role", cfg.Role.String()),
		tracks:  tracks,
		pending: make(map[uint64]chan moq.Message),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Role returns the session's role.
func (s *Session) Role() Role { return s.cfg.Role }

// Tracks returns the session's track table.
func (s *Session) Tracks() *Tracks { return s.tracks }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Version returns the negotiated protocol version, or 0 before setup.
func (s *Session) Version() moq.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Conn returns the transport session, or nil before Init.
func (s *Session) Conn() transport.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Context is canceled when the session ends. It is nil before Start.
func (s *Session) Context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the session, or nil for a clean end.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// GoAwayURI returns the URI from a received GOAWAY, if any.
func (s *Session) GoAwayURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goAway
}

// Init opens the control stream on conn.
func (s *Session) Init(ctx context.Context, conn transport.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return fmt.Errorf("%w: init in state %s", ErrInvalidState, s.state)
	}
	ctrl, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open control stream: %w", err)
	}
	s.conn, s.control, s.reader = conn, ctrl, moq.NewReader(ctrl)
	return transition(&s.state, StateCreated, StateInstantiated)
}

// Start performs the setup exchange and starts the control loop. A
// publisher then announces its namespaces (or publishes its tracks) and
// returns once the peer has accepted them. A subscriber returns after
// starting one subscribe loop per track; WaitReady reports when every track
// is bound.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if err := transition(&s.state, StateInstantiated, StateRunning); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.setup(ctx); err != nil {
		s.finish(err)
		return err
	}

	sctx, cancel := context.WithCancelCause(s.conn.Context())
	g, gctx := errgroup.WithContext(sctx)
	s.mu.Lock()
	s.ctx, s.cancel = gctx, cancel
	s.mu.Unlock()

	s.spawn(g, func() error { return s.controlLoop(gctx) })
	if s.cfg.Role == RoleSubscriber {
		for _, key := range s.tracks.Keys() {
			s.spawn(g, func() error { return s.subscribeLoop(gctx, key) })
		}
		if len(s.tracks.Keys()) == 0 {
			s.markReady()
		}
	}
	go func() { s.finish(g.Wait()) }()

	if s.cfg.Role == RolePublisher {
		if err := s.announce(ctx); err != nil {
			s.fail(err)
			return err
		}
		s.markReady()
	}
	return nil
}

// spawn runs fn in g. A failure closes the transport so goroutines blocked
// on it return too.
func (s *Session) spawn(g *errgroup.Group, fn func() error) {
	g.Go(func() error {
		if err := fn(); err != nil {
			s.fail(err)
			return err
		}
		return nil
	})
}

// WaitReady blocks until a publisher's namespaces are accepted or every
// subscribed track is bound.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		if err := s.Err(); err != nil {
			return err
		}
		return transport.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach registers a data plane to be drained by Stop.
func (s *Session) Attach(dp DataPlane) {
	s.mu.Lock()
	stopped := s.state == StateStopped
	if !stopped {
		s.planes = append(s.planes, dp)
	}
	s.mu.Unlock()
	if stopped {
		dp.Abort()
	}
}

// Stop tears the session down: it stops new work, aborts and drains the
// attached data planes, sends UNANNOUNCE or UNSUBSCRIBE, then closes the
// control stream and the transport.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	s.state = StateStopped
	planes := slices.Clone(s.planes)
	s.mu.Unlock()

	switch prev {
	case StateCreated:
		s.closeDone()
		return nil
	case StateInstantiated:
		s.release(moq.CloseNoError, "stopped")
		s.closeDone()
		return nil
	}

	var errs []error
	for _, dp := range planes {
		dp.Abort()
	}
	for _, dp := range planes {
		if err := dp.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if prev == StateRunning {
		s.sendTeardown()
		s.release(moq.CloseNoError, "stopped")
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// sendTeardown sends UNANNOUNCE for each announced namespace or
// UNSUBSCRIBE for each bound track.
func (s *Session) sendTeardown() {
	var msgs []moq.Message
	switch s.cfg.Role {
	case RolePublisher:
		s.mu.Lock()
		for _, ns := range s.announced {
			msgs = append(msgs, &moq.Unannounce{Namespace: ns})
		}
		s.mu.Unlock()
	case RoleSubscriber:
		bound := s.tracks.bound()
		for _, key := range s.tracks.Keys() {
			if reqID, ok := bound[key]; ok {
				msgs = append(msgs, &moq.Unsubscribe{RequestID: reqID})
			}
		}
	}
	for _, m := range msgs {
		if err := s.write(m); err != nil {
			s.log.Debug("teardown message not sent", "type", fmt.Sprintf("0x%x", m.Type()), "error", err)
			return
		}
	}
}

// release closes the control stream and the transport once.
func (s *Session) release(code uint32, reason string) {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		ctrl, conn, cancel := s.control, s.conn, s.cancel
		s.mu.Unlock()

		if ctrl != nil {
			if err := ctrl.Close(); err != nil {
				s.log.Debug("close control stream", "error", err)
			}
		}
		if conn != nil {
			if err := conn.CloseWithError(code, reason); err != nil {
				s.log.Debug("close transport", "error", err)
			}
		}
		if cancel != nil {
			cancel(transport.ErrSessionClosed)
		}
	})
}

// fail records err as the session's cause and closes the transport with the
// matching termination code.
func (s *Session) fail(err error) {
	s.setErr(err)
	s.release(closeCode(err), err.Error())
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// finish runs once all session goroutines have returned.
func (s *Session) finish(err error) {
	if err != nil {
		s.log.Error("session failed", "error", err)
		s.fail(err)
	} else {
		s.release(moq.CloseNoError, "")
	}

	s.mu.Lock()
	s.state = StateStopped
	planes := slices.Clone(s.planes)
	s.mu.Unlock()
	for _, dp := range planes {
		dp.Abort()
	}
	s.closeDone()
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func closeCode(err error) uint32 {
	var pe *moq.ParseError
	switch {
	case errors.Is(err, ErrDuplicateAlias):
		return moq.CloseDuplicateTrackAlias
	case errors.Is(err, moq.ErrVersionMismatch):
		return moq.CloseVersionNegotiation
	case errors.Is(err, moq.ErrProtocolViolation), errors.Is(err, ErrRoleMismatch), errors.As(err, &pe):
		return moq.CloseProtocolViolation
	}
	return moq.CloseInternalError
}

// write sends one control message.
func (s *Session) write(msg moq.Message) error {
	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	return moq.WriteMessage(s.control, msg)
}

// setup sends CLIENT_SETUP and validates the SERVER_SETUP reply.
func (s *Session) setup(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.control.CancelRead(uint32(moq.CloseInternalError)) })
	defer stop()

	var params moq.Parameters
	params.SetUint(moq.ParamRole, s.cfg.Role.wire())
	params.SetUint(moq.ParamMaxRequestID, s.cfg.MaxRequestID)
	if s.cfg.Path != "" {
		params.SetBytes(moq.ParamPath, []byte(s.cfg.Path))
	}
	if err := s.write(&moq.ClientSetup{Versions: s.cfg.Versions, Params: params}); err != nil {
		return fmt.Errorf("write CLIENT_SETUP: %w", err)
	}

	msg, err := moq.ReadMessage(s.reader, 0)
	if err != nil {
		return fmt.Errorf("read SERVER_SETUP: %w", err)
	}
	ss, ok := msg.(*moq.ServerSetup)
	if !ok {
		return fmt.Errorf("%w: expected SERVER_SETUP, got 0x%x", moq.ErrProtocolViolation, msg.Type())
	}
	v, err := moq.SelectVersion([]moq.Version{ss.SelectedVersion}, s.cfg.Versions)
	if err != nil {
		return err
	}
	if role, ok := ss.Params.Uint(moq.ParamRole); ok && !s.cfg.Role.servedBy(role) {
		return fmt.Errorf("%w: peer role %d", ErrRoleMismatch, role)
	}
	peerMax, _ := ss.Params.Uint(moq.ParamMaxRequestID)

	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
	s.reqMu.Lock()
	s.peerMaxReq = peerMax
	s.localMaxReq = s.cfg.MaxRequestID
	s.reqMu.Unlock()

	s.log = s.log.With("version", v.String())
	s.log.Info("session established", "peer_max_request_id", peerMax)
	return nil
}

// servedBy reports whether a peer advertising role can serve r.
func (r Role) servedBy(role uint64) bool {
	if r == RolePublisher {
		return role&moq.RoleSubscriber != 0
	}
	return role&moq.RolePublisher != 0
}

// request allocates a request id, sends the message built for it and waits
// for the peer's response.
func (s *Session) request(ctx context.Context, build func(id uint64) moq.Message) (moq.Message, uint64, error) {
	id, ch, err := s.allocRequest()
	if err != nil {
		return nil, 0, err
	}
	if err := s.write(build(id)); err != nil {
		s.dropRequest(id)
		return nil, id, err
	}
	select {
	case resp := <-ch:
		return resp, id, nil
	case <-ctx.Done():
		s.dropRequest(id)
		return nil, id, ctx.Err()
	case <-s.ctx.Done():
		s.dropRequest(id)
		return nil, id, fmt.Errorf("%w: %w", transport.ErrSessionClosed, context.Cause(s.ctx))
	}
}

// allocRequest reserves the next even request id within the peer's budget.
// When the budget is exhausted REQUESTS_BLOCKED is sent once per limit.
func (s *Session) allocRequest() (uint64, chan moq.Message, error) {
	s.reqMu.Lock()
	if s.nextReqID >= s.peerMaxReq {
		limit := s.peerMaxReq
		notify := !s.blocked || s.blockedAt != limit
		s.blocked, s.blockedAt = true, limit
		s.reqMu.Unlock()
		if notify {
			if err := s.write(&moq.RequestsBlocked{MaximumRequestID: limit}); err != nil {
				s.log.Debug("REQUESTS_BLOCKED not sent", "error", err)
			}
		}
		return 0, nil, fmt.Errorf("%w: max %d", ErrTooManyRequests, limit)
	}
	id := s.nextReqID
	s.nextReqID += 2
	ch := make(chan moq.Message, 1)
	s.pending[id] = ch
	s.reqMu.Unlock()
	return id, ch, nil
}

func (s *Session) dropRequest(id uint64) {
	s.reqMu.Lock()
	delete(s.pending, id)
	s.reqMu.Unlock()
}

// resolve hands a response to the request waiting on id.
func (s *Session) resolve(id uint64, msg moq.Message) {
	s.reqMu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.reqMu.Unlock()
	if !ok {
		s.log.Warn("response for unknown request", "request_id", id, "type", fmt.Sprintf("0x%x", msg.Type()))
		return
	}
	ch <- msg
}

// controlLoop reads and dispatches control messages until the stream
// closes, a GOAWAY arrives, or a protocol violation occurs.
func (s *Session) controlLoop(ctx context.Context) error {
	v := s.Version()
	for {
		msg, err := moq.ReadMessage(s.reader, v)
		if err != nil {
			if ctx.Err() != nil || transport.IsClosed(err) || errors.Is(err, moq.ErrStreamClosed) {
				s.log.Debug("control stream ended", "error", err)
				s.cancel(transport.ErrSessionClosed)
				return nil
			}
			return fmt.Errorf("read control message: %w", err)
		}

		if err := s.handle(msg); err != nil {
			if errors.Is(err, errGoAway) {
				s.cancel(errGoAway)
				return nil
			}
			return err
		}
	}
}

// handle dispatches one control message.
func (s *Session) handle(msg moq.Message) error {
	pub := s.cfg.Role == RolePublisher
	switch m := msg.(type) {
	case *moq.SubscribeOK:
		s.resolve(m.RequestID, m)
	case *moq.SubscribeError:
		s.resolve(m.RequestID, m)
	case *moq.AnnounceOK:
		s.resolve(m.RequestID, m)
	case *moq.AnnounceError:
		s.resolve(m.RequestID, m)
	case *moq.PublishOK:
		s.resolve(m.RequestID, m)
	case *moq.PublishError:
		s.resolve(m.RequestID, m)

	case *moq.GoAway:
		s.mu.Lock()
		s.goAway = m.NewSessionURI
		s.mu.Unlock()
		s.log.Info("GOAWAY received", "new_session_uri", m.NewSessionURI)
		return errGoAway
	case *moq.MaxRequestID:
		return s.handleMaxRequestID(m)
	case *moq.RequestsBlocked:
		return s.handleRequestsBlocked(m)
	case *moq.UnknownMessage:
		s.log.Debug("ignoring unknown control message", "type", fmt.Sprintf("0x%x", m.MsgType), "bytes", len(m.Payload))

	case *moq.Subscribe:
		if pub {
			return s.handleSubscribe(m)
		}
		return unexpected(msg)
	case *moq.SubscribeUpdate:
		if pub {
			return s.handleSubscribeUpdate(m)
		}
		return unexpected(msg)
	case *moq.Unsubscribe:
		if pub {
			return s.handleUnsubscribe(m)
		}
		return unexpected(msg)
	case *moq.AnnounceCancel:
		if pub {
			s.handleAnnounceCancel(m)
			return nil
		}
		return unexpected(msg)

	case *moq.Publish:
		if !pub {
			return s.handleInboundPublish(m)
		}
		return unexpected(msg)
	case *moq.SubscribeDone:
		if !pub {
			s.handleDone(m.RequestID, m.StatusCode, m.ReasonPhrase)
			return nil
		}
		return unexpected(msg)
	case *moq.PublishDone:
		if !pub {
			s.handleDone(m.RequestID, m.StatusCode, m.ReasonPhrase)
			return nil
		}
		return unexpected(msg)

	default:
		return unexpected(msg)
	}
	return nil
}

func unexpected(msg moq.Message) error {
	return fmt.Errorf("%w: unexpected control message 0x%x (%T)", moq.ErrProtocolViolation, msg.Type(), msg)
}

// handleMaxRequestID raises the peer's request budget. A decrease is a
// protocol violation.
func (s *Session) handleMaxRequestID(m *moq.MaxRequestID) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	if m.RequestID < s.peerMaxReq {
		return fmt.Errorf("%w: MAX_REQUEST_ID decreased from %d to %d", moq.ErrProtocolViolation, s.peerMaxReq, m.RequestID)
	}
	s.peerMaxReq = m.RequestID
	s.log.Debug("request budget raised", "max_request_id", m.RequestID)
	return nil
}

// handleRequestsBlocked grants the peer another batch of request ids.
func (s *Session) handleRequestsBlocked(m *moq.RequestsBlocked) error {
	s.reqMu.Lock()
	if m.MaximumRequestID < s.localMaxReq {
		s.reqMu.Unlock()
		return nil
	}
	s.localMaxReq += s.cfg.MaxRequestID
	limit := s.localMaxReq
	s.reqMu.Unlock()

	s.log.Debug("peer blocked on request ids, raising limit", "max_request_id", limit)
	return s.write(&moq.MaxRequestID{RequestID: limit})
}

// authParams returns request parameters carrying secret as a bearer token.
func authParams(secret string) (moq.Parameters, error) {
	var p moq.Parameters
	if secret == "" {
		return p, nil
	}
	if err := p.SetAuthToken(moq.BearerToken(secret)); err != nil {
		return nil, err
	}
	return p, nil
}
