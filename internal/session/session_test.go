package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/moqlink/internal/moq"
	"github.com/zsiec/moqlink/internal/transport"
)

func publisherConfig() Config {
	return Config{
		ID:   "pub-1",
		Role: RolePublisher,
		Path: "/moq",
		Tracks: []TrackConfig{
			{Key: "video", Namespace: []string{"live"}, Name: "cam1", AuthInfo: "secret"},
			{Key: "audio", Namespace: []string{"live"}, Name: "mic1"},
		},
	}
}

func subscriberConfig() Config {
	return Config{
		ID:             "sub-1",
		Role:           RoleSubscriber,
		SubscribeRetry: 10 * time.Millisecond,
		Tracks: []TrackConfig{
			{Key: "video", Namespace: []string{"live"}, Name: "cam1", Filter: moq.FilterLargestObject},
		},
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Role: 0})
	require.Error(t, err)

	_, err = New(Config{Role: RolePublisher, Tracks: []TrackConfig{{Key: "video"}, {Key: "video"}}})
	require.Error(t, err)
}

func TestLifecycleOrder(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Role: RoleSubscriber, Log: testLogger()})
	require.NoError(t, err)
	require.Equal(t, StateCreated, s.State())

	err = s.Start(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, StateStopped, s.State())

	client, _ := transport.NewPipe()
	err = s.Init(context.Background(), client)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestPublisherSetupAndAnnounce(t *testing.T) {
	t.Parallel()
	s, rl := startSession(t, publisherConfig(), acceptAnnounce)

	cs := <-rl.setup
	require.Equal(t, moq.SupportedVersions, cs.Versions)
	role, ok := cs.Params.Uint(moq.ParamRole)
	require.True(t, ok)
	require.Equal(t, moq.RolePublisher, role)
	path, ok := cs.Params.Bytes(moq.ParamPath)
	require.True(t, ok)
	require.Equal(t, "/moq", string(path))

	// Both tracks share one namespace, so one ANNOUNCE carrying the
	// first track's token.
	ann := next[*moq.Announce](t, rl)
	require.Equal(t, []string{"live"}, ann.Namespace)
	require.EqualValues(t, 0, ann.RequestID)
	tok, ok, err := ann.Params.AuthToken()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "secret", string(tok.Value))

	require.Equal(t, StateRunning, s.State())
	require.Equal(t, moq.Draft15, s.Version())
	require.NoError(t, s.WaitReady(context.Background()))

	require.NoError(t, s.Stop(context.Background()))
	un := next[*moq.Unannounce](t, rl)
	require.Equal(t, []string{"live"}, un.Namespace)
	waitDone(t, s)
	require.NoError(t, s.Err())
}

func TestPublisherAnnounceRejected(t *testing.T) {
	t.Parallel()
	s, _ := initSession(t, publisherConfig(), func(msg moq.Message) []moq.Message {
		if m, ok := msg.(*moq.Announce); ok {
			return []moq.Message{&moq.AnnounceError{RequestID: m.RequestID, ErrorCode: moq.AnnounceErrUnauthorized, ReasonPhrase: "nope"}}
		}
		return nil
	})

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrAnnounceRejected)
	var rerr *RequestError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, moq.AnnounceErrUnauthorized, rerr.Code)
	require.Equal(t, "nope", rerr.Reason)

	waitDone(t, s)
	require.ErrorIs(t, s.Err(), ErrAnnounceRejected)
	require.Equal(t, StateStopped, s.State())
}

func TestSetupVersionMismatch(t *testing.T) {
	t.Parallel()
	s, rl := initSession(t, subscriberConfig(), nil)
	rl.version = 0xff000001

	err := s.Start(context.Background())
	require.ErrorIs(t, err, moq.ErrVersionMismatch)
	waitDone(t, s)
	require.Equal(t, StateStopped, s.State())
}

func TestSetupRoleMismatch(t *testing.T) {
	t.Parallel()
	s, rl := initSession(t, subscriberConfig(), nil)
	var params moq.Parameters
	params.SetUint(moq.ParamRole, moq.RoleSubscriber)
	rl.params = params

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrRoleMismatch)
}

func TestPublisherHandlesSubscribe(t *testing.T) {
	t.Parallel()
	s, rl := startSession(t, publisherConfig(), acceptAnnounce)
	next[*moq.Announce](t, rl)

	rl.send(&moq.Subscribe{RequestID: 1, Namespace: []string{"live"}, TrackName: "nope", FilterType: moq.FilterLargestObject})
	se := next[*moq.SubscribeError](t, rl)
	require.EqualValues(t, 1, se.RequestID)
	require.Equal(t, moq.SubscribeErrTrackDoesNotExist, se.ErrorCode)

	rl.send(&moq.Subscribe{RequestID: 3, Namespace: []string{"live"}, TrackName: "cam1", Forward: true, FilterType: moq.FilterLargestObject})
	se = next[*moq.SubscribeError](t, rl)
	require.Equal(t, moq.SubscribeErrUnauthorized, se.ErrorCode)

	auth, err := authParams("secret")
	require.NoError(t, err)
	s.Tracks().SetLastSent("video", moq.Location{Group: 3, Object: 7})
	rl.send(&moq.Subscribe{RequestID: 5, Namespace: []string{"live"}, TrackName: "cam1", Forward: true, FilterType: moq.FilterLargestObject, Params: auth})
	ok := next[*moq.SubscribeOK](t, rl)
	require.EqualValues(t, 5, ok.RequestID)
	require.EqualValues(t, 5, ok.TrackAlias)
	require.Equal(t, moq.GroupOrderDescending, ok.GroupOrder)
	require.True(t, ok.ContentExists)
	require.Equal(t, moq.Location{Group: 3, Object: 7}, ok.Largest)

	subs := s.Tracks().Subscribers("video")
	require.Len(t, subs, 1)
	require.Equal(t, moq.Location{Group: 3, Object: 8}, subs[0].Start)
	require.True(t, subs[0].Forward)

	rl.send(&moq.Subscribe{RequestID: 5, Namespace: []string{"live"}, TrackName: "mic1", FilterType: moq.FilterNextGroupStart})
	se = next[*moq.SubscribeError](t, rl)
	require.Equal(t, moq.SubscribeErrInternal, se.ErrorCode)

	rl.send(&moq.Unsubscribe{RequestID: 5})
	done := next[*moq.PublishDone](t, rl)
	require.EqualValues(t, 5, done.RequestID)
	require.Equal(t, moq.DoneSubscriptionEnded, done.StatusCode)
	require.Empty(t, s.Tracks().Subscribers("video"))

	// Unknown request ids are ignored.
	rl.send(&moq.Unsubscribe{RequestID: 99})
	rl.send(&moq.Subscribe{RequestID: 7, Namespace: []string{"live"}, TrackName: "mic1", FilterType: moq.FilterNextGroupStart})
	ok = next[*moq.SubscribeOK](t, rl)
	require.EqualValues(t, 7, ok.RequestID)
	require.False(t, ok.ContentExists)
}

func TestUnsubscribeDoneOnDraft14(t *testing.T) {
	t.Parallel()
	cfg := publisherConfig()
	cfg.Tracks[0].AuthInfo = ""
	s, rl := initSession(t, cfg, acceptAnnounce)
	rl.version = moq.Draft14
	require.NoError(t, s.Start(context.Background()))
	next[*moq.Announce](t, rl)

	rl.send(&moq.Subscribe{RequestID: 1, Namespace: []string{"live"}, TrackName: "cam1", FilterType: moq.FilterNextGroupStart})
	next[*moq.SubscribeOK](t, rl)
	rl.send(&moq.Unsubscribe{RequestID: 1})
	done := next[*moq.SubscribeDone](t, rl)
	require.EqualValues(t, 1, done.RequestID)
}

func TestSubscribeDuplicateRequestAcrossTracks(t *testing.T) {
	t.Parallel()
	cfg := publisherConfig()
	cfg.Tracks[0].AuthInfo = ""
	s, rl := startSession(t, cfg, acceptAnnounce)
	next[*moq.Announce](t, rl)

	rl.send(&moq.Subscribe{RequestID: 1, Namespace: []string{"live"}, TrackName: "cam1", FilterType: moq.FilterNextGroupStart})
	next[*moq.SubscribeOK](t, rl)

	_, _, _, rerr := s.Tracks().admit("audio", &moq.Subscribe{RequestID: 1, FilterType: moq.FilterNextGroupStart})
	require.NotNil(t, rerr)
	require.Equal(t, moq.SubscribeErrInternal, rerr.Code)
}

func TestSubscribeUpdateFinishesEndedSubscription(t *testing.T) {
	t.Parallel()
	cfg := publisherConfig()
	cfg.Tracks[0].AuthInfo = ""
	s, rl := startSession(t, cfg, acceptAnnounce)
	next[*moq.Announce](t, rl)

	rl.send(&moq.Subscribe{
		RequestID: 1, Namespace: []string{"live"}, TrackName: "cam1", Forward: true,
		FilterType: moq.FilterAbsoluteRange, Start: moq.Location{Group: 2}, EndGroup: 10,
	})
	next[*moq.SubscribeOK](t, rl)
	subs := s.Tracks().Subscribers("video")
	require.Len(t, subs, 1)
	require.EqualValues(t, 11, subs[0].End)
	require.True(t, subs[0].Wants(moq.Location{Group: 10, Object: 4}))
	require.False(t, subs[0].Wants(moq.Location{Group: 11}))

	s.Tracks().SetLastSent("video", moq.Location{Group: 5, Object: 1})
	rl.send(&moq.SubscribeUpdate{RequestID: 1, Start: moq.Location{Group: 2}, EndGroup: 4, Forward: true})
	done := next[*moq.PublishDone](t, rl)
	require.EqualValues(t, 1, done.RequestID)
	require.Equal(t, moq.DoneSubscriptionEnded, done.StatusCode)
	require.Empty(t, s.Tracks().Subscribers("video"))
}

func TestSubscribeInvalidRange(t *testing.T) {
	t.Parallel()
	cfg := publisherConfig()
	cfg.Tracks[0].AuthInfo = ""
	_, rl := startSession(t, cfg, acceptAnnounce)
	next[*moq.Announce](t, rl)

	rl.send(&moq.Subscribe{
		RequestID: 1, Namespace: []string{"live"}, TrackName: "cam1",
		FilterType: moq.FilterAbsoluteRange, Start: moq.Location{Group: 8}, EndGroup: 3,
	})
	se := next[*moq.SubscribeError](t, rl)
	require.Equal(t, moq.SubscribeErrInvalidRange, se.ErrorCode)
}

func TestPublisherPublishTracks(t *testing.T) {
	t.Parallel()
	cfg := publisherConfig()
	cfg.PublishTracks = true
	s, rl := startSession(t, cfg, func(msg moq.Message) []moq.Message {
		if m, ok := msg.(*moq.Publish); ok {
			return []moq.Message{&moq.PublishOK{RequestID: m.RequestID, Forward: m.TrackName == "cam1", FilterType: moq.FilterLargestObject}}
		}
		return nil
	})

	p := next[*moq.Publish](t, rl)
	require.Equal(t, "cam1", p.TrackName)
	require.EqualValues(t, 0, p.RequestID)
	require.EqualValues(t, 0, p.TrackAlias)
	p = next[*moq.Publish](t, rl)
	require.Equal(t, "mic1", p.TrackName)
	require.EqualValues(t, 2, p.TrackAlias)

	video := s.Tracks().Subscribers("video")
	require.Len(t, video, 1)
	require.True(t, video[0].Forward)
	audio := s.Tracks().Subscribers("audio")
	require.Len(t, audio, 1)
	require.False(t, audio[0].Forward)
	require.EqualValues(t, 2, audio[0].TrackAlias)
}

func TestSubscriberBindsAlias(t *testing.T) {
	t.Parallel()
	s, rl := startSession(t, subscriberConfig(), func(msg moq.Message) []moq.Message {
		if m, ok := msg.(*moq.Subscribe); ok {
			return []moq.Message{&moq.SubscribeOK{
				RequestID: m.RequestID, TrackAlias: 5, GroupOrder: moq.GroupOrderAscending,
				ContentExists: true, Largest: moq.Location{Group: 3, Object: 7},
			}}
		}
		return nil
	})

	cs := <-rl.setup
	role, _ := cs.Params.Uint(moq.ParamRole)
	require.Equal(t, moq.RoleSubscriber, role)

	sub := next[*moq.Subscribe](t, rl)
	require.EqualValues(t, 0, sub.RequestID)
	require.Equal(t, []string{"live"}, sub.Namespace)
	require.Equal(t, "cam1", sub.TrackName)
	require.Equal(t, moq.FilterLargestObject, sub.FilterType)
	require.True(t, sub.Forward)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))

	reqID, alias, ok := s.Tracks().Binding("video")
	require.True(t, ok)
	require.EqualValues(t, 0, reqID)
	require.EqualValues(t, 5, alias)
	cfg, ok := s.Tracks().ByAlias(5)
	require.True(t, ok)
	require.Equal(t, "video", cfg.Key)

	require.NoError(t, s.Stop(context.Background()))
	un := next[*moq.Unsubscribe](t, rl)
	require.EqualValues(t, 0, un.RequestID)
}

func TestSubscriberRetriesAfterError(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	s, rl := startSession(t, subscriberConfig(), func(msg moq.Message) []moq.Message {
		m, ok := msg.(*moq.Subscribe)
		if !ok {
			return nil
		}
		if attempts.Add(1) == 1 {
			return []moq.Message{&moq.SubscribeError{RequestID: m.RequestID, ErrorCode: moq.SubscribeErrTrackDoesNotExist, ReasonPhrase: "not yet"}}
		}
		return []moq.Message{&moq.SubscribeOK{RequestID: m.RequestID, TrackAlias: 1}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))

	first := next[*moq.Subscribe](t, rl)
	second := next[*moq.Subscribe](t, rl)
	require.EqualValues(t, 0, first.RequestID)
	require.EqualValues(t, 2, second.RequestID)
	require.EqualValues(t, 2, attempts.Load())
}

func TestSubscriberWaitsForRequestBudget(t *testing.T) {
	t.Parallel()
	s, rl := initSession(t, subscriberConfig(), func(msg moq.Message) []moq.Message {
		if m, ok := msg.(*moq.Subscribe); ok {
			return []moq.Message{&moq.SubscribeOK{RequestID: m.RequestID, TrackAlias: 2}}
		}
		return nil
	})
	var params moq.Parameters
	params.SetUint(moq.ParamRole, moq.RolePublisher)
	rl.params = params // no MAX_REQUEST_ID: budget starts at zero
	require.NoError(t, s.Start(context.Background()))

	blocked := next[*moq.RequestsBlocked](t, rl)
	require.EqualValues(t, 0, blocked.MaximumRequestID)
	rl.send(&moq.MaxRequestID{RequestID: 10})

	sub := next[*moq.Subscribe](t, rl)
	require.EqualValues(t, 0, sub.RequestID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))
}

func TestRequestsBlockedRaisesLimit(t *testing.T) {
	t.Parallel()
	_, rl := startSession(t, publisherConfig(), acceptAnnounce)
	next[*moq.Announce](t, rl)

	rl.send(&moq.RequestsBlocked{MaximumRequestID: DefaultMaxRequestID})
	mr := next[*moq.MaxRequestID](t, rl)
	require.EqualValues(t, 2*DefaultMaxRequestID, mr.RequestID)
}

func TestMaxRequestIDDecreaseIsFatal(t *testing.T) {
	t.Parallel()
	s, rl := startSession(t, publisherConfig(), acceptAnnounce)
	next[*moq.Announce](t, rl)

	rl.send(&moq.MaxRequestID{RequestID: 4})
	waitDone(t, s)
	require.ErrorIs(t, s.Err(), moq.ErrProtocolViolation)
}

func TestSubscriberInboundPublish(t *testing.T) {
	t.Parallel()
	s, rl := startSession(t, subscriberConfig(), nil)
	next[*moq.Subscribe](t, rl)

	rl.send(&moq.Publish{RequestID: 1, Namespace: []string{"live"}, TrackName: "other", TrackAlias: 8})
	pe := next[*moq.PublishError](t, rl)
	require.EqualValues(t, 1, pe.RequestID)
	require.Equal(t, moq.SubscribeErrTrackDoesNotExist, pe.ErrorCode)

	rl.send(&moq.Publish{RequestID: 3, Namespace: []string{"live"}, TrackName: "cam1", TrackAlias: 9, Forward: true})
	ok := next[*moq.PublishOK](t, rl)
	require.EqualValues(t, 3, ok.RequestID)
	require.True(t, ok.Forward)
	require.Equal(t, moq.FilterLargestObject, ok.FilterType)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx))
	_, alias, bound := s.Tracks().Binding("video")
	require.True(t, bound)
	require.EqualValues(t, 9, alias)

	rl.send(&moq.Publish{RequestID: 5, Namespace: []string{"live"}, TrackName: "cam1", TrackAlias: 10})
	pe = next[*moq.PublishError](t, rl)
	require.EqualValues(t, 5, pe.RequestID)

	rl.send(&moq.PublishDone{RequestID: 3, StatusCode: moq.DoneTrackEnded, ReasonPhrase: "bye"})
	require.Eventually(t, func() bool {
		_, _, bound := s.Tracks().Binding("video")
		return !bound
	}, 5*time.Second, 5*time.Millisecond)
}

func TestUnexpectedMessageIsFatal(t *testing.T) {
	t.Parallel()
	s, rl := startSession(t, subscriberConfig(), nil)
	next[*moq.Subscribe](t, rl)

	rl.send(&moq.Subscribe{RequestID: 1, Namespace: []string{"live"}, TrackName: "cam1"})
	waitDone(t, s)
	require.ErrorIs(t, s.Err(), moq.ErrProtocolViolation)
	require.Equal(t, StateStopped, s.State())
}

func TestMalformedMessageIsFatal(t *testing.T) {
	t.Parallel()
	s, rl := startSession(t, subscriberConfig(), nil)
	next[*moq.Subscribe](t, rl)

	// SUBSCRIBE_OK cut short after the request ID.
	rl.send(&moq.UnknownMessage{MsgType: moq.MsgSubscribeOK, Payload: []byte{0x00}})
	waitDone(t, s)
	require.ErrorIs(t, s.Err(), moq.ErrProtocolViolation)
	require.NotErrorIs(t, s.Err(), moq.ErrStreamClosed)
	require.Equal(t, StateStopped, s.State())

	cause := context.Cause(rl.conn.Context())
	require.ErrorIs(t, cause, transport.ErrSessionClosed)
	require.ErrorContains(t, cause, fmt.Sprintf("code %d", moq.CloseProtocolViolation))
}

func TestGoAwayEndsSession(t *testing.T) {
	t.Parallel()
	s, rl := startSession(t, subscriberConfig(), nil)
	next[*moq.Subscribe](t, rl)

	rl.send(&moq.GoAway{NewSessionURI: "https://relay2.example/moq"})
	waitDone(t, s)
	require.NoError(t, s.Err())
	require.Equal(t, "https://relay2.example/moq", s.GoAwayURI())
}

type recordingPlane struct {
	mu     sync.Mutex
	events []string
	rl     *fakeRelay
}

func (p *recordingPlane) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "abort")
}

func (p *recordingPlane) Wait(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rl.in) == 0 {
		p.events = append(p.events, "wait")
	}
	return nil
}

func TestStopDrainsDataPlanesBeforeTeardown(t *testing.T) {
	t.Parallel()
	s, rl := startSession(t, publisherConfig(), acceptAnnounce)
	next[*moq.Announce](t, rl)

	dp := &recordingPlane{rl: rl}
	s.Attach(dp)
	require.NoError(t, s.Stop(context.Background()))
	next[*moq.Unannounce](t, rl)

	dp.mu.Lock()
	require.Equal(t, []string{"abort", "wait"}, dp.events)
	dp.mu.Unlock()

	late := &recordingPlane{rl: rl}
	s.Attach(late)
	require.Equal(t, []string{"abort"}, late.events)
}

func TestTransportCloseEndsSessionCleanly(t *testing.T) {
	t.Parallel()
	s, rl := startSession(t, subscriberConfig(), nil)
	next[*moq.Subscribe](t, rl)

	require.NoError(t, rl.conn.CloseWithError(0, "relay shutting down"))
	waitDone(t, s)
	require.NoError(t, s.Err())
}
