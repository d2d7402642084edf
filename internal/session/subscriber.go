package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/moqlink/internal/moq"
	"github.com/zsiec/moqlink/internal/transport"
)

// subscribeLoop subscribes to one track, retrying after a fixed delay for
// as long as the peer rejects the request.
func (s *Session) subscribeLoop(ctx context.Context, key string) error {
	cfg, ok := s.tracks.Config(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, key)
	}
	log := s.log.With("track", key)
	for attempt := 1; ; attempt++ {
		err := s.subscribe(ctx, cfg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || transport.IsClosed(err) {
			return nil
		}
		var rerr *RequestError
		if !errors.As(err, &rerr) && !errors.Is(err, ErrTooManyRequests) {
			return fmt.Errorf("subscribe %s: %w", key, err)
		}
		log.Warn("subscribe rejected, retrying", "error", err, "attempt", attempt, "retry_in", s.cfg.SubscribeRetry)

		t := time.NewTimer(s.cfg.SubscribeRetry)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil
		}
	}
}

// subscribe sends one SUBSCRIBE and binds the returned alias.
func (s *Session) subscribe(ctx context.Context, cfg TrackConfig) error {
	if _, _, bound := s.tracks.Binding(cfg.Key); bound {
		return nil
	}
	params, err := authParams(cfg.AuthInfo)
	if err != nil {
		return err
	}
	resp, id, err := s.request(ctx, func(id uint64) moq.Message {
		return &moq.Subscribe{
			RequestID:  id,
			Namespace:  cfg.Namespace,
			TrackName:  cfg.Name,
			Priority:   cfg.SubscriberPriority,
			GroupOrder: cfg.GroupOrder,
			Forward:    true,
			FilterType: liveFilter(cfg.Filter),
			Params:     params,
		}
	})
	if err != nil {
		return err
	}
	switch r := resp.(type) {
	case *moq.SubscribeOK:
		if err := s.tracks.Bind(cfg.Key, id, r.TrackAlias); err != nil {
			return err
		}
		s.log.Info("subscribed", "track", cfg.Key, "request_id", id, "alias", r.TrackAlias,
			"expires_ms", r.Expires, "content_exists", r.ContentExists, "largest", r.Largest)
		s.checkReady()
		return nil
	case *moq.SubscribeError:
		return &RequestError{Message: "SUBSCRIBE_ERROR", Code: r.ErrorCode, Reason: r.ReasonPhrase}
	}
	return unexpected(resp)
}

// liveFilter restricts a configured filter to the ones that need no
// start location.
func liveFilter(f uint64) uint64 {
	if f == moq.FilterNextGroupStart {
		return f
	}
	return moq.FilterLargestObject
}

// checkReady marks the session ready once every track is bound.
func (s *Session) checkReady() {
	if len(s.tracks.bound()) == len(s.tracks.Keys()) {
		s.markReady()
	}
}

// handleInboundPublish accepts a PUBLISH for a configured, unbound track.
func (s *Session) handleInboundPublish(m *moq.Publish) error {
	log := s.log.With("request_id", m.RequestID, "namespace", m.Namespace, "track", m.TrackName)

	reject := func(code uint64, reason string) error {
		log.Info("publish rejected", "reason", reason)
		if err := s.write(&moq.PublishError{RequestID: m.RequestID, ErrorCode: code, ReasonPhrase: reason}); err != nil {
			return fmt.Errorf("write PUBLISH_ERROR: %w", err)
		}
		return nil
	}

	key, ok := s.tracks.lookup(m.Namespace, m.TrackName)
	if !ok {
		return reject(moq.SubscribeErrTrackDoesNotExist, "track not configured")
	}
	if _, _, bound := s.tracks.Binding(key); bound {
		return reject(moq.SubscribeErrInternal, "track already subscribed")
	}
	if err := s.tracks.Bind(key, m.RequestID, m.TrackAlias); err != nil {
		return err
	}
	cfg, _ := s.tracks.Config(key)
	ok2 := &moq.PublishOK{
		RequestID:  m.RequestID,
		Forward:    true,
		Priority:   cfg.SubscriberPriority,
		GroupOrder: cfg.GroupOrder,
		FilterType: liveFilter(cfg.Filter),
	}
	if err := s.write(ok2); err != nil {
		return fmt.Errorf("write PUBLISH_OK: %w", err)
	}
	log.Info("publish accepted", "key", key, "alias", m.TrackAlias)
	s.checkReady()
	return nil
}

// handleDone unbinds a track the publisher has finished.
func (s *Session) handleDone(requestID, status uint64, reason string) {
	key, ok := s.tracks.unbindRequest(requestID)
	if !ok {
		s.log.Warn("done for unknown request", "request_id", requestID, "status", status)
		return
	}
	s.log.Info("track ended by publisher", "track", key, "request_id", requestID, "status", status, "reason", reason)
}
