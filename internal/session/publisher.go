package session

import (
	"context"
	"crypto/subtle"
	"fmt"
	"slices"

	"github.com/zsiec/moqlink/internal/moq"
)

// announce sends ANNOUNCE for each distinct namespace, or PUBLISH for each
// track when PublishTracks is set, and waits for the peer to accept.
func (s *Session) announce(ctx context.Context) error {
	if s.cfg.PublishTracks {
		return s.publishTracks(ctx)
	}
	nss, auth := s.tracks.namespaces()
	for i, ns := range nss {
		params, err := authParams(auth[i])
		if err != nil {
			return err
		}
		resp, id, err := s.request(ctx, func(id uint64) moq.Message {
			return &moq.Announce{RequestID: id, Namespace: ns, Params: params}
		})
		if err != nil {
			return fmt.Errorf("announce %v: %w", ns, err)
		}
		switch r := resp.(type) {
		case *moq.AnnounceOK:
			s.mu.Lock()
			s.announced = append(s.announced, ns)
			s.mu.Unlock()
			s.log.Info("namespace announced", "namespace", ns, "request_id", id)
		case *moq.AnnounceError:
			return fmt.Errorf("%w: %v: %w", ErrAnnounceRejected, ns,
				&RequestError{Message: "ANNOUNCE_ERROR", Code: r.ErrorCode, Reason: r.ReasonPhrase})
		default:
			return unexpected(resp)
		}
	}
	return nil
}

// publishTracks offers every track with PUBLISH and registers the peer as a
// subscriber of each accepted one.
func (s *Session) publishTracks(ctx context.Context) error {
	for _, key := range s.tracks.Keys() {
		cfg, _ := s.tracks.Config(key)
		params, err := authParams(cfg.AuthInfo)
		if err != nil {
			return err
		}
		last, hasLast := s.tracks.LastSent(key)
		resp, id, err := s.request(ctx, func(id uint64) moq.Message {
			return &moq.Publish{
				RequestID:     id,
				Namespace:     cfg.Namespace,
				TrackName:     cfg.Name,
				TrackAlias:    id,
				GroupOrder:    moq.GroupOrderDescending,
				ContentExists: hasLast,
				Largest:       last,
				Forward:       true,
				Params:        params,
			}
		})
		if err != nil {
			return fmt.Errorf("publish %s: %w", key, err)
		}
		switch r := resp.(type) {
		case *moq.PublishOK:
			sub := Subscriber{RequestID: id, TrackAlias: id, Priority: r.Priority, Forward: r.Forward}
			switch r.FilterType {
			case moq.FilterAbsoluteStart:
				sub.Start = r.Start
			case moq.FilterAbsoluteRange:
				sub.Start, sub.End = r.Start, r.EndGroup+1
			}
			if _, _, err := s.tracks.AddSubscriber(key, sub); err != nil {
				return err
			}
			s.log.Info("track published", "track", key, "alias", id, "forward", r.Forward)
		case *moq.PublishError:
			return fmt.Errorf("%w: %s: %w", ErrAnnounceRejected, key,
				&RequestError{Message: "PUBLISH_ERROR", Code: r.ErrorCode, Reason: r.ReasonPhrase})
		default:
			return unexpected(resp)
		}
	}
	return nil
}

// handleSubscribe admits or rejects an inbound SUBSCRIBE.
func (s *Session) handleSubscribe(m *moq.Subscribe) error {
	log := s.log.With("request_id", m.RequestID, "namespace", m.Namespace, "track", m.TrackName)

	key, ok := s.tracks.lookup(m.Namespace, m.TrackName)
	if !ok {
		log.Info("subscribe for unknown track")
		return s.rejectSubscribe(m.RequestID, subscribeError(moq.SubscribeErrTrackDoesNotExist, "track does not exist"))
	}
	cfg, _ := s.tracks.Config(key)
	if rerr := checkAuth(cfg.AuthInfo, m.Params); rerr != nil {
		log.Warn("subscribe rejected", "reason", rerr.Reason)
		return s.rejectSubscribe(m.RequestID, rerr)
	}
	sub, last, hasLast, rerr := s.tracks.admit(key, m)
	if rerr != nil {
		log.Warn("subscribe rejected", "reason", rerr.Reason)
		return s.rejectSubscribe(m.RequestID, rerr)
	}

	ok2 := &moq.SubscribeOK{
		RequestID:     m.RequestID,
		TrackAlias:    sub.TrackAlias,
		GroupOrder:    moq.GroupOrderDescending,
		ContentExists: hasLast,
		Largest:       last,
	}
	if err := s.write(ok2); err != nil {
		s.tracks.RemoveSubscriber(m.RequestID)
		return fmt.Errorf("write SUBSCRIBE_OK: %w", err)
	}
	log.Info("subscriber added", "key", key, "alias", sub.TrackAlias, "forward", sub.Forward, "start", sub.Start)
	return nil
}

// checkAuth validates the bearer token in params against secret.
func checkAuth(secret string, params moq.Parameters) *RequestError {
	if secret == "" {
		return nil
	}
	tok, ok, err := params.AuthToken()
	if err != nil {
		return subscribeError(moq.SubscribeErrMalformedAuthToken, "malformed authorization token")
	}
	if !ok || tok.AliasType != moq.TokenUseValue || subtle.ConstantTimeCompare(tok.Value, []byte(secret)) != 1 {
		return subscribeError(moq.SubscribeErrUnauthorized, "unauthorized")
	}
	return nil
}

func (s *Session) rejectSubscribe(requestID uint64, rerr *RequestError) error {
	err := s.write(&moq.SubscribeError{RequestID: requestID, ErrorCode: rerr.Code, ReasonPhrase: rerr.Reason})
	if err != nil {
		return fmt.Errorf("write SUBSCRIBE_ERROR: %w", err)
	}
	return nil
}

// handleSubscribeUpdate narrows an existing subscription.
func (s *Session) handleSubscribeUpdate(m *moq.SubscribeUpdate) error {
	key, sub, ok := s.tracks.updateSubscriber(m.RequestID, func(sub *Subscriber) {
		sub.Start = m.Start
		sub.End = m.EndGroup
		sub.Priority = m.Priority
		sub.Forward = m.Forward
	})
	if !ok {
		s.log.Warn("SUBSCRIBE_UPDATE for unknown request", "request_id", m.RequestID)
		return nil
	}
	s.log.Debug("subscription updated", "track", key, "request_id", m.RequestID,
		"start", sub.Start, "end", sub.End, "forward", sub.Forward)

	if last, has := s.tracks.LastSent(key); has && sub.Ended(last.Group) {
		return s.Finish(key, m.RequestID, moq.DoneSubscriptionEnded, "end group reached")
	}
	return nil
}

// handleUnsubscribe removes a subscriber and confirms with SUBSCRIBE_DONE.
func (s *Session) handleUnsubscribe(m *moq.Unsubscribe) error {
	key, sub, ok := s.tracks.RemoveSubscriber(m.RequestID)
	if !ok {
		s.log.Warn("UNSUBSCRIBE for unknown request", "request_id", m.RequestID)
		return nil
	}
	s.log.Info("subscriber removed", "track", key, "request_id", m.RequestID, "streams", sub.Streams)
	done := moq.NewDone(s.Version(), m.RequestID, moq.DoneSubscriptionEnded, sub.Streams, "unsubscribed")
	if err := s.write(done); err != nil {
		return fmt.Errorf("write SUBSCRIBE_DONE: %w", err)
	}
	return nil
}

// handleAnnounceCancel forgets a namespace the peer no longer accepts.
func (s *Session) handleAnnounceCancel(m *moq.AnnounceCancel) {
	s.mu.Lock()
	for i, ns := range s.announced {
		if slices.Equal(ns, m.Namespace) {
			s.announced = append(s.announced[:i], s.announced[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.log.Warn("announce canceled by peer", "namespace", m.Namespace, "code", m.ErrorCode, "reason", m.ReasonPhrase)
}

// Finish ends one subscription from the publisher side with a
// SUBSCRIBE_DONE (PUBLISH_DONE from draft-15) carrying status.
func (s *Session) Finish(key string, requestID, status uint64, reason string) error {
	_, sub, ok := s.tracks.RemoveSubscriber(requestID)
	if !ok {
		return nil
	}
	s.log.Info("subscription finished", "track", key, "request_id", requestID, "status", status, "reason", reason)
	if err := s.write(moq.NewDone(s.Version(), requestID, status, sub.Streams, reason)); err != nil {
		return fmt.Errorf("write done: %w", err)
	}
	return nil
}
