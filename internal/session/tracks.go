package session

import (
	"fmt"
	"slices"
	"sync"

	"github.com/zsiec/moqlink/internal/moq"
)

// Subscriber is one peer subscription to a published track.
type Subscriber struct {
	RequestID  uint64
	TrackAlias uint64
	Priority   byte
	Forward    bool
	Start      moq.Location
	// End is the first group past the subscription; 0 means open ended.
	End     uint64
	Streams uint64
}

// Wants reports whether an object at loc falls inside the subscription.
func (s Subscriber) Wants(loc moq.Location) bool {
	if loc.Less(s.Start) {
		return false
	}
	return s.End == 0 || loc.Group < s.End
}

// Ended reports whether a group at or past g has left the subscription.
func (s Subscriber) Ended(g uint64) bool {
	return s.End != 0 && g >= s.End
}

// Track is the runtime state of one configured track.
type Track struct {
	TrackConfig

	// Subscriber role: the binding made by SUBSCRIBE_OK or an inbound PUBLISH.
	RequestID uint64
	Alias     uint64
	Bound     bool

	// Publisher role.
	subscribers map[uint64]*Subscriber // by request id
	last        moq.Location
	hasLast     bool
}

// Tracks is a session's track table, safe for concurrent use.
type Tracks struct {
	mu      sync.Mutex
	order   []string
	byKey   map[string]*Track
	byAlias map[uint64]string
}

// NewTracks builds a table from configured tracks. Keys must be unique.
func NewTracks(cfgs []TrackConfig) (*Tracks, error) {
	t := &Tracks{
		byKey:   make(map[string]*Track, len(cfgs)),
		byAlias: make(map[uint64]string),
	}
	for _, c := range cfgs {
		if _, dup := t.byKey[c.Key]; dup {
			return nil, fmt.Errorf("session: duplicate track key %q", c.Key)
		}
		t.byKey[c.Key] = &Track{TrackConfig: c, subscribers: make(map[uint64]*Subscriber)}
		t.order = append(t.order, c.Key)
	}
	return t, nil
}

// Keys returns track keys in configuration order.
func (t *Tracks) Keys() []string {
	return slices.Clone(t.order)
}

// Config returns the configuration of the track with key.
func (t *Tracks) Config(key string) (TrackConfig, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.byKey[key]
	if !ok {
		return TrackConfig{}, false
	}
	return tr.TrackConfig, true
}

// ByAlias resolves a bound track alias to its track configuration.
func (t *Tracks) ByAlias(alias uint64) (TrackConfig, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.byAlias[alias]
	if !ok {
		return TrackConfig{}, false
	}
	return t.byKey[key].TrackConfig, true
}

// Binding returns the request id and alias bound to a subscribed track.
func (t *Tracks) Binding(key string) (requestID, alias uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, found := t.byKey[key]
	if !found || !tr.Bound {
		return 0, 0, false
	}
	return tr.RequestID, tr.Alias, true
}

// Subscribers returns a snapshot of the track's subscribers ordered by
// request id.
func (t *Tracks) Subscribers(key string) []Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.byKey[key]
	if !ok {
		return nil
	}
	out := make([]Subscriber, 0, len(tr.subscribers))
	for _, s := range tr.subscribers {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Subscriber) int {
		switch {
		case a.RequestID < b.RequestID:
			return -1
		case a.RequestID > b.RequestID:
			return 1
		}
		return 0
	})
	return out
}

// LastSent returns the location of the newest object sent on the track.
func (t *Tracks) LastSent(key string) (moq.Location, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.byKey[key]
	if !ok {
		return moq.Location{}, false
	}
	return tr.last, tr.hasLast
}

// SetLastSent records the location of the newest object sent on the track.
func (t *Tracks) SetLastSent(key string, loc moq.Location) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.byKey[key]; ok {
		tr.last, tr.hasLast = loc, true
	}
}

// NoteStream counts a data stream opened for a subscriber.
func (t *Tracks) NoteStream(key string, requestID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tr, ok := t.byKey[key]; ok {
		if s, ok := tr.subscribers[requestID]; ok {
			s.Streams++
		}
	}
}

func (t *Tracks) find(namespace []string, name string) (*Track, bool) {
	for _, key := range t.order {
		tr := t.byKey[key]
		if tr.Name == name && slices.Equal(tr.Namespace, namespace) {
			return tr, true
		}
	}
	return nil, false
}

// lookup returns the key of the track named (namespace, name).
func (t *Tracks) lookup(namespace []string, name string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.find(namespace, name)
	if !ok {
		return "", false
	}
	return tr.Key, true
}

// subscriberByRequest finds the track and subscriber for a request id.
func (t *Tracks) subscriberByRequest(requestID uint64) (string, *Subscriber, bool) {
	for _, key := range t.order {
		if s, ok := t.byKey[key].subscribers[requestID]; ok {
			return key, s, true
		}
	}
	return "", nil, false
}

// aliasInUse reports whether alias is bound to a subscribed track or used by
// any subscriber of a published track.
func (t *Tracks) aliasInUse(alias uint64) bool {
	if _, ok := t.byAlias[alias]; ok {
		return true
	}
	for _, tr := range t.byKey {
		for _, s := range tr.subscribers {
			if s.TrackAlias == alias {
				return true
			}
		}
	}
	return false
}

// admit validates and registers a SUBSCRIBE for track key. The subscriber's
// start location is derived from the filter and the last object sent.
func (t *Tracks) admit(key string, m *moq.Subscribe) (Subscriber, moq.Location, bool, *RequestError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.byKey[key]
	if !ok {
		return Subscriber{}, moq.Location{}, false, subscribeError(moq.SubscribeErrTrackDoesNotExist, "track does not exist")
	}
	if _, _, dup := t.subscriberByRequest(m.RequestID); dup {
		return Subscriber{}, moq.Location{}, false, subscribeError(moq.SubscribeErrInternal, "request id already subscribed")
	}
	if t.aliasInUse(m.RequestID) {
		return Subscriber{}, moq.Location{}, false, subscribeError(moq.SubscribeErrRetryTrackAlias, "track alias already bound")
	}

	sub := Subscriber{
		RequestID:  m.RequestID,
		TrackAlias: m.RequestID,
		Priority:   m.Priority,
		Forward:    m.Forward,
	}
	switch m.FilterType {
	case moq.FilterNextGroupStart:
		if tr.hasLast {
			sub.Start = moq.Location{Group: tr.last.Group + 1}
		}
	case moq.FilterLargestObject:
		if tr.hasLast {
			sub.Start = moq.Location{Group: tr.last.Group, Object: tr.last.Object + 1}
		}
	case moq.FilterAbsoluteStart:
		sub.Start = m.Start
	case moq.FilterAbsoluteRange:
		if m.EndGroup < m.Start.Group {
			return Subscriber{}, moq.Location{}, false, subscribeError(moq.SubscribeErrInvalidRange, "end group precedes start")
		}
		sub.Start, sub.End = m.Start, m.EndGroup+1
	}
	tr.subscribers[sub.RequestID] = &sub
	return sub, tr.last, tr.hasLast, nil
}

func subscribeError(code uint64, reason string) *RequestError {
	return &RequestError{Message: "SUBSCRIBE_ERROR", Code: code, Reason: reason}
}

// AddSubscriber registers sub on published track key and returns the
// track's last sent location.
func (t *Tracks) AddSubscriber(key string, sub Subscriber) (moq.Location, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.byKey[key]
	if !ok {
		return moq.Location{}, false, ErrUnknownTrack
	}
	tr.subscribers[sub.RequestID] = &sub
	return tr.last, tr.hasLast, nil
}

// RemoveSubscriber drops the subscription with requestID.
func (t *Tracks) RemoveSubscriber(requestID uint64) (string, Subscriber, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, s, ok := t.subscriberByRequest(requestID)
	if !ok {
		return "", Subscriber{}, false
	}
	delete(t.byKey[key].subscribers, requestID)
	return key, *s, true
}

// updateSubscriber applies fn to the subscription with requestID.
func (t *Tracks) updateSubscriber(requestID uint64, fn func(*Subscriber)) (string, Subscriber, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, s, ok := t.subscriberByRequest(requestID)
	if !ok {
		return "", Subscriber{}, false
	}
	fn(s)
	return key, *s, true
}

// Bind records the alias the peer assigned to a subscribed track. An alias
// already bound to another track is ErrDuplicateAlias.
func (t *Tracks) Bind(key string, requestID, alias uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.byKey[key]
	if !ok {
		return ErrUnknownTrack
	}
	if other, used := t.byAlias[alias]; used && other != key {
		return fmt.Errorf("%w: alias %d bound to %q and %q", ErrDuplicateAlias, alias, other, key)
	}
	if tr.Bound {
		delete(t.byAlias, tr.Alias)
	}
	tr.RequestID, tr.Alias, tr.Bound = requestID, alias, true
	t.byAlias[alias] = key
	return nil
}

// unbindRequest clears the binding made by requestID.
func (t *Tracks) unbindRequest(requestID uint64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range t.order {
		tr := t.byKey[key]
		if tr.Bound && tr.RequestID == requestID {
			delete(t.byAlias, tr.Alias)
			tr.Bound = false
			return key, true
		}
	}
	return "", false
}

// bound returns the keys of all bound tracks with their request ids.
func (t *Tracks) bound() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]uint64)
	for key, tr := range t.byKey {
		if tr.Bound {
			out[key] = tr.RequestID
		}
	}
	return out
}

// namespaces returns each distinct namespace with the auth info of its
// first track, in configuration order.
func (t *Tracks) namespaces() ([][]string, []string) {
	var nss [][]string
	var auth []string
	for _, key := range t.order {
		tr := t.byKey[key]
		if slices.ContainsFunc(nss, func(ns []string) bool { return slices.Equal(ns, tr.Namespace) }) {
			continue
		}
		nss = append(nss, tr.Namespace)
		auth = append(auth, tr.AuthInfo)
	}
	return nss, auth
}
