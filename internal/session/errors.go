package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned by a lifecycle call made in the wrong state.
	ErrInvalidState = errors.New("session: invalid state")
	// ErrAnnounceRejected is returned by Start when the peer rejects an
	// ANNOUNCE or PUBLISH.
	ErrAnnounceRejected = errors.New("session: announce rejected")
	// ErrTooManyRequests is returned when the peer's MAX_REQUEST_ID is
	// exhausted.
	ErrTooManyRequests = errors.New("session: request id limit reached")
	// ErrUnknownTrack is returned for a track key not in the session's table.
	ErrUnknownTrack = errors.New("session: unknown track")
	// ErrDuplicateAlias is returned when the peer binds one track alias to
	// two tracks.
	ErrDuplicateAlias = errors.New("session: duplicate track alias")
	// ErrRoleMismatch is returned when the peer's setup role cannot serve
	// this session's role.
	ErrRoleMismatch = errors.New("session: incompatible peer role")
)

// RequestError carries an error code and reason supplied by the peer in a
// SUBSCRIBE_ERROR, ANNOUNCE_ERROR or PUBLISH_ERROR.
type RequestError struct {
	Message string // control message that carried the error
	Code    uint64
	Reason  string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: code 0x%x: %s", e.Message, e.Code, e.Reason)
}
