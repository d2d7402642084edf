package moq

import "fmt"

// Subscribe filter types.
const (
	FilterNextGroupStart uint64 = 0x01
	FilterLargestObject  uint64 = 0x02
	FilterAbsoluteStart  uint64 = 0x03
	FilterAbsoluteRange  uint64 = 0x04
)

// Group order values.
const (
	GroupOrderDefault    byte = 0x00
	GroupOrderAscending  byte = 0x01
	GroupOrderDescending byte = 0x02
)

// Location is a (group, object) position within a track.
type Location struct {
	Group  uint64
	Object uint64
}

// Less reports whether l precedes o.
func (l Location) Less(o Location) bool {
	if l.Group != o.Group {
		return l.Group < o.Group
	}
	return l.Object < o.Object
}

// Subscribe requests delivery of a track.
type Subscribe struct {
	RequestID  uint64
	Namespace  []string
	TrackName  string
	Priority   byte
	GroupOrder byte
	Forward    bool
	FilterType uint64
	Start      Location // only for AbsoluteStart / AbsoluteRange
	EndGroup   uint64   // only for AbsoluteRange
	Params     Parameters
}

func (m *Subscribe) Type() uint64 { return MsgSubscribe }

func (m *Subscribe) encode(e *encoder) {
	e.varint(m.RequestID)
	e.tuple(m.Namespace)
	e.string(m.TrackName)
	e.uint8(m.Priority)
	e.uint8(m.GroupOrder)
	e.bool(m.Forward)
	e.varint(m.FilterType)
	switch m.FilterType {
	case FilterAbsoluteStart:
		e.location(m.Start)
	case FilterAbsoluteRange:
		e.location(m.Start)
		e.varint(m.EndGroup)
	}
	e.keyValues(m.Params)
}

func (m *Subscribe) decode(r *bufReader) error {
	var err error
	if m.RequestID, err = r.readVarint(); err != nil {
		return &ParseError{Field: "request_id", Err: err}
	}
	if m.Namespace, err = r.readTuple(); err != nil {
		return &ParseError{Field: "namespace", Err: err}
	}
	if m.TrackName, err = r.readString(); err != nil {
		return &ParseError{Field: "track_name", Err: err}
	}
	if m.Priority, err = r.readByte(); err != nil {
		return &ParseError{Field: "priority", Err: err}
	}
	if m.GroupOrder, err = r.readByte(); err != nil {
		return &ParseError{Field: "group_order", Err: err}
	}
	if m.Forward, err = r.readBool(); err != nil {
		return &ParseError{Field: "forward", Err: err}
	}
	if m.FilterType, err = r.readVarint(); err != nil {
		return &ParseError{Field: "filter_type", Err: err}
	}
	switch m.FilterType {
	case FilterNextGroupStart, FilterLargestObject:
	case FilterAbsoluteStart:
		if m.Start, err = r.readLocation(); err != nil {
			return &ParseError{Field: "start_location", Err: err}
		}
	case FilterAbsoluteRange:
		if m.Start, err = r.readLocation(); err != nil {
			return &ParseError{Field: "start_location", Err: err}
		}
		if m.EndGroup, err = r.readVarint(); err != nil {
			return &ParseError{Field: "end_group", Err: err}
		}
	default:
		return &ParseError{Field: "filter_type", Err: fmt.Errorf("%w: filter 0x%x", ErrProtocolViolation, m.FilterType)}
	}
	m.Params, err = readParams(r)
	return err
}

// SubscribeOK confirms a subscription. Largest is meaningful only when
// ContentExists is set.
type SubscribeOK struct {
	RequestID     uint64
	TrackAlias    uint64
	Expires       uint64 // milliseconds, 0 = never
	GroupOrder    byte
	ContentExists bool
	Largest       Location
	Params        Parameters
}

func (m *SubscribeOK) Type() uint64 { return MsgSubscribeOK }

func (m *SubscribeOK) encode(e *encoder) {
	e.varint(m.RequestID)
	e.varint(m.TrackAlias)
	e.varint(m.Expires)
	e.uint8(m.GroupOrder)
	e.bool(m.ContentExists)
	if m.ContentExists {
		e.location(m.Largest)
	}
	e.keyValues(m.Params)
}

func (m *SubscribeOK) decode(r *bufReader) error {
	var err error
	if m.RequestID, err = r.readVarint(); err != nil {
		return &ParseError{Field: "request_id", Err: err}
	}
	if m.TrackAlias, err = r.readVarint(); err != nil {
		return &ParseError{Field: "track_alias", Err: err}
	}
	if m.Expires, err = r.readVarint(); err != nil {
		return &ParseError{Field: "expires", Err: err}
	}
	if m.GroupOrder, err = r.readByte(); err != nil {
		return &ParseError{Field: "group_order", Err: err}
	}
	if m.ContentExists, err = r.readBool(); err != nil {
		return &ParseError{Field: "content_exists", Err: err}
	}
	if m.ContentExists {
		if m.Largest, err = r.readLocation(); err != nil {
			return &ParseError{Field: "largest_location", Err: err}
		}
	}
	m.Params, err = readParams(r)
	return err
}

// SubscribeError rejects a subscription.
type SubscribeError struct {
	RequestID    uint64
	ErrorCode    uint64
	ReasonPhrase string
}

func (m *SubscribeError) Type() uint64 { return MsgSubscribeError }

func (m *SubscribeError) encode(e *encoder) {
	e.varint(m.RequestID)
	e.varint(m.ErrorCode)
	e.string(m.ReasonPhrase)
}

func (m *SubscribeError) decode(r *bufReader) error {
	return decodeRequestError(r, &m.RequestID, &m.ErrorCode, &m.ReasonPhrase)
}

// SubscribeUpdate narrows an active subscription.
type SubscribeUpdate struct {
	RequestID uint64
	Start     Location
	EndGroup  uint64 // 0 = open ended, otherwise last group + 1
	Priority  byte
	Forward   bool
	Params    Parameters
}

func (m *SubscribeUpdate) Type() uint64 { return MsgSubscribeUpdate }

func (m *SubscribeUpdate) encode(e *encoder) {
	e.varint(m.RequestID)
	e.location(m.Start)
	e.varint(m.EndGroup)
	e.uint8(m.Priority)
	e.bool(m.Forward)
	e.keyValues(m.Params)
}

func (m *SubscribeUpdate) decode(r *bufReader) error {
	var err error
	if m.RequestID, err = r.readVarint(); err != nil {
		return &ParseError{Field: "request_id", Err: err}
	}
	if m.Start, err = r.readLocation(); err != nil {
		return &ParseError{Field: "start_location", Err: err}
	}
	if m.EndGroup, err = r.readVarint(); err != nil {
		return &ParseError{Field: "end_group", Err: err}
	}
	if m.Priority, err = r.readByte(); err != nil {
		return &ParseError{Field: "priority", Err: err}
	}
	if m.Forward, err = r.readBool(); err != nil {
		return &ParseError{Field: "forward", Err: err}
	}
	m.Params, err = readParams(r)
	return err
}

// Unsubscribe cancels a subscription.
type Unsubscribe struct {
	RequestID uint64
}

func (m *Unsubscribe) Type() uint64 { return MsgUnsubscribe }

func (m *Unsubscribe) encode(e *encoder) { e.varint(m.RequestID) }

func (m *Unsubscribe) decode(r *bufReader) error {
	var err error
	if m.RequestID, err = r.readVarint(); err != nil {
		return &ParseError{Field: "request_id", Err: err}
	}
	return nil
}

// SubscribeDone ends a subscription from the publisher side (draft-14).
type SubscribeDone struct {
	RequestID    uint64
	StatusCode   uint64
	StreamCount  uint64
	ReasonPhrase string
}

func (m *SubscribeDone) Type() uint64 { return MsgSubscribeDone }

func (m *SubscribeDone) encode(e *encoder) {
	encodeDone(e, m.RequestID, m.StatusCode, m.StreamCount, m.ReasonPhrase)
}

func (m *SubscribeDone) decode(r *bufReader) error {
	return decodeDone(r, &m.RequestID, &m.StatusCode, &m.StreamCount, &m.ReasonPhrase)
}

// PublishDone is the draft-15 name and form of SubscribeDone.
type PublishDone struct {
	RequestID    uint64
	StatusCode   uint64
	StreamCount  uint64
	ReasonPhrase string
}

func (m *PublishDone) Type() uint64 { return MsgPublishDone }

func (m *PublishDone) encode(e *encoder) {
	encodeDone(e, m.RequestID, m.StatusCode, m.StreamCount, m.ReasonPhrase)
}

func (m *PublishDone) decode(r *bufReader) error {
	return decodeDone(r, &m.RequestID, &m.StatusCode, &m.StreamCount, &m.ReasonPhrase)
}

// NewDone builds the done message for version v.
func NewDone(v Version, requestID, status, streamCount uint64, reason string) Message {
	if v >= Draft15 {
		return &PublishDone{RequestID: requestID, StatusCode: status, StreamCount: streamCount, ReasonPhrase: reason}
	}
	return &SubscribeDone{RequestID: requestID, StatusCode: status, StreamCount: streamCount, ReasonPhrase: reason}
}

func encodeDone(e *encoder, reqID, status, count uint64, reason string) {
	e.varint(reqID)
	e.varint(status)
	e.varint(count)
	e.string(reason)
}

func decodeDone(r *bufReader, reqID, status, count *uint64, reason *string) error {
	var err error
	if *reqID, err = r.readVarint(); err != nil {
		return &ParseError{Field: "request_id", Err: err}
	}
	if *status, err = r.readVarint(); err != nil {
		return &ParseError{Field: "status_code", Err: err}
	}
	if *count, err = r.readVarint(); err != nil {
		return &ParseError{Field: "stream_count", Err: err}
	}
	if *reason, err = r.readString(); err != nil {
		return &ParseError{Field: "reason_phrase", Err: err}
	}
	return nil
}

// decodeRequestError reads the shared request-id, code, reason layout of
// the *_ERROR messages.
func decodeRequestError(r *bufReader, reqID, code *uint64, reason *string) error {
	var err error
	if *reqID, err = r.readVarint(); err != nil {
		return &ParseError{Field: "request_id", Err: err}
	}
	if *code, err = r.readVarint(); err != nil {
		return &ParseError{Field: "error_code", Err: err}
	}
	if *reason, err = r.readString(); err != nil {
		return &ParseError{Field: "reason_phrase", Err: err}
	}
	return nil
}
