package moq

import "fmt"

// Publish offers a single track with a publisher-chosen alias.
type Publish struct {
	RequestID     uint64
	Namespace     []string
	TrackName     string
	TrackAlias    uint64
	GroupOrder    byte
	ContentExists bool
	Largest       Location // only when ContentExists
	Forward       bool
	Params        Parameters
}

func (m *Publish) Type() uint64 { return MsgPublish }

func (m *Publish) encode(e *encoder) {
	e.varint(m.RequestID)
	e.tuple(m.Namespace)
	e.string(m.TrackName)
	e.varint(m.TrackAlias)
	e.uint8(m.GroupOrder)
	e.bool(m.ContentExists)
	if m.ContentExists {
		e.location(m.Largest)
	}
	e.bool(m.Forward)
	e.keyValues(m.Params)
}

func (m *Publish) decode(r *bufReader) error {
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
	if m.TrackAlias, err = r.readVarint(); err != nil {
		return &ParseError{Field: "track_alias", Err: err}
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
	if m.Forward, err = r.readBool(); err != nil {
		return &ParseError{Field: "forward", Err: err}
	}
	m.Params, err = readParams(r)
	return err
}

// PublishOK accepts a Publish and states how the receiver wants it delivered.
type PublishOK struct {
	RequestID  uint64
	Forward    bool
	Priority   byte
	GroupOrder byte
	FilterType uint64
	Start      Location // only for AbsoluteStart / AbsoluteRange
	EndGroup   uint64   // only for AbsoluteRange
	Params     Parameters
}

func (m *PublishOK) Type() uint64 { return MsgPublishOK }

func (m *PublishOK) encode(e *encoder) {
	e.varint(m.RequestID)
	e.bool(m.Forward)
	e.uint8(m.Priority)
	e.uint8(m.GroupOrder)
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

func (m *PublishOK) decode(r *bufReader) error {
	var err error
	if m.RequestID, err = r.readVarint(); err != nil {
		return &ParseError{Field: "request_id", Err: err}
	}
	if m.Forward, err = r.readBool(); err != nil {
		return &ParseError{Field: "forward", Err: err}
	}
	if m.Priority, err = r.readByte(); err != nil {
		return &ParseError{Field: "priority", Err: err}
	}
	if m.GroupOrder, err = r.readByte(); err != nil {
		return &ParseError{Field: "group_order", Err: err}
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

// PublishError rejects a Publish.
type PublishError struct {
	RequestID    uint64
	ErrorCode    uint64
	ReasonPhrase string
}

func (m *PublishError) Type() uint64 { return MsgPublishError }

func (m *PublishError) encode(e *encoder) {
	e.varint(m.RequestID)
	e.varint(m.ErrorCode)
	e.string(m.ReasonPhrase)
}

func (m *PublishError) decode(r *bufReader) error {
	return decodeRequestError(r, &m.RequestID, &m.ErrorCode, &m.ReasonPhrase)
}
