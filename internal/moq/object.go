package moq

import (
	"fmt"
)

// ObjectStatus describes an object that carries no payload.
type ObjectStatus uint64

// Object status codes.
const (
	StatusNormal             ObjectStatus = 0x0
	StatusDoesNotExist       ObjectStatus = 0x1
	StatusEndOfGroup         ObjectStatus = 0x3
	StatusEndOfTrackAndGroup ObjectStatus = 0x4
	StatusEndOfSubgroup      ObjectStatus = 0x5
)

// Ends reports whether no further objects follow on the same subgroup stream.
func (s ObjectStatus) Ends() bool {
	return s == StatusEndOfGroup || s == StatusEndOfTrackAndGroup || s == StatusEndOfSubgroup
}

func (s ObjectStatus) valid() bool {
	switch s {
	case StatusNormal, StatusDoesNotExist, StatusEndOfGroup, StatusEndOfTrackAndGroup, StatusEndOfSubgroup:
		return true
	}
	return false
}

func (s ObjectStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusDoesNotExist:
		return "does-not-exist"
	case StatusEndOfGroup:
		return "end-of-group"
	case StatusEndOfTrackAndGroup:
		return "end-of-track-and-group"
	case StatusEndOfSubgroup:
		return "end-of-subgroup"
	}
	return fmt.Sprintf("status(0x%x)", uint64(s))
}

// Extensions is an object's extension header block.
type Extensions []KeyValue

// Uint returns the value of the first even-keyed header with key.
func (x Extensions) Uint(key uint64) (uint64, bool) {
	return Parameters(x).Uint(key)
}

// Bytes returns the value of the first odd-keyed header with key.
func (x Extensions) Bytes(key uint64) ([]byte, bool) {
	return Parameters(x).Bytes(key)
}

// Append appends the block as a byte length followed by the entries, with
// no entry count. On error buf is returned unchanged.
func (x Extensions) Append(buf []byte) ([]byte, error) {
	e := encoder{buf: buf}
	appendExtensions(&e, x)
	if e.err != nil {
		return buf, e.err
	}
	return e.buf, nil
}

func appendExtensions(e *encoder, x Extensions) {
	inner := encoder{}
	for _, kv := range x {
		inner.keyValue(kv)
	}
	if inner.err != nil {
		e.err = inner.err
		return
	}
	e.bytes(inner.buf)
}

// ParseExtensions decodes the entries of an extension block whose length
// prefix has already been consumed.
func ParseExtensions(block []byte) (Extensions, error) {
	if len(block) == 0 {
		return nil, nil
	}
	r := newBufReader(block)
	var x Extensions
	for r.remaining() > 0 {
		kv, err := r.readKeyValue()
		if err != nil {
			return nil, &ParseError{Field: "extension", Err: err}
		}
		x = append(x, kv)
	}
	return x, nil
}

// Object is one object on a subgroup stream or in a datagram. Status is
// meaningful only when Payload is empty.
type Object struct {
	ID         uint64
	Extensions Extensions
	Status     ObjectStatus
	Payload    []byte
}

// Subgroup ID encodings in a subgroup header type.
type SubgroupIDMode uint8

const (
	SubgroupIDZero        SubgroupIDMode = 0 // subgroup ID is 0
	SubgroupIDFirstObject SubgroupIDMode = 1 // subgroup ID is the first object's ID
	SubgroupIDExplicit    SubgroupIDMode = 2 // subgroup ID follows the group ID
)

// Subgroup stream header type bits.
const (
	subgroupTypeBase      uint64 = 0x10
	subgroupBitExtensions uint64 = 0x01
	subgroupModeShift            = 1
	subgroupBitEndOfGroup uint64 = 0x08
)

// IsSubgroupStreamType reports whether t opens a subgroup data stream.
func IsSubgroupStreamType(t uint64) bool {
	return (t >= 0x10 && t <= 0x15) || (t >= 0x18 && t <= 0x1d)
}

// SubgroupHeader opens a unidirectional data stream carrying objects of
// one subgroup.
type SubgroupHeader struct {
	TrackAlias uint64
	GroupID    uint64
	SubgroupID uint64
	Mode       SubgroupIDMode
	Priority   byte

	// Extensions marks that every object on the stream carries an
	// extension block, possibly empty.
	Extensions bool

	// EndOfGroup marks the stream as containing the last object of the group.
	EndOfGroup bool
}

// StreamType returns the bit-packed header type.
func (h SubgroupHeader) StreamType() uint64 {
	t := subgroupTypeBase | uint64(h.Mode)<<subgroupModeShift
	if h.Extensions {
		t |= subgroupBitExtensions
	}
	if h.EndOfGroup {
		t |= subgroupBitEndOfGroup
	}
	return t
}

// Append serializes the header. On error buf is returned unchanged.
func (h SubgroupHeader) Append(buf []byte) ([]byte, error) {
	if h.Mode > SubgroupIDExplicit {
		return buf, fmt.Errorf("%w: subgroup id mode %d", ErrProtocolViolation, h.Mode)
	}
	e := encoder{buf: buf}
	e.varint(h.StreamType())
	e.varint(h.TrackAlias)
	e.varint(h.GroupID)
	if h.Mode == SubgroupIDExplicit {
		e.varint(h.SubgroupID)
	}
	e.uint8(h.Priority)
	if e.err != nil {
		return buf, e.err
	}
	return e.buf, nil
}

// ReadSubgroupHeader reads a stream type and the subgroup header it selects.
func ReadSubgroupHeader(r *Reader) (SubgroupHeader, error) {
	var h SubgroupHeader
	t, err := r.ReadVarint()
	if err != nil {
		return h, &ParseError{Field: "stream_type", Err: err}
	}
	if !IsSubgroupStreamType(t) {
		return h, &ParseError{Field: "stream_type", Err: fmt.Errorf("%w: 0x%x", ErrUnknownStreamType, t)}
	}
	return readSubgroupHeaderBody(r, t)
}

func readSubgroupHeaderBody(r *Reader, t uint64) (SubgroupHeader, error) {
	h := SubgroupHeader{
		Extensions: t&subgroupBitExtensions != 0,
		EndOfGroup: t&subgroupBitEndOfGroup != 0,
		Mode:       SubgroupIDMode((t >> subgroupModeShift) & 0x3),
	}
	var err error
	if h.TrackAlias, err = r.ReadVarint(); err != nil {
		return h, &ParseError{Field: "track_alias", Err: err}
	}
	if h.GroupID, err = r.ReadVarint(); err != nil {
		return h, &ParseError{Field: "group_id", Err: err}
	}
	if h.Mode == SubgroupIDExplicit {
		if h.SubgroupID, err = r.ReadVarint(); err != nil {
			return h, &ParseError{Field: "subgroup_id", Err: err}
		}
	}
	if h.Priority, err = r.ReadUint8(); err != nil {
		return h, &ParseError{Field: "publisher_priority", Err: err}
	}
	return h, nil
}

// AppendSubgroupObject serializes one object for a subgroup stream whose
// header has the given Extensions flag. An object without payload is
// written as a status object.
func AppendSubgroupObject(buf []byte, obj Object, withExtensions bool) ([]byte, error) {
	if len(obj.Extensions) > 0 && !withExtensions {
		return buf, fmt.Errorf("%w: extensions on a stream without extension headers", ErrProtocolViolation)
	}
	e := encoder{buf: buf}
	e.varint(obj.ID)
	if withExtensions {
		appendExtensions(&e, obj.Extensions)
	}
	e.varint(uint64(len(obj.Payload)))
	if len(obj.Payload) == 0 {
		e.varint(uint64(obj.Status))
	} else {
		e.raw(obj.Payload)
	}
	if e.err != nil {
		return buf, e.err
	}
	return e.buf, nil
}

// ReadSubgroupObject reads the next object from a subgroup stream.
// ErrStreamClosed at the object ID means the stream ended between objects.
func ReadSubgroupObject(r *Reader, withExtensions bool) (Object, error) {
	var obj Object
	var err error
	if obj.ID, err = r.ReadVarint(); err != nil {
		return obj, &ParseError{Field: "object_id", Err: err}
	}
	if withExtensions {
		block, err := r.ReadVarintBytes()
		if err != nil {
			return obj, &ParseError{Field: "extension_headers", Err: err}
		}
		if obj.Extensions, err = ParseExtensions(block); err != nil {
			return obj, err
		}
	}
	n, err := r.ReadVarint()
	if err != nil {
		return obj, &ParseError{Field: "payload_length", Err: err}
	}
	if n == 0 {
		s, err := r.ReadVarint()
		if err != nil {
			return obj, &ParseError{Field: "object_status", Err: err}
		}
		obj.Status = ObjectStatus(s)
		if !obj.Status.valid() {
			return obj, &ParseError{Field: "object_status", Err: fmt.Errorf("%w: status 0x%x", ErrProtocolViolation, s)}
		}
		return obj, nil
	}
	if n > maxFieldLen {
		return obj, &ParseError{Field: "payload", Err: fmt.Errorf("%w: payload length %d", ErrProtocolViolation, n)}
	}
	if obj.Payload, _, err = r.ReadExact(int(n)); err != nil {
		return obj, &ParseError{Field: "payload", Err: err}
	}
	return obj, nil
}

// Datagram type bits.
const (
	datagramBitExtensions  uint64 = 0x01
	datagramBitEndOfGroup  uint64 = 0x02
	datagramBitNoObjectID  uint64 = 0x04
	datagramTypeStatus     uint64 = 0x20
	datagramTypeStatusExt  uint64 = 0x21
	datagramTypeMaxPayload uint64 = 0x07
)

// Datagram is a self-contained object sent on the datagram channel.
type Datagram struct {
	TrackAlias uint64
	GroupID    uint64
	Priority   byte
	EndOfGroup bool
	Object     Object
}

// IsStatus reports whether the datagram carries a status instead of payload.
func (d Datagram) IsStatus() bool {
	return len(d.Object.Payload) == 0
}

// DatagramType returns the bit-packed datagram type.
func (d Datagram) DatagramType() uint64 {
	if d.IsStatus() {
		if len(d.Object.Extensions) > 0 {
			return datagramTypeStatusExt
		}
		return datagramTypeStatus
	}
	var t uint64
	if len(d.Object.Extensions) > 0 {
		t |= datagramBitExtensions
	}
	if d.EndOfGroup {
		t |= datagramBitEndOfGroup
	}
	if d.Object.ID == 0 {
		t |= datagramBitNoObjectID
	}
	return t
}

// Append serializes the datagram. On error buf is returned unchanged.
func (d Datagram) Append(buf []byte) ([]byte, error) {
	t := d.DatagramType()
	e := encoder{buf: buf}
	e.varint(t)
	e.varint(d.TrackAlias)
	e.varint(d.GroupID)
	if d.IsStatus() || t&datagramBitNoObjectID == 0 {
		e.varint(d.Object.ID)
	}
	e.uint8(d.Priority)
	if len(d.Object.Extensions) > 0 {
		appendExtensions(&e, d.Object.Extensions)
	}
	if d.IsStatus() {
		e.varint(uint64(d.Object.Status))
	} else {
		e.raw(d.Object.Payload)
	}
	if e.err != nil {
		return buf, e.err
	}
	return e.buf, nil
}

// ParseDatagram decodes a complete datagram.
func ParseDatagram(b []byte) (Datagram, error) {
	var d Datagram
	r := newBufReader(b)
	t, err := r.readVarint()
	if err != nil {
		return d, &ParseError{Field: "datagram_type", Err: err}
	}
	status := t == datagramTypeStatus || t == datagramTypeStatusExt
	if !status && t > datagramTypeMaxPayload {
		return d, &ParseError{Field: "datagram_type", Err: fmt.Errorf("%w: 0x%x", ErrUnknownStreamType, t)}
	}
	hasExt := t&datagramBitExtensions != 0
	if d.TrackAlias, err = r.readVarint(); err != nil {
		return d, &ParseError{Field: "track_alias", Err: err}
	}
	if d.GroupID, err = r.readVarint(); err != nil {
		return d, &ParseError{Field: "group_id", Err: err}
	}
	if status || t&datagramBitNoObjectID == 0 {
		if d.Object.ID, err = r.readVarint(); err != nil {
			return d, &ParseError{Field: "object_id", Err: err}
		}
	}
	if d.Priority, err = r.readByte(); err != nil {
		return d, &ParseError{Field: "publisher_priority", Err: err}
	}
	if hasExt {
		block, err := r.readVarIntBytes()
		if err != nil {
			return d, &ParseError{Field: "extension_headers", Err: err}
		}
		if d.Object.Extensions, err = ParseExtensions(block); err != nil {
			return d, err
		}
	}
	if status {
		s, err := r.readVarint()
		if err != nil {
			return d, &ParseError{Field: "object_status", Err: err}
		}
		d.Object.Status = ObjectStatus(s)
		if !d.Object.Status.valid() {
			return d, &ParseError{Field: "object_status", Err: fmt.Errorf("%w: status 0x%x", ErrProtocolViolation, s)}
		}
		if r.remaining() != 0 {
			return d, &ParseError{Field: "object_status", Err: ErrProtocolViolation}
		}
		return d, nil
	}
	d.EndOfGroup = t&datagramBitEndOfGroup != 0
	d.Object.Payload = append([]byte{}, r.rest()...)
	if len(d.Object.Payload) == 0 {
		return d, &ParseError{Field: "payload", Err: fmt.Errorf("%w: empty datagram payload", ErrProtocolViolation)}
	}
	return d, nil
}
