package moq

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"
)

// Control message type IDs.
const (
	MsgSubscribeUpdate uint64 = 0x02
	MsgSubscribe       uint64 = 0x03
	MsgSubscribeOK     uint64 = 0x04
	MsgSubscribeError  uint64 = 0x05
	MsgAnnounce        uint64 = 0x06
	MsgAnnounceOK      uint64 = 0x07
	MsgAnnounceError   uint64 = 0x08
	MsgUnannounce      uint64 = 0x09
	MsgUnsubscribe     uint64 = 0x0a
	MsgSubscribeDone   uint64 = 0x0b // PUBLISH_DONE from draft-15 on
	MsgAnnounceCancel  uint64 = 0x0c
	MsgGoAway          uint64 = 0x10
	MsgMaxRequestID    uint64 = 0x15
	MsgRequestsBlocked uint64 = 0x1a
	MsgPublish         uint64 = 0x1d
	MsgPublishOK       uint64 = 0x1e
	MsgPublishError    uint64 = 0x1f
	MsgClientSetup     uint64 = 0x20
	MsgServerSetup     uint64 = 0x21
)

// MsgPublishDone shares its type ID with SUBSCRIBE_DONE.
const MsgPublishDone = MsgSubscribeDone

// Version identifies a MoQ Transport draft: 0xff000000 + draft number.
type Version uint64

// Supported versions.
const (
	Draft14 Version = 0xff00000e
	Draft15 Version = 0xff00000f
)

// SupportedVersions lists the versions this codec speaks, newest first.
var SupportedVersions = []Version{Draft15, Draft14}

func (v Version) String() string {
	if v>>24 == 0xff {
		return fmt.Sprintf("draft-%02d", uint64(v)&0xffffff)
	}
	return fmt.Sprintf("0x%x", uint64(v))
}

// SelectVersion returns the first version in offered that is also in
// supported, or ErrVersionMismatch.
func SelectVersion(offered, supported []Version) (Version, error) {
	for _, v := range offered {
		if slices.Contains(supported, v) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w (offered %v)", ErrVersionMismatch, offered)
}

// Message is a control message. The set of implementations is closed;
// UnknownMessage carries any type this package does not model.
type Message interface {
	Type() uint64
	encode(e *encoder)
	decode(r *bufReader) error
}

// Serialize encodes msg's payload without framing.
func Serialize(msg Message) ([]byte, error) {
	e := encoder{}
	msg.encode(&e)
	return e.result()
}

// AppendMessage appends the framed message: type, u16 payload length, payload.
// On error buf is returned unchanged.
func AppendMessage(buf []byte, msg Message) ([]byte, error) {
	payload, err := Serialize(msg)
	if err != nil {
		return buf, err
	}
	if len(payload) > 0xffff {
		return buf, fmt.Errorf("%w: type 0x%x, %d bytes", ErrMessageTooLarge, msg.Type(), len(payload))
	}
	out, err := AppendVarint(buf, msg.Type())
	if err != nil {
		return buf, err
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	return append(out, payload...), nil
}

// WriteMessage writes msg to the control stream as a single Write call to
// keep framing intact when writers are serialized by the caller.
func WriteMessage(w io.Writer, msg Message) error {
	buf, err := AppendMessage(nil, msg)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadControlMsg reads one framed control message and returns its type and
// raw payload.
// Wire format: [message_type (varint)] [message_length (uint16 big-endian)] [payload].
func ReadControlMsg(r *Reader) (uint64, []byte, error) {
	msgType, err := r.ReadVarint()
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}
	lenBuf, _, err := r.ReadExact(2)
	if err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	payload, _, err := r.ReadExact(int(binary.BigEndian.Uint16(lenBuf)))
	if err != nil {
		return 0, nil, fmt.Errorf("read message payload: %w", err)
	}
	return msgType, payload, nil
}

// ReadMessage reads and decodes one control message. The negotiated version
// selects between SUBSCRIBE_DONE and PUBLISH_DONE for type 0x0b.
func ReadMessage(r *Reader, v Version) (Message, error) {
	msgType, payload, err := ReadControlMsg(r)
	if err != nil {
		return nil, err
	}
	return ParseMessage(v, msgType, payload)
}

// ParseMessage decodes a payload of the given type. Unmodeled types decode
// to *UnknownMessage. Trailing bytes after a known message are a protocol
// violation.
func ParseMessage(v Version, msgType uint64, payload []byte) (Message, error) {
	msg := newMessage(v, msgType)
	if msg == nil {
		return &UnknownMessage{MsgType: msgType, Payload: payload}, nil
	}
	r := newBufReader(payload)
	if err := msg.decode(r); err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in message 0x%x", ErrProtocolViolation, r.remaining(), msgType)
	}
	return msg, nil
}

func newMessage(v Version, msgType uint64) Message {
	switch msgType {
	case MsgClientSetup:
		return &ClientSetup{}
	case MsgServerSetup:
		return &ServerSetup{}
	case MsgGoAway:
		return &GoAway{}
	case MsgMaxRequestID:
		return &MaxRequestID{}
	case MsgRequestsBlocked:
		return &RequestsBlocked{}
	case MsgSubscribe:
		return &Subscribe{}
	case MsgSubscribeOK:
		return &SubscribeOK{}
	case MsgSubscribeError:
		return &SubscribeError{}
	case MsgSubscribeUpdate:
		return &SubscribeUpdate{}
	case MsgUnsubscribe:
		return &Unsubscribe{}
	case MsgSubscribeDone:
		if v >= Draft15 {
			return &PublishDone{}
		}
		return &SubscribeDone{}
	case MsgAnnounce:
		return &Announce{}
	case MsgAnnounceOK:
		return &AnnounceOK{}
	case MsgAnnounceError:
		return &AnnounceError{}
	case MsgUnannounce:
		return &Unannounce{}
	case MsgAnnounceCancel:
		return &AnnounceCancel{}
	case MsgPublish:
		return &Publish{}
	case MsgPublishOK:
		return &PublishOK{}
	case MsgPublishError:
		return &PublishError{}
	}
	return nil
}

// UnknownMessage holds the opaque payload of an unmodeled message type.
type UnknownMessage struct {
	MsgType uint64
	Payload []byte
}

func (m *UnknownMessage) Type() uint64 { return m.MsgType }

func (m *UnknownMessage) encode(e *encoder) { e.raw(m.Payload) }

func (m *UnknownMessage) decode(r *bufReader) error {
	m.Payload = r.rest()
	return nil
}
