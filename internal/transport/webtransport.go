package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/quic-go/webtransport-go"
)

// DialWebTransport establishes a WebTransport session at rawURL.
func DialWebTransport(ctx context.Context, rawURL string, tlsConf *tls.Config, hdr http.Header) (Session, error) {
	d := webtransport.Dialer{
		TLSClientConfig: tlsConf,
		QUICConfig:      quicConfig(),
	}
	rsp, sess, err := d.Dial(ctx, rawURL, hdr)
	if err != nil {
		if rsp != nil {
			return nil, fmt.Errorf("transport: dial webtransport %s: status %d: %w", rawURL, rsp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial webtransport %s: %w", rawURL, err)
	}
	return &wtSession{sess: sess}, nil
}

type wtSession struct {
	sess *webtransport.Session
}

func (s *wtSession) OpenStreamSync(ctx context.Context) (Stream, error) {
	st, err := s.sess.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return wtStream{st}, nil
}

func (s *wtSession) AcceptStream(ctx context.Context) (Stream, error) {
	st, err := s.sess.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return wtStream{st}, nil
}

func (s *wtSession) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	st, err := s.sess.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return wtSendStream{st}, nil
}

func (s *wtSession) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	st, err := s.sess.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return wtReceiveStream{st}, nil
}

func (s *wtSession) SendDatagram(b []byte) error { return s.sess.SendDatagram(b) }

func (s *wtSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return s.sess.ReceiveDatagram(ctx)
}

func (s *wtSession) CloseWithError(code uint32, msg string) error {
	return s.sess.CloseWithError(webtransport.SessionErrorCode(code), msg)
}

func (s *wtSession) Context() context.Context { return s.sess.Context() }

type wtStream struct{ webtransport.Stream }

func (s wtStream) CancelWrite(code uint32) {
	s.Stream.CancelWrite(webtransport.StreamErrorCode(code))
}

func (s wtStream) CancelRead(code uint32) {
	s.Stream.CancelRead(webtransport.StreamErrorCode(code))
}

type wtSendStream struct{ webtransport.SendStream }

func (s wtSendStream) CancelWrite(code uint32) {
	s.SendStream.CancelWrite(webtransport.StreamErrorCode(code))
}

type wtReceiveStream struct{ webtransport.ReceiveStream }

func (s wtReceiveStream) CancelRead(code uint32) {
	s.ReceiveStream.CancelRead(webtransport.StreamErrorCode(code))
}
