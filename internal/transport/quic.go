package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// DialQUIC opens a raw QUIC connection. tlsConf must carry the MoQ ALPN.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (Session, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial quic %s: %w", addr, err)
	}
	return &quicSession{conn: conn}, nil
}

// Listener accepts raw QUIC MoQ connections.
type Listener struct {
	ln *quic.Listener
}

// ListenQUIC listens on addr. The MoQ ALPN is added to tlsConf if missing.
func ListenQUIC(addr string, tlsConf *tls.Config) (*Listener, error) {
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen quic %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &quicSession{conn: conn}, nil
}

// Addr returns the local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops listening.
func (l *Listener) Close() error { return l.ln.Close() }

type quicSession struct {
	conn quic.Connection
}

func (s *quicSession) OpenStreamSync(ctx context.Context) (Stream, error) {
	st, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{st}, nil
}

func (s *quicSession) AcceptStream(ctx context.Context) (Stream, error) {
	st, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{st}, nil
}

func (s *quicSession) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	st, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicSendStream{st}, nil
}

func (s *quicSession) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	st, err := s.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicReceiveStream{st}, nil
}

func (s *quicSession) SendDatagram(b []byte) error { return s.conn.SendDatagram(b) }

func (s *quicSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return s.conn.ReceiveDatagram(ctx)
}

func (s *quicSession) CloseWithError(code uint32, msg string) error {
	return s.conn.CloseWithError(quic.ApplicationErrorCode(code), msg)
}

func (s *quicSession) Context() context.Context { return s.conn.Context() }

type quicStream struct{ quic.Stream }

func (s quicStream) CancelWrite(code uint32) { s.Stream.CancelWrite(quic.StreamErrorCode(code)) }
func (s quicStream) CancelRead(code uint32)  { s.Stream.CancelRead(quic.StreamErrorCode(code)) }

type quicSendStream struct{ quic.SendStream }

func (s quicSendStream) CancelWrite(code uint32) {
	s.SendStream.CancelWrite(quic.StreamErrorCode(code))
}

type quicReceiveStream struct{ quic.ReceiveStream }

func (s quicReceiveStream) CancelRead(code uint32) {
	s.ReceiveStream.CancelRead(quic.StreamErrorCode(code))
}
