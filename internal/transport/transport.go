// Package transport abstracts the multiplexed connection a MoQ session runs
// over: one bidirectional control stream, any number of unidirectional data
// streams opened by either peer, and an unreliable datagram channel.
//
// Adapters are provided for raw QUIC (quic-go), WebTransport
// (webtransport-go) and an in-memory pipe used by tests.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"github.com/zsiec/moqlink/internal/certs"
)

// ALPN is the application protocol negotiated for MoQ over raw QUIC.
const ALPN = "moq-00"

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("transport: session closed")

// Session is a multiplexed transport connection.
type Session interface {
	OpenStreamSync(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	OpenUniStreamSync(ctx context.Context) (SendStream, error)
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)
	SendDatagram(b []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	CloseWithError(code uint32, msg string) error
	Context() context.Context
}

// SendStream is the sending half of a stream. Close finishes the stream
// cleanly; CancelWrite resets it.
type SendStream interface {
	io.WriteCloser
	CancelWrite(code uint32)
}

// ReceiveStream is the receiving half of a stream.
type ReceiveStream interface {
	io.Reader
	CancelRead(code uint32)
}

// Stream is a bidirectional stream.
type Stream interface {
	SendStream
	ReceiveStream
}

// SendOrderer is implemented by send streams whose transport honours a
// per-stream send order. Higher values are sent first.
type SendOrderer interface {
	SetSendOrder(order int64)
}

// IsClosed reports whether err signals that the session or stream was shut
// down, locally or by the peer, rather than a failure.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionClosed) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var (
		appErr    *quic.ApplicationError
		idleErr   *quic.IdleTimeoutError
		streamErr *quic.StreamError
		sessErr   *webtransport.SessionError
		wtStrErr  *webtransport.StreamError
		resetErr  *StreamResetError
	)
	return errors.As(err, &appErr) || errors.As(err, &idleErr) ||
		errors.As(err, &streamErr) || errors.As(err, &sessErr) ||
		errors.As(err, &wtStrErr) || errors.As(err, &resetErr)
}

// Options configures Dial.
type Options struct {
	// Transport is "webtransport" (default) or "quic".
	Transport string
	// URL is https://host:port/path for WebTransport and moqt://host:port
	// (or host:port) for QUIC.
	URL string
	// Insecure skips certificate verification.
	Insecure bool
	// Fingerprint pins the server certificate by its base64 SHA-256.
	Fingerprint string
	// Header is sent with the WebTransport CONNECT request.
	Header http.Header
}

// Dial connects to a relay.
func Dial(ctx context.Context, opts Options) (Session, error) {
	switch opts.Transport {
	case "quic":
		addr, err := quicAddr(opts.URL)
		if err != nil {
			return nil, err
		}
		tlsConf, err := clientTLS(opts, ALPN)
		if err != nil {
			return nil, err
		}
		return DialQUIC(ctx, addr, tlsConf)
	case "webtransport", "":
		tlsConf, err := clientTLS(opts)
		if err != nil {
			return nil, err
		}
		return DialWebTransport(ctx, opts.URL, tlsConf, opts.Header)
	}
	return nil, fmt.Errorf("transport: unknown transport %q", opts.Transport)
}

func clientTLS(opts Options, alpn ...string) (*tls.Config, error) {
	if opts.Fingerprint != "" {
		fp, err := certs.ParseFingerprint(opts.Fingerprint)
		if err != nil {
			return nil, err
		}
		return certs.PinnedClientTLS(fp, alpn...), nil
	}
	return &tls.Config{
		NextProtos:         alpn,
		InsecureSkipVerify: opts.Insecure, //nolint:gosec // operator opt-in for dev relays
	}, nil
}

func quicAddr(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("transport: parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("transport: url %q has no host", raw)
	}
	return u.Host, nil
}
