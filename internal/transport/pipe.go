package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
)

const (
	pipeStreamBacklog   = 128
	pipeDatagramBacklog = 256
)

// PipeSession is one end of an in-memory transport created by NewPipe.
// Stream writes block until the peer reads them. Datagrams are dropped when
// the peer's backlog is full.
type PipeSession struct {
	conn *pipeConn
	peer *PipeSession

	bidi   chan *pipeStream
	uni    chan *pipeReceiveStream
	dgrams chan []byte

	mu     sync.Mutex
	orders []int64
}

type pipeConn struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	closers []func(error)
}

// NewPipe returns two connected sessions.
func NewPipe() (client, server *PipeSession) {
	ctx, cancel := context.WithCancelCause(context.Background())
	conn := &pipeConn{ctx: ctx, cancel: cancel}
	client = newPipeSession(conn)
	server = newPipeSession(conn)
	client.peer, server.peer = server, client
	return client, server
}

func newPipeSession(conn *pipeConn) *PipeSession {
	return &PipeSession{
		conn:   conn,
		bidi:   make(chan *pipeStream, pipeStreamBacklog),
		uni:    make(chan *pipeReceiveStream, pipeStreamBacklog),
		dgrams: make(chan []byte, pipeDatagramBacklog),
	}
}

// track registers a pipe end to fail when the connection closes.
func (c *pipeConn) track(fn func(error)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return false
	}
	c.closers = append(c.closers, fn)
	return true
}

func (c *pipeConn) closed() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return context.Cause(c.ctx)
}

func (s *PipeSession) newPipe() (*io.PipeReader, *io.PipeWriter, error) {
	pr, pw := io.Pipe()
	// Readers see err; blocked and later writes fail with io.ErrClosedPipe.
	ok := s.conn.track(func(err error) { pw.CloseWithError(err) })
	if !ok {
		return nil, nil, s.conn.closed()
	}
	return pr, pw, nil
}

func (s *PipeSession) OpenStreamSync(ctx context.Context) (Stream, error) {
	ar, aw, err := s.newPipe()
	if err != nil {
		return nil, err
	}
	br, bw, err := s.newPipe()
	if err != nil {
		return nil, err
	}
	local := &pipeStream{r: br, w: aw}
	remote := &pipeStream{r: ar, w: bw}
	select {
	case s.peer.bidi <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.conn.ctx.Done():
		return nil, s.conn.closed()
	}
}

func (s *PipeSession) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case st := <-s.bidi:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.conn.ctx.Done():
		return nil, s.conn.closed()
	}
}

func (s *PipeSession) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	pr, pw, err := s.newPipe()
	if err != nil {
		return nil, err
	}
	select {
	case s.peer.uni <- &pipeReceiveStream{r: pr}:
		return &pipeSendStream{w: pw, sess: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.conn.ctx.Done():
		return nil, s.conn.closed()
	}
}

func (s *PipeSession) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	select {
	case st := <-s.uni:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.conn.ctx.Done():
		return nil, s.conn.closed()
	}
}

func (s *PipeSession) SendDatagram(b []byte) error {
	if err := s.conn.closed(); err != nil {
		return err
	}
	select {
	case s.peer.dgrams <- append([]byte(nil), b...):
	default:
	}
	return nil
}

func (s *PipeSession) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-s.dgrams:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.conn.ctx.Done():
		return nil, s.conn.closed()
	}
}

// CloseWithError closes both ends and fails every open stream.
func (s *PipeSession) CloseWithError(code uint32, msg string) error {
	c := s.conn
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil
	}
	err := fmt.Errorf("%w: code %d: %s", ErrSessionClosed, code, msg)
	c.cancel(err)
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	for _, fn := range closers {
		fn(err)
	}
	return nil
}

func (s *PipeSession) Context() context.Context { return s.conn.ctx }

// SendOrders returns the send orders set on unidirectional streams opened
// by this end, in the order they were set.
func (s *PipeSession) SendOrders() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.orders...)
}

type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeStream) Close() error                { return p.w.Close() }

func (p *pipeStream) CancelWrite(code uint32) {
	p.w.CloseWithError(&StreamResetError{Code: code})
}

func (p *pipeStream) CancelRead(code uint32) {
	p.r.CloseWithError(&StreamResetError{Code: code})
}

type pipeSendStream struct {
	w    *io.PipeWriter
	sess *PipeSession
}

func (p *pipeSendStream) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeSendStream) Close() error                { return p.w.Close() }

func (p *pipeSendStream) CancelWrite(code uint32) {
	p.w.CloseWithError(&StreamResetError{Code: code})
}

func (p *pipeSendStream) SetSendOrder(order int64) {
	p.sess.mu.Lock()
	p.sess.orders = append(p.sess.orders, order)
	p.sess.mu.Unlock()
}

type pipeReceiveStream struct {
	r *io.PipeReader
}

func (p *pipeReceiveStream) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipeReceiveStream) CancelRead(code uint32) {
	p.r.CloseWithError(&StreamResetError{Code: code})
}

// StreamResetError is returned by reads and writes on a pipe stream that
// was reset with CancelRead or CancelWrite.
type StreamResetError struct {
	Code uint32
}

func (e *StreamResetError) Error() string {
	return fmt.Sprintf("transport: stream reset with code %d", e.Code)
}
