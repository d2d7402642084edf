package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/moqlink/internal/moq"
	"github.com/zsiec/moqlink/internal/transport"
)

// fakeRelay is the server end of a control stream. Every message the
// session sends is queued on in; respond may return replies, which are
// written from a separate goroutine so neither side blocks the other.
type fakeRelay struct {
	conn    *transport.PipeSession
	version moq.Version
	params  moq.Parameters
	respond func(moq.Message) []moq.Message

	setup chan *moq.ClientSetup
	in    chan moq.Message
	out   chan moq.Message
}

func newFakeRelay(t *testing.T, conn *transport.PipeSession, respond func(moq.Message) []moq.Message) *fakeRelay {
	t.Helper()
	var params moq.Parameters
	params.SetUint(moq.ParamRole, moq.RolePubSub)
	params.SetUint(moq.ParamMaxRequestID, 100)
	return &fakeRelay{
		conn:    conn,
		version: moq.Draft15,
		params:  params,
		respond: respond,
		setup:   make(chan *moq.ClientSetup, 1),
		in:      make(chan moq.Message, 128),
		out:     make(chan moq.Message, 128),
	}
}

// serve accepts the control stream and runs the relay until it closes.
func (rl *fakeRelay) serve(t *testing.T) {
	t.Helper()
	go func() {
		defer close(rl.in)
		st, err := rl.conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		go func() {
			for m := range rl.out {
				if err := moq.WriteMessage(st, m); err != nil {
					return
				}
			}
		}()

		r := moq.NewReader(st)
		msg, err := moq.ReadMessage(r, 0)
		if err != nil {
			return
		}
		cs, ok := msg.(*moq.ClientSetup)
		if !ok {
			return
		}
		rl.setup <- cs
		rl.out <- &moq.ServerSetup{SelectedVersion: rl.version, Params: rl.params}

		for {
			msg, err := moq.ReadMessage(r, rl.version)
			if err != nil {
				return
			}
			rl.in <- msg
			if rl.respond != nil {
				for _, reply := range rl.respond(msg) {
					rl.out <- reply
				}
			}
		}
	}()
}

func (rl *fakeRelay) send(m moq.Message) { rl.out <- m }

// next returns the next message the session sent, which must be a T.
func next[T moq.Message](t *testing.T, rl *fakeRelay) T {
	t.Helper()
	select {
	case msg, ok := <-rl.in:
		require.True(t, ok, "control stream closed")
		got, ok := msg.(T)
		require.Truef(t, ok, "got %T", msg)
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for control message")
	}
	var zero T
	return zero
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startSession runs a session over a pipe against rl's respond function.
func startSession(t *testing.T, cfg Config, respond func(moq.Message) []moq.Message) (*Session, *fakeRelay) {
	t.Helper()
	s, rl := initSession(t, cfg, respond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	return s, rl
}

func initSession(t *testing.T, cfg Config, respond func(moq.Message) []moq.Message) (*Session, *fakeRelay) {
	t.Helper()
	client, server := transport.NewPipe()
	rl := newFakeRelay(t, server, respond)
	rl.serve(t)

	if cfg.Log == nil {
		cfg.Log = testLogger()
	}
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background(), client))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, rl
}

func acceptAnnounce(msg moq.Message) []moq.Message {
	if m, ok := msg.(*moq.Announce); ok {
		return []moq.Message{&moq.AnnounceOK{RequestID: m.RequestID}}
	}
	return nil
}
