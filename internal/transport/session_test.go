package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/endpoint"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/sink"
	"github.com/mattjoyce/conduit/internal/transport/mocks"
)

// ticker is a test endpoint that greets each new topic and remembers it so
// tests can publish later.
type ticker struct {
	*endpoint.Endpoint

	subscribed   atomic.Int32
	unsubscribed atomic.Int32

	mu     sync.Mutex
	topics map[string]*endpoint.Topic
}

func newTicker() *ticker {
	tk := &ticker{topics: make(map[string]*endpoint.Topic)}
	tk.Endpoint = endpoint.New("ticker", endpoint.Behaviors{
		OnCall: func(_ context.Context, c *router.Ctx) (any, error) {
			return map[string]string{"name": c.Param("name")}, nil
		},
		OnSubscribe: func(_ context.Context, c *router.Ctx, t *endpoint.Topic) error {
			tk.subscribed.Add(1)
			tk.mu.Lock()
			tk.topics[t.Key()] = t
			tk.mu.Unlock()
			t.Publish(map[string]string{"hello": c.Param("name")})
			return nil
		},
		OnUnsubscribe: func(context.Context, *router.Ctx, *endpoint.Topic) error {
			tk.unsubscribed.Add(1)
			return nil
		},
	})
	return tk
}

func (tk *ticker) publish(key string, msg any) bool {
	tk.mu.Lock()
	t := tk.topics[key]
	tk.mu.Unlock()
	if t == nil {
		return false
	}
	t.Publish(msg)
	return true
}

func testRouter(t *testing.T) (*router.Router, *ticker) {
	t.Helper()
	r := router.New()
	require.NoError(t, r.HandleFunc("/echo", func(_ context.Context, c *router.Ctx) (any, error) {
		var in map[string]any
		if err := c.Request.Bind(&in); err != nil {
			return nil, err
		}
		return in, nil
	}))
	tk := newTicker()
	require.NoError(t, r.Handle("/ticker/:name", tk))
	return r, tk
}

// pipe drives a session through a mocked Conn.
type pipe struct {
	reads  chan []byte
	writes chan *protocol.Outbound
}

func newPipe(t *testing.T, ctrl *gomock.Controller) (*pipe, *mocks.MockConn) {
	t.Helper()
	p := &pipe{reads: make(chan []byte), writes: make(chan *protocol.Outbound, 32)}
	conn := mocks.NewMockConn(ctrl)
	conn.EXPECT().RemoteAddr().Return("pipe").AnyTimes()
	conn.EXPECT().ReadFrame().DoAndReturn(func() ([]byte, error) {
		b, ok := <-p.reads
		if !ok {
			return nil, ErrConnClosed
		}
		return b, nil
	}).AnyTimes()
	conn.EXPECT().WriteFrame(gomock.Any()).DoAndReturn(func(b []byte) error {
		out, err := protocol.DecodeOutbound(b)
		if !assert.NoError(t, err) {
			return err
		}
		p.writes <- out
		return nil
	}).AnyTimes()
	return p, conn
}

func (p *pipe) send(t *testing.T, in *protocol.Inbound) {
	t.Helper()
	b, err := protocol.EncodeInbound(in)
	require.NoError(t, err)
	p.reads <- b
}

func (p *pipe) next(t *testing.T) *protocol.Outbound {
	t.Helper()
	select {
	case out := <-p.writes:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func runSession(t *testing.T, s *Session) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	return errCh
}

func TestSessionVersionMismatchClosesConnection(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRouter(t)

	var written []byte
	conn := mocks.NewMockConn(ctrl)
	conn.EXPECT().RemoteAddr().Return("test").AnyTimes()
	read := conn.EXPECT().ReadFrame().Return([]byte(`{"version":"2.0","id":"m1","path":"/echo"}`), nil)
	write := conn.EXPECT().WriteFrame(gomock.Any()).DoAndReturn(func(b []byte) error {
		written = b
		return nil
	}).After(read)
	conn.EXPECT().Close().Return(nil).After(write)

	s := NewSession(conn, r, DefaultConfig())
	require.NoError(t, s.Run(context.Background()))

	out, err := protocol.DecodeOutbound(written)
	require.NoError(t, err)
	assert.Equal(t, "m1", out.ID)
	assert.Equal(t, 505, out.Status)
	assert.Equal(t, protocol.TypeResponse, out.Type)

	select {
	case <-s.Done():
	default:
		t.Fatal("session should be closed")
	}
}

func TestSessionMalformedFrameKeepsConnection(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRouter(t)
	p, conn := newPipe(t, ctrl)
	conn.EXPECT().Close().Return(nil)

	errCh := runSession(t, NewSession(conn, r, DefaultConfig()))

	p.reads <- []byte(`{"version":"1.0","id":"bad"`)
	out := p.next(t)
	assert.Equal(t, 400, out.Status)

	p.reads <- []byte(`{"version":"1.0","path":"/echo"}`)
	out = p.next(t)
	assert.Equal(t, 400, out.Status)
	assert.Contains(t, out.Message, "id")

	p.send(t, &protocol.Inbound{ID: "m2", Path: "/echo", Data: json.RawMessage(`{"a":1}`)})
	out = p.next(t)
	assert.Equal(t, "m2", out.ID)
	assert.Equal(t, 200, out.Status)
	assert.JSONEq(t, `{"a":1}`, string(out.Data))

	close(p.reads)
	require.NoError(t, <-errCh)
}

func TestSessionCallErrorsCarryStatus(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRouter(t)
	p, conn := newPipe(t, ctrl)
	conn.EXPECT().Close().Return(nil)

	errCh := runSession(t, NewSession(conn, r, DefaultConfig()))

	p.send(t, &protocol.Inbound{ID: "m1", Path: "/nowhere"})
	out := p.next(t)
	assert.Equal(t, 404, out.Status)
	assert.Equal(t, protocol.TypeResponse, out.Type)

	p.send(t, &protocol.Inbound{ID: "m2", Path: "/ticker/x", Verb: "publish"})
	out = p.next(t)
	assert.Equal(t, 400, out.Status)
	assert.Contains(t, out.Message, "invalid verb")

	// Plain handlers never see a verb outside call, subscribe and unsubscribe.
	p.send(t, &protocol.Inbound{ID: "m3", Path: "/echo", Verb: "publish", Data: json.RawMessage(`{"n":1}`)})
	out = p.next(t)
	assert.Equal(t, "m3", out.ID)
	assert.Equal(t, 400, out.Status)
	assert.Empty(t, out.Data)

	close(p.reads)
	require.NoError(t, <-errCh)
}

func TestSessionAckPrecedesEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, tk := testRouter(t)
	p, conn := newPipe(t, ctrl)
	conn.EXPECT().Close().Return(nil)

	s := NewSession(conn, r, DefaultConfig())
	errCh := runSession(t, s)

	p.send(t, &protocol.Inbound{ID: "sub1", Path: "/ticker/x", Verb: protocol.VerbSubscribe})
	ack := p.next(t)
	assert.Equal(t, protocol.TypeSubscribe, ack.Type)
	assert.Equal(t, 201, ack.Status)
	assert.Equal(t, "/ticker/x", ack.Topic)
	assert.Equal(t, protocol.MsgSubscribed, ack.Message)

	ev := p.next(t)
	assert.Equal(t, protocol.TypeEvent, ev.Type)
	assert.Equal(t, "sub1", ev.ID)
	assert.JSONEq(t, `{"hello":"x"}`, string(ev.Data))

	require.True(t, tk.publish("/ticker/x", "tick"))
	ev = p.next(t)
	assert.JSONEq(t, `"tick"`, string(ev.Data))

	p.send(t, &protocol.Inbound{ID: "u1", Verb: protocol.VerbUnsubscribe, SessionID: "sub1"})
	out := p.next(t)
	assert.Equal(t, protocol.TypeUnsubscribe, out.Type)
	assert.Equal(t, protocol.MsgUnsubscribed, out.Message)
	assert.Equal(t, 0, s.Streams())
	assert.EqualValues(t, 1, tk.unsubscribed.Load())

	close(p.reads)
	require.NoError(t, <-errCh)
}

func TestSessionDuplicateSubscribe(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, tk := testRouter(t)
	p, conn := newPipe(t, ctrl)
	conn.EXPECT().Close().Return(nil)

	s := NewSession(conn, r, DefaultConfig())
	errCh := runSession(t, s)

	p.send(t, &protocol.Inbound{ID: "s1", Path: "/ticker/x", Verb: protocol.VerbSubscribe})
	assert.Equal(t, 201, p.next(t).Status)
	assert.Equal(t, protocol.TypeEvent, p.next(t).Type)

	p.send(t, &protocol.Inbound{ID: "s1", Path: "/ticker/x", Verb: protocol.VerbSubscribe})
	out := p.next(t)
	assert.Equal(t, 200, out.Status)
	assert.Equal(t, protocol.MsgAlreadySubscribed, out.Message)

	p.send(t, &protocol.Inbound{ID: "s1", Path: "/ticker/y", Verb: protocol.VerbSubscribe})
	out = p.next(t)
	assert.Equal(t, 400, out.Status)

	assert.Equal(t, 1, s.Streams())
	assert.EqualValues(t, 1, tk.subscribed.Load())

	close(p.reads)
	require.NoError(t, <-errCh)
}

func TestSessionUnsubscribeUnknown(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := testRouter(t)
	p, conn := newPipe(t, ctrl)
	conn.EXPECT().Close().Return(nil)

	errCh := runSession(t, NewSession(conn, r, DefaultConfig()))

	p.send(t, &protocol.Inbound{ID: "u1", Verb: protocol.VerbUnsubscribe, SessionID: "nope"})
	out := p.next(t)
	assert.Equal(t, 200, out.Status)
	assert.Equal(t, protocol.MsgNotSubscribed, out.Message)

	p.send(t, &protocol.Inbound{ID: "u2", Path: "/ticker/x", Verb: protocol.VerbUnsubscribe, SessionID: "nope"})
	out = p.next(t)
	assert.Equal(t, protocol.MsgNotSubscribed, out.Message)
	assert.Equal(t, "/ticker/x", out.Topic)

	close(p.reads)
	require.NoError(t, <-errCh)
}

func TestSessionCloseUnsubscribesStreams(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, tk := testRouter(t)
	p, conn := newPipe(t, ctrl)
	conn.EXPECT().Close().Return(nil)

	s := NewSession(conn, r, DefaultConfig())
	errCh := runSession(t, s)

	p.send(t, &protocol.Inbound{ID: "a", Path: "/ticker/x", Verb: protocol.VerbSubscribe})
	p.next(t)
	p.send(t, &protocol.Inbound{ID: "b", Path: "/ticker/y", Verb: protocol.VerbSubscribe})
	p.next(t)
	assert.Eventually(t, func() bool { return s.Streams() == 2 }, time.Second, 10*time.Millisecond)

	close(p.reads)
	require.NoError(t, <-errCh)

	assert.EqualValues(t, 2, tk.unsubscribed.Load())
	assert.Empty(t, tk.Topics())
}

func TestSessionSlowConsumerDoesNotStallTopic(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, tk := testRouter(t)

	reads := make(chan []byte)
	entered := make(chan struct{}, 1)
	stuck := make(chan struct{})
	conn := mocks.NewMockConn(ctrl)
	conn.EXPECT().RemoteAddr().Return("slow").AnyTimes()
	conn.EXPECT().ReadFrame().DoAndReturn(func() ([]byte, error) {
		b, ok := <-reads
		if !ok {
			return nil, ErrConnClosed
		}
		return b, nil
	}).AnyTimes()
	conn.EXPECT().WriteFrame(gomock.Any()).DoAndReturn(func([]byte) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-stuck
		return ErrConnClosed
	}).AnyTimes()
	conn.EXPECT().Close().DoAndReturn(func() error {
		close(stuck)
		close(reads)
		return nil
	})

	cfg := DefaultConfig()
	// Room for the ack and greeting; the first published events overflow.
	cfg.OutboundQueue = 2
	s := NewSession(conn, r, cfg)
	errCh := runSession(t, s)

	b, err := protocol.EncodeInbound(&protocol.Inbound{ID: "sub1", Path: "/ticker/a", Verb: protocol.VerbSubscribe})
	require.NoError(t, err)
	reads <- b
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never started")
	}

	local := sink.NewRecorder()
	c := router.NewCtx("/ticker/a", router.Request{Verb: protocol.VerbSubscribe, SessionID: "local"}, local)
	_, err = r.Dispatch(context.Background(), "/ticker/a", c)
	require.NoError(t, err)

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i < 5; i++ {
			tk.publish("/ticker/a", i)
		}
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled connection")
	}

	require.Len(t, local.Events(), 5)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow connection was not closed")
	}
	assert.Eventually(t, func() bool {
		ids := tk.Sessions("/ticker/a")
		return len(ids) == 1 && ids[0] == "local"
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, <-errCh)
}
