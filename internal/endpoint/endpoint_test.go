package endpoint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/endpoint/mocks"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/sink"
	"github.com/mattjoyce/conduit/internal/status"
)

type counters struct {
	subscribe   atomic.Int32
	unsubscribe atomic.Int32
	init        atomic.Int32
	destroy     atomic.Int32
}

func countingBehaviors(c *counters) Behaviors {
	return Behaviors{
		OnSubscribe: func(context.Context, *router.Ctx, *Topic) error {
			c.subscribe.Add(1)
			return nil
		},
		OnUnsubscribe: func(context.Context, *router.Ctx, *Topic) error {
			c.unsubscribe.Add(1)
			return nil
		},
		InitSession: func(context.Context, *router.Ctx, *Session) error {
			c.init.Add(1)
			return nil
		},
		DestroySession: func(context.Context, *router.Ctx, *Session) error {
			c.destroy.Add(1)
			return nil
		},
	}
}

func mount(t *testing.T, pattern string, h router.Handler) *router.Router {
	t.Helper()
	r := router.New()
	require.NoError(t, r.Handle(pattern, h))
	return r
}

func do(t *testing.T, r *router.Router, verb protocol.Verb, path, sid string, s sink.Sink) (protocol.Ack, error) {
	t.Helper()
	c := router.NewCtx(path, router.Request{Verb: verb, SessionID: sid}, s)
	res, err := r.Dispatch(context.Background(), path, c)
	if err != nil {
		return protocol.Ack{}, err
	}
	ack, ok := res.(protocol.Ack)
	require.True(t, ok, "expected an ack, got %T", res)
	assert.Equal(t, ack.Status, c.Status)
	return ack, nil
}

func TestSubscribeTwoSessionsRunsOnSubscribeOnce(t *testing.T) {
	var n counters
	e := New("test", countingBehaviors(&n))
	r := mount(t, "/topic", e)

	ack, err := do(t, r, protocol.VerbSubscribe, "/topic", "a", sink.NewRecorder())
	require.NoError(t, err)
	assert.Equal(t, protocol.Subscribed("/topic"), ack)
	assert.Equal(t, 201, ack.Status)

	ack, err = do(t, r, protocol.VerbSubscribe, "/topic", "b", sink.NewRecorder())
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgSubscribed, ack.Message)

	assert.EqualValues(t, 1, n.subscribe.Load())
	assert.EqualValues(t, 1, n.init.Load())
	assert.Equal(t, []string{"a", "b"}, e.Sessions("/topic"))
	assert.Equal(t, []string{"/topic"}, e.Topics())
}

func TestResubscribeIsAcknowledgedOnce(t *testing.T) {
	var n counters
	e := New("test", countingBehaviors(&n))
	r := mount(t, "/topic", e)

	_, err := do(t, r, protocol.VerbSubscribe, "/topic", "a", sink.NewRecorder())
	require.NoError(t, err)
	ack, err := do(t, r, protocol.VerbSubscribe, "/topic", "a", sink.NewRecorder())
	require.NoError(t, err)

	assert.Equal(t, protocol.AlreadySubscribed("/topic"), ack)
	assert.Equal(t, 200, ack.Status)
	assert.Len(t, e.Sessions("/topic"), 1)
	assert.EqualValues(t, 1, n.subscribe.Load())
	assert.EqualValues(t, 0, n.init.Load())
}

func TestUnsubscribeUnknownSession(t *testing.T) {
	var n counters
	e := New("test", countingBehaviors(&n))
	r := mount(t, "/topic", e)

	_, err := do(t, r, protocol.VerbSubscribe, "/topic", "a", sink.NewRecorder())
	require.NoError(t, err)

	ack, err := do(t, r, protocol.VerbUnsubscribe, "/topic", "ghost", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.NotSubscribed("/topic"), ack)
	assert.Equal(t, []string{"a"}, e.Sessions("/topic"))

	_, err = do(t, r, protocol.VerbUnsubscribe, "/elsewhere", "a", nil)
	assert.True(t, status.IsNotFound(err), "unrouted path should not reach the endpoint")
}

func TestLastExplicitUnsubscribeTearsDownTopic(t *testing.T) {
	var n counters
	e := New("test", countingBehaviors(&n))
	r := mount(t, "/topic", e)

	_, err := do(t, r, protocol.VerbSubscribe, "/topic", "a", sink.NewRecorder())
	require.NoError(t, err)
	_, err = do(t, r, protocol.VerbSubscribe, "/topic", "b", sink.NewRecorder())
	require.NoError(t, err)

	ack, err := do(t, r, protocol.VerbUnsubscribe, "/topic", "a", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.Unsubscribed("/topic"), ack)
	assert.EqualValues(t, 0, n.unsubscribe.Load())
	assert.EqualValues(t, 1, n.destroy.Load())

	_, err = do(t, r, protocol.VerbUnsubscribe, "/topic", "b", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n.unsubscribe.Load())
	assert.Empty(t, e.Topics())

	ack, err = do(t, r, protocol.VerbUnsubscribe, "/topic", "b", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgNotSubscribed, ack.Message)
	assert.EqualValues(t, 1, n.unsubscribe.Load())
}

func TestSinkCloseUnsubscribes(t *testing.T) {
	var n counters
	e := New("test", countingBehaviors(&n))
	r := mount(t, "/topic", e)

	a, b := sink.NewRecorder(), sink.NewRecorder()
	_, err := do(t, r, protocol.VerbSubscribe, "/topic", "a", a)
	require.NoError(t, err)
	_, err = do(t, r, protocol.VerbSubscribe, "/topic", "b", b)
	require.NoError(t, err)

	a.Close()
	assert.Equal(t, []string{"b"}, e.Sessions("/topic"))
	assert.EqualValues(t, 0, n.unsubscribe.Load())

	b.Close()
	assert.Empty(t, e.Topics())
	assert.EqualValues(t, 1, n.unsubscribe.Load())

	// A later explicit unsubscribe finds nothing to do.
	ack, err := do(t, r, protocol.VerbUnsubscribe, "/topic", "b", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgNotSubscribed, ack.Message)
	assert.EqualValues(t, 1, n.unsubscribe.Load())
}

func TestOnSubscribeFailureDropsTopic(t *testing.T) {
	var unsub atomic.Int32
	e := New("test", Behaviors{
		OnSubscribe: func(context.Context, *router.Ctx, *Topic) error {
			return errors.New("feed unavailable")
		},
		OnUnsubscribe: func(context.Context, *router.Ctx, *Topic) error {
			unsub.Add(1)
			return nil
		},
	})
	r := mount(t, "/topic", e)

	s := sink.NewRecorder()
	_, err := do(t, r, protocol.VerbSubscribe, "/topic", "a", s)
	require.Error(t, err)
	assert.Equal(t, 500, status.Code(err))
	assert.Equal(t, "feed unavailable", err.Error())
	assert.Empty(t, e.Topics())

	s.Close()
	assert.EqualValues(t, 0, unsub.Load())
}

// subscribeAsync subscribes sid from another goroutine and reports the
// dispatch error.
func subscribeAsync(r *router.Router, sid string, s sink.Sink) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		c := router.NewCtx("/topic", router.Request{Verb: protocol.VerbSubscribe, SessionID: sid}, s)
		_, err := r.Dispatch(context.Background(), "/topic", c)
		errCh <- err
	}()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return")
		return nil
	}
}

func eventData(rec *sink.Recorder) []any {
	var out []any
	for _, m := range rec.Events() {
		out = append(out, m.Data)
	}
	return out
}

func TestJoinDuringFailingOnSubscribeIsEvicted(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var n counters
	b := countingBehaviors(&n)
	b.OnSubscribe = func(context.Context, *router.Ctx, *Topic) error {
		n.subscribe.Add(1)
		close(started)
		<-release
		return errors.New("feed unavailable")
	}
	e := New("test", b)
	r := mount(t, "/topic", e)

	errA := subscribeAsync(r, "a", sink.NewRecorder())
	<-started
	errB := subscribeAsync(r, "b", sink.NewRecorder())
	require.Eventually(t, func() bool { return len(e.Sessions("/topic")) == 2 }, time.Second, time.Millisecond)

	select {
	case err := <-errB:
		t.Fatalf("joiner answered before OnSubscribe returned: %v", err)
	default:
	}
	close(release)

	for _, errCh := range []<-chan error{errA, errB} {
		err := waitErr(t, errCh)
		require.Error(t, err)
		assert.Equal(t, 500, status.Code(err))
		assert.Equal(t, "feed unavailable", err.Error())
	}
	assert.Empty(t, e.Topics())
	assert.Empty(t, e.Sessions("/topic"))
	assert.EqualValues(t, 1, n.subscribe.Load())
	assert.EqualValues(t, 0, n.init.Load())
	assert.EqualValues(t, 0, n.unsubscribe.Load())

	ack, err := do(t, r, protocol.VerbUnsubscribe, "/topic", "b", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.NotSubscribed("/topic"), ack)
	assert.EqualValues(t, 0, n.unsubscribe.Load())
}

func TestJoinDuringOnSubscribeWaitsForFeed(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	e := New("test", Behaviors{
		OnSubscribe: func(_ context.Context, _ *router.Ctx, tp *Topic) error {
			close(started)
			<-release
			tp.Publish("first")
			return nil
		},
		InitSession: func(_ context.Context, _ *router.Ctx, s *Session) error {
			s.Publish("welcome")
			return nil
		},
	})
	r := mount(t, "/topic", e)

	recA, recB := sink.NewRecorder(), sink.NewRecorder()
	errA := subscribeAsync(r, "a", recA)
	<-started
	errB := subscribeAsync(r, "b", recB)
	require.Eventually(t, func() bool { return len(e.Sessions("/topic")) == 2 }, time.Second, time.Millisecond)
	close(release)

	require.NoError(t, waitErr(t, errA))
	require.NoError(t, waitErr(t, errB))
	assert.Equal(t, []any{"first"}, eventData(recA))
	assert.Equal(t, []any{"welcome"}, eventData(recB))
	assert.Equal(t, []string{"a", "b"}, e.Sessions("/topic"))
}

func TestRetiredTopicStartsFreshGeneration(t *testing.T) {
	var n counters
	var current atomic.Pointer[Topic]
	b := countingBehaviors(&n)
	b.OnSubscribe = func(_ context.Context, _ *router.Ctx, tp *Topic) error {
		n.subscribe.Add(1)
		current.Store(tp)
		return nil
	}
	e := New("test", b)
	r := mount(t, "/topic", e)

	recA := sink.NewRecorder()
	_, err := do(t, r, protocol.VerbSubscribe, "/topic", "a", recA)
	require.NoError(t, err)
	first := current.Load()
	first.Retire()
	assert.Empty(t, e.Topics())

	_, err = do(t, r, protocol.VerbSubscribe, "/topic", "b", sink.NewRecorder())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n.subscribe.Load())
	assert.EqualValues(t, 0, n.init.Load())
	assert.NotSame(t, first, current.Load())

	// The retired generation still tears down when its session leaves.
	ack, err := do(t, r, protocol.VerbUnsubscribe, "/topic", "a", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.Unsubscribed("/topic"), ack)
	assert.EqualValues(t, 1, n.unsubscribe.Load())
	assert.Equal(t, []string{"b"}, e.Sessions("/topic"))

	recA.Close()
	assert.EqualValues(t, 1, n.unsubscribe.Load())
}

func TestCallWithoutOnCallFallsThrough(t *testing.T) {
	e := New("test", Behaviors{})
	r := router.New()
	require.NoError(t, r.Handle("/x", e))

	_, err := r.Call(context.Background(), "/x", nil)
	assert.True(t, status.IsNotFound(err))

	require.NoError(t, r.HandleFunc("/x", func(context.Context, *router.Ctx) (any, error) {
		return "fallback", nil
	}))
	res, err := r.Call(context.Background(), "/x", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", res)
}

func TestCallInvokesOnCall(t *testing.T) {
	e := New("test", Behaviors{
		OnCall: func(_ context.Context, c *router.Ctx) (any, error) {
			return c.Param("name"), nil
		},
	})
	r := mount(t, "/greet/:name", e)

	res, err := r.Call(context.Background(), "/greet/ada", nil)
	require.NoError(t, err)
	assert.Equal(t, "ada", res)
}

func TestInvalidVerb(t *testing.T) {
	e := New("test", Behaviors{})
	r := mount(t, "/x", e)

	c := router.NewCtx("/x", router.Request{Verb: "publish"}, nil)
	_, err := r.Dispatch(context.Background(), "/x", c)
	require.Error(t, err)
	assert.True(t, status.IsBadRequest(err))
	assert.Contains(t, err.Error(), "publish")
}

func TestPublishOrderAndClosedSinks(t *testing.T) {
	var topic atomic.Pointer[Topic]
	e := New("test", Behaviors{
		OnSubscribe: func(_ context.Context, _ *router.Ctx, tp *Topic) error {
			topic.Store(tp)
			return nil
		},
	})
	r := mount(t, "/topic", e)

	var mu sync.Mutex
	var order []string
	record := func(id string) sink.Sink {
		return sink.NewStream(func(m sink.Message) error {
			if m.Type == protocol.TypeEvent {
				mu.Lock()
				order = append(order, id)
				mu.Unlock()
			}
			return nil
		})
	}
	a, b, c := record("a"), record("b"), record("c")
	_, err := do(t, r, protocol.VerbSubscribe, "/topic", "a", a)
	require.NoError(t, err)
	_, err = do(t, r, protocol.VerbSubscribe, "/topic", "b", b)
	require.NoError(t, err)
	_, err = do(t, r, protocol.VerbSubscribe, "/topic", "c", c)
	require.NoError(t, err)

	topic.Load().Publish("one")
	assert.Equal(t, []string{"a", "b", "c"}, order)

	b.Close()
	order = nil
	topic.Load().Publish("two")
	assert.Equal(t, []string{"a", "c"}, order)
	assert.Equal(t, []string{"a", "c"}, e.Sessions("/topic"))
}

func TestConcurrentSubscribeCreatesTopicOnce(t *testing.T) {
	var n atomic.Int32
	e := New("test", Behaviors{
		OnSubscribe: func(context.Context, *router.Ctx, *Topic) error {
			n.Add(1)
			time.Sleep(10 * time.Millisecond)
			return nil
		},
	})
	r := mount(t, "/topic", e)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := router.NewCtx("/topic", router.Request{
				Verb:      protocol.VerbSubscribe,
				SessionID: string(rune('a' + i)),
			}, sink.NewRecorder())
			_, err := r.Dispatch(context.Background(), "/topic", c)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, n.Load())
	assert.Len(t, e.Sessions("/topic"), 16)
}

func TestTopicKeyIncludesFilter(t *testing.T) {
	e := New("test", Behaviors{})
	r := mount(t, "/cfg", e)

	c := router.NewCtx("/cfg", router.Request{
		Verb:      protocol.VerbSubscribe,
		SessionID: "a",
		Data:      []byte(`{"filter":"/service/name"}`),
	}, sink.NewRecorder())
	res, err := r.Dispatch(context.Background(), "/cfg", c)
	require.NoError(t, err)
	assert.Equal(t, "/cfg?filter=service.name", res.(protocol.Ack).Topic)
}

func TestShutdownRunsOnUnsubscribe(t *testing.T) {
	var n counters
	e := New("test", countingBehaviors(&n))
	r := mount(t, "/:name", e)

	s := sink.NewRecorder()
	_, err := do(t, r, protocol.VerbSubscribe, "/a", "1", s)
	require.NoError(t, err)
	_, err = do(t, r, protocol.VerbSubscribe, "/b", "1", sink.NewRecorder())
	require.NoError(t, err)

	require.NoError(t, e.Shutdown(context.Background()))
	assert.Empty(t, e.Topics())
	assert.EqualValues(t, 2, n.unsubscribe.Load())

	s.Close()
	assert.EqualValues(t, 2, n.unsubscribe.Load())
}

func TestObserverSeesTransitions(t *testing.T) {
	ctrl := gomock.NewController(t)
	obs := mocks.NewMockObserver(ctrl)

	gomock.InOrder(
		obs.EXPECT().TopicChanged("test", "/topic", true),
		obs.EXPECT().SessionChanged("test", "/topic", "a", true),
		obs.EXPECT().SessionChanged("test", "/topic", "a", false),
		obs.EXPECT().TopicChanged("test", "/topic", false),
	)

	e := New("test", Behaviors{}, WithObserver(obs))
	r := mount(t, "/topic", e)

	s := sink.NewRecorder()
	_, err := do(t, r, protocol.VerbSubscribe, "/topic", "a", s)
	require.NoError(t, err)
	s.Close()
}
