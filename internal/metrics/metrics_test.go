package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/endpoint"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/sink"
)

func TestDispatchCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	r := router.New(m.RouterOptions()...)
	require.NoError(t, r.HandleFunc("/ok", func(context.Context, *router.Ctx) (any, error) {
		return "fine", nil
	}))

	_, err := r.Call(context.Background(), "/ok", nil)
	require.NoError(t, err)
	_, err = r.Call(context.Background(), "/missing", nil)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("call", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("call", "404")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.dispatchDuration))
}

func TestEndpointObserver(t *testing.T) {
	m := New(nil)
	e := endpoint.New("things", endpoint.Behaviors{}, endpoint.WithObserver(m))
	r := router.New()
	require.NoError(t, r.Handle("/things", e))

	subscribe := func(sid string) sink.Sink {
		s := sink.NewRecorder()
		c := router.NewCtx("/things", router.Request{Verb: protocol.VerbSubscribe, SessionID: sid}, s)
		_, err := r.Dispatch(context.Background(), "/things", c)
		require.NoError(t, err)
		return s
	}

	a := subscribe("a")
	b := subscribe("b")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.topics.WithLabelValues("things")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.subscriptions.WithLabelValues("things")))

	a.Close()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscriptions.WithLabelValues("things")))
	b.Close()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.topics.WithLabelValues("things")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.subscriptions.WithLabelValues("things")))
}

func TestConnectionMetricsAndHandler(t *testing.T) {
	m := New(nil)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.FrameIn()
	m.FrameOut()
	m.FrameOut()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues("out")))

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "conduit_connections_active 1"))
}
