// Package metrics holds the daemon's Prometheus collectors. A single
// Collectors value feeds the router hooks, the endpoint observers and the
// transport's connection counts.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/status"
)

// DefaultNamespace prefixes every metric name unless overridden.
const DefaultNamespace = "conduit"

// Option configures Collectors.
type Option func(*options)

type options struct {
	namespace string
}

// WithNamespace overrides the metric namespace.
func WithNamespace(ns string) Option {
	return func(o *options) {
		if ns != "" {
			o.namespace = ns
		}
	}
}

// Collectors implements transport.Metrics and endpoint.Observer.
type Collectors struct {
	gatherer prometheus.Gatherer

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	connections      prometheus.Gauge
	frames           *prometheus.CounterVec
	topics           *prometheus.GaugeVec
	subscriptions    *prometheus.GaugeVec
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry, opts ...Option) *Collectors {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	o := options{namespace: DefaultNamespace}
	for _, opt := range opts {
		opt(&o)
	}
	namespace := o.namespace
	f := promauto.With(reg)
	return &Collectors{
		gatherer: reg,
		dispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatched requests by verb and status code.",
		}, []string{"verb", "status"}),
		dispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to resolve a dispatched request.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"verb"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open WebSocket connections.",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames read and written on WebSocket connections.",
		}, []string{"direction"}), // in | out
		topics: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topics_active",
			Help:      "Active topics per endpoint.",
		}, []string{"endpoint"}),
		subscriptions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_active",
			Help:      "Subscribed sessions per endpoint.",
		}, []string{"endpoint"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RouterOptions returns the hooks that record dispatch counts and latency.
func (m *Collectors) RouterOptions() []router.Option {
	return []router.Option{
		router.WithOnComplete(m.observeDispatch),
	}
}

func (m *Collectors) observeDispatch(_ context.Context, c *router.Ctx, err error, elapsed time.Duration) {
	code := c.Status
	if err != nil {
		code = status.Code(err)
	}
	verb := string(c.Request.Verb)
	m.dispatchTotal.WithLabelValues(verb, strconv.Itoa(code)).Inc()
	m.dispatchDuration.WithLabelValues(verb).Observe(elapsed.Seconds())
}

func (m *Collectors) ConnectionOpened() { m.connections.Inc() }
func (m *Collectors) ConnectionClosed() { m.connections.Dec() }
func (m *Collectors) FrameIn()          { m.frames.WithLabelValues("in").Inc() }
func (m *Collectors) FrameOut()         { m.frames.WithLabelValues("out").Inc() }

// TopicChanged tracks topic activation per endpoint.
func (m *Collectors) TopicChanged(endpoint, _ string, active bool) {
	if active {
		m.topics.WithLabelValues(endpoint).Inc()
		return
	}
	m.topics.WithLabelValues(endpoint).Dec()
}

// SessionChanged tracks subscribed sessions per endpoint.
func (m *Collectors) SessionChanged(endpoint, _, _ string, joined bool) {
	if joined {
		m.subscriptions.WithLabelValues(endpoint).Inc()
		return
	}
	m.subscriptions.WithLabelValues(endpoint).Dec()
}
