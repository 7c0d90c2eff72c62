// Package router resolves request paths to handlers. Routes are matched in
// registration order, the first match wins, and a Router can itself be bound
// as a handler to delegate a path prefix to a nested Router.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/status"
)

const tracerName = "github.com/mattjoyce/conduit/internal/router"

// ErrNextCalledTwice is returned when a chained handler invokes its
// continuation more than once.
var ErrNextCalledTwice = errors.New("next called more than once")

// Next defers the current request to the next matching route.
type Next func() (any, error)

// Handler is anything that can be bound to a route.
type Handler interface {
	Serve(ctx context.Context, c *Ctx, next Next) (any, error)
}

// HandlerFunc is a terminal handler. Whatever it returns is the result.
type HandlerFunc func(ctx context.Context, c *Ctx) (any, error)

// Serve implements Handler.
func (f HandlerFunc) Serve(ctx context.Context, c *Ctx, _ Next) (any, error) {
	return f(ctx, c)
}

// ChainFunc is a handler that may defer to the next matching route by
// invoking next, at most once.
type ChainFunc func(ctx context.Context, c *Ctx, next Next) (any, error)

// Serve implements Handler.
func (f ChainFunc) Serve(ctx context.Context, c *Ctx, next Next) (any, error) {
	return f(ctx, c, next)
}

// OnDispatchFunc runs before a top-level dispatch resolves.
type OnDispatchFunc func(ctx context.Context, c *Ctx)

// OnCompleteFunc runs after a top-level dispatch resolves.
type OnCompleteFunc func(ctx context.Context, c *Ctx, err error, elapsed time.Duration)

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// WithTracer sets the tracer used for the span opened per top-level dispatch.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) {
		r.tracer = t
	}
}

// WithOnDispatch adds a hook called before each top-level dispatch.
func WithOnDispatch(fn OnDispatchFunc) Option {
	return func(r *Router) {
		r.onDispatch = append(r.onDispatch, fn)
	}
}

// WithOnComplete adds a hook called after each top-level dispatch.
func WithOnComplete(fn OnCompleteFunc) Option {
	return func(r *Router) {
		r.onComplete = append(r.onComplete, fn)
	}
}

type route struct {
	pattern *pattern
	handler Handler
	nested  bool
}

// RouteInfo describes a registered route.
type RouteInfo struct {
	Pattern string
	Params  []string
	Nested  bool
}

// Router is an ordered table of (pattern, handler) bindings.
type Router struct {
	mu     sync.RWMutex
	routes []route

	logger     *slog.Logger
	tracer     trace.Tracer
	onDispatch []OnDispatchFunc
	onComplete []OnCompleteFunc
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		logger: log.WithComponent("router"),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle binds pattern to h. The handler must be a HandlerFunc, a ChainFunc,
// a *Router, or any other Handler implementation.
func (r *Router) Handle(pattern string, h Handler) error {
	rt, err := r.compile(pattern, h)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.routes = append(r.routes, rt)
	r.mu.Unlock()
	return nil
}

// HandleAll binds every pattern to h, in order. Nothing is registered unless
// every pattern is valid.
func (r *Router) HandleAll(patterns []string, h Handler) error {
	if len(patterns) == 0 {
		return status.BadRequest("no patterns given")
	}
	compiled := make([]route, 0, len(patterns))
	for _, p := range patterns {
		rt, err := r.compile(p, h)
		if err != nil {
			return err
		}
		compiled = append(compiled, rt)
	}
	r.mu.Lock()
	r.routes = append(r.routes, compiled...)
	r.mu.Unlock()
	return nil
}

// HandleFunc binds pattern to a terminal function.
func (r *Router) HandleFunc(pattern string, fn func(ctx context.Context, c *Ctx) (any, error)) error {
	if fn == nil {
		return status.BadRequest("nil handler for %q", pattern)
	}
	return r.Handle(pattern, HandlerFunc(fn))
}

// Mount delegates every path under prefix to sub.
func (r *Router) Mount(prefix string, sub *Router) error {
	return r.Handle(prefix, sub)
}

// Routes lists the registered routes in match order.
func (r *Router) Routes() []RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RouteInfo, 0, len(r.routes))
	for _, rt := range r.routes {
		out = append(out, RouteInfo{
			Pattern: rt.pattern.raw,
			Params:  append([]string(nil), rt.pattern.names...),
			Nested:  rt.nested,
		})
	}
	return out
}

func (r *Router) compile(raw string, h Handler) (route, error) {
	if isNil(h) {
		return route{}, status.BadRequest("nil handler for %q", raw)
	}
	p, err := parsePattern(raw)
	if err != nil {
		return route{}, err
	}
	sub, nested := h.(*Router)
	if nested {
		if sub == r {
			return route{}, status.BadRequest("router cannot be mounted on itself at %q", raw)
		}
		if p.hasWildcard() {
			return route{}, status.BadRequest("invalid pattern %q: nested router cannot use a wildcard", raw)
		}
	}
	return route{pattern: p, handler: h, nested: nested}, nil
}

func isNil(h Handler) bool {
	if h == nil {
		return true
	}
	v := reflect.ValueOf(h)
	switch v.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Map, reflect.Interface, reflect.Slice, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// Dispatch resolves path and runs the matching handler chain. It is the
// top-level entry point: hooks and tracing run here, panics are recovered, and
// every failure is returned as a *status.Error.
func (r *Router) Dispatch(ctx context.Context, path string, c *Ctx) (result any, err error) {
	if c == nil {
		c = NewCtx(path, Request{}, nil)
	}
	if c.FullPath == "" {
		c.FullPath = path
	}
	c.Path = path

	ctx, span := r.tracer.Start(ctx, "conduit.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("conduit.path", path),
			attribute.String("conduit.verb", string(c.Request.Verb)),
			attribute.String("conduit.source", c.Request.Source),
		),
	)
	defer span.End()

	for _, fn := range r.onDispatch {
		fn(ctx, c)
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("handler panicked",
				"path", path,
				"verb", c.Request.Verb,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = status.HandlerError(fmt.Errorf("handler panic: %v", rec))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("conduit.status", status.Code(err)))
		elapsed := time.Since(start)
		for _, fn := range r.onComplete {
			fn(ctx, c, err, elapsed)
		}
	}()

	result, err = r.route(ctx, c, path, func() (any, error) {
		return nil, status.NotFound("no route for %q", path)
	})
	if err != nil {
		return nil, status.HandlerError(err)
	}
	if result == nil {
		result = c.Response
	}
	r.logger.Debug("dispatched", "path", path, "verb", c.Request.Verb, "status", c.Status)
	return result, nil
}

// Serve lets a Router be bound as a handler on another Router. It resolves the
// remaining path and falls back to the outer router's next route when nothing
// here matches.
func (r *Router) Serve(ctx context.Context, c *Ctx, next Next) (any, error) {
	return r.route(ctx, c, c.Path, next)
}

// Call dispatches an in-process call to path with data encoded as JSON.
func (r *Router) Call(ctx context.Context, path string, data any) (any, error) {
	raw, err := protocol.Marshal(data)
	if err != nil {
		return nil, status.BadRequest("%v", err)
	}
	c := NewCtx(path, Request{Verb: protocol.VerbCall, Data: raw, Source: "local"}, nil)
	return r.Dispatch(ctx, path, c)
}

func (r *Router) route(ctx context.Context, c *Ctx, path string, fallback Next) (any, error) {
	r.mu.RLock()
	routes := r.routes
	r.mu.RUnlock()

	var step func(i int) (any, error)
	step = func(i int) (any, error) {
		for ; i < len(routes); i++ {
			rt := routes[i]
			params, rest, ok := rt.pattern.match(path, rt.nested)
			if !ok {
				continue
			}
			c.Params = params
			if rt.nested {
				c.Path = rest
			} else {
				c.Path = path
			}
			following := i + 1
			return rt.handler.Serve(ctx, c, once(func() (any, error) {
				return step(following)
			}))
		}
		return fallback()
	}
	return step(0)
}

func once(next Next) Next {
	var called atomic.Bool
	return func() (any, error) {
		if !called.CompareAndSwap(false, true) {
			return nil, ErrNextCalledTwice
		}
		return next()
	}
}
