// Package endpoint turns a set of optional behaviors into a handler speaking
// the call / subscribe / unsubscribe protocol. An Endpoint owns the registry of
// active topics and the sessions subscribed to each.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/sink"
	"github.com/mattjoyce/conduit/internal/status"
	"github.com/mattjoyce/conduit/internal/tree"
)

//go:generate mockgen -destination=mocks/mock_observer.go -package=mocks github.com/mattjoyce/conduit/internal/endpoint Observer

// Behaviors are the optional callbacks an Endpoint wraps. A nil field means
// the verb or lifecycle step is not supported.
type Behaviors struct {
	// OnCall answers a call. Without it, calls fall through to the next route.
	OnCall func(ctx context.Context, c *router.Ctx) (any, error)
	// OnSubscribe runs once when a topic becomes active. The first session is
	// already registered, so t.Publish reaches it.
	OnSubscribe func(ctx context.Context, c *router.Ctx, t *Topic) error
	// OnUnsubscribe runs once when the last session leaves.
	OnUnsubscribe func(ctx context.Context, c *router.Ctx, t *Topic) error
	// InitSession runs for each session joining an already active topic.
	InitSession func(ctx context.Context, c *router.Ctx, s *Session) error
	// DestroySession runs for each session leaving while others remain.
	DestroySession func(ctx context.Context, c *router.Ctx, s *Session) error
	// TopicKey derives the topic for a subscribe or unsubscribe request.
	TopicKey func(c *router.Ctx) (string, error)
}

// Observer is told about topic and session transitions.
type Observer interface {
	TopicChanged(endpoint, key string, active bool)
	SessionChanged(endpoint, key, sessionID string, joined bool)
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the endpoint's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) {
		e.logger = l
	}
}

// WithObserver adds an observer for topic and session transitions.
func WithObserver(o Observer) Option {
	return func(e *Endpoint) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// Endpoint implements router.Handler.
type Endpoint struct {
	name      string
	behaviors Behaviors
	logger    *slog.Logger
	observers []Observer

	mu      sync.Mutex
	topics  map[string]*Topic
	retired map[string][]*Topic
}

// New wraps behaviors in an Endpoint. The name identifies the endpoint in
// logs and metrics.
func New(name string, b Behaviors, opts ...Option) *Endpoint {
	e := &Endpoint{
		name:      name,
		behaviors: b,
		topics:    make(map[string]*Topic),
		retired:   make(map[string][]*Topic),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = log.WithComponent("endpoint").With(slog.String("endpoint", name))
	}
	return e
}

// Name returns the endpoint's name.
func (e *Endpoint) Name() string {
	return e.name
}

// Serve implements router.Handler.
func (e *Endpoint) Serve(ctx context.Context, c *router.Ctx, next router.Next) (any, error) {
	switch c.Request.Verb {
	case protocol.VerbCall, "":
		if e.behaviors.OnCall == nil {
			return next()
		}
		return e.behaviors.OnCall(ctx, c)
	case protocol.VerbSubscribe:
		return e.subscribe(ctx, c)
	case protocol.VerbUnsubscribe:
		return e.unsubscribe(ctx, c)
	default:
		return nil, status.BadRequest("invalid verb %q", c.Request.Verb)
	}
}

// Topics lists the active topic keys, sorted.
func (e *Endpoint) Topics() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := make([]string, 0, len(e.topics))
	for k := range e.topics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Sessions lists the sessions of topic key in subscription order.
func (e *Endpoint) Sessions(key string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.topics[key]
	if !ok {
		return nil
	}
	return append([]string(nil), t.order...)
}

// Shutdown removes every session from every topic, running OnUnsubscribe for
// each topic that was active.
func (e *Endpoint) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	topics := make([]*Topic, 0, len(e.topics))
	for _, t := range e.topics {
		topics = append(topics, t)
	}
	for _, old := range e.retired {
		topics = append(topics, old...)
	}
	e.topics = make(map[string]*Topic)
	e.retired = make(map[string][]*Topic)
	e.mu.Unlock()

	var errs []error
	for _, t := range topics {
		e.mu.Lock()
		ids := append([]string(nil), t.order...)
		t.order = nil
		t.sessions = map[string]*Session{}
		e.mu.Unlock()

		for _, id := range ids {
			e.notifySession(t.key, id, false)
		}
		e.notifyTopic(t.key, false)
		if e.behaviors.OnUnsubscribe != nil {
			c := router.NewCtx(t.path, router.Request{Verb: protocol.VerbUnsubscribe}, nil)
			c.Params = t.params
			if err := e.behaviors.OnUnsubscribe(ctx, c, t); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (e *Endpoint) topicKey(c *router.Ctx) (string, error) {
	if e.behaviors.TopicKey != nil {
		return e.behaviors.TopicKey(c)
	}
	return DefaultTopicKey(c)
}

// DefaultTopicKey derives a topic from the normalized request path plus the
// canonical form of an optional "filter" field in the request data.
func DefaultTopicKey(c *router.Ctx) (string, error) {
	key := "/" + strings.Join(tree.Split(c.Path), "/")
	filter, err := Filter(c)
	if err != nil {
		return "", err
	}
	if filter != "" {
		key += "?filter=" + filter
	}
	return key, nil
}

// Filter returns the canonical dotted form of the request's "filter" field.
func Filter(c *router.Ctx) (string, error) {
	if len(c.Request.Data) == 0 {
		return "", nil
	}
	var in struct {
		Filter string `json:"filter"`
	}
	if err := json.Unmarshal(c.Request.Data, &in); err != nil {
		// Non-object data carries no filter.
		return "", nil
	}
	return tree.Join(tree.Split(in.Filter)), nil
}

func (e *Endpoint) subscribe(ctx context.Context, c *router.Ctx) (any, error) {
	key, err := e.topicKey(c)
	if err != nil {
		return nil, err
	}
	if c.Sink == nil {
		c.Sink = sink.Discard()
	}
	sid := c.Request.SessionID
	if sid == "" {
		sid = uuid.NewString()
		c.Request.SessionID = sid
	}

	e.mu.Lock()
	t, active := e.topics[key]
	if active {
		if _, present := t.sessions[sid]; present {
			e.mu.Unlock()
			return e.ack(c, protocol.AlreadySubscribed(key)), nil
		}
	} else {
		t = newTopic(e, key, c)
		e.topics[key] = t
	}
	// The creating session is live at once so OnSubscribe can publish to it.
	// A session joining mid-OnSubscribe waits for the outcome.
	waiting := active && !t.initialized
	s := t.add(sid, c.Sink, !waiting)
	e.mu.Unlock()

	if !active {
		e.notifyTopic(key, true)
	}
	e.notifySession(key, sid, true)

	if !active {
		if err := e.initTopic(ctx, c, t); err != nil {
			return nil, err
		}
	} else {
		if waiting {
			if err := e.awaitInit(ctx, t, s); err != nil {
				return nil, err
			}
		}
		if e.behaviors.InitSession != nil {
			if err := e.behaviors.InitSession(ctx, c, s); err != nil {
				_, _ = e.leave(ctx, c, t, s)
				return nil, status.HandlerError(err)
			}
		}
	}

	c.Sink.OnClose(func() {
		uc := router.NewCtx(t.path, router.Request{
			Verb:      protocol.VerbUnsubscribe,
			SessionID: sid,
			Source:    c.Request.Source,
		}, nil)
		uc.Params = t.params
		if _, err := e.leave(context.Background(), uc, t, s); err != nil {
			e.logger.Warn("automatic unsubscribe failed", "topic", key, "session_id", sid, "error", err)
		}
	})

	return e.ack(c, protocol.Subscribed(key)), nil
}

// initTopic runs OnSubscribe for a new topic, then releases the sessions that
// joined while it ran. On failure all of them are evicted with the same error
// and the topic is dropped without OnUnsubscribe.
func (e *Endpoint) initTopic(ctx context.Context, c *router.Ctx, t *Topic) error {
	e.logger.Debug("topic created", "topic", t.key, "session_id", c.Request.SessionID)
	var err error
	if e.behaviors.OnSubscribe != nil {
		err = e.behaviors.OnSubscribe(ctx, c, t)
	}

	if err == nil {
		e.mu.Lock()
		t.initialized = true
		for _, s := range t.sessions {
			s.live = true
		}
		e.mu.Unlock()
		close(t.ready)
		return nil
	}

	herr := status.HandlerError(err)
	e.mu.Lock()
	t.initialized = true
	t.initErr = herr
	evicted := t.order
	t.order = nil
	t.sessions = make(map[string]*Session)
	e.forget(t)
	e.mu.Unlock()
	close(t.ready)

	// Shutdown may already have emptied and reported the topic.
	if len(evicted) > 0 {
		for _, id := range evicted {
			e.notifySession(t.key, id, false)
		}
		e.notifyTopic(t.key, false)
	}
	e.logger.Warn("subscribe failed", "topic", t.key, "evicted", len(evicted), "error", err)
	return herr
}

// awaitInit blocks a session that joined during OnSubscribe until the topic
// is initialized. It returns the error that failed the topic, if any.
func (e *Endpoint) awaitInit(ctx context.Context, t *Topic, s *Session) error {
	select {
	case <-t.ready:
		return t.initErr
	case <-ctx.Done():
		e.abandon(t, s)
		return ctx.Err()
	}
}

func (e *Endpoint) unsubscribe(ctx context.Context, c *router.Ctx) (any, error) {
	key, err := e.topicKey(c)
	if err != nil {
		return nil, err
	}
	sid := c.Request.SessionID

	e.mu.Lock()
	t, s := e.lookup(key, sid)
	e.mu.Unlock()

	if s == nil {
		return e.ack(c, protocol.NotSubscribed(key)), nil
	}
	removed, err := e.leave(ctx, c, t, s)
	if err != nil {
		return nil, status.HandlerError(err)
	}
	if !removed {
		return e.ack(c, protocol.NotSubscribed(key)), nil
	}
	return e.ack(c, protocol.Unsubscribed(key)), nil
}

// lookup finds session sid on the active topic for key or on one of its
// retired generations. Callers hold e.mu.
func (e *Endpoint) lookup(key, sid string) (*Topic, *Session) {
	if t, ok := e.topics[key]; ok {
		if s := t.sessions[sid]; s != nil {
			return t, s
		}
	}
	for _, t := range e.retired[key] {
		if s := t.sessions[sid]; s != nil {
			return t, s
		}
	}
	return nil, nil
}

// forget drops t from the registry. Callers hold e.mu.
func (e *Endpoint) forget(t *Topic) {
	if !t.retired {
		if e.topics[t.key] == t {
			delete(e.topics, t.key)
		}
		return
	}
	list := e.retired[t.key]
	for i, cur := range list {
		if cur == t {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(e.retired, t.key)
	} else {
		e.retired[t.key] = list
	}
}

// leave removes s from t and runs the matching teardown behavior. It reports
// false when s had already left.
func (e *Endpoint) leave(ctx context.Context, c *router.Ctx, t *Topic, s *Session) (bool, error) {
	e.mu.Lock()
	if !t.remove(s) {
		e.mu.Unlock()
		return false, nil
	}
	last := len(t.order) == 0
	if last {
		e.forget(t)
	}
	e.mu.Unlock()

	e.notifySession(t.key, s.id, false)
	if !last {
		if e.behaviors.DestroySession != nil {
			return true, e.behaviors.DestroySession(ctx, c, s)
		}
		return true, nil
	}

	e.notifyTopic(t.key, false)
	e.logger.Debug("topic destroyed", "topic", t.key)
	if e.behaviors.OnUnsubscribe != nil {
		return true, e.behaviors.OnUnsubscribe(ctx, c, t)
	}
	return true, nil
}

// abandon removes a session that never completed its subscribe. The topic is
// dropped without OnUnsubscribe if it became empty.
func (e *Endpoint) abandon(t *Topic, s *Session) {
	e.mu.Lock()
	removed := t.remove(s)
	last := removed && len(t.order) == 0
	if last {
		e.forget(t)
	}
	e.mu.Unlock()

	if removed {
		e.notifySession(t.key, s.id, false)
	}
	if last {
		e.notifyTopic(t.key, false)
	}
}

func (e *Endpoint) ack(c *router.Ctx, a protocol.Ack) protocol.Ack {
	c.Status = a.Status
	return a
}

func (e *Endpoint) notifyTopic(key string, active bool) {
	for _, o := range e.observers {
		o.TopicChanged(e.name, key, active)
	}
}

func (e *Endpoint) notifySession(key, sid string, joined bool) {
	for _, o := range e.observers {
		o.SessionChanged(e.name, key, sid, joined)
	}
}
