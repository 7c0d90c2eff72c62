package endpoint

import (
	"errors"
	"sync"

	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/sink"
	"github.com/mattjoyce/conduit/internal/status"
)

// Topic is one generation of an active subscription channel. It is handed to
// OnSubscribe and OnUnsubscribe, and lives from creation until its last
// session leaves.
type Topic struct {
	key      string
	endpoint *Endpoint
	path     string
	params   router.Params

	// sessions, order, initialized and retired are guarded by the endpoint's
	// lock.
	sessions    map[string]*Session
	order       []string
	initialized bool
	retired     bool

	// ready is closed once OnSubscribe has returned; initErr is set before.
	ready   chan struct{}
	initErr error

	stateMu sync.Mutex
	state   any
}

func newTopic(e *Endpoint, key string, c *router.Ctx) *Topic {
	params := make(router.Params, len(c.Params))
	for k, v := range c.Params {
		params[k] = v
	}
	return &Topic{
		key:      key,
		endpoint: e,
		path:     c.Path,
		params:   params,
		sessions: make(map[string]*Session),
		ready:    make(chan struct{}),
	}
}

// Key returns the topic key.
func (t *Topic) Key() string {
	return t.key
}

// Params returns the route parameters captured when the topic was created.
func (t *Topic) Params() router.Params {
	return t.params
}

// SetState stores a value for the lifetime of this topic generation, such as
// the cancel function of whatever feeds it.
func (t *Topic) SetState(v any) {
	t.stateMu.Lock()
	t.state = v
	t.stateMu.Unlock()
}

// State returns the value stored with SetState.
func (t *Topic) State() any {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.state
}

// Publish delivers message to every session subscribed at the time of the
// call, in subscription order. Sessions whose sink has closed are skipped, and
// so are sessions still waiting for OnSubscribe to finish.
func (t *Topic) Publish(message any) {
	t.endpoint.mu.Lock()
	targets := make([]*Session, 0, len(t.order))
	for _, id := range t.order {
		if s := t.sessions[id]; s.live {
			targets = append(targets, s)
		}
	}
	t.endpoint.mu.Unlock()

	for _, s := range targets {
		s.Publish(message)
	}
}

// Retire ends this generation for new subscribers. The next subscribe to the
// key starts a fresh topic and runs OnSubscribe again; sessions already
// subscribed stay here until they leave, and the last one still runs
// OnUnsubscribe.
func (t *Topic) Retire() {
	e := t.endpoint
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.retired || e.topics[t.key] != t {
		return
	}
	t.retired = true
	delete(e.topics, t.key)
	e.retired[t.key] = append(e.retired[t.key], t)
}

// Len returns the number of subscribed sessions.
func (t *Topic) Len() int {
	t.endpoint.mu.Lock()
	defer t.endpoint.mu.Unlock()
	return len(t.order)
}

func (t *Topic) add(id string, s sink.Sink, live bool) *Session {
	sess := &Session{id: id, topic: t, sink: s, live: live}
	t.sessions[id] = sess
	t.order = append(t.order, id)
	return sess
}

// remove deletes s if it is still the registered session for its id.
func (t *Topic) remove(s *Session) bool {
	if cur, ok := t.sessions[s.id]; !ok || cur != s {
		return false
	}
	delete(t.sessions, s.id)
	for i, id := range t.order {
		if id == s.id {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Session is one subscriber of a topic.
type Session struct {
	id    string
	topic *Topic
	sink  sink.Sink

	// live is false while the session waits for its topic's OnSubscribe.
	// Guarded by the endpoint's lock.
	live bool
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Topic returns the topic the session belongs to.
func (s *Session) Topic() *Topic {
	return s.topic
}

// Publish delivers message to this session only.
func (s *Session) Publish(message any) {
	err := s.sink.Write(sink.Message{
		Status: status.OK,
		Type:   protocol.TypeEvent,
		Topic:  s.topic.key,
		Data:   message,
	})
	if err != nil && !errors.Is(err, sink.ErrClosed) {
		s.topic.endpoint.logger.Warn("publish failed",
			"topic", s.topic.key,
			"session_id", s.id,
			"error", err,
		)
	}
}
