// Package sink provides the response destinations used for logical requests:
// single-shot sinks answer a call exactly once, streaming sinks carry a
// subscription's acknowledgement and every later publish until closed.
package sink

import (
	"errors"
	"sync"

	"github.com/mattjoyce/conduit/internal/protocol"
)

// ErrClosed is returned when writing to a sink that has already closed.
var ErrClosed = errors.New("sink closed")

// Message is one payload delivered through a sink. The transport that owns the
// sink turns it into a wire frame.
type Message struct {
	Status  int
	Type    protocol.FrameType
	Topic   string
	Message string
	Data    any
}

// WriteFunc delivers a message to the underlying connection.
type WriteFunc func(Message) error

// Sink is the response destination for one logical request.
type Sink interface {
	// Write delivers m. Single-shot sinks close after the first write.
	Write(m Message) error
	// OnClose registers fn to run once when the sink closes. If the sink is
	// already closed fn runs immediately.
	OnClose(fn func())
	// Close closes the sink and runs its close hooks. It is idempotent.
	Close()
	// Done is closed when the sink closes.
	Done() <-chan struct{}
	// Streaming reports whether the sink accepts more than one write.
	Streaming() bool
}

type base struct {
	write     WriteFunc
	streaming bool

	mu     sync.Mutex
	closed bool
	hooks  []func()
	done   chan struct{}
}

// NewSingle returns a sink that delivers one message and then closes.
func NewSingle(write WriteFunc) Sink {
	return &base{write: write, done: make(chan struct{})}
}

// NewStream returns a sink that delivers messages until closed.
func NewStream(write WriteFunc) Sink {
	return &base{write: write, streaming: true, done: make(chan struct{})}
}

func (b *base) Write(m Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	// Writes are serialized so a stream's messages keep their order.
	err := b.write(m)
	last := !b.streaming
	b.mu.Unlock()

	if last {
		b.Close()
	}
	return err
}

func (b *base) OnClose(fn func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		fn()
		return
	}
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

func (b *base) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	hooks := b.hooks
	b.hooks = nil
	close(b.done)
	b.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (b *base) Done() <-chan struct{} {
	return b.done
}

func (b *base) Streaming() bool {
	return b.streaming
}

// Discard returns a streaming sink that drops every message. In-process
// callers that only care about the result of a call can use it.
func Discard() Sink {
	return NewStream(func(Message) error { return nil })
}

// Recorder is a streaming sink that keeps every message it receives. It is
// used by in-process subscribers and tests.
type Recorder struct {
	Sink

	mu       sync.Mutex
	messages []Message
	notify   chan struct{}
}

// NewRecorder returns an open Recorder.
func NewRecorder() *Recorder {
	r := &Recorder{notify: make(chan struct{}, 1)}
	r.Sink = NewStream(r.record)
	return r
}

func (r *Recorder) record(m Message) error {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Messages returns a copy of everything recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Events returns only the recorded event messages.
func (r *Recorder) Events() []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.Type == protocol.TypeEvent {
			out = append(out, m)
		}
	}
	return out
}

// Notify fires (coalesced) after each recorded message.
func (r *Recorder) Notify() <-chan struct{} {
	return r.notify
}
