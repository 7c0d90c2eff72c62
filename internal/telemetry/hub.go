// Package telemetry records daemon lifecycle events in a ring buffer and
// serves them at /telemetry.
package telemetry

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const DefaultCapacity = 256

type Event struct {
	Seq  int64           `json:"seq"`
	ID   string          `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late readers.
type Hub struct {
	nextSeq atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event and fans it out to subscribers.
func (h *Hub) Publish(eventType string, data any) Event {
	payload := json.RawMessage("{}")
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		if len(v) > 0 {
			payload = v
		}
	default:
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	ev := Event{
		Seq:  h.nextSeq.Add(1),
		ID:   uuid.NewString(),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Slow readers drop events rather than block producers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
	return ev
}

// Subscribe returns a channel of new events and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns buffered events with Seq > lastSeq, oldest first.
func (h *Hub) SnapshotSince(lastSeq int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.Seq > lastSeq {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

// TopicChanged records topic activation. Hub implements endpoint.Observer.
func (h *Hub) TopicChanged(endpoint, key string, active bool) {
	typ := "topic.closed"
	if active {
		typ = "topic.opened"
	}
	h.Publish(typ, map[string]any{"endpoint": endpoint, "topic": key})
}

// SessionChanged records subscribed sessions joining and leaving.
func (h *Hub) SessionChanged(endpoint, key, sessionID string, joined bool) {
	typ := "session.left"
	if joined {
		typ = "session.joined"
	}
	h.Publish(typ, map[string]any{"endpoint": endpoint, "topic": key, "session_id": sessionID})
}

// ConnectionChanged records WebSocket connections. Hub implements
// transport.ConnObserver.
func (h *Hub) ConnectionChanged(connID, remoteAddr string, open bool) {
	typ := "connection.closed"
	if open {
		typ = "connection.opened"
	}
	h.Publish(typ, map[string]any{"conn_id": connID, "remote_addr": remoteAddr})
}
