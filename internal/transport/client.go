package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mattjoyce/conduit/internal/protocol"
)

// ErrClientClosed is returned for requests on a closed Client.
var ErrClientClosed = errors.New("client closed")

// Client is a WebSocket client for a conduit daemon. It is safe for
// concurrent use; responses are matched to requests by message id.
type Client struct {
	conn Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	err     error
	calls   map[string]chan *protocol.Outbound
	streams map[string]*Subscription
	done    chan struct{}
}

// Subscription is an open subscribe stream.
type Subscription struct {
	// Ack is the frame that acknowledged the subscribe.
	Ack *protocol.Outbound

	id     string
	client *Client
	events chan *protocol.Outbound
	quit   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	closed bool
}

// WebSocketURL turns a daemon base URL such as http://127.0.0.1:8765 into
// its /ws endpoint. ws:// and wss:// URLs are returned unchanged.
func WebSocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
		return base
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimSuffix(strings.TrimPrefix(base, "https://"), "/") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimSuffix(strings.TrimPrefix(base, "http://"), "/") + "/ws"
	default:
		return "ws://" + strings.TrimSuffix(base, "/") + "/ws"
	}
}

// Dial connects to the WebSocket endpoint at url, e.g. ws://127.0.0.1:8765/ws.
func Dial(ctx context.Context, url string, cfg Config) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	// Server pings keep the read deadline fresh.
	cfg.Heartbeat = 0
	return NewClient(NewWebSocketConn(ws, cfg)), nil
}

// NewClient wraps an established connection.
func NewClient(conn Conn) *Client {
	c := &Client{
		conn:    conn,
		calls:   make(map[string]chan *protocol.Outbound),
		streams: make(map[string]*Subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends a call frame and waits for its response.
func (c *Client) Call(ctx context.Context, path string, data any) (*protocol.Outbound, error) {
	return c.roundTrip(ctx, protocol.VerbCall, path, "", data)
}

// Subscribe opens a subscription. Events arrive on the returned
// Subscription until it is unsubscribed or the connection ends. A non-2xx
// acknowledgement is returned as an error.
func (c *Client) Subscribe(ctx context.Context, path string, data any) (*Subscription, error) {
	raw, err := protocol.Marshal(data)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	sub := &Subscription{
		id:     id,
		client: c,
		events: make(chan *protocol.Outbound, 64),
		quit:   make(chan struct{}),
	}
	reply := make(chan *protocol.Outbound, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.calls[id] = reply
	c.streams[id] = sub
	c.mu.Unlock()

	if err := c.write(&protocol.Inbound{ID: id, Path: path, Verb: protocol.VerbSubscribe, SessionID: id, Data: raw}); err != nil {
		c.forget(id)
		return nil, err
	}

	out, err := c.wait(ctx, id, reply)
	if err != nil {
		c.forget(id)
		return nil, err
	}
	if !out.OK() || out.Type != protocol.TypeSubscribe || out.Message == "" {
		c.forget(id)
		if !out.OK() {
			return nil, fmt.Errorf("subscribe %s: %d %s", path, out.Status, out.Message)
		}
		return nil, fmt.Errorf("subscribe %s: handler answered without a subscription", path)
	}
	sub.Ack = out
	return sub, nil
}

// Close closes the connection. Open subscriptions end.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown(ErrClientClosed)
	return err
}

func (c *Client) roundTrip(ctx context.Context, verb protocol.Verb, path, sid string, data any) (*protocol.Outbound, error) {
	raw, err := protocol.Marshal(data)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	reply := make(chan *protocol.Outbound, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.calls[id] = reply
	c.mu.Unlock()

	if err := c.write(&protocol.Inbound{ID: id, Path: path, Verb: verb, SessionID: sid, Data: raw}); err != nil {
		c.forget(id)
		return nil, err
	}
	out, err := c.wait(ctx, id, reply)
	if err != nil {
		c.forget(id)
	}
	return out, err
}

func (c *Client) wait(ctx context.Context, id string, reply chan *protocol.Outbound) (*protocol.Outbound, error) {
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClientClosed
	}
}

func (c *Client) write(in *protocol.Inbound) error {
	b, err := protocol.EncodeInbound(in)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteFrame(b)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.calls, id)
	sub := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

func (c *Client) readLoop() {
	for {
		raw, err := c.conn.ReadFrame()
		if err != nil {
			c.shutdown(err)
			return
		}
		out, err := protocol.DecodeOutbound(raw)
		if err != nil {
			continue
		}
		c.route(out)
	}
}

func (c *Client) route(out *protocol.Outbound) {
	c.mu.Lock()
	if out.Type == protocol.TypeEvent {
		sub := c.streams[out.ID]
		c.mu.Unlock()
		if sub != nil {
			sub.deliver(out)
		}
		return
	}
	reply, ok := c.calls[out.ID]
	delete(c.calls, out.ID)
	c.mu.Unlock()
	if ok {
		reply <- out
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if !errors.Is(err, ErrConnClosed) {
		c.err = err
	}
	streams := c.streams
	c.streams = make(map[string]*Subscription)
	c.mu.Unlock()

	close(c.done)
	for _, sub := range streams {
		sub.close()
	}
}

// ID returns the message id that opened the subscription.
func (s *Subscription) ID() string {
	return s.id
}

// Events returns the channel of event frames. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan *protocol.Outbound {
	return s.events
}

// Decode unmarshals an event's data into v.
func Decode(out *protocol.Outbound, v any) error {
	if len(out.Data) == 0 {
		return nil
	}
	return json.Unmarshal(out.Data, v)
}

// Unsubscribe ends the subscription and returns the acknowledgement.
func (s *Subscription) Unsubscribe(ctx context.Context) (*protocol.Outbound, error) {
	out, err := s.client.roundTrip(ctx, protocol.VerbUnsubscribe, "", s.id, nil)
	s.client.forget(s.id)
	return out, err
}

func (s *Subscription) deliver(out *protocol.Outbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- out:
	case <-s.quit:
	case <-s.client.done:
	}
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.quit)
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
}
