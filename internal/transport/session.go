// Package transport binds physical connections to a router. A Session
// multiplexes many calls and subscriptions over one connection by message id;
// the Server exposes sessions over WebSocket plus plain HTTP and SSE surfaces.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/sink"
	"github.com/mattjoyce/conduit/internal/status"
)

// Dispatcher resolves and runs one logical request.
type Dispatcher interface {
	Dispatch(ctx context.Context, path string, c *router.Ctx) (any, error)
}

// Metrics receives connection and frame counts.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameIn()
	FrameOut()
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened() {}
func (nopMetrics) ConnectionClosed() {}
func (nopMetrics) FrameIn()          {}
func (nopMetrics) FrameOut()         {}

// Config holds the connection tuning shared by sessions and the server.
type Config struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Heartbeat       time.Duration
	MaxMessageBytes int64
	OutboundQueue   int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Listen:          "127.0.0.1:8765",
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		Heartbeat:       30 * time.Second,
		MaxMessageBytes: 1 << 20,
		OutboundQueue:   256,
	}
}

// stream is one subscription carried by the session.
type stream struct {
	msgID string
	path  string
	data  []byte
	sink  sink.Sink

	// Events produced before the acknowledgement are held so the client
	// always sees the ack first. Guarded by the sink's write serialization.
	acked bool
	held  []sink.Message
}

type lane struct {
	queue   []*protocol.Inbound
	running bool
}

// Session serves one physical connection.
type Session struct {
	id         string
	conn       Conn
	dispatcher Dispatcher
	metrics    Metrics
	logger     *slog.Logger

	out        chan []byte
	writerDone chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	lanes   map[string]*lane
	streams map[string]*stream
	pending map[string]sink.Sink
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionMetrics sets the metrics sink for the session.
func WithSessionMetrics(m Metrics) SessionOption {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// NewSession binds conn to d.
func NewSession(conn Conn, d Dispatcher, cfg Config, opts ...SessionOption) *Session {
	queue := cfg.OutboundQueue
	if queue <= 0 {
		queue = DefaultConfig().OutboundQueue
	}
	s := &Session{
		id:         uuid.NewString(),
		conn:       conn,
		dispatcher: d,
		metrics:    nopMetrics{},
		out:        make(chan []byte, queue),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
		lanes:      make(map[string]*lane),
		streams:    make(map[string]*stream),
		pending:    make(map[string]sink.Sink),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.logger = log.WithConn(s.id)
	return s
}

// ID returns the connection id.
func (s *Session) ID() string {
	return s.id
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run serves the connection until it fails, the peer goes away, or ctx is
// cancelled. All of the session's subscriptions are closed before it returns.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.ConnectionOpened()
	s.logger.Info("connection opened", "remote_addr", s.conn.RemoteAddr())

	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	err := s.readLoop()
	s.Close()
	if errors.Is(err, ErrConnClosed) {
		return nil
	}
	return err
}

// Close terminates the connection and every stream on it. Closing a
// subscription's sink unsubscribes it from its endpoint.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		streams := s.streams
		pending := s.pending
		s.streams = make(map[string]*stream)
		s.pending = make(map[string]sink.Sink)
		s.mu.Unlock()

		close(s.done)
		s.cancel()
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("close connection", "error", err)
		}

		for _, st := range streams {
			st.sink.Close()
		}
		for _, p := range pending {
			p.Close()
		}
		s.metrics.ConnectionClosed()
		s.logger.Info("connection closed", "streams", len(streams))
	})
}

func (s *Session) readLoop() error {
	for {
		raw, err := s.conn.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			return err
		}
		s.metrics.FrameIn()

		in, err := protocol.DecodeInbound(raw)
		if err != nil {
			typ := protocol.TypeResponse
			if in != nil {
				typ = protocol.TypeFor(in.Verb)
			}
			id := ""
			if in != nil {
				id = in.ID
			}
			if errors.Is(err, status.ErrVersionMismatch) {
				s.logger.Warn("unsupported protocol version", "id", id, "error", err)
				_ = s.send(protocol.NewError(id, typ, err))
				s.flushAndStop()
				return nil
			}
			s.logger.Warn("rejected frame", "id", id, "error", err)
			_ = s.send(protocol.NewError(id, typ, err))
			continue
		}

		s.logger.Debug("frame received", "id", in.ID, "verb", in.Verb, "path", in.Path)
		s.enqueue(laneKey(in), in)
	}
}

func laneKey(in *protocol.Inbound) string {
	switch in.Verb {
	case protocol.VerbSubscribe, protocol.VerbUnsubscribe:
		return "s:" + streamID(in)
	default:
		return "m:" + in.ID
	}
}

// streamID is the client's name for a subscription on this connection.
func streamID(in *protocol.Inbound) string {
	if in.SessionID != "" {
		return in.SessionID
	}
	return in.ID
}

// enqueue hands in to its lane. Frames on one lane are handled in order; lanes
// run independently so a slow handler never blocks another stream.
func (s *Session) enqueue(key string, in *protocol.Inbound) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	l, ok := s.lanes[key]
	if !ok {
		l = &lane{}
		s.lanes[key] = l
	}
	l.queue = append(l.queue, in)
	if !l.running {
		l.running = true
		go s.drain(key, l)
	}
}

func (s *Session) drain(key string, l *lane) {
	for {
		s.mu.Lock()
		if len(l.queue) == 0 || s.closed {
			l.running = false
			l.queue = nil
			if s.lanes[key] == l {
				delete(s.lanes, key)
			}
			s.mu.Unlock()
			return
		}
		in := l.queue[0]
		l.queue = l.queue[1:]
		s.mu.Unlock()

		s.handle(in)
	}
}

func (s *Session) handle(in *protocol.Inbound) {
	switch in.Verb {
	case protocol.VerbSubscribe:
		s.handleSubscribe(in)
	case protocol.VerbUnsubscribe:
		s.handleUnsubscribe(in)
	default:
		s.handleCall(in)
	}
}

func (s *Session) endpointSessionID(sid string) string {
	return s.id + "/" + sid
}

func (s *Session) handleCall(in *protocol.Inbound) {
	single := sink.NewSingle(s.frameWriter(in.ID, in.SessionID))
	if !s.track(in.ID, single) {
		return
	}
	defer s.untrack(in.ID, single)

	c := router.NewCtx(in.Path, router.Request{
		Verb:      in.Verb,
		Data:      in.Data,
		SessionID: in.SessionID,
		Source:    s.id,
	}, single)

	res, err := s.dispatcher.Dispatch(s.ctx, in.Path, c)
	if err != nil {
		_ = single.Write(errorMessage(protocol.TypeResponse, err))
		return
	}
	_ = single.Write(sink.Message{Status: c.Status, Type: protocol.TypeResponse, Data: res})
}

func (s *Session) handleSubscribe(in *protocol.Inbound) {
	sid := streamID(in)

	st := &stream{msgID: in.ID, path: in.Path, data: in.Data}
	st.sink = sink.NewStream(s.streamWriter(in.ID, sid, st))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	existing, duplicate := s.streams[sid]
	if duplicate && (existing.path != in.Path || string(existing.data) != string(in.Data)) {
		s.mu.Unlock()
		_ = st.sink.Write(errorMessage(protocol.TypeSubscribe,
			status.BadRequest("session id %q already subscribed to %q", sid, existing.path)))
		st.sink.Close()
		return
	}
	if !duplicate {
		s.streams[sid] = st
	}
	s.mu.Unlock()

	if !duplicate {
		st.sink.OnClose(func() { s.dropStream(sid, st) })
	}

	c := router.NewCtx(in.Path, router.Request{
		Verb:      protocol.VerbSubscribe,
		Data:      in.Data,
		SessionID: s.endpointSessionID(sid),
		Source:    s.id,
	}, st.sink)

	res, err := s.dispatcher.Dispatch(s.ctx, in.Path, c)
	switch {
	case err != nil:
		_ = st.sink.Write(errorMessage(protocol.TypeSubscribe, err))
		st.sink.Close()
	case duplicate:
		_ = st.sink.Write(ackMessage(res, c.Status))
		// The original stream keeps delivering; this one only carried the ack.
		st.sink.Close()
	default:
		if _, ok := res.(protocol.Ack); !ok {
			// A plain handler answered the subscribe; there is nothing to stream.
			_ = st.sink.Write(sink.Message{Status: c.Status, Type: protocol.TypeSubscribe, Data: res})
			st.sink.Close()
			return
		}
		_ = st.sink.Write(ackMessage(res, c.Status))
	}
}

func (s *Session) handleUnsubscribe(in *protocol.Inbound) {
	sid := streamID(in)
	single := sink.NewSingle(s.frameWriter(in.ID, sid))

	s.mu.Lock()
	st := s.streams[sid]
	s.mu.Unlock()

	path, data := in.Path, in.Data
	ownsStream := false
	if st != nil && (path == "" || path == st.path) {
		path = st.path
		if len(data) == 0 {
			data = st.data
		}
		ownsStream = true
	}
	if path == "" {
		_ = single.Write(ackFrame(protocol.NotSubscribed("")))
		return
	}

	c := router.NewCtx(path, router.Request{
		Verb:      protocol.VerbUnsubscribe,
		Data:      data,
		SessionID: s.endpointSessionID(sid),
		Source:    s.id,
	}, single)

	res, err := s.dispatcher.Dispatch(s.ctx, path, c)
	if err != nil {
		_ = single.Write(errorMessage(protocol.TypeUnsubscribe, err))
		return
	}
	if ownsStream {
		st.sink.Close()
	}
	_ = single.Write(ackMessage(res, c.Status))
}

func (s *Session) track(id string, sk sink.Sink) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending[id] = sk
	return true
}

func (s *Session) untrack(id string, sk sink.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[id] == sk {
		delete(s.pending, id)
	}
}

func (s *Session) dropStream(sid string, st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[sid] == st {
		delete(s.streams, sid)
	}
}

// Streams returns the number of open subscriptions on the connection.
func (s *Session) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func errorMessage(typ protocol.FrameType, err error) sink.Message {
	return sink.Message{Status: status.Code(err), Type: typ, Message: err.Error()}
}

func ackFrame(a protocol.Ack) sink.Message {
	return sink.Message{Status: a.Status, Type: a.Type, Topic: a.Topic, Message: a.Message}
}

func ackMessage(res any, code int) sink.Message {
	if a, ok := res.(protocol.Ack); ok {
		return ackFrame(a)
	}
	return sink.Message{Status: code, Type: protocol.TypeResponse, Data: res}
}

// frameWriter turns sink messages into frames answering message id.
func (s *Session) frameWriter(id, sid string) sink.WriteFunc {
	return func(m sink.Message) error {
		return s.emit(id, sid, m)
	}
}

func (s *Session) streamWriter(id, sid string, st *stream) sink.WriteFunc {
	return func(m sink.Message) error {
		if m.Type == protocol.TypeEvent && !st.acked {
			st.held = append(st.held, m)
			return nil
		}
		if err := s.emit(id, sid, m); err != nil {
			return err
		}
		if !st.acked && m.Type != protocol.TypeEvent {
			st.acked = true
			held := st.held
			st.held = nil
			for _, h := range held {
				if err := s.emit(id, sid, h); err != nil {
					return err
				}
			}
		}
		return nil
	}
}

func (s *Session) emit(id, sid string, m sink.Message) error {
	data, err := protocol.Marshal(m.Data)
	if err != nil {
		s.logger.Error("failed to encode frame data", "id", id, "error", err)
		return s.send(protocol.NewError(id, m.Type, status.HandlerError(err)))
	}
	out := &protocol.Outbound{
		ID:        id,
		Status:    m.Status,
		Type:      m.Type,
		Topic:     m.Topic,
		SessionID: sid,
		Message:   m.Message,
		Data:      data,
	}
	if m.Type == protocol.TypeEvent {
		return s.trySend(out)
	}
	return s.send(out)
}

// send queues one frame for the writer goroutine.
func (s *Session) send(out *protocol.Outbound) error {
	b, err := protocol.EncodeOutbound(out)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return sink.ErrClosed
	default:
	}
	select {
	case s.out <- b:
		return nil
	case <-s.done:
		return sink.ErrClosed
	}
}

// trySend queues an event without waiting for the writer. Publishes run on
// the publisher's goroutine, so a peer that stops reading must not hold them
// up: when the queue is full the connection is closed, which unsubscribes
// every stream on it.
func (s *Session) trySend(out *protocol.Outbound) error {
	b, err := protocol.EncodeOutbound(out)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return sink.ErrClosed
	default:
	}
	select {
	case s.out <- b:
		return nil
	default:
	}
	s.logger.Warn("outbound queue full, closing slow connection",
		"id", out.ID,
		"topic", out.Topic,
		"queue", cap(s.out),
	)
	// The caller holds the stream's sink, which Close also closes.
	go s.Close()
	return ErrSlowConsumer
}

// flushAndStop waits until everything queued so far has been written, then
// stops the writer.
func (s *Session) flushAndStop() {
	select {
	case s.out <- nil:
	case <-s.done:
		return
	}
	select {
	case <-s.writerDone:
	case <-s.done:
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case b := <-s.out:
			if b == nil {
				return
			}
			if err := s.conn.WriteFrame(b); err != nil {
				s.logger.Error("write failed", "error", err)
				s.Close()
				return
			}
			s.metrics.FrameOut()
		case <-s.done:
			return
		}
	}
}
