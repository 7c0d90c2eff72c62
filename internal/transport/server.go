package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/status"
)

// Server exposes a Dispatcher over HTTP: a multiplexed WebSocket at /ws,
// one-shot calls at /call/*, and SSE subscriptions at /events/*.
type Server struct {
	config     Config
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    Metrics
	metricsH   http.Handler
	observers  []ConnObserver
	upgrader   websocket.Upgrader
	server     *http.Server
	startedAt  time.Time

	baseCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics sets the connection metrics and the handler served at /metrics.
func WithMetrics(m Metrics, h http.Handler) ServerOption {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
		s.metricsH = h
	}
}

// ConnObserver is told when a WebSocket connection opens and closes.
type ConnObserver interface {
	ConnectionChanged(connID, remoteAddr string, open bool)
}

// WithConnObserver adds an observer for connection lifecycle.
func WithConnObserver(o ConnObserver) ServerOption {
	return func(s *Server) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// NewServer creates a server for d.
func NewServer(cfg Config, d Dispatcher, opts ...ServerOption) *Server {
	def := DefaultConfig()
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = def.OutboundQueue
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		dispatcher: d,
		logger:     slog.Default(),
		metrics:    nopMetrics{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Authentication is out of scope; the daemon listens on loopback by default.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
		baseCtx:   ctx,
		stop:      stop,
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Streaming responses stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("transport server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("transport server shutting down")
		s.CloseSessions()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		s.CloseSessions()
		return fmt.Errorf("server error: %w", err)
	}
}

// CloseSessions terminates every live connection and SSE stream.
func (s *Server) CloseSessions() {
	s.stop()
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// Connections returns the number of open WebSocket sessions.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Handler returns the HTTP handler serving every surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.metricsH != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsH)
	}
	r.Get("/ws", s.handleWebSocket)
	r.Post("/call/*", s.handleCall)
	r.Get("/events/*", s.handleEvents)

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"connections":    s.Connections(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sess := NewSession(NewWebSocketConn(ws, s.config), s.dispatcher, s.config, WithSessionMetrics(s.metrics))

	remote := ws.RemoteAddr().String()

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
	s.notifyConn(sess.ID(), remote, true)
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
		s.notifyConn(sess.ID(), remote, false)
	}()

	if err := sess.Run(s.baseCtx); err != nil {
		s.logger.Debug("connection ended", "conn_id", sess.ID(), "error", err)
	}
}

func (s *Server) notifyConn(id, remote string, open bool) {
	for _, o := range s.observers {
		o.ConnectionChanged(id, remote, open)
	}
}

// handleCall runs one call. The request body is the call data and the
// response is the outbound frame, with the frame status as HTTP status.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetReqID(r.Context())
	path := "/" + chi.URLParam(r, "*")

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBody()))
	if err != nil {
		s.writeFrame(w, protocol.NewError(id, protocol.TypeResponse, status.BadRequest("failed to read body: %v", err)))
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		s.writeFrame(w, protocol.NewError(id, protocol.TypeResponse, status.BadRequest("request body must be JSON")))
		return
	}

	c := router.NewCtx(path, router.Request{
		Verb:   protocol.VerbCall,
		Data:   body,
		Source: "http:" + id,
	}, nil)
	res, err := s.dispatcher.Dispatch(r.Context(), path, c)
	if err != nil {
		s.writeFrame(w, protocol.NewError(id, protocol.TypeResponse, err))
		return
	}
	out, err := protocol.NewResponse(id, c.Status, protocol.TypeResponse, res)
	if err != nil {
		s.writeFrame(w, protocol.NewError(id, protocol.TypeResponse, status.HandlerError(err)))
		return
	}
	s.writeFrame(w, out)
}

func (s *Server) maxBody() int64 {
	if s.config.MaxMessageBytes > 0 {
		return s.config.MaxMessageBytes
	}
	return DefaultConfig().MaxMessageBytes
}

func (s *Server) writeFrame(w http.ResponseWriter, out *protocol.Outbound) {
	code := out.Status
	if code < 100 || code > 599 {
		code = http.StatusInternalServerError
	}
	s.writeJSON(w, code, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}
