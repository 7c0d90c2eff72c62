package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

//go:generate mockgen -destination=mocks/mock_conn.go -package=mocks github.com/mattjoyce/conduit/internal/transport Conn

// Conn is one physical, message-oriented connection.
type Conn interface {
	// ReadFrame blocks until the next inbound frame arrives.
	ReadFrame() ([]byte, error)
	// WriteFrame writes one outbound frame. Calls are serialized by the session.
	WriteFrame(b []byte) error
	Close() error
	RemoteAddr() string
}

// ErrConnClosed is returned by a Conn after Close.
var ErrConnClosed = errors.New("connection closed")

// ErrSlowConsumer is returned for an event that did not fit in the outbound
// queue. The connection is closed.
var ErrSlowConsumer = errors.New("outbound queue full")

// wsConn adapts a gorilla websocket to Conn. It keeps the connection alive
// with pings and expects a pong within the read timeout.
type wsConn struct {
	conn         *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketConn wraps conn. A zero heartbeat disables pings.
func NewWebSocketConn(conn *websocket.Conn, cfg Config) Conn {
	c := &wsConn{
		conn:         conn,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	conn.SetPongHandler(func(string) error {
		c.extendRead()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		c.extendRead()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	if cfg.Heartbeat > 0 {
		go c.ping(cfg.Heartbeat)
	}
	return c
}

func (c *wsConn) extendRead() {
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		c.extendRead()
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil, ErrConnClosed
			default:
			}
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (c *wsConn) WriteFrame(b []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) ping(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(every)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
