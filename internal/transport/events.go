package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/sink"
	"github.com/mattjoyce/conduit/internal/status"
)

const sseKeepAlive = 15 * time.Second

// handleEvents serves one subscription as Server-Sent Events. The "filter"
// query parameter, or a JSON "data" parameter, becomes the subscribe data.
// The subscription ends when the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	id := middleware.GetReqID(r.Context())
	if id == "" {
		id = uuid.NewString()
	}
	path := "/" + chi.URLParam(r, "*")
	data, err := eventsData(r)
	if err != nil {
		s.writeFrame(w, protocol.NewError(id, protocol.TypeSubscribe, err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	go func() {
		select {
		case <-s.baseCtx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	frames := make(chan *protocol.Outbound, s.config.OutboundQueue)
	sid := "sse-" + uuid.NewString()
	sk := sink.NewStream(func(m sink.Message) error {
		raw, err := protocol.Marshal(m.Data)
		if err != nil {
			return err
		}
		out := &protocol.Outbound{
			ID:        id,
			Status:    m.Status,
			Type:      m.Type,
			Topic:     m.Topic,
			SessionID: sid,
			Message:   m.Message,
			Data:      raw,
		}
		if m.Type != protocol.TypeEvent {
			select {
			case frames <- out:
				return nil
			case <-ctx.Done():
				return sink.ErrClosed
			}
		}
		select {
		case <-ctx.Done():
			return sink.ErrClosed
		case frames <- out:
			return nil
		default:
			s.logger.Warn("event queue full, closing slow stream", "id", id, "topic", m.Topic)
			cancel()
			return ErrSlowConsumer
		}
	})
	// Cancel first so a write blocked on the channel lets go of the sink.
	defer func() {
		cancel()
		sk.Close()
	}()

	c := router.NewCtx(path, router.Request{
		Verb:      protocol.VerbSubscribe,
		Data:      data,
		SessionID: sid,
		Source:    "sse:" + id,
	}, sk)

	// Dispatch runs alongside the stream loop so events published while the
	// subscription is being set up can drain.
	type result struct {
		res any
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := s.dispatcher.Dispatch(ctx, path, c)
		done <- result{res, err}
	}()

	var first *protocol.Outbound
	var held []*protocol.Outbound
	for first == nil {
		select {
		case <-ctx.Done():
			return
		case out := <-frames:
			held = append(held, out)
		case res := <-done:
			if res.err != nil {
				s.writeFrame(w, protocol.NewError(id, protocol.TypeSubscribe, res.err))
				return
			}
			ack, ok := res.res.(protocol.Ack)
			if !ok {
				out, err := protocol.NewResponse(id, c.Status, protocol.TypeSubscribe, res.res)
				if err != nil {
					out = protocol.NewError(id, protocol.TypeSubscribe, status.HandlerError(err))
				}
				s.writeFrame(w, out)
				return
			}
			first = protocol.NewAck(id, sid, ack)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var seq int64
	emit := func(out *protocol.Outbound) error {
		seq++
		return writeSSE(w, seq, out)
	}
	if err := emit(first); err != nil {
		return
	}
	for _, out := range held {
		if err := emit(out); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case out := <-frames:
			if err := emit(out); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func eventsData(r *http.Request) (json.RawMessage, error) {
	q := r.URL.Query()
	if raw := q.Get("data"); raw != "" {
		if !json.Valid([]byte(raw)) {
			return nil, status.BadRequest("data parameter must be JSON")
		}
		return json.RawMessage(raw), nil
	}
	if filter := q.Get("filter"); filter != "" {
		b, err := json.Marshal(map[string]string{"filter": filter})
		if err != nil {
			return nil, status.BadRequest("invalid filter: %v", err)
		}
		return b, nil
	}
	return nil, nil
}

func writeSSE(w http.ResponseWriter, seq int64, out *protocol.Outbound) error {
	b, err := protocol.EncodeOutbound(out)
	if err != nil {
		return err
	}
	// SSE framing: https://html.spec.whatwg.org/multipage/server-sent-events.html
	if _, err := fmt.Fprintf(w, "id: %d\n", seq); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", out.Type); err != nil {
		return err
	}
	// Data must be on "data:" lines; our payload is single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	return nil
}
