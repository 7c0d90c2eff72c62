package telemetry

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mattjoyce/conduit/internal/endpoint"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/status"
)

type request struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Since int64           `json:"since"`
}

// NewEndpoint serves h. A call carrying a type records an event; any other
// call returns the buffered events after since. Subscribers receive every
// event recorded while the topic is active.
func NewEndpoint(h *Hub, opts ...endpoint.Option) *endpoint.Endpoint {
	return endpoint.New("telemetry", endpoint.Behaviors{
		OnCall: func(_ context.Context, c *router.Ctx) (any, error) {
			var req request
			if err := c.Request.Bind(&req); err != nil {
				return nil, err
			}
			if req.Type == "" {
				if len(req.Data) > 0 {
					return nil, status.BadRequest("event type is required")
				}
				return h.SnapshotSince(req.Since), nil
			}
			if strings.TrimSpace(req.Type) != req.Type {
				return nil, status.BadRequest("invalid event type %q", req.Type)
			}
			c.Status = status.Created
			return h.Publish(req.Type, req.Data), nil
		},
		OnSubscribe: func(_ context.Context, _ *router.Ctx, t *endpoint.Topic) error {
			ch, cancel := h.Subscribe()
			t.SetState(cancel)
			logger := log.WithTopic("telemetry", t.Key())
			go func() {
				for ev := range ch {
					t.Publish(ev)
				}
				logger.Debug("telemetry stream closed")
			}()
			return nil
		},
		OnUnsubscribe: func(_ context.Context, _ *router.Ctx, t *endpoint.Topic) error {
			if cancel, ok := t.State().(func()); ok {
				cancel()
			}
			return nil
		},
		TopicKey: func(*router.Ctx) (string, error) {
			return "/telemetry", nil
		},
	}, opts...)
}
