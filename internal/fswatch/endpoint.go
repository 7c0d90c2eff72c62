package fswatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/mattjoyce/conduit/internal/endpoint"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/status"
)

// Pattern is the route the watcher is bound to.
const Pattern = "/fs/watch/*path"

const DefaultPollInterval = 2 * time.Second

// Watcher serves Pattern. A call returns the current Info for the path; a
// subscribe starts one poller per path that publishes the Info whenever it
// changes, and the last unsubscribe stops it.
type Watcher struct {
	*endpoint.Endpoint

	roots    Roots
	interval time.Duration
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *poller) stop() {
	p.cancel()
	<-p.done
}

// New builds a Watcher polling every interval.
func New(roots []string, interval time.Duration, opts ...endpoint.Option) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	w := &Watcher{roots: Roots(roots), interval: interval}
	w.Endpoint = endpoint.New("fswatch", endpoint.Behaviors{
		OnCall:        w.onCall,
		OnSubscribe:   w.onSubscribe,
		OnUnsubscribe: w.onUnsubscribe,
		TopicKey: func(c *router.Ctx) (string, error) {
			p, err := w.path(c)
			if err != nil {
				return "", err
			}
			return "/fs/watch" + p, nil
		},
	}, opts...)
	return w
}

func (w *Watcher) path(c *router.Ctx) (string, error) {
	p, err := w.roots.Resolve(c.Param("path"))
	if err != nil {
		return "", status.BadRequest("%v", err)
	}
	return p, nil
}

func (w *Watcher) onCall(_ context.Context, c *router.Ctx) (any, error) {
	p, err := w.path(c)
	if err != nil {
		return nil, err
	}
	info, err := Stat(p)
	if err != nil {
		return nil, status.HandlerError(err)
	}
	return info, nil
}

func (w *Watcher) onSubscribe(_ context.Context, c *router.Ctx, t *endpoint.Topic) error {
	p, err := w.path(c)
	if err != nil {
		return err
	}
	info, err := Stat(p)
	if err != nil {
		return status.HandlerError(err)
	}
	t.Publish(info)

	ctx, cancel := context.WithCancel(context.Background())
	pl := &poller{cancel: cancel, done: make(chan struct{})}
	t.SetState(pl)
	go w.poll(ctx, pl, p, info, t, log.WithTopic(w.Name(), t.Key()))
	return nil
}

func (w *Watcher) poll(ctx context.Context, pl *poller, path string, last Info, t *endpoint.Topic, logger *slog.Logger) {
	defer close(pl.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	logger.Debug("watching path", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			logger.Debug("stopped watching path")
			return
		case <-ticker.C:
			info, err := Stat(path)
			if err != nil {
				logger.Warn("failed to stat watched path", "error", err)
				continue
			}
			if !info.Changed(last) {
				continue
			}
			last = info
			t.Publish(info)
		}
	}
}

func (w *Watcher) onUnsubscribe(_ context.Context, _ *router.Ctx, t *endpoint.Topic) error {
	if pl, ok := t.State().(*poller); ok {
		pl.stop()
	}
	return nil
}
