package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/status"
	"github.com/mattjoyce/conduit/internal/tree"
)

// Store persists the document behind a DataEndpoint.
type Store interface {
	Load(ctx context.Context, name string) (map[string]any, bool, error)
	Save(ctx context.Context, name string, doc map[string]any) error
}

// DataOption configures a DataEndpoint.
type DataOption func(*DataEndpoint)

// Writable lets calls mutate the tree with {"set": v} or {"delete": true}.
func Writable() DataOption {
	return func(d *DataEndpoint) {
		d.writable = true
	}
}

// WithStore restores the tree from s on construction and saves it after
// every mutation.
func WithStore(s Store) DataOption {
	return func(d *DataEndpoint) {
		d.store = s
	}
}

// WithEndpointOptions passes options through to the underlying Endpoint.
func WithEndpointOptions(opts ...Option) DataOption {
	return func(d *DataEndpoint) {
		d.endpointOpts = append(d.endpointOpts, opts...)
	}
}

// DataEndpoint is an Endpoint whose calls read an observable tree and whose
// subscribers are published the value under their filter on every change.
type DataEndpoint struct {
	*Endpoint

	tree         *tree.Tree
	writable     bool
	store        Store
	endpointOpts []Option
	unpersist    func()
}

type dataRequest struct {
	Filter string          `json:"filter"`
	Set    json.RawMessage `json:"set"`
	Delete bool            `json:"delete"`
}

// NewData builds a DataEndpoint seeded with initial, or with the stored
// document when a store is configured and holds one.
func NewData(ctx context.Context, name string, initial map[string]any, opts ...DataOption) (*DataEndpoint, error) {
	d := &DataEndpoint{}
	for _, opt := range opts {
		opt(d)
	}

	doc := initial
	if d.store != nil {
		stored, ok, err := d.store.Load(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to restore %s: %w", name, err)
		}
		if ok {
			doc = stored
		}
	}

	t, err := tree.New(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid initial data for %s: %w", name, err)
	}
	d.tree = t

	d.Endpoint = New(name, Behaviors{
		OnCall:        d.onCall,
		OnSubscribe:   d.onSubscribe,
		OnUnsubscribe: d.onUnsubscribe,
		InitSession:   d.initSession,
		TopicKey:      d.topicKey,
	}, d.endpointOpts...)

	if d.store != nil {
		d.unpersist = t.Watch("", func(tree.Change) { d.persist() })
	}
	return d, nil
}

// Tree returns the backing tree. Mutating it publishes to subscribers.
func (d *DataEndpoint) Tree() *tree.Tree {
	return d.tree
}

// Set stores v at path.
func (d *DataEndpoint) Set(path string, v any) error {
	return d.tree.Set(path, v)
}

// Delete removes the value at path.
func (d *DataEndpoint) Delete(path string) bool {
	return d.tree.Delete(path)
}

// Close stops persisting changes.
func (d *DataEndpoint) Close() {
	if d.unpersist != nil {
		d.unpersist()
	}
}

func (d *DataEndpoint) persist() {
	if err := d.store.Save(context.Background(), d.Name(), d.tree.Snapshot()); err != nil {
		d.logger.Error("failed to persist data", "error", err)
	}
}

// filter resolves the tree path addressed by a request: the wildcard
// remainder when present, otherwise the "filter" field of the data.
func (d *DataEndpoint) filter(c *router.Ctx) ([]string, dataRequest, error) {
	var req dataRequest
	if len(c.Request.Data) > 0 {
		if err := json.Unmarshal(c.Request.Data, &req); err != nil {
			return nil, req, status.BadRequest("invalid request data: %v", err)
		}
	}
	if rest := c.Rest(); rest != "" {
		return tree.Split(rest), req, nil
	}
	return tree.Split(req.Filter), req, nil
}

func (d *DataEndpoint) topicKey(c *router.Ctx) (string, error) {
	segs, _, err := d.filter(c)
	if err != nil {
		return "", err
	}
	return "/" + strings.Join(segs, "/"), nil
}

func (d *DataEndpoint) onCall(_ context.Context, c *router.Ctx) (any, error) {
	segs, req, err := d.filter(c)
	if err != nil {
		return nil, err
	}
	path := tree.Join(segs)

	if len(req.Set) > 0 || req.Delete {
		if !d.writable {
			return nil, status.BadRequest("%s is read-only", d.Name())
		}
		if req.Delete {
			if !d.tree.Delete(path) {
				return nil, status.NotFound("no data at %q", path)
			}
			return map[string]any{"deleted": path}, nil
		}
		var v any
		if err := json.Unmarshal(req.Set, &v); err != nil {
			return nil, status.BadRequest("invalid value: %v", err)
		}
		if err := d.tree.Set(path, v); err != nil {
			return nil, status.BadRequest("%v", err)
		}
	}

	v, ok := d.tree.Get(path)
	if !ok {
		return nil, status.NotFound("no data at %q", path)
	}
	return v, nil
}

func (d *DataEndpoint) onSubscribe(_ context.Context, c *router.Ctx, t *Topic) error {
	segs, _, err := d.filter(c)
	if err != nil {
		return err
	}
	path := tree.Join(segs)

	f := &feed{
		topic: t,
		read: func() any {
			v, _ := d.tree.Get(path)
			return v
		},
	}
	// Watch before the first read so no mutation falls between the two.
	f.cancel = d.tree.Watch(path, func(tree.Change) { f.refresh() })
	t.SetState(f)
	f.refresh()
	return nil
}

func (d *DataEndpoint) onUnsubscribe(_ context.Context, _ *router.Ctx, t *Topic) error {
	if f, ok := t.State().(*feed); ok {
		f.cancel()
	}
	return nil
}

func (d *DataEndpoint) initSession(_ context.Context, _ *router.Ctx, s *Session) error {
	f, ok := s.Topic().State().(*feed)
	if !ok {
		return fmt.Errorf("topic %s has no feed", s.Topic().Key())
	}
	f.welcome(s)
	return nil
}

// feed serializes the publishes of one data topic, so a value read earlier is
// never delivered after a value read later. Work requested while a publish is
// in flight, including from inside it, is picked up by the goroutine already
// publishing; pending refreshes coalesce into one read of the latest value.
type feed struct {
	topic  *Topic
	read   func() any
	cancel func()

	mu      sync.Mutex
	busy    bool
	dirty   bool
	joiners []*Session
}

// refresh publishes the current value to every session.
func (f *feed) refresh() {
	f.mu.Lock()
	f.dirty = true
	f.drain()
}

// welcome sends the current value to s alone.
func (f *feed) welcome(s *Session) {
	f.mu.Lock()
	f.joiners = append(f.joiners, s)
	f.drain()
}

// drain must be called with f.mu held; it releases it.
func (f *feed) drain() {
	if f.busy {
		f.mu.Unlock()
		return
	}
	f.busy = true
	for f.dirty || len(f.joiners) > 0 {
		dirty, joiners := f.dirty, f.joiners
		f.dirty, f.joiners = false, nil
		f.mu.Unlock()

		v := f.read()
		if dirty {
			// Joiners are already live, so the shared publish reaches them.
			f.topic.Publish(v)
		} else {
			for _, s := range joiners {
				s.Publish(v)
			}
		}

		f.mu.Lock()
	}
	f.busy = false
	f.mu.Unlock()
}
