package plugin

import (
	"context"

	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/status"
)

// Summary is one entry of the plugin listing.
type Summary struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Commands    []string `json:"commands"`
}

// NewRouter builds the routes mounted at /plugins:
//
//	/                 lists enabled plugins
//	/:name            describes one plugin
//	/:name/:command   invokes a command with the call data
func NewRouter(h *Host, opts ...router.Option) (*router.Router, error) {
	r := router.New(opts...)
	if err := r.HandleFunc("/", h.list); err != nil {
		return nil, err
	}
	if err := r.HandleFunc("/:name", h.describe); err != nil {
		return nil, err
	}
	if err := r.HandleFunc("/:name/:command", h.invoke); err != nil {
		return nil, err
	}
	return r, nil
}

func (h *Host) list(_ context.Context, _ *router.Ctx) (any, error) {
	out := make([]Summary, 0, h.registry.Len())
	for _, name := range h.registry.Names() {
		if !h.Enabled(name) {
			continue
		}
		p, _ := h.registry.Get(name)
		out = append(out, Summary{
			Name:        p.Name,
			Version:     p.Version,
			Description: p.Description,
			Commands:    p.CommandNames(),
		})
	}
	return out, nil
}

func (h *Host) describe(_ context.Context, c *router.Ctx) (any, error) {
	name := c.Param("name")
	p, ok := h.registry.Get(name)
	if !ok || !h.Enabled(name) {
		return nil, status.NotFound("no plugin named %q", name)
	}
	desc := *p
	desc.Commands = make(Commands, 0, len(p.Commands))
	for _, cmd := range p.Commands {
		desc.Commands = append(desc.Commands, cmd.Expanded())
	}
	return desc, nil
}

func (h *Host) invoke(ctx context.Context, c *router.Ctx) (any, error) {
	return h.Invoke(ctx, c.Param("name"), c.Param("command"), c.Request.Data)
}
