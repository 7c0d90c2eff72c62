package router

import (
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/sink"
	"github.com/mattjoyce/conduit/internal/status"
)

// Params holds the named values captured by the most recent matching route.
type Params map[string]string

// Request is the inbound half of a dispatch.
type Request struct {
	Verb      protocol.Verb
	Data      json.RawMessage
	SessionID string
	// Source names the connection or in-process caller that issued the request.
	Source string
}

// Bind decodes the request data into v. Empty data leaves v untouched.
func (r Request) Bind(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return status.BadRequest("invalid request data: %v", err)
	}
	return nil
}

// Ctx is the per-request dispatch context. A fresh Ctx is created for every
// top-level dispatch and shared across nested routers.
type Ctx struct {
	// Path is the path still to be resolved by the current router. Nested
	// routers see it with their mount prefix removed.
	Path string
	// FullPath is the path originally dispatched.
	FullPath string
	Params   Params
	// Status is the code reported for a successful call. Handlers may set it.
	Status   int
	Request  Request
	Response any
	Sink     sink.Sink
}

// NewCtx returns a context for dispatching path with the given request.
func NewCtx(path string, req Request, s sink.Sink) *Ctx {
	if req.Verb == "" {
		req.Verb = protocol.VerbCall
	}
	if s == nil {
		s = sink.Discard()
	}
	return &Ctx{
		Path:     path,
		FullPath: path,
		Params:   Params{},
		Status:   status.OK,
		Request:  req,
		Sink:     s,
	}
}

// Param returns the named capture, or "" when absent.
func (c *Ctx) Param(name string) string {
	return c.Params[name]
}

// Rest returns the remainder captured by a trailing wildcard.
func (c *Ctx) Rest() string {
	return c.Params[WildcardParam]
}

func (c *Ctx) String() string {
	return fmt.Sprintf("%s %s", c.Request.Verb, c.FullPath)
}
