package proc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/endpoint"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/state"
	"github.com/mattjoyce/conduit/internal/status"
)

// RunLog stores the history of completed runs.
type RunLog interface {
	Record(ctx context.Context, r *state.Run) error
	Recent(ctx context.Context, name string, limit int) ([]*state.Run, error)
}

// Processes exposes the allow-listed commands from configuration at
// /process/:name. A call runs the command to completion; a subscribe starts
// it once per topic and streams its output until it exits or the last session
// leaves.
type Processes struct {
	*endpoint.Endpoint

	specs  map[string]config.ProcessConf
	runner *Runner
	runs   RunLog
	logger *slog.Logger
}

type callRequest struct {
	Stdin string `json:"stdin"`
}

type runsRequest struct {
	Limit int `json:"limit"`
}

// NewProcesses builds the process endpoint. runs may be nil.
func NewProcesses(specs map[string]config.ProcessConf, runner *Runner, runs RunLog, opts ...endpoint.Option) *Processes {
	if runner == nil {
		runner = NewRunner(nil)
	}
	p := &Processes{
		specs:  specs,
		runner: runner,
		runs:   runs,
		logger: log.WithComponent("process"),
	}
	p.Endpoint = endpoint.New("process", endpoint.Behaviors{
		OnCall:        p.onCall,
		OnSubscribe:   p.onSubscribe,
		OnUnsubscribe: p.onUnsubscribe,
		TopicKey: func(c *router.Ctx) (string, error) {
			return "/process/" + c.Param("name"), nil
		},
	}, opts...)
	return p
}

// Register binds the endpoint and its run history on r.
func (p *Processes) Register(r *router.Router) error {
	if err := r.HandleFunc("/process", p.list); err != nil {
		return err
	}
	if err := r.HandleFunc("/process/:name/runs", p.history); err != nil {
		return err
	}
	return r.Handle("/process/:name", p)
}

// Names lists the configured processes, sorted.
func (p *Processes) Names() []string {
	names := make([]string, 0, len(p.specs))
	for name := range p.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Processes) spec(name string) (Spec, error) {
	pc, ok := p.specs[name]
	if !ok {
		return Spec{}, status.NotFound("no process named %q", name)
	}
	env := make([]string, 0, len(pc.Env))
	for k, v := range pc.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return Spec{
		Command:     pc.Command,
		Args:        pc.Args,
		Dir:         pc.Dir,
		Env:         env,
		Timeout:     pc.Timeout,
		Grace:       pc.Grace,
		StderrLimit: pc.StderrLimit,
	}, nil
}

func (p *Processes) list(_ context.Context, _ *router.Ctx) (any, error) {
	out := make([]map[string]any, 0, len(p.specs))
	for _, name := range p.Names() {
		pc := p.specs[name]
		out = append(out, map[string]any{
			"name":    name,
			"command": pc.Command,
			"args":    pc.Args,
			"timeout": pc.Timeout.String(),
		})
	}
	return out, nil
}

func (p *Processes) onCall(ctx context.Context, c *router.Ctx) (any, error) {
	name := c.Param("name")
	spec, err := p.spec(name)
	if err != nil {
		return nil, err
	}
	var req callRequest
	if err := c.Request.Bind(&req); err != nil {
		return nil, err
	}
	if req.Stdin != "" {
		spec.Stdin = strings.NewReader(req.Stdin)
	}

	started := time.Now()
	res, runErr := p.runner.Run(ctx, spec)
	p.record(name, c.Request.Source, started, res, runErr)
	if runErr != nil {
		if errors.Is(runErr, ErrTimeout) {
			return nil, status.HandlerError(fmt.Errorf("process %s: %w", name, runErr))
		}
		return nil, status.HandlerError(runErr)
	}
	return res, nil
}

func (p *Processes) record(name, source string, started time.Time, res *Result, runErr error) {
	if p.runs == nil {
		return
	}
	run := &state.Run{
		Name:      name,
		Source:    source,
		StartedAt: started,
		ExitCode:  -1,
	}
	if res != nil {
		run.Duration = res.Duration.Milliseconds()
		run.ExitCode = res.ExitCode
		run.Stderr = res.Stderr
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	// The caller's context may already be cancelled.
	if err := p.runs.Record(context.Background(), run); err != nil {
		p.logger.Error("failed to record process run", "process", name, "error", err)
	}
}

func (p *Processes) history(ctx context.Context, c *router.Ctx) (any, error) {
	name := c.Param("name")
	if _, ok := p.specs[name]; !ok {
		return nil, status.NotFound("no process named %q", name)
	}
	if p.runs == nil {
		return []*state.Run{}, nil
	}
	var req runsRequest
	if err := c.Request.Bind(&req); err != nil {
		return nil, err
	}
	runs, err := p.runs.Recent(ctx, name, req.Limit)
	if err != nil {
		return nil, status.HandlerError(err)
	}
	return runs, nil
}

func (p *Processes) onSubscribe(_ context.Context, c *router.Ctx, t *endpoint.Topic) error {
	name := c.Param("name")
	spec, err := p.spec(name)
	if err != nil {
		return err
	}
	logger := log.WithTopic(p.Name(), t.Key())

	started := time.Now()
	h, err := p.runner.Start(spec, func(l Line) {
		t.Publish(l)
	})
	if err != nil {
		return err
	}
	logger.Info("streaming process started", "pid", h.Pid())
	t.SetState(h)

	source := c.Request.Source
	go func() {
		<-h.Done()
		res := h.Result()
		t.Publish(map[string]any{"exit_code": res.ExitCode})
		// Later subscribers start a new run instead of joining a finished one.
		t.Retire()
		p.record(name, source, started, res, nil)
		logger.Info("streaming process exited", "exit_code", res.ExitCode)
	}()
	return nil
}

func (p *Processes) onUnsubscribe(_ context.Context, _ *router.Ctx, t *endpoint.Topic) error {
	if h, ok := t.State().(*Handle); ok {
		h.Stop()
	}
	return nil
}
