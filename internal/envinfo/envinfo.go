// Package envinfo publishes a description of the host at /environment and
// keeps it current with a periodic rescan.
package envinfo

import (
	"context"
	"os"
	"os/exec"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/mattjoyce/conduit/internal/endpoint"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/proc"
	"github.com/mattjoyce/conduit/internal/tree"
)

const versionTimeout = 2 * time.Second

// Tool describes one executable looked up on PATH.
type Tool struct {
	Found   bool   `json:"found"`
	Path    string `json:"path,omitempty"`
	Version string `json:"version,omitempty"`
}

// Scanner collects host facts.
type Scanner struct {
	Tools []string

	lookPath func(string) (string, error)
	runner   *proc.Runner
}

func NewScanner(tools []string) *Scanner {
	return &Scanner{
		Tools:    tools,
		lookPath: exec.LookPath,
		runner:   proc.NewRunner(log.WithComponent("envinfo")),
	}
}

// Scan returns the current host description.
func (s *Scanner) Scan(ctx context.Context) map[string]any {
	hostname, _ := os.Hostname()
	cwd, _ := os.Getwd()

	tools := make(map[string]any, len(s.Tools))
	for _, name := range s.Tools {
		tools[name] = s.tool(ctx, name)
	}

	return map[string]any{
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"hostname":   hostname,
		"pid":        os.Getpid(),
		"cwd":        cwd,
		"go_version": runtime.Version(),
		"num_cpu":    runtime.NumCPU(),
		"tools":      tools,
	}
}

func (s *Scanner) tool(ctx context.Context, name string) Tool {
	path, err := s.lookPath(name)
	if err != nil {
		return Tool{}
	}
	t := Tool{Found: true, Path: path}
	if s.runner == nil {
		return t
	}
	res, err := s.runner.Run(ctx, proc.Spec{
		Command: path,
		Args:    []string{versionFlag(name)},
		Timeout: versionTimeout,
		Grace:   100 * time.Millisecond,
	})
	if err != nil || res.ExitCode != 0 {
		return t
	}
	out := res.Stdout
	if strings.TrimSpace(out) == "" {
		out = res.Stderr
	}
	t.Version = firstLine(out)
	return t
}

func versionFlag(name string) string {
	if name == "go" {
		return "version"
	}
	return "--version"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Environment is the /environment data endpoint.
type Environment struct {
	*endpoint.DataEndpoint

	scanner  *Scanner
	interval time.Duration
}

// New scans once and builds the endpoint.
func New(ctx context.Context, scanner *Scanner, interval time.Duration, opts ...endpoint.Option) (*Environment, error) {
	d, err := endpoint.NewData(ctx, "environment", scanner.Scan(ctx), endpoint.WithEndpointOptions(opts...))
	if err != nil {
		return nil, err
	}
	return &Environment{DataEndpoint: d, scanner: scanner, interval: interval}, nil
}

// Rescan updates every key whose value changed. Unchanged keys publish
// nothing.
func (e *Environment) Rescan(ctx context.Context) {
	for k, v := range e.scanner.Scan(ctx) {
		nv, err := tree.Normalize(v)
		if err != nil {
			continue
		}
		if cur, ok := e.Tree().Get(k); ok && reflect.DeepEqual(cur, nv) {
			continue
		}
		if err := e.Set(k, v); err != nil {
			log.WithComponent("envinfo").Warn("failed to update environment", "key", k, "error", err)
		}
	}
}

// Run rescans on the configured interval until ctx is done.
func (e *Environment) Run(ctx context.Context) {
	if e.interval <= 0 {
		return
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Rescan(ctx)
		}
	}
}
