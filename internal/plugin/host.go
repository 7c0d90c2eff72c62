package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/proc"
	"github.com/mattjoyce/conduit/internal/status"
)

// Host invokes plugin entrypoints: one process per invocation, a JSON
// request on stdin and a JSON response on stdout.
type Host struct {
	registry *Registry
	configs  map[string]config.PluginConf
	runner   *proc.Runner
}

func NewHost(reg *Registry, configs map[string]config.PluginConf, runner *proc.Runner) *Host {
	if reg == nil {
		reg = NewRegistry()
	}
	if runner == nil {
		runner = proc.NewRunner(log.WithComponent("plugin"))
	}
	return &Host{registry: reg, configs: configs, runner: runner}
}

// Registry returns the plugins the host can invoke.
func (h *Host) Registry() *Registry {
	return h.registry
}

// Enabled reports whether name may be invoked. A plugin without a config
// entry is enabled; an entry must say enabled: true.
func (h *Host) Enabled(name string) bool {
	pc, ok := h.configs[name]
	return !ok || pc.Enabled
}

func (h *Host) lookup(name, command string) (*Plugin, config.PluginConf, error) {
	p, ok := h.registry.Get(name)
	if !ok || !h.Enabled(name) {
		return nil, config.PluginConf{}, status.NotFound("no plugin named %q", name)
	}
	if !p.SupportsCommand(command) {
		return nil, config.PluginConf{}, status.NotFound("plugin %q has no command %q", name, command)
	}
	pc := h.configs[name]
	if pc.Timeout <= 0 {
		pc.Timeout = config.DefaultPluginTimeout
	}
	if p.ConfigKeys != nil {
		for _, key := range p.ConfigKeys.Required {
			if _, ok := pc.Config[key]; !ok {
				return nil, pc, status.BadRequest("plugin %q requires config key %q", name, key)
			}
		}
	}
	return p, pc, nil
}

// Invoke runs command on the named plugin and returns its result.
func (h *Host) Invoke(ctx context.Context, name, command string, data json.RawMessage) (json.RawMessage, error) {
	p, pc, err := h.lookup(name, command)
	if err != nil {
		return nil, err
	}
	logger := log.WithPlugin(name).With("command", command)

	cfg := pc.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	var stdin bytes.Buffer
	req := &Request{
		Protocol:   supportedProtocol,
		Command:    command,
		Config:     cfg,
		Data:       data,
		DeadlineAt: time.Now().Add(pc.Timeout).UTC(),
	}
	if err := EncodeRequest(&stdin, req); err != nil {
		return nil, status.HandlerError(err)
	}

	res, err := h.runner.Run(ctx, proc.Spec{
		Command: p.Entrypoint,
		Dir:     p.Path,
		Stdin:   &stdin,
		Timeout: pc.Timeout,
	})
	if err != nil {
		if errors.Is(err, proc.ErrTimeout) {
			logger.Warn("plugin timed out", "timeout", pc.Timeout)
			return nil, status.HandlerError(fmt.Errorf("plugin %s %s: %w", name, command, err))
		}
		return nil, status.HandlerError(fmt.Errorf("plugin %s: %w", name, err))
	}
	if res.ExitCode != 0 {
		logger.Warn("plugin exited with non-zero status", "exit_code", res.ExitCode, "stderr", res.Stderr)
	}

	resp, err := DecodeResponse([]byte(res.Stdout))
	if err != nil {
		logger.Error("failed to decode plugin response", "error", err, "stdout", res.Stdout)
		return nil, status.HandlerError(fmt.Errorf("plugin %s: %w", name, err))
	}
	relayLogs(logger, resp.Logs)

	if resp.Status == "error" {
		return nil, status.HandlerError(fmt.Errorf("plugin %s: %s", name, resp.Error))
	}
	if len(resp.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result, nil
}

func relayLogs(logger *slog.Logger, entries []LogEntry) {
	for _, e := range entries {
		logger.Log(context.Background(), log.ParseLevel(e.Level), e.Message, "source", "plugin")
	}
}
