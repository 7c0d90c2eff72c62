// Package doctor validates conduit configuration against the plugins it
// discovers and the host it runs on.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/plugin"
)

// ReservedMounts are the route prefixes the daemon mounts itself. A data
// endpoint mounted on or under one of them would shadow it.
var ReservedMounts = []string{"/config", "/environment", "/telemetry", "/process", "/fs", "/plugins"}

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against discovered plugins.
type Doctor struct {
	cfg      *config.Config
	registry *plugin.Registry
	lookPath func(string) (string, error)
}

// New creates a Doctor from a loaded config and plugin registry. A nil
// registry is treated as empty.
func New(cfg *config.Config, registry *plugin.Registry) *Doctor {
	if registry == nil {
		registry = plugin.NewRegistry()
	}
	return &Doctor{cfg: cfg, registry: registry, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validatePluginRefs(r)
	d.validateDataMounts(r)
	d.validateProcesses(r)
	d.validateWatchRoots(r)
	d.warnUnusedPlugins(r)
	d.warnExposedListener(r)
	d.warnSuspiciousIntervals(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields.
func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Service.LockPath == "" {
		d.addError(r, "service", "service.lock_path", "lock_path is required")
	}
	if d.cfg.Transport.Listen == "" {
		d.addError(r, "transport", "transport.listen", "transport.listen is required")
	}
	if d.cfg.PluginsDir == "" && len(d.cfg.Plugins) > 0 {
		d.addError(r, "service", "plugins_dir", "plugins configured but plugins_dir is empty")
	}
}

// validatePluginRefs checks that plugins in config are discoverable.
func (d *Doctor) validatePluginRefs(r *Result) {
	for _, name := range sortedKeys(d.cfg.Plugins) {
		pc := d.cfg.Plugins[name]
		if !pc.Enabled {
			continue
		}
		p, ok := d.registry.Get(name)
		if !ok {
			d.addError(r, "plugin_refs", fmt.Sprintf("plugins.%s", name),
				fmt.Sprintf("plugin %q in config but not found in plugins_dir", name))
			continue
		}
		if p.ConfigKeys == nil {
			continue
		}
		for _, key := range p.ConfigKeys.Required {
			if _, exists := pc.Config[key]; !exists {
				d.addError(r, "plugin_refs", fmt.Sprintf("plugins.%s.config.%s", name, key),
					fmt.Sprintf("plugin %q requires config key %q", name, key))
			}
		}
	}
}

// validateDataMounts rejects mounts that shadow a built-in route and warns
// about mounts nested inside one another.
func (d *Doctor) validateDataMounts(r *Result) {
	names := sortedKeys(d.cfg.Data)
	for _, name := range names {
		mount := d.cfg.Data[name].Mount
		field := fmt.Sprintf("data.%s.mount", name)
		if mount == "/" {
			d.addError(r, "data", field, fmt.Sprintf("data %q cannot be mounted at the root", name))
			continue
		}
		for _, reserved := range ReservedMounts {
			if under(mount, reserved) {
				d.addError(r, "data", field,
					fmt.Sprintf("data %q mount %s shadows built-in route %s", name, mount, reserved))
			}
		}
	}
	for i, a := range names {
		for _, b := range names[i+1:] {
			ma, mb := d.cfg.Data[a].Mount, d.cfg.Data[b].Mount
			if ma != mb && (under(ma, mb) || under(mb, ma)) {
				d.addWarning(r, "data", fmt.Sprintf("data.%s.mount", b),
					fmt.Sprintf("data %q mount %s overlaps data %q mount %s", b, mb, a, ma))
			}
		}
	}
}

// validateProcesses checks that allow-listed commands can start.
func (d *Doctor) validateProcesses(r *Result) {
	for _, name := range sortedKeys(d.cfg.Processes) {
		pc := d.cfg.Processes[name]
		field := fmt.Sprintf("processes.%s", name)
		if pc.Dir != "" {
			if info, err := os.Stat(pc.Dir); err != nil || !info.IsDir() {
				d.addError(r, "processes", field+".dir",
					fmt.Sprintf("process %q working directory %s does not exist", name, pc.Dir))
			}
		}
		if !strings.ContainsRune(pc.Command, filepath.Separator) {
			if _, err := d.lookPath(pc.Command); err != nil {
				d.addWarning(r, "processes", field+".command",
					fmt.Sprintf("process %q command %q not found on PATH", name, pc.Command))
			}
		}
		for k, v := range pc.Env {
			if v == "" {
				d.addWarning(r, "env_vars", fmt.Sprintf("%s.env.%s", field, k),
					"value is empty (possibly unresolved environment variable)")
			}
		}
	}
}

// validateWatchRoots warns about roots that cannot be watched.
func (d *Doctor) validateWatchRoots(r *Result) {
	for i, root := range d.cfg.Watch.Roots {
		field := fmt.Sprintf("watch.roots[%d]", i)
		if !filepath.IsAbs(root) {
			d.addWarning(r, "watch", field,
				fmt.Sprintf("root %q is relative to the daemon's working directory", root))
		}
		if _, err := os.Stat(root); err != nil {
			d.addWarning(r, "watch", field, fmt.Sprintf("root %q does not exist", root))
		}
	}
}

// warnUnusedPlugins warns about discovered plugins not referenced in config.
func (d *Doctor) warnUnusedPlugins(r *Result) {
	for _, name := range d.registry.Names() {
		if _, inConfig := d.cfg.Plugins[name]; !inConfig {
			d.addWarning(r, "unused", "",
				fmt.Sprintf("plugin %q discovered but not referenced in config (enabled by default)", name))
		}
	}
}

// warnExposedListener warns when the unauthenticated transport listens
// beyond loopback.
func (d *Doctor) warnExposedListener(r *Result) {
	host, _, err := net.SplitHostPort(d.cfg.Transport.Listen)
	if err != nil {
		if d.cfg.Transport.Listen != "" {
			d.addError(r, "transport", "transport.listen",
				fmt.Sprintf("invalid listen address %q: %v", d.cfg.Transport.Listen, err))
		}
		return
	}
	if host == "localhost" {
		return
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return
	}
	d.addWarning(r, "transport", "transport.listen",
		fmt.Sprintf("listening on %q exposes every endpoint without authentication", d.cfg.Transport.Listen))
}

// warnSuspiciousIntervals warns about intervals that seem too short.
func (d *Doctor) warnSuspiciousIntervals(r *Result) {
	if p := d.cfg.Watch.PollInterval; p > 0 && p < 100*time.Millisecond {
		d.addWarning(r, "intervals", "watch.poll_interval",
			fmt.Sprintf("poll interval %s is very short (< 100ms)", p))
	}
	if p := d.cfg.Environment.RescanInterval; p > 0 && p < 10*time.Second {
		d.addWarning(r, "intervals", "environment.rescan_interval",
			fmt.Sprintf("rescan interval %s is very short (< 10s)", p))
	}
}

// under reports whether p equals prefix or lies beneath it.
func under(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
