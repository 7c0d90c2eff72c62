package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return p
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "empty file yields defaults",
			yaml: "{}\n",
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Transport.Listen != "127.0.0.1:8765" {
					t.Errorf("transport.listen = %q", cfg.Transport.Listen)
				}
				if !cfg.Metrics.Enabled {
					t.Error("metrics should be enabled by default")
				}
				if cfg.Watch.PollInterval != 2*time.Second {
					t.Errorf("watch.poll_interval = %s", cfg.Watch.PollInterval)
				}
			},
		},
		{
			name: "sections parsed",
			yaml: `
service:
  name: edge
  log_level: DEBUG
  log_format: text
transport:
  listen: 0.0.0.0:9000
  heartbeat: 10s
  read_timeout: 30s
metrics:
  enabled: false
data:
  notes:
    persist: true
    writable: true
    initial:
      title: hello
  shared:
    mount: /shared
processes:
  uptime:
    command: uptime
environment:
  tools: [git]
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.Name != "edge" || cfg.Service.LogLevel != "debug" {
					t.Errorf("service not parsed: %+v", cfg.Service)
				}
				if cfg.Transport.Heartbeat != 10*time.Second {
					t.Errorf("heartbeat = %s", cfg.Transport.Heartbeat)
				}
				if cfg.Transport.WriteTimeout != 10*time.Second {
					t.Error("unset transport fields should keep defaults")
				}
				if cfg.Metrics.Enabled {
					t.Error("metrics.enabled not parsed")
				}
				notes := cfg.Data["notes"]
				if notes.Mount != "/data/notes" || !notes.Persist || !notes.Writable {
					t.Errorf("data.notes = %+v", notes)
				}
				if notes.Initial["title"] != "hello" {
					t.Errorf("data.notes.initial = %v", notes.Initial)
				}
				if cfg.Data["shared"].Mount != "/shared" {
					t.Errorf("data.shared.mount = %q", cfg.Data["shared"].Mount)
				}
				up := cfg.Processes["uptime"]
				if up.Timeout != DefaultProcessConf().Timeout || up.Grace == 0 {
					t.Errorf("process defaults not applied: %+v", up)
				}
				if len(cfg.Environment.Tools) != 1 || cfg.Environment.Tools[0] != "git" {
					t.Errorf("environment.tools = %v", cfg.Environment.Tools)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  path: ${CONDUIT_TEST_DB}
plugins:
  echo:
    enabled: true
    config:
      api_key: ${CONDUIT_TEST_KEY}
`,
			env: map[string]string{
				"CONDUIT_TEST_DB":  "/tmp/test.db",
				"CONDUIT_TEST_KEY": "secret123",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Path != "/tmp/test.db" {
					t.Errorf("env var not interpolated in state.path: %s", cfg.State.Path)
				}
				if cfg.Plugins["echo"].Config["api_key"] != "secret123" {
					t.Error("env var not interpolated in plugin config")
				}
				if cfg.Plugins["echo"].Timeout != DefaultPluginTimeout {
					t.Error("plugin timeout default not applied")
				}
			},
		},
		{
			name: "missing env var fails validation",
			yaml: `
plugins:
  echo:
    enabled: true
    config:
      secret: ${CONDUIT_TEST_MISSING}
`,
			wantErr: "CONDUIT_TEST_MISSING",
		},
		{
			name: "disabled plugin skips validation",
			yaml: `
plugins:
  echo:
    enabled: false
    config:
      secret: ${CONDUIT_TEST_MISSING}
`,
		},
		{
			name:    "invalid log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "log_level",
		},
		{
			name:    "invalid log format",
			yaml:    "service:\n  log_format: xml\n",
			wantErr: "log_format",
		},
		{
			name:    "heartbeat must undercut read timeout",
			yaml:    "transport:\n  heartbeat: 60s\n  read_timeout: 30s\n",
			wantErr: "heartbeat",
		},
		{
			name:    "process without command",
			yaml:    "processes:\n  broken: {}\n",
			wantErr: "command is required",
		},
		{
			name:    "duplicate data mount",
			yaml:    "data:\n  a:\n    mount: /x\n  b:\n    mount: /x\n",
			wantErr: "already used",
		},
		{
			name:    "unclean data mount",
			yaml:    "data:\n  a:\n    mount: /x/../y\n",
			wantErr: "clean absolute path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			configPath := writeConfig(t, t.TempDir(), "config.yaml", tt.yaml)
			cfg, err := Load(configPath)

			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(cfg.Files) != 1 || cfg.Files[0] != configPath {
				t.Errorf("Files = %v", cfg.Files)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "config.yaml", "service:\n  name: from-dir\n")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "from-dir" {
		t.Errorf("service.name = %q", cfg.Service.Name)
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "conf.d"), 0755); err != nil {
		t.Fatal(err)
	}
	root := writeConfig(t, dir, "config.yaml", `
include:
  - conf.d/data.yaml
service:
  name: root
data:
  a:
    writable: true
`)
	writeConfig(t, filepath.Join(dir, "conf.d"), "data.yaml", `
service:
  log_level: warn
data:
  b:
    persist: true
`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "root" || cfg.Service.LogLevel != "warn" {
		t.Errorf("service = %+v", cfg.Service)
	}
	if !cfg.Data["a"].Writable || !cfg.Data["b"].Persist {
		t.Errorf("data entries not merged: %+v", cfg.Data)
	}
	if len(cfg.Files) != 2 {
		t.Errorf("Files = %v", cfg.Files)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	root := writeConfig(t, dir, "config.yaml", "include: [other.yaml]\n")
	writeConfig(t, dir, "other.yaml", "include: [config.yaml]\n")

	_, err := Load(root)
	if err == nil || !strings.Contains(err.Error(), "circular") {
		t.Fatalf("expected circular include error, got %v", err)
	}
}

func TestLoadMissingInclude(t *testing.T) {
	dir := t.TempDir()
	root := writeConfig(t, dir, "config.yaml", "include: [nope.yaml]\n")

	_, err := Load(root)
	if err == nil || !strings.Contains(err.Error(), "file not found") {
		t.Fatalf("expected missing include error, got %v", err)
	}
}

func TestPublicRedactsSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Plugins["echo"] = PluginConf{Enabled: true, Config: map[string]any{"token": "s3cret"}}
	cfg.Processes["job"] = ProcessConf{Command: "true", Env: map[string]string{"TOKEN": "s3cret"}}

	doc, err := cfg.Public()
	if err != nil {
		t.Fatalf("Public() error = %v", err)
	}
	plugins := doc["plugins"].(map[string]any)
	if plugins["echo"].(map[string]any)["config"] != "[redacted]" {
		t.Errorf("plugin config not redacted: %v", plugins["echo"])
	}
	procs := doc["processes"].(map[string]any)
	if procs["job"].(map[string]any)["env"] != "[redacted]" {
		t.Errorf("process env not redacted: %v", procs["job"])
	}
	service := doc["service"].(map[string]any)
	if service["name"] != "conduit" {
		t.Errorf("service.name = %v", service["name"])
	}
}
