package config

import "time"

// Config represents the complete conduit configuration.
type Config struct {
	Include     []string               `yaml:"include,omitempty"`
	Service     ServiceConfig          `yaml:"service"`
	Transport   TransportConfig        `yaml:"transport"`
	Metrics     MetricsConfig          `yaml:"metrics"`
	State       StateConfig            `yaml:"state"`
	PluginsDir  string                 `yaml:"plugins_dir"`
	Plugins     map[string]PluginConf  `yaml:"plugins,omitempty"`
	Data        map[string]DataConf    `yaml:"data,omitempty"`
	Processes   map[string]ProcessConf `yaml:"processes,omitempty"`
	Watch       WatchConfig            `yaml:"watch"`
	Environment EnvironmentConfig      `yaml:"environment"`

	// Files lists every file the configuration was loaded from, root first.
	Files []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LockPath  string `yaml:"lock_path"`
}

// TransportConfig defines the listener and per-connection limits.
type TransportConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	OutboundQueue   int           `yaml:"outbound_queue"`
}

// MetricsConfig controls the /metrics surface.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// PluginConf defines configuration for a single plugin.
type PluginConf struct {
	Enabled bool           `yaml:"enabled"`
	Timeout time.Duration  `yaml:"timeout,omitempty"`
	Config  map[string]any `yaml:"config,omitempty"`
}

// DataConf defines a named data endpoint.
type DataConf struct {
	Mount    string         `yaml:"mount,omitempty"` // defaults to /data/<name>
	Persist  bool           `yaml:"persist"`
	Writable bool           `yaml:"writable"`
	Initial  map[string]any `yaml:"initial,omitempty"`
}

// ProcessConf defines an allow-listed command exposed at /process/<name>.
type ProcessConf struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Dir         string            `yaml:"dir,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	Grace       time.Duration     `yaml:"grace,omitempty"`
	StderrLimit int               `yaml:"stderr_limit,omitempty"`
}

// WatchConfig controls the file watcher.
type WatchConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	// Roots restricts watched paths. Empty means any path.
	Roots []string `yaml:"roots,omitempty"`
}

// EnvironmentConfig controls the environment scan.
type EnvironmentConfig struct {
	RescanInterval time.Duration `yaml:"rescan_interval"`
	Tools          []string      `yaml:"tools,omitempty"`
}

// ChecksumManifest is the content of a .checksums file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "conduit",
			LogLevel:  "info",
			LogFormat: "json",
			LockPath:  "./data/conduit.lock",
		},
		Transport: TransportConfig{
			Listen:          "127.0.0.1:8765",
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			Heartbeat:       30 * time.Second,
			MaxMessageBytes: 1 << 20,
			OutboundQueue:   256,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "conduit",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		PluginsDir: "./plugins",
		Plugins:    make(map[string]PluginConf),
		Data:       make(map[string]DataConf),
		Processes:  make(map[string]ProcessConf),
		Watch: WatchConfig{
			PollInterval: 2 * time.Second,
		},
		Environment: EnvironmentConfig{
			RescanInterval: 5 * time.Minute,
			Tools:          []string{"git", "go", "python3", "node", "docker"},
		},
	}
}

// DefaultProcessConf returns the limits applied to processes that set none.
func DefaultProcessConf() ProcessConf {
	return ProcessConf{
		Timeout:     60 * time.Second,
		Grace:       5 * time.Second,
		StderrLimit: 64 * 1024,
	}
}

// DefaultPluginTimeout bounds a single plugin invocation.
const DefaultPluginTimeout = 60 * time.Second
