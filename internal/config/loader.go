package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Load reads and parses configuration from a file.
// Files named in the include array are layered on top of the root file in
// order; later files override scalar values and add map entries.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	visited := make(map[string]bool)
	if err := loadInto(cfg, absPath, visited); err != nil {
		return nil, err
	}
	cfg.Include = nil

	// Hash-verify all configuration files (root config + all includes)
	if err := verifyAllConfigHashes(cfg.Files); err != nil {
		return nil, err
	}

	applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveConfigPath(configPath string) (string, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfig finds the config file by checking standard locations.
// Priority order: $CONDUIT_CONFIG, ~/.config/conduit/config.yaml, /etc/conduit/config.yaml, ./config.yaml
func DiscoverConfig() (string, error) {
	if p := os.Getenv("CONDUIT_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(homeDir, ".config", "conduit", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if _, err := os.Stat("/etc/conduit/config.yaml"); err == nil {
		return "/etc/conduit/config.yaml", nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $CONDUIT_CONFIG, ~/.config/conduit, /etc/conduit, ./config.yaml)")
}

// loadInto decodes the file at absPath over cfg, then its includes.
// visited tracks loaded files to prevent cycles.
func loadInto(cfg *Config, absPath string, visited map[string]bool) error {
	if visited[absPath] {
		return fmt.Errorf("circular include detected: %s", absPath)
	}
	visited[absPath] = true
	cfg.Files = append(cfg.Files, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	// Apply environment variable interpolation
	interpolated := []byte(interpolateEnv(string(data)))

	var partial struct {
		Include []string `yaml:"include"`
	}
	if err := yaml.Unmarshal(interpolated, &partial); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", absPath, err)
	}
	if err := yaml.Unmarshal(interpolated, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", absPath, err)
	}

	baseDir := filepath.Dir(absPath)
	for i, includePath := range partial.Include {
		resolved := includePath
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, resolved)
		}
		abs, err := filepath.Abs(resolved)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		// Check if file exists - HARD FAIL with good UX
		if _, err := os.Stat(abs); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, abs, absPath)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, abs, err)
		}

		if err := loadInto(cfg, abs, visited); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
	}
	return nil
}

func verifyAllConfigHashes(paths []string) error {
	// Group paths by directory to avoid loading the same checksums file multiple times
	dirToFiles := make(map[string][]string)
	for _, p := range paths {
		dir := filepath.Dir(p)
		dirToFiles[dir] = append(dirToFiles[dir], p)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// If .checksums is missing, we skip verification for this directory.
			continue
		}

		for _, p := range files {
			basename := filepath.Base(p)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: conduit config lock", basename, dir)
			}

			if err := VerifyFileHash(p, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: conduit config lock", p, err)
			}
		}
	}

	return nil
}

// applyConfigDefaults fills values the files left empty or zeroed.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.LockPath == "" {
		cfg.Service.LockPath = defaults.Service.LockPath
	}

	if cfg.Transport.Listen == "" {
		cfg.Transport.Listen = defaults.Transport.Listen
	}
	if cfg.Transport.OutboundQueue == 0 {
		cfg.Transport.OutboundQueue = defaults.Transport.OutboundQueue
	}
	if cfg.Transport.MaxMessageBytes == 0 {
		cfg.Transport.MaxMessageBytes = defaults.Transport.MaxMessageBytes
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaults.Metrics.Namespace
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.PluginsDir == "" {
		cfg.PluginsDir = defaults.PluginsDir
	}
	if cfg.Watch.PollInterval == 0 {
		cfg.Watch.PollInterval = defaults.Watch.PollInterval
	}
	if cfg.Environment.RescanInterval == 0 {
		cfg.Environment.RescanInterval = defaults.Environment.RescanInterval
	}

	for name, d := range cfg.Data {
		if d.Mount == "" {
			d.Mount = "/data/" + name
		}
		cfg.Data[name] = d
	}

	pd := DefaultProcessConf()
	for name, p := range cfg.Processes {
		if p.Timeout == 0 {
			p.Timeout = pd.Timeout
		}
		if p.Grace == 0 {
			p.Grace = pd.Grace
		}
		if p.StderrLimit == 0 {
			p.StderrLimit = pd.StderrLimit
		}
		cfg.Processes[name] = p
	}

	for name, p := range cfg.Plugins {
		if p.Timeout == 0 {
			p.Timeout = DefaultPluginTimeout
		}
		cfg.Plugins[name] = p
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	t := cfg.Transport
	if t.ReadTimeout < 0 || t.WriteTimeout < 0 || t.Heartbeat < 0 {
		return fmt.Errorf("transport timeouts must not be negative")
	}
	if t.Heartbeat > 0 && t.ReadTimeout > 0 && t.Heartbeat >= t.ReadTimeout {
		return fmt.Errorf("transport.heartbeat (%s) must be shorter than transport.read_timeout (%s)", t.Heartbeat, t.ReadTimeout)
	}
	if t.MaxMessageBytes < 0 {
		return fmt.Errorf("transport.max_message_bytes must be positive")
	}
	if t.OutboundQueue < 0 {
		return fmt.Errorf("transport.outbound_queue must be positive")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Watch.PollInterval < 0 {
		return fmt.Errorf("watch.poll_interval must be positive")
	}
	if cfg.Environment.RescanInterval < 0 {
		return fmt.Errorf("environment.rescan_interval must not be negative")
	}

	mounts := make(map[string]string)
	for _, name := range sortedKeys(cfg.Data) {
		d := cfg.Data[name]
		if !namePattern.MatchString(name) {
			return fmt.Errorf("data %q: name must match %s", name, namePattern)
		}
		if !strings.HasPrefix(d.Mount, "/") || path.Clean(d.Mount) != d.Mount {
			return fmt.Errorf("data %q: mount must be a clean absolute path (got %q)", name, d.Mount)
		}
		if other, dup := mounts[d.Mount]; dup {
			return fmt.Errorf("data %q: mount %s already used by %q", name, d.Mount, other)
		}
		mounts[d.Mount] = name
	}

	for _, name := range sortedKeys(cfg.Processes) {
		p := cfg.Processes[name]
		if !namePattern.MatchString(name) {
			return fmt.Errorf("process %q: name must match %s", name, namePattern)
		}
		if p.Command == "" {
			return fmt.Errorf("process %q: command is required", name)
		}
		for k, v := range p.Env {
			if m := envVarPattern.FindStringSubmatch(v); len(m) > 1 {
				return fmt.Errorf("process %q: env %s: environment variable ${%s} is not set", name, k, m[1])
			}
		}
	}

	for name, plugin := range cfg.Plugins {
		if !plugin.Enabled {
			continue // Skip disabled plugins
		}
		// Check for unresolved env vars in config (security: no secrets leaked in logs)
		if plugin.Config != nil {
			if err := checkUnresolvedEnvVars(plugin.Config, name); err != nil {
				return err
			}
		}
	}

	return nil
}

// checkUnresolvedEnvVars recursively checks for ${VAR} placeholders in config values.
func checkUnresolvedEnvVars(data map[string]any, pluginName string) error {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if envVarPattern.MatchString(v) {
				matches := envVarPattern.FindStringSubmatch(v)
				if len(matches) > 1 {
					return fmt.Errorf("plugin %q: environment variable ${%s} is not set", pluginName, matches[1])
				}
				return fmt.Errorf("plugin %q: unresolved environment variable in config.%s", pluginName, key)
			}
		case map[string]any:
			if err := checkUnresolvedEnvVars(v, pluginName); err != nil {
				return err
			}
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Public returns the configuration as a generic document with secrets
// removed: plugin config values and process environments are redacted.
func (c *Config) Public() (map[string]any, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	redact(doc, "plugins", "config")
	redact(doc, "processes", "env")
	return doc, nil
}

// redact replaces doc[section][*][field] with a marker.
func redact(doc map[string]any, section, field string) {
	entries, ok := doc[section].(map[string]any)
	if !ok {
		return
	}
	for _, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if _, present := m[field]; present {
			m[field] = "[redacted]"
		}
	}
}
