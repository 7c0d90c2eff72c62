package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/daemon"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// writeTestConfig writes a config whose paths all live under a temp dir.
func writeTestConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	pluginsDir := filepath.Join(dir, "plugins")
	if err := os.Mkdir(pluginsDir, 0755); err != nil {
		t.Fatal(err)
	}
	body := "service:\n" +
		"  name: cli-test\n" +
		"  lock_path: " + filepath.Join(dir, "conduit.lock") + "\n" +
		"state:\n" +
		"  path: " + filepath.Join(dir, "state.db") + "\n" +
		"plugins_dir: " + pluginsDir + "\n" +
		"environment:\n" +
		"  tools: []\n" +
		extra
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func TestVersionShort(t *testing.T) {
	out, _, err := runCLI(t, "version", "--short")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if out != version+"\n" {
		t.Fatalf("version --short = %q", out)
	}
}

func TestConfigCheck(t *testing.T) {
	path, _ := writeTestConfig(t, "")
	out, _, err := runCLI(t, "config", "check", "--config", path)
	if err != nil {
		t.Fatalf("config check failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestConfigCheckReportsErrors(t *testing.T) {
	path, _ := writeTestConfig(t, "data:\n  bad:\n    mount: /telemetry\n")
	out, _, err := runCLI(t, "config", "check", "--config", path, "--json")
	if err == nil {
		t.Fatal("expected config check to fail")
	}
	var result struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Category string `json:"category"`
		} `json:"errors"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if result.Valid || len(result.Errors) == 0 || result.Errors[0].Category != "data" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestConfigCheckStrict(t *testing.T) {
	path, _ := writeTestConfig(t, "transport:\n  listen: 0.0.0.0:8765\n")
	if _, _, err := runCLI(t, "config", "check", "--config", path); err != nil {
		t.Fatalf("warnings should pass without --strict: %v", err)
	}
	_, _, err := runCLI(t, "config", "check", "--config", path, "--strict")
	if err == nil || !strings.Contains(err.Error(), "strict") {
		t.Fatalf("expected strict failure, got %v", err)
	}
}

func TestConfigLockDryRunThenWrite(t *testing.T) {
	path, dir := writeTestConfig(t, "")

	out, _, err := runCLI(t, "config", "lock", "--config", path, "--dry-run")
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if !strings.Contains(out, "HASH config.yaml") || !strings.Contains(out, "DRY-RUN") {
		t.Fatalf("unexpected dry-run output: %s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, ".checksums")); !os.IsNotExist(err) {
		t.Fatal(".checksums written during dry run")
	}

	out, _, err = runCLI(t, "config", "lock", "--config", path, "-v")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	if !strings.Contains(out, "WROTE") {
		t.Fatalf("unexpected output: %s", out)
	}
	if _, err := config.Load(path); err != nil {
		t.Fatalf("locked config no longer loads: %v", err)
	}
}

func TestConfigShowRedacts(t *testing.T) {
	path, _ := writeTestConfig(t, "plugins:\n  echo:\n    enabled: true\n    config:\n      token: s3cret\n")
	out, _, err := runCLI(t, "config", "show", "--config", path)
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "cli-test") {
		t.Fatalf("service name missing: %s", out)
	}
	if strings.Contains(out, "s3cret") {
		t.Fatalf("secret leaked: %s", out)
	}
}

func TestPluginList(t *testing.T) {
	path, dir := writeTestConfig(t, "plugins:\n  off:\n    enabled: false\n")
	for _, name := range []string{"greet", "off"} {
		pdir := filepath.Join(dir, "plugins", name)
		if err := os.Mkdir(pdir, 0755); err != nil {
			t.Fatal(err)
		}
		manifest := "manifest_spec: conduit.plugin\nmanifest_version: 1\nname: " + name +
			"\nversion: 0.1.0\nprotocol: 1\nentrypoint: run.sh\ncommands: [hello]\n"
		if err := os.WriteFile(filepath.Join(pdir, "manifest.yaml"), []byte(manifest), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(pdir, "run.sh"), []byte("#!/bin/sh\necho '{}'\n"), 0755); err != nil {
			t.Fatal(err)
		}
	}

	out, _, err := runCLI(t, "plugin", "list", "--config", path, "--json")
	if err != nil {
		t.Fatalf("plugin list failed: %v", err)
	}
	var rows []struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(rows) != 2 || rows[0].Name != "greet" || !rows[0].Enabled || rows[1].Enabled {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func startTestDaemon(t *testing.T) string {
	t.Helper()
	path, _ := writeTestConfig(t, "data:\n  notes:\n    writable: true\n    initial:\n      title: hello\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	d, err := daemon.New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = d.Close()
	})
	return ts.URL
}

func TestCallAndSubscribe(t *testing.T) {
	addr := startTestDaemon(t)

	out, _, err := runCLI(t, "call", "--addr", addr, "/config/service/name")
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if strings.TrimSpace(out) != `"cli-test"` {
		t.Fatalf("call output = %q", out)
	}

	_, _, err = runCLI(t, "call", "--addr", addr, "/missing")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}

	out, stderr, err := runCLI(t, "subscribe", "--addr", addr, "--count", "1", "/data/notes/title")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if strings.TrimSpace(out) != `"hello"` {
		t.Fatalf("subscribe output = %q", out)
	}
	if !strings.Contains(stderr, "subscribed to") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestParseData(t *testing.T) {
	if data, err := parseData(nil); err != nil || data != nil {
		t.Fatalf("parseData(nil) = %s, %v", data, err)
	}
	if _, err := parseData([]string{"{bad"}); err == nil {
		t.Fatal("expected invalid JSON error")
	}
	data, err := parseData([]string{`{"set":1}`})
	if err != nil || string(data) != `{"set":1}` {
		t.Fatalf("parseData = %s, %v", data, err)
	}
}
