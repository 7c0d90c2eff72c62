package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/daemon"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/transport"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(dir, "state.db")
	cfg.Service.LockPath = filepath.Join(dir, "conduit.lock")
	cfg.PluginsDir = filepath.Join(dir, "plugins")
	cfg.Environment.Tools = nil
	cfg.Environment.RescanInterval = 0
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	d, err := daemon.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ts := httptest.NewServer(d.Handler())
	t.Cleanup(func() {
		ts.Close()
		if err := d.Close(); err != nil {
			t.Errorf("daemon.Close: %v", err)
		}
	})
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *transport.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := transport.Dial(ctx, transport.WebSocketURL(ts.URL), transport.DefaultConfig())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func httpCall(t *testing.T, ts *httptest.Server, path string, body any) *protocol.Outbound {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(ts.URL+"/call"+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	out, err := protocol.DecodeOutbound(raw)
	if err != nil {
		t.Fatalf("decode %s: %v (%s)", path, err, raw)
	}
	if out.Status != resp.StatusCode {
		t.Fatalf("frame status %d != HTTP status %d", out.Status, resp.StatusCode)
	}
	return out
}

func nextEvent(t *testing.T, sub *transport.Subscription) *protocol.Outbound {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription ended")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertJSON(t *testing.T, want string, got json.RawMessage) {
	t.Helper()
	var w, g any
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("invalid JSON %q: %v", got, err)
	}
	wb, _ := json.Marshal(w)
	gb, _ := json.Marshal(g)
	if !bytes.Equal(wb, gb) {
		t.Fatalf("got %s, want %s", strings.TrimSpace(string(got)), want)
	}
}

func repoRoot(t *testing.T) string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// internal/e2e -> internal -> repo root
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
