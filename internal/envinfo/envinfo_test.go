package envinfo

import (
	"context"
	"errors"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/sink"
)

func fakeScanner(found map[string]string) *Scanner {
	return &Scanner{
		Tools: []string{"git", "docker"},
		lookPath: func(name string) (string, error) {
			if p, ok := found[name]; ok {
				return p, nil
			}
			return "", errors.New("not found")
		},
	}
}

func TestScan(t *testing.T) {
	s := fakeScanner(map[string]string{"git": "/usr/bin/git"})
	info := s.Scan(context.Background())

	assert.Equal(t, runtime.GOOS, info["os"])
	assert.Equal(t, runtime.GOARCH, info["arch"])
	assert.Equal(t, os.Getpid(), info["pid"])
	tools := info["tools"].(map[string]any)
	assert.Equal(t, Tool{Found: true, Path: "/usr/bin/git"}, tools["git"])
	assert.Equal(t, Tool{}, tools["docker"])
}

func TestToolVersion(t *testing.T) {
	s := NewScanner([]string{"sh"})
	s.lookPath = func(string) (string, error) { return "/bin/sh", nil }

	// sh --version fails on some systems; only a found tool is guaranteed.
	tool := s.tool(context.Background(), "sh")
	assert.True(t, tool.Found)
	assert.Equal(t, "/bin/sh", tool.Path)

	assert.Equal(t, "go version go1.22", firstLine("go version go1.22\nextra\n"))
	assert.Equal(t, "version", versionFlag("go"))
	assert.Equal(t, "--version", versionFlag("git"))
}

func TestRescanPublishesOnlyChanges(t *testing.T) {
	found := map[string]string{"git": "/usr/bin/git"}
	s := fakeScanner(found)
	env, err := New(context.Background(), s, 0)
	require.NoError(t, err)

	r := router.New()
	require.NoError(t, r.Handle("/environment/*", env))
	rec := sink.NewRecorder()
	c := router.NewCtx("/environment/tools", router.Request{Verb: protocol.VerbSubscribe, SessionID: "a"}, rec)
	_, err = r.Dispatch(context.Background(), "/environment/tools", c)
	require.NoError(t, err)
	require.Len(t, rec.Events(), 1)

	env.Rescan(context.Background())
	assert.Len(t, rec.Events(), 1, "unchanged scan must not publish")

	found["docker"] = "/usr/bin/docker"
	env.Rescan(context.Background())
	require.Len(t, rec.Events(), 2)
	tools := rec.Events()[1].Data.(map[string]any)
	assert.Equal(t, true, tools["docker"].(map[string]any)["found"])

	res, err := r.Call(context.Background(), "/environment/os", nil)
	require.NoError(t, err)
	assert.Equal(t, runtime.GOOS, res)
}
