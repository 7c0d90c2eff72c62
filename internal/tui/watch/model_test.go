package watch

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/protocol"
)

func sized(t *testing.T) Model {
	t.Helper()
	next, _ := New("http://127.0.0.1:8765", "/data/notes", nil).Update(tea.WindowSizeMsg{Width: 120, Height: 60})
	return next.(Model)
}

func frame(status int, data string) frameMsg {
	return frameMsg{at: time.Now(), out: &protocol.Outbound{Status: status, Type: protocol.TypeEvent, Data: json.RawMessage(data)}}
}

func TestFramesUpdateValueAndLog(t *testing.T) {
	m := sized(t)

	next, cmd := m.Update(frame(200, `{"title":"hello"}`))
	m = next.(Model)
	require.NotNil(t, cmd)
	assert.Equal(t, 1, m.received)
	require.Len(t, m.frames, 1)
	assert.Contains(t, m.value.View(), `"title": "hello"`)

	next, _ = m.Update(frame(200, `{"title":"bye"}`))
	m = next.(Model)
	assert.Len(t, m.frames, 2)
	assert.JSONEq(t, `{"title":"bye"}`, string(m.frames[0].Data), "newest first")
}

func TestFrameLogBounded(t *testing.T) {
	m := sized(t)
	for i := 0; i < maxFrames+10; i++ {
		next, _ := m.Update(frame(200, `1`))
		m = next.(Model)
	}
	assert.Len(t, m.frames, maxFrames)
	assert.Equal(t, maxFrames+10, m.received)
}

func TestPauseKeepsValue(t *testing.T) {
	m := sized(t)
	next, _ := m.Update(frame(200, `"first"`))
	m = next.(Model)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	m = next.(Model)
	require.True(t, m.paused)

	next, _ = m.Update(frame(200, `"second"`))
	m = next.(Model)
	assert.Equal(t, 2, m.received)
	assert.Len(t, m.frames, 1)
	assert.Contains(t, m.value.View(), `"first"`)
	assert.Contains(t, m.View(), "VALUE (paused)")
}

func TestErrorBeforeSubscribeSchedulesReconnect(t *testing.T) {
	m := sized(t)
	next, cmd := m.Update(errMsg{errors.New("connection refused")})
	m = next.(Model)
	assert.NotNil(t, cmd)
	view := m.View()
	assert.Contains(t, view, "connection refused")
	assert.Contains(t, view, "DISCONNECTED")
}

func TestViewShowsPathAndHealth(t *testing.T) {
	m := sized(t)
	next, _ := m.Update(healthMsg{Status: "ok", UptimeSeconds: 125, Connections: 3})
	m = next.(Model)

	view := m.View()
	assert.Contains(t, view, "CONDUIT WATCH")
	assert.Contains(t, view, "/data/notes")
	assert.Contains(t, view, "2m 5s")
	assert.Contains(t, view, "connections: 3")
	assert.Contains(t, view, "Waiting for events")
}

func TestBrief(t *testing.T) {
	assert.Equal(t, "null", brief(nil, 40))
	assert.Equal(t, `{"a":1}`, brief(json.RawMessage("{ \"a\": 1 }"), 40))
	long := brief(json.RawMessage(`"`+strings.Repeat("x", 100)+`"`), 20)
	assert.Equal(t, 20, len([]rune(long)))
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestHTTPURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8765", httpURL("http://127.0.0.1:8765/"))
	assert.Equal(t, "http://host:1", httpURL("ws://host:1/ws"))
	assert.Equal(t, "https://host", httpURL("wss://host/ws"))
	assert.Equal(t, "http://host:1", httpURL("host:1"))
}
