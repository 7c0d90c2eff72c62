package watch

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/transport"
)

// --- Message types ---

type frameMsg struct {
	at  time.Time
	out *protocol.Outbound
}

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Connections   int    `json:"connections"`
}

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

// subscribedMsg carries a fresh connection and its open subscription.
type subscribedMsg struct {
	client *transport.Client
	sub    *transport.Subscription
}

type streamClosedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribe dials the daemon and opens the subscription.
func subscribe(baseURL, path string, data any) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client, err := transport.Dial(ctx, transport.WebSocketURL(baseURL), transport.DefaultConfig())
		if err != nil {
			return errMsg{err}
		}
		sub, err := client.Subscribe(ctx, path, data)
		if err != nil {
			_ = client.Close()
			return errMsg{err}
		}
		return subscribedMsg{client: client, sub: sub}
	}
}

// receiveNextFrame waits for the next event on sub.
func receiveNextFrame(sub *transport.Subscription) tea.Cmd {
	return func() tea.Msg {
		out, ok := <-sub.Events()
		if !ok {
			return streamClosedMsg{}
		}
		return frameMsg{at: time.Now(), out: out}
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(baseURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(httpURL(baseURL) + "/healthz")
	if err != nil {
		return errMsg{err}
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg{err}
	}
	return h
}

func httpURL(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimSuffix(strings.TrimPrefix(base, "ws://"), "/ws")
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimSuffix(strings.TrimPrefix(base, "wss://"), "/ws")
	case strings.Contains(base, "://"):
		return base
	default:
		return "http://" + base
	}
}
