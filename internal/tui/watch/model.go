package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/transport"
)

const (
	maxFrames     = 50
	visibleFrames = 8
	headerLines   = 6
)

// Model is the BubbleTea model for one subscription.
type Model struct {
	baseURL string
	path    string
	data    any

	width  int
	height int

	// State
	client   *transport.Client
	sub      *transport.Subscription
	topic    string
	health   HealthState
	frames   []Frame
	received int
	paused   bool

	// Live indicators
	ticker Ticker
	pulse  Pulse

	theme Theme
	value viewport.Model

	lastError string
}

// New creates a viewer subscribing to path on the daemon at baseURL.
func New(baseURL, path string, data any) Model {
	return Model{
		baseURL: baseURL,
		path:    path,
		data:    data,
		ticker:  NewTicker(),
		theme:   NewDefaultTheme(),
		value:   viewport.New(0, 0),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.baseURL, m.path, m.data),
		func() tea.Msg { return fetchHealth(m.baseURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.close()
			return m, tea.Quit
		case "p":
			m.paused = !m.paused
			return m, nil
		case "c":
			m.frames = nil
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tickMsg:
		m.ticker.Tick()
		m.pulse.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case subscribedMsg:
		m.client = msg.client
		m.sub = msg.sub
		m.topic = msg.sub.Ack.Topic
		m.lastError = ""
		return m, receiveNextFrame(msg.sub)

	case frameMsg:
		m.received++
		m.pulse.OnFrame(msg.at)
		if !m.paused {
			m.frames = append([]Frame{{At: msg.at, Status: msg.out.Status, Data: msg.out.Data}}, m.frames...)
			if len(m.frames) > maxFrames {
				m.frames = m.frames[:maxFrames]
			}
			m.value.SetContent(pretty(msg.out.Data))
		}
		return m, receiveNextFrame(m.sub)

	case streamClosedMsg:
		m.close()
		m.lastError = "subscription ended, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribe(m.baseURL, m.path, m.data)

	case healthMsg:
		m.health = HealthState{
			Status:        msg.Status,
			UptimeSeconds: msg.UptimeSeconds,
			Connections:   msg.Connections,
			LastCheck:     time.Now(),
		}
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchHealth(m.baseURL) })

	case errMsg:
		m.lastError = msg.Error()
		if m.sub == nil {
			return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })
		}
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchHealth(m.baseURL) })
	}

	var cmd tea.Cmd
	m.value, cmd = m.value.Update(msg)
	return m, cmd
}

// close drops the connection; the daemon unsubscribes on disconnect.
func (m *Model) close() {
	if m.sub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, _ = m.sub.Unsubscribe(ctx)
		cancel()
	}
	if m.client != nil {
		_ = m.client.Close()
	}
	m.client = nil
	m.sub = nil
}

func (m *Model) resize() {
	m.value.Width = m.width - 8
	h := m.height - headerLines - visibleFrames - 10
	if h < 3 {
		h = 3
	}
	m.value.Height = h
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	header := renderHeader(m, time.Now())

	valueTitle := "VALUE"
	if m.paused {
		valueTitle = "VALUE (paused)"
	}
	value := m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render(valueTitle),
		m.value.View(),
	))
	frames := renderFrameLog(m.frames, m.theme, m.width, visibleFrames)

	parts := []string{header, value, frames}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [p] Pause • [c] Clear • [↑/↓] Scroll value"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

// Run starts the viewer on the terminal and blocks until it quits.
func Run(baseURL, path string, data any) error {
	_, err := tea.NewProgram(New(baseURL, path, data)).Run()
	return err
}
