package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks daemon health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Connections   int
	LastCheck     time.Time
}

func renderHeader(m Model, now time.Time) string {
	theme := m.theme
	innerWidth := m.width - 4

	statusText := theme.StatusOK.Render("SUBSCRIBED")
	statusIcon := "✅"
	switch {
	case m.sub == nil && m.lastError != "":
		statusText = theme.StatusFailed.Render("DISCONNECTED")
		statusIcon = "🔌"
	case m.sub == nil:
		statusText = theme.StatusWaiting.Render("CONNECTING")
		statusIcon = "…"
	}

	lastFrameStr := "never"
	if !m.pulse.LastFrame().IsZero() {
		lastFrameStr = fmt.Sprintf("%s ago", now.Sub(m.pulse.LastFrame()).Round(time.Second))
	}

	tickerStr := theme.Highlight.Render(m.ticker.Current())
	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := fmt.Sprintf(" CONDUIT WATCH %s %s", theme.Highlight.Render(m.path), tickerStr)

	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s %s  topic: %s  frames: %d",
		statusIcon, statusText, orDash(m.topic), m.received)

	daemonLine := fmt.Sprintf(" daemon: %s  ⏱ %s  connections: %d",
		orDash(m.health.Status),
		formatDuration(time.Duration(m.health.UptimeSeconds)*time.Second),
		m.health.Connections,
	)

	activityLine := fmt.Sprintf(" Last frame: %s %s", lastFrameStr, m.pulse.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left,
		titleLine,
		statsLine,
		daemonLine,
		activityLine,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
