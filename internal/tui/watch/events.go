package watch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Frame is one received event, kept for the log pane.
type Frame struct {
	At     time.Time
	Status int
	Data   json.RawMessage
}

func renderFrameLog(frames []Frame, theme Theme, width, limit int) string {
	innerWidth := width - 4

	if len(frames) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("FRAMES"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, f := range frames {
		if i >= limit {
			break
		}
		lines = append(lines, formatFrame(f, theme, innerWidth-4))
	}

	text := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("FRAMES"),
		text,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatFrame(f Frame, theme Theme, width int) string {
	ts := theme.Dim.Render(f.At.Format("15:04:05.000"))

	statusStyle := theme.StatusOK
	if f.Status >= 400 {
		statusStyle = theme.StatusFailed
	}
	code := statusStyle.Render(fmt.Sprintf("%d", f.Status))

	return fmt.Sprintf("%s %s %s", ts, code, brief(f.Data, width-20))
}

// brief compacts data onto one line of at most max runes.
func brief(data json.RawMessage, max int) string {
	if len(data) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	raw := string(data)
	if err := json.Compact(&buf, data); err == nil {
		raw = buf.String()
	}
	if max < 8 {
		max = 8
	}
	if r := []rune(raw); len(r) > max {
		raw = string(r[:max-3]) + "..."
	}
	return raw
}

// pretty indents data for the value pane.
func pretty(data json.RawMessage) string {
	if len(data) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}
