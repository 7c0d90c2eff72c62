package watch

import (
	"strings"
	"time"
)

// Ticker rotates once per second while the UI loop is alive.
type Ticker struct {
	frames []string
	index  int
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"⟲", "⟳"}}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

// Pulse lights up when a frame arrives and fades over ten seconds.
type Pulse struct {
	dots      int
	lastFrame time.Time
}

func (p *Pulse) OnFrame(at time.Time) {
	p.dots = 5
	p.lastFrame = at
}

// Decay fades the dots based on time since the last frame.
func (p *Pulse) Decay(now time.Time) {
	if p.dots == 0 {
		return
	}
	elapsed := now.Sub(p.lastFrame)
	p.dots = 5 - int(elapsed/(2*time.Second))
	if p.dots < 0 {
		p.dots = 0
	}
}

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		if i < p.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (p Pulse) LastFrame() time.Time {
	return p.lastFrame
}
