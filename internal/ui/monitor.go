// Package ui provides the Bubbletea terminal monitor: a live view of the
// analysis pipeline (bass energy, beats, tempo lock) used in --monitor
// mode and in place of the GPU renderer when no shaders are configured.
package ui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Stats is one monitor refresh worth of pipeline state. The fetch function
// assembles it from an engine snapshot on the UI's schedule, so the audio
// thread never knows the monitor exists.
type Stats struct {
	Energy     float64 // current short-term bass energy
	Beat       bool    // a beat fired since the last refresh
	BPM        float64
	Confidence float64 // tempo confidence, 0..1
	Beats      uint64  // total beats this session
	Degraded   bool    // capture device lost
}

// StatsFunc supplies the monitor with fresh stats each refresh.
type StatsFunc func() Stats

// refreshInterval is the monitor redraw period. 20Hz is smooth enough for
// a meter and cheap enough to never matter.
const refreshInterval = 50 * time.Millisecond

// beatFlashFrames is how many refreshes the beat indicator stays lit.
const beatFlashFrames = 4

// tickMsg drives the refresh loop.
type tickMsg time.Time

// Model is the Bubbletea model for the live monitor.
type Model struct {
	fetch StatsFunc

	stats    Stats
	peak     float64 // decaying peak for meter headroom
	flash    int     // beat flash countdown
	start    time.Time
	width    int
	height   int
	quitting bool
}

// NewModel creates a monitor fed by fetch.
func NewModel(fetch StatsFunc) Model {
	return Model{
		fetch: fetch,
		start: time.Now(),
		peak:  1e-6,
	}
}

// Init schedules the first refresh.
func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update handles refresh ticks, resize, and quit keys.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats = m.fetch()

		// Meter headroom tracks a decaying peak, the same trick the
		// analysis chain uses on the signal itself.
		m.peak *= 0.995
		if m.stats.Energy > m.peak {
			m.peak = m.stats.Energy
		}

		if m.stats.Beat {
			m.flash = beatFlashFrames
		} else if m.flash > 0 {
			m.flash--
		}
		return m, tick()
	}
	return m, nil
}

// Elapsed returns the session duration shown in the footer.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.start).Truncate(time.Second)
}
