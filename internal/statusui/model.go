// ABOUTME: Bubbletea model for the minimal connection/sync/playback status display
// ABOUTME: Trimmed from the teacher's player TUI: no library browsing, no wizards, status only
package statusui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chrisuthe/sendspin-receiver/internal/facade"
	"github.com/chrisuthe/sendspin-receiver/internal/playback"
)

// Model is the status screen's state. Everything here is derived from a
// facade.PlaybackSnapshot; the model holds no connection or playback logic
// of its own.
type Model struct {
	snapshot facade.PlaybackSnapshot

	volume   int
	muted    bool
	showDebug bool

	width  int
	height int

	controls Controls
}

// Controls is how the status screen relays user input back to the host:
// key presses become requests on these channels rather than the model
// calling the facade directly, matching the teacher's VolumeControl
// channel idiom.
type Controls struct {
	VolumeChange chan VolumeChangeMsg
	Quit         chan struct{}
}

// NewControls allocates buffered channels sized for a handful of
// back-to-back key presses without blocking the UI goroutine.
func NewControls() Controls {
	return Controls{
		VolumeChange: make(chan VolumeChangeMsg, 4),
		Quit:         make(chan struct{}, 1),
	}
}

// VolumeChangeMsg requests a volume/mute change be forwarded to the facade.
type VolumeChangeMsg struct {
	Volume int
	Muted  bool
}

// SnapshotMsg delivers a fresh facade.PlaybackSnapshot to the Bubbletea
// update loop; the host pushes one on each of its refresh ticks.
type SnapshotMsg facade.PlaybackSnapshot

// New builds a fresh status Model bound to controls.
func New(controls Controls) Model {
	return Model{volume: 100, controls: controls}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case SnapshotMsg:
		m.snapshot = facade.PlaybackSnapshot(msg)
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	s := m.renderHeader()
	s += m.renderSync()
	s += m.renderPlayback()
	if m.showDebug {
		s += m.renderDebug()
	}
	s += m.renderHelp()
	return s
}

func (m Model) innerWidth() int {
	w := m.width
	if w < 60 {
		w = 60
	}
	return w - 4
}

func (m Model) box(format string, args ...interface{}) string {
	return fmt.Sprintf("│ %-*s │\n", m.innerWidth(), fmt.Sprintf(format, args...))
}

func (m Model) renderHeader() string {
	width := m.width
	if width < 60 {
		width = 60
	}
	title := "┌─ Sendspin Receiver " + strings.Repeat("─", width-22) + "┐\n"
	status := m.box("Connection: %s", m.snapshot.ConnectionState)
	separator := "├" + strings.Repeat("─", width-2) + "┤\n"
	return title + status + separator
}

func (m Model) renderSync() string {
	sync := m.snapshot.Sync
	quality := "not ready"
	switch {
	case sync.Converged:
		quality = "converged"
	case sync.MeasurementCount > 0:
		quality = "warming up"
	}
	line := m.box("Sync: %s  offset=%+.1fms  drift=%.1fppm  n=%d",
		quality, sync.OffsetUs/1000, sync.DriftPPM, sync.MeasurementCount)
	return line
}

func (m Model) renderPlayback() string {
	meta := m.snapshot.Metadata
	state := m.snapshot.PlaybackState
	nowPlaying := "(no metadata)"
	if meta.Title != "" {
		nowPlaying = fmt.Sprintf("%s — %s", meta.Title, meta.Artist)
	}
	s := m.box("State: %s", stateName(state))
	s += m.box("Now playing: %s", nowPlaying)
	volIcon := ""
	if m.muted {
		volIcon = " (muted)"
	}
	s += m.box("Volume: [%s] %d%%%s", renderBar(m.volume, 100, 10), m.volume, volIcon)
	s += m.box("Queued: %.0fms  underruns=%d  reanchors=%d",
		m.snapshot.Sync.QueuedMs, m.snapshot.Sync.BufferUnderruns, m.snapshot.Sync.Reanchors)
	return s
}

func (m Model) renderDebug() string {
	s := m.box("DEBUG:")
	s += m.box("  frames inserted=%d dropped=%d", m.snapshot.Sync.FramesInserted, m.snapshot.Sync.FramesDropped)
	s += m.box("  adaptive Q scale=%.2f", m.snapshot.Sync.AdaptiveQScale)
	if m.snapshot.LastError != nil {
		s += m.box("  last error: %v", m.snapshot.LastError)
	}
	return s
}

func (m Model) renderHelp() string {
	width := m.width
	if width < 60 {
		width = 60
	}
	help := m.box("↑/↓:Volume  m:Mute  d:Debug  q:Quit")
	bottom := "└" + strings.Repeat("─", width-2) + "┘\n"
	return help + bottom
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		select {
		case m.controls.Quit <- struct{}{}:
		default:
		}
		return m, tea.Quit
	case "up":
		m.volume = clampVolume(m.volume + 5)
		m.sendVolumeChange()
	case "down":
		m.volume = clampVolume(m.volume - 5)
		m.sendVolumeChange()
	case "m":
		m.muted = !m.muted
		m.sendVolumeChange()
	case "d":
		m.showDebug = !m.showDebug
	}
	return m, nil
}

func (m Model) sendVolumeChange() {
	select {
	case m.controls.VolumeChange <- VolumeChangeMsg{Volume: m.volume, Muted: m.muted}:
	default:
	}
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func stateName(s playback.State) string {
	return s.String()
}

func renderBar(value, max, width int) string {
	filled := (value * width) / max
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
