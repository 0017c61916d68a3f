// ABOUTME: TUI initialization and control
// ABOUTME: Wraps a bubbletea program around the status Model
package statusui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Run builds the alt-screen status TUI program without starting it; the
// caller starts it with p.Run and pushes SnapshotMsg updates via p.Send.
func Run(controls Controls) (*tea.Program, error) {
	p := tea.NewProgram(New(controls), tea.WithAltScreen())
	return p, nil
}
