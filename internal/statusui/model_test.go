package statusui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chrisuthe/sendspin-receiver/internal/facade"
	"github.com/chrisuthe/sendspin-receiver/internal/supervisor"
)

func TestClampVolume(t *testing.T) {
	cases := []struct {
		in, want int
	}{
		{-10, 0}, {0, 0}, {50, 50}, {100, 100}, {150, 100},
	}
	for _, c := range cases {
		if got := clampVolume(c.in); got != c.want {
			t.Errorf("clampVolume(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestRenderBarFillsProportionally(t *testing.T) {
	bar := renderBar(50, 100, 10)
	if len([]rune(bar)) != 10 {
		t.Fatalf("renderBar length = %d, want 10", len([]rune(bar)))
	}
	if bar != "█████░░░░░" {
		t.Fatalf("renderBar(50, 100, 10) = %q, want 5 filled and 5 empty cells", bar)
	}
}

func TestUpdateAppliesSnapshot(t *testing.T) {
	m := New(NewControls())
	snap := facade.PlaybackSnapshot{ConnectionState: supervisor.Connected}
	updated, _ := m.Update(SnapshotMsg(snap))
	got := updated.(Model)
	if got.snapshot.ConnectionState != supervisor.Connected {
		t.Fatalf("snapshot not applied: %+v", got.snapshot)
	}
}

func TestVolumeKeysAdjustAndNotify(t *testing.T) {
	m := New(NewControls())
	updated, _ := m.handleKey(tea.KeyMsg{Type: tea.KeyDown})
	got := updated.(Model)
	if got.volume != 95 {
		t.Fatalf("volume after down = %d, want 95", got.volume)
	}
	select {
	case change := <-got.controls.VolumeChange:
		if change.Volume != got.volume {
			t.Fatalf("notified volume %d != model volume %d", change.Volume, got.volume)
		}
	default:
		t.Fatal("expected a VolumeChangeMsg to be sent")
	}
}

func TestQuitKeySignalsQuit(t *testing.T) {
	m := New(NewControls())
	_, cmd := m.handleKey(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("expected a tea.Cmd (tea.Quit) on ctrl+c")
	}
	select {
	case <-m.controls.Quit:
	default:
		t.Fatal("expected quit signal to be sent")
	}
}
