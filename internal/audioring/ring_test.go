package audioring

import "testing"

func stereoFrames(n int) []int16 {
	f := make([]int16, n*2)
	for i := range f {
		f[i] = int16(i)
	}
	return f
}

func newTestRing() *Ring {
	return New(Config{SampleRate: 100000, Channels: 2, HighWaterFrames: 1000})
}

func TestPushAndPopInOrder(t *testing.T) {
	r := newTestRing()
	r.PushChunk(1_000_000, stereoFrames(100))

	us, ok := r.FrontServerUs()
	if !ok || us != 1_000_000 {
		t.Fatalf("FrontServerUs = (%d, %v), want (1000000, true)", us, ok)
	}
	if r.FramesQueued() != 100 {
		t.Fatalf("FramesQueued = %d, want 100", r.FramesQueued())
	}

	got := r.PopFrames(40)
	if len(got) != 80 {
		t.Fatalf("PopFrames(40) returned %d samples, want 80", len(got))
	}
	if r.FramesQueued() != 60 {
		t.Fatalf("FramesQueued after pop = %d, want 60", r.FramesQueued())
	}
}

func TestPopFramesNeverBlocksOnEmptyRing(t *testing.T) {
	r := newTestRing()
	got := r.PopFrames(10)
	if len(got) != 0 {
		t.Fatalf("PopFrames on empty ring returned %d samples, want 0", len(got))
	}
}

func TestPopFramesReturnsFewerWhenStarved(t *testing.T) {
	r := newTestRing()
	r.PushChunk(1_000_000, stereoFrames(10))
	got := r.PopFrames(100)
	if len(got) != 20 {
		t.Fatalf("PopFrames(100) returned %d samples, want 20 (10 frames available)", len(got))
	}
}

// S3-style overlap trim: a chunk wholly behind the DAC cursor is dropped in
// full, and a chunk straddling the cursor is trimmed down to it.
func TestOverlapTrimDropsStaleChunkAndTrimsStraddlingOne(t *testing.T) {
	r := newTestRing() // 10us per frame at 100kHz
	r.PushChunk(1_000_000, stereoFrames(100))
	r.SetCursor(1_000_700)

	dropped := r.PushChunk(1_000_500, stereoFrames(100))

	// The straddling chunk B starts at 1_000_500 and the cursor is at
	// 1_000_700: 200us / 10us-per-frame = 20 leading frames trimmed.
	if dropped != 20 {
		t.Fatalf("leading frames trimmed from straddling chunk = %d, want 20", dropped)
	}

	stats := r.Stats()
	// 100 frames from the fully-stale chunk A plus 20 trimmed from B.
	if stats.OverlapsTrimmed != 120 {
		t.Fatalf("OverlapsTrimmed = %d, want 120", stats.OverlapsTrimmed)
	}

	us, ok := r.FrontServerUs()
	if !ok || us != 1_000_700 {
		t.Fatalf("FrontServerUs after trim = (%d, %v), want (1000700, true)", us, ok)
	}
	if r.FramesQueued() != 80 {
		t.Fatalf("FramesQueued after trim = %d, want 80", r.FramesQueued())
	}
}

func TestPushChunkEntirelyBeforeCursorIsFullyDropped(t *testing.T) {
	r := newTestRing()
	r.SetCursor(2_000_000)
	dropped := r.PushChunk(1_000_000, stereoFrames(50))
	if dropped != 50 {
		t.Fatalf("dropped = %d, want 50 (entire stale chunk)", dropped)
	}
	if r.FramesQueued() != 0 {
		t.Fatalf("FramesQueued = %d, want 0", r.FramesQueued())
	}
}

func TestHighWaterMarkBoundsTotalFrames(t *testing.T) {
	r := New(Config{SampleRate: 100000, Channels: 2, HighWaterFrames: 150})
	r.PushChunk(1_000_000, stereoFrames(100))
	r.PushChunk(2_000_000, stereoFrames(100))

	if r.FramesQueued() > 150 {
		t.Fatalf("FramesQueued = %d, want <= 150 high-water mark", r.FramesQueued())
	}
}

func TestClearResetsQueueAndCursor(t *testing.T) {
	r := newTestRing()
	r.SetCursor(5_000_000)
	r.PushChunk(1_000_000, stereoFrames(10))
	r.Clear()

	if r.FramesQueued() != 0 {
		t.Fatalf("FramesQueued after Clear = %d, want 0", r.FramesQueued())
	}
	if _, ok := r.FrontServerUs(); ok {
		t.Fatal("FrontServerUs should report nothing after Clear")
	}
	// A push after Clear with a cursor of 0 should not be trimmed.
	dropped := r.PushChunk(1_000_000, stereoFrames(10))
	if dropped != 0 {
		t.Fatalf("post-clear push dropped %d frames, want 0 (cursor reset)", dropped)
	}
}

func TestDefaultHighWaterFramesIsThreeSeconds(t *testing.T) {
	if got := DefaultHighWaterFrames(48000); got != 144000 {
		t.Fatalf("DefaultHighWaterFrames(48000) = %d, want 144000", got)
	}
}
