// ABOUTME: Single-producer/single-consumer ring of decoded stereo PCM frames
// ABOUTME: Frames are kept in strict server-time order; overlap is trimmed, gaps are the caller's job
package audioring

import "sync"

// Slot is one queued span of interleaved stereo PCM, anchored to the server
// presentation time of its first frame.
type Slot struct {
	ServerUs int64
	Frames   []int16 // interleaved, Channels samples per frame
}

// Config parameterizes frame duration math and the high-water mark. The
// high-water mark is deliberately a runtime value rather than a constant —
// it varies between deployments (DESIGN.md Open Question resolutions).
type Config struct {
	SampleRate      int
	Channels        int
	HighWaterFrames int
}

// DefaultHighWaterFrames holds roughly 3 seconds of 48kHz stereo audio,
// comfortably above the steady-state few-hundred-ms jitter buffer target.
func DefaultHighWaterFrames(sampleRate int) int {
	return sampleRate * 3
}

// Ring is the SPSC audio-frame queue described in spec.md §4.2. It is
// protected by a mutex rather than built lock-free: none of the reference
// implementations in this codebase's lineage implement a true lock-free
// SPSC ring, and a single uncontended mutex costs nothing observable next
// to a DAC's millisecond-scale callback period.
type Ring struct {
	mu sync.Mutex

	cfg    Config
	usPerFrame float64

	slots       []Slot
	totalFrames int
	cursorUs    int64

	overlapsTrimmed int64
	overflowDropped int64
}

// New creates an empty ring. SampleRate and Channels must be positive;
// HighWaterFrames defaults to DefaultHighWaterFrames if zero.
func New(cfg Config) *Ring {
	if cfg.HighWaterFrames <= 0 {
		cfg.HighWaterFrames = DefaultHighWaterFrames(cfg.SampleRate)
	}
	return &Ring{
		cfg:        cfg,
		usPerFrame: 1e6 / float64(cfg.SampleRate),
	}
}

// SetCursor records the server-time position of the DAC playback cursor.
// The playback engine calls this as it advances so that the next PushChunk
// can decide whether an incoming chunk is stale.
func (r *Ring) SetCursor(serverUs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursorUs = serverUs
}

// PushChunk enqueues frames anchored at serverUs, trimming any portion that
// has already fallen behind the DAC cursor and evicting any previously
// queued slot that the new chunk fully supersedes. It returns the number of
// leading frames dropped from frames itself (not counting evicted slots).
func (r *Ring) PushChunk(serverUs int64, frames []int16) (leadingDropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frameCount := len(frames) / r.cfg.Channels
	if frameCount == 0 {
		return 0
	}
	chunkEndUs := serverUs + r.durationUs(frameCount)

	if chunkEndUs <= r.cursorUs {
		// The whole chunk is already in the past; nothing to enqueue.
		r.overlapsTrimmed += int64(frameCount)
		return frameCount
	}

	if serverUs < r.cursorUs {
		dropFrames := int(float64(r.cursorUs-serverUs) / r.usPerFrame)
		if dropFrames > frameCount {
			dropFrames = frameCount
		}
		frames = frames[dropFrames*r.cfg.Channels:]
		serverUs = r.cursorUs
		frameCount -= dropFrames
		r.overlapsTrimmed += int64(dropFrames)
		leadingDropped = dropFrames
		if frameCount == 0 {
			return leadingDropped
		}
	}

	// Evict any queued slot that is now stale or superseded: either it
	// starts before the DAC cursor (the cursor has already moved past its
	// beginning, so it can never be played in full — it's overlapped by
	// whatever is arriving now), or its entire span lies inside the
	// incoming chunk's span.
	for len(r.slots) > 0 {
		front := r.slots[0]
		frontEnd := front.ServerUs + r.durationUs(len(front.Frames)/r.cfg.Channels)
		stale := front.ServerUs < r.cursorUs
		superseded := front.ServerUs >= serverUs && frontEnd <= chunkEndUs
		if !stale && !superseded {
			break
		}
		r.totalFrames -= len(front.Frames) / r.cfg.Channels
		r.overlapsTrimmed += int64(len(front.Frames) / r.cfg.Channels)
		r.slots = r.slots[1:]
	}

	r.slots = append(r.slots, Slot{ServerUs: serverUs, Frames: frames})
	r.totalFrames += frameCount

	r.enforceHighWaterLocked()
	return leadingDropped
}

// enforceHighWaterLocked drops the oldest frames until the ring is back at
// or below the configured high-water mark. Called with r.mu held.
func (r *Ring) enforceHighWaterLocked() {
	for r.totalFrames > r.cfg.HighWaterFrames && len(r.slots) > 0 {
		front := &r.slots[0]
		frontFrames := len(front.Frames) / r.cfg.Channels
		excess := r.totalFrames - r.cfg.HighWaterFrames
		if excess >= frontFrames {
			r.totalFrames -= frontFrames
			r.overflowDropped += int64(frontFrames)
			r.slots = r.slots[1:]
			continue
		}
		front.Frames = front.Frames[excess*r.cfg.Channels:]
		front.ServerUs += r.durationUs(excess)
		r.totalFrames -= excess
		r.overflowDropped += int64(excess)
	}
}

// FrontServerUs reports the server time of the first queued frame, if any.
func (r *Ring) FrontServerUs() (us int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.slots) == 0 {
		return 0, false
	}
	return r.slots[0].ServerUs, true
}

// PopFrames removes and returns up to n frames (n*Channels samples) from
// the front of the ring. It never blocks; it returns fewer frames, or none,
// if the ring does not have n available.
func (r *Ring) PopFrames(n int) []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int16, 0, n*r.cfg.Channels)
	remaining := n
	for remaining > 0 && len(r.slots) > 0 {
		front := &r.slots[0]
		frontFrames := len(front.Frames) / r.cfg.Channels
		take := remaining
		if take > frontFrames {
			take = frontFrames
		}
		out = append(out, front.Frames[:take*r.cfg.Channels]...)
		front.Frames = front.Frames[take*r.cfg.Channels:]
		front.ServerUs += r.durationUs(take)
		r.totalFrames -= take
		remaining -= take
		if len(front.Frames) == 0 {
			r.slots = r.slots[1:]
		}
	}
	return out
}

// FramesQueued reports the total number of frames currently buffered.
func (r *Ring) FramesQueued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalFrames
}

// Clear discards all queued frames and resets the cursor, without touching
// the running overlap/overflow counters.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = nil
	r.totalFrames = 0
	r.cursorUs = 0
}

// Stats reports the running overlap-trim and overflow counters.
type Stats struct {
	OverlapsTrimmed int64
	OverflowDropped int64
	FramesQueued    int
}

func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		OverlapsTrimmed: r.overlapsTrimmed,
		OverflowDropped: r.overflowDropped,
		FramesQueued:    r.totalFrames,
	}
}

func (r *Ring) durationUs(frames int) int64 {
	return int64(float64(frames) * r.usPerFrame)
}
