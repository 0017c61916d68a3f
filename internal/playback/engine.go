// ABOUTME: Decode -> anchor -> schedule -> correct pipeline driving DAC playback
// ABOUTME: Sync error is computed purely in client/DAC time; the first queued chunk is anchored to the current DAC frame without consulting TimeFilter
package playback

import (
	"log"
	"sync"
	"time"

	"github.com/chrisuthe/sendspin-receiver/internal/audioring"
	"github.com/chrisuthe/sendspin-receiver/internal/decode"
	"github.com/chrisuthe/sendspin-receiver/internal/output"
	"github.com/chrisuthe/sendspin-receiver/internal/timefilter"
)

// State mirrors the engine's observable lifecycle.
type State int

const (
	Initializing State = iota
	WaitingForStart
	Playing
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case WaitingForStart:
		return "waiting_for_start"
	case Playing:
		return "playing"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	sinkLoopInterval      = 10 * time.Millisecond
	graceDuration         = 2 * time.Second
	reanchorThresholdUs   = 200_000 // hundreds of ms
	correctionThresholdUs = 5_000   // single-digit ms
	correctionGain        = 1.0
	emaAlpha              = 0.1
	gapFillCeilingUs      = 500_000
)

// Counters tracks the lifetime statistics the facade/status UI surfaces.
type Counters struct {
	OverlapsTrimmed    int64
	GapsFilled         int64
	ReanchorCount      int64
	FramesInserted     int64
	FramesDropped      int64
	SyncCorrections    int64
	BufferUnderrunCount int64
}

// DACFrameFunc returns the output sink's current DAC frame cursor.
type DACFrameFunc func() int64

// StateListener is notified whenever the engine's observable state changes.
type StateListener func(State)

// Engine is the per-stream playback pipeline: it decodes compressed chunks,
// queues the resulting PCM into a Ring keyed by server time, and runs a
// DAC-paced loop that keeps the sink's output locked to that timeline
// without ever blocking on the network.
type Engine struct {
	sampleRate int
	channels   int

	stream *decode.Stream
	ring   *audioring.Ring
	sink   output.Sink
	filter *timefilter.Filter
	dacFrame DACFrameFunc
	onState  StateListener

	mu               sync.Mutex
	state            State
	lastEnqueuedEnd  int64
	haveLastEnqueued bool

	calibrated     bool
	anchorServerUs int64
	anchorDacFrame int64
	graceUntil     time.Time

	smoothedErrUs float64
	haveSmoothed  bool

	correctionMode string // "", "drop", "insert"
	correctionN    int

	counters Counters

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds an Engine around an already-configured decode stream, ring,
// and output sink. dacFrame is polled once per sink-loop tick.
func New(stream *decode.Stream, ring *audioring.Ring, sink output.Sink, filter *timefilter.Filter, sampleRate, channels int, dacFrame DACFrameFunc, onState StateListener) *Engine {
	return &Engine{
		stream:     stream,
		ring:       ring,
		sink:       sink,
		filter:     filter,
		sampleRate: sampleRate,
		channels:   channels,
		dacFrame:   dacFrame,
		onState:    onState,
		state:      Initializing,
	}
}

func (e *Engine) setState(s State) {
	e.state = s
	if e.onState != nil {
		e.onState(s)
	}
}

// Counters returns a snapshot of the lifetime correction/underrun counters.
func (e *Engine) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// QueuedMs reports how many milliseconds of audio currently sit in the
// ring ahead of the DAC cursor, for the facade's SyncStats view.
func (e *Engine) QueuedMs() float64 {
	frames := e.ring.Stats().FramesQueued
	return float64(frames) / float64(e.sampleRate) * 1000
}

// StartStream resets the ring and DAC anchor for a fresh stream and moves
// the engine into WaitingForStart. The decoder is assumed already
// configured by the caller (decode.NewStream fails the whole stream rather
// than half-configuring one).
func (e *Engine) StartStream() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ring.Clear()
	e.calibrated = false
	e.haveLastEnqueued = false
	e.haveSmoothed = false
	e.correctionMode = ""
	e.setState(WaitingForStart)
}

func (e *Engine) durationUs(frameCount int) int64 {
	return int64(float64(frameCount) * 1e6 / float64(e.sampleRate))
}

// OnAudioChunk decodes one compressed chunk and enqueues the resulting PCM,
// gap-filling silence ahead of it when the previous chunk left a hole and
// the hole is short enough to paper over.
func (e *Engine) OnAudioChunk(serverUs int64, compressed []byte) {
	frames, err := e.stream.Decode(compressed)
	if err != nil {
		log.Printf("playback: decode failed for chunk at server_us=%d: %v", serverUs, err)
		return
	}
	if len(frames) == 0 {
		return
	}
	frameCount := len(frames) / e.channels

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.haveLastEnqueued {
		gap := serverUs - e.lastEnqueuedEnd
		if gap > 0 && gap <= gapFillCeilingUs {
			silence := make([]int16, (gap*int64(e.sampleRate)/1e6)*int64(e.channels))
			e.ring.PushChunk(e.lastEnqueuedEnd, silence)
			e.counters.GapsFilled++
		}
	}

	leadingDropped := e.ring.PushChunk(serverUs, frames)
	if leadingDropped > 0 {
		e.counters.OverlapsTrimmed++
	}
	e.lastEnqueuedEnd = serverUs + e.durationUs(frameCount)
	e.haveLastEnqueued = true
}

// Run drives the DAC-paced sink loop until ctx-equivalent stop is
// requested via Stop. It never awaits the network; every decision is made
// from the ring's current contents and the sink's own frame counter.
func (e *Engine) Run() {
	e.mu.Lock()
	if e.stopCh != nil {
		e.mu.Unlock()
		return
	}
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.sinkLoop()
}

// Stop halts the sink loop and transitions to Stopped.
func (e *Engine) Stop() {
	e.mu.Lock()
	stopCh := e.stopCh
	e.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	e.wg.Wait()

	e.mu.Lock()
	e.setState(Stopped)
	e.stopCh = nil
	e.mu.Unlock()
}

func (e *Engine) sinkLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(sinkLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	F := e.dacFrame()

	if !e.calibrated {
		serverUs, ok := e.ring.FrontServerUs()
		if !ok {
			return // nothing queued yet; keep waiting
		}
		e.anchorServerUs = serverUs
		e.anchorDacFrame = F
		e.calibrated = true
		e.graceUntil = time.Now().Add(graceDuration)
		e.setState(Playing)
	}

	targetServerUs, ok := e.ring.FrontServerUs()
	if !ok {
		e.emitSilenceLocked()
		e.counters.BufferUnderrunCount++
		return
	}

	expectedServerUs := e.anchorServerUs + int64(float64(F-e.anchorDacFrame)*1e6/float64(e.sampleRate))
	errUs := float64(expectedServerUs - targetServerUs)

	if !e.haveSmoothed {
		e.smoothedErrUs = errUs
		e.haveSmoothed = true
	} else {
		e.smoothedErrUs = emaAlpha*errUs + (1-emaAlpha)*e.smoothedErrUs
	}

	inGrace := time.Now().Before(e.graceUntil)
	if inGrace {
		e.correctionMode = ""
	} else {
		e.evaluateCorrectionLocked(targetServerUs, F)
	}

	e.popAndEmitLocked()
	e.ring.SetCursor(targetServerUs)
}

func (e *Engine) evaluateCorrectionLocked(targetServerUs int64, F int64) {
	abs := e.smoothedErrUs
	if abs < 0 {
		abs = -abs
	}

	if abs > reanchorThresholdUs {
		e.anchorDacFrame = F
		e.anchorServerUs = targetServerUs
		e.graceUntil = time.Now().Add(graceDuration)
		e.counters.ReanchorCount++
		e.correctionMode = ""
		e.haveSmoothed = false
		return
	}

	if abs > correctionThresholdUs {
		n := int(float64(e.sampleRate) / (abs * correctionGain / 1e6))
		if n < 1 {
			n = 1
		}
		if e.smoothedErrUs > 0 {
			e.correctionMode = "drop"
		} else {
			e.correctionMode = "insert"
		}
		e.correctionN = n
		e.counters.SyncCorrections++
		return
	}

	e.correctionMode = ""
}

// framesPerTick is how many frames a 10ms sink tick nominally drains.
func (e *Engine) framesPerTick() int {
	return e.sampleRate * int(sinkLoopInterval/time.Millisecond) / 1000
}

func (e *Engine) popAndEmitLocked() {
	want := e.framesPerTick()
	frames := e.ring.PopFrames(want)
	if len(frames) == 0 {
		e.emitSilenceLocked()
		e.counters.BufferUnderrunCount++
		return
	}

	switch e.correctionMode {
	case "drop":
		frames = e.dropEveryNLocked(frames)
	case "insert":
		frames = e.insertEveryNLocked(frames)
	}

	if _, err := e.sink.Write(frames); err != nil {
		log.Printf("playback: sink write failed: %v", err)
		e.setState(Stopped)
	}
}

func (e *Engine) emitSilenceLocked() {
	silence := make([]int16, e.framesPerTick()*e.channels)
	_, _ = e.sink.Write(silence)
}

func (e *Engine) dropEveryNLocked(frames []int16) []int16 {
	ch := e.channels
	frameCount := len(frames) / ch
	out := make([]int16, 0, len(frames))
	for i := 0; i < frameCount; i++ {
		if e.correctionN > 0 && (i+1)%e.correctionN == 0 {
			e.counters.FramesDropped++
			continue
		}
		out = append(out, frames[i*ch:(i+1)*ch]...)
	}
	return out
}

func (e *Engine) insertEveryNLocked(frames []int16) []int16 {
	ch := e.channels
	frameCount := len(frames) / ch
	out := make([]int16, 0, len(frames)+ch*(frameCount/max(e.correctionN, 1)+1))
	for i := 0; i < frameCount; i++ {
		out = append(out, frames[i*ch:(i+1)*ch]...)
		if e.correctionN > 0 && (i+1)%e.correctionN == 0 && i+1 < frameCount {
			interp := make([]int16, ch)
			for c := 0; c < ch; c++ {
				a := frames[i*ch+c]
				b := frames[(i+1)*ch+c]
				interp[c] = int16((int32(a) + int32(b)) / 2)
			}
			out = append(out, interp...)
			e.counters.FramesInserted++
		}
	}
	return out
}

