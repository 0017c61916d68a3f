package playback

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chrisuthe/sendspin-receiver/internal/audioring"
	"github.com/chrisuthe/sendspin-receiver/internal/decode"
	"github.com/chrisuthe/sendspin-receiver/internal/protocol"
	"github.com/chrisuthe/sendspin-receiver/internal/timefilter"
)

const (
	testSampleRate = 1000 // 1 frame == 1ms, convenient round numbers
	testChannels   = 2
)

type fakeSink struct {
	written []int16
	closed  bool
}

func (s *fakeSink) Write(frames []int16) (int, error) {
	s.written = append(s.written, frames...)
	return len(frames), nil
}
func (s *fakeSink) FramesWritten() int64 { return int64(len(s.written) / testChannels) }
func (s *fakeSink) SetVolume(int)        {}
func (s *fakeSink) SetMuted(bool)        {}
func (s *fakeSink) Close() error         { s.closed = true; return nil }

func pcmFrames(n int) []byte {
	buf := make([]byte, n*testChannels*2)
	for i := 0; i < n*testChannels; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(i))
	}
	return buf
}

func newTestEngine(t *testing.T, dacFrame func() int64) (*Engine, *fakeSink, *audioring.Ring) {
	t.Helper()
	stream, err := decode.NewStream(protocol.StreamStart{Codec: "pcm", SampleRate: testSampleRate, Channels: testChannels, BitDepth: 16})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	ring := audioring.New(audioring.Config{SampleRate: testSampleRate, Channels: testChannels, HighWaterFrames: 100000})
	sink := &fakeSink{}
	filter := timefilter.New()
	e := New(stream, ring, sink, filter, testSampleRate, testChannels, dacFrame, nil)
	e.StartStream()
	return e, sink, ring
}

func TestFirstTickCalibratesFromFrontSlot(t *testing.T) {
	var dacFrame int64
	e, sink, ring := newTestEngine(t, func() int64 { return atomic.LoadInt64(&dacFrame) })

	ring.PushChunk(5000, make([]int16, 20*testChannels)) // 20 frames @ 1ms each starting at server_us=5000

	e.tick()

	if e.State() != Playing {
		t.Fatalf("state = %v, want Playing", e.State())
	}
	if !e.calibrated {
		t.Fatal("expected calibrated after first tick with data available")
	}
	if e.anchorServerUs != 5000 {
		t.Fatalf("anchorServerUs = %d, want 5000", e.anchorServerUs)
	}
	if len(sink.written) == 0 {
		t.Fatal("expected the sink to receive frames on the calibrating tick")
	}
}

func TestTicksBeforeAnyDataAreNoOp(t *testing.T) {
	e, sink, _ := newTestEngine(t, func() int64 { return 0 })

	e.tick()

	if e.calibrated {
		t.Fatal("must not calibrate with an empty ring")
	}
	if len(sink.written) != 0 {
		t.Fatal("must not write to the sink before calibration")
	}
}

func TestCorrectionEngagesWhenDriftExceedsThreshold(t *testing.T) {
	var dacFrame int64
	e, _, ring := newTestEngine(t, func() int64 { return atomic.LoadInt64(&dacFrame) })

	ring.PushChunk(0, pcmFramesInt16(2000))
	e.tick() // calibrates: anchorServerUs=0, anchorDacFrame=0
	e.graceUntil = time.Now().Add(-time.Second) // force grace period to have elapsed

	// Advance the DAC far ahead of what the ring has actually delivered so
	// far: expected_server_us runs way ahead of target_server_us, which is
	// exactly "DAC ahead of target -> running fast" from the per-chunk step.
	atomic.StoreInt64(&dacFrame, 50) // 50 frames * 1ms = 50ms of DAC advance
	for i := 0; i < 5; i++ {
		e.tick()
	}

	if e.correctionMode != "drop" && e.counters.SyncCorrections == 0 {
		t.Fatalf("expected a drop-mode correction to engage, mode=%q corrections=%d smoothedErr=%v",
			e.correctionMode, e.counters.SyncCorrections, e.smoothedErrUs)
	}
}

func TestReanchorEngagesOnLargeSustainedError(t *testing.T) {
	var dacFrame int64
	e, _, ring := newTestEngine(t, func() int64 { return atomic.LoadInt64(&dacFrame) })

	ring.PushChunk(0, pcmFramesInt16(5000))
	e.tick() // calibrates at anchorServerUs=0, anchorDacFrame=0
	e.graceUntil = time.Now().Add(-time.Second)

	// Jump the DAC forward by far more than the reanchor threshold (200ms).
	atomic.StoreInt64(&dacFrame, 1000) // 1000ms of DAC advance
	beforeReanchors := e.counters.ReanchorCount
	// With EMA alpha 0.1 the smoothed error passes 200ms on the third tick;
	// the grace period that follows the reanchor keeps the later ticks quiet.
	for i := 0; i < 5; i++ {
		e.tick()
	}

	if e.counters.ReanchorCount != beforeReanchors+1 {
		t.Fatalf("ReanchorCount = %d, want %d", e.counters.ReanchorCount, beforeReanchors+1)
	}
	if e.anchorDacFrame != 1000 {
		t.Fatalf("anchorDacFrame = %d, want 1000 after reanchor", e.anchorDacFrame)
	}
}

func TestGapFillInsertsSilenceForShortGap(t *testing.T) {
	e, _, ring := newTestEngine(t, func() int64 { return 0 })

	e.OnAudioChunk(0, pcmFrames(10))    // ends at server_us=10000
	e.OnAudioChunk(20000, pcmFrames(10)) // 10ms gap before this chunk starts

	if e.counters.GapsFilled != 1 {
		t.Fatalf("GapsFilled = %d, want 1", e.counters.GapsFilled)
	}
	if ring.FramesQueued() != 30 { // 10 real + 10 silence + 10 real
		t.Fatalf("FramesQueued = %d, want 30", ring.FramesQueued())
	}
}

func TestGapLargerThanCeilingIsNotFilled(t *testing.T) {
	e, _, ring := newTestEngine(t, func() int64 { return 0 })

	e.OnAudioChunk(0, pcmFrames(10))                     // ends at server_us=10000
	e.OnAudioChunk(10000+gapFillCeilingUs+1000, pcmFrames(10)) // gap well past the ceiling

	if e.counters.GapsFilled != 0 {
		t.Fatalf("GapsFilled = %d, want 0 for an oversized gap", e.counters.GapsFilled)
	}
	if ring.FramesQueued() != 20 {
		t.Fatalf("FramesQueued = %d, want 20 (no silence inserted)", ring.FramesQueued())
	}
}

func TestOnAudioChunkDecodeFailureIsDroppedNotFatal(t *testing.T) {
	e, _, ring := newTestEngine(t, func() int64 { return 0 })

	e.OnAudioChunk(0, []byte{0x01}) // odd byte count: 16-bit PCM decode fails

	if ring.FramesQueued() != 0 {
		t.Fatal("a failed decode must not enqueue anything")
	}
	// Engine must still be usable afterward.
	e.OnAudioChunk(0, pcmFrames(4))
	if ring.FramesQueued() != 4 {
		t.Fatalf("FramesQueued after recovery = %d, want 4", ring.FramesQueued())
	}
}

// pcmFramesInt16 returns n interleaved stereo frames of raw int16 PCM,
// bypassing the decoder entirely for tests that only care about ring/engine
// timing math rather than decode correctness.
func pcmFramesInt16(n int) []int16 {
	return make([]int16, n*testChannels)
}
