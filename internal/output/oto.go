// ABOUTME: Oto-based audio sink with a software volume stage and frame counter
// ABOUTME: Adapted from an io.Pipe-fed persistent oto player into a DAC-frame-counting Sink
package output

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"
)

// Sink is the playback engine's view of the DAC: it accepts interleaved
// int16 frames and reports how many frames have been handed to the device
// so far, which the playback engine uses as its DAC frame counter F.
type Sink interface {
	Write(frames []int16) (framesWritten int, err error)
	FramesWritten() int64
	SetVolume(volume int)
	SetMuted(muted bool)
	Close() error
}

// Oto is a Sink backed by ebitengine/oto, following the teacher's pattern of
// a single persistent player fed through an io.Pipe so format changes never
// require tearing down the process-wide oto.Context (oto only allows one
// per process).
type Oto struct {
	ctx    context.Context
	cancel context.CancelFunc

	otoCtx     *oto.Context
	player     *oto.Player
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	sampleRate int
	channels   int

	volume int32 // 0-100
	muted  int32 // 0/1, accessed atomically alongside volume

	framesWritten int64 // atomic
}

// NewOto creates and opens an Oto sink for the given format. oto only
// supports 16-bit signed little-endian output; bit depth conversion happens
// upstream in the decoder.
func NewOto(sampleRate, channels int) (*Oto, error) {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Oto{
		ctx:        ctx,
		cancel:     cancel,
		sampleRate: sampleRate,
		channels:   channels,
		volume:     100,
	}

	op := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}
	otoCtx, readyChan, err := oto.NewContext(op)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("oto: new context: %w", err)
	}
	<-readyChan

	o.otoCtx = otoCtx
	o.pipeReader, o.pipeWriter = io.Pipe()
	o.player = otoCtx.NewPlayer(o.pipeReader)
	o.player.Play()

	log.Printf("output: oto sink opened at %dHz, %d channels", sampleRate, channels)
	return o, nil
}

// Write applies volume/mute and pushes frames to the device, blocking until
// the pipe write completes. It returns the number of frames (not samples)
// written.
func (o *Oto) Write(frames []int16) (int, error) {
	scaled := applyVolume(frames, int(atomic.LoadInt32(&o.volume)), atomic.LoadInt32(&o.muted) != 0)

	buf := make([]byte, len(scaled)*2)
	for i, s := range scaled {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	if _, err := o.pipeWriter.Write(buf); err != nil {
		return 0, fmt.Errorf("oto: pipe write: %w", err)
	}

	n := len(frames) / o.channels
	atomic.AddInt64(&o.framesWritten, int64(n))
	return n, nil
}

// FramesWritten is the cumulative number of frames handed to the pipe. Oto
// does not expose the hardware's true read cursor, so this count is used as
// the DAC frame counter F; it runs slightly ahead of actual audible output
// by the device's internal buffering, which the playback engine's grace
// period and EMA smoothing absorb.
func (o *Oto) FramesWritten() int64 {
	return atomic.LoadInt64(&o.framesWritten)
}

// SetVolume sets playback volume as a 0-100 percentage.
func (o *Oto) SetVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	atomic.StoreInt32(&o.volume, int32(volume))
}

// SetMuted toggles mute without disturbing the stored volume level.
func (o *Oto) SetMuted(muted bool) {
	v := int32(0)
	if muted {
		v = 1
	}
	atomic.StoreInt32(&o.muted, v)
}

// Close tears down the pipe and player. The process-wide oto.Context is
// suspended, not destroyed, matching oto's one-context-per-process model.
func (o *Oto) Close() error {
	if o.pipeWriter != nil {
		o.pipeWriter.Close()
	}
	if o.player != nil {
		o.player.Close()
	}
	if o.pipeReader != nil {
		o.pipeReader.Close()
	}
	if o.otoCtx != nil {
		o.otoCtx.Suspend()
	}
	o.cancel()
	return nil
}

func applyVolume(frames []int16, volume int, muted bool) []int16 {
	mult := float64(volume) / 100.0
	if muted {
		mult = 0.0
	}
	out := make([]int16, len(frames))
	for i, s := range frames {
		scaled := int64(float64(s) * mult)
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		out[i] = int16(scaled)
	}
	return out
}
