// ABOUTME: Demuxes a single StreamTransport's inbound frames to the command,
// ABOUTME: time-sync, and audio consumers that all share one control/audio channel pair
package dispatch

import (
	"log"
	"time"

	"github.com/chrisuthe/sendspin-receiver/internal/protocol"
	"github.com/chrisuthe/sendspin-receiver/internal/transport"
)

// TextHandler receives every inbound text (JSON) frame. command.Transport
// satisfies this via its HandleText method.
type TextHandler interface {
	HandleText(raw string)
}

// TimeSyncHandler receives decoded time-sync response frames.
type TimeSyncHandler interface {
	OnServerTime(resp protocol.TimeSyncResponse, clientReceivedUs int64) string
}

// AudioChunkHandler receives decoded audio-chunk frames.
type AudioChunkHandler interface {
	OnAudioChunk(serverPresentationUs int64, payload []byte)
}

// NowFunc supplies the local arrival timestamp for inbound time-sync
// replies; overridable for tests.
type NowFunc func() int64

// Dispatcher is the sole transport.InboundHandler attached to a
// StreamTransport. A CommandTransport and a SyncController/PlaybackEngine
// both need frames off the same channel pair; StreamTransport only holds
// one handler slot, so this type owns that slot and fans frames out by
// content instead of each subsystem fighting over SetHandler.
type Dispatcher struct {
	text     TextHandler
	timeSync TimeSyncHandler
	audio    AudioChunkHandler
	now      NowFunc
}

// New builds a Dispatcher. timeSync and audio may be nil if this transport
// carries no binary traffic (e.g. a WebSocket control-only connection).
func New(text TextHandler, timeSync TimeSyncHandler, audio AudioChunkHandler, now NowFunc) *Dispatcher {
	if now == nil {
		now = func() int64 { return time.Now().UnixMicro() }
	}
	return &Dispatcher{text: text, timeSync: timeSync, audio: audio, now: now}
}

// Attach installs the dispatcher on st and flushes anything st buffered
// before a handler existed.
func (d *Dispatcher) Attach(st transport.StreamTransport) {
	st.SetHandler(d)
	st.DrainBufferedMessages()
}

// OnText implements transport.InboundHandler.
func (d *Dispatcher) OnText(s string) {
	if d.text != nil {
		d.text.HandleText(s)
	}
}

// OnBinary implements transport.InboundHandler, routing by the leading
// frame-type byte.
func (d *Dispatcher) OnBinary(b []byte) {
	if len(b) == 0 {
		return
	}
	switch b[0] {
	case protocol.FrameTypeAudioChunk:
		if d.audio == nil {
			return
		}
		ts, payload, err := protocol.DecodeAudioChunk(b)
		if err != nil {
			log.Printf("dispatch: malformed audio chunk: %v", err)
			return
		}
		d.audio.OnAudioChunk(ts, payload)
	case protocol.FrameTypeTimeSyncResp:
		if d.timeSync == nil {
			return
		}
		resp, err := protocol.DecodeTimeSyncResponse(b)
		if err != nil {
			log.Printf("dispatch: malformed time-sync response: %v", err)
			return
		}
		d.timeSync.OnServerTime(resp, d.now())
	default:
		log.Printf("dispatch: unknown binary frame type %d", b[0])
	}
}
