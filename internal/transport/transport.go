// ABOUTME: Backend-agnostic StreamTransport contract and shared buffering/state-machine base
// ABOUTME: WebSocket and WebRTC backends both embed base to get identical close/destroy/buffer semantics
package transport

import (
	"sync"
	"sync/atomic"
)

// State is the StreamTransport state machine described in spec.md §4.4.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// InboundHandler receives frames off a StreamTransport. No frame reordering
// or duplication is ever performed by a backend.
type InboundHandler interface {
	OnText(s string)
	OnBinary(b []byte)
}

// StreamTransport is the uniform contract both backends satisfy.
type StreamTransport interface {
	SendText(s string) bool
	SendBinary(b []byte) bool
	State() State
	SetHandler(h InboundHandler)
	// DrainBufferedMessages delivers any text frames received before a
	// handler was attached (notably the server's greeting), in order.
	DrainBufferedMessages()
	Close(code int, reason string) error
	Destroy() error
}

// base centralizes the atomic state machine and the pre-attach text
// buffer so both backends get identical semantics for the "ServerInfo may
// arrive before anyone is listening" contract (spec.md §4.4).
type base struct {
	state int32 // atomic, holds a State

	mu          sync.Mutex
	handler     InboundHandler
	bufferedText []string

	closeOnce   sync.Once
	destroyOnce sync.Once
}

func (b *base) State() State {
	return State(atomic.LoadInt32(&b.state))
}

func (b *base) setState(s State) {
	atomic.StoreInt32(&b.state, int32(s))
}

// casState performs the single atomic compare-and-swap used to guard
// against a concurrent double-connect (spec.md §4.5/§4.9 design notes).
func (b *base) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&b.state, int32(from), int32(to))
}

func (b *base) SetHandler(h InboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *base) DrainBufferedMessages() {
	b.mu.Lock()
	h := b.handler
	pending := b.bufferedText
	b.bufferedText = nil
	b.mu.Unlock()

	if h == nil {
		return
	}
	for _, s := range pending {
		h.OnText(s)
	}
}

// deliverText routes an inbound text frame to the attached handler, or
// buffers it if nothing is attached yet.
func (b *base) deliverText(s string) {
	b.mu.Lock()
	h := b.handler
	if h == nil {
		b.bufferedText = append(b.bufferedText, s)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	h.OnText(s)
}

func (b *base) deliverBinary(data []byte) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h != nil {
		h.OnBinary(data)
	}
}
