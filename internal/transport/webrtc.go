// ABOUTME: WebRTC StreamTransport backend using two reliable/ordered data channels
// ABOUTME: Peer-connection and ICE plumbing follow the pattern in the pack's robot-webrtc client
package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// ICEServer and ICECandidate are signaling-backend-agnostic mirrors of the
// pion types, so this package does not force its signaling dependency to
// import pion itself.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

type ICECandidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex int
}

// Signaler is whatever is needed to bootstrap one WebRTC session: the ICE
// server list, an SDP offer/answer exchange, and a trickled candidate
// stream in both directions. internal/signaling.Client satisfies this by
// duck typing.
type Signaler interface {
	ICEServers(ctx context.Context) ([]ICEServer, error)
	ExchangeOffer(ctx context.Context, offerSDP string) (answerSDP string, err error)
	TrickleCandidate(c ICECandidate)
	Candidates() <-chan ICECandidate
}

// WebRTCTransport multiplexes SendText/SendBinary over two reliable,
// ordered data channels: "control" (JSON command/response/event frames)
// and "audio" (binary audio-chunk and time-sync frames).
type WebRTCTransport struct {
	base

	pc      *webrtc.PeerConnection
	control *webrtc.DataChannel
	audio   *webrtc.DataChannel

	isActive int32 // guards callbacks after Destroy; see spec.md §9 design notes

	remoteDescSet bool
	pendingCands  []webrtc.ICECandidateInit
	candMu        sync.Mutex
}

// NewWebRTCTransport performs the offer/answer exchange against signaler
// and returns in the Open state as soon as the answer is applied. It does
// not wait for ICE or for the data channels to open; SendText and
// SendBinary return false until the matching channel is open.
func NewWebRTCTransport(ctx context.Context, signaler Signaler) (*WebRTCTransport, error) {
	t := &WebRTCTransport{isActive: 1}
	if !t.casState(Disconnected, Connecting) {
		return nil, fmt.Errorf("transport: already connecting or connected")
	}

	iceServers, err := signaler.ICEServers(ctx)
	if err != nil {
		t.setState(Failed)
		return nil, fmt.Errorf("transport(webrtc): ice servers: %w", err)
	}
	pionServers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, s := range iceServers {
		pionServers = append(pionServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: pionServers})
	if err != nil {
		t.setState(Failed)
		return nil, fmt.Errorf("transport(webrtc): new peer connection: %w", err)
	}
	t.pc = pc

	ordered := true
	control, err := pc.CreateDataChannel("control", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		t.setState(Failed)
		return nil, fmt.Errorf("transport(webrtc): create control channel: %w", err)
	}
	audio, err := pc.CreateDataChannel("audio", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		t.setState(Failed)
		return nil, fmt.Errorf("transport(webrtc): create audio channel: %w", err)
	}
	t.control = control
	t.audio = audio
	t.wireDataChannel(control, true)
	t.wireDataChannel(audio, false)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || t.isClosed() {
			return
		}
		ice := c.ToJSON()
		out := ICECandidate{Candidate: ice.Candidate}
		if ice.SDPMid != nil {
			out.SDPMid = *ice.SDPMid
		}
		if ice.SDPMLineIndex != nil {
			out.SDPMLineIndex = int(*ice.SDPMLineIndex)
		}
		signaler.TrickleCandidate(out)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if t.isClosed() {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			t.setState(Failed)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		t.setState(Failed)
		return nil, fmt.Errorf("transport(webrtc): create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		t.setState(Failed)
		return nil, fmt.Errorf("transport(webrtc): set local description: %w", err)
	}

	answerSDP, err := signaler.ExchangeOffer(ctx, offer.SDP)
	if err != nil {
		pc.Close()
		t.setState(Failed)
		return nil, fmt.Errorf("transport(webrtc): exchange offer: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: answerSDP,
	}); err != nil {
		pc.Close()
		t.setState(Failed)
		return nil, fmt.Errorf("transport(webrtc): set remote description: %w", err)
	}
	t.flushPendingCandidates()

	go t.pumpTrickledCandidates(signaler.Candidates())

	t.setState(Open)
	return t, nil
}

// AddRemoteCandidate queues a trickled candidate until SetRemoteDescription
// has completed, then applies it (flushing in order), matching the queued
// ICE contract in spec.md §4.4.
func (t *WebRTCTransport) AddRemoteCandidate(c ICECandidate) {
	init := webrtc.ICECandidateInit{Candidate: c.Candidate}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	if c.SDPMLineIndex != 0 {
		idx := uint16(c.SDPMLineIndex)
		init.SDPMLineIndex = &idx
	}

	t.candMu.Lock()
	if !t.remoteDescSet {
		t.pendingCands = append(t.pendingCands, init)
		t.candMu.Unlock()
		return
	}
	t.candMu.Unlock()
	if err := t.pc.AddICECandidate(init); err != nil {
		log.Printf("transport(webrtc): add ice candidate: %v", err)
	}
}

func (t *WebRTCTransport) flushPendingCandidates() {
	t.candMu.Lock()
	t.remoteDescSet = true
	pending := t.pendingCands
	t.pendingCands = nil
	t.candMu.Unlock()

	for _, c := range pending {
		if err := t.pc.AddICECandidate(c); err != nil {
			log.Printf("transport(webrtc): add queued ice candidate: %v", err)
		}
	}
}

func (t *WebRTCTransport) pumpTrickledCandidates(ch <-chan ICECandidate) {
	for c := range ch {
		if t.isClosed() {
			return
		}
		t.AddRemoteCandidate(c)
	}
}

func (t *WebRTCTransport) wireDataChannel(dc *webrtc.DataChannel, isControl bool) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !t.callbackActive() {
			return
		}
		if isControl || msg.IsString {
			t.deliverText(string(msg.Data))
			return
		}
		t.deliverBinary(msg.Data)
	})
}

func (t *WebRTCTransport) callbackActive() bool {
	return atomic.LoadInt32(&t.isActive) == 1
}

func (t *WebRTCTransport) isClosed() bool {
	s := t.State()
	return s == Closed || s == Failed
}

// SendText writes to the control data channel.
func (t *WebRTCTransport) SendText(s string) bool {
	if t.State() != Open || t.control.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}
	return t.control.SendText(s) == nil
}

// SendBinary writes to the audio data channel.
func (t *WebRTCTransport) SendBinary(b []byte) bool {
	if t.State() != Open || t.audio.ReadyState() != webrtc.DataChannelStateOpen {
		return false
	}
	return t.audio.Send(b) == nil
}

// Close gracefully closes both data channels. The peer connection stays
// up until Destroy closes it.
func (t *WebRTCTransport) Close(code int, reason string) error {
	t.base.closeOnce.Do(func() {
		t.setState(Closing)
		if t.control != nil {
			t.control.Close()
		}
		if t.audio != nil {
			t.audio.Close()
		}
		t.setState(Closed)
	})
	return nil
}

// Destroy fully tears down the peer connection and stops delivering
// callbacks, publishing the is_active guard before releasing the PC.
func (t *WebRTCTransport) Destroy() error {
	t.base.destroyOnce.Do(func() {
		atomic.StoreInt32(&t.isActive, 0)
		if t.pc != nil {
			t.pc.Close()
		}
		t.setState(Closed)
	})
	return nil
}
