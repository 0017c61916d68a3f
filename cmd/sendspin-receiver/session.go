// ABOUTME: Wires StreamTransport + CommandTransport + SyncController + PlaybackEngine into one supervisor.Session
// ABOUTME: Implements the route-specific dial logic (WebSocket for local/proxy, WebRTC+signaling for remote)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/chrisuthe/sendspin-receiver/internal/audioring"
	"github.com/chrisuthe/sendspin-receiver/internal/command"
	"github.com/chrisuthe/sendspin-receiver/internal/config"
	"github.com/chrisuthe/sendspin-receiver/internal/decode"
	"github.com/chrisuthe/sendspin-receiver/internal/dispatch"
	"github.com/chrisuthe/sendspin-receiver/internal/facade"
	"github.com/chrisuthe/sendspin-receiver/internal/output"
	"github.com/chrisuthe/sendspin-receiver/internal/playback"
	"github.com/chrisuthe/sendspin-receiver/internal/protocol"
	"github.com/chrisuthe/sendspin-receiver/internal/signaling"
	"github.com/chrisuthe/sendspin-receiver/internal/syncctl"
	"github.com/chrisuthe/sendspin-receiver/internal/timefilter"
	"github.com/chrisuthe/sendspin-receiver/internal/transport"
)

// credentials names the auth handshake the session should perform; exactly
// one of Token or (Username and Password) is expected to be non-empty.
type credentials struct {
	Token    string
	Username string
	Password string
}

// session implements supervisor.Session. It owns exactly one StreamTransport
// + CommandTransport pair at a time, rebuilding both on every (re)connect,
// while the longer-lived TimeFilter, SyncController, and Facade survive
// across reconnects per spec.md §4.9's freeze/thaw contract.
type session struct {
	profile       config.ConnectionProfile
	creds         credentials
	signalingHost string
	store         *config.Store

	filter  *timefilter.Filter
	syncCtl *syncctl.Controller
	fac     *facade.Facade

	mu     sync.Mutex
	st     transport.StreamTransport
	cmdTr  *command.Transport
	engine *playback.Engine
}

func newSession(profile config.ConnectionProfile, creds credentials, signalingHost string, store *config.Store) *session {
	filter := timefilter.New()
	syncCtl := syncctl.New(filter)
	s := &session{
		profile:       profile,
		creds:         creds,
		signalingHost: signalingHost,
		store:         store,
		filter:        filter,
		syncCtl:       syncCtl,
	}
	s.fac = facade.New(nil, filter, nil)
	return s
}

// Connect dials route, performs the auth handshake, and starts the
// time-sync driver. Satisfies supervisor.Session.
func (s *session) Connect(ctx context.Context, route config.RouteKind) error {
	st, err := s.dial(ctx, route)
	if err != nil {
		return fmt.Errorf("session: dial %s: %w", route, err)
	}

	cmdTr := command.New(st)
	disp := dispatch.New(cmdTr, s.syncCtl, s, nil)
	disp.Attach(st)
	cmdTr.SetEventListener(s.handleEvent)

	if err := s.authenticate(ctx, cmdTr); err != nil {
		st.Destroy()
		return fmt.Errorf("session: auth: %w", err)
	}

	s.mu.Lock()
	s.st = st
	s.cmdTr = cmdTr
	s.mu.Unlock()
	s.fac.Rebind(cmdTr)

	s.syncCtl.Start(func(clientUs int64) error {
		if !st.SendBinary(protocol.EncodeTimeSyncRequest(clientUs)) {
			return fmt.Errorf("session: time-sync send failed, transport not open")
		}
		return nil
	})

	return nil
}

func (s *session) authenticate(ctx context.Context, cmdTr *command.Transport) error {
	if s.creds.Username != "" {
		return cmdTr.ConnectWithCredentials(ctx, s.creds.Username, s.creds.Password)
	}
	token := s.creds.Token
	if token == "" {
		if tok, ok := s.store.AccessToken(s.profile.ID); ok {
			token = tok
		}
	}
	if err := cmdTr.Connect(ctx, token); err != nil {
		return err
	}
	return nil
}

// dial establishes the StreamTransport for route, validating that the
// profile actually carries the matching route configuration.
func (s *session) dial(ctx context.Context, route config.RouteKind) (transport.StreamTransport, error) {
	switch route {
	case config.RouteLocal:
		if s.profile.Local == nil {
			return nil, fmt.Errorf("no local route configured")
		}
		url := fmt.Sprintf("ws://%s%s", s.profile.Local.Host, s.profile.Local.Path)
		return transport.NewWebSocketTransport(url)
	case config.RouteProxy:
		if s.profile.Proxy == nil {
			return nil, fmt.Errorf("no proxy route configured")
		}
		return transport.NewWebSocketTransport(s.profile.Proxy.URL)
	case config.RouteRemote:
		if s.profile.Remote == nil {
			return nil, fmt.Errorf("no remote route configured")
		}
		sig, err := signaling.Connect(s.signalingHost, s.profile.Remote.RemoteID)
		if err != nil {
			return nil, fmt.Errorf("signaling: %w", err)
		}
		return transport.NewWebRTCTransport(ctx, sig)
	default:
		return nil, fmt.Errorf("unsupported route %v", route)
	}
}

// Disconnect tears down the active transport. Satisfies supervisor.Session.
func (s *session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	st := s.st
	engine := s.engine
	s.st = nil
	s.cmdTr = nil
	s.engine = nil
	s.mu.Unlock()

	s.syncCtl.Stop()
	if engine != nil {
		engine.Stop()
	}
	if st == nil {
		return nil
	}
	return st.Destroy()
}

// handleEvent demultiplexes unsolicited server-push events by their "type"
// tag: stream_start begins a new decode/playback pipeline, metadata
// updates the facade's now-playing view, player_command is logged (the
// receiver does not currently act on server-pushed transport commands).
func (s *session) handleEvent(raw json.RawMessage) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		log.Printf("session: malformed event: %v", err)
		return
	}

	switch probe.Type {
	case protocol.EventTypeStreamStart:
		var ss protocol.StreamStart
		if err := json.Unmarshal(raw, &ss); err != nil {
			log.Printf("session: malformed stream_start: %v", err)
			return
		}
		if err := s.startStream(ss); err != nil {
			log.Printf("session: stream start failed: %v", err)
			s.fac.SetLastError(err)
		}
	case protocol.EventTypeMetadata:
		var md protocol.StreamMetadata
		if err := json.Unmarshal(raw, &md); err != nil {
			log.Printf("session: malformed metadata: %v", err)
			return
		}
		s.fac.SetMetadata(md)
	case protocol.EventTypePlayerCommand:
		var pc protocol.PlayerCommand
		json.Unmarshal(raw, &pc)
		log.Printf("session: server-pushed player command %q (ignored, receiver is not server-steerable)", pc.Command)
	default:
		log.Printf("session: unhandled event type %q", probe.Type)
	}
}

// startStream tears down any previous stream's pipeline and builds a fresh
// decoder/ring/sink/engine set for the newly announced format, per
// spec.md §4.8's stream-start sequence.
func (s *session) startStream(ss protocol.StreamStart) error {
	s.mu.Lock()
	prev := s.engine
	s.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	stream, err := decode.NewStream(ss)
	if err != nil {
		return fmt.Errorf("decoder: %w", err)
	}

	ring := audioring.New(audioring.Config{
		SampleRate:      ss.SampleRate,
		Channels:        ss.Channels,
		HighWaterFrames: audioring.DefaultHighWaterFrames(ss.SampleRate),
	})

	sink, err := output.NewOto(ss.SampleRate, ss.Channels)
	if err != nil {
		return fmt.Errorf("output sink: %w", err)
	}

	engine := playback.New(stream, ring, sink, s.filter, ss.SampleRate, ss.Channels, sink.FramesWritten, nil)
	engine.StartStream()
	engine.Run()

	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()
	s.fac.BindStream(s.filter, engine)
	return nil
}

// OnAudioChunk implements dispatch.AudioChunkHandler, routing decoded
// binary audio frames to the active stream's engine. Frames that arrive
// before stream_start (or after Disconnect) are dropped.
func (s *session) OnAudioChunk(serverUs int64, payload []byte) {
	s.mu.Lock()
	e := s.engine
	s.mu.Unlock()
	if e == nil {
		return
	}
	e.OnAudioChunk(serverUs, payload)
}
