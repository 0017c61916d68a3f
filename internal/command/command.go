// ABOUTME: Request/response multiplexer over a StreamTransport keyed by message_id
// ABOUTME: Also demuxes unsolicited server events and proxies HTTP requests over the WebRTC control channel
package command

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chrisuthe/sendspin-receiver/internal/protocol"
	"github.com/chrisuthe/sendspin-receiver/internal/transport"
)

const (
	// DefaultTimeout is the default per-command timeout spec.md §5 names
	// (15s) for callers that don't need a bespoke value.
	DefaultTimeout        = 15 * time.Second
	defaultCommandTimeout = DefaultTimeout
	authTimeout           = 10 * time.Second
)

// State mirrors the authentication lifecycle CommandTransport drives the
// connection through.
type State int32

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
)

// EventListener receives any inbound JSON object lacking a message_id.
type EventListener func(raw json.RawMessage)

// Transport multiplexes commands/responses and demuxes events over a
// StreamTransport. Every outstanding request is keyed by a unique
// message_id; on disconnect or Destroy, all pending slots fail with
// ErrDisconnected.
type Transport struct {
	st transport.StreamTransport

	mu               sync.Mutex
	pending          map[string]chan protocol.ResponseEnvelope
	httpPending      map[string]chan protocol.HTTPProxyResponse
	eventListener    EventListener
	serverInfoWaiter chan protocol.ServerInfo
	serverInfo       *protocol.ServerInfo

	state int32 // State, guarded by mu

	destroyed bool
}

// ErrDisconnected is returned to every pending caller when the transport
// goes away before a reply arrives.
var ErrDisconnected = fmt.Errorf("command: disconnected")

// New wraps st. It does not attach itself as st's inbound handler: a single
// StreamTransport also carries binary audio-chunk and time-sync frames
// consumed by the playback and sync subsystems, so ownership of
// st.SetHandler belongs to a dispatcher that demuxes by frame kind and
// forwards text frames to Handler(). Callers using only the control channel
// (no binary traffic) can wire it directly: st.SetHandler(t.Handler()).
func New(st transport.StreamTransport) *Transport {
	return &Transport{
		st:               st,
		pending:          make(map[string]chan protocol.ResponseEnvelope),
		httpPending:      make(map[string]chan protocol.HTTPProxyResponse),
		serverInfoWaiter: make(chan protocol.ServerInfo, 1),
	}
}

// Handler returns a transport.InboundHandler that forwards text frames to
// HandleText and silently drops binary frames. Use this directly only when
// the transport carries no binary traffic of its own; otherwise plug
// HandleText into a shared dispatch.Dispatcher instead.
func (t *Transport) Handler() transport.InboundHandler { return textOnlyHandler{t} }

// textOnlyHandler adapts Transport.HandleText to transport.InboundHandler
// without claiming ownership of binary frames, which belong to the
// audio/time-sync subsystems multiplexed alongside this one.
type textOnlyHandler struct{ t *Transport }

func (h textOnlyHandler) OnText(s string)   { h.t.HandleText(s) }
func (h textOnlyHandler) OnBinary(b []byte) {}

// HandleText parses one inbound JSON frame and routes it to a pending
// response slot, the HTTP-proxy waiter, the server-info waiter, or the
// event listener.
func (t *Transport) HandleText(raw string) {
	data := []byte(raw)

	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &probe)

	switch probe.Type {
	case protocol.HTTPProxyResponseType:
		var resp protocol.HTTPProxyResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		t.mu.Lock()
		ch, ok := t.httpPending[resp.ID]
		if ok {
			delete(t.httpPending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
		return
	}

	if msgID, ok := protocol.HasMessageID(data); ok {
		var resp protocol.ResponseEnvelope
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		t.mu.Lock()
		ch, ok := t.pending[msgID]
		if ok {
			delete(t.pending, msgID)
		}
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
		return
	}

	var info struct {
		ServerID string `json:"server_id"`
	}
	if err := json.Unmarshal(data, &info); err == nil && info.ServerID != "" {
		var si protocol.ServerInfo
		json.Unmarshal(data, &si)
		t.mu.Lock()
		t.serverInfo = &si
		t.mu.Unlock()
		select {
		case t.serverInfoWaiter <- si:
		default:
		}
		return
	}

	t.mu.Lock()
	listener := t.eventListener
	t.mu.Unlock()
	if listener != nil {
		listener(data)
	}
}

// SetEventListener installs the callback invoked for unsolicited events.
func (t *Transport) SetEventListener(cb EventListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.eventListener = cb
}

// Connect performs the token auth handshake: wait for ServerInfo, send
// auth, await the reply, transition to Authenticated.
func (t *Transport) Connect(ctx context.Context, token string) error {
	if err := t.awaitServerInfo(ctx); err != nil {
		return err
	}
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	args, _ := json.Marshal(protocol.AuthArgs{Token: token})
	if _, err := t.SendCommand(authCtx, "auth", args, authTimeout); err != nil {
		return fmt.Errorf("command: auth: %w", err)
	}
	t.setState(Authenticated)
	return nil
}

// ConnectWithCredentials performs auth/login, then replays the token-auth
// handshake over the same connection using the minted access token.
func (t *Transport) ConnectWithCredentials(ctx context.Context, username, password string) error {
	if err := t.awaitServerInfo(ctx); err != nil {
		return err
	}
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	args, _ := json.Marshal(protocol.AuthLoginArgs{Username: username, Password: password})
	result, err := t.SendCommand(authCtx, "auth/login", args, authTimeout)
	if err != nil {
		return fmt.Errorf("command: auth/login: %w", err)
	}
	var loginResult protocol.AuthLoginResult
	if err := json.Unmarshal(result, &loginResult); err != nil {
		return fmt.Errorf("command: auth/login: malformed result: %w", err)
	}
	return t.Connect(ctx, loginResult.AccessToken)
}

func (t *Transport) awaitServerInfo(ctx context.Context) error {
	t.mu.Lock()
	if t.serverInfo != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.setState(Authenticating)
	select {
	case <-t.serverInfoWaiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendCommand allocates a message_id, writes the command envelope, and
// awaits the matching reply or timeout.
func (t *Transport) SendCommand(ctx context.Context, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	msgID := uuid.NewString()
	ch := make(chan protocol.ResponseEnvelope, 1)

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil, ErrDisconnected
	}
	t.pending[msgID] = ch
	t.mu.Unlock()

	env := protocol.CommandEnvelope{MessageID: msgID, Command: name, Args: args}
	data, err := json.Marshal(env)
	if err != nil {
		t.removePending(msgID)
		return nil, fmt.Errorf("command: marshal %s: %w", name, err)
	}
	if !t.st.SendText(string(data)) {
		t.removePending(msgID)
		return nil, ErrDisconnected
	}

	select {
	case resp := <-ch:
		if resp.MessageID == "" {
			// Only Destroy's synthetic reply lacks a message_id.
			return nil, ErrDisconnected
		}
		if resp.ErrorCode != "" {
			return nil, fmt.Errorf("command: %s failed: %s (%s)", name, resp.ErrorCode, resp.Details)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.removePending(msgID)
		return nil, ctx.Err()
	case <-time.After(timeout):
		t.removePending(msgID)
		return nil, fmt.Errorf("command: %s timed out after %s", name, timeout)
	}
}

func (t *Transport) removePending(msgID string) {
	t.mu.Lock()
	delete(t.pending, msgID)
	t.mu.Unlock()
}

// HTTPProxy is only supported on a WebRTC-backed transport; callers get an
// ordinary error (not a panic) if the peer never replies.
func (t *Transport) HTTPProxy(ctx context.Context, method, path string, headers map[string]string, timeout time.Duration) (status int, respHeaders map[string]string, body []byte, err error) {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	id := uuid.NewString()
	ch := make(chan protocol.HTTPProxyResponse, 1)

	t.mu.Lock()
	t.httpPending[id] = ch
	t.mu.Unlock()

	req := protocol.HTTPProxyRequest{
		Type: protocol.HTTPProxyRequestType, ID: id, Method: method, Path: path, Headers: headers,
	}
	data, merr := json.Marshal(req)
	if merr != nil {
		t.mu.Lock()
		delete(t.httpPending, id)
		t.mu.Unlock()
		return 0, nil, nil, fmt.Errorf("command: marshal http-proxy-request: %w", merr)
	}
	if !t.st.SendText(string(data)) {
		t.mu.Lock()
		delete(t.httpPending, id)
		t.mu.Unlock()
		return 0, nil, nil, ErrDisconnected
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return 0, nil, nil, ErrDisconnected
		}
		bodyBytes, herr := hex.DecodeString(resp.Body)
		if herr != nil {
			return 0, nil, nil, fmt.Errorf("command: http-proxy-response: malformed hex body: %w", herr)
		}
		return resp.Status, resp.Headers, bodyBytes, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.httpPending, id)
		t.mu.Unlock()
		return 0, nil, nil, ctx.Err()
	case <-time.After(timeout):
		t.mu.Lock()
		delete(t.httpPending, id)
		t.mu.Unlock()
		return 0, nil, nil, fmt.Errorf("command: http_proxy timed out after %s", timeout)
	}
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	t.state = int32(s)
	t.mu.Unlock()
}

// State reports the current auth lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State(t.state)
}

// Destroy fails every pending request with ErrDisconnected. Idempotent.
func (t *Transport) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	pending := t.pending
	t.pending = make(map[string]chan protocol.ResponseEnvelope)
	httpPending := t.httpPending
	t.httpPending = make(map[string]chan protocol.HTTPProxyResponse)
	t.mu.Unlock()

	for _, ch := range pending {
		ch <- protocol.ResponseEnvelope{ErrorCode: "disconnected", Details: ErrDisconnected.Error()}
	}
	for _, ch := range httpPending {
		close(ch)
	}
}
