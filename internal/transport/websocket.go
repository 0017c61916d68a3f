// ABOUTME: WebSocket StreamTransport backend over gorilla/websocket
// ABOUTME: Generalizes the teacher's dial/handshake/readMessages loop into the uniform StreamTransport contract
package transport

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPingInterval = 30 * time.Second
	wsPongWait     = 45 * time.Second
)

// WebSocketTransport is a long-lived upgrade over HTTP/1.1, kept alive with
// periodic pings. A close with a code other than 1000 propagates as Failed
// rather than the normal Closed terminal state.
type WebSocketTransport struct {
	base

	url      string
	conn     *websocket.Conn
	writeMu  sync.Mutex
	pingStop chan struct{}
}

// NewWebSocketTransport dials url and starts the read/ping loops. The
// returned transport is already in the Open state on success.
func NewWebSocketTransport(url string) (*WebSocketTransport, error) {
	t := &WebSocketTransport{url: url, pingStop: make(chan struct{})}
	if !t.casState(Disconnected, Connecting) {
		return nil, fmt.Errorf("transport: already connecting or connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.setState(Failed)
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))

	t.conn = conn
	t.setState(Open)

	go t.readLoop()
	go t.pingLoop()
	return t, nil
}

func (t *WebSocketTransport) readLoop() {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.setState(Closed)
			} else {
				log.Printf("transport(ws): read error, failing: %v", err)
				t.setState(Failed)
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			t.deliverText(string(data))
		case websocket.BinaryMessage:
			t.deliverBinary(data)
		}
	}
}

func (t *WebSocketTransport) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-t.pingStop:
			return
		}
	}
}

func (t *WebSocketTransport) SendText(s string) bool {
	if t.State() != Open {
		return false
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, []byte(s)) == nil
}

func (t *WebSocketTransport) SendBinary(b []byte) bool {
	if t.State() != Open {
		return false
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, b) == nil
}

// Close initiates a graceful close handshake but leaves the socket's
// underlying resources to Destroy.
func (t *WebSocketTransport) Close(code int, reason string) error {
	t.base.closeOnce.Do(func() {
		t.setState(Closing)
		t.writeMu.Lock()
		deadline := time.Now().Add(2 * time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		t.writeMu.Unlock()
		t.setState(Closed)
	})
	return nil
}

// Destroy releases the socket and stops the ping loop. Safe to call before
// Close, and idempotent.
func (t *WebSocketTransport) Destroy() error {
	t.base.destroyOnce.Do(func() {
		close(t.pingStop)
		if t.conn != nil {
			t.conn.Close()
		}
		t.setState(Closed)
	})
	return nil
}
