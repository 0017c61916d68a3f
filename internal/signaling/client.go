// ABOUTME: Rendezvous signaling client that bootstraps a WebRTC StreamTransport
// ABOUTME: CAS-guarded connect and a queued answer/candidate exchange, grounded on the teacher's websocket client
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chrisuthe/sendspin-receiver/internal/protocol"
	"github.com/chrisuthe/sendspin-receiver/internal/transport"
)

const exchangeTimeout = 30 * time.Second

var remoteIDPattern = regexp.MustCompile(`^[A-Z0-9]{26}$`)

// wsConn is the subset of *websocket.Conn the client uses; it exists so
// tests can inject a fake socket to exercise the CAS race deterministically
// without a real network dial.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// dialFunc abstracts websocket.DefaultDialer.Dial for testing the CAS race
// without a real network dial.
type dialFunc func(url string) (wsConn, error)

// Client talks to wss://<host>/<remote_id> to bootstrap one WebRTC session.
// It satisfies transport.Signaler. A Client is constructed once with
// NewClient and may have Connect called on it concurrently from multiple
// goroutines: the CAS in Connect ensures only one of them actually dials.
type Client struct {
	state int32 // atomic transport.State

	dial dialFunc
	conn wsConn

	iceServers   chan []transport.ICEServer
	answers      chan string
	candidates   chan transport.ICECandidate
	signalErrors chan error

	closeOnce sync.Once
}

// NewClient allocates a signaling Client in its Disconnected state. It does
// not touch the network; call Connect to dial.
func NewClient() *Client {
	c := &Client{
		iceServers:   make(chan []transport.ICEServer, 1),
		answers:      make(chan string, 1),
		candidates:   make(chan transport.ICECandidate, 16),
		signalErrors: make(chan error, 1),
	}
	atomic.StoreInt32(&c.state, int32(transport.Disconnected))
	c.dial = func(url string) (wsConn, error) {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return c
}

// Connect validates remoteID, dials the rendezvous server and waits for
// its "server-connected" greeting carrying the ICE server list. The
// Disconnected/Failed/Closed → Connecting transition is a single atomic
// compare-and-swap: when called concurrently from N goroutines on the same
// Client, exactly one of them wins the CAS and opens a socket — the rest
// observe the transition already made and return an error without dialing.
func (c *Client) Connect(host, remoteID string) error {
	if !remoteIDPattern.MatchString(remoteID) {
		return fmt.Errorf("signaling: invalid remote_id %q", remoteID)
	}

	if !c.cas(transport.Disconnected, transport.Connecting) &&
		!c.cas(transport.Failed, transport.Connecting) &&
		!c.cas(transport.Closed, transport.Connecting) {
		return fmt.Errorf("signaling: connect already in progress or connected")
	}

	url := fmt.Sprintf("wss://%s/%s", host, remoteID)
	conn, err := c.dial(url)
	if err != nil {
		c.setState(transport.Failed)
		return fmt.Errorf("signaling: dial %s: %w", url, err)
	}
	c.conn = conn

	go c.readLoop()

	select {
	case servers := <-c.iceServers:
		c.iceServers <- servers // put back for the first ICEServers() call
		c.setState(transport.Open)
	case err := <-c.signalErrors:
		c.setState(transport.Failed)
		conn.Close()
		return fmt.Errorf("signaling: waiting for server-connected: %w", err)
	case <-time.After(exchangeTimeout):
		c.setState(transport.Failed)
		conn.Close()
		return fmt.Errorf("signaling: timed out waiting for server-connected")
	}

	return nil
}

// Connect is a convenience constructor for the common case of one connect
// attempt per Client: it allocates a fresh Client and connects it.
func Connect(host, remoteID string) (*Client, error) {
	c := NewClient()
	if err := c.Connect(host, remoteID); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) cas(from, to transport.State) bool {
	return atomic.CompareAndSwapInt32(&c.state, int32(from), int32(to))
}

func (c *Client) setState(s transport.State) {
	atomic.StoreInt32(&c.state, int32(s))
}

// State reports the signaling session's connection state.
func (c *Client) State() transport.State {
	return transport.State(atomic.LoadInt32(&c.state))
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.setState(transport.Failed)
			return
		}
		var msg protocol.SignalingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("signaling: malformed message, dropping: %v", err)
			continue
		}
		switch msg.Type {
		case protocol.SignalTypeServerConnected:
			servers := make([]transport.ICEServer, 0, len(msg.ICEServers))
			for _, s := range msg.ICEServers {
				servers = append(servers, transport.ICEServer{
					URLs: s.URLs, Username: s.Username, Credential: s.Credential,
				})
			}
			select {
			case c.iceServers <- servers:
			default:
			}
		case protocol.SignalTypeAnswer:
			select {
			case c.answers <- msg.SDP:
			default:
			}
		case protocol.SignalTypeICECandidate:
			if msg.Candidate == nil {
				continue
			}
			select {
			case c.candidates <- transport.ICECandidate{
				Candidate: msg.Candidate.Candidate, SDPMid: msg.Candidate.SDPMid,
				SDPMLineIndex: msg.Candidate.SDPMLineIndex,
			}:
			default:
				log.Printf("signaling: candidate channel full, dropping trickled candidate")
			}
		case protocol.SignalTypeError:
			select {
			case c.signalErrors <- fmt.Errorf("signaling: server error: %s", msg.Message):
			default:
			}
		default:
			log.Printf("signaling: unknown message type %q, dropping", msg.Type)
		}
	}
}

// ICEServers satisfies transport.Signaler; the list was already received
// during Connect and is returned immediately.
func (c *Client) ICEServers(ctx context.Context) ([]transport.ICEServer, error) {
	select {
	case servers := <-c.iceServers:
		return servers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExchangeOffer sends the SDP offer and waits for the matching answer.
func (c *Client) ExchangeOffer(ctx context.Context, offerSDP string) (string, error) {
	msg := protocol.SignalingMessage{Type: protocol.SignalTypeOffer, SDP: offerSDP}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("signaling: marshal offer: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return "", fmt.Errorf("signaling: send offer: %w", err)
	}

	select {
	case sdp := <-c.answers:
		return sdp, nil
	case err := <-c.signalErrors:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(exchangeTimeout):
		return "", fmt.Errorf("signaling: timed out waiting for answer")
	}
}

// TrickleCandidate forwards a locally-gathered ICE candidate to the peer.
func (c *Client) TrickleCandidate(cand transport.ICECandidate) {
	msg := protocol.SignalingMessage{
		Type: protocol.SignalTypeICECandidate,
		Candidate: &protocol.ICECandidateMsg{
			Candidate: cand.Candidate, SDPMid: cand.SDPMid, SDPMLineIndex: cand.SDPMLineIndex,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("signaling: marshal candidate: %v", err)
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("signaling: send candidate: %v", err)
	}
}

// Candidates returns the channel of candidates trickled by the peer.
func (c *Client) Candidates() <-chan transport.ICECandidate {
	return c.candidates
}

// Close idempotently releases the signaling socket.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.setState(transport.Closed)
		if c.conn != nil {
			c.conn.Close()
		}
		close(c.candidates)
	})
	return nil
}
