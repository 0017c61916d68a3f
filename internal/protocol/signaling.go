// ABOUTME: Rendezvous signaling message vocabulary
// ABOUTME: Used only to bootstrap the WebRTC StreamTransport backend, per spec.md §4.5-4.6
package protocol

// SignalingMessage is the envelope for every frame exchanged with the
// rendezvous server at wss://<host>/<remote_id>.
type SignalingMessage struct {
	Type        string           `json:"type"`
	ICEServers  []ICEServer      `json:"ice_servers,omitempty"`
	SDP         string           `json:"sdp,omitempty"`
	Candidate   *ICECandidateMsg `json:"candidate,omitempty"`
	Message     string           `json:"message,omitempty"`
}

// ICEServer mirrors a single STUN/TURN server description.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ICECandidateMsg carries one trickled ICE candidate.
type ICECandidateMsg struct {
	Candidate     string `json:"sdp"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

const (
	SignalTypeServerConnected = "server-connected"
	SignalTypeOffer           = "offer"
	SignalTypeAnswer          = "answer"
	SignalTypeICECandidate    = "ice-candidate"
	SignalTypeError           = "error"
)
