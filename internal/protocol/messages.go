// ABOUTME: Sendspin protocol message type definitions
// ABOUTME: Defines structs for the text-frame JSON vocabulary carried over StreamTransport
package protocol

// Message is the top-level wrapper for all text-frame protocol messages.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Event type tags carried in the "type" field of unsolicited server-push
// events (frames with no message_id, per spec.md §6).
const (
	EventTypeStreamStart   = "stream_start"
	EventTypeMetadata      = "metadata"
	EventTypePlayerCommand = "player_command"
)

// ServerInfo is the first text frame a server sends after a channel opens,
// per spec.md §3 and §4.4 — it must be observable even before a receiver
// attaches, which is why the transport backends buffer pre-attach frames.
type ServerInfo struct {
	ServerID      string `json:"server_id"`
	ServerVersion string `json:"server_version"`
	BaseURL       string `json:"base_url,omitempty"`
}

// DeviceInfo identifies the receiver hardware/software to the server.
type DeviceInfo struct {
	ProductName     string `json:"product_name"`
	Manufacturer    string `json:"manufacturer"`
	SoftwareVersion string `json:"software_version"`
}

// AudioFormat describes one codec/rate/channel/depth combination a
// receiver is willing to accept.
type AudioFormat struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
}

// PlayerSupport advertises playback capability during auth/hello.
type PlayerSupport struct {
	SupportFormats []AudioFormat `json:"supported_formats"`
	BufferCapacity int           `json:"buffer_capacity"`
}

// StreamStart announces the codec/format of the stream about to begin and
// carries an optional base64-encoded codec header (spec.md §6).
type StreamStart struct {
	Codec       string `json:"codec"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	BitDepth    int    `json:"bit_depth"`
	CodecHeader string `json:"codec_header,omitempty"`
}

// ClientTime is sent outbound to begin one time-sync round trip.
type ClientTime struct {
	ClientTransmitted int64 `json:"client_transmitted"`
}

// ServerTime is the inbound response to a ClientTime frame.
type ServerTime struct {
	ClientTransmitted int64 `json:"client_transmitted"`
	ServerReceived    int64 `json:"server_received"`
	ServerTransmitted int64 `json:"server_transmitted"`
}

// PlayerCommand is an unsolicited transport-control instruction (volume,
// mute, play/pause/next/previous) pushed by the server.
type PlayerCommand struct {
	Command string `json:"command"`
	Volume  int    `json:"volume,omitempty"`
	Mute    bool   `json:"mute,omitempty"`
}

// PlayerState is reported back to the server after applying a command.
type PlayerState struct {
	State  string `json:"state"`
	Volume int    `json:"volume,omitempty"`
	Muted  bool   `json:"muted,omitempty"`
}

// StreamMetadata carries now-playing information (title/artist/album/artwork).
type StreamMetadata struct {
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	AlbumArtist string `json:"album_artist,omitempty"`
	ArtworkURL  string `json:"artwork_url,omitempty"`
	Track       int    `json:"track,omitempty"`
	Year        int    `json:"year,omitempty"`
}
