// ABOUTME: Binary frame codec for audio chunks and time-sync messages
// ABOUTME: Layout is implementation-defined per spec.md §9 but stable within this repo
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Binary frame type tags. The audio-chunk timestamp layout is fixed by
// spec.md §6 ("prefixed with server_presentation_us (64-bit little-endian
// microseconds)"); the time-sync frame layout is left implementation-defined
// there (spec.md §9 Open Questions), and stays big-endian here, stable
// within this repo.
const (
	FrameTypeAudioChunk     byte = 0
	FrameTypeTimeSyncReq    byte = 1
	FrameTypeTimeSyncResp   byte = 2
)

// EncodeAudioChunk prefixes payload with a 1-byte type tag and the
// 64-bit little-endian server presentation timestamp in microseconds,
// per spec.md §6.
func EncodeAudioChunk(serverPresentationUs int64, payload []byte) []byte {
	buf := make([]byte, 9+len(payload))
	buf[0] = FrameTypeAudioChunk
	binary.LittleEndian.PutUint64(buf[1:9], uint64(serverPresentationUs))
	copy(buf[9:], payload)
	return buf
}

// DecodeAudioChunk reverses EncodeAudioChunk.
func DecodeAudioChunk(frame []byte) (serverPresentationUs int64, payload []byte, err error) {
	if len(frame) < 9 {
		return 0, nil, fmt.Errorf("audio chunk frame too short: %d bytes", len(frame))
	}
	if frame[0] != FrameTypeAudioChunk {
		return 0, nil, fmt.Errorf("unexpected frame type %d, want audio chunk", frame[0])
	}
	ts := int64(binary.LittleEndian.Uint64(frame[1:9]))
	return ts, frame[9:], nil
}

// EncodeTimeSyncRequest builds the outbound binary time-sync frame carrying
// the client's transmit timestamp.
func EncodeTimeSyncRequest(clientTransmittedUs int64) []byte {
	buf := make([]byte, 9)
	buf[0] = FrameTypeTimeSyncReq
	binary.BigEndian.PutUint64(buf[1:9], uint64(clientTransmittedUs))
	return buf
}

// TimeSyncResponse is the decoded form of an inbound binary time-sync reply.
type TimeSyncResponse struct {
	ClientTransmittedUs int64
	ServerReceivedUs    int64
	ServerTransmittedUs int64
}

// DecodeTimeSyncResponse parses the server's binary time-sync reply.
func DecodeTimeSyncResponse(frame []byte) (TimeSyncResponse, error) {
	if len(frame) < 25 {
		return TimeSyncResponse{}, fmt.Errorf("time-sync response frame too short: %d bytes", len(frame))
	}
	if frame[0] != FrameTypeTimeSyncResp {
		return TimeSyncResponse{}, fmt.Errorf("unexpected frame type %d, want time-sync response", frame[0])
	}
	return TimeSyncResponse{
		ClientTransmittedUs: int64(binary.BigEndian.Uint64(frame[1:9])),
		ServerReceivedUs:    int64(binary.BigEndian.Uint64(frame[9:17])),
		ServerTransmittedUs: int64(binary.BigEndian.Uint64(frame[17:25])),
	}, nil
}
