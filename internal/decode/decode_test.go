package decode

import (
	"encoding/binary"
	"testing"

	"github.com/chrisuthe/sendspin-receiver/internal/protocol"
)

func TestPCMDecode16Bit(t *testing.T) {
	s, err := NewStream(protocol.StreamStart{Codec: "pcm", SampleRate: 44100, Channels: 2, BitDepth: 16})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Release()

	raw := make([]byte, 8)
	binary.LittleEndian.PutUint16(raw[0:], uint16(int16(1000)))
	binary.LittleEndian.PutUint16(raw[2:], uint16(int16(-1000)))
	binary.LittleEndian.PutUint16(raw[4:], uint16(int16(32767)))
	binary.LittleEndian.PutUint16(raw[6:], uint16(int16(-32768)))

	out, err := s.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []int16{1000, -1000, 32767, -32768}
	if len(out) != len(want) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(want))
	}
	for i, v := range want {
		if out[i] != v {
			t.Fatalf("out[%d] = %d, want %d", i, out[i], v)
		}
	}
	if s.FellBack() {
		t.Fatal("pcm stream should not report a fallback")
	}
}

func TestPCMDecodeOddByteCountErrors(t *testing.T) {
	s, err := NewStream(protocol.StreamStart{Codec: "pcm", BitDepth: 16})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Release()
	if _, err := s.Decode([]byte{0x01}); err == nil {
		t.Fatal("expected an error decoding an odd byte count")
	}
}

func TestUnsupportedCodecFallsBackToPCM(t *testing.T) {
	s, err := NewStream(protocol.StreamStart{Codec: "made-up-codec", SampleRate: 44100, Channels: 2, BitDepth: 16})
	if err != nil {
		t.Fatalf("NewStream should fall back to pcm, got error: %v", err)
	}
	defer s.Release()
	if !s.FellBack() {
		t.Fatal("expected FellBack() to be true for an unsupported codec")
	}
	if s.Codec() != "pcm" {
		t.Fatalf("Codec() = %q, want pcm", s.Codec())
	}
}

func TestUnsupportedPCMBitDepthFailsStream(t *testing.T) {
	// The PCM fallback keeps the announced bit depth, so it fails the same
	// way and NewStream refuses the stream instead of misreading samples.
	s, err := NewStream(protocol.StreamStart{Codec: "pcm", BitDepth: 20})
	if err == nil {
		t.Fatal("NewStream should fail when neither pcm nor its pcm fallback accepts bit depth 20")
	}
	if s != nil {
		t.Fatal("a failed NewStream must not return a stream")
	}
}

func TestOpusDecoderConfigures(t *testing.T) {
	s, err := NewStream(protocol.StreamStart{Codec: "opus", SampleRate: 48000, Channels: 2})
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	defer s.Release()
	if s.FellBack() {
		t.Fatal("a valid opus format should not fall back")
	}
	if s.Codec() != "opus" {
		t.Fatalf("Codec() = %q, want opus", s.Codec())
	}
}
