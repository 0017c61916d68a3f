// ABOUTME: Multi-codec streaming decoder (PCM passthrough, Opus, FLAC)
// ABOUTME: Falls back to PCM if the server-named codec fails to configure, per spec.md §4.3
package decode

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mewkiz/flac/frame"
	"gopkg.in/hraban/opus.v2"

	"github.com/chrisuthe/sendspin-receiver/internal/protocol"
)

// Decoder converts one codec's compressed bytes to interleaved int16 PCM.
// It mirrors the teacher's per-codec interface, generalized to the
// configure/decode/flush/release lifecycle spec.md §4.3 names.
type Decoder interface {
	Decode(compressed []byte) ([]int16, error)
	Flush() []int16
	Release()
}

// Stream owns the active decoder for one stream start and guarantees the
// "never pass compressed bytes through as PCM" invariant: if both the named
// codec and the PCM fallback fail to configure, NewStream returns an error
// instead of producing a half-initialized decoder.
type Stream struct {
	decoder    Decoder
	fellBack   bool
	codec      string
}

// NewStream instantiates the decoder named by format.Codec. If construction
// fails, it falls back to PCM; if PCM construction also fails, it returns an
// error and the caller must fail the stream rather than continue.
func NewStream(format protocol.StreamStart) (*Stream, error) {
	d, err := newDecoder(format)
	if err == nil {
		return &Stream{decoder: d, codec: format.Codec}, nil
	}

	fallbackFormat := format
	fallbackFormat.Codec = "pcm"
	d, fbErr := newDecoder(fallbackFormat)
	if fbErr != nil {
		return nil, fmt.Errorf("decoder init failed for %q (%w) and PCM fallback also failed (%w)", format.Codec, err, fbErr)
	}
	return &Stream{decoder: d, fellBack: true, codec: "pcm"}, nil
}

func newDecoder(format protocol.StreamStart) (Decoder, error) {
	switch format.Codec {
	case "pcm", "":
		return newPCMDecoder(format)
	case "opus":
		return newOpusDecoder(format)
	case "flac":
		return newFLACDecoder(format)
	default:
		return nil, fmt.Errorf("unsupported codec %q", format.Codec)
	}
}

// FellBack reports whether this stream is running on the PCM fallback
// rather than the server-named codec.
func (s *Stream) FellBack() bool { return s.fellBack }

// Codec reports the codec actually in use (may differ from the server's
// request if FellBack is true).
func (s *Stream) Codec() string { return s.codec }

// Decode converts one compressed chunk to interleaved PCM frames.
func (s *Stream) Decode(compressed []byte) ([]int16, error) {
	return s.decoder.Decode(compressed)
}

// Flush drains any samples buffered inside the decoder. None of the current
// decoders hold samples across chunks, so it returns nil for every codec.
func (s *Stream) Flush() []int16 {
	return s.decoder.Flush()
}

// Release frees decoder resources at stream end.
func (s *Stream) Release() {
	s.decoder.Release()
}

// --- PCM ---

type pcmDecoder struct {
	bitDepth int
}

func newPCMDecoder(format protocol.StreamStart) (Decoder, error) {
	bitDepth := format.BitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	if bitDepth != 16 && bitDepth != 24 {
		return nil, fmt.Errorf("pcm: unsupported bit depth %d", bitDepth)
	}
	return &pcmDecoder{bitDepth: bitDepth}, nil
}

func (d *pcmDecoder) Decode(data []byte) ([]int16, error) {
	if d.bitDepth == 24 {
		n := len(data) / 3
		out := make([]int16, n)
		for i := 0; i < n; i++ {
			v := int32(data[i*3]) | int32(data[i*3+1])<<8 | int32(data[i*3+2])<<16
			if v&0x800000 != 0 {
				v |= ^0xFFFFFF
			}
			out[i] = int16(v >> 8) // truncate to 16-bit for playback
		}
		return out, nil
	}
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm: odd byte count %d for 16-bit samples", len(data))
	}
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out, nil
}

func (d *pcmDecoder) Flush() []int16 { return nil }
func (d *pcmDecoder) Release()       {}

// --- Opus ---

type opusDecoder struct {
	dec      *opus.Decoder
	channels int
}

func newOpusDecoder(format protocol.StreamStart) (Decoder, error) {
	channels := format.Channels
	if channels == 0 {
		channels = 2
	}
	sampleRate := format.SampleRate
	if sampleRate == 0 {
		sampleRate = 48000
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: new decoder: %w", err)
	}
	return &opusDecoder{dec: dec, channels: channels}, nil
}

func (d *opusDecoder) Decode(data []byte) ([]int16, error) {
	// 5760 samples/channel is the documented Opus maximum frame size at
	// any supported sample rate (120ms at 48kHz).
	pcm := make([]int16, 5760*d.channels)
	n, err := d.dec.Decode(data, pcm)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return pcm[:n*d.channels], nil
}

func (d *opusDecoder) Flush() []int16 { return nil }
func (d *opusDecoder) Release()       {}

// --- FLAC ---

// flacDecoder decodes a server-sent stream of self-describing FLAC frames.
// Unlike a container-parsed file, each chunk here must be one standalone
// frame whose header encodes sample rate and bit depth directly (not via a
// "read from STREAMINFO" code), since no global metadata block precedes the
// stream; the server is expected to emit frames this way when negotiating
// FLAC with this receiver.
type flacDecoder struct {
	channels int
}

func newFLACDecoder(format protocol.StreamStart) (Decoder, error) {
	channels := format.Channels
	if channels == 0 {
		channels = 2
	}
	return &flacDecoder{channels: channels}, nil
}

func (d *flacDecoder) Decode(data []byte) ([]int16, error) {
	fr, err := frame.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("flac: parse frame: %w", err)
	}
	if len(fr.Subframes) == 0 {
		return nil, fmt.Errorf("flac: frame has no subframes")
	}
	nSamples := len(fr.Subframes[0].Samples)
	out := make([]int16, 0, nSamples*len(fr.Subframes))
	for i := 0; i < nSamples; i++ {
		for _, sf := range fr.Subframes {
			out = append(out, int16(sf.Samples[i]))
		}
	}
	return out, nil
}

func (d *flacDecoder) Flush() []int16 { return nil }
func (d *flacDecoder) Release()       {}
