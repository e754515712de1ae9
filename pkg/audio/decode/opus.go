package decode

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/lullaby/pkg/audio"
)

const (
	// opusRate is the rate the decoder runs at; Opus always decodes to 48 kHz.
	opusRate = 48000

	// opusMaxFrame is the largest Opus frame (120 ms at 48 kHz) per channel.
	opusMaxFrame = 5760
)

var (
	oggCapture = []byte("OggS")
	opusHead   = []byte("OpusHead")
	opusTags   = []byte("OpusTags")
)

// Opus decodes Ogg-encapsulated Opus streams natively with libopus, avoiding
// a subprocess for the most common producer format. Anything that is not an
// Ogg/Opus stream is rejected with [ErrUnsupported].
type Opus struct{}

// NewOpus returns the native Ogg/Opus decoder.
func NewOpus() *Opus { return &Opus{} }

// Name implements [Decoder].
func (*Opus) Name() string { return "opus" }

// Decode implements [Decoder].
func (*Opus) Decode(ctx context.Context, data []byte, rate, maxSamples int) (audio.Waveform, error) {
	if !bytes.HasPrefix(data, oggCapture) {
		return audio.Waveform{}, unsupported("opus: not an Ogg stream")
	}
	packets, err := oggPackets(data)
	if err != nil {
		return audio.Waveform{}, err
	}
	if len(packets) == 0 || !bytes.HasPrefix(packets[0], opusHead) {
		return audio.Waveform{}, unsupported("opus: Ogg stream does not carry Opus")
	}
	head := packets[0]
	if len(head) < 19 {
		return audio.Waveform{}, unsupported("opus: OpusHead too short")
	}
	channels := int(head[9])
	preSkip := int(binary.LittleEndian.Uint16(head[10:12]))
	if channels < 1 || channels > 2 {
		return audio.Waveform{}, unsupported("opus: %d channels not supported", channels)
	}

	dec, err := gopus.NewDecoder(opusRate, channels)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("opus: create decoder: %w", err)
	}

	// Interleaved 48 kHz samples needed to fill maxSamples at rate.
	limit := 0
	if need := audio.FramesFor(maxSamples, opusRate, rate); need > 0 {
		limit = (need + preSkip) * channels
	}

	var pcm []int16
	for _, pkt := range packets[1:] {
		if limit > 0 && len(pcm) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return audio.Waveform{}, err
		}
		if bytes.HasPrefix(pkt, opusTags) || len(pkt) == 0 {
			continue
		}
		frame, err := dec.Decode(pkt, opusMaxFrame, false)
		if err != nil {
			return audio.Waveform{}, unsupported("opus: decode packet: %v", err)
		}
		pcm = append(pcm, frame...)
	}

	skip := preSkip * channels
	if skip >= len(pcm) {
		return audio.Waveform{}, unsupported("opus: no audio after pre-skip")
	}
	samples := audio.Int16ToFloat32(pcm[skip:])
	return audio.ToMono(samples, audio.Format{SampleRate: opusRate, Channels: channels}, rate, maxSamples), nil
}

// oggPackets reassembles the logical packets of the first bitstream in an Ogg
// buffer. Pages of other bitstreams are ignored. A truncated final page
// yields the packets completed so far.
func oggPackets(data []byte) ([][]byte, error) {
	var (
		packets [][]byte
		partial []byte
		serial  uint32
		first   = true
	)
	pos := 0
	for pos+27 <= len(data) {
		if !bytes.Equal(data[pos:pos+4], oggCapture) {
			return nil, unsupported("opus: lost Ogg page sync at offset %d", pos)
		}
		pageSerial := binary.LittleEndian.Uint32(data[pos+14 : pos+18])
		nsegs := int(data[pos+26])
		header := 27 + nsegs
		if pos+header > len(data) {
			break
		}
		lacing := data[pos+27 : pos+header]

		bodyLen := 0
		for _, l := range lacing {
			bodyLen += int(l)
		}
		if pos+header+bodyLen > len(data) {
			break
		}
		body := data[pos+header : pos+header+bodyLen]
		pos += header + bodyLen

		if first {
			serial = pageSerial
			first = false
		} else if pageSerial != serial {
			continue
		}

		off := 0
		for _, l := range lacing {
			partial = append(partial, body[off:off+int(l)]...)
			off += int(l)
			// A lacing value below 255 terminates the packet.
			if l < 255 {
				packets = append(packets, partial)
				partial = nil
			}
		}
	}
	return packets, nil
}
