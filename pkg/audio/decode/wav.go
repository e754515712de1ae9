package decode

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"

	"github.com/MrWong99/lullaby/pkg/audio"
)

// WAV format tags.
const (
	wavFormatPCM        = 0x0001
	wavFormatFloat      = 0x0003
	wavFormatExtensible = 0xFFFE
)

// Sample rates a WAV header may declare. Anything outside is treated as a
// corrupt or hostile header.
const (
	MinWAVRate = 1000
	MaxWAVRate = 384000
)

// streamingSize is written by encoders that cannot seek back to patch sizes
// (ffmpeg writing to a pipe).
const streamingSize = 0xFFFFFFFF

// WAV decodes RIFF/WAVE containers holding integer PCM (8, 16, 24 or 32 bit)
// or 32/64-bit float samples. Multichannel input is averaged to mono and the
// result is linearly resampled to the requested rate.
type WAV struct{}

// NewWAV returns the built-in WAV reader.
func NewWAV() *WAV { return &WAV{} }

// Name implements [Decoder].
func (*WAV) Name() string { return "wav" }

// Decode implements [Decoder].
func (*WAV) Decode(_ context.Context, data []byte, rate, maxSamples int) (audio.Waveform, error) {
	samples, format, err := ParseWAV(data)
	if err != nil {
		return audio.Waveform{}, err
	}
	return audio.ToMono(samples, format, rate, maxSamples), nil
}

// wavFmt is the subset of the fmt chunk the reader needs.
type wavFmt struct {
	tag           uint16
	channels      int
	sampleRate    int
	bitsPerSample int
}

// ParseWAV reads a RIFF/WAVE buffer and returns its interleaved samples as
// float32 together with the stored format. Errors wrap [ErrUnsupported].
func ParseWAV(data []byte) ([]float32, audio.Format, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, audio.Format{}, unsupported("wav: missing RIFF/WAVE header")
	}

	var (
		f       *wavFmt
		payload []byte
	)
	pos := 12
	for pos+8 <= len(data) && payload == nil {
		id := string(data[pos : pos+4])
		size := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		pos += 8
		remaining := len(data) - pos

		n := int(size)
		if size == streamingSize || n > remaining || (id == "data" && n == 0) {
			n = remaining
		}
		body := data[pos : pos+n]

		switch id {
		case "fmt ":
			parsed, err := parseFmt(body)
			if err != nil {
				return nil, audio.Format{}, err
			}
			f = parsed
		case "data":
			if f == nil {
				return nil, audio.Format{}, unsupported("wav: data chunk before fmt chunk")
			}
			payload = body
		}

		// Chunks are word aligned.
		pos += n + n%2
	}

	if f == nil {
		return nil, audio.Format{}, unsupported("wav: no fmt chunk")
	}
	if len(payload) == 0 {
		return nil, audio.Format{}, unsupported("wav: no sample data")
	}

	samples, err := f.convert(payload)
	if err != nil {
		return nil, audio.Format{}, err
	}
	if len(samples) < f.channels {
		return nil, audio.Format{}, unsupported("wav: sample data shorter than one frame")
	}
	return samples, audio.Format{SampleRate: f.sampleRate, Channels: f.channels}, nil
}

func parseFmt(body []byte) (*wavFmt, error) {
	if len(body) < 16 {
		return nil, unsupported("wav: fmt chunk too short (%d bytes)", len(body))
	}
	f := &wavFmt{
		tag:           binary.LittleEndian.Uint16(body[0:2]),
		channels:      int(binary.LittleEndian.Uint16(body[2:4])),
		sampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
		bitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
	}
	if f.tag == wavFormatExtensible {
		// cbSize(2) validBits(2) channelMask(4) then the sub-format GUID whose
		// first two bytes carry the real format tag.
		if len(body) < 26 {
			return nil, unsupported("wav: extensible fmt chunk too short")
		}
		f.tag = binary.LittleEndian.Uint16(body[24:26])
	}
	if f.channels <= 0 {
		return nil, unsupported("wav: invalid channel count %d", f.channels)
	}
	if f.sampleRate < MinWAVRate || f.sampleRate > MaxWAVRate {
		return nil, unsupported("wav: sample rate %d outside [%d, %d]", f.sampleRate, MinWAVRate, MaxWAVRate)
	}
	return f, nil
}

func (f *wavFmt) convert(payload []byte) ([]float32, error) {
	switch f.tag {
	case wavFormatPCM:
		switch f.bitsPerSample {
		case 8:
			return audio.PCM8ToFloat32(payload), nil
		case 16:
			return audio.PCM16ToFloat32(payload), nil
		case 24:
			return audio.PCM24ToFloat32(payload), nil
		case 32:
			return audio.PCM32ToFloat32(payload), nil
		}
	case wavFormatFloat:
		switch f.bitsPerSample {
		case 32:
			return audio.Float32LE(payload), nil
		case 64:
			n := len(payload) / 8
			out := make([]float32, n)
			for i := range n {
				out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(payload[i*8:])))
			}
			return out, nil
		}
	default:
		return nil, unsupported("wav: format tag 0x%04x not supported", f.tag)
	}
	return nil, unsupported("wav: %d-bit samples not supported for format tag 0x%04x", f.bitsPerSample, f.tag)
}

// EncodePCM16 renders a mono waveform as a 16-bit PCM WAV file. Samples are
// clamped to [-1, 1].
func EncodePCM16(w audio.Waveform) []byte {
	dataLen := len(w.Samples) * 2
	buf := make([]byte, 44+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(w.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(w.SampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range w.Samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(int16(math.Round(v*32767))))
	}
	return buf
}
