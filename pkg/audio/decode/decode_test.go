package decode

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os/exec"
	"strings"
	"testing"

	"github.com/MrWong99/lullaby/pkg/audio"
)

// ── Helpers ──────────────────────────────────────────────────────────────────

// sine returns n samples of a 440 Hz tone at the given rate.
func sine(n, rate int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

// wavBytes builds a WAV file by hand so tests can cover layouts EncodePCM16
// never produces.
func wavBytes(tag uint16, channels, rate, bits int, payload []byte, extensible bool) []byte {
	fmtLen := 16
	if extensible {
		fmtLen = 40
	}
	buf := make([]byte, 0, 12+8+fmtLen+8+len(payload))
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(4+8+fmtLen+8+len(payload)))
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(fmtLen))
	if extensible {
		buf = binary.LittleEndian.AppendUint16(buf, wavFormatExtensible)
	} else {
		buf = binary.LittleEndian.AppendUint16(buf, tag)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rate*channels*bits/8))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(channels*bits/8))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(bits))
	if extensible {
		buf = binary.LittleEndian.AppendUint16(buf, 22)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(bits))
		buf = binary.LittleEndian.AppendUint32(buf, 0)
		guid := make([]byte, 16)
		binary.LittleEndian.PutUint16(guid, tag)
		buf = append(buf, guid...)
	}
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

// fakeDecoder returns a fixed outcome and counts calls.
type fakeDecoder struct {
	name  string
	err   error
	calls int
}

func (f *fakeDecoder) Name() string { return f.name }

func (f *fakeDecoder) Decode(_ context.Context, _ []byte, rate, _ int) (audio.Waveform, error) {
	f.calls++
	if f.err != nil {
		return audio.Waveform{}, f.err
	}
	return audio.Waveform{Samples: []float32{0.1}, SampleRate: rate}, nil
}

// ── Chain ────────────────────────────────────────────────────────────────────

func TestChain_FirstSuccessWins(t *testing.T) {
	t.Parallel()
	a := &fakeDecoder{name: "a", err: unsupported("nope")}
	b := &fakeDecoder{name: "b"}
	c := &fakeDecoder{name: "c"}

	res, err := NewChain(a, b, c).Decode(context.Background(), []byte("x"), 16000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decoder != "b" {
		t.Errorf("decoder = %q, want b", res.Decoder)
	}
	if c.calls != 0 {
		t.Errorf("decoder c called %d times, want 0", c.calls)
	}
}

func TestChain_AllFail(t *testing.T) {
	t.Parallel()
	a := &fakeDecoder{name: "a", err: unsupported("first cause")}
	b := &fakeDecoder{name: "b", err: unsupported("last cause")}

	_, err := NewChain(a, b).Decode(context.Background(), nil, 16000, 0)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected wrapped ErrUnsupported, got %v", err)
	}
	if !strings.Contains(err.Error(), "last cause") || !strings.Contains(err.Error(), "first cause") {
		t.Errorf("error should mention every cause, got %q", err)
	}
}

func TestChain_NonRecoverableStops(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	a := &fakeDecoder{name: "a", err: boom}
	b := &fakeDecoder{name: "b"}

	_, err := NewChain(a, b).Decode(context.Background(), nil, 16000, 0)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if errors.Is(err, ErrExhausted) {
		t.Error("non-recoverable error should not be reported as exhaustion")
	}
	if b.calls != 0 {
		t.Errorf("decoder b called %d times, want 0", b.calls)
	}
}

func TestChain_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := &fakeDecoder{name: "a"}

	_, err := NewChain(a).Decode(ctx, nil, 16000, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if a.calls != 0 {
		t.Errorf("decoder called %d times after cancellation", a.calls)
	}
}

func TestChain_Empty(t *testing.T) {
	t.Parallel()
	_, err := NewChain().Decode(context.Background(), nil, 16000, 0)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestDefault_Order(t *testing.T) {
	t.Parallel()
	got := strings.Join(Default("").Names(), ",")
	if got != "opus,ffmpeg,ffmpeg-wav,wav" {
		t.Errorf("Names() = %q", got)
	}
}

func TestDefault_DecodesWAVWithoutFFmpeg(t *testing.T) {
	t.Parallel()
	wav := EncodePCM16(audio.Waveform{Samples: sine(8000, 8000), SampleRate: 8000})

	res, err := Default("lullaby-no-such-ffmpeg").Decode(context.Background(), wav, 16000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Decoder != "wav" {
		t.Errorf("decoder = %q, want wav", res.Decoder)
	}
	if len(res.Waveform.Samples) != 16000 {
		t.Errorf("samples = %d, want 16000", len(res.Waveform.Samples))
	}
}

// ── WAV ──────────────────────────────────────────────────────────────────────

func TestWAV_RoundTrip16(t *testing.T) {
	t.Parallel()
	in := sine(1600, 16000)
	w, err := NewWAV().Decode(context.Background(), EncodePCM16(audio.Waveform{Samples: in, SampleRate: 16000}), 16000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.Samples) != len(in) {
		t.Fatalf("samples = %d, want %d", len(w.Samples), len(in))
	}
	for i := range in {
		if d := math.Abs(float64(w.Samples[i] - in[i])); d > 1e-3 {
			t.Fatalf("sample %d differs by %v", i, d)
		}
	}
}

func TestParseWAV_Formats(t *testing.T) {
	t.Parallel()

	pcm8 := []byte{128, 0, 255, 128}
	pcm16Stereo := make([]byte, 8)
	binary.LittleEndian.PutUint16(pcm16Stereo[0:], uint16(16384))
	binary.LittleEndian.PutUint16(pcm16Stereo[2:], uint16(16384))
	neg := int16(-16384)
	binary.LittleEndian.PutUint16(pcm16Stereo[4:], uint16(neg))
	binary.LittleEndian.PutUint16(pcm16Stereo[6:], uint16(neg))
	pcm32 := make([]byte, 4)
	binary.LittleEndian.PutUint32(pcm32, uint32(1<<30))
	float32le := make([]byte, 4)
	binary.LittleEndian.PutUint32(float32le, math.Float32bits(0.25))
	float64le := make([]byte, 8)
	binary.LittleEndian.PutUint64(float64le, math.Float64bits(-0.5))

	tests := []struct {
		name     string
		data     []byte
		channels int
		want     []float32
	}{
		{"uint8", wavBytes(wavFormatPCM, 1, 8000, 8, pcm8, false), 1, []float32{0, -1, 127.0 / 128, 0}},
		{"int16 stereo", wavBytes(wavFormatPCM, 2, 8000, 16, pcm16Stereo, false), 2, []float32{0.5, 0.5, -0.5, -0.5}},
		{"int32", wavBytes(wavFormatPCM, 1, 8000, 32, pcm32, false), 1, []float32{0.5}},
		{"float32", wavBytes(wavFormatFloat, 1, 8000, 32, float32le, false), 1, []float32{0.25}},
		{"float64", wavBytes(wavFormatFloat, 1, 8000, 64, float64le, false), 1, []float32{-0.5}},
		{"extensible int16", wavBytes(wavFormatPCM, 2, 8000, 16, pcm16Stereo, true), 2, []float32{0.5, 0.5, -0.5, -0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples, format, err := ParseWAV(tt.data)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if format.Channels != tt.channels || format.SampleRate != 8000 {
				t.Errorf("format = %v, want %dch 8000Hz", format, tt.channels)
			}
			if len(samples) != len(tt.want) {
				t.Fatalf("samples = %v, want %v", samples, tt.want)
			}
			for i := range tt.want {
				if math.Abs(float64(samples[i]-tt.want[i])) > 1e-6 {
					t.Errorf("sample %d = %v, want %v", i, samples[i], tt.want[i])
				}
			}
		})
	}
}

func TestWAV_TinyRateHeaderIsRejected(t *testing.T) {
	t.Parallel()
	// 4 KiB of 8-bit samples claiming 1 Hz would resample to 65M samples.
	data := wavBytes(wavFormatPCM, 1, 1, 8, bytes.Repeat([]byte{128}, 4096), false)

	_, err := NewWAV().Decode(context.Background(), data, 16000, 16000)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestWAV_OutputBoundedByMaxSamples(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		rate int
	}{
		{"lowest accepted rate", MinWAVRate},
		{"same rate", 16000},
		{"downsample", 48000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// Five seconds of audio at the stored rate.
			data := EncodePCM16(audio.Waveform{Samples: sine(5*tt.rate, tt.rate), SampleRate: tt.rate})

			w, err := NewWAV().Decode(context.Background(), data, 16000, 16000)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(w.Samples) != 16000 {
				t.Errorf("samples = %d, want 16000", len(w.Samples))
			}
		})
	}
}

func TestChain_PassesMaxSamples(t *testing.T) {
	t.Parallel()
	data := EncodePCM16(audio.Waveform{Samples: sine(3*8000, 8000), SampleRate: 8000})

	res, err := NewChain(NewOpus(), NewWAV()).Decode(context.Background(), data, 16000, 4000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(res.Waveform.Samples); got != 4000 {
		t.Errorf("samples = %d, want 4000", got)
	}
}

func TestDurationArg(t *testing.T) {
	t.Parallel()
	tests := []struct {
		n, rate int
		want    string
	}{
		{16000, 16000, "1.000"},
		{16001, 16000, "1.001"},
		{8000, 44100, "0.182"},
	}
	for _, tt := range tests {
		if got := durationArg(tt.n, tt.rate); got != tt.want {
			t.Errorf("durationArg(%d, %d) = %q, want %q", tt.n, tt.rate, got, tt.want)
		}
	}
}

func TestCappedBuffer(t *testing.T) {
	t.Parallel()
	b := &cappedBuffer{limit: 5}
	for _, chunk := range []string{"abc", "defg", "hij"} {
		n, err := b.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("Write(%q) = %d, %v", chunk, n, err)
		}
	}
	if got := b.buf.String(); got != "abcde" {
		t.Errorf("buffer = %q, want abcde", got)
	}
}

func TestWAV_StereoAveraged(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:], uint16(16384))
	binary.LittleEndian.PutUint16(payload[2:], 0)

	w, err := NewWAV().Decode(context.Background(), wavBytes(wavFormatPCM, 2, 16000, 16, payload, false), 16000, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.Samples) != 1 || math.Abs(float64(w.Samples[0])-0.25) > 1e-6 {
		t.Errorf("samples = %v, want [0.25]", w.Samples)
	}
}

func TestParseWAV_StreamingSizes(t *testing.T) {
	t.Parallel()
	data := EncodePCM16(audio.Waveform{Samples: sine(100, 16000), SampleRate: 16000})
	// Mimic ffmpeg writing to a pipe: sizes it could not patch.
	binary.LittleEndian.PutUint32(data[4:8], streamingSize)
	binary.LittleEndian.PutUint32(data[40:44], streamingSize)

	samples, _, err := ParseWAV(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(samples) != 100 {
		t.Errorf("samples = %d, want 100", len(samples))
	}
}

func TestParseWAV_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("this is not a wav file at all")},
		{"no data", wavBytes(wavFormatPCM, 1, 8000, 16, nil, false)[:36]},
		{"alaw", wavBytes(0x0006, 1, 8000, 8, []byte{1, 2}, false)},
		{"12-bit", wavBytes(wavFormatPCM, 1, 8000, 12, []byte{1, 2}, false)},
		{"zero channels", wavBytes(wavFormatPCM, 0, 8000, 16, []byte{1, 2}, false)},
		{"1 Hz", wavBytes(wavFormatPCM, 1, 1, 8, []byte{1, 2}, false)},
		{"above 384 kHz", wavBytes(wavFormatPCM, 1, MaxWAVRate+1, 8, []byte{1, 2}, false)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseWAV(tt.data)
			if !errors.Is(err, ErrUnsupported) {
				t.Errorf("expected ErrUnsupported, got %v", err)
			}
		})
	}
}

// ── Opus ─────────────────────────────────────────────────────────────────────

// oggPage builds one Ogg page holding the given packets. Packets longer than
// 255 bytes are laced across segments.
func oggPage(serial uint32, seq uint32, packets ...[]byte) []byte {
	var lacing []byte
	var body []byte
	for _, p := range packets {
		n := len(p)
		for n >= 255 {
			lacing = append(lacing, 255)
			n -= 255
		}
		lacing = append(lacing, byte(n))
		body = append(body, p...)
	}
	page := make([]byte, 27, 27+len(lacing)+len(body))
	copy(page, "OggS")
	binary.LittleEndian.PutUint32(page[14:], serial)
	binary.LittleEndian.PutUint32(page[18:], seq)
	page[26] = byte(len(lacing))
	page = append(page, lacing...)
	return append(page, body...)
}

func TestOggPackets(t *testing.T) {
	t.Parallel()
	long := make([]byte, 600)
	for i := range long {
		long[i] = byte(i)
	}
	data := append(oggPage(7, 0, []byte("first")), oggPage(9, 0, []byte("other stream"))...)
	data = append(data, oggPage(7, 1, long, []byte("third"))...)

	packets, err := oggPackets(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packets) != 3 {
		t.Fatalf("packets = %d, want 3", len(packets))
	}
	if string(packets[0]) != "first" || string(packets[2]) != "third" {
		t.Errorf("unexpected packets: %q, %q", packets[0], packets[2])
	}
	if len(packets[1]) != 600 || packets[1][599] != long[599] {
		t.Errorf("laced packet not reassembled: len %d", len(packets[1]))
	}
}

func TestOpus_RejectsNonOgg(t *testing.T) {
	t.Parallel()
	_, err := NewOpus().Decode(context.Background(), EncodePCM16(audio.Waveform{Samples: sine(10, 16000), SampleRate: 16000}), 16000, 0)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestOpus_RejectsOggVorbis(t *testing.T) {
	t.Parallel()
	data := oggPage(1, 0, []byte("\x01vorbis-header-packet"))
	_, err := NewOpus().Decode(context.Background(), data, 16000, 0)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

// ── FFmpeg ───────────────────────────────────────────────────────────────────

func TestFFmpeg_MissingBinary(t *testing.T) {
	t.Parallel()
	for _, d := range []Decoder{NewFFmpeg("lullaby-no-such-ffmpeg"), NewFFmpegWAV("lullaby-no-such-ffmpeg")} {
		_, err := d.Decode(context.Background(), []byte("x"), 16000, 0)
		if !errors.Is(err, ErrUnsupported) {
			t.Errorf("%s: expected ErrUnsupported, got %v", d.Name(), err)
		}
	}
}

func TestFFmpeg_DecodesWAV(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed, skipping subprocess decode test")
	}
	t.Parallel()
	wav := EncodePCM16(audio.Waveform{Samples: sine(22050, 22050), SampleRate: 22050})

	for _, d := range []Decoder{NewFFmpeg(""), NewFFmpegWAV("")} {
		w, err := d.Decode(context.Background(), wav, 16000, 0)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", d.Name(), err)
		}
		if w.SampleRate != 16000 {
			t.Errorf("%s: rate = %d, want 16000", d.Name(), w.SampleRate)
		}
		if n := len(w.Samples); n < 15900 || n > 16100 {
			t.Errorf("%s: samples = %d, want about 16000", d.Name(), n)
		}
	}
}

func TestFFmpeg_GarbageIsRecoverable(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed, skipping subprocess decode test")
	}
	t.Parallel()
	_, err := NewFFmpeg("").Decode(context.Background(), []byte("definitely not audio"), 16000, 0)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
