package decode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MrWong99/lullaby/pkg/audio"
)

// FFmpeg decodes any container ffmpeg understands (WebM/Opus from browsers,
// MP4/AAC, MP3, ...) by piping the buffer through an ffmpeg subprocess that
// emits mono float32 samples at the target rate.
type FFmpeg struct {
	path string
}

// NewFFmpeg returns an ffmpeg decoder. An empty path means "ffmpeg" on $PATH.
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path}
}

// Name implements [Decoder].
func (*FFmpeg) Name() string { return "ffmpeg" }

// Decode implements [Decoder].
func (d *FFmpeg) Decode(ctx context.Context, data []byte, rate, maxSamples int) (audio.Waveform, error) {
	out, err := runFFmpeg(ctx, d.path, data, rate, maxSamples,
		"-f", "f32le",
		"-acodec", "pcm_f32le",
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
	)
	if err != nil {
		return audio.Waveform{}, err
	}
	samples := audio.Float32LE(out)
	if len(samples) == 0 {
		return audio.Waveform{}, unsupported("ffmpeg: no samples decoded")
	}
	if maxSamples > 0 && len(samples) > maxSamples {
		samples = samples[:maxSamples]
	}
	return audio.Waveform{Samples: samples, SampleRate: rate}, nil
}

// FFmpegWAV first transcodes the buffer into a canonical 16-bit PCM WAV
// container and then reads that container with the built-in WAV parser. It
// succeeds on inputs where ffmpeg can demux but raw float output misbehaves
// (truncated streams, odd codecs).
type FFmpegWAV struct {
	path string
}

// NewFFmpegWAV returns the WAV-intermediate ffmpeg decoder.
func NewFFmpegWAV(path string) *FFmpegWAV {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegWAV{path: path}
}

// Name implements [Decoder].
func (*FFmpegWAV) Name() string { return "ffmpeg-wav" }

// Decode implements [Decoder].
func (d *FFmpegWAV) Decode(ctx context.Context, data []byte, rate, maxSamples int) (audio.Waveform, error) {
	out, err := runFFmpeg(ctx, d.path, data, rate, maxSamples,
		"-f", "wav",
		"-acodec", "pcm_s16le",
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
	)
	if err != nil {
		return audio.Waveform{}, err
	}
	samples, format, err := ParseWAV(out)
	if err != nil {
		return audio.Waveform{}, err
	}
	return audio.ToMono(samples, format, rate, maxSamples), nil
}

// runFFmpeg feeds data to ffmpeg on stdin and returns stdout. With
// maxSamples > 0 the output duration is capped to that many samples at rate
// and stdout past the matching byte budget is discarded. A missing binary or
// a non-zero exit is reported as [ErrUnsupported]; a cancelled context is
// returned as-is.
func runFFmpeg(ctx context.Context, path string, data []byte, rate, maxSamples int, outArgs ...string) ([]byte, error) {
	bin, err := exec.LookPath(path)
	if err != nil {
		return nil, unsupported("ffmpeg not available: %v", err)
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
	}
	stdout := &cappedBuffer{}
	if maxSamples > 0 && rate > 0 {
		args = append(args, "-t", durationArg(maxSamples, rate))
		// f32le is 4 bytes per sample; the WAV header gets headroom.
		stdout.limit = maxSamples*4 + 4096
	}
	args = append(args, outArgs...)
	args = append(args, "pipe:1")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, unsupported("ffmpeg exited with code %d: %s", exitErr.ExitCode(), firstLine(stderr.String()))
		}
		return nil, fmt.Errorf("%w: ffmpeg: %v", ErrUnsupported, err)
	}
	return stdout.buf.Bytes(), nil
}

// durationArg renders n samples at rate as an ffmpeg -t value, rounded up to
// the millisecond.
func durationArg(n, rate int) string {
	ms := (int64(n)*1000 + int64(rate) - 1) / int64(rate)
	return strconv.FormatFloat(float64(ms)/1000, 'f', 3, 64)
}

// cappedBuffer keeps the first limit bytes written to it and silently drops
// the rest. A zero limit keeps everything.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 {
		room := b.limit - b.buf.Len()
		if room <= 0 {
			return len(p), nil
		}
		if len(p) > room {
			b.buf.Write(p[:room])
			return len(p), nil
		}
	}
	return b.buf.Write(p)
}

// firstLine trims ffmpeg's stderr to its first non-empty line.
func firstLine(s string) string {
	for line := range strings.SplitSeq(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "no diagnostic output"
}
