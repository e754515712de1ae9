// Package decode turns encoded audio byte buffers into mono float32 waveforms.
//
// Each [Decoder] handles one strategy (native Ogg/Opus, an ffmpeg transcode,
// a plain RIFF/WAV reader, ...). A [Chain] tries decoders in order and stops
// at the first success. A decoder that cannot handle the input returns an
// error wrapping [ErrUnsupported] so the chain moves on; any other error
// (notably context cancellation) aborts the chain.
package decode

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/lullaby/pkg/audio"
)

// ErrUnsupported marks a recoverable decode failure: the decoder could not
// make sense of the input, but another decoder might.
var ErrUnsupported = errors.New("decode: unsupported input")

// ErrExhausted is returned by [Chain.Decode] when every decoder failed.
var ErrExhausted = errors.New("decode: all decoders failed")

// Decoder converts an encoded buffer to a mono waveform at the requested
// sample rate. Implementations must be safe for concurrent use.
//
// maxSamples bounds the decoded length: a decoder stops once it has that many
// output samples and never allocates for more. maxSamples <= 0 means no
// limit.
type Decoder interface {
	// Name identifies the decoder in logs and metrics.
	Name() string

	// Decode returns a mono waveform resampled to rate, at most maxSamples
	// long. Errors that another decoder could recover from must wrap
	// [ErrUnsupported].
	Decode(ctx context.Context, data []byte, rate, maxSamples int) (audio.Waveform, error)
}

// Result is a successful chain decode.
type Result struct {
	Waveform audio.Waveform

	// Decoder is the Name of the decoder that produced Waveform.
	Decoder string
}

// Chain is an ordered list of decoders tried until one succeeds.
type Chain struct {
	decoders []Decoder
}

// NewChain returns a chain trying decoders in the given order.
func NewChain(decoders ...Decoder) *Chain {
	d := make([]Decoder, len(decoders))
	copy(d, decoders)
	return &Chain{decoders: d}
}

// Default returns the standard order: native Ogg/Opus, ffmpeg to raw float,
// ffmpeg to a PCM WAV container, then the built-in WAV reader.
func Default(ffmpegPath string) *Chain {
	return NewChain(
		NewOpus(),
		NewFFmpeg(ffmpegPath),
		NewFFmpegWAV(ffmpegPath),
		NewWAV(),
	)
}

// Names lists the decoder names in order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.decoders))
	for i, d := range c.decoders {
		names[i] = d.Name()
	}
	return names
}

// Decode runs the chain. On success it reports which decoder was used. When
// every decoder fails the error wraps [ErrExhausted] and joins the
// per-decoder causes in order, so the last one is the final fallback's.
func (c *Chain) Decode(ctx context.Context, data []byte, rate, maxSamples int) (Result, error) {
	if len(c.decoders) == 0 {
		return Result{}, fmt.Errorf("%w: no decoders configured", ErrExhausted)
	}

	var errs []error
	for _, d := range c.decoders {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		w, err := d.Decode(ctx, data, rate, maxSamples)
		if err == nil {
			return Result{Waveform: w, Decoder: d.Name()}, nil
		}
		if !errors.Is(err, ErrUnsupported) {
			return Result{}, fmt.Errorf("decode: %s: %w", d.Name(), err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
	}
	return Result{}, fmt.Errorf("%w: %w", ErrExhausted, errors.Join(errs...))
}

// unsupported wraps a formatted cause in [ErrUnsupported].
func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}
