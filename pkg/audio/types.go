// Package audio holds the sample-level types and conversions shared by the
// decoders and the classification pipeline.
//
// All waveforms are mono float32 in the range [-1, 1]. Helpers here convert
// from the integer PCM layouts found in WAV containers and Opus output.
package audio

import "time"

// Waveform is a decoded mono signal.
type Waveform struct {
	// Samples are normalised to [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for the classifier input).
	SampleRate int
}

// Duration returns the playback length of w. A waveform with no sample rate
// has zero duration.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// Format describes the sample rate and channel count of a raw stream.
type Format struct {
	SampleRate int
	Channels   int
}
