package classify

import (
	"fmt"
	"math"
	"math/bits"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/MrWong99/lullaby/pkg/provider/inference"
)

// Normalize returns exactly n samples: the first n of samples, or samples
// followed by zeros. The input is never modified.
func Normalize(samples []float32, n int) []float32 {
	out := make([]float32, n)
	copy(out, samples)
	return out
}

// FFTLength returns the smallest power of two >= frameLength.
func FFTLength(frameLength int) int {
	if frameLength <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(frameLength-1))
}

// SpectrogramShape returns the (frames, bins) a waveform of n samples
// produces.
func SpectrogramShape(n, frameLength, frameStep int) (frames, bins int) {
	if n < frameLength || frameStep <= 0 {
		return 0, FFTLength(frameLength)/2 + 1
	}
	return 1 + (n-frameLength)/frameStep, FFTLength(frameLength)/2 + 1
}

// Spectrogram computes the STFT magnitude of samples with a periodic Hann
// window of frameLength, hop frameStep and an FFT length rounded up to a
// power of two. Frames that would run past the end are not emitted.
//
// The result has shape [1, frames, bins, 1]: a batch of one single-channel
// time-frequency image, ready for [inference.Inferencer.Infer].
func Spectrogram(samples []float32, frameLength, frameStep int) (inference.Tensor, error) {
	if frameLength <= 0 || frameStep <= 0 {
		return inference.Tensor{}, fmt.Errorf("classify: invalid STFT frame %d / step %d", frameLength, frameStep)
	}
	frames, bins := SpectrogramShape(len(samples), frameLength, frameStep)
	if frames == 0 {
		return inference.Tensor{}, fmt.Errorf("classify: %d samples is shorter than one %d-sample frame", len(samples), frameLength)
	}

	fftLen := FFTLength(frameLength)
	fft := fourier.NewFFT(fftLen)
	window := hannPeriodic(frameLength)

	buf := make([]float64, fftLen)
	coeffs := make([]complex128, bins)
	data := make([]float32, frames*bins)

	for f := range frames {
		start := f * frameStep
		for i := range frameLength {
			buf[i] = float64(samples[start+i]) * window[i]
		}
		// buf[frameLength:] stays zero.
		coeffs = fft.Coefficients(coeffs, buf)
		row := data[f*bins : (f+1)*bins]
		for k, c := range coeffs {
			row[k] = float32(math.Hypot(real(c), imag(c)))
		}
	}

	return inference.Tensor{
		Shape: []int64{1, int64(frames), int64(bins), 1},
		Data:  data,
	}, nil
}

// hannPeriodic returns the periodic Hann window of length n, the variant
// used for spectral analysis (DFT-even: w[k] = 0.5 - 0.5*cos(2πk/n)).
func hannPeriodic(n int) []float64 {
	w := make([]float64, n)
	for k := range n {
		w[k] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(k)/float64(n))
	}
	return w
}

// Softmax converts raw scores to a probability distribution. It subtracts
// the maximum before exponentiation so large logits do not overflow. Scores
// must be finite; a NaN or infinity poisons every output.
func Softmax(scores []float32) []float64 {
	if len(scores) == 0 {
		return nil
	}
	maxScore := math.Inf(-1)
	for _, s := range scores {
		maxScore = max(maxScore, float64(s))
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(float64(s) - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Argmax returns the index of the largest value, preferring the first on
// ties, or -1 for an empty slice.
func Argmax(values []float64) int {
	best := -1
	for i, v := range values {
		if best < 0 || v > values[best] {
			best = i
		}
	}
	return best
}
