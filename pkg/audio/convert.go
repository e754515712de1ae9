package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Integer PCM full-scale divisors.
const (
	scale8  = 128.0
	scale16 = 32768.0
	scale32 = 2147483648.0
)

// PCM8ToFloat32 converts unsigned 8-bit PCM to float32. Unsigned samples are
// centred on 128, so the result is (x-128)/128.
func PCM8ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm))
	for i, b := range pcm {
		out[i] = float32((float64(b) - scale8) / scale8)
	}
	return out
}

// PCM16ToFloat32 converts little-endian int16 PCM to float32 in [-1, 1).
// A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(float64(s) / scale16)
	}
	return out
}

// PCM24ToFloat32 converts little-endian packed 24-bit PCM to float32.
func PCM24ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 3
	out := make([]float32, n)
	for i := range n {
		v := int32(pcm[i*3]) | int32(pcm[i*3+1])<<8 | int32(int8(pcm[i*3+2]))<<16
		out[i] = float32(float64(v) / 8388608.0)
	}
	return out
}

// PCM32ToFloat32 converts little-endian int32 PCM to float32.
func PCM32ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 4
	out := make([]float32, n)
	for i := range n {
		s := int32(binary.LittleEndian.Uint32(pcm[i*4:]))
		out[i] = float32(float64(s) / scale32)
	}
	return out
}

// Float32LE reinterprets little-endian IEEE-754 bytes as float32 samples.
// This is the layout ffmpeg emits for -f f32le.
func Float32LE(raw []byte) []float32 {
	n := len(raw) / 4
	out := make([]float32, n)
	for i := range n {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// Int16ToFloat32 converts decoded int16 samples (e.g. Opus output) to float32.
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(float64(s) / scale16)
	}
	return out
}

// DownmixFloat32 averages interleaved channels into a mono signal. With
// channels <= 1 the input is returned unchanged. A trailing partial frame
// is dropped.
func DownmixFloat32(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float64
		for c := range channels {
			sum += float64(samples[i*channels+c])
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}

// ResampleFloat32 resamples a mono signal from srcRate to dstRate using linear
// interpolation. If the rates match, or either is invalid, the input is
// returned unchanged.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	return ResampleFloat32Limit(samples, srcRate, dstRate, 0)
}

// ResampleFloat32Limit is [ResampleFloat32] producing at most maxLen output
// samples. maxLen <= 0 means no limit.
func ResampleFloat32Limit(samples []float32, srcRate, dstRate, maxLen int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		if maxLen > 0 && len(samples) > maxLen {
			return samples[:maxLen]
		}
		return samples
	}
	dstLen := int64(len(samples)) * int64(dstRate) / int64(srcRate)
	if maxLen > 0 {
		dstLen = min(dstLen, int64(maxLen))
	}
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1

	for i := range out {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		if idx > last {
			idx = last
		}
		frac := srcPos - float64(idx)

		s0 := float64(samples[idx])
		s1 := s0
		if idx+1 <= last {
			s1 = float64(samples[idx+1])
		}
		out[i] = float32(s0*(1-frac) + s1*frac)
	}
	return out
}

// FramesFor returns how many source frames at srcRate are needed to produce
// n samples at dstRate, including one frame of interpolation headroom.
func FramesFor(n, srcRate, dstRate int) int {
	if n <= 0 || srcRate <= 0 || dstRate <= 0 {
		return 0
	}
	return int((int64(n)*int64(srcRate)+int64(dstRate)-1)/int64(dstRate)) + 1
}

// ToMono converts interleaved samples in the given format to a mono waveform
// at dstRate holding at most maxSamples samples (maxSamples <= 0 means no
// limit). Input past what the limit needs is ignored, and downmixing happens
// before resampling so only one channel is interpolated.
func ToMono(samples []float32, src Format, dstRate, maxSamples int) Waveform {
	if need := FramesFor(maxSamples, src.SampleRate, dstRate) * max(src.Channels, 1); need > 0 && need < len(samples) {
		samples = samples[:need]
	}
	mono := DownmixFloat32(samples, src.Channels)
	return Waveform{
		Samples:    ResampleFloat32Limit(mono, src.SampleRate, dstRate, maxSamples),
		SampleRate: dstRate,
	}
}

// String returns a human-readable format, e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
