package classify

import (
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []float32
		n    int
	}{
		{"empty", nil, 8},
		{"short", []float32{1, 2, 3}, 8},
		{"exact", []float32{1, 2, 3, 4}, 4},
		{"long", []float32{1, 2, 3, 4, 5, 6}, 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			out := Normalize(tc.in, tc.n)
			if len(out) != tc.n {
				t.Fatalf("len = %d, want %d", len(out), tc.n)
			}
			for i := range tc.n {
				var want float32
				if i < len(tc.in) {
					want = tc.in[i]
				}
				if out[i] != want {
					t.Errorf("out[%d] = %v, want %v", i, out[i], want)
				}
			}
			// Idempotent.
			again := Normalize(out, tc.n)
			for i := range again {
				if again[i] != out[i] {
					t.Fatalf("normalise not idempotent at %d", i)
				}
			}
		})
	}
}

func TestNormalize_DoesNotAlias(t *testing.T) {
	t.Parallel()
	in := []float32{1, 2, 3, 4}
	out := Normalize(in, 4)
	out[0] = 99
	if in[0] != 1 {
		t.Error("Normalize modified its input")
	}
}

func TestFFTLength(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct{ in, want int }{
		{1, 1}, {2, 2}, {3, 4}, {255, 256}, {256, 256}, {257, 512},
	} {
		if got := FFTLength(tc.in); got != tc.want {
			t.Errorf("FFTLength(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestSpectrogram_ModelShape(t *testing.T) {
	t.Parallel()
	samples := make([]float32, DefaultNumSamples)
	sg, err := Spectrogram(samples, DefaultFrameLength, DefaultFrameStep)
	if err != nil {
		t.Fatalf("Spectrogram: %v", err)
	}
	want := []int64{1, 124, 129, 1}
	if len(sg.Shape) != 4 {
		t.Fatalf("shape = %v, want %v", sg.Shape, want)
	}
	for i := range want {
		if sg.Shape[i] != want[i] {
			t.Fatalf("shape = %v, want %v", sg.Shape, want)
		}
	}
	if err := sg.Validate(); err != nil {
		t.Fatal(err)
	}
	for i, v := range sg.Data {
		if v != 0 {
			t.Fatalf("silence produced non-zero magnitude %v at %d", v, i)
		}
	}
}

func TestSpectrogram_SinePeak(t *testing.T) {
	t.Parallel()
	// Bin 32 of a 256-point FFT at 16 kHz is 2 kHz.
	const (
		rate = 16000
		freq = 2000.0
		bin  = 32
	)
	samples := make([]float32, rate)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / rate))
	}
	sg, err := Spectrogram(samples, DefaultFrameLength, DefaultFrameStep)
	if err != nil {
		t.Fatalf("Spectrogram: %v", err)
	}
	bins := int(sg.Shape[2])
	for _, frame := range []int{0, 60, 123} {
		row := sg.Data[frame*bins : (frame+1)*bins]
		peak := 0
		for k := range row {
			if row[k] > row[peak] {
				peak = k
			}
		}
		if peak != bin {
			t.Errorf("frame %d: peak bin = %d, want %d", frame, peak, bin)
		}
	}
}

func TestSpectrogram_Errors(t *testing.T) {
	t.Parallel()
	if _, err := Spectrogram(make([]float32, 100), 255, 128); err == nil {
		t.Error("expected error for input shorter than one frame")
	}
	if _, err := Spectrogram(make([]float32, 1000), 0, 128); err == nil {
		t.Error("expected error for zero frame length")
	}
	if _, err := Spectrogram(make([]float32, 1000), 255, 0); err == nil {
		t.Error("expected error for zero step")
	}
}

func TestHannPeriodic(t *testing.T) {
	t.Parallel()
	w := hannPeriodic(255)
	if w[0] != 0 {
		t.Errorf("w[0] = %v, want 0", w[0])
	}
	for k := 1; k < 255; k++ {
		if math.Abs(w[k]-w[255-k]) > 1e-12 {
			t.Fatalf("w[%d]=%v != w[%d]=%v", k, w[k], 255-k, w[255-k])
		}
	}
}

func TestSoftmax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		scores []float32
	}{
		{"uniform", []float32{0, 0, 0, 0, 0}},
		{"peaked", []float32{5, 1, 0, -1, -3}},
		{"huge logits", []float32{1000, 999, 10, 0, -1000}},
		{"single", []float32{3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := Softmax(tc.scores)
			var sum float64
			for _, v := range p {
				if math.IsNaN(v) || v < 0 || v > 1 {
					t.Fatalf("invalid probability %v in %v", v, p)
				}
				sum += v
			}
			if math.Abs(sum-1) > 1e-4 {
				t.Errorf("sum = %v, want 1", sum)
			}
		})
	}

	if Softmax(nil) != nil {
		t.Error("Softmax(nil) should be nil")
	}
}

func TestArgmax(t *testing.T) {
	t.Parallel()
	if got := Argmax(nil); got != -1 {
		t.Errorf("Argmax(nil) = %d, want -1", got)
	}
	if got := Argmax([]float64{0.1, 0.5, 0.5, 0.2}); got != 1 {
		t.Errorf("Argmax tie = %d, want first index 1", got)
	}
	if got := Argmax([]float64{-3, -1, -2}); got != 1 {
		t.Errorf("Argmax negatives = %d, want 1", got)
	}
}
