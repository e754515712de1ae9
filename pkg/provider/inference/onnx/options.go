// Package onnx runs the classification model locally through ONNX Runtime.
//
// The native backend is only compiled with the "onnx" build tag because it
// links against the ONNX Runtime shared library via cgo:
//
//	go build -tags onnx ./cmd/lullaby
//
// Without the tag, [New] returns [ErrNativeUnavailable] and [Available]
// reports false, so a default build still starts and falls back to any other
// configured backend.
//
// The shared library is located via LULLABY_ORT_LIB_PATH, or
// lib/<goos>-<goarch>/ next to the executable.
package onnx

// Defaults match a spectrogram model exported from Keras with the default
// tf2onnx tensor names.
const (
	DefaultInputName  = "input"
	DefaultOutputName = "output"
)

// DefaultInputShape is a batch of one 124×129 single-channel spectrogram.
var DefaultInputShape = []int64{1, 124, 129, 1}

type config struct {
	inputName   string
	outputName  string
	inputShape  []int64
	outputWidth int
}

// Option configures a Model.
type Option func(*config)

// WithInputName sets the graph's input tensor name.
func WithInputName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.inputName = name
		}
	}
}

// WithOutputName sets the graph's output tensor name.
func WithOutputName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.outputName = name
		}
	}
}

// WithInputShape overrides the fixed input shape.
func WithInputShape(shape ...int64) Option {
	return func(c *config) {
		if len(shape) > 0 {
			c.inputShape = append([]int64(nil), shape...)
		}
	}
}

// WithOutputWidth sets the number of classes the model emits.
func WithOutputWidth(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.outputWidth = n
		}
	}
}

func newConfig(opts []Option) config {
	c := config{
		inputName:   DefaultInputName,
		outputName:  DefaultOutputName,
		inputShape:  append([]int64(nil), DefaultInputShape...),
		outputWidth: 5,
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}
