// Package inference defines the Inferencer interface for acoustic-state model
// backends.
//
// An Inferencer wraps an opaque trained model (a local ONNX graph, a remote
// TensorFlow Serving endpoint, or a test double) and exposes it as a single
// function from an input tensor to a vector of raw, unnormalised class scores.
// Softmax, label mapping and argmax are the caller's job; the backend never
// needs to know which labels it was trained on.
//
// Implementations must be safe for concurrent use. Backends that cannot run
// concurrent sessions (ONNX Runtime with pre-bound tensors) serialise
// internally.
package inference

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotReady is returned by Infer when the model has not been loaded or the
// remote endpoint is unreachable.
var ErrNotReady = errors.New("inference: model not loaded")

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	// Shape lists the dimension sizes, outermost first
	// (e.g. [1, 124, 129, 1] for a batched single-channel spectrogram).
	Shape []int64

	// Data holds product(Shape) values.
	Data []float32
}

// Len returns the number of elements implied by Shape.
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return int(n)
}

// Validate reports whether Data matches Shape.
func (t Tensor) Validate() error {
	if want := t.Len(); want != len(t.Data) {
		return fmt.Errorf("inference: tensor shape %v needs %d values, have %d", t.Shape, want, len(t.Data))
	}
	return nil
}

// Inferencer runs the classification model.
type Inferencer interface {
	// Name identifies the backend in logs, metrics and the model info endpoint.
	Name() string

	// Ready reports whether the model is loaded and Infer can be expected to
	// succeed. It must be cheap; callers use it for readiness probes.
	Ready() bool

	// Infer returns the raw output scores for one batch-of-one input. The
	// result length must equal the model's output width. Returns [ErrNotReady]
	// (possibly wrapped) when the model is unavailable.
	Infer(ctx context.Context, input Tensor) ([]float32, error)

	// Close releases model resources. Calling Close more than once is safe.
	Close() error
}
