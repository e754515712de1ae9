//go:build !onnx

package onnx

import (
	"context"
	"errors"

	"github.com/MrWong99/lullaby/pkg/provider/inference"
)

// ErrNativeUnavailable indicates the ONNX backend is not compiled in.
var ErrNativeUnavailable = errors.New("onnx: backend not available (build with -tags onnx)")

// Available reports that no native backend is compiled in.
func Available() bool { return false }

// Model is a placeholder so callers compile without the onnx tag. It is
// never returned by [New].
type Model struct{}

var _ inference.Inferencer = (*Model)(nil)

// New always fails with [ErrNativeUnavailable] in this build.
func New(_ string, _ ...Option) (*Model, error) {
	return nil, ErrNativeUnavailable
}

func (*Model) Name() string { return "onnx" }
func (*Model) Ready() bool  { return false }
func (*Model) Close() error { return nil }

func (*Model) Infer(context.Context, inference.Tensor) ([]float32, error) {
	return nil, inference.ErrNotReady
}
