package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/lullaby/pkg/provider/inference"
)

// InferenceFallback implements [inference.Inferencer] with failover across
// several backends, each behind its own circuit breaker.
type InferenceFallback struct {
	group *FallbackGroup[inference.Inferencer]
}

// Compile-time interface assertion.
var _ inference.Inferencer = (*InferenceFallback)(nil)

// NewInferenceFallback creates an [InferenceFallback] with primary as the
// preferred backend.
func NewInferenceFallback(primary inference.Inferencer, cfg FallbackConfig) *InferenceFallback {
	return &InferenceFallback{
		group: NewFallbackGroup(primary.Name(), primary, cfg),
	}
}

// AddFallback registers another backend, tried after those already added.
func (f *InferenceFallback) AddFallback(backend inference.Inferencer) {
	f.group.AddFallback(backend.Name(), backend)
}

// Name joins the backend names, e.g. "onnx+tfserving".
func (f *InferenceFallback) Name() string {
	var names []string
	f.group.Each(func(name string, _ inference.Inferencer, _ State) {
		names = append(names, name)
	})
	return strings.Join(names, "+")
}

// Ready reports whether any backend is ready.
func (f *InferenceFallback) Ready() bool {
	ready := false
	f.group.Each(func(_ string, b inference.Inferencer, _ State) {
		ready = ready || b.Ready()
	})
	return ready
}

// Infer runs the first backend that succeeds.
func (f *InferenceFallback) Infer(ctx context.Context, input inference.Tensor) ([]float32, error) {
	return Execute(ctx, f.group, func(ctx context.Context, b inference.Inferencer) ([]float32, error) {
		return b.Infer(ctx, input)
	})
}

// Close closes every backend and joins their errors.
func (f *InferenceFallback) Close() error {
	var errs []error
	f.group.Each(func(_ string, b inference.Inferencer, _ State) {
		errs = append(errs, b.Close())
	})
	return errors.Join(errs...)
}

// States returns each backend's breaker state keyed by backend name.
func (f *InferenceFallback) States() map[string]State {
	out := make(map[string]State, f.group.Len())
	f.group.Each(func(name string, _ inference.Inferencer, s State) {
		out[name] = s
	})
	return out
}
