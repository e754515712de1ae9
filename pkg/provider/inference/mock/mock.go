// Package mock provides a test double for the inference.Inferencer interface.
//
// Set Scores to control the raw output vector, InferErr to simulate a failing
// backend, and NotReady to simulate a model that never loaded:
//
//	inf := &mock.Inferencer{Scores: []float32{3, 0, 0, 0, 0}}
//	scores, _ := inf.Infer(ctx, input)
//	if inf.CallCount() != 1 { … }
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/lullaby/pkg/provider/inference"
)

// InferCall records a single invocation of Inferencer.Infer.
type InferCall struct {
	// Shape is the shape of the input tensor.
	Shape []int64
}

// Inferencer is a mock implementation of inference.Inferencer.
type Inferencer struct {
	mu sync.Mutex

	// BackendName is returned by Name. Defaults to "mock".
	BackendName string

	// Scores is returned by Infer. A copy is returned on each call.
	Scores []float32

	// InferErr, if non-nil, is returned by Infer instead of Scores.
	InferErr error

	// NotReady makes Ready return false and Infer return inference.ErrNotReady.
	NotReady bool

	// Delay, when positive, makes Infer sleep (respecting ctx) before returning.
	Delay time.Duration

	// ScoresFunc, if set, overrides Scores and is called with the input tensor.
	ScoresFunc func(inference.Tensor) []float32

	calls  []InferCall
	closed int
}

// Name implements inference.Inferencer.
func (m *Inferencer) Name() string {
	if m.BackendName == "" {
		return "mock"
	}
	return m.BackendName
}

// Ready implements inference.Inferencer.
func (m *Inferencer) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.NotReady
}

// Infer implements inference.Inferencer.
func (m *Inferencer) Infer(ctx context.Context, input inference.Tensor) ([]float32, error) {
	m.mu.Lock()
	shape := make([]int64, len(input.Shape))
	copy(shape, input.Shape)
	m.calls = append(m.calls, InferCall{Shape: shape})
	delay, notReady, inferErr, fn := m.Delay, m.NotReady, m.InferErr, m.ScoresFunc
	scores := make([]float32, len(m.Scores))
	copy(scores, m.Scores)
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if notReady {
		return nil, inference.ErrNotReady
	}
	if inferErr != nil {
		return nil, inferErr
	}
	if fn != nil {
		return fn(input), nil
	}
	return scores, nil
}

// Close implements inference.Inferencer.
func (m *Inferencer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

// Calls returns a copy of all recorded Infer invocations.
func (m *Inferencer) Calls() []InferCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InferCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Infer was invoked.
func (m *Inferencer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// CloseCount returns how many times Close was invoked.
func (m *Inferencer) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Reset clears all recorded calls.
func (m *Inferencer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.closed = 0
}

var _ inference.Inferencer = (*Inferencer)(nil)
