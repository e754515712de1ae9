//go:build onnx

package onnx

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/MrWong99/lullaby/pkg/provider/inference"
)

// ortInitOnce initialises the ONNX Runtime environment once per process.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// Available reports that the native backend is compiled in.
func Available() bool { return true }

// Model is an ONNX Runtime session with pre-allocated input and output
// tensors. Inference calls are serialised because the tensors are shared.
type Model struct {
	path string
	cfg  config

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

var _ inference.Inferencer = (*Model)(nil)

// New loads the model at path. It fails if the runtime library cannot be
// found or the graph does not have the configured tensor names.
func New(path string, opts ...Option) (*Model, error) {
	if path == "" {
		return nil, fmt.Errorf("onnx: model path is required")
	}
	cfg := newConfig(opts)

	ortInitOnce.Do(func() {
		libPath, err := resolveORTLibPath()
		if err != nil {
			ortInitErr = fmt.Errorf("resolve ORT lib: %w", err)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("onnx: %w", ortInitErr)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.inputShape...))
	if err != nil {
		return nil, fmt.Errorf("onnx: create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.outputWidth)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("onnx: create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(path,
		[]string{cfg.inputName},
		[]string{cfg.outputName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil, // default session options
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("onnx: create session for %q: %w", path, err)
	}

	return &Model{
		path:    path,
		cfg:     cfg,
		session: session,
		input:   input,
		output:  output,
	}, nil
}

// Name implements [inference.Inferencer].
func (m *Model) Name() string { return "onnx" }

// Ready implements [inference.Inferencer].
func (m *Model) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// Infer implements [inference.Inferencer].
func (m *Model) Infer(ctx context.Context, in inference.Tensor) ([]float32, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, inference.ErrNotReady
	}
	dst := m.input.GetData()
	if len(dst) != len(in.Data) {
		return nil, fmt.Errorf("onnx: input has %d values, model expects %d (shape %v)", len(in.Data), len(dst), m.cfg.inputShape)
	}
	copy(dst, in.Data)

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx: run: %w", err)
	}

	out := make([]float32, m.cfg.outputWidth)
	copy(out, m.output.GetData())
	return out, nil
}

// Close releases the session and tensors. Safe to call multiple times.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	if m.input != nil {
		m.input.Destroy()
		m.input = nil
	}
	if m.output != nil {
		m.output.Destroy()
		m.output = nil
	}
	return nil
}
