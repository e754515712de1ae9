// Package classify turns audio chunks into acoustic-state predictions.
//
// The work is split into pure transforms ([Normalize], [Spectrogram],
// [Softmax], [Argmax]), a [Classifier] that maps model scores onto a fixed
// label set, and a [Pipeline] that runs decode, normalise, transform and
// classify as one unit of work per chunk.
//
// Failures are reported as [*Error] values whose Kind is one of
// [ErrDecodeFailure], [ErrInferenceUnavailable] or [ErrInferenceFailure].
package classify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/MrWong99/lullaby/pkg/provider/inference"
)

// DefaultLabels is the label set of the bundled model, in output order.
var DefaultLabels = []string{"cry", "hungry", "laugh", "noise", "silence"}

// Result is a successful classification.
type Result struct {
	// Label is the predicted class (the arg-max of Probabilities).
	Label string

	// Confidence is the probability of Label.
	Confidence float64

	// Probabilities maps every label to its probability. Values sum to 1.
	Probabilities map[string]float64

	// Vector holds the same probabilities in label order, for storage.
	Vector []float32

	// Decoder names the decode tier that handled the chunk. Empty when the
	// classifier was called directly with a tensor.
	Decoder string
}

// Classifier maps model output onto a fixed label set. It is safe for
// concurrent use if the underlying Inferencer is.
type Classifier struct {
	inf    inference.Inferencer
	labels []string
}

// NewClassifier returns a Classifier over inf. The label order must match
// the model's output order.
func NewClassifier(inf inference.Inferencer, labels []string) (*Classifier, error) {
	if inf == nil {
		return nil, errors.New("classify: inferencer is required")
	}
	if len(labels) == 0 {
		return nil, errors.New("classify: at least one label is required")
	}
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if l == "" {
			return nil, errors.New("classify: empty label")
		}
		if seen[l] {
			return nil, fmt.Errorf("classify: duplicate label %q", l)
		}
		seen[l] = true
	}
	return &Classifier{inf: inf, labels: slices.Clone(labels)}, nil
}

// Ready reports whether the model can serve requests.
func (c *Classifier) Ready() bool { return c.inf.Ready() }

// Backend returns the inference backend name.
func (c *Classifier) Backend() string { return c.inf.Name() }

// Labels returns a copy of the label set in model output order.
func (c *Classifier) Labels() []string { return slices.Clone(c.labels) }

// Classify runs the model on input. Errors are [*Error] values.
func (c *Classifier) Classify(ctx context.Context, input inference.Tensor) (Result, error) {
	if !c.inf.Ready() {
		return Result{}, newError(ErrInferenceUnavailable, fmt.Errorf("backend %s is not ready", c.inf.Name()))
	}

	scores, err := c.inf.Infer(ctx, input)
	if err != nil {
		if errors.Is(err, inference.ErrNotReady) {
			return Result{}, newError(ErrInferenceUnavailable, err)
		}
		return Result{}, newError(ErrInferenceFailure, err)
	}
	if len(scores) != len(c.labels) {
		return Result{}, newError(ErrInferenceFailure,
			fmt.Errorf("model returned %d scores for %d labels", len(scores), len(c.labels)))
	}
	for i, s := range scores {
		if v := float64(s); math.IsNaN(v) || math.IsInf(v, 0) {
			return Result{}, newError(ErrInferenceFailure,
				fmt.Errorf("model returned non-finite score %v for %q", s, c.labels[i]))
		}
	}

	return c.result(scores), nil
}

func (c *Classifier) result(scores []float32) Result {
	probs := Softmax(scores)
	best := Argmax(probs)

	r := Result{
		Label:         c.labels[best],
		Confidence:    probs[best],
		Probabilities: make(map[string]float64, len(c.labels)),
		Vector:        make([]float32, len(c.labels)),
	}
	for i, l := range c.labels {
		r.Probabilities[l] = probs[i]
		r.Vector[i] = float32(probs[i])
	}
	return r
}
