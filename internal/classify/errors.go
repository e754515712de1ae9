package classify

import (
	"errors"
	"fmt"
)

// Error kinds. Every [*Error] wraps exactly one of them.
var (
	// ErrDecodeFailure means every decode tier rejected the chunk.
	ErrDecodeFailure = errors.New("decode failure")

	// ErrInferenceUnavailable means the model is not loaded or its backend
	// cannot be reached.
	ErrInferenceUnavailable = errors.New("inference unavailable")

	// ErrInferenceFailure means the model was called and failed, or returned
	// output that does not match the label set.
	ErrInferenceFailure = errors.New("inference failure")
)

// Error is a failed classification. It is recovered into a value for the
// sender of the chunk and never aborts the caller.
type Error struct {
	// Kind is one of ErrDecodeFailure, ErrInferenceUnavailable or
	// ErrInferenceFailure.
	Kind error

	// Cause is the underlying error.
	Cause error
}

func newError(kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Error returns a human-readable message suitable for a processing_error
// event.
func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// KindName returns the metric label for err's kind, or "unknown" when err is
// not a classification error.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrDecodeFailure):
		return "decode_failure"
	case errors.Is(err, ErrInferenceUnavailable):
		return "inference_unavailable"
	case errors.Is(err, ErrInferenceFailure):
		return "inference_failure"
	default:
		return "unknown"
	}
}
