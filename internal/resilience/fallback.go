package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] failed or
// was skipped by its circuit breaker.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker. Name is
	// replaced with the entry name.
	CircuitBreaker CircuitBreakerConfig

	// OnFailure, if set, is called for every entry error other than
	// [ErrCircuitOpen]. Used to feed provider error metrics.
	OnFailure func(name string, err error)
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallbacks of the same type.
// Calls go to the first entry whose breaker admits them; on failure the next
// entry is tried in registration order.
//
// Entries must be registered before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first entry.
func NewFallbackGroup[T any](primaryName string, primary T, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry with its own circuit breaker.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Each calls fn for every entry in order. Used for readiness checks and
// shutdown, which must see every backend regardless of breaker state.
func (fg *FallbackGroup[T]) Each(fn func(name string, value T, state State)) {
	for _, e := range fg.entries {
		fn(e.name, e.value, e.breaker.State())
	}
}

// Execute runs fn against each admitted entry until one succeeds. It stops
// early when ctx is done. When every entry fails the error wraps
// [ErrAllFailed] and every per-entry error, so errors.Is matches sentinels
// from any backend.
func Execute[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var result R
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(ctx, entry.value)
			return callErr
		})
		if err == nil {
			if i > 0 {
				slog.Debug("served by fallback", "backend", entry.name)
			}
			return result, nil
		}

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend (circuit open)", "backend", entry.name)
		} else {
			if fg.cfg.OnFailure != nil {
				fg.cfg.OnFailure(entry.name, err)
			}
			if ctx.Err() != nil {
				return zero, err
			}
			if i < len(fg.entries)-1 {
				slog.Warn("backend failed, trying next", "backend", entry.name, "err", err)
			}
		}
		errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
