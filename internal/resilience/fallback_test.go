package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newStringGroup(cfg FallbackConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", cfg)
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestExecute_PrimarySuccess(t *testing.T) {
	fg := newStringGroup(FallbackConfig{})

	got, err := Execute(context.Background(), fg, func(_ context.Context, v string) (string, error) {
		return v + "-ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "primary-ok" {
		t.Fatalf("got %q, want primary-ok", got)
	}
}

func TestExecute_Failover(t *testing.T) {
	var (
		mu       sync.Mutex
		failures []string
	)
	fg := newStringGroup(FallbackConfig{
		OnFailure: func(name string, _ error) {
			mu.Lock()
			defer mu.Unlock()
			failures = append(failures, name)
		},
	})

	got, err := Execute(context.Background(), fg, func(_ context.Context, v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secondary" {
		t.Fatalf("got %q, want secondary", got)
	}
	if len(failures) != 1 || failures[0] != "primary" {
		t.Errorf("OnFailure calls = %v, want [primary]", failures)
	}
}

func TestExecute_AllFailJoinsErrors(t *testing.T) {
	errPrimary := errors.New("primary down")
	errSecondary := errors.New("secondary down")
	fg := newStringGroup(FallbackConfig{})

	_, err := Execute(context.Background(), fg, func(_ context.Context, v string) (string, error) {
		if v == "primary" {
			return "", errPrimary
		}
		return "", errSecondary
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("expected ErrAllFailed, got %v", err)
	}
	if !errors.Is(err, errPrimary) || !errors.Is(err, errSecondary) {
		t.Errorf("expected both causes in %v", err)
	}
}

func TestExecute_SkipsOpenBreaker(t *testing.T) {
	fg := newStringGroup(FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})

	// Trip the primary.
	_, _ = Execute(context.Background(), fg, func(_ context.Context, v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return v, nil
	})

	var calls []string
	got, err := Execute(context.Background(), fg, func(_ context.Context, v string) (string, error) {
		calls = append(calls, v)
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secondary" {
		t.Errorf("got %q, want secondary", got)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want only secondary", calls)
	}
}

func TestExecute_ContextCancelledStops(t *testing.T) {
	fg := newStringGroup(FallbackConfig{})
	ctx, cancel := context.WithCancel(context.Background())

	var calls []string
	_, err := Execute(ctx, fg, func(ctx context.Context, v string) (string, error) {
		calls = append(calls, v)
		cancel()
		return "", ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want only primary", calls)
	}

	states := map[string]State{}
	fg.Each(func(name string, _ string, s State) { states[name] = s })
	if states["primary"] != StateClosed {
		t.Errorf("primary breaker = %v, cancellation must not count", states["primary"])
	}
}

func TestFallbackGroup_EachAndLen(t *testing.T) {
	fg := newStringGroup(FallbackConfig{})
	if fg.Len() != 2 {
		t.Fatalf("Len = %d, want 2", fg.Len())
	}
	var names []string
	fg.Each(func(name string, _ string, _ State) { names = append(names, name) })
	if len(names) != 2 || names[0] != "primary" || names[1] != "secondary" {
		t.Errorf("names = %v", names)
	}
}
