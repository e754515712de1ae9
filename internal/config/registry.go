package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/lullaby/pkg/provider/inference"
)

// ErrProviderNotRegistered is returned by [Registry.CreateInference] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// InferenceFactory builds a backend from its config entry. ctx bounds any
// startup probing the backend does.
type InferenceFactory func(ctx context.Context, entry ProviderEntry) (inference.Inferencer, error)

// Registry maps provider names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	inference map[string]InferenceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		inference: make(map[string]InferenceFactory),
	}
}

// RegisterInference registers an inference backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterInference(name string, factory InferenceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inference[name] = factory
}

// CreateInference instantiates a backend using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateInference(ctx context.Context, entry ProviderEntry) (inference.Inferencer, error) {
	r.mu.RLock()
	factory, ok := r.inference[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: inference/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(ctx, entry)
}

// InferenceNames returns the registered backend names, sorted.
func (r *Registry) InferenceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.inference))
	for name := range r.inference {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
