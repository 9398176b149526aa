package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vectory-io/vectory/pkg/provider/embeddings"
	"github.com/vectory-io/vectory/pkg/provider/embeddings/mock"
	"github.com/vectory-io/vectory/pkg/provider/embeddings/ollama"
	"github.com/vectory-io/vectory/pkg/provider/embeddings/openai"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps embeddings provider names to constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func(ProviderEntry) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
	}
}

// Register binds a provider factory to name. Subsequent calls with the same
// name overwrite the previous registration.
func (r *Registry) Register(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the provider selected by entry.Name.
func (r *Registry) Create(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings provider %q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create embeddings provider %q: %w", entry.Name, err)
	}
	return p, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry returns a registry with the built-in providers registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("openai", func(entry ProviderEntry) (embeddings.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if lim := entry.Limits.Merge(embeddings.Limits{}); lim != (embeddings.Limits{}) {
			opts = append(opts, openai.WithLimits(lim))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})
	r.Register("ollama", func(entry ProviderEntry) (embeddings.Provider, error) {
		var opts []ollama.Option
		if entry.Dimensions > 0 {
			opts = append(opts, ollama.WithDimensions(entry.Dimensions))
		}
		if lim := entry.Limits.Merge(embeddings.Limits{}); lim != (embeddings.Limits{}) {
			opts = append(opts, ollama.WithLimits(lim))
		}
		baseURL := entry.BaseURL
		if baseURL == "" {
			baseURL = ollama.DefaultBaseURL
		}
		return ollama.New(baseURL, entry.Model, opts...)
	})
	r.Register("mock", func(entry ProviderEntry) (embeddings.Provider, error) {
		return &mock.Provider{
			DimensionsValue: entry.Dimensions,
			ModelIDValue:    entry.Model,
			LimitsValue:     entry.Limits.Merge(embeddings.Limits{}),
		}, nil
	})
	return r
}
