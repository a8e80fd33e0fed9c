package llm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roelfdiedericks/mindforge/internal/logging"
)

// Registry holds the configured providers and the circuit breaker guarding
// each one. Provider selection for round-robin uses registration order.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	order     []string
	breakers  *BreakerRegistry
}

// NewRegistry creates an empty registry with the given breaker config.
func NewRegistry(breakerCfg BreakerConfig) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		breakers:  NewBreakerRegistry(breakerCfg),
	}
}

// NewRegistryFromConfig builds providers from configuration, keyed by
// instance name. Providers that fail to construct are skipped with a
// warning so one bad credential does not take down the rest.
func NewRegistryFromConfig(configs map[string]ProviderConfig, breakerCfg BreakerConfig) (*Registry, error) {
	r := NewRegistry(breakerCfg)

	// Deterministic construction order.
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := configs[name]
		var (
			p   Provider
			err error
		)
		switch cfg.Type {
		case "anthropic":
			p, err = NewAnthropicProvider(name, cfg)
		case "openai":
			p, err = NewOpenAIProvider(name, cfg)
		case "xai":
			p, err = NewXAIProvider(name, cfg)
		default:
			err = fmt.Errorf("unknown provider type %q", cfg.Type)
		}
		if err != nil {
			logging.L_warn("registry: skipping provider", "name", name, "type", cfg.Type, "error", err)
			continue
		}
		r.Register(p)
	}

	if len(r.order) == 0 {
		return nil, fmt.Errorf("no usable providers configured")
	}
	return r, nil
}

// Register adds a provider. Re-registering a name replaces the provider
// but keeps its breaker history.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[p.Name()]; !exists {
		r.order = append(r.order, p.Name())
	}
	r.providers[p.Name()] = p
	logging.L_info("registry: provider registered", "name", p.Name(), "type", p.Type(), "model", p.Model())
}

// Get returns a provider by instance name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names returns all provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Breaker returns the circuit breaker for a provider.
func (r *Registry) Breaker(name string) *CircuitBreaker {
	return r.breakers.Get(name)
}

// Available returns the names of providers that are configured and whose
// breaker would currently admit a call, in registration order.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, name := range r.order {
		p := r.providers[name]
		if p.IsAvailable() && r.breakers.Get(name).IsAvailable() {
			out = append(out, name)
		}
	}
	return out
}

// BreakerStats returns breaker snapshots for every provider.
func (r *Registry) BreakerStats() map[string]BreakerStats {
	return r.breakers.AllStats()
}

// FirstEmbedder returns the first registered provider that supports
// embeddings, or nil when none does.
func (r *Registry) FirstEmbedder() Embedder {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		if e, ok := r.providers[name].(Embedder); ok {
			return e
		}
	}
	return nil
}

// Cleanup releases resources held by every provider.
func (r *Registry) Cleanup() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		p.Cleanup()
	}
}
