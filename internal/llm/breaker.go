package llm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roelfdiedericks/mindforge/internal/logging"
)

// ErrCircuitOpen is returned when a breaker rejects a call without
// invoking the downstream provider. It is never retried by WithRetry;
// callers elect a fallback provider instead.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state - calls flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit has tripped - calls fail fast.
	CircuitOpen
	// CircuitHalfOpen allows a bounded number of trial calls.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures in CLOSED
	// before the circuit opens.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long an OPEN circuit waits before allowing a
	// HALF_OPEN trial call.
	Cooldown time.Duration `yaml:"cooldown"`

	// HalfOpenMaxCalls caps concurrent trial calls in HALF_OPEN.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
}

// DefaultBreakerConfig returns the shipped defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker guards one provider. When the provider fails repeatedly
// the circuit opens and calls are rejected immediately until the cooldown
// elapses, at which point a bounded number of trial calls probe recovery.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenCalls       int
	totalCalls          int64
	totalFailures       int64
}

// NewCircuitBreaker creates a breaker for a named provider.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: CircuitClosed,
	}
}

// allow decides whether a call may proceed, transitioning OPEN->HALF_OPEN
// when the cooldown has elapsed. Must be followed by onSuccess/onFailure
// when it returns true.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.totalCalls++
		return true

	case CircuitOpen:
		if time.Since(cb.lastFailure) >= cb.cfg.Cooldown {
			cb.transitionTo(CircuitHalfOpen)
			cb.halfOpenCalls = 1
			cb.totalCalls++
			return true
		}
		return false

	case CircuitHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			return false
		}
		cb.halfOpenCalls++
		cb.totalCalls++
		return true

	default:
		return false
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state == CircuitHalfOpen {
		cb.transitionTo(CircuitClosed)
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.consecutiveFailures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Trial call failed: reopen and restart the cooldown.
		cb.transitionTo(CircuitOpen)
	}
}

// transitionTo changes state (must hold lock).
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}
	old := cb.state
	cb.state = newState
	if newState == CircuitClosed {
		cb.consecutiveFailures = 0
		cb.halfOpenCalls = 0
	}
	if newState == CircuitHalfOpen {
		cb.halfOpenCalls = 0
	}
	logging.L_info("breaker: state change", "provider", cb.name, "from", old.String(), "to", newState.String())
}

// Execute runs fn through the breaker. In OPEN (cooldown pending) it
// fails fast with ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// IsAvailable reports whether a call would be allowed right now.
// True in CLOSED and HALF_OPEN, and in OPEN once the cooldown has
// elapsed (eager re-probe). Does not mutate state.
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		// Mirrors the allow() gate: once the probe budget is spent a
		// call would be rejected, so don't advertise a slot.
		return cb.halfOpenCalls < cb.cfg.HalfOpenMaxCalls
	case CircuitOpen:
		return time.Since(cb.lastFailure) >= cb.cfg.Cooldown
	default:
		return false
	}
}

// BreakerStats is a read-only snapshot of a breaker.
type BreakerStats struct {
	Provider            string    `json:"provider"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	HalfOpenCalls       int       `json:"half_open_calls"`
	TotalCalls          int64     `json:"total_calls"`
	TotalFailures       int64     `json:"total_failures"`
	ErrorRate           float64   `json:"error_rate"`
}

// Stats returns a snapshot without mutating breaker state.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	rate := 0.0
	if cb.totalCalls > 0 {
		rate = float64(cb.totalFailures) / float64(cb.totalCalls)
	}
	return BreakerStats{
		Provider:            cb.name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailure:         cb.lastFailure,
		HalfOpenCalls:       cb.halfOpenCalls,
		TotalCalls:          cb.totalCalls,
		TotalFailures:       cb.totalFailures,
		ErrorRate:           rate,
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerRegistry maps provider names to circuit breakers.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      BreakerConfig
}

// NewBreakerRegistry creates a registry; every breaker it mints uses cfg.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for a provider, creating one if needed.
func (r *BreakerRegistry) Get(provider string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(provider, r.cfg)
	r.breakers[provider] = cb
	return cb
}

// AllStats returns snapshots for every breaker, keyed by provider.
func (r *BreakerRegistry) AllStats() map[string]BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}
