package llm

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/roelfdiedericks/mindforge/internal/logging"
)

// MinRetryDelay floors every computed backoff delay.
const MinRetryDelay = 100 * time.Millisecond

// RetryConfig controls the exponential-backoff retry loop.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	ExpBase    float64       `yaml:"exp_base"`
}

// DefaultRetryConfig returns the shipped retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   32 * time.Second,
		ExpBase:    2,
	}
}

// RetryMetrics accumulates retry accounting across the run. Thread-safe.
type RetryMetrics struct {
	mu                sync.Mutex
	totalRetries      int64
	successfulRetries int64
	exhaustedRetries  int64
	retriesByProvider map[string]int64
}

// NewRetryMetrics creates an empty metrics accumulator.
func NewRetryMetrics() *RetryMetrics {
	return &RetryMetrics{retriesByProvider: make(map[string]int64)}
}

func (m *RetryMetrics) recordRetry(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRetries++
	m.retriesByProvider[provider]++
}

func (m *RetryMetrics) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successfulRetries++
}

func (m *RetryMetrics) recordExhausted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhaustedRetries++
}

// RetrySnapshot is a point-in-time copy of the retry counters.
type RetrySnapshot struct {
	TotalRetries      int64            `json:"total_retries"`
	SuccessfulRetries int64            `json:"successful_retries"`
	ExhaustedRetries  int64            `json:"exhausted_retries"`
	RetriesByProvider map[string]int64 `json:"retries_by_provider"`
}

// Snapshot returns a deep copy of the counters.
func (m *RetryMetrics) Snapshot() RetrySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	byProvider := make(map[string]int64, len(m.retriesByProvider))
	for k, v := range m.retriesByProvider {
		byProvider[k] = v
	}
	return RetrySnapshot{
		TotalRetries:      m.totalRetries,
		SuccessfulRetries: m.successfulRetries,
		ExhaustedRetries:  m.exhaustedRetries,
		RetriesByProvider: byProvider,
	}
}

// backoffDelay computes the delay before retrying attempt (0-indexed):
// clamp(base * expBase^attempt, 0, maxDelay) plus uniform +/-25% jitter,
// floored at MinRetryDelay.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	base := float64(cfg.BaseDelay) * math.Pow(cfg.ExpBase, float64(attempt))
	if base > float64(cfg.MaxDelay) {
		base = float64(cfg.MaxDelay)
	}
	jitter := base * 0.25 * (rand.Float64()*2 - 1)
	delay := time.Duration(base + jitter)
	if delay < MinRetryDelay {
		delay = MinRetryDelay
	}
	return delay
}

// WithRetry executes fn with capped exponential backoff and jitter.
//
// Errors are classified first: non-retryable errors and
// circuit-breaker rejections surface immediately; retryable errors sleep
// and retry until MaxRetries is exhausted, then the last classified error
// surfaces. The retry sleep is a cancellation point.
//
// A success is only counted toward successfulRetries when at least one
// retry actually happened (first-attempt successes are not retry wins).
func WithRetry[T any](ctx context.Context, provider string, cfg RetryConfig, metrics *RetryMetrics, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 && metrics != nil {
				metrics.recordSuccess()
			}
			return result, nil
		}

		// Breaker rejections are the generator's problem, not the retry loop's.
		if errors.Is(err, ErrCircuitOpen) {
			return zero, err
		}

		classified := Classify(err, provider)
		lastErr = classified

		if !classified.Retryable {
			return zero, classified
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := backoffDelay(cfg, attempt)
		if metrics != nil {
			metrics.recordRetry(provider)
		}
		logging.L_warn("llm: retrying after error",
			"provider", provider,
			"attempt", attempt+1,
			"maxRetries", cfg.MaxRetries,
			"category", classified.Category,
			"delay", delay.Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	if metrics != nil {
		metrics.recordExhausted()
	}
	logging.L_error("llm: retries exhausted", "provider", provider, "maxRetries", cfg.MaxRetries, "error", lastErr)
	return zero, lastErr
}
