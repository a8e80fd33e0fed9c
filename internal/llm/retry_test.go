package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   4 * time.Millisecond,
		ExpBase:    2,
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay: time.Second,
		MaxDelay:  32 * time.Second,
		ExpBase:   2,
	}
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 50; i++ {
			d := backoffDelay(cfg, attempt)
			if d < MinRetryDelay {
				t.Fatalf("attempt %d: delay %v below floor %v", attempt, d, MinRetryDelay)
			}
			// Max is MaxDelay plus the +25% jitter band.
			ceiling := time.Duration(float64(cfg.MaxDelay) * 1.25)
			if d > ceiling {
				t.Fatalf("attempt %d: delay %v above ceiling %v", attempt, d, ceiling)
			}
		}
	}
}

func TestBackoffDelayFloor(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Nanosecond, MaxDelay: time.Microsecond, ExpBase: 2}
	if d := backoffDelay(cfg, 0); d != MinRetryDelay {
		t.Fatalf("tiny base delay = %v, want floor %v", d, MinRetryDelay)
	}
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	metrics := NewRetryMetrics()
	calls := 0
	result, err := WithRetry(context.Background(), "p", fastRetryConfig(3), metrics, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("503 service unavailable")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Fatalf("result = %q, want ok", result)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	snap := metrics.Snapshot()
	if snap.TotalRetries != 2 {
		t.Errorf("totalRetries = %d, want 2", snap.TotalRetries)
	}
	if snap.SuccessfulRetries != 1 {
		t.Errorf("successfulRetries = %d, want 1", snap.SuccessfulRetries)
	}
	if snap.RetriesByProvider["p"] != 2 {
		t.Errorf("retriesByProvider[p] = %d, want 2", snap.RetriesByProvider["p"])
	}
}

func TestWithRetryFirstAttemptSuccessNotCounted(t *testing.T) {
	metrics := NewRetryMetrics()
	_, err := WithRetry(context.Background(), "p", fastRetryConfig(3), metrics, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap := metrics.Snapshot(); snap.SuccessfulRetries != 0 {
		t.Fatalf("first-attempt success counted as retry win: %d", snap.SuccessfulRetries)
	}
}

func TestWithRetryNonRetryableFailsFast(t *testing.T) {
	metrics := NewRetryMetrics()
	calls := 0
	_, err := WithRetry(context.Background(), "p", fastRetryConfig(3), metrics, func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("401 Unauthorized")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("non-retryable error was retried: %d calls", calls)
	}
	var ce *ClassifiedError
	if !errors.As(err, &ce) || ce.Category != CategoryAuthentication {
		t.Fatalf("error not classified as authentication: %v", err)
	}
}

func TestWithRetryExhaustion(t *testing.T) {
	metrics := NewRetryMetrics()
	calls := 0
	_, err := WithRetry(context.Background(), "p", fastRetryConfig(2), metrics, func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("429 rate limited")
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
	snap := metrics.Snapshot()
	if snap.ExhaustedRetries != 1 {
		t.Errorf("exhaustedRetries = %d, want 1", snap.ExhaustedRetries)
	}
	var ce *ClassifiedError
	if !errors.As(err, &ce) || ce.Category != CategoryRateLimit {
		t.Fatalf("exhausted error lost its classification: %v", err)
	}
}

func TestWithRetryMaxRetriesZero(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), "p", fastRetryConfig(0), nil, func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("503 unavailable")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("max_retries=0 still retried: %d calls", calls)
	}
}

func TestWithRetryCircuitOpenPassesThrough(t *testing.T) {
	metrics := NewRetryMetrics()
	calls := 0
	_, err := WithRetry(context.Background(), "p", fastRetryConfig(3), metrics, func(ctx context.Context) (string, error) {
		calls++
		return "", ErrCircuitOpen
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if calls != 1 {
		t.Fatalf("breaker rejection was retried: %d calls", calls)
	}
	if snap := metrics.Snapshot(); snap.TotalRetries != 0 {
		t.Fatalf("breaker rejection recorded retries: %d", snap.TotalRetries)
	}
}

func TestWithRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, ExpBase: 2}

	done := make(chan error, 1)
	go func() {
		_, err := WithRetry(ctx, "p", cfg, nil, func(ctx context.Context) (string, error) {
			return "", errors.New("429 rate limited")
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry sleep did not observe cancellation")
	}
}
