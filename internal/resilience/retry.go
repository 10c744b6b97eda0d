// Package resilience provides retry and circuit-breaker helpers for calls
// to destinations outside taskflow's own control (push destinations,
// webhook executors).
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Retry executes fn with exponential backoff and full jitter between
// attempts. delay is the initial backoff; it doubles each attempt, capped
// at 60s.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter("taskflow")
	attemptCounter, _ := meter.Int64Counter("taskflow_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("taskflow_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("taskflow_resilience_retry_fail_total")

	for i := 0; i < attempts; i++ {
		v, err := fn(ctx)
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
