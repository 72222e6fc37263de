package model

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RetryOnce calls fn; if it fails with a transport-kind Error, it waits for a
// rate limiter token (giving a backoff window) and calls fn exactly once
// more. Any other error, or a second failure, is returned as-is. None of the
// provider adapters in this module calls it.
func RetryOnce[T any](ctx context.Context, limiter *rate.Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := fn(ctx)
	if err == nil {
		return result, nil
	}
	me, ok := AsError(err)
	if !ok || me.Kind != ErrorKindTransport {
		return result, err
	}
	if limiter != nil {
		if waitErr := limiter.Wait(ctx); waitErr != nil {
			return result, err
		}
	}
	return fn(ctx)
}

// NewBackoffLimiter builds a rate limiter suitable for gating the single
// retry attempt RetryOnce performs: its single token is spent up front, so
// a retry waits roughly `interval` for the refill before firing.
func NewBackoffLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	l := rate.NewLimiter(rate.Every(interval), 1)
	l.Allow()
	return l
}
