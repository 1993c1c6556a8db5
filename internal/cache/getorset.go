package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fictures/api/internal/metrics"
)

// GetOrSet returns the value at key, filling it from fetch on a miss. At most
// one caller per key runs fetch against the backing source at a time: the
// first miss takes a short-lived lock, fetches, stores, and releases; a
// concurrent miss waits one backoff window and re-reads. If the value still
// has not appeared, or the store itself is failing, the caller fetches
// directly without caching. fetch errors propagate unchanged and nothing is
// stored for them.
func GetOrSet[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := GetAs[T](ctx, m, key); ok {
		return v, nil
	}

	lockName := FetchLockName(key)
	acquired, err := m.AcquireLock(ctx, lockName, m.ttl.Lock)
	if err != nil {
		// Store failure: serve from the source and skip caching.
		metrics.StampedeFallbacks.Inc()
		m.log.Warn("cache unavailable, fetching directly",
			zap.String("key", key),
			zap.Error(err),
		)
		return fetch(ctx)
	}

	if acquired {
		defer m.ReleaseLock(context.WithoutCancel(ctx), lockName)
		v, ferr := fetch(ctx)
		if ferr != nil {
			var zero T
			return zero, ferr
		}
		SetAs(ctx, m, key, v, ttl)
		return v, nil
	}

	// Another caller holds the fetch lock; give it one backoff window to
	// publish the value.
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-time.After(m.backoff):
	}
	if v, ok := GetAs[T](ctx, m, key); ok {
		return v, nil
	}

	// Still absent after the retry. Fetch without the lock and without
	// storing, accepting a duplicate source read over blocking the caller.
	metrics.StampedeFallbacks.Inc()
	return fetch(ctx)
}
