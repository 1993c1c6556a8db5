package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fictures/api/internal/store"
)

func TestGetOrSetFillsOnMiss(t *testing.T) {
	m, _, _ := setupTestManager(t)
	ctx := context.Background()

	var calls atomic.Int64
	fetch := func(ctx context.Context) (store.WordCount, error) {
		calls.Add(1)
		return store.WordCount{BookID: "bk1", TotalWords: 812, SceneCount: 3}, nil
	}

	got, err := GetOrSet(ctx, m, WordCountKey("bk1"), m.TTLPolicy().WordCount, fetch)
	if err != nil {
		t.Fatalf("GetOrSet failed: %v", err)
	}
	if got.TotalWords != 812 {
		t.Errorf("TotalWords = %d, want 812", got.TotalWords)
	}
	if calls.Load() != 1 {
		t.Fatalf("fetch called %d times, want 1", calls.Load())
	}

	// Second call is served from the cache.
	got, err = GetOrSet(ctx, m, WordCountKey("bk1"), m.TTLPolicy().WordCount, fetch)
	if err != nil {
		t.Fatalf("second GetOrSet failed: %v", err)
	}
	if got.TotalWords != 812 {
		t.Errorf("cached TotalWords = %d, want 812", got.TotalWords)
	}
	if calls.Load() != 1 {
		t.Errorf("fetch called %d times after hit, want 1", calls.Load())
	}
}

func TestGetOrSetStampede(t *testing.T) {
	m, _, _ := setupTestManager(t)
	m.backoff = 400 * time.Millisecond
	ctx := context.Background()

	var calls atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "assembled", nil
	}

	const workers = 20
	results := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = GetOrSet(ctx, m, AIContextKey("sc1"), time.Hour, fetch)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if results[i] != "assembled" {
			t.Errorf("worker %d got %q, want assembled", i, results[i])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fetch called %d times for %d concurrent misses, want 1", got, workers)
	}
}

func TestGetOrSetContenderFallsBack(t *testing.T) {
	m, _, _ := setupTestManager(t)
	m.backoff = 5 * time.Millisecond
	ctx := context.Background()

	key := AIContextKey("sc1")

	// Simulate a holder that died mid-fetch: the lock is taken and nothing
	// will ever be published under the key.
	ok, err := m.AcquireLock(ctx, FetchLockName(key), time.Minute)
	if err != nil || !ok {
		t.Fatalf("AcquireLock = %v, %v, want true", ok, err)
	}

	var calls atomic.Int64
	got, err := GetOrSet(ctx, m, key, time.Hour, func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "fresh", nil
	})
	if err != nil {
		t.Fatalf("GetOrSet failed: %v", err)
	}
	if got != "fresh" {
		t.Errorf("GetOrSet = %q, want fresh", got)
	}
	if calls.Load() != 1 {
		t.Errorf("fetch called %d times, want 1", calls.Load())
	}

	// The fallback path serves the caller without publishing.
	if _, ok := GetAs[string](ctx, m, key); ok {
		t.Error("contender fallback stored its result")
	}
}

func TestGetOrSetFetchErrorPropagates(t *testing.T) {
	m, _, _ := setupTestManager(t)
	ctx := context.Background()

	wantErr := errors.New("assemble scene context: scene not found")
	_, err := GetOrSet(ctx, m, AIContextKey("sc1"), time.Hour, func(ctx context.Context) (string, error) {
		return "", wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("GetOrSet error = %v, want %v", err, wantErr)
	}

	// Nothing was cached for the failed fetch.
	if _, ok := GetAs[string](ctx, m, AIContextKey("sc1")); ok {
		t.Error("failed fetch left a cached value")
	}

	// The fetch lock was released, so a retry can fill the key.
	got, err := GetOrSet(ctx, m, AIContextKey("sc1"), time.Hour, func(ctx context.Context) (string, error) {
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("retry GetOrSet failed: %v", err)
	}
	if got != "recovered" {
		t.Errorf("retry GetOrSet = %q, want recovered", got)
	}
}

func TestGetOrSetStoreFailure(t *testing.T) {
	m := NewManager(failingStore{}, TTLPolicy{}, nil)
	ctx := context.Background()

	var calls atomic.Int64
	got, err := GetOrSet(ctx, m, AIContextKey("sc1"), time.Hour, func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "direct", nil
	})
	if err != nil {
		t.Fatalf("GetOrSet with dead store failed: %v", err)
	}
	if got != "direct" {
		t.Errorf("GetOrSet = %q, want direct", got)
	}
	if calls.Load() != 1 {
		t.Errorf("fetch called %d times, want 1", calls.Load())
	}
}

func TestGetOrSetRefillsAfterExpiry(t *testing.T) {
	m, _, s := setupTestManager(t)
	ctx := context.Background()

	var calls atomic.Int64
	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "v", nil
	}

	if _, err := GetOrSet(ctx, m, AIContextKey("sc1"), time.Minute, fetch); err != nil {
		t.Fatalf("GetOrSet failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	if _, err := GetOrSet(ctx, m, AIContextKey("sc1"), time.Minute, fetch); err != nil {
		t.Fatalf("GetOrSet after expiry failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("fetch called %d times across expiry, want 2", calls.Load())
	}
}

func TestGetOrSetHonorsContextInBackoff(t *testing.T) {
	m, _, _ := setupTestManager(t)
	m.backoff = time.Second
	ctx := context.Background()

	key := AIContextKey("sc1")
	if ok, err := m.AcquireLock(ctx, FetchLockName(key), time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLock = %v, %v, want true", ok, err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	var calls atomic.Int64
	_, err := GetOrSet(callCtx, m, key, time.Hour, func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "late", nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("GetOrSet error = %v, want context.Canceled", err)
	}
	if calls.Load() != 0 {
		t.Errorf("fetch called %d times after cancellation, want 0", calls.Load())
	}
}
