package cache

import (
	"bytes"
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client, err := NewClient("redis://"+s.Addr(), "test", 0)
	if err != nil {
		t.Fatalf("failed to create cache client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, s
}

func TestNewClient(t *testing.T) {
	s := miniredis.RunT(t)

	client, err := NewClient("redis://"+s.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewClientBadURL(t *testing.T) {
	_, err := NewClient("not-a-redis-url", "", 0)
	if err == nil {
		t.Fatal("expected error for malformed URL, got nil")
	}
	if !IsConnectionError(err) {
		t.Errorf("expected connection error, got %v", err)
	}
}

func TestGetMissReturnsNil(t *testing.T) {
	client, _ := setupTestClient(t)

	b, err := client.Get(context.Background(), HierarchyKey("absent"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if b != nil {
		t.Errorf("expected nil on miss, got %q", b)
	}
}

func TestSetAndGet(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	key := HierarchyKey("bk1")
	value := []byte(`{"book":{"id":"bk1"}}`)

	if err := client.SetWithTTL(ctx, key, value, time.Hour); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}

	got, err := client.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Get = %q, want %q", got, value)
	}
}

func TestSetRejectsZeroTTL(t *testing.T) {
	client, _ := setupTestClient(t)

	err := client.SetWithTTL(context.Background(), HierarchyKey("bk1"), []byte("x"), 0)
	if err == nil {
		t.Fatal("expected error for zero TTL, got nil")
	}
	if !IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestKeysAreNamespaced(t *testing.T) {
	client, s := setupTestClient(t)

	if err := client.SetWithTTL(context.Background(), WordCountKey("bk1"), []byte("1"), time.Minute); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}

	keys := s.Keys()
	if len(keys) != 1 {
		t.Fatalf("expected 1 raw key, got %d: %v", len(keys), keys)
	}
	if keys[0] != "test:word-count:bk1" {
		t.Errorf("raw key = %q, want test:word-count:bk1", keys[0])
	}
}

func TestTTLExpiry(t *testing.T) {
	client, s := setupTestClient(t)
	ctx := context.Background()

	key := WordCountKey("bk1")
	if err := client.SetWithTTL(ctx, key, []byte("42"), 15*time.Minute); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}

	// Still present just before expiry.
	s.FastForward(14 * time.Minute)
	b, err := client.Get(ctx, key)
	if err != nil || b == nil {
		t.Fatalf("Get before expiry = %q, %v, want value", b, err)
	}

	// Gone after.
	s.FastForward(2 * time.Minute)
	b, err = client.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after expiry failed: %v", err)
	}
	if b != nil {
		t.Errorf("expected nil after expiry, got %q", b)
	}
}

func TestDeleteMultiple(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	for _, key := range []string{HierarchyKey("bk1"), WordCountKey("bk1"), MetadataKey("bk1")} {
		if err := client.SetWithTTL(ctx, key, []byte("x"), time.Hour); err != nil {
			t.Fatalf("SetWithTTL %s failed: %v", key, err)
		}
	}

	if err := client.Delete(ctx, HierarchyKey("bk1"), WordCountKey("bk1")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	for _, key := range []string{HierarchyKey("bk1"), WordCountKey("bk1")} {
		if b, _ := client.Get(ctx, key); b != nil {
			t.Errorf("key %s survived delete", key)
		}
	}
	if b, _ := client.Get(ctx, MetadataKey("bk1")); b == nil {
		t.Error("undeleted key is gone")
	}

	// Deleting nothing is a no-op.
	if err := client.Delete(ctx); err != nil {
		t.Errorf("empty Delete failed: %v", err)
	}
}

func TestSetIfAbsent(t *testing.T) {
	client, s := setupTestClient(t)
	ctx := context.Background()

	key := LockKey("fetch:hierarchy:bk1")

	ok, err := client.SetIfAbsentWithTTL(ctx, key, []byte("tok-1"), 15*time.Second)
	if err != nil {
		t.Fatalf("first SetIfAbsentWithTTL failed: %v", err)
	}
	if !ok {
		t.Fatal("first acquire returned false")
	}

	// Second writer must lose while the key lives.
	ok, err = client.SetIfAbsentWithTTL(ctx, key, []byte("tok-2"), 15*time.Second)
	if err != nil {
		t.Fatalf("second SetIfAbsentWithTTL failed: %v", err)
	}
	if ok {
		t.Error("second acquire returned true while key held")
	}

	// The original holder's value must be untouched.
	b, err := client.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(b) != "tok-1" {
		t.Errorf("lock value = %q, want tok-1", b)
	}

	// After expiry the key is free again.
	s.FastForward(16 * time.Second)
	ok, err = client.SetIfAbsentWithTTL(ctx, key, []byte("tok-3"), 15*time.Second)
	if err != nil {
		t.Fatalf("SetIfAbsentWithTTL after expiry failed: %v", err)
	}
	if !ok {
		t.Error("acquire after expiry returned false")
	}
}

func TestGetMulti(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	if err := client.SetWithTTL(ctx, BreadcrumbKey("sc1"), []byte("one"), time.Hour); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}
	if err := client.SetWithTTL(ctx, BreadcrumbKey("sc3"), []byte("three"), time.Hour); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}

	got, err := client.GetMulti(ctx, []string{BreadcrumbKey("sc1"), BreadcrumbKey("sc2"), BreadcrumbKey("sc3")})
	if err != nil {
		t.Fatalf("GetMulti failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
	if string(got[BreadcrumbKey("sc1")]) != "one" {
		t.Errorf("sc1 = %q, want one", got[BreadcrumbKey("sc1")])
	}
	if string(got[BreadcrumbKey("sc3")]) != "three" {
		t.Errorf("sc3 = %q, want three", got[BreadcrumbKey("sc3")])
	}
	if _, ok := got[BreadcrumbKey("sc2")]; ok {
		t.Error("missing key appeared in GetMulti result")
	}
}

func TestSetPipeline(t *testing.T) {
	client, s := setupTestClient(t)
	ctx := context.Background()

	entries := []Entry{
		{Key: HierarchyKey("bk1"), Value: []byte("h"), TTL: time.Hour},
		{Key: MetadataKey("bk1"), Value: []byte("m"), TTL: 2 * time.Hour},
		{Key: ChapterScenesKey("ch1"), Value: []byte(`["sc1"]`), TTL: time.Hour},
	}
	if err := client.SetPipeline(ctx, entries); err != nil {
		t.Fatalf("SetPipeline failed: %v", err)
	}

	for _, e := range entries {
		b, err := client.Get(ctx, e.Key)
		if err != nil {
			t.Fatalf("Get %s failed: %v", e.Key, err)
		}
		if !bytes.Equal(b, e.Value) {
			t.Errorf("%s = %q, want %q", e.Key, b, e.Value)
		}
	}

	// Each entry keeps its own TTL.
	s.FastForward(90 * time.Minute)
	if b, _ := client.Get(ctx, HierarchyKey("bk1")); b != nil {
		t.Error("hierarchy entry survived its TTL")
	}
	if b, _ := client.Get(ctx, MetadataKey("bk1")); b == nil {
		t.Error("metadata entry expired before its TTL")
	}
}

func TestSetPipelineRejectsZeroTTL(t *testing.T) {
	client, _ := setupTestClient(t)

	err := client.SetPipeline(context.Background(), []Entry{
		{Key: HierarchyKey("bk1"), Value: []byte("h"), TTL: 0},
	})
	if err == nil {
		t.Fatal("expected error for zero TTL entry, got nil")
	}
	if !IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestScanKeys(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	wantKeys := []string{
		SearchKey("bk1", "rain"),
		SearchKey("bk1", "storm"),
	}
	for _, key := range wantKeys {
		if err := client.SetWithTTL(ctx, key, []byte("r"), time.Hour); err != nil {
			t.Fatalf("SetWithTTL failed: %v", err)
		}
	}
	// Same class, different book: must not match.
	if err := client.SetWithTTL(ctx, SearchKey("bk2", "rain"), []byte("r"), time.Hour); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}

	got, err := client.ScanKeys(ctx, SearchPattern("bk1"))
	if err != nil {
		t.Fatalf("ScanKeys failed: %v", err)
	}

	sort.Strings(got)
	sort.Strings(wantKeys)
	if len(got) != len(wantKeys) {
		t.Fatalf("ScanKeys returned %d keys, want %d: %v", len(got), len(wantKeys), got)
	}
	for i := range got {
		if got[i] != wantKeys[i] {
			t.Errorf("ScanKeys[%d] = %q, want %q", i, got[i], wantKeys[i])
		}
	}
}

func TestScanKeysStripsNamespace(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	if err := client.SetWithTTL(ctx, HierarchyKey("bk1"), []byte("h"), time.Hour); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}

	got, err := client.ScanKeys(ctx, "hierarchy:*")
	if err != nil {
		t.Fatalf("ScanKeys failed: %v", err)
	}
	if len(got) != 1 || got[0] != HierarchyKey("bk1") {
		t.Errorf("ScanKeys = %v, want [%s]", got, HierarchyKey("bk1"))
	}
}

func TestStatsCounters(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	// One miss, one set, two hits.
	if _, err := client.Get(ctx, HierarchyKey("bk1")); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if err := client.SetWithTTL(ctx, HierarchyKey("bk1"), []byte("h"), time.Hour); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := client.Get(ctx, HierarchyKey("bk1")); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
	}

	stats := client.Stats()
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
	if stats.Hits != 2 {
		t.Errorf("Hits = %d, want 2", stats.Hits)
	}
	if stats.Errors != 0 {
		t.Errorf("Errors = %d, want 0", stats.Errors)
	}
}
