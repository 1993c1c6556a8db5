// Package cache implements the hierarchical context cache: a namespaced
// Redis-backed store client, key derivation and TTL policy per data class,
// invalidation cascades, and a stampede-safe cache-aside primitive.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultNamespace = "fictures:"
	defaultOpTimeout = 2 * time.Second
	scanBatch        = 100
)

// Entry is one pending set in a pipelined bulk write. Every entry carries its
// own TTL so a crash mid-batch never leaves a key without an expiry.
type Entry struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// Stats is a snapshot of client-level counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Errors uint64
}

// Store is the key-value contract the cache layer is built on. All calls are
// safe to retry; a missing key is never an error (Get returns nil, nil).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	SetIfAbsentWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
	SetPipeline(ctx context.Context, entries []Entry) error
	Ping(ctx context.Context) error
	Close() error
}

// Client implements Store over Redis. Keys are namespaced with a prefix and
// every operation is bounded by a short per-op deadline; exceeding it is
// treated the same as a store failure by the layers above.
type Client struct {
	rdb       *redis.Client
	prefix    string
	opTimeout time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
	errs   atomic.Uint64
}

// NewClient connects to Redis at redisURL and verifies the connection.
func NewClient(redisURL, namespace string, opTimeout time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, connectionError("", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, connectionError("", err)
	}

	if namespace == "" {
		namespace = defaultNamespace
	}
	if !strings.HasSuffix(namespace, ":") {
		namespace += ":"
	}
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}

	return &Client{rdb: rdb, prefix: namespace, opTimeout: opTimeout}, nil
}

func (c *Client) key(k string) string {
	return c.prefix + k
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

func (c *Client) classify(key string, err error) error {
	c.errs.Add(1)
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(key, err)
	}
	return connectionError(key, err)
}

// Get returns the value at key, or nil with no error on a miss.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	val, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return nil, nil
	}
	if err != nil {
		return nil, c.classify(key, err)
	}
	c.hits.Add(1)
	return val, nil
}

// SetWithTTL stores value at key. A non-positive TTL is rejected: no cache
// entry may live forever.
func (c *Client) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return validationError("ttl must be positive")
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	if err := c.rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return c.classify(key, err)
	}
	return nil
}

// Delete removes the given keys. Deleting an absent key is not an error.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}
	if err := c.rdb.Del(ctx, prefixed...).Err(); err != nil {
		return c.classify(keys[0], err)
	}
	return nil
}

// ScanKeys returns every key matching pattern (glob syntax, without the
// namespace prefix). Uses SCAN, never KEYS, so it is safe on a live store.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	var keys []string
	iter := c.rdb.Scan(ctx, 0, c.key(pattern), scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), c.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, c.classify(pattern, err)
	}
	return keys, nil
}

// SetIfAbsentWithTTL atomically stores value at key only when the key does
// not exist (SET ... EX ... NX). Returns true when this caller won the write.
func (c *Client) SetIfAbsentWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, validationError("ttl must be positive")
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	ok, err := c.rdb.SetNX(ctx, c.key(key), value, ttl).Result()
	if err != nil {
		return false, c.classify(key, err)
	}
	return ok, nil
}

// GetMulti fetches several keys in one MGET. Missing keys are absent from the
// returned map.
func (c *Client) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.key(k)
	}
	vals, err := c.rdb.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, c.classify(keys[0], err)
	}

	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			c.misses.Add(1)
			continue
		}
		c.hits.Add(1)
		out[keys[i]] = []byte(s)
	}
	return out, nil
}

// SetPipeline executes all sets as a single pipelined round trip. Each entry
// carries its own TTL inside the pipeline.
func (c *Client) SetPipeline(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if e.TTL <= 0 {
			return validationError("ttl must be positive for key " + e.Key)
		}
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	pipe := c.rdb.Pipeline()
	for _, e := range entries {
		pipe.Set(ctx, c.key(e.Key), e.Value, e.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return c.classify(entries[0].Key, err)
	}
	return nil
}

// Ping verifies the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return c.classify("", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Stats returns a snapshot of hit/miss/error counters.
func (c *Client) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errs.Load(),
	}
}
