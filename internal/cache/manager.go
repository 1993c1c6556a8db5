package cache

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fictures/api/internal/metrics"
	"fictures/api/internal/store"
)

// TTLPolicy holds the expiry class for each kind of cached data. Lock is the
// short window bounding stampede prevention even if a lock holder crashes.
type TTLPolicy struct {
	Hierarchy   time.Duration
	Breadcrumb  time.Duration
	WordCount   time.Duration
	Search      time.Duration
	AIContext   time.Duration
	Permissions time.Duration
	Metadata    time.Duration
	Lock        time.Duration
}

// DefaultTTLPolicy returns the production expiry classes.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Hierarchy:   time.Hour,
		Breadcrumb:  30 * time.Minute,
		WordCount:   15 * time.Minute,
		Search:      10 * time.Minute,
		AIContext:   30 * time.Minute,
		Permissions: time.Hour,
		Metadata:    2 * time.Hour,
		Lock:        15 * time.Second,
	}
}

func (p TTLPolicy) withDefaults() TTLPolicy {
	def := DefaultTTLPolicy()
	if p.Hierarchy <= 0 {
		p.Hierarchy = def.Hierarchy
	}
	if p.Breadcrumb <= 0 {
		p.Breadcrumb = def.Breadcrumb
	}
	if p.WordCount <= 0 {
		p.WordCount = def.WordCount
	}
	if p.Search <= 0 {
		p.Search = def.Search
	}
	if p.AIContext <= 0 {
		p.AIContext = def.AIContext
	}
	if p.Permissions <= 0 {
		p.Permissions = def.Permissions
	}
	if p.Metadata <= 0 {
		p.Metadata = def.Metadata
	}
	if p.Lock <= 0 {
		p.Lock = def.Lock
	}
	return p
}

const defaultRetryBackoff = 100 * time.Millisecond

// Manager owns cache key naming, TTL policy, the invalidation graph between
// hierarchy levels, bulk pipelining, and the distributed fetch lock. Every
// store failure is absorbed here: reads degrade to misses and writes to
// no-ops, so a cache outage costs latency, never correctness.
type Manager struct {
	store   Store
	ttl     TTLPolicy
	backoff time.Duration
	log     *zap.Logger
}

// NewManager wires a Manager over the given store. Zero TTLPolicy fields fall
// back to the defaults.
func NewManager(s Store, ttl TTLPolicy, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   s,
		ttl:     ttl.withDefaults(),
		backoff: defaultRetryBackoff,
		log:     logger,
	}
}

// TTLPolicy returns the manager's expiry classes.
func (m *Manager) TTLPolicy() TTLPolicy {
	return m.ttl
}

// Ping reports whether the underlying store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

func (m *Manager) absorb(op, key string, err error) {
	if err == nil {
		return
	}
	metrics.CacheErrors.WithLabelValues(op).Inc()
	m.log.Warn("cache degraded",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

func (m *Manager) getRaw(ctx context.Context, key string) ([]byte, bool) {
	b, err := m.store.Get(ctx, key)
	if err != nil {
		m.absorb("get", key, err)
		return nil, false
	}
	if b == nil {
		metrics.CacheMisses.WithLabelValues(ClassOf(key)).Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues(ClassOf(key)).Inc()
	return b, true
}

func (m *Manager) setRaw(ctx context.Context, key string, value []byte, ttl time.Duration) {
	m.absorb("set", key, m.store.SetWithTTL(ctx, key, value, ttl))
}

func (m *Manager) deleteRaw(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	m.absorb("delete", keys[0], m.store.Delete(ctx, keys...))
}

// GetAs reads and decodes the value at key. A store failure or undecodable
// payload is reported as a miss.
func GetAs[T any](ctx context.Context, m *Manager, key string) (T, bool) {
	var out T
	b, ok := m.getRaw(ctx, key)
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(b, &out); err != nil {
		m.absorb("decode", key, serializationError(key, "decode payload", err))
		var zero T
		return zero, false
	}
	return out, true
}

// SetAs encodes value and stores it at key with the given TTL. Failures are
// absorbed.
func SetAs[T any](ctx context.Context, m *Manager, key string, value T, ttl time.Duration) {
	b, err := json.Marshal(value)
	if err != nil {
		m.absorb("encode", key, serializationError(key, "encode payload", err))
		return
	}
	m.setRaw(ctx, key, b, ttl)
}

// DeleteKeys removes the given keys, absorbing store failures.
func (m *Manager) DeleteKeys(ctx context.Context, keys ...string) {
	m.deleteRaw(ctx, keys...)
}

// SetHierarchy caches the full hierarchy blob for a book together with the
// chapter scene-id index entries derived from it, in one pipeline.
func (m *Manager) SetHierarchy(ctx context.Context, h *store.BookHierarchy) {
	if h == nil || h.Book.ID == "" {
		return
	}
	m.SetBulk(ctx, m.hierarchyEntries(h))
}

// GetHierarchy returns the cached hierarchy for a book, or nil on a miss.
func (m *Manager) GetHierarchy(ctx context.Context, bookID string) *store.BookHierarchy {
	if bookID == "" {
		return nil
	}
	h, ok := GetAs[store.BookHierarchy](ctx, m, HierarchyKey(bookID))
	if !ok {
		return nil
	}
	return &h
}

// SetBreadcrumb caches one scene's book-to-scene path.
func (m *Manager) SetBreadcrumb(ctx context.Context, b store.Breadcrumb) {
	if b.SceneID == "" {
		return
	}
	SetAs(ctx, m, BreadcrumbKey(b.SceneID), b, m.ttl.Breadcrumb)
}

// GetBreadcrumb returns a scene's cached path, or nil on a miss.
func (m *Manager) GetBreadcrumb(ctx context.Context, sceneID string) *store.Breadcrumb {
	if sceneID == "" {
		return nil
	}
	b, ok := GetAs[store.Breadcrumb](ctx, m, BreadcrumbKey(sceneID))
	if !ok {
		return nil
	}
	return &b
}

// SetWordCount caches a book's word-count summary.
func (m *Manager) SetWordCount(ctx context.Context, wc store.WordCount) {
	if wc.BookID == "" {
		return
	}
	SetAs(ctx, m, WordCountKey(wc.BookID), wc, m.ttl.WordCount)
}

// GetWordCount returns a book's cached word-count summary, or nil on a miss.
func (m *Manager) GetWordCount(ctx context.Context, bookID string) *store.WordCount {
	if bookID == "" {
		return nil
	}
	wc, ok := GetAs[store.WordCount](ctx, m, WordCountKey(bookID))
	if !ok {
		return nil
	}
	return &wc
}

// SetSummary caches the derived hierarchy metadata for a book.
func (m *Manager) SetSummary(ctx context.Context, s store.HierarchySummary) {
	if s.BookID == "" {
		return
	}
	SetAs(ctx, m, MetadataKey(s.BookID), s, m.ttl.Metadata)
}

// GetSummary returns a book's cached hierarchy metadata, or nil on a miss.
func (m *Manager) GetSummary(ctx context.Context, bookID string) *store.HierarchySummary {
	if bookID == "" {
		return nil
	}
	s, ok := GetAs[store.HierarchySummary](ctx, m, MetadataKey(bookID))
	if !ok {
		return nil
	}
	return &s
}

// SetPermission caches one user's permission on one book.
func (m *Manager) SetPermission(ctx context.Context, p store.BookPermission) {
	if p.UserID == "" || p.BookID == "" {
		return
	}
	SetAs(ctx, m, PermissionsKey(p.UserID, p.BookID), p, m.ttl.Permissions)
}

// GetPermission returns a cached permission, or nil on a miss.
func (m *Manager) GetPermission(ctx context.Context, userID, bookID string) *store.BookPermission {
	if userID == "" || bookID == "" {
		return nil
	}
	p, ok := GetAs[store.BookPermission](ctx, m, PermissionsKey(userID, bookID))
	if !ok {
		return nil
	}
	return &p
}

// SetBulk executes all sets as one pipelined call.
func (m *Manager) SetBulk(ctx context.Context, entries []Entry) {
	if len(entries) == 0 {
		return
	}
	m.absorb("pipeline", entries[0].Key, m.store.SetPipeline(ctx, entries))
}

// WarmBook precomputes and stores the hierarchy blob, its derived metadata
// summary, and the chapter scene-id index entries in a single pipeline.
func (m *Manager) WarmBook(ctx context.Context, h *store.BookHierarchy) {
	if h == nil || h.Book.ID == "" {
		return
	}
	entries := m.hierarchyEntries(h)
	summary := h.Summarize()
	if b, err := json.Marshal(summary); err != nil {
		m.absorb("encode", MetadataKey(h.Book.ID), serializationError(MetadataKey(h.Book.ID), "encode summary", err))
	} else {
		entries = append(entries, Entry{Key: MetadataKey(h.Book.ID), Value: b, TTL: m.ttl.Metadata})
	}
	m.SetBulk(ctx, entries)
}

// SetChapterIndex stores just the chapter scene-id index entries for a
// hierarchy, for callers that cache the blob itself through another path
// (GetOrSet writes the blob under its own key).
func (m *Manager) SetChapterIndex(ctx context.Context, h *store.BookHierarchy) {
	if h == nil || h.Book.ID == "" {
		return
	}
	m.SetBulk(ctx, m.indexEntries(h))
}

// hierarchyEntries renders the hierarchy blob plus one chapter scene-id
// index entry per chapter. The index shares the hierarchy TTL so it outlives
// every breadcrumb entry it may need to invalidate.
func (m *Manager) hierarchyEntries(h *store.BookHierarchy) []Entry {
	var entries []Entry
	if b, err := json.Marshal(h); err != nil {
		m.absorb("encode", HierarchyKey(h.Book.ID), serializationError(HierarchyKey(h.Book.ID), "encode hierarchy", err))
	} else {
		entries = append(entries, Entry{Key: HierarchyKey(h.Book.ID), Value: b, TTL: m.ttl.Hierarchy})
	}
	return append(entries, m.indexEntries(h)...)
}

func (m *Manager) indexEntries(h *store.BookHierarchy) []Entry {
	var entries []Entry
	for _, story := range h.Stories {
		for _, part := range story.Parts {
			for _, chapter := range part.Chapters {
				ids := make([]string, 0, len(chapter.Scenes))
				for _, scene := range chapter.Scenes {
					ids = append(ids, scene.ID)
				}
				b, err := json.Marshal(ids)
				if err != nil {
					continue
				}
				entries = append(entries, Entry{Key: ChapterScenesKey(chapter.ID), Value: b, TTL: m.ttl.Hierarchy})
			}
		}
	}
	return entries
}

// InvalidateHierarchy deletes the hierarchy, word-count, and metadata entries
// for a book plus every cached search result under it. Must be called
// whenever any story, part, chapter, or scene below the book is created,
// updated, reordered, deleted, or published. The cached hierarchy is read
// first so the chapter scene-id index entries can be dropped by exact key.
func (m *Manager) InvalidateHierarchy(ctx context.Context, bookID string) {
	if bookID == "" {
		return
	}
	metrics.CacheInvalidations.WithLabelValues("hierarchy").Inc()

	keys := []string{HierarchyKey(bookID), WordCountKey(bookID), MetadataKey(bookID)}
	if h := m.GetHierarchy(ctx, bookID); h != nil {
		for _, story := range h.Stories {
			for _, part := range story.Parts {
				for _, chapter := range part.Chapters {
					keys = append(keys, ChapterScenesKey(chapter.ID))
				}
			}
		}
	}

	found, err := m.store.ScanKeys(ctx, SearchPattern(bookID))
	if err != nil {
		m.absorb("scan", SearchPattern(bookID), err)
	} else {
		keys = append(keys, found...)
	}

	m.deleteRaw(ctx, keys...)
	m.log.Debug("hierarchy cache invalidated",
		zap.String("book_id", bookID),
		zap.Int("keys", len(keys)),
	)
}

// InvalidateBreadcrumbs deletes the breadcrumb entries for the scenes under
// one chapter: the union of the chapter scene-id index and any ids the
// caller already knows. The global breadcrumb namespace is never scanned, so
// scenes in unrelated chapters keep their entries.
func (m *Manager) InvalidateBreadcrumbs(ctx context.Context, chapterID string, sceneIDs ...string) {
	if chapterID == "" {
		return
	}
	metrics.CacheInvalidations.WithLabelValues("breadcrumb").Inc()

	seen := make(map[string]struct{}, len(sceneIDs))
	keys := make([]string, 0, len(sceneIDs)+1)
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		keys = append(keys, BreadcrumbKey(id))
	}

	if indexed, ok := GetAs[[]string](ctx, m, ChapterScenesKey(chapterID)); ok {
		for _, id := range indexed {
			add(id)
		}
	}
	for _, id := range sceneIDs {
		add(id)
	}

	keys = append(keys, ChapterScenesKey(chapterID))
	m.deleteRaw(ctx, keys...)
}

// AcquireLock attempts to take the named lock for ttl (the policy default
// when ttl is zero). Contention is an expected outcome, not an error; the
// error return is reserved for store failure so callers can fail open.
func (m *Manager) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = m.ttl.Lock
	}
	token := uuid.NewString()
	ok, err := m.store.SetIfAbsentWithTTL(ctx, LockKey(name), []byte(token), ttl)
	if err != nil {
		metrics.CacheErrors.WithLabelValues("lock").Inc()
		return false, err
	}
	if ok {
		metrics.LocksAcquired.Inc()
		m.log.Debug("lock acquired", zap.String("lock", name), zap.String("token", token))
	} else {
		metrics.LockContention.Inc()
		m.log.Debug("lock contended", zap.String("lock", name))
	}
	return ok, nil
}

// ReleaseLock drops the named lock. Releasing an absent or expired lock is a
// no-op; the lock's own TTL guarantees eventual release regardless.
func (m *Manager) ReleaseLock(ctx context.Context, name string) {
	m.absorb("unlock", name, m.store.Delete(ctx, LockKey(name)))
}

// FlushNamespace deletes every key under the client's namespace.
func (m *Manager) FlushNamespace(ctx context.Context) {
	metrics.CacheInvalidations.WithLabelValues("flush").Inc()

	keys, err := m.store.ScanKeys(ctx, "*")
	if err != nil {
		m.absorb("scan", "*", err)
		return
	}
	for len(keys) > 0 {
		batch := keys
		if len(batch) > 256 {
			batch = keys[:256]
		}
		m.deleteRaw(ctx, batch...)
		keys = keys[len(batch):]
	}
}
