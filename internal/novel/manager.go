package novel

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"fictures/api/internal/cache"
)

const (
	defaultContextTTL = time.Hour
	defaultLocalTTL   = time.Minute
)

// Options tunes the context manager. Zero values fall back to defaults.
type Options struct {
	TTL      time.Duration
	LocalTTL time.Duration
}

// Manager serves assembled contexts behind two tiers and per-scene request
// coalescing: a process-local cache for repeated reads within one instance,
// the shared store for reuse across instances, and a singleflight group so
// concurrent misses for the same scene trigger exactly one assembly in this
// process.
type Manager struct {
	assembler *Assembler
	cache     *cache.Manager
	local     *gocache.Cache
	group     singleflight.Group
	ttl       time.Duration
	log       *zap.Logger
}

// NewManager wires the context layer over an assembler and the shared cache.
func NewManager(a *Assembler, c *cache.Manager, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultContextTTL
	}
	localTTL := opts.LocalTTL
	if localTTL <= 0 {
		localTTL = defaultLocalTTL
	}
	// The local copy must never outlive the shared entry.
	if localTTL > ttl {
		localTTL = ttl
	}
	return &Manager{
		assembler: a,
		cache:     c,
		local:     gocache.New(localTTL, 2*localTTL),
		ttl:       ttl,
		log:       logger.Named("context"),
	}
}

// GetContext returns the assembled context for sceneID trimmed to the
// requested depth. The full-depth snapshot is what gets cached; trimming
// happens on the caller's own copy, so shared entries are never mutated.
func (m *Manager) GetContext(ctx context.Context, sceneID string, depth Depth) (*HierarchicalContext, error) {
	if v, ok := m.local.Get(sceneID); ok {
		return v.(*HierarchicalContext).AtDepth(depth), nil
	}

	v, err, _ := m.group.Do(sceneID, func() (any, error) {
		full, err := cache.GetOrSet(ctx, m.cache, cache.AIContextKey(sceneID), m.ttl,
			func(ctx context.Context) (*HierarchicalContext, error) {
				return m.assembler.Assemble(ctx, sceneID, DepthFull)
			})
		if err != nil {
			return nil, err
		}
		m.local.SetDefault(sceneID, full)
		return full, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*HierarchicalContext).AtDepth(depth), nil
}

// RenderScenePrompt assembles (or reads back) the scene's context and
// flattens it to prompt text.
func (m *Manager) RenderScenePrompt(ctx context.Context, sceneID string, depth Depth, opts RenderOptions) (string, error) {
	c, err := m.GetContext(ctx, sceneID, depth)
	if err != nil {
		return "", err
	}
	return RenderPrompt(c, opts), nil
}

// InvalidateScene drops the cached context for one scene in both tiers. With
// invalidateHierarchy set the whole cache namespace is flushed as well, the
// broad fallback for structural edits.
func (m *Manager) InvalidateScene(ctx context.Context, sceneID string, invalidateHierarchy bool) {
	m.local.Delete(sceneID)
	m.cache.DeleteKeys(ctx, cache.AIContextKey(sceneID))
	if invalidateHierarchy {
		m.local.Flush()
		m.cache.FlushNamespace(ctx)
	}
	m.log.Debug("scene context invalidated",
		zap.String("scene_id", sceneID),
		zap.Bool("hierarchy", invalidateHierarchy),
	)
}

// InvalidateAll flushes both tiers. Deleting a chapter or reordering scenes
// shifts positions across the book, so every assembled context is suspect.
func (m *Manager) InvalidateAll(ctx context.Context) {
	m.local.Flush()
	m.cache.FlushNamespace(ctx)
	m.log.Debug("all scene contexts invalidated")
}
