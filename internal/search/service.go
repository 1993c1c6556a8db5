package search

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"fictures/api/internal/cache"
)

const defaultLimit = 20

// Service is the facade that consults the shared cache, tries Meilisearch,
// and falls back to PG FTS. Scene edits clear the cached entries through the
// book invalidation cascade, not here.
type Service struct {
	meili *Meili
	pgfts *PgFTS
	cache *cache.Manager
	log   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured, cacheManager may be nil to bypass caching.
func NewService(meili *Meili, pgfts *PgFTS, cacheManager *cache.Manager, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{meili: meili, pgfts: pgfts, cache: cacheManager, log: logger.Named("search")}
}

// Search serves from the cache when possible, otherwise queries the indexes
// and stores the response for the next caller.
func (s *Service) Search(ctx context.Context, q Query) Response {
	key, cacheable := s.cacheKey(q)
	if cacheable {
		if cached, ok := cache.GetAs[Response](ctx, s.cache, key); ok {
			return cached
		}
	}

	resp := s.search(q)
	if cacheable {
		cache.SetAs(ctx, s.cache, key, resp, s.cache.TTLPolicy().Search)
	}
	return resp
}

func (s *Service) search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.Error("pgfts search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// cacheKey derives the cache key for a query. Only the plain book-scoped
// first page is cached; filtered, paginated, or cross-book queries always
// hit the index.
func (s *Service) cacheKey(q Query) (string, bool) {
	if s.cache == nil || q.BookID == "" || q.FilterType != "" || q.Offset != 0 {
		return "", false
	}
	if q.Limit != 0 && q.Limit != defaultLimit {
		return "", false
	}
	if strings.TrimSpace(q.Text) == "" {
		return "", false
	}
	return cache.SearchKey(q.BookID, q.Text), true
}

// IndexScene indexes a scene (fire-and-forget to Meilisearch).
func (s *Service) IndexScene(scene SceneRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexScene(scene); err != nil {
			s.log.Warn("index scene", zap.String("scene_id", scene.ID), zap.Error(err))
		}
	}()
}

// IndexChapter indexes a chapter (fire-and-forget to Meilisearch).
func (s *Service) IndexChapter(chapter ChapterRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexChapter(chapter); err != nil {
			s.log.Warn("index chapter", zap.String("chapter_id", chapter.ID), zap.Error(err))
		}
	}()
}

// IndexBook indexes a book (fire-and-forget to Meilisearch).
func (s *Service) IndexBook(book BookRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexBook(book); err != nil {
			s.log.Warn("index book", zap.String("book_id", book.ID), zap.Error(err))
		}
	}()
}

// DeleteScene removes a scene from the search index (fire-and-forget).
func (s *Service) DeleteScene(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteScene(id); err != nil {
			s.log.Warn("delete scene from index", zap.String("scene_id", id), zap.Error(err))
		}
	}()
}

// DeleteChapter removes a chapter from the search index (fire-and-forget).
func (s *Service) DeleteChapter(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteChapter(id); err != nil {
			s.log.Warn("delete chapter from index", zap.String("chapter_id", id), zap.Error(err))
		}
	}()
}

// DeleteBook removes a book from the search index (fire-and-forget).
func (s *Service) DeleteBook(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteBook(id); err != nil {
			s.log.Warn("delete book from index", zap.String("book_id", id), zap.Error(err))
		}
	}()
}

// ReindexAll pushes preloaded records to Meilisearch.
func (s *Service) ReindexAll(scenes []SceneRecord, chapters []ChapterRecord, books []BookRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}

	if len(scenes) > 0 {
		if err := s.meili.IndexScenes(scenes); err != nil {
			s.log.Warn("reindex scenes", zap.Error(err))
		}
	}
	if len(chapters) > 0 {
		if err := s.meili.IndexChapters(chapters); err != nil {
			s.log.Warn("reindex chapters", zap.Error(err))
		}
	}
	if len(books) > 0 {
		if err := s.meili.IndexBooks(books); err != nil {
			s.log.Warn("reindex books", zap.Error(err))
		}
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	scenes, chapters, books, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.Warn("reindex load failed", zap.Error(err))
		return
	}
	s.ReindexAll(scenes, chapters, books)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
