package app

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"fictures/api/internal/aiclient"
	"fictures/api/internal/artifacts"
	"fictures/api/internal/auth"
	"fictures/api/internal/cache"
	"fictures/api/internal/config"
	"fictures/api/internal/export"
	"fictures/api/internal/gitrepo"
	"fictures/api/internal/novel"
	"fictures/api/internal/search"
	"fictures/api/internal/store"
	"fictures/api/internal/util"
)

var allowedSceneStatuses = map[string]struct{}{
	"outline":   {},
	"draft":     {},
	"revised":   {},
	"final":     {},
	"published": {},
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByID(context.Context, string) (store.User, error)
	GetPermission(ctx context.Context, userID, bookID string) (store.BookPermission, error)
	AddCollaborator(ctx context.Context, bookID, userID, role string) error

	CreateBook(context.Context, store.Book) error
	GetBook(context.Context, string) (store.Book, error)
	ListBooksByOwner(context.Context, string) ([]store.Book, error)
	UpdateBook(context.Context, store.Book) error
	DeleteBook(context.Context, string) error

	CreateStory(context.Context, store.Story) error
	UpdateStory(context.Context, store.Story) error
	DeleteStory(context.Context, string) error
	BookIDForStory(context.Context, string) (string, error)

	CreateCharacter(context.Context, store.Character) error
	UpdateCharacter(context.Context, store.Character) error
	DeleteCharacter(context.Context, string) error
	BookIDForCharacter(context.Context, string) (string, error)

	CreatePart(context.Context, store.Part) error
	UpdatePart(context.Context, store.Part) error
	DeletePart(context.Context, string) error
	BookIDForPart(context.Context, string) (string, error)
	UpsertCharacterArc(context.Context, store.CharacterArc) error

	CreateChapter(context.Context, store.Chapter) error
	UpdateChapter(context.Context, store.Chapter) error
	DeleteChapter(context.Context, string) error
	BookIDForChapter(context.Context, string) (string, error)
	ListChapterSceneIDs(context.Context, string) ([]string, error)

	CreateScene(context.Context, store.Scene) error
	GetScene(context.Context, string) (store.Scene, error)
	UpdateScene(context.Context, store.Scene) error
	DeleteScene(context.Context, string) error
	ReorderScenes(ctx context.Context, chapterID string, orderedIDs []string) error

	ResolveSceneBook(context.Context, string) (store.ScenePath, error)
	GetBreadcrumb(context.Context, string) (store.Breadcrumb, error)
	ComputeWordCount(context.Context, string) (store.WordCount, error)
	FetchHierarchy(context.Context, string) (*store.BookHierarchy, error)
	Ping(ctx context.Context) error
}

type contextManager interface {
	GetContext(ctx context.Context, sceneID string, depth novel.Depth) (*novel.HierarchicalContext, error)
	RenderScenePrompt(ctx context.Context, sceneID string, depth novel.Depth, opts novel.RenderOptions) (string, error)
	InvalidateScene(ctx context.Context, sceneID string, invalidateHierarchy bool)
	InvalidateAll(ctx context.Context)
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexScene(search.SceneRecord)
	IndexChapter(search.ChapterRecord)
	IndexBook(search.BookRecord)
	DeleteScene(string)
	DeleteChapter(string)
	DeleteBook(string)
}

type aiService interface {
	GenerateText(ctx context.Context, req aiclient.TextRequest) (aiclient.TextResult, error)
	GenerateImage(ctx context.Context, req aiclient.ImageRequest) (aiclient.ImageResult, error)
	ListTextModels(ctx context.Context) ([]aiclient.ModelInfo, error)
	ListImageModels(ctx context.Context) ([]aiclient.ModelInfo, error)
}

type artifactStore interface {
	StoreImage(ctx context.Context, key, source string) error
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type draftStore interface {
	EnsureSceneRepo(sceneID string, initial gitrepo.Draft, author string) error
	CommitDraft(sceneID string, draft gitrepo.Draft, author, message string) (store.CommitInfo, error)
	HeadDraft(sceneID string) (gitrepo.Draft, store.CommitInfo, error)
	DraftByHash(sceneID, hash string) (gitrepo.Draft, error)
	History(sceneID string, limit int) ([]store.CommitInfo, error)
}

type bookExporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type keyIssuer interface {
	GenerateKey(ctx context.Context, userID, name string, scopes []string, expiresAt *time.Time) (string, store.APIKey, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	cache     *cache.Manager
	contexts  contextManager
	search    searchIndex
	ai        aiService
	artifacts artifactStore
	drafts    draftStore
	exporter  bookExporter
	keys      keyIssuer
	log       *zap.Logger
}

// Deps bundles the collaborators a Service is wired with.
type Deps struct {
	Store     *store.PostgresStore
	Cache     *cache.Manager
	Contexts  *novel.Manager
	Search    *search.Service
	AI        *aiclient.Client
	Artifacts *artifacts.Store
	Drafts    *gitrepo.Service
	Exporter  *export.Service
	Keys      *auth.Service
	Logger    *zap.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		cache:     deps.Cache,
		contexts:  deps.Contexts,
		search:    deps.Search,
		ai:        deps.AI,
		artifacts: deps.Artifacts,
		drafts:    deps.Drafts,
		exporter:  deps.Exporter,
		keys:      deps.Keys,
		log:       logger.Named("app"),
	}
}

// HierarchySource feeds the context assembler with cached hierarchy trees. It
// shares the cache-aside path used by GetHierarchy, so assembling a scene
// context never refetches a tree another read already warmed.
type HierarchySource struct {
	store dataStore
	cache *cache.Manager
}

func NewHierarchySource(st *store.PostgresStore, c *cache.Manager) *HierarchySource {
	return &HierarchySource{store: st, cache: c}
}

func (h *HierarchySource) HierarchyForScene(ctx context.Context, sceneID string) (*store.BookHierarchy, error) {
	path, err := h.store.ResolveSceneBook(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	return loadHierarchy(ctx, h.store, h.cache, path.BookID)
}

// loadHierarchy is the cache-aside read for a book's tree: a stampede-guarded
// get-or-set on the hierarchy key, with the chapter scene-id index written
// alongside on every fill.
func loadHierarchy(ctx context.Context, st dataStore, c *cache.Manager, bookID string) (*store.BookHierarchy, error) {
	return cache.GetOrSet(ctx, c, cache.HierarchyKey(bookID), c.TTLPolicy().Hierarchy,
		func(ctx context.Context) (*store.BookHierarchy, error) {
			h, err := st.FetchHierarchy(ctx, bookID)
			if err != nil {
				return nil, err
			}
			c.SetChapterIndex(ctx, h)
			return h, nil
		})
}

// Ping checks the database connection.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CachePing checks the cache store connection.
func (s *Service) CachePing(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

// Bootstrap seeds a demo author, book, and admin API key on an empty
// database. The raw key is logged once; it is not recoverable afterwards.
func (s *Service) Bootstrap(ctx context.Context) error {
	const demoUserID = "usr_demo"

	if _, err := s.store.GetUserByID(ctx, demoUserID); err == nil {
		return nil
	}

	if err := s.store.CreateUser(ctx, store.User{
		ID:    demoUserID,
		Email: "avery@fictures.dev",
		Name:  "Avery",
		Role:  "writer",
	}); err != nil {
		return err
	}

	rawKey, _, err := s.keys.GenerateKey(ctx, demoUserID, "dev key", []string{auth.ScopeAdminAll}, nil)
	if err != nil {
		return err
	}
	s.log.Info("seeded dev api key", zap.String("user_id", demoUserID), zap.String("api_key", rawKey))

	book := store.Book{ID: util.NewID("bk"), OwnerID: demoUserID, Title: "The Long Rain", Genre: "fantasy", Status: "draft"}
	if err := s.store.CreateBook(ctx, book); err != nil {
		return err
	}
	story := store.Story{
		ID:       util.NewID("st"),
		BookID:   book.ID,
		Title:    "Book One",
		Synopsis: "A ferry crossing goes wrong and the river keeps what it takes.",
		Themes:   []string{"memory", "debt"},
	}
	if err := s.store.CreateStory(ctx, story); err != nil {
		return err
	}
	part := store.Part{ID: util.NewID("pt"), StoryID: story.ID, Title: "Part I"}
	if err := s.store.CreatePart(ctx, part); err != nil {
		return err
	}
	chapter := store.Chapter{ID: util.NewID("ch"), PartID: part.ID, Title: "Arrival", POV: "Maren", Setting: "The east bank"}
	if err := s.store.CreateChapter(ctx, chapter); err != nil {
		return err
	}
	scenes := []store.Scene{
		{ID: util.NewID("sc"), ChapterID: chapter.ID, Title: "Dawn", Summary: "Maren reaches the crossing.", Content: "The rain had not stopped for nine days.", Status: "draft", SortOrder: 0},
		{ID: util.NewID("sc"), ChapterID: chapter.ID, Title: "The Ferryman", Summary: "A price is named.", Status: "outline", SortOrder: 1},
	}
	for _, scene := range scenes {
		if err := s.store.CreateScene(ctx, scene); err != nil {
			return err
		}
		if err := s.drafts.EnsureSceneRepo(scene.ID, draftFromScene(scene), "Avery"); err != nil {
			return err
		}
		s.search.IndexScene(sceneRecord(scene, book.ID))
	}
	s.search.IndexBook(search.BookRecord{ID: book.ID, Title: book.Title, Genre: book.Genre, Status: book.Status})
	s.search.IndexChapter(search.ChapterRecord{ID: chapter.ID, Title: chapter.Title, POV: chapter.POV, BookID: book.ID})

	if h, err := s.store.FetchHierarchy(ctx, book.ID); err == nil {
		s.cache.WarmBook(ctx, h)
	}
	s.log.Info("seeded demo book", zap.String("book_id", book.ID))
	return nil
}

// GetHierarchy returns the full tree for a book, served from the cache when
// warm.
func (s *Service) GetHierarchy(ctx context.Context, userID, bookID string) (*store.BookHierarchy, error) {
	if err := s.requireBookRead(ctx, userID, bookID); err != nil {
		return nil, err
	}
	return loadHierarchy(ctx, s.store, s.cache, bookID)
}

// GetBreadcrumb returns the book-to-scene title path for one scene.
func (s *Service) GetBreadcrumb(ctx context.Context, userID, sceneID string) (store.Breadcrumb, error) {
	bc, err := s.loadBreadcrumb(ctx, sceneID)
	if err != nil {
		return store.Breadcrumb{}, err
	}
	if err := s.requireBookRead(ctx, userID, bc.BookID); err != nil {
		return store.Breadcrumb{}, err
	}
	return bc, nil
}

func (s *Service) loadBreadcrumb(ctx context.Context, sceneID string) (store.Breadcrumb, error) {
	return cache.GetOrSet(ctx, s.cache, cache.BreadcrumbKey(sceneID), s.cache.TTLPolicy().Breadcrumb,
		func(ctx context.Context) (store.Breadcrumb, error) {
			return s.store.GetBreadcrumb(ctx, sceneID)
		})
}

// GetWordCount returns the book's word-count summary, recomputing it at most
// once per TTL window.
func (s *Service) GetWordCount(ctx context.Context, userID, bookID string) (store.WordCount, error) {
	if err := s.requireBookRead(ctx, userID, bookID); err != nil {
		return store.WordCount{}, err
	}
	return cache.GetOrSet(ctx, s.cache, cache.WordCountKey(bookID), s.cache.TTLPolicy().WordCount,
		func(ctx context.Context) (store.WordCount, error) {
			return s.store.ComputeWordCount(ctx, bookID)
		})
}

// GetBookSummary returns the derived level totals for a book. The summary is
// computed from the (possibly cached) hierarchy, so a warm tree never costs a
// second database roundtrip.
func (s *Service) GetBookSummary(ctx context.Context, userID, bookID string) (store.HierarchySummary, error) {
	if err := s.requireBookRead(ctx, userID, bookID); err != nil {
		return store.HierarchySummary{}, err
	}
	return cache.GetOrSet(ctx, s.cache, cache.MetadataKey(bookID), s.cache.TTLPolicy().Metadata,
		func(ctx context.Context) (store.HierarchySummary, error) {
			h, err := loadHierarchy(ctx, s.store, s.cache, bookID)
			if err != nil {
				return store.HierarchySummary{}, err
			}
			return h.Summarize(), nil
		})
}

// GetSceneContext assembles (or reads back) the layered context for a scene.
func (s *Service) GetSceneContext(ctx context.Context, userID, sceneID, depth string) (*novel.HierarchicalContext, error) {
	d, err := novel.ParseDepth(depth)
	if err != nil {
		return nil, validationError(err.Error())
	}
	bc, err := s.loadBreadcrumb(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookRead(ctx, userID, bc.BookID); err != nil {
		return nil, err
	}
	return s.contexts.GetContext(ctx, sceneID, d)
}

// GetScenePrompt renders the scene's context as LLM prompt text.
func (s *Service) GetScenePrompt(ctx context.Context, userID, sceneID, depth string) (map[string]any, error) {
	d, err := novel.ParseDepth(depth)
	if err != nil {
		return nil, validationError(err.Error())
	}
	bc, err := s.loadBreadcrumb(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookRead(ctx, userID, bc.BookID); err != nil {
		return nil, err
	}
	prompt, err := s.contexts.RenderScenePrompt(ctx, sceneID, d, novel.DefaultRenderOptions())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"sceneId": sceneID,
		"depth":   string(d),
		"prompt":  prompt,
	}, nil
}

// CheckPermission returns the caller's cached permission on a book.
func (s *Service) CheckPermission(ctx context.Context, userID, bookID string) (store.BookPermission, error) {
	if p := s.cache.GetPermission(ctx, userID, bookID); p != nil {
		return *p, nil
	}
	p, err := s.store.GetPermission(ctx, userID, bookID)
	if err != nil {
		return store.BookPermission{}, err
	}
	s.cache.SetPermission(ctx, p)
	return p, nil
}

func (s *Service) requireBookRead(ctx context.Context, userID, bookID string) error {
	_, err := s.CheckPermission(ctx, userID, bookID)
	return err
}

func (s *Service) requireBookWrite(ctx context.Context, userID, bookID string) error {
	p, err := s.CheckPermission(ctx, userID, bookID)
	if err != nil {
		return err
	}
	if !p.CanWrite {
		return forbiddenError("Write access required")
	}
	return nil
}

// Search runs a full-text query, book-scoped results coming from the shared
// cache when the same page was asked for recently.
func (s *Service) Search(ctx context.Context, userID, text, filterType, bookID string, limit, offset int) (search.Response, error) {
	if strings.TrimSpace(text) == "" {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	if bookID != "" {
		if err := s.requireBookRead(ctx, userID, bookID); err != nil {
			return search.Response{}, err
		}
	}
	switch search.ResultType(filterType) {
	case "", search.ResultScene, search.ResultChapter, search.ResultBook:
	default:
		return search.Response{}, validationError("type must be scene, chapter, or book")
	}
	return s.search.Search(ctx, search.Query{
		Text:       text,
		FilterType: search.ResultType(filterType),
		BookID:     bookID,
		Limit:      limit,
		Offset:     offset,
	}), nil
}

// ListBooks returns the caller's own books.
func (s *Service) ListBooks(ctx context.Context, userID string) ([]store.Book, error) {
	return s.store.ListBooksByOwner(ctx, userID)
}

// GetBook returns one book with its cached level totals when present.
func (s *Service) GetBook(ctx context.Context, userID, bookID string) (map[string]any, error) {
	if err := s.requireBookRead(ctx, userID, bookID); err != nil {
		return nil, err
	}
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"book": book}
	if summary := s.cache.GetSummary(ctx, bookID); summary != nil {
		payload["summary"] = summary
	}
	return payload, nil
}

// CreateAPIKey issues a new key for a user. Admin only; enforced at the HTTP
// layer.
func (s *Service) CreateAPIKey(ctx context.Context, userID, name string, scopes []string, expiresInDays int) (map[string]any, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, validationError("userId is required")
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		name = "api key"
	}
	if len(scopes) == 0 {
		scopes = []string{auth.ScopeStoriesRead}
	}
	var expiresAt *time.Time
	if expiresInDays > 0 {
		t := time.Now().AddDate(0, 0, expiresInDays)
		expiresAt = &t
	}
	raw, key, err := s.keys.GenerateKey(ctx, userID, name, scopes, expiresAt)
	if err != nil {
		return nil, validationError(err.Error())
	}
	payload := map[string]any{
		"id":        key.ID,
		"userId":    key.UserID,
		"name":      key.Name,
		"keyPrefix": key.KeyPrefix,
		"scopes":    key.Scopes,
		"apiKey":    raw,
	}
	if key.ExpiresAt != nil {
		payload["expiresAt"] = key.ExpiresAt
	}
	return payload, nil
}
