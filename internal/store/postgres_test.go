package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// setupTestStore opens the test database, applies migrations, and wipes the
// content tables so each test starts from a clean slate.
func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	_, err = db.ExecContext(ctx, `TRUNCATE users, books, book_collaborators, stories, characters, parts, character_arcs, chapters, scenes, api_keys CASCADE`)
	if err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewPostgresStore(db)
}

// seedBookTree inserts one fully nested book and returns its id. The tree has
// one story with two characters, one part with an arc, and two chapters
// holding three scenes between them.
func seedBookTree(t *testing.T, s *PostgresStore) string {
	t.Helper()
	ctx := context.Background()

	if err := s.CreateUser(ctx, User{ID: "usr_owner", Email: "owner@fictures.test", Name: "Owner", Role: "writer"}); err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if err := s.CreateBook(ctx, Book{ID: "bk_test", OwnerID: "usr_owner", Title: "The Long Rain", Genre: "fantasy", Status: "draft"}); err != nil {
		t.Fatalf("create book failed: %v", err)
	}
	if err := s.CreateStory(ctx, Story{
		ID: "st_test", BookID: "bk_test", Title: "Act One",
		Synopsis: "A village endures the flood.",
		Themes:   []string{"endurance", "grief"},
		PlotAct1: "The flood", PlotAct2: "The crossing", PlotAct3: "The landfall",
	}); err != nil {
		t.Fatalf("create story failed: %v", err)
	}

	age := 34
	if err := s.CreateCharacter(ctx, Character{
		ID: "chr_maren", StoryID: "st_test", Name: "Maren", Age: &age,
		Background: "Raised on the high ridge.", Relationships: []string{"sister of Edda"},
	}); err != nil {
		t.Fatalf("create character failed: %v", err)
	}
	if err := s.CreateCharacter(ctx, Character{ID: "chr_edda", StoryID: "st_test", Name: "Edda"}); err != nil {
		t.Fatalf("create character failed: %v", err)
	}

	if err := s.CreatePart(ctx, Part{ID: "pt_test", StoryID: "st_test", Title: "Part I", ThematicFocus: "leaving home"}); err != nil {
		t.Fatalf("create part failed: %v", err)
	}
	if err := s.UpsertCharacterArc(ctx, CharacterArc{PartID: "pt_test", Character: "Maren", Arc: "from duty to choice", CurrentState: "still dutiful"}); err != nil {
		t.Fatalf("upsert arc failed: %v", err)
	}

	if err := s.CreateChapter(ctx, Chapter{ID: "ch_one", PartID: "pt_test", Title: "Arrival", POV: "Maren"}); err != nil {
		t.Fatalf("create chapter failed: %v", err)
	}
	if err := s.CreateChapter(ctx, Chapter{ID: "ch_two", PartID: "pt_test", Title: "The Ford"}); err != nil {
		t.Fatalf("create chapter failed: %v", err)
	}

	scenes := []Scene{
		{ID: "sc_one", ChapterID: "ch_one", Title: "Dawn", Content: "The rain broke at dawn over the valley.", Status: "draft", Conflicts: []string{"river"}},
		{ID: "sc_two", ChapterID: "ch_one", Title: "Noon", Content: "Maren crossed the ford alone.", Status: "draft"},
		{ID: "sc_three", ChapterID: "ch_two", Title: "Dusk", Status: "outline"},
	}
	for _, scene := range scenes {
		if err := s.CreateScene(ctx, scene); err != nil {
			t.Fatalf("create scene %s failed: %v", scene.ID, err)
		}
	}
	return "bk_test"
}

func TestFetchHierarchyShape(t *testing.T) {
	s := setupTestStore(t)
	bookID := seedBookTree(t, s)
	ctx := context.Background()

	h, err := s.FetchHierarchy(ctx, bookID)
	if err != nil {
		t.Fatalf("fetch hierarchy failed: %v", err)
	}

	if h.Book.Title != "The Long Rain" {
		t.Errorf("expected book title The Long Rain, got %q", h.Book.Title)
	}
	if len(h.Stories) != 1 {
		t.Fatalf("expected 1 story, got %d", len(h.Stories))
	}
	story := h.Stories[0]
	if len(story.Themes) != 2 || story.Themes[0] != "endurance" {
		t.Errorf("expected themes to decode, got %v", story.Themes)
	}
	if len(story.Characters) != 2 {
		t.Fatalf("expected 2 characters, got %d", len(story.Characters))
	}
	if story.Characters[0].Age == nil || *story.Characters[0].Age != 34 {
		t.Errorf("expected Maren age 34, got %v", story.Characters[0].Age)
	}
	if story.Characters[1].Age != nil {
		t.Errorf("expected Edda age nil, got %v", story.Characters[1].Age)
	}

	if len(story.Parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(story.Parts))
	}
	part := story.Parts[0]
	if len(part.Arcs) != 1 || part.Arcs[0].Character != "Maren" {
		t.Errorf("expected Maren arc on part, got %v", part.Arcs)
	}
	if len(part.Chapters) != 2 {
		t.Fatalf("expected 2 chapters, got %d", len(part.Chapters))
	}
	if part.Chapters[0].ID != "ch_one" || part.Chapters[1].ID != "ch_two" {
		t.Errorf("expected chapter order ch_one, ch_two, got %s, %s", part.Chapters[0].ID, part.Chapters[1].ID)
	}
	if len(part.Chapters[0].Scenes) != 2 || len(part.Chapters[1].Scenes) != 1 {
		t.Fatalf("expected scene counts 2 and 1, got %d and %d", len(part.Chapters[0].Scenes), len(part.Chapters[1].Scenes))
	}
	if part.Chapters[0].Scenes[0].ID != "sc_one" {
		t.Errorf("expected sc_one first, got %s", part.Chapters[0].Scenes[0].ID)
	}
	if got := part.Chapters[0].Scenes[0].Conflicts; len(got) != 1 || got[0] != "river" {
		t.Errorf("expected conflicts to decode, got %v", got)
	}
}

func TestFetchHierarchyMissingBook(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.FetchHierarchy(context.Background(), "bk_missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestBreadcrumbAndScenePath(t *testing.T) {
	s := setupTestStore(t)
	seedBookTree(t, s)
	ctx := context.Background()

	bc, err := s.GetBreadcrumb(ctx, "sc_two")
	if err != nil {
		t.Fatalf("get breadcrumb failed: %v", err)
	}
	if bc.BookID != "bk_test" || bc.BookTitle != "The Long Rain" {
		t.Errorf("expected book bk_test/The Long Rain, got %s/%s", bc.BookID, bc.BookTitle)
	}
	if bc.ChapterID != "ch_one" || bc.ChapterTitle != "Arrival" {
		t.Errorf("expected chapter ch_one/Arrival, got %s/%s", bc.ChapterID, bc.ChapterTitle)
	}
	if bc.SceneTitle != "Noon" {
		t.Errorf("expected scene title Noon, got %q", bc.SceneTitle)
	}

	path, err := s.ResolveSceneBook(ctx, "sc_three")
	if err != nil {
		t.Fatalf("resolve scene book failed: %v", err)
	}
	want := ScenePath{BookID: "bk_test", StoryID: "st_test", PartID: "pt_test", ChapterID: "ch_two", SceneID: "sc_three"}
	if path != want {
		t.Errorf("expected path %+v, got %+v", want, path)
	}

	if _, err := s.GetBreadcrumb(ctx, "sc_missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows for missing scene, got %v", err)
	}
}

func TestComputeWordCount(t *testing.T) {
	s := setupTestStore(t)
	bookID := seedBookTree(t, s)

	wc, err := s.ComputeWordCount(context.Background(), bookID)
	if err != nil {
		t.Fatalf("compute word count failed: %v", err)
	}
	if wc.SceneCount != 3 {
		t.Errorf("expected 3 scenes, got %d", wc.SceneCount)
	}
	// sc_one has 8 words, sc_two has 5, sc_three is empty.
	if wc.TotalWords != 13 {
		t.Errorf("expected 13 words, got %d", wc.TotalWords)
	}
}

func TestReorderScenes(t *testing.T) {
	s := setupTestStore(t)
	seedBookTree(t, s)
	ctx := context.Background()

	if err := s.ReorderScenes(ctx, "ch_one", []string{"sc_two", "sc_one"}); err != nil {
		t.Fatalf("reorder failed: %v", err)
	}
	ids, err := s.ListChapterSceneIDs(ctx, "ch_one")
	if err != nil {
		t.Fatalf("list scenes failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "sc_two" || ids[1] != "sc_one" {
		t.Fatalf("expected order [sc_two sc_one], got %v", ids)
	}

	// A scene from another chapter rolls the whole reorder back.
	err = s.ReorderScenes(ctx, "ch_one", []string{"sc_three", "sc_one"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for foreign scene, got %v", err)
	}
	ids, err = s.ListChapterSceneIDs(ctx, "ch_one")
	if err != nil {
		t.Fatalf("list scenes failed: %v", err)
	}
	if ids[0] != "sc_two" || ids[1] != "sc_one" {
		t.Errorf("expected order preserved after failed reorder, got %v", ids)
	}
}

func TestGetPermissionRoles(t *testing.T) {
	s := setupTestStore(t)
	bookID := seedBookTree(t, s)
	ctx := context.Background()

	if err := s.CreateUser(ctx, User{ID: "usr_editor", Email: "editor@fictures.test", Name: "Editor"}); err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if err := s.CreateUser(ctx, User{ID: "usr_reader", Email: "reader@fictures.test", Name: "Reader"}); err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if err := s.AddCollaborator(ctx, bookID, "usr_editor", "editor"); err != nil {
		t.Fatalf("add collaborator failed: %v", err)
	}
	if err := s.AddCollaborator(ctx, bookID, "usr_reader", "viewer"); err != nil {
		t.Fatalf("add collaborator failed: %v", err)
	}

	perm, err := s.GetPermission(ctx, "usr_owner", bookID)
	if err != nil {
		t.Fatalf("owner permission failed: %v", err)
	}
	if perm.Role != "owner" || !perm.CanWrite {
		t.Errorf("expected writable owner role, got %+v", perm)
	}

	perm, err = s.GetPermission(ctx, "usr_editor", bookID)
	if err != nil {
		t.Fatalf("editor permission failed: %v", err)
	}
	if perm.Role != "editor" || !perm.CanWrite {
		t.Errorf("expected writable editor role, got %+v", perm)
	}

	perm, err = s.GetPermission(ctx, "usr_reader", bookID)
	if err != nil {
		t.Fatalf("viewer permission failed: %v", err)
	}
	if perm.Role != "viewer" || perm.CanWrite {
		t.Errorf("expected read-only viewer role, got %+v", perm)
	}

	if _, err := s.GetPermission(ctx, "usr_stranger", bookID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows for stranger, got %v", err)
	}
}

func TestAPIKeyLookup(t *testing.T) {
	s := setupTestStore(t)
	seedBookTree(t, s)
	ctx := context.Background()

	key := APIKey{
		ID: "key_one", UserID: "usr_owner", Name: "cli",
		KeyPrefix: "fk_12345678", KeyHash: "$2a$10$fakehash",
		Scopes: []string{"stories:read"}, IsActive: true,
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("create api key failed: %v", err)
	}

	found, err := s.GetAPIKeysByPrefix(ctx, "fk_12345678")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != "key_one" {
		t.Fatalf("expected key_one, got %v", found)
	}
	if len(found[0].Scopes) != 1 || found[0].Scopes[0] != "stories:read" {
		t.Errorf("expected scopes to decode, got %v", found[0].Scopes)
	}
	if found[0].LastUsedAt != nil {
		t.Errorf("expected nil last_used_at on fresh key, got %v", found[0].LastUsedAt)
	}

	if err := s.UpdateAPIKeyLastUsed(ctx, "key_one"); err != nil {
		t.Fatalf("update last used failed: %v", err)
	}
	found, err = s.GetAPIKeysByPrefix(ctx, "fk_12345678")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if found[0].LastUsedAt == nil {
		t.Error("expected last_used_at to be set")
	}

	// Deactivated keys drop out of prefix lookups.
	if _, err := s.DB().ExecContext(ctx, `UPDATE api_keys SET is_active=FALSE WHERE id='key_one'`); err != nil {
		t.Fatalf("deactivate key failed: %v", err)
	}
	found, err = s.GetAPIKeysByPrefix(ctx, "fk_12345678")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("expected no active keys, got %v", found)
	}
}

func TestUpdateSceneBumpsTimestamp(t *testing.T) {
	s := setupTestStore(t)
	seedBookTree(t, s)
	ctx := context.Background()

	before, err := s.GetScene(ctx, "sc_one")
	if err != nil {
		t.Fatalf("get scene failed: %v", err)
	}

	before.Content = "The rain broke at dawn over the flooded valley."
	before.Status = "revised"
	if err := s.UpdateScene(ctx, before); err != nil {
		t.Fatalf("update scene failed: %v", err)
	}

	after, err := s.GetScene(ctx, "sc_one")
	if err != nil {
		t.Fatalf("get scene failed: %v", err)
	}
	if after.Status != "revised" {
		t.Errorf("expected status revised, got %q", after.Status)
	}
	if after.UpdatedAt.Before(before.UpdatedAt) {
		t.Errorf("expected updated_at to advance, got %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}
}

// getTestDatabaseURL returns the database URL for testing.
// It checks the FICTURES_TEST_DATABASE_URL environment variable first,
// then falls back to a default local development URL.
func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := getenv("FICTURES_TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	host := getenv("POSTGRES_HOST", "localhost")
	port := getenv("POSTGRES_PORT", "5432")
	user := getenv("POSTGRES_USER", "fictures")
	pass := getenv("POSTGRES_PASSWORD", "fictures")
	dbname := getenv("POSTGRES_DB", "fictures_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func getenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
