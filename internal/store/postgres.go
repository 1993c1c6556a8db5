package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"fictures/api/internal/rbac"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// encodeList renders a string slice as JSONB input, never null.
func encodeList(items []string) ([]byte, error) {
	if items == nil {
		items = []string{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal list: %w", err)
	}
	return encoded, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, user.ID, user.Email, user.Name, user.Role)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, role, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Email, &user.Name, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateBook(ctx context.Context, book Book) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO books (id, owner_id, title, genre, status)
		VALUES ($1, $2, $3, $4, $5)
	`, book.ID, book.OwnerID, book.Title, book.Genre, book.Status)
	if err != nil {
		return fmt.Errorf("create book: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBook(ctx context.Context, bookID string) (Book, error) {
	var book Book
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, genre, status, created_at, updated_at
		FROM books WHERE id=$1
	`, bookID).Scan(&book.ID, &book.OwnerID, &book.Title, &book.Genre, &book.Status, &book.CreatedAt, &book.UpdatedAt)
	if err != nil {
		return Book{}, err
	}
	return book, nil
}

func (s *PostgresStore) ListBooksByOwner(ctx context.Context, ownerID string) ([]Book, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, genre, status, created_at, updated_at
		FROM books WHERE owner_id=$1
		ORDER BY updated_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	items := make([]Book, 0)
	for rows.Next() {
		var book Book
		if err := rows.Scan(&book.ID, &book.OwnerID, &book.Title, &book.Genre, &book.Status, &book.CreatedAt, &book.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		items = append(items, book)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate books: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateBook(ctx context.Context, book Book) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE books
		SET title=$2, genre=$3, status=$4, updated_at=NOW()
		WHERE id=$1
	`, book.ID, book.Title, book.Genre, book.Status)
	if err != nil {
		return fmt.Errorf("update book: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBook(ctx context.Context, bookID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM books WHERE id=$1`, bookID)
	if err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateStory(ctx context.Context, story Story) error {
	themes, err := encodeList(story.Themes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stories (id, book_id, title, synopsis, themes, world_settings, plot_act1, plot_act2, plot_act3, sort_order)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9,
			(SELECT COALESCE(MAX(sort_order)+1, 0) FROM stories WHERE book_id=$2))
	`, story.ID, story.BookID, story.Title, story.Synopsis, themes, story.WorldSettings, story.PlotAct1, story.PlotAct2, story.PlotAct3)
	if err != nil {
		return fmt.Errorf("create story: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStory(ctx context.Context, story Story) error {
	themes, err := encodeList(story.Themes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE stories
		SET title=$2, synopsis=$3, themes=$4::jsonb, world_settings=$5, plot_act1=$6, plot_act2=$7, plot_act3=$8
		WHERE id=$1
	`, story.ID, story.Title, story.Synopsis, themes, story.WorldSettings, story.PlotAct1, story.PlotAct2, story.PlotAct3)
	if err != nil {
		return fmt.Errorf("update story: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteStory(ctx context.Context, storyID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stories WHERE id=$1`, storyID)
	if err != nil {
		return fmt.Errorf("delete story: %w", err)
	}
	return nil
}

func (s *PostgresStore) BookIDForStory(ctx context.Context, storyID string) (string, error) {
	var bookID string
	err := s.db.QueryRowContext(ctx, `SELECT book_id FROM stories WHERE id=$1`, storyID).Scan(&bookID)
	if err != nil {
		return "", err
	}
	return bookID, nil
}

func (s *PostgresStore) CreateCharacter(ctx context.Context, character Character) error {
	relationships, err := encodeList(character.Relationships)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO characters (id, story_id, name, age, background, personality, goals, relationships, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb,
			(SELECT COALESCE(MAX(sort_order)+1, 0) FROM characters WHERE story_id=$2))
	`, character.ID, character.StoryID, character.Name, character.Age, character.Background, character.Personality, character.Goals, relationships)
	if err != nil {
		return fmt.Errorf("create character: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCharacter(ctx context.Context, character Character) error {
	relationships, err := encodeList(character.Relationships)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE characters
		SET name=$2, age=$3, background=$4, personality=$5, goals=$6, relationships=$7::jsonb
		WHERE id=$1
	`, character.ID, character.Name, character.Age, character.Background, character.Personality, character.Goals, relationships)
	if err != nil {
		return fmt.Errorf("update character: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCharacter(ctx context.Context, characterID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM characters WHERE id=$1`, characterID)
	if err != nil {
		return fmt.Errorf("delete character: %w", err)
	}
	return nil
}

func (s *PostgresStore) BookIDForCharacter(ctx context.Context, characterID string) (string, error) {
	var bookID string
	err := s.db.QueryRowContext(ctx, `
		SELECT st.book_id FROM characters c JOIN stories st ON st.id = c.story_id WHERE c.id=$1
	`, characterID).Scan(&bookID)
	if err != nil {
		return "", err
	}
	return bookID, nil
}

func (s *PostgresStore) CreatePart(ctx context.Context, part Part) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parts (id, story_id, title, description, thematic_focus, sort_order)
		VALUES ($1, $2, $3, $4, $5,
			(SELECT COALESCE(MAX(sort_order)+1, 0) FROM parts WHERE story_id=$2))
	`, part.ID, part.StoryID, part.Title, part.Description, part.ThematicFocus)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePart(ctx context.Context, part Part) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE parts
		SET title=$2, description=$3, thematic_focus=$4
		WHERE id=$1
	`, part.ID, part.Title, part.Description, part.ThematicFocus)
	if err != nil {
		return fmt.Errorf("update part: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeletePart(ctx context.Context, partID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM parts WHERE id=$1`, partID)
	if err != nil {
		return fmt.Errorf("delete part: %w", err)
	}
	return nil
}

func (s *PostgresStore) BookIDForPart(ctx context.Context, partID string) (string, error) {
	var bookID string
	err := s.db.QueryRowContext(ctx, `
		SELECT st.book_id FROM parts p JOIN stories st ON st.id = p.story_id WHERE p.id=$1
	`, partID).Scan(&bookID)
	if err != nil {
		return "", err
	}
	return bookID, nil
}

func (s *PostgresStore) UpsertCharacterArc(ctx context.Context, arc CharacterArc) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO character_arcs (part_id, character_name, arc, current_state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (part_id, character_name) DO UPDATE SET arc=EXCLUDED.arc, current_state=EXCLUDED.current_state
	`, arc.PartID, arc.Character, arc.Arc, arc.CurrentState)
	if err != nil {
		return fmt.Errorf("upsert character arc: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateChapter(ctx context.Context, chapter Chapter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chapters (id, part_id, title, summary, pov, setting, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6,
			(SELECT COALESCE(MAX(sort_order)+1, 0) FROM chapters WHERE part_id=$2))
	`, chapter.ID, chapter.PartID, chapter.Title, chapter.Summary, chapter.POV, chapter.Setting)
	if err != nil {
		return fmt.Errorf("create chapter: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateChapter(ctx context.Context, chapter Chapter) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chapters
		SET title=$2, summary=$3, pov=$4, setting=$5
		WHERE id=$1
	`, chapter.ID, chapter.Title, chapter.Summary, chapter.POV, chapter.Setting)
	if err != nil {
		return fmt.Errorf("update chapter: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteChapter(ctx context.Context, chapterID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chapters WHERE id=$1`, chapterID)
	if err != nil {
		return fmt.Errorf("delete chapter: %w", err)
	}
	return nil
}

func (s *PostgresStore) BookIDForChapter(ctx context.Context, chapterID string) (string, error) {
	var bookID string
	err := s.db.QueryRowContext(ctx, `
		SELECT st.book_id
		FROM chapters c
		JOIN parts p ON p.id = c.part_id
		JOIN stories st ON st.id = p.story_id
		WHERE c.id=$1
	`, chapterID).Scan(&bookID)
	if err != nil {
		return "", err
	}
	return bookID, nil
}

// ListChapterSceneIDs returns the scene ids under a chapter in reading order.
func (s *PostgresStore) ListChapterSceneIDs(ctx context.Context, chapterID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM scenes WHERE chapter_id=$1 ORDER BY sort_order, id
	`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("list chapter scenes: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan scene id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scene ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) CreateScene(ctx context.Context, scene Scene) error {
	conflicts, err := encodeList(scene.Conflicts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scenes (id, chapter_id, title, summary, content, purpose, conflicts, status, image_url, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9,
			(SELECT COALESCE(MAX(sort_order)+1, 0) FROM scenes WHERE chapter_id=$2))
	`, scene.ID, scene.ChapterID, scene.Title, scene.Summary, scene.Content, scene.Purpose, conflicts, scene.Status, scene.ImageURL)
	if err != nil {
		return fmt.Errorf("create scene: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetScene(ctx context.Context, sceneID string) (Scene, error) {
	var scene Scene
	var conflictsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chapter_id, title, summary, content, purpose, conflicts, status, image_url, sort_order, updated_at
		FROM scenes WHERE id=$1
	`, sceneID).Scan(
		&scene.ID,
		&scene.ChapterID,
		&scene.Title,
		&scene.Summary,
		&scene.Content,
		&scene.Purpose,
		&conflictsRaw,
		&scene.Status,
		&scene.ImageURL,
		&scene.SortOrder,
		&scene.UpdatedAt,
	)
	if err != nil {
		return Scene{}, err
	}
	_ = json.Unmarshal(conflictsRaw, &scene.Conflicts)
	return scene, nil
}

func (s *PostgresStore) UpdateScene(ctx context.Context, scene Scene) error {
	conflicts, err := encodeList(scene.Conflicts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE scenes
		SET title=$2, summary=$3, content=$4, purpose=$5, conflicts=$6::jsonb, status=$7, image_url=$8, updated_at=NOW()
		WHERE id=$1
	`, scene.ID, scene.Title, scene.Summary, scene.Content, scene.Purpose, conflicts, scene.Status, scene.ImageURL)
	if err != nil {
		return fmt.Errorf("update scene: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteScene(ctx context.Context, sceneID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scenes WHERE id=$1`, sceneID)
	if err != nil {
		return fmt.Errorf("delete scene: %w", err)
	}
	return nil
}

// ReorderScenes rewrites sort_order for a chapter to match orderedIDs. Every
// id must belong to the chapter or the whole reorder rolls back.
func (s *PostgresStore) ReorderScenes(ctx context.Context, chapterID string, orderedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, sceneID := range orderedIDs {
		res, err := tx.ExecContext(ctx, `
			UPDATE scenes SET sort_order=$1, updated_at=NOW() WHERE id=$2 AND chapter_id=$3
		`, i, sceneID, chapterID)
		if err != nil {
			return fmt.Errorf("reorder scene %s: %w", sceneID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("reorder scene %s: %w", sceneID, sql.ErrNoRows)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder: %w", err)
	}
	return nil
}

// ResolveSceneBook maps a scene id to the full id path above it.
func (s *PostgresStore) ResolveSceneBook(ctx context.Context, sceneID string) (ScenePath, error) {
	var path ScenePath
	err := s.db.QueryRowContext(ctx, `
		SELECT st.book_id, st.id, p.id, c.id, sc.id
		FROM scenes sc
		JOIN chapters c ON c.id = sc.chapter_id
		JOIN parts p ON p.id = c.part_id
		JOIN stories st ON st.id = p.story_id
		WHERE sc.id=$1
	`, sceneID).Scan(&path.BookID, &path.StoryID, &path.PartID, &path.ChapterID, &path.SceneID)
	if err != nil {
		return ScenePath{}, err
	}
	return path, nil
}

// GetBreadcrumb returns the id/title pairs for every level above a scene.
func (s *PostgresStore) GetBreadcrumb(ctx context.Context, sceneID string) (Breadcrumb, error) {
	var bc Breadcrumb
	err := s.db.QueryRowContext(ctx, `
		SELECT b.id, b.title, st.id, st.title, p.id, p.title, c.id, c.title, sc.id, sc.title
		FROM scenes sc
		JOIN chapters c ON c.id = sc.chapter_id
		JOIN parts p ON p.id = c.part_id
		JOIN stories st ON st.id = p.story_id
		JOIN books b ON b.id = st.book_id
		WHERE sc.id=$1
	`, sceneID).Scan(
		&bc.BookID,
		&bc.BookTitle,
		&bc.StoryID,
		&bc.StoryTitle,
		&bc.PartID,
		&bc.PartTitle,
		&bc.ChapterID,
		&bc.ChapterTitle,
		&bc.SceneID,
		&bc.SceneTitle,
	)
	if err != nil {
		return Breadcrumb{}, err
	}
	return bc, nil
}

// ComputeWordCount tallies whitespace-separated words across every scene body
// under a book.
func (s *PostgresStore) ComputeWordCount(ctx context.Context, bookID string) (WordCount, error) {
	wc := WordCount{BookID: bookID}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(sc.id),
			COALESCE(SUM(CASE WHEN btrim(sc.content) = '' THEN 0
				ELSE array_length(regexp_split_to_array(btrim(sc.content), '\s+'), 1) END), 0)
		FROM scenes sc
		JOIN chapters c ON c.id = sc.chapter_id
		JOIN parts p ON p.id = c.part_id
		JOIN stories st ON st.id = p.story_id
		WHERE st.book_id=$1
	`, bookID).Scan(&wc.SceneCount, &wc.TotalWords)
	if err != nil {
		return WordCount{}, fmt.Errorf("compute word count: %w", err)
	}
	return wc, nil
}

// FetchHierarchy loads the whole nested tree for a book in reading order.
func (s *PostgresStore) FetchHierarchy(ctx context.Context, bookID string) (*BookHierarchy, error) {
	book, err := s.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	h := &BookHierarchy{Book: book, Stories: make([]StoryNode, 0)}

	storyIdx := make(map[string]int)
	if err := s.loadStories(ctx, h, bookID, storyIdx); err != nil {
		return nil, err
	}
	if err := s.loadCharacters(ctx, h, bookID, storyIdx); err != nil {
		return nil, err
	}

	partIdx := make(map[string][2]int)
	if err := s.loadParts(ctx, h, bookID, storyIdx, partIdx); err != nil {
		return nil, err
	}
	if err := s.loadArcs(ctx, h, bookID, partIdx); err != nil {
		return nil, err
	}

	chapterIdx := make(map[string][3]int)
	if err := s.loadChapters(ctx, h, bookID, partIdx, chapterIdx); err != nil {
		return nil, err
	}
	if err := s.loadScenes(ctx, h, bookID, chapterIdx); err != nil {
		return nil, err
	}
	return h, nil
}

func (s *PostgresStore) loadStories(ctx context.Context, h *BookHierarchy, bookID string, storyIdx map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, title, synopsis, themes, world_settings, plot_act1, plot_act2, plot_act3, sort_order
		FROM stories WHERE book_id=$1
		ORDER BY sort_order, id
	`, bookID)
	if err != nil {
		return fmt.Errorf("load stories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var story Story
		var themesRaw []byte
		if err := rows.Scan(&story.ID, &story.BookID, &story.Title, &story.Synopsis, &themesRaw,
			&story.WorldSettings, &story.PlotAct1, &story.PlotAct2, &story.PlotAct3, &story.SortOrder); err != nil {
			return fmt.Errorf("scan story: %w", err)
		}
		_ = json.Unmarshal(themesRaw, &story.Themes)
		storyIdx[story.ID] = len(h.Stories)
		h.Stories = append(h.Stories, StoryNode{Story: story, Characters: make([]Character, 0), Parts: make([]PartNode, 0)})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate stories: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadCharacters(ctx context.Context, h *BookHierarchy, bookID string, storyIdx map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ch.id, ch.story_id, ch.name, ch.age, ch.background, ch.personality, ch.goals, ch.relationships
		FROM characters ch
		JOIN stories st ON st.id = ch.story_id
		WHERE st.book_id=$1
		ORDER BY ch.sort_order, ch.id
	`, bookID)
	if err != nil {
		return fmt.Errorf("load characters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var character Character
		var age sql.NullInt64
		var relationshipsRaw []byte
		if err := rows.Scan(&character.ID, &character.StoryID, &character.Name, &age,
			&character.Background, &character.Personality, &character.Goals, &relationshipsRaw); err != nil {
			return fmt.Errorf("scan character: %w", err)
		}
		if age.Valid {
			v := int(age.Int64)
			character.Age = &v
		}
		_ = json.Unmarshal(relationshipsRaw, &character.Relationships)
		if i, ok := storyIdx[character.StoryID]; ok {
			h.Stories[i].Characters = append(h.Stories[i].Characters, character)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate characters: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadParts(ctx context.Context, h *BookHierarchy, bookID string, storyIdx map[string]int, partIdx map[string][2]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.story_id, p.title, p.description, p.thematic_focus, p.sort_order
		FROM parts p
		JOIN stories st ON st.id = p.story_id
		WHERE st.book_id=$1
		ORDER BY p.sort_order, p.id
	`, bookID)
	if err != nil {
		return fmt.Errorf("load parts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var part Part
		if err := rows.Scan(&part.ID, &part.StoryID, &part.Title, &part.Description, &part.ThematicFocus, &part.SortOrder); err != nil {
			return fmt.Errorf("scan part: %w", err)
		}
		if i, ok := storyIdx[part.StoryID]; ok {
			partIdx[part.ID] = [2]int{i, len(h.Stories[i].Parts)}
			h.Stories[i].Parts = append(h.Stories[i].Parts, PartNode{Part: part, Arcs: make([]CharacterArc, 0), Chapters: make([]ChapterNode, 0)})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate parts: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadArcs(ctx context.Context, h *BookHierarchy, bookID string, partIdx map[string][2]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.part_id, a.character_name, a.arc, a.current_state
		FROM character_arcs a
		JOIN parts p ON p.id = a.part_id
		JOIN stories st ON st.id = p.story_id
		WHERE st.book_id=$1
		ORDER BY a.part_id, a.character_name
	`, bookID)
	if err != nil {
		return fmt.Errorf("load character arcs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var arc CharacterArc
		if err := rows.Scan(&arc.PartID, &arc.Character, &arc.Arc, &arc.CurrentState); err != nil {
			return fmt.Errorf("scan character arc: %w", err)
		}
		if loc, ok := partIdx[arc.PartID]; ok {
			part := &h.Stories[loc[0]].Parts[loc[1]]
			part.Arcs = append(part.Arcs, arc)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate character arcs: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadChapters(ctx context.Context, h *BookHierarchy, bookID string, partIdx map[string][2]int, chapterIdx map[string][3]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.part_id, c.title, c.summary, c.pov, c.setting, c.sort_order
		FROM chapters c
		JOIN parts p ON p.id = c.part_id
		JOIN stories st ON st.id = p.story_id
		WHERE st.book_id=$1
		ORDER BY c.sort_order, c.id
	`, bookID)
	if err != nil {
		return fmt.Errorf("load chapters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var chapter Chapter
		if err := rows.Scan(&chapter.ID, &chapter.PartID, &chapter.Title, &chapter.Summary, &chapter.POV, &chapter.Setting, &chapter.SortOrder); err != nil {
			return fmt.Errorf("scan chapter: %w", err)
		}
		if loc, ok := partIdx[chapter.PartID]; ok {
			part := &h.Stories[loc[0]].Parts[loc[1]]
			chapterIdx[chapter.ID] = [3]int{loc[0], loc[1], len(part.Chapters)}
			part.Chapters = append(part.Chapters, ChapterNode{Chapter: chapter, Scenes: make([]Scene, 0)})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate chapters: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadScenes(ctx context.Context, h *BookHierarchy, bookID string, chapterIdx map[string][3]int) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sc.id, sc.chapter_id, sc.title, sc.summary, sc.content, sc.purpose, sc.conflicts, sc.status, sc.image_url, sc.sort_order, sc.updated_at
		FROM scenes sc
		JOIN chapters c ON c.id = sc.chapter_id
		JOIN parts p ON p.id = c.part_id
		JOIN stories st ON st.id = p.story_id
		WHERE st.book_id=$1
		ORDER BY sc.sort_order, sc.id
	`, bookID)
	if err != nil {
		return fmt.Errorf("load scenes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var scene Scene
		var conflictsRaw []byte
		if err := rows.Scan(&scene.ID, &scene.ChapterID, &scene.Title, &scene.Summary, &scene.Content,
			&scene.Purpose, &conflictsRaw, &scene.Status, &scene.ImageURL, &scene.SortOrder, &scene.UpdatedAt); err != nil {
			return fmt.Errorf("scan scene: %w", err)
		}
		_ = json.Unmarshal(conflictsRaw, &scene.Conflicts)
		if loc, ok := chapterIdx[scene.ChapterID]; ok {
			chapter := &h.Stories[loc[0]].Parts[loc[1]].Chapters[loc[2]]
			chapter.Scenes = append(chapter.Scenes, scene)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate scenes: %w", err)
	}
	return nil
}

// GetPermission reports a user's access to a book: the owner gets the owner
// role, collaborators their stored role. No row means no access.
func (s *PostgresStore) GetPermission(ctx context.Context, userID, bookID string) (BookPermission, error) {
	var ownerID string
	if err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM books WHERE id=$1`, bookID).Scan(&ownerID); err != nil {
		return BookPermission{}, err
	}
	if ownerID == userID {
		return BookPermission{UserID: userID, BookID: bookID, Role: string(rbac.RoleOwner), CanWrite: true}, nil
	}

	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM book_collaborators WHERE book_id=$1 AND user_id=$2
	`, bookID, userID).Scan(&role)
	if err != nil {
		return BookPermission{}, err
	}
	return BookPermission{UserID: userID, BookID: bookID, Role: role, CanWrite: rbac.Can(rbac.Role(role), rbac.ActionWrite)}, nil
}

func (s *PostgresStore) AddCollaborator(ctx context.Context, bookID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO book_collaborators (book_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (book_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, bookID, userID, role)
	if err != nil {
		return fmt.Errorf("add collaborator: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key APIKey) error {
	scopes, err := encodeList(key.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, user_id, name, key_prefix, key_hash, scopes, is_active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
	`, key.ID, key.UserID, key.Name, key.KeyPrefix, key.KeyHash, scopes, key.IsActive, key.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetAPIKeysByPrefix returns active keys sharing a prefix. Prefixes are not
// unique, so verification compares the full hash against each candidate.
func (s *PostgresStore) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, key_prefix, key_hash, scopes, is_active, expires_at, last_used_at, created_at
		FROM api_keys
		WHERE key_prefix=$1 AND is_active
		LIMIT 10
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookup api keys: %w", err)
	}
	defer rows.Close()

	items := make([]APIKey, 0)
	for rows.Next() {
		var key APIKey
		var scopesRaw []byte
		var expiresAt, lastUsedAt sql.NullTime
		if err := rows.Scan(&key.ID, &key.UserID, &key.Name, &key.KeyPrefix, &key.KeyHash,
			&scopesRaw, &key.IsActive, &expiresAt, &lastUsedAt, &key.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		_ = json.Unmarshal(scopesRaw, &key.Scopes)
		if expiresAt.Valid {
			t := expiresAt.Time
			key.ExpiresAt = &t
		}
		if lastUsedAt.Valid {
			t := lastUsedAt.Time
			key.LastUsedAt = &t
		}
		items = append(items, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at=NOW() WHERE id=$1`, keyID)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
