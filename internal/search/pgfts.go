package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across scenes, chapters, and books using
// plainto_tsquery and ts_rank, with ts_headline for snippets. The scene
// sub-query matches the expression index on title || ' ' || content.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Scenes sub-query
	if q.FilterType == "" || q.FilterType == ResultScene {
		sceneWhere := "to_tsvector('english', sc.title || ' ' || sc.content) @@ " + tsQuery
		if q.BookID != "" {
			sceneWhere += fmt.Sprintf(" AND st.book_id = $%d", argN)
			args = append(args, q.BookID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'scene'::text AS type, sc.id, sc.title,
				ts_headline('english', sc.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				st.book_id, sc.chapter_id, sc.status,
				ts_rank(to_tsvector('english', sc.title || ' ' || sc.content), %s) AS rank
			FROM scenes sc
			JOIN chapters c ON c.id = sc.chapter_id
			JOIN parts p ON p.id = c.part_id
			JOIN stories st ON st.id = p.story_id
			WHERE %s`, tsQuery, tsQuery, sceneWhere))
	}

	// Chapters sub-query
	if q.FilterType == "" || q.FilterType == ResultChapter {
		chapterWhere := "to_tsvector('english', c.title || ' ' || c.summary) @@ " + tsQuery
		if q.BookID != "" {
			chapterWhere += fmt.Sprintf(" AND st.book_id = $%d", argN)
			args = append(args, q.BookID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'chapter'::text AS type, c.id, c.title,
				ts_headline('english', c.summary, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				st.book_id, c.id AS chapter_id, ''::text AS status,
				ts_rank(to_tsvector('english', c.title || ' ' || c.summary), %s) AS rank
			FROM chapters c
			JOIN parts p ON p.id = c.part_id
			JOIN stories st ON st.id = p.story_id
			WHERE %s`, tsQuery, tsQuery, chapterWhere))
	}

	// Books sub-query. A book-scoped query has no use for book hits.
	if (q.FilterType == "" || q.FilterType == ResultBook) && q.BookID == "" {
		bookWhere := "to_tsvector('english', b.title || ' ' || b.genre) @@ " + tsQuery
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'book'::text AS type, b.id, b.title,
				b.genre AS snippet,
				b.id AS book_id, ''::text AS chapter_id, b.status,
				ts_rank(to_tsvector('english', b.title || ' ' || b.genre), %s) AS rank
			FROM books b
			WHERE %s`, tsQuery, bookWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, book_id, chapter_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.BookID, &r.ChapterID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SceneRecord, []ChapterRecord, []BookRecord, error) {
	sceneRows, err := p.db.QueryContext(ctx, `
		SELECT sc.id, sc.title, sc.summary, sc.content, sc.status, sc.chapter_id, st.book_id
		FROM scenes sc
		JOIN chapters c ON c.id = sc.chapter_id
		JOIN parts p ON p.id = c.part_id
		JOIN stories st ON st.id = p.story_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load scenes: %w", err)
	}
	defer sceneRows.Close()

	scenes := make([]SceneRecord, 0)
	for sceneRows.Next() {
		var s SceneRecord
		if err := sceneRows.Scan(&s.ID, &s.Title, &s.Summary, &s.Content, &s.Status, &s.ChapterID, &s.BookID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan scene: %w", err)
		}
		scenes = append(scenes, s)
	}
	if err := sceneRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate scenes: %w", err)
	}

	chapterRows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.summary, c.pov, st.book_id
		FROM chapters c
		JOIN parts p ON p.id = c.part_id
		JOIN stories st ON st.id = p.story_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load chapters: %w", err)
	}
	defer chapterRows.Close()

	chapters := make([]ChapterRecord, 0)
	for chapterRows.Next() {
		var c ChapterRecord
		if err := chapterRows.Scan(&c.ID, &c.Title, &c.Summary, &c.POV, &c.BookID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan chapter: %w", err)
		}
		chapters = append(chapters, c)
	}
	if err := chapterRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate chapters: %w", err)
	}

	bookRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, genre, status
		FROM books
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load books: %w", err)
	}
	defer bookRows.Close()

	books := make([]BookRecord, 0)
	for bookRows.Next() {
		var b BookRecord
		if err := bookRows.Scan(&b.ID, &b.Title, &b.Genre, &b.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	if err := bookRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate books: %w", err)
	}

	return scenes, chapters, books, nil
}
