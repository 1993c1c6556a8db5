package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultScene   ResultType = "scene"
	ResultChapter ResultType = "chapter"
	ResultBook    ResultType = "book"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	BookID    string     `json:"bookId"`
	ChapterID string     `json:"chapterId,omitempty"`
	Status    string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	BookID     string     // empty = across all books
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexScene(s SceneRecord) error
	IndexChapter(c ChapterRecord) error
	IndexBook(b BookRecord) error
	DeleteScene(id string) error
	DeleteChapter(id string) error
	DeleteBook(id string) error
}

// SceneRecord is the data we index for a scene.
type SceneRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	ChapterID string `json:"chapterId"`
	BookID    string `json:"bookId"`
}

// ChapterRecord is the data we index for a chapter.
type ChapterRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	POV     string `json:"pov"`
	BookID  string `json:"bookId"`
}

// BookRecord is the data we index for a book.
type BookRecord struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Genre  string `json:"genre"`
	Status string `json:"status"`
}
