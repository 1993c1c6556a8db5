package store

import "time"

type User struct {
	ID        string
	Email     string
	Name      string
	Role      string
	CreatedAt time.Time
}

type Book struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Title     string    `json:"title"`
	Genre     string    `json:"genre"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Story struct {
	ID            string   `json:"id"`
	BookID        string   `json:"bookId"`
	Title         string   `json:"title"`
	Synopsis      string   `json:"synopsis"`
	Themes        []string `json:"themes"`
	WorldSettings string   `json:"worldSettings"`
	PlotAct1      string   `json:"plotAct1"`
	PlotAct2      string   `json:"plotAct2"`
	PlotAct3      string   `json:"plotAct3"`
	SortOrder     int      `json:"sortOrder"`
}

type Part struct {
	ID            string `json:"id"`
	StoryID       string `json:"storyId"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	ThematicFocus string `json:"thematicFocus"`
	SortOrder     int    `json:"sortOrder"`
}

type Chapter struct {
	ID        string `json:"id"`
	PartID    string `json:"partId"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	POV       string `json:"pov"`
	Setting   string `json:"setting"`
	SortOrder int    `json:"sortOrder"`
}

type Scene struct {
	ID        string    `json:"id"`
	ChapterID string    `json:"chapterId"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Content   string    `json:"content"`
	Purpose   string    `json:"purpose"`
	Conflicts []string  `json:"conflicts"`
	Status    string    `json:"status"`
	ImageURL  string    `json:"imageUrl"`
	SortOrder int       `json:"sortOrder"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Character struct {
	ID            string   `json:"id"`
	StoryID       string   `json:"storyId"`
	Name          string   `json:"name"`
	Age           *int     `json:"age"`
	Background    string   `json:"background"`
	Personality   string   `json:"personality"`
	Goals         string   `json:"goals"`
	Relationships []string `json:"relationships"`
}

// CharacterArc tracks one character's development within a part.
type CharacterArc struct {
	PartID       string `json:"partId"`
	Character    string `json:"character"`
	Arc          string `json:"arc"`
	CurrentState string `json:"currentState"`
}

// BookHierarchy is the raw nested tree for one book, the unit the hierarchy
// source returns and the hierarchy cache stores.
type BookHierarchy struct {
	Book    Book        `json:"book"`
	Stories []StoryNode `json:"stories"`
}

type StoryNode struct {
	Story
	Characters []Character `json:"characters"`
	Parts      []PartNode  `json:"parts"`
}

type PartNode struct {
	Part
	Arcs     []CharacterArc `json:"arcs"`
	Chapters []ChapterNode  `json:"chapters"`
}

type ChapterNode struct {
	Chapter
	Scenes []Scene `json:"scenes"`
}

// Summarize derives the cached metadata entry for a hierarchy: level totals
// plus the most recent scene update.
func (h *BookHierarchy) Summarize() HierarchySummary {
	s := HierarchySummary{
		BookID:      h.Book.ID,
		LastUpdated: h.Book.UpdatedAt,
	}
	for _, story := range h.Stories {
		s.TotalStories++
		for _, part := range story.Parts {
			s.TotalParts++
			for _, chapter := range part.Chapters {
				s.TotalChapters++
				s.TotalScenes += len(chapter.Scenes)
				for _, scene := range chapter.Scenes {
					if scene.UpdatedAt.After(s.LastUpdated) {
						s.LastUpdated = scene.UpdatedAt
					}
				}
			}
		}
	}
	return s
}

type HierarchySummary struct {
	BookID        string    `json:"bookId"`
	TotalStories  int       `json:"totalStories"`
	TotalParts    int       `json:"totalParts"`
	TotalChapters int       `json:"totalChapters"`
	TotalScenes   int       `json:"totalScenes"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// Breadcrumb is the flattened book-to-scene path used by tree navigation.
type Breadcrumb struct {
	BookID       string `json:"bookId"`
	BookTitle    string `json:"bookTitle"`
	StoryID      string `json:"storyId"`
	StoryTitle   string `json:"storyTitle"`
	PartID       string `json:"partId"`
	PartTitle    string `json:"partTitle"`
	ChapterID    string `json:"chapterId"`
	ChapterTitle string `json:"chapterTitle"`
	SceneID      string `json:"sceneId"`
	SceneTitle   string `json:"sceneTitle"`
}

type WordCount struct {
	BookID     string    `json:"bookId"`
	TotalWords int       `json:"totalWords"`
	SceneCount int       `json:"sceneCount"`
	ComputedAt time.Time `json:"computedAt"`
}

// ScenePath locates a scene inside the tree without loading the whole book.
type ScenePath struct {
	BookID    string
	StoryID   string
	PartID    string
	ChapterID string
	SceneID   string
}

type BookPermission struct {
	UserID   string `json:"userId"`
	BookID   string `json:"bookId"`
	Role     string `json:"role"`
	CanWrite bool   `json:"canWrite"`
}

type APIKey struct {
	ID         string
	UserID     string
	Name       string
	KeyPrefix  string
	KeyHash    string
	Scopes     []string
	IsActive   bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// CommitInfo describes one draft revision in a scene's history.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}
