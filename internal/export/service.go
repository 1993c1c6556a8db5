package export

import (
	"context"
	"fmt"
	"html/template"

	"fictures/api/internal/store"
)

// BookSource loads the content an export needs.
type BookSource interface {
	FetchHierarchy(ctx context.Context, bookID string) (*store.BookHierarchy, error)
	ComputeWordCount(ctx context.Context, bookID string) (store.WordCount, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

// Service renders books to PDF or DOCX.
type Service struct {
	store BookSource
}

// NewService creates a new export service
func NewService(store BookSource) *Service {
	return &Service{store: store}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	hierarchy, err := s.store.FetchHierarchy(ctx, req.BookID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	author := ""
	if owner, err := s.store.GetUserByID(ctx, hierarchy.Book.OwnerID); err == nil {
		author = owner.Name
	}

	wordCount := 0
	if wc, err := s.store.ComputeWordCount(ctx, req.BookID); err == nil {
		wordCount = wc.TotalWords
	}

	data := buildTemplateData(hierarchy, author, wordCount)

	html, err := RenderBookHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		return exportPDF(ctx, html, hierarchy.Book.Title)
	case FormatDOCX:
		return exportDOCX(ctx, html, hierarchy.Book.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

// buildTemplateData flattens the hierarchy into the shape the book template
// renders: stories carry parts, parts carry chapters, chapters carry scenes
// with prose already converted to HTML.
func buildTemplateData(h *store.BookHierarchy, author string, wordCount int) TemplateData {
	data := TemplateData{
		Title:     h.Book.Title,
		Genre:     h.Book.Genre,
		Author:    author,
		UpdatedAt: h.Book.UpdatedAt,
		WordCount: wordCount,
	}
	for _, story := range h.Stories {
		ts := TemplateStory{
			Title:    story.Title,
			Synopsis: story.Synopsis,
		}
		for _, part := range story.Parts {
			tp := TemplatePart{Title: part.Title}
			for _, chapter := range part.Chapters {
				tc := TemplateChapter{
					Title: chapter.Title,
					POV:   chapter.POV,
				}
				for _, scene := range chapter.Scenes {
					tc.Scenes = append(tc.Scenes, TemplateScene{
						Title:     scene.Title,
						ProseHTML: template.HTML(ProseToHTML(scene.Content)),
					})
				}
				tp.Chapters = append(tp.Chapters, tc)
			}
			ts.Parts = append(ts.Parts, tp)
		}
		data.Stories = append(data.Stories, ts)
	}
	return data
}
