package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fictures/api/internal/aiclient"
	"fictures/api/internal/artifacts"
	"fictures/api/internal/export"
	"fictures/api/internal/gitrepo"
	"fictures/api/internal/metrics"
	"fictures/api/internal/novel"
)

type GenerateDraftInput struct {
	Instructions string   `json:"instructions"`
	MaxTokens    int      `json:"maxTokens"`
	Temperature  *float64 `json:"temperature"`
}

type IllustrateInput struct {
	StylePrompt    string `json:"stylePrompt"`
	NegativePrompt string `json:"negativePrompt"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Steps          int    `json:"steps"`
	Seed           *int64 `json:"seed"`
}

// GetScene returns one scene together with its latest draft revision when the
// scene has a history.
func (s *Service) GetScene(ctx context.Context, userID, sceneID string) (map[string]any, error) {
	path, err := s.store.ResolveSceneBook(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookRead(ctx, userID, path.BookID); err != nil {
		return nil, err
	}
	scene, err := s.store.GetScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"scene": scene}
	if _, head, err := s.drafts.HeadDraft(sceneID); err == nil {
		payload["headCommit"] = head
	}
	return payload, nil
}

// GenerateSceneDraft assembles the scene's context, asks the AI server for
// prose, commits the result as a draft revision, and stores it as the scene's
// content.
func (s *Service) GenerateSceneDraft(ctx context.Context, userID, author, sceneID string, in GenerateDraftInput) (map[string]any, error) {
	path, err := s.store.ResolveSceneBook(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, path.BookID); err != nil {
		return nil, err
	}
	scene, err := s.store.GetScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}

	c, err := s.contexts.GetContext(ctx, sceneID, novel.DepthFull)
	if err != nil {
		return nil, err
	}
	prompt := buildDraftPrompt(c, in.Instructions)

	result, err := s.ai.GenerateText(ctx, aiclient.TextRequest{
		Prompt:      prompt,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
	})
	if err != nil {
		metrics.AIRequests.WithLabelValues("text", "error").Inc()
		return nil, err
	}
	metrics.AIRequests.WithLabelValues("text", "ok").Inc()

	draft := gitrepo.Draft{
		Title:   scene.Title,
		Summary: scene.Summary,
		POV:     c.Chapter.POV,
		Setting: c.Chapter.Setting,
		Prose:   result.Text,
	}
	var commit map[string]any
	if err := s.drafts.EnsureSceneRepo(sceneID, draftFromScene(scene), author); err != nil {
		s.log.Error("scene repo init failed", zap.String("scene_id", sceneID), zap.Error(err))
	} else if ci, err := s.drafts.CommitDraft(sceneID, draft, author, fmt.Sprintf("AI draft (%s)", result.Model)); err != nil {
		s.log.Error("scene draft commit failed", zap.String("scene_id", sceneID), zap.Error(err))
	} else {
		commit = map[string]any{"hash": ci.Hash, "message": ci.Message, "author": ci.Author, "createdAt": ci.CreatedAt}
	}

	scene.Content = result.Text
	scene.Status = "draft"
	if err := s.store.UpdateScene(ctx, scene); err != nil {
		return nil, err
	}

	s.cache.InvalidateHierarchy(ctx, path.BookID)
	s.contexts.InvalidateScene(ctx, sceneID, false)
	s.search.IndexScene(sceneRecord(scene, path.BookID))

	payload := map[string]any{
		"scene":        scene,
		"model":        result.Model,
		"tokensUsed":   result.TokensUsed,
		"finishReason": result.FinishReason,
	}
	if commit != nil {
		payload["commit"] = commit
	}
	return payload, nil
}

// GenerateSceneImage asks the AI server for an illustration and stores it in
// the artifact bucket under a fresh per-scene key.
func (s *Service) GenerateSceneImage(ctx context.Context, userID, sceneID string, in IllustrateInput) (map[string]any, error) {
	path, err := s.store.ResolveSceneBook(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, path.BookID); err != nil {
		return nil, err
	}
	scene, err := s.store.GetScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}

	result, err := s.ai.GenerateImage(ctx, aiclient.ImageRequest{
		Prompt:         buildImagePrompt(scene.Title, scene.Summary, in.StylePrompt),
		NegativePrompt: in.NegativePrompt,
		Width:          in.Width,
		Height:         in.Height,
		Steps:          in.Steps,
		Seed:           in.Seed,
	})
	if err != nil {
		metrics.AIRequests.WithLabelValues("image", "error").Inc()
		return nil, err
	}
	metrics.AIRequests.WithLabelValues("image", "ok").Inc()

	key := artifacts.SceneImageKey(sceneID)
	if err := s.artifacts.StoreImage(ctx, key, result.ImageURL); err != nil {
		return nil, err
	}
	// The stable object key is what the scene row keeps; presigned URLs
	// expire.
	scene.ImageURL = key
	if err := s.store.UpdateScene(ctx, scene); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, path.BookID)

	payload := map[string]any{
		"sceneId":  sceneID,
		"imageKey": key,
		"model":    result.Model,
		"width":    result.Width,
		"height":   result.Height,
		"seed":     result.Seed,
	}
	if url, err := s.artifacts.PresignedURL(ctx, key, 0); err == nil {
		payload["imageUrl"] = url
	} else {
		s.log.Warn("presign image url failed", zap.String("key", key), zap.Error(err))
	}
	return payload, nil
}

// SceneHistory lists the scene's draft revisions, newest first.
func (s *Service) SceneHistory(ctx context.Context, userID, sceneID string, limit int) (map[string]any, error) {
	path, err := s.store.ResolveSceneBook(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookRead(ctx, userID, path.BookID); err != nil {
		return nil, err
	}
	commits, err := s.drafts.History(sceneID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sceneId": sceneID, "commits": commits}, nil
}

// SceneDraft returns the draft at a specific revision, or the head draft when
// hash is empty.
func (s *Service) SceneDraft(ctx context.Context, userID, sceneID, hash string) (map[string]any, error) {
	path, err := s.store.ResolveSceneBook(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookRead(ctx, userID, path.BookID); err != nil {
		return nil, err
	}
	if hash == "" {
		draft, head, err := s.drafts.HeadDraft(sceneID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"sceneId": sceneID, "draft": draft, "commit": head}, nil
	}
	draft, err := s.drafts.DraftByHash(sceneID, hash)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sceneId": sceneID, "draft": draft, "hash": hash}, nil
}

// ListModels reports what the AI server can serve.
func (s *Service) ListModels(ctx context.Context) (map[string]any, error) {
	textModels, err := s.ai.ListTextModels(ctx)
	if err != nil {
		return nil, err
	}
	imageModels, err := s.ai.ListImageModels(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"textModels": textModels, "imageModels": imageModels}, nil
}

// WarmBook refetches the book's tree and pipelines the hierarchy blob, the
// chapter scene-id index, and the metadata summary into the cache.
func (s *Service) WarmBook(ctx context.Context, userID, bookID string) (map[string]any, error) {
	if err := s.requireBookRead(ctx, userID, bookID); err != nil {
		return nil, err
	}
	h, err := s.store.FetchHierarchy(ctx, bookID)
	if err != nil {
		return nil, err
	}
	s.cache.WarmBook(ctx, h)
	summary := h.Summarize()
	return map[string]any{"bookId": bookID, "warmed": true, "scenes": summary.TotalScenes}, nil
}

// ExportBook renders the whole book into a downloadable file.
func (s *Service) ExportBook(ctx context.Context, userID, bookID, format string) (*export.Result, error) {
	if err := s.requireBookRead(ctx, userID, bookID); err != nil {
		return nil, err
	}
	var f export.Format
	switch format {
	case "pdf", "":
		f = export.FormatPDF
	case "docx":
		f = export.FormatDOCX
	default:
		return nil, validationError("format must be pdf or docx")
	}
	return s.exporter.Export(ctx, export.Request{BookID: bookID, Format: f})
}

func buildDraftPrompt(c *novel.HierarchicalContext, instructions string) string {
	var b strings.Builder
	b.WriteString(novel.RenderPrompt(c, novel.DefaultRenderOptions()))
	b.WriteString("\n=== TASK ===\n")
	if strings.TrimSpace(instructions) != "" {
		b.WriteString(strings.TrimSpace(instructions))
		b.WriteString("\n")
	} else {
		b.WriteString("Write the full prose for the current scene, continuing naturally from the previous scenes and honoring the chapter's point of view and setting.\n")
	}
	return b.String()
}

func buildImagePrompt(title, summary, style string) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Illustration for a scene titled %q.", title))
	if strings.TrimSpace(summary) != "" {
		parts = append(parts, strings.TrimSpace(summary))
	}
	if strings.TrimSpace(style) != "" {
		parts = append(parts, strings.TrimSpace(style))
	}
	return strings.Join(parts, " ")
}
