package app

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"fictures/api/internal/cache"
	"fictures/api/internal/gitrepo"
	"fictures/api/internal/rbac"
	"fictures/api/internal/search"
	"fictures/api/internal/store"
	"fictures/api/internal/util"
)

// Every mutation below ends with the invalidation cascade for what it
// touched: hierarchy-level keys for any change under a book, breadcrumbs for
// chapter-scoped changes, and the assembled scene contexts either targeted
// (content edits) or flushed (structural edits that shift scene positions).

type BookInput struct {
	Title  string `json:"title"`
	Genre  string `json:"genre"`
	Status string `json:"status"`
}

type StoryInput struct {
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

type CharacterInput struct {
	StoryID       string   `json:"storyId"`
	Name          string   `json:"name"`
	Age           *int     `json:"age"`
	Background    string   `json:"background"`
	Personality   string   `json:"personality"`
	Goals         string   `json:"goals"`
	Relationships []string `json:"relationships"`
}

type PartInput struct {
	StoryID       string `json:"storyId"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	ThematicFocus string `json:"thematicFocus"`
	SortOrder     int    `json:"sortOrder"`
}

type ArcInput struct {
	Character    string `json:"character"`
	Arc          string `json:"arc"`
	CurrentState string `json:"currentState"`
}

type ChapterInput struct {
	PartID    string `json:"partId"`
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	POV       string `json:"pov"`
	Setting   string `json:"setting"`
	SortOrder int    `json:"sortOrder"`
}

type SceneInput struct {
	ChapterID string   `json:"chapterId"`
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	Content   string   `json:"content"`
	Purpose   string   `json:"purpose"`
	Conflicts []string `json:"conflicts"`
	Status    string   `json:"status"`
	SortOrder int      `json:"sortOrder"`
}

func sceneRecord(scene store.Scene, bookID string) search.SceneRecord {
	return search.SceneRecord{
		ID:        scene.ID,
		Title:     scene.Title,
		Summary:   scene.Summary,
		Content:   scene.Content,
		Status:    scene.Status,
		ChapterID: scene.ChapterID,
		BookID:    bookID,
	}
}

func draftFromScene(scene store.Scene) gitrepo.Draft {
	return gitrepo.Draft{
		Title:   scene.Title,
		Summary: scene.Summary,
		Prose:   scene.Content,
	}
}

func (s *Service) CreateBook(ctx context.Context, ownerID string, in BookInput) (map[string]any, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, validationError("title is required")
	}
	status := in.Status
	if status == "" {
		status = "draft"
	}
	book := store.Book{
		ID:      util.NewID("bk"),
		OwnerID: ownerID,
		Title:   title,
		Genre:   in.Genre,
		Status:  status,
	}
	if err := s.store.CreateBook(ctx, book); err != nil {
		return nil, err
	}
	s.search.IndexBook(search.BookRecord{ID: book.ID, Title: book.Title, Genre: book.Genre, Status: book.Status})
	return map[string]any{"book": book}, nil
}

func (s *Service) UpdateBook(ctx context.Context, userID, bookID string, in BookInput) (map[string]any, error) {
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	current, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	book := store.Book{
		ID:     bookID,
		Title:  firstNonBlank(in.Title, current.Title),
		Genre:  firstNonBlank(in.Genre, current.Genre),
		Status: firstNonBlank(in.Status, current.Status),
	}
	if err := s.store.UpdateBook(ctx, book); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	s.search.IndexBook(search.BookRecord{ID: book.ID, Title: book.Title, Genre: book.Genre, Status: book.Status})
	return map[string]any{"book": book}, nil
}

func (s *Service) DeleteBook(ctx context.Context, userID, bookID string) (map[string]any, error) {
	p, err := s.CheckPermission(ctx, userID, bookID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(rbac.Role(p.Role), rbac.ActionDelete) {
		return nil, forbiddenError("Only the owner can delete a book")
	}
	if err := s.store.DeleteBook(ctx, bookID); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	s.contexts.InvalidateAll(ctx)
	s.search.DeleteBook(bookID)
	s.log.Info("book deleted", zap.String("book_id", bookID), zap.String("user_id", userID))
	return map[string]any{"deleted": true, "bookId": bookID}, nil
}

func (s *Service) AddCollaborator(ctx context.Context, userID, bookID, collaboratorID, role string) (map[string]any, error) {
	p, err := s.CheckPermission(ctx, userID, bookID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(rbac.Role(p.Role), rbac.ActionShare) {
		return nil, forbiddenError("Only the owner can manage collaborators")
	}
	if !rbac.Assignable(rbac.Role(role)) {
		return nil, validationError("role must be editor or viewer")
	}
	if _, err := s.store.GetUserByID(ctx, collaboratorID); err != nil {
		return nil, err
	}
	if err := s.store.AddCollaborator(ctx, bookID, collaboratorID, role); err != nil {
		return nil, err
	}
	// The collaborator may hold a cached permission from a previous role.
	s.cache.DeleteKeys(ctx, cache.PermissionsKey(collaboratorID, bookID))
	return map[string]any{"bookId": bookID, "userId": collaboratorID, "role": role}, nil
}

func (s *Service) CreateStory(ctx context.Context, userID string, in StoryInput) (map[string]any, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, validationError("title is required")
	}
	if strings.TrimSpace(in.BookID) == "" {
		return nil, validationError("bookId is required")
	}
	if err := s.requireBookWrite(ctx, userID, in.BookID); err != nil {
		return nil, err
	}
	story := store.Story{
		ID:            util.NewID("st"),
		BookID:        in.BookID,
		Title:         strings.TrimSpace(in.Title),
		Synopsis:      in.Synopsis,
		Themes:        in.Themes,
		WorldSettings: in.WorldSettings,
		PlotAct1:      in.PlotAct1,
		PlotAct2:      in.PlotAct2,
		PlotAct3:      in.PlotAct3,
		SortOrder:     in.SortOrder,
	}
	if err := s.store.CreateStory(ctx, story); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, in.BookID)
	return map[string]any{"story": story}, nil
}

func (s *Service) UpdateStory(ctx context.Context, userID, storyID string, in StoryInput) (map[string]any, error) {
	bookID, err := s.store.BookIDForStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, validationError("title is required")
	}
	story := store.Story{
		ID:            storyID,
		BookID:        bookID,
		Title:         strings.TrimSpace(in.Title),
		Synopsis:      in.Synopsis,
		Themes:        in.Themes,
		WorldSettings: in.WorldSettings,
		PlotAct1:      in.PlotAct1,
		PlotAct2:      in.PlotAct2,
		PlotAct3:      in.PlotAct3,
		SortOrder:     in.SortOrder,
	}
	if err := s.store.UpdateStory(ctx, story); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	return map[string]any{"story": story}, nil
}

func (s *Service) DeleteStory(ctx context.Context, userID, storyID string) (map[string]any, error) {
	bookID, err := s.store.BookIDForStory(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	if err := s.store.DeleteStory(ctx, storyID); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	s.contexts.InvalidateAll(ctx)
	return map[string]any{"deleted": true, "storyId": storyID}, nil
}

func (s *Service) CreateCharacter(ctx context.Context, userID string, in CharacterInput) (map[string]any, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, validationError("name is required")
	}
	bookID, err := s.store.BookIDForStory(ctx, in.StoryID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	character := store.Character{
		ID:            util.NewID("chr"),
		StoryID:       in.StoryID,
		Name:          strings.TrimSpace(in.Name),
		Age:           in.Age,
		Background:    in.Background,
		Personality:   in.Personality,
		Goals:         in.Goals,
		Relationships: in.Relationships,
	}
	if err := s.store.CreateCharacter(ctx, character); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	return map[string]any{"character": character}, nil
}

func (s *Service) UpdateCharacter(ctx context.Context, userID, characterID string, in CharacterInput) (map[string]any, error) {
	bookID, err := s.store.BookIDForCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, validationError("name is required")
	}
	character := store.Character{
		ID:            characterID,
		StoryID:       in.StoryID,
		Name:          strings.TrimSpace(in.Name),
		Age:           in.Age,
		Background:    in.Background,
		Personality:   in.Personality,
		Goals:         in.Goals,
		Relationships: in.Relationships,
	}
	if err := s.store.UpdateCharacter(ctx, character); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	return map[string]any{"character": character}, nil
}

func (s *Service) DeleteCharacter(ctx context.Context, userID, characterID string) (map[string]any, error) {
	bookID, err := s.store.BookIDForCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	if err := s.store.DeleteCharacter(ctx, characterID); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	return map[string]any{"deleted": true, "characterId": characterID}, nil
}

func (s *Service) CreatePart(ctx context.Context, userID string, in PartInput) (map[string]any, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, validationError("title is required")
	}
	bookID, err := s.store.BookIDForStory(ctx, in.StoryID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	part := store.Part{
		ID:            util.NewID("pt"),
		StoryID:       in.StoryID,
		Title:         strings.TrimSpace(in.Title),
		Description:   in.Description,
		ThematicFocus: in.ThematicFocus,
		SortOrder:     in.SortOrder,
	}
	if err := s.store.CreatePart(ctx, part); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	return map[string]any{"part": part}, nil
}

func (s *Service) UpdatePart(ctx context.Context, userID, partID string, in PartInput) (map[string]any, error) {
	bookID, err := s.store.BookIDForPart(ctx, partID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, validationError("title is required")
	}
	part := store.Part{
		ID:            partID,
		StoryID:       in.StoryID,
		Title:         strings.TrimSpace(in.Title),
		Description:   in.Description,
		ThematicFocus: in.ThematicFocus,
		SortOrder:     in.SortOrder,
	}
	if err := s.store.UpdatePart(ctx, part); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	return map[string]any{"part": part}, nil
}

func (s *Service) DeletePart(ctx context.Context, userID, partID string) (map[string]any, error) {
	bookID, err := s.store.BookIDForPart(ctx, partID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	if err := s.store.DeletePart(ctx, partID); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	s.contexts.InvalidateAll(ctx)
	return map[string]any{"deleted": true, "partId": partID}, nil
}

func (s *Service) UpsertCharacterArc(ctx context.Context, userID, partID string, in ArcInput) (map[string]any, error) {
	if strings.TrimSpace(in.Character) == "" {
		return nil, validationError("character is required")
	}
	bookID, err := s.store.BookIDForPart(ctx, partID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	arc := store.CharacterArc{
		PartID:       partID,
		Character:    strings.TrimSpace(in.Character),
		Arc:          in.Arc,
		CurrentState: in.CurrentState,
	}
	if err := s.store.UpsertCharacterArc(ctx, arc); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	return map[string]any{"arc": arc}, nil
}

func (s *Service) CreateChapter(ctx context.Context, userID string, in ChapterInput) (map[string]any, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, validationError("title is required")
	}
	bookID, err := s.store.BookIDForPart(ctx, in.PartID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	chapter := store.Chapter{
		ID:        util.NewID("ch"),
		PartID:    in.PartID,
		Title:     strings.TrimSpace(in.Title),
		Summary:   in.Summary,
		POV:       in.POV,
		Setting:   in.Setting,
		SortOrder: in.SortOrder,
	}
	if err := s.store.CreateChapter(ctx, chapter); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	s.search.IndexChapter(search.ChapterRecord{ID: chapter.ID, Title: chapter.Title, Summary: chapter.Summary, POV: chapter.POV, BookID: bookID})
	return map[string]any{"chapter": chapter}, nil
}

func (s *Service) UpdateChapter(ctx context.Context, userID, chapterID string, in ChapterInput) (map[string]any, error) {
	bookID, err := s.store.BookIDForChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, validationError("title is required")
	}
	chapter := store.Chapter{
		ID:        chapterID,
		PartID:    in.PartID,
		Title:     strings.TrimSpace(in.Title),
		Summary:   in.Summary,
		POV:       in.POV,
		Setting:   in.Setting,
		SortOrder: in.SortOrder,
	}
	if err := s.store.UpdateChapter(ctx, chapter); err != nil {
		return nil, err
	}
	// Chapter titles appear in every breadcrumb under the chapter.
	s.cache.InvalidateHierarchy(ctx, bookID)
	s.cache.InvalidateBreadcrumbs(ctx, chapterID)
	s.search.IndexChapter(search.ChapterRecord{ID: chapter.ID, Title: chapter.Title, Summary: chapter.Summary, POV: chapter.POV, BookID: bookID})
	return map[string]any{"chapter": chapter}, nil
}

func (s *Service) DeleteChapter(ctx context.Context, userID, chapterID string) (map[string]any, error) {
	bookID, err := s.store.BookIDForChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	// Scene ids must be read before the delete cascades through them.
	sceneIDs, err := s.store.ListChapterSceneIDs(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteChapter(ctx, chapterID); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	s.cache.InvalidateBreadcrumbs(ctx, chapterID, sceneIDs...)
	s.contexts.InvalidateAll(ctx)
	s.search.DeleteChapter(chapterID)
	for _, id := range sceneIDs {
		s.search.DeleteScene(id)
	}
	return map[string]any{"deleted": true, "chapterId": chapterID, "scenesRemoved": len(sceneIDs)}, nil
}

func (s *Service) CreateScene(ctx context.Context, userID, author string, in SceneInput) (map[string]any, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, validationError("title is required")
	}
	bookID, err := s.store.BookIDForChapter(ctx, in.ChapterID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	status := in.Status
	if status == "" {
		status = "outline"
	}
	if _, ok := allowedSceneStatuses[status]; !ok {
		return nil, validationError("unknown scene status")
	}
	scene := store.Scene{
		ID:        util.NewID("sc"),
		ChapterID: in.ChapterID,
		Title:     strings.TrimSpace(in.Title),
		Summary:   in.Summary,
		Content:   in.Content,
		Purpose:   in.Purpose,
		Conflicts: in.Conflicts,
		Status:    status,
		SortOrder: in.SortOrder,
	}
	if err := s.store.CreateScene(ctx, scene); err != nil {
		return nil, err
	}
	if err := s.drafts.EnsureSceneRepo(scene.ID, draftFromScene(scene), author); err != nil {
		s.log.Error("scene repo init failed", zap.String("scene_id", scene.ID), zap.Error(err))
	}

	// A new scene shifts positions and sibling windows across the chapter.
	s.cache.InvalidateHierarchy(ctx, bookID)
	s.cache.InvalidateBreadcrumbs(ctx, in.ChapterID, scene.ID)
	s.contexts.InvalidateScene(ctx, scene.ID, true)
	s.search.IndexScene(sceneRecord(scene, bookID))
	return map[string]any{"scene": scene}, nil
}

func (s *Service) UpdateScene(ctx context.Context, userID, author, sceneID string, in SceneInput) (map[string]any, error) {
	path, err := s.store.ResolveSceneBook(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, path.BookID); err != nil {
		return nil, err
	}
	current, err := s.store.GetScene(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	status := in.Status
	if status == "" {
		status = current.Status
	}
	if _, ok := allowedSceneStatuses[status]; !ok {
		return nil, validationError("unknown scene status")
	}
	scene := store.Scene{
		ID:        sceneID,
		ChapterID: current.ChapterID,
		Title:     firstNonBlank(in.Title, current.Title),
		Summary:   in.Summary,
		Content:   in.Content,
		Purpose:   in.Purpose,
		Conflicts: in.Conflicts,
		Status:    status,
		ImageURL:  current.ImageURL,
		SortOrder: current.SortOrder,
	}
	if err := s.store.UpdateScene(ctx, scene); err != nil {
		return nil, err
	}

	var commit *store.CommitInfo
	if gitrepo.HasChanges(draftFromScene(current), draftFromScene(scene)) {
		if err := s.drafts.EnsureSceneRepo(sceneID, draftFromScene(current), author); err != nil {
			s.log.Error("scene repo init failed", zap.String("scene_id", sceneID), zap.Error(err))
		} else if ci, err := s.drafts.CommitDraft(sceneID, draftFromScene(scene), author, "Edit scene"); err != nil {
			s.log.Error("scene draft commit failed", zap.String("scene_id", sceneID), zap.Error(err))
		} else {
			commit = &ci
		}
	}

	s.cache.InvalidateHierarchy(ctx, path.BookID)
	s.cache.InvalidateBreadcrumbs(ctx, path.ChapterID, sceneID)
	s.contexts.InvalidateScene(ctx, sceneID, false)
	s.search.IndexScene(sceneRecord(scene, path.BookID))

	payload := map[string]any{"scene": scene}
	if commit != nil {
		payload["commit"] = commit
	}
	return payload, nil
}

func (s *Service) DeleteScene(ctx context.Context, userID, sceneID string) (map[string]any, error) {
	path, err := s.store.ResolveSceneBook(ctx, sceneID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, path.BookID); err != nil {
		return nil, err
	}
	if err := s.store.DeleteScene(ctx, sceneID); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, path.BookID)
	s.cache.InvalidateBreadcrumbs(ctx, path.ChapterID, sceneID)
	s.contexts.InvalidateScene(ctx, sceneID, true)
	s.search.DeleteScene(sceneID)
	return map[string]any{"deleted": true, "sceneId": sceneID}, nil
}

func (s *Service) ReorderScenes(ctx context.Context, userID, chapterID string, sceneIDs []string) (map[string]any, error) {
	if len(sceneIDs) == 0 {
		return nil, validationError("sceneIds is required")
	}
	bookID, err := s.store.BookIDForChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookWrite(ctx, userID, bookID); err != nil {
		return nil, err
	}
	if err := s.store.ReorderScenes(ctx, chapterID, sceneIDs); err != nil {
		return nil, err
	}
	s.cache.InvalidateHierarchy(ctx, bookID)
	s.cache.InvalidateBreadcrumbs(ctx, chapterID, sceneIDs...)
	s.contexts.InvalidateAll(ctx)
	return map[string]any{"chapterId": chapterID, "sceneIds": sceneIDs}, nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
