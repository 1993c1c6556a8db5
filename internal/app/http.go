package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"fictures/api/internal/auth"
	"fictures/api/internal/metrics"
)

// HTTPServer exposes the Fictures API. Every route except health and
// readiness requires a verified API key; mutations additionally require
// the stories:write scope and key management requires admin:all.
type HTTPServer struct {
	service    *Service
	keys       keyVerifier
	corsOrigin string
	log        *zap.Logger
}

type keyVerifier interface {
	VerifyKey(ctx context.Context, apiKey string) (auth.Principal, error)
}

func NewHTTPServer(service *Service, verifier *auth.Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPServer{service: service, keys: verifier, corsOrigin: corsOrigin, log: logger.Named("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"cache":    map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		// Reads fall through to Postgres when Redis is down, so a cache
		// outage degrades the service without failing readiness.
		if err := s.service.CachePing(ctx); err != nil {
			if status == "ready" {
				status = "degraded"
			}
			checks["cache"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     statusCode == http.StatusOK,
			"status": status,
			"checks": checks,
		})
		return
	}

	principal, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		filterType := strings.TrimSpace(r.URL.Query().Get("type"))
		bookID := strings.TrimSpace(r.URL.Query().Get("bookId"))
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		offset := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
				return
			}
			offset = parsed
		}

		payload, err := s.service.Search(r.Context(), principal.UserID, q, filterType, bookID, limit, offset)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/books" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		books, err := s.service.ListBooks(r.Context(), principal.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list books", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"books": books})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/books" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body BookInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateBook(r.Context(), principal.UserID, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/stories" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body StoryInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateStory(r.Context(), principal.UserID, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/characters" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body CharacterInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateCharacter(r.Context(), principal.UserID, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/parts" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body PartInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreatePart(r.Context(), principal.UserID, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/chapters" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body ChapterInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateChapter(r.Context(), principal.UserID, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/scenes" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body SceneInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateScene(r.Context(), principal.UserID, principal.Name, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/models" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		payload, err := s.service.ListModels(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/keys" {
		if !s.requireScope(w, principal, auth.ScopeAdminAll) {
			return
		}
		var body struct {
			UserID        string   `json:"userId"`
			Name          string   `json:"name"`
			Scopes        []string `json:"scopes"`
			ExpiresInDays int      `json:"expiresInDays"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.CreateAPIKey(r.Context(), body.UserID, body.Name, body.Scopes, body.ExpiresInDays)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// /api/books/{id}...

	if r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "books" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		payload, err := s.service.GetBook(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPut && len(parts) == 3 && parts[1] == "books" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body BookInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateBook(r.Context(), principal.UserID, parts[2], body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 3 && parts[1] == "books" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		payload, err := s.service.DeleteBook(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "books" && parts[3] == "hierarchy" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		hierarchy, err := s.service.GetHierarchy(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, hierarchy)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "books" && parts[3] == "word-count" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		counts, err := s.service.GetWordCount(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, counts)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "books" && parts[3] == "summary" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		summary, err := s.service.GetBookSummary(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "books" && parts[3] == "permission" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		permission, err := s.service.CheckPermission(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, permission)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "books" && parts[3] == "warm" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		payload, err := s.service.WarmBook(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "books" && parts[3] == "export" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		result, err := s.service.ExportBook(r.Context(), principal.UserID, parts[2], r.URL.Query().Get("format"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "books" && parts[3] == "collaborators" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body struct {
			UserID string `json:"userId"`
			Role   string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.AddCollaborator(r.Context(), principal.UserID, parts[2], body.UserID, body.Role)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	// /api/stories/{id}

	if r.Method == http.MethodPut && len(parts) == 3 && parts[1] == "stories" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body StoryInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateStory(r.Context(), principal.UserID, parts[2], body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 3 && parts[1] == "stories" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		payload, err := s.service.DeleteStory(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	// /api/characters/{id}

	if r.Method == http.MethodPut && len(parts) == 3 && parts[1] == "characters" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body CharacterInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateCharacter(r.Context(), principal.UserID, parts[2], body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 3 && parts[1] == "characters" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		payload, err := s.service.DeleteCharacter(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	// /api/parts/{id}

	if r.Method == http.MethodPut && len(parts) == 3 && parts[1] == "parts" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body PartInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdatePart(r.Context(), principal.UserID, parts[2], body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 3 && parts[1] == "parts" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		payload, err := s.service.DeletePart(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPut && len(parts) == 4 && parts[1] == "parts" && parts[3] == "arcs" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body ArcInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpsertCharacterArc(r.Context(), principal.UserID, parts[2], body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	// /api/chapters/{id}

	if r.Method == http.MethodPut && len(parts) == 3 && parts[1] == "chapters" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body ChapterInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateChapter(r.Context(), principal.UserID, parts[2], body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 3 && parts[1] == "chapters" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		payload, err := s.service.DeleteChapter(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 5 && parts[1] == "chapters" && parts[3] == "scenes" && parts[4] == "reorder" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body struct {
			SceneIDs []string `json:"sceneIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.ReorderScenes(r.Context(), principal.UserID, parts[2], body.SceneIDs)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	// /api/scenes/{id}...

	if r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "scenes" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		payload, err := s.service.GetScene(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPut && len(parts) == 3 && parts[1] == "scenes" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body SceneInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.UpdateScene(r.Context(), principal.UserID, principal.Name, parts[2], body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodDelete && len(parts) == 3 && parts[1] == "scenes" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		payload, err := s.service.DeleteScene(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "scenes" && parts[3] == "context" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		sceneContext, err := s.service.GetSceneContext(r.Context(), principal.UserID, parts[2], r.URL.Query().Get("depth"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, sceneContext)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "scenes" && parts[3] == "prompt" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		payload, err := s.service.GetScenePrompt(r.Context(), principal.UserID, parts[2], r.URL.Query().Get("depth"))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "scenes" && parts[3] == "breadcrumb" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		breadcrumb, err := s.service.GetBreadcrumb(r.Context(), principal.UserID, parts[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, breadcrumb)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "scenes" && parts[3] == "history" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		limit := 20
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
				return
			}
			limit = parsed
		}
		payload, err := s.service.SceneHistory(r.Context(), principal.UserID, parts[2], limit)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "scenes" && parts[3] == "draft" {
		if !s.requireScope(w, principal, auth.ScopeStoriesRead) {
			return
		}
		payload, err := s.service.SceneDraft(r.Context(), principal.UserID, parts[2], strings.TrimSpace(r.URL.Query().Get("hash")))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "scenes" && parts[3] == "generate" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body GenerateDraftInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.GenerateSceneDraft(r.Context(), principal.UserID, principal.Name, parts[2], body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "scenes" && parts[3] == "illustrate" {
		if !s.requireScope(w, principal, auth.ScopeStoriesWrite) {
			return
		}
		var body IllustrateInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.GenerateSceneImage(r.Context(), principal.UserID, parts[2], body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	apiKey := apiKeyFrom(r)
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return auth.Principal{}, false
	}
	principal, err := s.keys.VerifyKey(r.Context(), apiKey)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidKey) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return auth.Principal{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Key lookup failed", nil)
		return auth.Principal{}, false
	}
	return principal, true
}

func (s *HTTPServer) requireScope(w http.ResponseWriter, principal auth.Principal, scope string) bool {
	if !principal.HasScope(scope) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return false
	}
	return true
}

// apiKeyFrom reads the key from X-API-Key, falling back to a bearer token.
func apiKeyFrom(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return bearerToken(r)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(writer.status)).Inc()
		s.log.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
