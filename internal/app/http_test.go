package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"fictures/api/internal/auth"
	"fictures/api/internal/novel"
	"fictures/api/internal/store"
)

const (
	adminKey  = "fk_admin0000000000000000000000000000000000"
	writerKey = "fk_writer000000000000000000000000000000000"
	readerKey = "fk_reader000000000000000000000000000000000"
)

type fakeVerifier struct {
	principals map[string]auth.Principal
}

func (f *fakeVerifier) VerifyKey(_ context.Context, apiKey string) (auth.Principal, error) {
	if p, ok := f.principals[apiKey]; ok {
		return p, nil
	}
	return auth.Principal{}, auth.ErrInvalidKey
}

func newTestServer(t *testing.T) (*testEnv, http.Handler) {
	t.Helper()
	env := newTestEnv(t)
	verifier := &fakeVerifier{principals: map[string]auth.Principal{
		adminKey:  {UserID: "usr1", KeyID: "key_admin", Name: "Avery", Scopes: []string{auth.ScopeAdminAll}},
		writerKey: {UserID: "usr1", KeyID: "key_writer", Name: "Avery", Scopes: []string{auth.ScopeStoriesWrite}},
		readerKey: {UserID: "usr1", KeyID: "key_reader", Name: "Avery", Scopes: []string{auth.ScopeStoriesRead}},
	}}
	server := &HTTPServer{service: env.svc, keys: verifier, corsOrigin: "*", log: zap.NewNop()}
	return env, server.Handler()
}

func doRequest(t *testing.T, h http.Handler, method, target, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("response is not a JSON object: %v\n%s", err, rec.Body.String())
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/api/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["ok"] != true {
		t.Errorf("payload = %v", payload)
	}
}

func TestReadyReportsDatabaseOutage(t *testing.T) {
	env, handler := newTestServer(t)
	env.store.pingFn = func(context.Context) error { return errors.New("connection refused") }

	rec := doRequest(t, handler, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	payload := decodeResponse(t, rec)
	if payload["status"] != "not_ready" || payload["ok"] != false {
		t.Errorf("payload = %v", payload)
	}
}

func TestReadyDegradesWhenCacheIsDown(t *testing.T) {
	env, handler := newTestServer(t)
	env.redis.Close()

	rec := doRequest(t, handler, http.MethodGet, "/api/ready", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("a cache outage must not fail readiness, status = %d", rec.Code)
	}
	payload := decodeResponse(t, rec)
	if payload["status"] != "degraded" || payload["ok"] != true {
		t.Errorf("payload = %v", payload)
	}
}

func TestMissingAPIKeyIsUnauthorized(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/api/books", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["code"] != "UNAUTHORIZED" {
		t.Errorf("payload = %v", payload)
	}
}

func TestUnknownAPIKeyIsUnauthorized(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/api/books", "fk_nope", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestBearerTokenAccepted(t *testing.T) {
	_, handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReaderScopeCannotMutate(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodPost, "/api/books", readerKey, map[string]any{"title": "New Book"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["code"] != "FORBIDDEN" {
		t.Errorf("payload = %v", payload)
	}
}

func TestWriteScopeImpliesRead(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/api/books", writerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestKeyIssuanceRequiresAdminScope(t *testing.T) {
	env, handler := newTestServer(t)
	env.store.getUserByIDFn = func(_ context.Context, id string) (store.User, error) {
		return store.User{ID: id}, nil
	}

	rec := doRequest(t, handler, http.MethodPost, "/api/auth/keys", writerKey, map[string]any{"userId": "usr2"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("writer key issued a key: status = %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/auth/keys", adminKey, map[string]any{"userId": "usr2"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201\n%s", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	if raw, _ := payload["apiKey"].(string); !strings.HasPrefix(raw, "fk_") {
		t.Errorf("apiKey = %v", payload["apiKey"])
	}
}

func TestSceneContextRoute(t *testing.T) {
	env, handler := newTestServer(t)
	env.store.getPermissionFn = ownerOf("usr1")
	env.store.getBreadcrumbFn = func(_ context.Context, sceneID string) (store.Breadcrumb, error) {
		return store.Breadcrumb{SceneID: sceneID, BookID: "bk1"}, nil
	}
	env.contexts.getContextFn = func(_ context.Context, sceneID string, depth novel.Depth) (*novel.HierarchicalContext, error) {
		if depth != novel.DepthStandard {
			t.Errorf("depth = %q, want standard", depth)
		}
		return &novel.HierarchicalContext{
			Scene: novel.SceneContext{Current: novel.SceneDetail{ID: sceneID, Title: "Dawn"}},
		}, nil
	}

	rec := doRequest(t, handler, http.MethodGet, "/api/scenes/sc1/context?depth=standard", adminKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d\n%s", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	scene, _ := payload["scene"].(map[string]any)
	if scene == nil {
		t.Fatalf("payload missing scene window: %v", payload)
	}
	current, _ := scene["current"].(map[string]any)
	if current["id"] != "sc1" {
		t.Errorf("current scene = %v", current)
	}
}

func TestSceneContextRejectsUnknownDepth(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/api/scenes/sc1/context?depth=everything", adminKey, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["code"] != "VALIDATION_ERROR" {
		t.Errorf("payload = %v", payload)
	}
}

func TestMissingSceneIs404(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/api/scenes/sc_ghost/breadcrumb", adminKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["code"] != "NOT_FOUND" {
		t.Errorf("payload = %v", payload)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/api/unknown", adminKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPreflightSkipsAuth(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodOptions, "/api/books", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("Allow-Origin = %q", origin)
	}
	if methods := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(methods, "DELETE") {
		t.Errorf("Allow-Methods = %q", methods)
	}
}

func TestSearchRouteValidatesPaging(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodGet, "/api/search?q=rain&limit=ten", adminKey, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if payload := decodeResponse(t, rec); payload["error"] != "limit must be an integer" {
		t.Errorf("payload = %v", payload)
	}
}

func TestReorderValidationErrorShape(t *testing.T) {
	_, handler := newTestServer(t)

	rec := doRequest(t, handler, http.MethodPost, "/api/chapters/ch1/scenes/reorder", writerKey, map[string]any{})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422\n%s", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	if payload["code"] != "VALIDATION_ERROR" || payload["error"] != "sceneIds is required" {
		t.Errorf("payload = %v", payload)
	}
}

func TestCreateSceneRoundTrip(t *testing.T) {
	env, handler := newTestServer(t)
	env.store.getPermissionFn = ownerOf("usr1")
	env.store.bookIDForChapterFn = func(context.Context, string) (string, error) { return "bk1", nil }

	rec := doRequest(t, handler, http.MethodPost, "/api/scenes", writerKey,
		map[string]any{"chapterId": "ch1", "title": "Night Crossing"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d\n%s", rec.Code, rec.Body.String())
	}
	payload := decodeResponse(t, rec)
	scene, _ := payload["scene"].(map[string]any)
	if scene == nil || scene["title"] != "Night Crossing" {
		t.Fatalf("payload = %v", payload)
	}
	if id, _ := scene["id"].(string); !strings.HasPrefix(id, "sc_") {
		t.Errorf("scene id = %v", scene["id"])
	}
	if len(env.contexts.invalidated) != 1 {
		t.Error("scene creation did not touch the context cache")
	}
}

func TestExportSetsAttachmentHeaders(t *testing.T) {
	env, handler := newTestServer(t)
	env.store.getPermissionFn = ownerOf("usr1")

	rec := doRequest(t, handler, http.MethodGet, "/api/books/bk1/export?format=pdf", readerKey, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d\n%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="book.pdf"`) {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Error("body is not the exported document")
	}
}

func TestRequestIDEchoedBack(t *testing.T) {
	_, handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want the caller's id back", got)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/health", "", nil)
	if got := rec.Header().Get("X-Request-ID"); len(got) != 16 {
		t.Errorf("generated request id = %q, want 16 hex chars", got)
	}
}
