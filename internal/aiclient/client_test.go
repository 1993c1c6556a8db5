package aiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestGenerateText(t *testing.T) {
	var gotPath, gotKey, gotRequestID string
	var gotReq TextRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotRequestID = r.Header.Get("X-Request-ID")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request failed: %v", err)
		}
		json.NewEncoder(w).Encode(TextResult{
			Text: "Once upon a time", Model: "llama-3.2-3b", TokensUsed: 5, FinishReason: "stop",
		})
	}))
	defer server.Close()

	c := New(server.URL, "fk_testkey", Options{}, nil)
	result, err := c.GenerateText(context.Background(), TextRequest{Prompt: "Write a scene"})
	if err != nil {
		t.Fatalf("GenerateText failed: %v", err)
	}

	if gotPath != "/api/v1/text/generate" {
		t.Errorf("expected text generate path, got %q", gotPath)
	}
	if gotKey != "fk_testkey" {
		t.Errorf("expected api key header, got %q", gotKey)
	}
	if gotRequestID == "" {
		t.Error("expected a request id header")
	}
	if gotReq.MaxTokens != DefaultMaxTokens {
		t.Errorf("expected default max_tokens %d, got %d", DefaultMaxTokens, gotReq.MaxTokens)
	}
	if result.Text != "Once upon a time" || result.FinishReason != "stop" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestGenerateTextValidation(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	c := New(server.URL, "fk_testkey", Options{}, nil)
	ctx := context.Background()

	if _, err := c.GenerateText(ctx, TextRequest{}); err == nil {
		t.Error("expected error for empty prompt")
	}
	if _, err := c.GenerateText(ctx, TextRequest{Prompt: "p", MaxTokens: 9000}); err == nil {
		t.Error("expected error for max_tokens above bound")
	}
	temp := 3.5
	if _, err := c.GenerateText(ctx, TextRequest{Prompt: "p", Temperature: &temp}); err == nil {
		t.Error("expected error for temperature above bound")
	}

	if calls.Load() != 0 {
		t.Errorf("expected no requests to reach the server, got %d", calls.Load())
	}
}

func TestGenerateImageDefaults(t *testing.T) {
	var gotReq ImageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/images/generate" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request failed: %v", err)
		}
		json.NewEncoder(w).Encode(ImageResult{
			ImageURL: "http://ai/img.png", Model: "qwen-image", Width: gotReq.Width, Height: gotReq.Height, Seed: 42,
		})
	}))
	defer server.Close()

	c := New(server.URL, "fk_testkey", Options{}, nil)
	result, err := c.GenerateImage(context.Background(), ImageRequest{Prompt: "a ford in the rain"})
	if err != nil {
		t.Fatalf("GenerateImage failed: %v", err)
	}

	if gotReq.Width != DefaultWidth || gotReq.Height != DefaultHeight {
		t.Errorf("expected default %dx%d, got %dx%d", DefaultWidth, DefaultHeight, gotReq.Width, gotReq.Height)
	}
	if gotReq.Steps != DefaultSteps {
		t.Errorf("expected default steps %d, got %d", DefaultSteps, gotReq.Steps)
	}
	if result.Width != DefaultWidth || result.Seed != 42 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestGenerateImageValidation(t *testing.T) {
	c := New("http://unused", "fk_testkey", Options{}, nil)
	ctx := context.Background()

	if _, err := c.GenerateImage(ctx, ImageRequest{Prompt: "p", Width: 100}); err == nil {
		t.Error("expected error for width below bound")
	}
	if _, err := c.GenerateImage(ctx, ImageRequest{Prompt: "p", GuidanceScale: 25}); err == nil {
		t.Error("expected error for guidance above bound")
	}
}

func TestErrorMapping(t *testing.T) {
	status := http.StatusUnauthorized
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Invalid or expired API key"})
	}))
	defer server.Close()

	c := New(server.URL, "fk_bad", Options{}, nil)
	ctx := context.Background()

	_, err := c.GenerateText(ctx, TextRequest{Prompt: "p"})
	if !IsUnauthorized(err) {
		t.Errorf("expected unauthorized error, got %v", err)
	}

	status = http.StatusTooManyRequests
	_, err = c.GenerateText(ctx, TextRequest{Prompt: "p"})
	if !IsRateLimited(err) {
		t.Errorf("expected rate limited error, got %v", err)
	}

	status = http.StatusServiceUnavailable
	_, err = c.GenerateText(ctx, TextRequest{Prompt: "p"})
	if !IsUnavailable(err) {
		t.Errorf("expected unavailable error, got %v", err)
	}
}

func TestListTextModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/text/models" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string][]ModelInfo{
			"models": {{ID: "llama-3.2-3b", Name: "Llama 3.2 3B", Status: "available"}},
		})
	}))
	defer server.Close()

	c := New(server.URL, "fk_testkey", Options{}, nil)
	models, err := c.ListTextModels(context.Background())
	if err != nil {
		t.Fatalf("ListTextModels failed: %v", err)
	}
	if len(models) != 1 || models[0].ID != "llama-3.2-3b" {
		t.Errorf("unexpected models %+v", models)
	}
}
