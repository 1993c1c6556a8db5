// Package aiclient calls the Fictures ai-server for text and image
// generation. Requests are validated against the server's schema bounds
// before they leave the process, and a client-side rate limiter keeps a
// busy book from starving the shared GPU.
package aiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 120 * time.Second
	defaultRPS     = 2
	defaultBurst   = 4
)

// Options tune the client. Zero values fall back to defaults.
type Options struct {
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Client talks to one ai-server instance.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	limiter  *rate.Limiter
	validate *validator.Validate
	log      *zap.Logger
}

// New creates an ai-server client. baseURL is the server root, apiKey goes
// out on every request as x-api-key.
func New(baseURL, apiKey string, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = defaultBurst
	}

	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		validate: validator.New(),
		log:      logger.Named("aiclient"),
	}
}

// GenerateText asks the ai-server to continue or draft prose.
func (c *Client) GenerateText(ctx context.Context, req TextRequest) (TextResult, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	if err := c.validate.Struct(req); err != nil {
		return TextResult{}, fmt.Errorf("validate text request: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return TextResult{}, err
	}

	requestID := uuid.NewString()
	start := time.Now()
	var result TextResult
	if err := c.post(ctx, "/api/v1/text/generate", requestID, req, &result); err != nil {
		c.log.Warn("text generation failed", zap.String("request_id", requestID), zap.Error(err))
		return TextResult{}, err
	}
	c.log.Debug("text generated",
		zap.String("request_id", requestID),
		zap.String("model", result.Model),
		zap.Int("tokens_used", result.TokensUsed),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// GenerateImage asks the ai-server to render an illustration.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error) {
	if req.Width == 0 {
		req.Width = DefaultWidth
	}
	if req.Height == 0 {
		req.Height = DefaultHeight
	}
	if req.Steps == 0 {
		req.Steps = DefaultSteps
	}
	if err := c.validate.Struct(req); err != nil {
		return ImageResult{}, fmt.Errorf("validate image request: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return ImageResult{}, err
	}

	requestID := uuid.NewString()
	start := time.Now()
	var result ImageResult
	if err := c.post(ctx, "/api/v1/images/generate", requestID, req, &result); err != nil {
		c.log.Warn("image generation failed", zap.String("request_id", requestID), zap.Error(err))
		return ImageResult{}, err
	}
	c.log.Debug("image generated",
		zap.String("request_id", requestID),
		zap.String("model", result.Model),
		zap.Int("width", result.Width),
		zap.Int("height", result.Height),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// ListTextModels returns the text models the server advertises.
func (c *Client) ListTextModels(ctx context.Context) ([]ModelInfo, error) {
	return c.listModels(ctx, "/api/v1/text/models")
}

// ListImageModels returns the image models the server advertises.
func (c *Client) ListImageModels(ctx context.Context) ([]ModelInfo, error) {
	return c.listModels(ctx, "/api/v1/images/models")
}

func (c *Client) listModels(ctx context.Context, path string) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call ai server: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, raw)
	}

	var envelope struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal models: %w", err)
	}
	return envelope.Models, nil
}

func (c *Client) post(ctx context.Context, path, requestID string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("X-Request-ID", requestID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("call ai server: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// decodeError turns a FastAPI error body ({"detail": ...}) into an APIError.
func decodeError(status int, body []byte) error {
	var errResp struct {
		Detail string `json:"detail"`
	}
	detail := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Detail != "" {
		detail = errResp.Detail
	}
	return &APIError{StatusCode: status, Detail: detail}
}
