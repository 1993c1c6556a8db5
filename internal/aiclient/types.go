package aiclient

// Defaults match the ai-server's own schema defaults, applied client side so
// requests are explicit about what they ask for.
const (
	DefaultMaxTokens = 2048
	DefaultWidth     = 1664
	DefaultHeight    = 928
	DefaultSteps     = 4
)

// TextRequest asks the ai-server for prose generation.
type TextRequest struct {
	Prompt        string   `json:"prompt" validate:"required,min=1"`
	MaxTokens     int      `json:"max_tokens,omitempty" validate:"omitempty,min=1,max=8192"`
	Temperature   *float64 `json:"temperature,omitempty" validate:"omitempty,min=0,max=2"`
	TopP          *float64 `json:"top_p,omitempty" validate:"omitempty,min=0,max=1"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// TextResult is the ai-server's text generation reply.
type TextResult struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	TokensUsed   int    `json:"tokens_used"`
	FinishReason string `json:"finish_reason"`
}

// ImageRequest asks the ai-server for an illustration. Width and height
// default to the 16:9 resolution the image model was trained on.
type ImageRequest struct {
	Prompt         string  `json:"prompt" validate:"required,min=1"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width,omitempty" validate:"omitempty,min=256,max=2048"`
	Height         int     `json:"height,omitempty" validate:"omitempty,min=256,max=2048"`
	Steps          int     `json:"num_inference_steps,omitempty" validate:"omitempty,min=1,max=100"`
	GuidanceScale  float64 `json:"guidance_scale,omitempty" validate:"omitempty,min=1,max=20"`
	Seed           *int64  `json:"seed,omitempty"`
}

// ImageResult is the ai-server's image generation reply.
type ImageResult struct {
	ImageURL string `json:"image_url"`
	Model    string `json:"model"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Seed     int64  `json:"seed"`
}

// ModelInfo describes one model the ai-server can serve.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
}
