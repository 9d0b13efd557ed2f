package llm

import (
	"context"
	"encoding/base64"
	"fmt"
)

// Provider abstracts a vision-capable LLM provider (OpenAI, Anthropic, Gemini, Ollama).
type Provider interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	Models() []string
}

// Gateway provides multi-provider routing with fallback and retry.
type Gateway interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Provider(name string) (Provider, error)
	ListModels() []ModelInfo
}

// Image is an inline image attached to a message.
type Image struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"` // image/png, image/jpeg, etc.
}

func (i Image) mimeType() string {
	if i.MimeType == "" {
		return "image/png"
	}
	return i.MimeType
}

// DataURL renders the image as a base64 data URL.
func (i Image) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", i.mimeType(), base64.StdEncoding.EncodeToString(i.Data))
}

// Message represents a single chat message.
type Message struct {
	Role    string  `json:"role"` // system, user, assistant
	Content string  `json:"content"`
	Images  []Image `json:"images,omitempty"`
}

// ChatRequest is the input for chat completions.
type ChatRequest struct {
	Provider    string    `json:"provider,omitempty"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// ChatResponse is the output from chat completions.
type ChatResponse struct {
	ID           string  `json:"id"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Content      string  `json:"content"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMs    int64   `json:"latency_ms"`
}

// ModelInfo describes an available model.
type ModelInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Type     string `json:"type"`
}
