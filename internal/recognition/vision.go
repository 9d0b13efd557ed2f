package recognition

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nikhilbhutani/tallocr/internal/llm"
)

const defaultVisionPrompt = "Extract ALL text visible in this image, top to bottom. " +
	"Return only the text content, one line of the image per line, without commentary or formatting."

// VisionRecognizer reads tile text with a vision-capable LLM.
type VisionRecognizer struct {
	gateway  llm.Gateway
	provider string
	model    string
	prompt   string
}

// NewVisionRecognizer uses the gateway default provider when provider is
// empty, and the provider's first model when model is empty.
func NewVisionRecognizer(gw llm.Gateway, provider, model string) *VisionRecognizer {
	return &VisionRecognizer{gateway: gw, provider: provider, model: model, prompt: defaultVisionPrompt}
}

func (v *VisionRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	resp, err := v.gateway.Chat(ctx, llm.ChatRequest{
		Provider:    v.provider,
		Model:       v.model,
		Temperature: 0,
		Messages: []llm.Message{
			{
				Role:    "system",
				Content: "You are an OCR engine. You transcribe text exactly as it appears.",
			},
			{
				Role:    "user",
				Content: v.prompt,
				Images:  []llm.Image{{Data: image, MimeType: "image/png"}},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("vision recognize: %w", err)
	}
	slog.Debug("vision tile recognized",
		"provider", resp.Provider,
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"cost_usd", resp.CostUSD,
		"latency_ms", resp.LatencyMs,
	)
	return stripFence(resp.Content), nil
}

// stripFence removes a markdown code fence wrapped around the whole reply.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") || !strings.HasSuffix(t, "```") || len(t) < 6 {
		return t
	}
	t = strings.TrimSuffix(strings.TrimPrefix(t, "```"), "```")
	// Drop a language tag on the opening fence line.
	if nl := strings.IndexByte(t, '\n'); nl >= 0 && !strings.ContainsAny(t[:nl], " \t") {
		t = t[nl+1:]
	}
	return strings.TrimSpace(t)
}
