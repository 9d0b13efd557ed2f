package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type GeminiProvider struct {
	client *genai.Client
}

func NewGeminiProvider(ctx context.Context, apiKey string) (*GeminiProvider, error) {
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GeminiProvider{client: cl}, nil
}

func (p *GeminiProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Models() []string {
	return []string{"gemini-2.0-flash", "gemini-1.5-flash", "gemini-1.5-pro"}
}

func geminiParts(m Message) []genai.Part {
	parts := make([]genai.Part, 0, len(m.Images)+1)
	for _, img := range m.Images {
		parts = append(parts, genai.Blob{MIMEType: img.mimeType(), Data: img.Data})
	}
	if m.Content != "" {
		parts = append(parts, genai.Text(m.Content))
	}
	return parts
}

func (p *GeminiProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	m := p.client.GenerativeModel(req.Model)
	if req.Temperature > 0 {
		m.SetTemperature(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.TopP > 0 {
		m.SetTopP(float32(req.TopP))
	}
	if len(req.Stop) > 0 {
		m.StopSequences = req.Stop
	}

	var history []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(msg.Content)}}
		case "user":
			history = append(history, &genai.Content{Role: "user", Parts: geminiParts(msg)})
		case "assistant":
			history = append(history, &genai.Content{Role: "model", Parts: geminiParts(msg)})
		}
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("gemini chat: no user message")
	}

	cs := m.StartChat()
	cs.History = history[:len(history)-1]
	resp, err := cs.SendMessage(ctx, history[len(history)-1].Parts...)
	if err != nil {
		return nil, fmt.Errorf("gemini chat: %w", err)
	}

	var b strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}

	var inputTokens, outputTokens int
	if resp.UsageMetadata != nil {
		inputTokens = int(resp.UsageMetadata.PromptTokenCount)
		outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &ChatResponse{
		Provider:     "gemini",
		Model:        req.Model,
		Content:      b.String(),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		CostUSD:      CalculateCost(req.Model, inputTokens, outputTokens),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}
