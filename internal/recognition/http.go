package recognition

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type inferenceRequest struct {
	Prompt   string `json:"prompt,omitempty"`
	ImageB64 string `json:"image_base64"`
}

type inferenceResponse struct {
	Text string `json:"text"`
}

// HTTPRecognizer posts each tile to a JSON inference endpoint.
type HTTPRecognizer struct {
	url    string
	token  string
	prompt string
	client *http.Client
}

// NewHTTPRecognizer sizes the connection pool for maxConns concurrent tiles.
func NewHTTPRecognizer(url, token string, maxConns int) *HTTPRecognizer {
	if maxConns <= 0 {
		maxConns = 2
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxConnsPerHost:     max(maxConns, 4),
		MaxIdleConnsPerHost: max(maxConns, 4),
		MaxIdleConns:        max(maxConns*2, 32),
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPRecognizer{
		url:    url,
		token:  token,
		prompt: "<image>\nFree OCR.",
		client: &http.Client{Transport: transport},
	}
}

func (h *HTTPRecognizer) Recognize(ctx context.Context, image []byte) (string, error) {
	body, err := json.Marshal(inferenceRequest{
		Prompt:   h.prompt,
		ImageB64: base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("X-Internal-Token", h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("inference failed: status %d: %s", resp.StatusCode, string(data))
	}

	var parsed inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("inference decode: %w", err)
	}
	return parsed.Text, nil
}
