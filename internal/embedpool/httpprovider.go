package embedpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvider is a real embedding Provider backed by an OpenAI-compatible
// embeddings endpoint: POST {"model": ..., "input": text} returning
// {"data": [{"embedding": [...]}], "model": ..., "usage": {...}}. It is the
// "real provider" half of §4.H's mock/real distinction — dimension
// mismatches here are always surfaced to the caller, never reconciled.
type HTTPProvider struct {
	Endpoint string
	Model    string
	Client   *http.Client
}

// NewHTTPProvider constructs an HTTPProvider against endpoint/model, using
// an http.Client with a generous default timeout; Pool's own per-task
// timeout (TimeoutMs) is what actually bounds a call in practice via the
// context passed to Embed.
func NewHTTPProvider(endpoint, model string) *HTTPProvider {
	return &HTTPProvider{
		Endpoint: endpoint,
		Model:    model,
		Client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed POSTs text to the configured endpoint and decodes the first
// returned embedding.
func (p *HTTPProvider) Embed(ctx context.Context, text string) (Embedding, error) {
	body, err := json.Marshal(embedRequest{Model: p.Model, Input: text})
	if err != nil {
		return Embedding{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Embedding{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return Embedding{}, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Embedding{}, fmt.Errorf("embedding endpoint returned status %d", resp.StatusCode)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Embedding{}, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Data) == 0 {
		return Embedding{}, fmt.Errorf("embedding response contained no data")
	}

	vec := decoded.Data[0].Embedding
	model := decoded.Model
	if model == "" {
		model = p.Model
	}
	return Embedding{
		Vector:     vec,
		Dimensions: len(vec),
		Model:      model,
		Usage: Usage{
			PromptTokens: decoded.Usage.PromptTokens,
			TotalTokens:  decoded.Usage.TotalTokens,
		},
	}, nil
}
