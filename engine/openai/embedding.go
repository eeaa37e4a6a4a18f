package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	orion "github.com/orionhq/orion"
)

// Embedding implements orion.EmbeddingProvider over the /embeddings
// endpoint of an OpenAI-compatible API.
type Embedding struct {
	apiKey  string
	model   string
	baseURL string
	dims    int
	client  *http.Client
}

// NewEmbedding creates an embedding provider. dims of 0 lets the backend
// choose the dimensionality; a positive value requests truncation for
// models that support it.
func NewEmbedding(apiKey, model, baseURL string, dims int) *Embedding {
	return &Embedding{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		dims:    dims,
		client:  &http.Client{},
	}
}

// Dimensions returns the configured embedding dimensionality (0 = backend default).
func (e *Embedding) Dimensions() int { return e.dims }

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one embedding per input text, in order.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	body := embedRequest{Model: e.model, Input: texts, Dimensions: e.dims}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &orion.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: orion.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed response has %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	// The API may return data out of order; index is authoritative.
	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embed response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

var _ orion.EmbeddingProvider = (*Embedding)(nil)
