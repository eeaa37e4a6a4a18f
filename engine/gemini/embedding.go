package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	orion "github.com/orionhq/orion"
)

// Embedding implements orion.EmbeddingProvider for Gemini embedding models.
type Embedding struct {
	apiKey  string
	model   string
	dims    int
	baseURL string
	client  *http.Client
}

// NewEmbedding creates a Gemini embedding provider. dims selects the
// output dimensionality via Matryoshka truncation.
func NewEmbedding(apiKey, model string, dims int, opts ...Option) *Embedding {
	cfg := &Engine{baseURL: defaultBaseURL, client: &http.Client{}}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Embedding{
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		baseURL: cfg.baseURL,
		client:  cfg.client,
	}
}

// Dimensions returns the configured embedding dimensionality.
func (e *Embedding) Dimensions() int { return e.dims }

type embedResponse struct {
	Embedding *struct {
		Values []float64 `json:"values"`
	} `json:"embedding"`
}

// Embed embeds each text sequentially and returns the embedding vectors.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", e.baseURL, e.model, e.apiKey)

	embeddings := make([][]float32, 0, len(texts))

	for _, text := range texts {
		body := map[string]any{
			"content": map[string]any{
				"parts": []map[string]any{
					{"text": text},
				},
			},
			"outputDimensionality": e.dims,
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal embed body: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
		if err != nil {
			return nil, fmt.Errorf("create embed request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("embed request failed: %w", err)
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read embed response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, httpErr(resp, string(respBody))
		}

		var parsed embedResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, fmt.Errorf("parse embed response: %w", err)
		}
		if parsed.Embedding == nil {
			return nil, fmt.Errorf("missing embedding.values in response")
		}

		vec := make([]float32, len(parsed.Embedding.Values))
		for i, v := range parsed.Embedding.Values {
			vec[i] = float32(v)
		}
		embeddings = append(embeddings, vec)
	}

	return embeddings, nil
}

var _ orion.EmbeddingProvider = (*Embedding)(nil)
