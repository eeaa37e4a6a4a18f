// Package openai implements an Engine for any OpenAI-compatible chat
// completions API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, and any other backend that implements
// the /chat/completions endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	orion "github.com/orionhq/orion"
)

// Engine implements orion.Engine over the OpenAI chat completions API.
type Engine struct {
	name     string
	provider string
	apiKey   string
	model    string
	baseURL  string
	client   *http.Client

	temperature float64
	maxTokens   int
}

// Option configures an Engine.
type Option func(*Engine)

// WithName sets the registry name (default: the provider label).
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// WithProvider sets the provider label used for pricing and telemetry
// (default "openai"). Use "openrouter", "ollama", "groq", etc. when the
// base URL points elsewhere.
func WithProvider(p string) Option {
	return func(e *Engine) { e.provider = p }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithTemperature sets the default sampling temperature. Per-request
// temperatures still override it.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithMaxTokens sets the default completion token cap.
func WithMaxTokens(n int) Option {
	return func(e *Engine) { e.maxTokens = n }
}

// New creates an OpenAI-compatible engine.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func New(apiKey, model, baseURL string, opts ...Option) *Engine {
	e := &Engine{
		apiKey:   apiKey,
		model:    model,
		baseURL:  baseURL,
		client:   &http.Client{},
		provider: "openai",
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.name == "" {
		e.name = e.provider
	}
	return e
}

func (e *Engine) Name() string         { return e.name }
func (e *Engine) Provider() string     { return e.provider }
func (e *Engine) DefaultModel() string { return e.model }

// IsAvailable probes the /models endpoint with a short deadline.
func (e *Engine) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate sends a non-streaming chat completion request and returns the
// response text. An empty response with no choices returns "" and a nil
// error, which the orchestrator treats as a transport-level failure.
func (e *Engine) Generate(ctx context.Context, req orion.GenerateRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = e.model
	}

	var msgs []message
	if req.SystemPrompt != "" {
		msgs = append(msgs, message{Role: "system", Content: req.SystemPrompt})
	}
	if req.Context != "" {
		msgs = append(msgs, message{Role: "system", Content: req.Context})
	}
	msgs = append(msgs, message{Role: "user", Content: req.Prompt})

	body := chatRequest{Model: model, Messages: msgs, MaxTokens: e.maxTokens}
	if req.Temperature != 0 {
		t := req.Temperature
		body.Temperature = &t
	} else if e.temperature != 0 {
		t := e.temperature
		body.Temperature = &t
	}
	if req.MaxTokens != 0 {
		body.MaxTokens = req.MaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", &orion.ErrEngine{Engine: e.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", &orion.ErrEngine{Engine: e.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", &orion.ErrEngine{Engine: e.name, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", httpErr(resp)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &orion.ErrEngine{Engine: e.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &orion.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: orion.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

var _ orion.Engine = (*Engine)(nil)
