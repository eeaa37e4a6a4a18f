// Package gemini implements the Google Gemini chat and embedding engines.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	orion "github.com/orionhq/orion"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Engine implements orion.Engine for Google Gemini models.
type Engine struct {
	name    string
	apiKey  string
	model   string
	baseURL string
	client  *http.Client

	temperature float64
	topP        float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithName sets the registry name (default "gemini").
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(e *Engine) { e.baseURL = u }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithTopP sets the nucleus sampling parameter.
func WithTopP(p float64) Option {
	return func(e *Engine) { e.topP = p }
}

// New creates a Gemini engine.
func New(apiKey, model string, opts ...Option) *Engine {
	e := &Engine{
		name:        "gemini",
		apiKey:      apiKey,
		model:       model,
		baseURL:     defaultBaseURL,
		client:      &http.Client{},
		temperature: 0.1,
		topP:        0.9,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Name() string         { return e.name }
func (e *Engine) Provider() string     { return "gemini" }
func (e *Engine) DefaultModel() string { return e.model }

// IsAvailable probes the model metadata endpoint with a short deadline.
func (e *Engine) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/models/%s?key=%s", e.baseURL, e.model, e.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text    string `json:"text"`
				Thought bool   `json:"thought"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Generate sends a non-streaming generateContent call and returns the
// concatenated text parts of the first candidate.
func (e *Engine) Generate(ctx context.Context, req orion.GenerateRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = e.model
	}

	body := e.buildBody(req)
	payload, err := json.Marshal(body)
	if err != nil {
		return "", &orion.ErrEngine{Engine: e.name, Message: "marshal body: " + err.Error()}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", e.baseURL, model, e.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return "", &orion.ErrEngine{Engine: e.name, Message: "create request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", &orion.ErrEngine{Engine: e.name, Message: "request failed: " + err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &orion.ErrEngine{Engine: e.name, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", httpErr(resp, string(respBody))
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &orion.ErrEngine{Engine: e.name, Message: "parse response: " + err.Error()}
	}

	if len(parsed.Candidates) == 0 {
		return "", nil
	}
	var content strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		// Skip thinking parts (thought: true).
		if part.Thought {
			continue
		}
		content.WriteString(part.Text)
	}
	return content.String(), nil
}

// buildBody constructs the generateContent request body. Context rides as
// an extra user turn ahead of the prompt so the model sees it as prior
// conversation rather than instruction.
func (e *Engine) buildBody(req orion.GenerateRequest) map[string]any {
	var contents []map[string]any
	if req.Context != "" {
		contents = append(contents, map[string]any{
			"role":  "user",
			"parts": []map[string]any{{"text": req.Context}},
		})
	}
	contents = append(contents, map[string]any{
		"role":  "user",
		"parts": []map[string]any{{"text": req.Prompt}},
	})

	body := map[string]any{"contents": contents}

	if req.SystemPrompt != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.SystemPrompt}},
		}
	}

	genConfig := map[string]any{
		"temperature": e.temperature,
		"topP":        e.topP,
	}
	if req.Temperature != 0 {
		genConfig["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		genConfig["maxOutputTokens"] = req.MaxTokens
	}
	body["generationConfig"] = genConfig

	return body
}

// httpErr creates an ErrHTTP from an HTTP response, extracting the retry
// delay from the Retry-After header or from the google.rpc.RetryInfo
// detail in the JSON error body.
func httpErr(resp *http.Response, body string) *orion.ErrHTTP {
	ra := orion.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}
	return &orion.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: ra,
	}
}

// parseRetryInfo extracts the retryDelay from a Gemini error body containing
// a google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

var _ orion.Engine = (*Engine)(nil)
