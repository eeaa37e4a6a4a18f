// Package web provides the http_fetch tool: download a URL and return its
// readable text. The registry's URL guard rejects private ranges and
// file: schemes before the request is issued.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	orion "github.com/orionhq/orion"
)

// Tool fetches URLs and extracts text content.
type Tool struct {
	client *http.Client
}

// New creates a web tool with a 15-second HTTP timeout.
func New() *Tool {
	return &Tool{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Register adds http_fetch to the registry with the URL guard bound to
// the "url" argument.
func (t *Tool) Register(reg *orion.ToolRegistry) error {
	def := orion.ToolDefinition{
		Name:        "http_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}
	return reg.Register(def, orion.GuardMeta{URLField: "url"}, t.fetch)
}

func (t *Tool) fetch(ctx context.Context, args json.RawMessage) (orion.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return orion.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	content, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return orion.ToolResult{Error: err.Error()}, nil
	}
	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}
	return orion.ToolResult{Content: content}, nil
}

// Fetch downloads a URL and strips HTML down to text.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; OrionBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	return stripHTML(string(body)), nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// stripHTML removes scripts, styles, and tags, collapsing whitespace to
// readable text.
func stripHTML(html string) string {
	text := scriptRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, " ")
	text = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	).Replace(text)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
