// Package recall provides the remember and recall tools: explicit saves
// into the memory store and hybrid retrieval back out of it.
package recall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	orion "github.com/orionhq/orion"
)

// Tool exposes the memory store to the model. defaultUser scopes calls
// whose arguments carry no user_id (single-user deployments).
type Tool struct {
	memory      *orion.MemoryStore
	retriever   orion.Retriever
	defaultUser string
}

// New creates a memory tool. retriever may be nil; recall is then not
// registered.
func New(memory *orion.MemoryStore, retriever orion.Retriever, defaultUser string) *Tool {
	return &Tool{memory: memory, retriever: retriever, defaultUser: defaultUser}
}

// Register adds remember (and recall when a retriever is present) to the
// registry. Neither touches URLs, paths, or commands, so no guards bind.
func (t *Tool) Register(reg *orion.ToolRegistry) error {
	rememberDef := orion.ToolDefinition{
		Name:        "remember",
		Description: "Save information to the user's long-term memory. Use when the user explicitly asks to remember or save something.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"content":{"type":"string","description":"The fact to save"}},"required":["content"]}`),
	}
	if err := reg.Register(rememberDef, orion.GuardMeta{}, t.remember); err != nil {
		return err
	}
	if t.retriever == nil {
		return nil
	}
	recallDef := orion.ToolDefinition{
		Name:        "recall",
		Description: "Search the user's long-term memory. Use when answering requires facts from past conversations.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"What to search for"},"limit":{"type":"integer","description":"Max results (default 5)"}},"required":["query"]}`),
	}
	return reg.Register(recallDef, orion.GuardMeta{}, t.recall)
}

func (t *Tool) userOf(fields map[string]any) string {
	if v, ok := fields["user_id"].(string); ok && v != "" {
		return v
	}
	return t.defaultUser
}

func (t *Tool) remember(ctx context.Context, args json.RawMessage) (orion.ToolResult, error) {
	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err != nil {
		return orion.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	content, _ := fields["content"].(string)
	if strings.TrimSpace(content) == "" {
		return orion.ToolResult{Error: "content is required"}, nil
	}

	id, err := t.memory.Save(ctx, t.userOf(fields), content, map[string]string{"source": "tool"})
	if err != nil {
		return orion.ToolResult{Error: "save failed: " + err.Error()}, nil
	}
	return orion.ToolResult{Content: fmt.Sprintf("Saved memory %s.", id)}, nil
}

func (t *Tool) recall(ctx context.Context, args json.RawMessage) (orion.ToolResult, error) {
	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err != nil {
		return orion.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	query, _ := fields["query"].(string)
	if strings.TrimSpace(query) == "" {
		return orion.ToolResult{Error: "query is required"}, nil
	}
	limit := 5
	if v, ok := fields["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	if limit > 20 {
		limit = 20
	}

	results, err := t.retriever.Retrieve(ctx, t.userOf(fields), query, limit)
	if err != nil {
		return orion.ToolResult{Error: "search failed: " + err.Error()}, nil
	}
	if len(results) == 0 {
		return orion.ToolResult{Content: "No matching memories."}, nil
	}

	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, res.Content)
	}
	return orion.ToolResult{Content: strings.TrimRight(b.String(), "\n")}, nil
}
