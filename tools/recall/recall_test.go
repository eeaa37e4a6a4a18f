package recall

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	orion "github.com/orionhq/orion"
	"github.com/orionhq/orion/store/sqlite"
)

func newFixture(t *testing.T) (*orion.ToolRegistry, *orion.MemoryStore) {
	t.Helper()
	st := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mem := orion.NewMemoryStore(st, st, orion.NewPatternFilter(), 8)
	ret := orion.NewHybridRetriever(st, st, embedderOf(mem))

	reg := orion.NewToolRegistry(nil, nil, nil)
	if err := New(mem, ret, "u1").Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg, mem
}

// embedderOf exposes the memory store's embed chain (hash fallback in
// tests) as an EmbeddingProvider for the retriever.
type memEmbedder struct{ mem *orion.MemoryStore }

func embedderOf(mem *orion.MemoryStore) orion.EmbeddingProvider {
	return &memEmbedder{mem: mem}
}

func (e *memEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.mem.Embed(ctx, text)
	}
	return out, nil
}

func TestRememberThenRecall(t *testing.T) {
	reg, _ := newFixture(t)
	ctx := context.Background()

	res, err := reg.Invoke(ctx, "remember", json.RawMessage(`{"content":"prefers dark roast coffee"}`))
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("remember error: %s", res.Error)
	}
	if !strings.HasPrefix(res.Content, "Saved memory ") {
		t.Errorf("content = %q", res.Content)
	}

	res, err = reg.Invoke(ctx, "recall", json.RawMessage(`{"query":"prefers dark roast coffee"}`))
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("recall error: %s", res.Error)
	}
	if !strings.Contains(res.Content, "dark roast") {
		t.Errorf("recall content = %q, want saved memory", res.Content)
	}
}

func TestRecallNoMatches(t *testing.T) {
	reg, _ := newFixture(t)

	res, err := reg.Invoke(context.Background(), "recall", json.RawMessage(`{"query":"anything"}`))
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("recall error: %s", res.Error)
	}
	if res.Content != "No matching memories." {
		t.Errorf("content = %q", res.Content)
	}
}

func TestRememberRejectsEmptyContent(t *testing.T) {
	reg, _ := newFixture(t)

	res, err := reg.Invoke(context.Background(), "remember", json.RawMessage(`{"content":"   "}`))
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	if res.Error == "" {
		t.Error("expected refusal for blank content")
	}
}

func TestRecallScopedByUserID(t *testing.T) {
	reg, mem := newFixture(t)
	ctx := context.Background()

	if _, err := mem.Save(ctx, "u2", "other user's secret", nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Default user u1 must not see u2's memory.
	res, err := reg.Invoke(ctx, "recall", json.RawMessage(`{"query":"other user's secret"}`))
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if strings.Contains(res.Content, "secret") {
		t.Errorf("cross-user leak: %q", res.Content)
	}
}
