package observer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/orionhq/orion"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockEngine for observer tests.
type mockEngine struct {
	name     string
	provider string
	model    string
	out      string
	err      error
	lastReq  orion.GenerateRequest
}

func (m *mockEngine) Name() string                         { return m.name }
func (m *mockEngine) Provider() string                     { return m.provider }
func (m *mockEngine) DefaultModel() string                 { return m.model }
func (m *mockEngine) IsAvailable(_ context.Context) bool   { return true }
func (m *mockEngine) Generate(_ context.Context, req orion.GenerateRequest) (string, error) {
	m.lastReq = req
	return m.out, m.err
}

// mockInvoker for observer tests.
type mockInvoker struct {
	defs   []orion.ToolDefinition
	result orion.ToolResult
	err    error
}

func (m *mockInvoker) Definitions() []orion.ToolDefinition { return m.defs }
func (m *mockInvoker) Invoke(_ context.Context, _ string, _ json.RawMessage) (orion.ToolResult, error) {
	return m.result, m.err
}

// mockEmbedding for observer tests.
type mockEmbedding struct {
	vecs [][]float32
	err  error
}

func (m *mockEmbedding) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return m.vecs, m.err
}

// mockTurns for observer tests.
type mockTurns struct {
	result orion.TurnResult
	err    error
	seen   []orion.InboundEvent
}

func (m *mockTurns) ProcessTurn(_ context.Context, ev orion.InboundEvent) (orion.TurnResult, error) {
	m.seen = append(m.seen, ev)
	return m.result, m.err
}

// testInstruments creates a no-op Instruments using the global OTEL providers
// (which are no-ops by default). This is safe for testing delegation behavior
// without any real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

// ---------------------------------------------------------------------------
// ObservedEngine tests
// ---------------------------------------------------------------------------

func TestObservedEngineIdentity(t *testing.T) {
	inner := &mockEngine{name: "claude", provider: "anthropic", model: "claude-sonnet-4-5"}
	oe := WrapEngine(inner, testInstruments(t))

	if oe.Name() != "claude" {
		t.Errorf("Name() = %q, want %q", oe.Name(), "claude")
	}
	if oe.Provider() != "anthropic" {
		t.Errorf("Provider() = %q, want %q", oe.Provider(), "anthropic")
	}
	if oe.DefaultModel() != "claude-sonnet-4-5" {
		t.Errorf("DefaultModel() = %q", oe.DefaultModel())
	}
	if !oe.IsAvailable(context.Background()) {
		t.Error("IsAvailable() = false")
	}
}

func TestObservedEngineGenerate(t *testing.T) {
	inner := &mockEngine{name: "e", provider: "p", model: "m", out: "hello from LLM"}
	oe := WrapEngine(inner, testInstruments(t))

	got, err := oe.Generate(context.Background(), orion.GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate returned unexpected error: %v", err)
	}
	if got != "hello from LLM" {
		t.Errorf("output = %q, want %q", got, "hello from LLM")
	}
	if inner.lastReq.Prompt != "hi" {
		t.Errorf("inner engine saw prompt %q", inner.lastReq.Prompt)
	}
}

func TestObservedEngineGenerateError(t *testing.T) {
	wantErr := errors.New("engine unavailable")
	inner := &mockEngine{name: "e", provider: "p", err: wantErr}
	oe := WrapEngine(inner, testInstruments(t))

	_, err := oe.Generate(context.Background(), orion.GenerateRequest{Prompt: "hi"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Generate error = %v, want %v", err, wantErr)
	}
}

func TestObservedEngineEmptyOutputPassesThrough(t *testing.T) {
	// Empty output with nil error is a transport failure signal the
	// wrapper must not mask.
	inner := &mockEngine{name: "e", provider: "p", out: ""}
	oe := WrapEngine(inner, testInstruments(t))

	got, err := oe.Generate(context.Background(), orion.GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("output = %q, want empty", got)
	}
}

// ---------------------------------------------------------------------------
// ObservedTools tests
// ---------------------------------------------------------------------------

func TestObservedToolsDefinitions(t *testing.T) {
	defs := []orion.ToolDefinition{
		{Name: "search", Description: "web search"},
		{Name: "calc", Description: "calculator"},
	}
	inner := &mockInvoker{defs: defs}
	ot := WrapTools(inner, testInstruments(t))

	got := ot.Definitions()
	if len(got) != len(defs) {
		t.Fatalf("Definitions length = %d, want %d", len(got), len(defs))
	}
	for i, d := range got {
		if d.Name != defs[i].Name {
			t.Errorf("Definitions[%d].Name = %q, want %q", i, d.Name, defs[i].Name)
		}
	}
}

func TestObservedToolsInvoke(t *testing.T) {
	want := orion.ToolResult{Content: "result data"}
	inner := &mockInvoker{result: want}
	ot := WrapTools(inner, testInstruments(t))

	got, err := ot.Invoke(context.Background(), "search", json.RawMessage(`{"q":"test"}`))
	if err != nil {
		t.Fatalf("Invoke returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}
}

func TestObservedToolsInvokeError(t *testing.T) {
	wantErr := errors.New("tool broken")
	inner := &mockInvoker{err: wantErr}
	ot := WrapTools(inner, testInstruments(t))

	_, err := ot.Invoke(context.Background(), "search", json.RawMessage(`{}`))
	if !errors.Is(err, wantErr) {
		t.Errorf("Invoke error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedEmbedding tests
// ---------------------------------------------------------------------------

func TestObservedEmbeddingEmbed(t *testing.T) {
	want := [][]float32{
		{0.1, 0.2, 0.3},
		{0.4, 0.5, 0.6},
	}
	inner := &mockEmbedding{vecs: want}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	got, err := oe.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("Embed returned unexpected error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Embed returned %d vectors, want %d", len(got), len(want))
	}
	for i := range got {
		for j := range got[i] {
			if got[i][j] != want[i][j] {
				t.Errorf("vector[%d][%d] = %f, want %f", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestObservedEmbeddingEmbedError(t *testing.T) {
	wantErr := errors.New("embedding service down")
	inner := &mockEmbedding{err: wantErr}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	_, err := oe.Embed(context.Background(), []string{"test"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Embed error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedPipeline tests
// ---------------------------------------------------------------------------

func TestObservedPipelineProcessTurn(t *testing.T) {
	want := orion.TurnResult{Response: "sure thing"}
	inner := &mockTurns{result: want}
	op := WrapPipeline(inner, testInstruments(t))

	ev := orion.InboundEvent{UserID: "u1", ChannelID: "cli", Text: "hi"}
	got, err := op.ProcessTurn(context.Background(), ev)
	if err != nil {
		t.Fatalf("ProcessTurn returned unexpected error: %v", err)
	}
	if got.Response != want.Response {
		t.Errorf("Response = %q, want %q", got.Response, want.Response)
	}
	if len(inner.seen) != 1 || inner.seen[0].UserID != "u1" {
		t.Errorf("inner pipeline saw %+v", inner.seen)
	}
}

func TestObservedPipelineProcessTurnError(t *testing.T) {
	wantErr := errors.New("pipeline exploded")
	inner := &mockTurns{err: wantErr}
	op := WrapPipeline(inner, testInstruments(t))

	_, err := op.ProcessTurn(context.Background(), orion.InboundEvent{UserID: "u1"})
	if !errors.Is(err, wantErr) {
		t.Errorf("ProcessTurn error = %v, want %v", err, wantErr)
	}
}

func TestObservedPipelineBlockedTurn(t *testing.T) {
	inner := &mockTurns{result: orion.TurnResult{Response: "I can't help with that request.", Blocked: true}}
	op := WrapPipeline(inner, testInstruments(t))

	got, err := op.ProcessTurn(context.Background(), orion.InboundEvent{UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Blocked {
		t.Error("Blocked flag lost through the wrapper")
	}
}
