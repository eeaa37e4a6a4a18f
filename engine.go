package orion

import "context"

// TaskType classifies a generation request so the orchestrator can pick
// the best engine for it.
type TaskType string

const (
	TaskReasoning  TaskType = "reasoning"
	TaskCode       TaskType = "code"
	TaskFast       TaskType = "fast"
	TaskMultimodal TaskType = "multimodal"
	TaskLocal      TaskType = "local"
)

// GenerateRequest carries everything an engine needs for one completion.
// Model, MaxTokens, and Temperature are optional; the engine falls back to
// its defaults when unset.
type GenerateRequest struct {
	Prompt       string
	Context      string
	SystemPrompt string
	Model        string
	MaxTokens    int
	Temperature  float64
}

// Engine adapts one LLM backend. Implementations live in engine/gemini and
// engine/openai; the runtime only sees this contract.
//
// Generate returns the completion text. An empty string with a nil error
// means the provider failed at the transport level; callers must treat
// empty output as "provider failed, degrade gracefully".
type Engine interface {
	// Name is the unique registry key for this engine.
	Name() string
	// Provider identifies the backing service (for pricing and telemetry).
	Provider() string
	// DefaultModel is the model used when GenerateRequest.Model is empty.
	// May return "".
	DefaultModel() string
	// IsAvailable probes whether the engine can currently serve requests.
	IsAvailable(ctx context.Context) bool
	// Generate produces a completion for the request.
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// EmbeddingProvider generates vector embeddings for text.
type EmbeddingProvider interface {
	// Embed returns one embedding per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
