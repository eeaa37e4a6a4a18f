package orion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// defaultToolTimeout bounds a single tool invocation.
const defaultToolTimeout = 30 * time.Second

// GuardMeta declares which static guards apply to a tool's arguments and
// which argument fields they read.
type GuardMeta struct {
	// URLField names the argument carrying a URL to check, "" for none.
	URLField string
	// PathField names the argument carrying a file path, "" for none.
	PathField string
	// CommandField names the argument carrying a shell command, "" for none.
	CommandField string
}

// ToolFunc executes one tool call with already-validated arguments.
type ToolFunc func(ctx context.Context, args json.RawMessage) (ToolResult, error)

// registeredTool is one entry in the registry map.
type registeredTool struct {
	def   ToolDefinition
	guard GuardMeta
	fn    ToolFunc
}

// ToolRegistry maps tool names to their schema, guard metadata, and
// implementation. Registration is confined to startup; Invoke runs the
// full invocation contract: schema check, guard, review, execute, output
// scan. Safe for concurrent invocation after startup.
type ToolRegistry struct {
	tools    map[string]registeredTool
	guard    *ToolGuard
	reviewer *ToolReviewer
	scanner  *OutputScanner
	timeout  time.Duration
	logger   *slog.Logger
}

// ToolRegistryOption configures a ToolRegistry.
type ToolRegistryOption func(*ToolRegistry)

// ToolTimeout overrides the per-call deadline.
func ToolTimeout(d time.Duration) ToolRegistryOption {
	return func(r *ToolRegistry) { r.timeout = d }
}

// ToolLogger sets the structured logger.
func ToolLogger(l *slog.Logger) ToolRegistryOption {
	return func(r *ToolRegistry) { r.logger = l }
}

// NewToolRegistry creates a registry wired to the given guard, reviewer,
// and output scanner. Any of them may be nil to skip that stage.
func NewToolRegistry(guard *ToolGuard, reviewer *ToolReviewer, scanner *OutputScanner, opts ...ToolRegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		tools:    make(map[string]registeredTool),
		guard:    guard,
		reviewer: reviewer,
		scanner:  scanner,
		timeout:  defaultToolTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Register adds a tool to the registry. Duplicate names are rejected.
// Call only during startup; the map is read-only afterwards.
func (r *ToolRegistry) Register(def ToolDefinition, guard GuardMeta, fn ToolFunc) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.tools[def.Name] = registeredTool{def: def, guard: guard, fn: fn}
	return nil
}

// Definitions returns every registered tool's definition, for prompt
// assembly.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	out := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.def)
	}
	return out
}

// Invoke runs one tool call through the full contract. Guard hits and
// review rejections come back as a refusal in ToolResult.Error, never as
// a Go error; the task continues with the refusal as the tool's output.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	tool, ok := r.tools[name]
	if !ok {
		return ToolResult{}, fmt.Errorf("unknown tool %q", name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	fields, err := decodeArgs(args)
	if err != nil {
		return ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}, nil
	}
	if err := checkSchema(tool.def.Parameters, fields); err != nil {
		return ToolResult{Error: fmt.Sprintf("arguments rejected: %v", err)}, nil
	}

	if r.guard != nil {
		if err := r.applyGuards(tool.guard, fields); err != nil {
			r.logger.Warn("tool call denied by guard", "tool", name, "error", err)
			return ToolResult{Error: fmt.Sprintf("denied: %v", err)}, nil
		}
	}

	if r.reviewer != nil {
		verdict := r.reviewer.Review(ctx, name, args)
		if !verdict.Approved {
			r.logger.Warn("tool call denied by review", "tool", name, "reason", verdict.Reason)
			return ToolResult{Error: fmt.Sprintf("denied by review: %s", verdict.Reason)}, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	result, err := tool.fn(ctx, args)
	if err != nil {
		return ToolResult{}, fmt.Errorf("tool %s: %w", name, err)
	}
	r.logger.Debug("tool executed", "tool", name, "duration", time.Since(start))

	if r.scanner != nil && result.Content != "" {
		scanned := r.scanner.Scan(result.Content)
		result.Content = scanned.Sanitized
	}
	return result, nil
}

// applyGuards runs the static guards declared in the tool's GuardMeta
// against the decoded argument fields.
func (r *ToolRegistry) applyGuards(meta GuardMeta, fields map[string]any) error {
	if meta.URLField != "" {
		if v, ok := fields[meta.URLField].(string); ok {
			if err := r.guard.CheckURL(v); err != nil {
				return err
			}
		}
	}
	if meta.PathField != "" {
		if v, ok := fields[meta.PathField].(string); ok {
			if err := r.guard.CheckPath(v); err != nil {
				return err
			}
		}
	}
	if meta.CommandField != "" {
		if v, ok := fields[meta.CommandField].(string); ok {
			if err := r.guard.CheckCommand(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeArgs(args json.RawMessage) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(args, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// checkSchema validates decoded arguments against the declarative JSON
// Schema subset the registry supports: required fields and primitive type
// tags under "properties". A nil schema accepts anything.
func checkSchema(schema json.RawMessage, fields map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	var parsed struct {
		Required   []string `json:"required"`
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return fmt.Errorf("bad schema: %w", err)
	}
	for _, name := range parsed.Required {
		if _, ok := fields[name]; !ok {
			return fmt.Errorf("missing required field %q", name)
		}
	}
	for name, v := range fields {
		prop, ok := parsed.Properties[name]
		if !ok {
			continue
		}
		if !matchesType(prop.Type, v) {
			return fmt.Errorf("field %q: want %s", name, prop.Type)
		}
	}
	return nil
}

func matchesType(typ string, v any) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number", "integer":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	}
	return true
}
