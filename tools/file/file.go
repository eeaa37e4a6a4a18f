// Package file provides file_read and file_write tools confined to the
// workspace directory. The registry's path guard screens arguments; the
// resolver here enforces the workspace boundary itself.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	orion "github.com/orionhq/orion"
)

// Tool provides file read/write within the workspace.
type Tool struct {
	workspace string
}

// New creates a file tool restricted to workspace.
func New(workspace string) *Tool {
	return &Tool{workspace: workspace}
}

// Register adds file_read and file_write to the registry with the path
// guard bound to the "path" argument.
func (t *Tool) Register(reg *orion.ToolRegistry) error {
	guard := orion.GuardMeta{PathField: "path"}
	readDef := orion.ToolDefinition{
		Name:        "file_read",
		Description: "Read a file from the workspace. Returns the file content (truncated to 8000 chars if large).",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
	}
	if err := reg.Register(readDef, guard, t.read); err != nil {
		return err
	}
	writeDef := orion.ToolDefinition{
		Name:        "file_write",
		Description: "Write content to a file in the workspace. Creates parent directories if needed.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`),
	}
	return reg.Register(writeDef, guard, t.write)
}

// resolvePath rejects absolute paths and traversal, then anchors the path
// inside the workspace.
func (t *Tool) resolvePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspace, path)
	if !strings.HasPrefix(resolved, t.workspace) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(_ context.Context, args json.RawMessage) (orion.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return orion.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	resolved, err := t.resolvePath(params.Path)
	if err != nil {
		return orion.ToolResult{Error: err.Error()}, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return orion.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	content := string(data)
	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}
	return orion.ToolResult{Content: content}, nil
}

func (t *Tool) write(_ context.Context, args json.RawMessage) (orion.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return orion.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	resolved, err := t.resolvePath(params.Path)
	if err != nil {
		return orion.ToolResult{Error: err.Error()}, nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return orion.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	if err := os.WriteFile(resolved, []byte(params.Content), 0644); err != nil {
		return orion.ToolResult{Error: "write error: " + err.Error()}, nil
	}
	return orion.ToolResult{Content: fmt.Sprintf("Written %d bytes to %s", len(params.Content), filepath.Base(resolved))}, nil
}
