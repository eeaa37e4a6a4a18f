// Package shell provides the shell_exec tool: command execution confined
// to the workspace directory. The registry's command guard vets every
// command before it reaches this package.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	orion "github.com/orionhq/orion"
)

// Tool executes shell commands in the workspace.
type Tool struct {
	workspace      string
	defaultTimeout int // seconds
}

// New creates a shell tool. Commands run in workspace with the given
// default timeout (seconds; <=0 means 30).
func New(workspace string, defaultTimeout int) *Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = 30
	}
	return &Tool{workspace: workspace, defaultTimeout: defaultTimeout}
}

// Register adds shell_exec to the registry with the command guard bound
// to the "command" argument.
func (t *Tool) Register(reg *orion.ToolRegistry) error {
	def := orion.ToolDefinition{
		Name:        "shell_exec",
		Description: "Execute a shell command in the workspace directory. Returns stdout + stderr. Use for running scripts, checking files, or system tasks.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`),
	}
	return reg.Register(def, orion.GuardMeta{CommandField: "command"}, t.exec)
}

func (t *Tool) exec(ctx context.Context, args json.RawMessage) (orion.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return orion.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.Command == "" {
		return orion.ToolResult{Error: "command is required"}, nil
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > 300 {
		timeout = 300
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Command)
	cmd.Dir = t.workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var output string
	if stdout.Len() > 0 {
		output = stdout.String()
	}
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}
	if len(output) > 4000 {
		output = output[:4000] + "\n... (truncated)"
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return orion.ToolResult{Content: output, Error: fmt.Sprintf("command timed out after %ds", timeout)}, nil
		}
		if output == "" {
			output = err.Error()
		}
		return orion.ToolResult{Content: output, Error: "exit: " + err.Error()}, nil
	}

	if output == "" {
		output = "(no output)"
	}
	return orion.ToolResult{Content: output}, nil
}
