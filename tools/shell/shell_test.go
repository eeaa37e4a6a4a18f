package shell

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	orion "github.com/orionhq/orion"
)

func newRegistry(t *testing.T) *orion.ToolRegistry {
	t.Helper()
	return orion.NewToolRegistry(nil, nil, nil)
}

func TestExecEcho(t *testing.T) {
	reg := newRegistry(t)
	if err := New(t.TempDir(), 10).Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := reg.Invoke(context.Background(), "shell_exec", json.RawMessage(`{"command":"echo hello"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("tool error: %s", res.Error)
	}
	if strings.TrimSpace(res.Content) != "hello" {
		t.Errorf("output = %q", res.Content)
	}
}

func TestExecRunsInWorkspace(t *testing.T) {
	dir := t.TempDir()
	reg := newRegistry(t)
	if err := New(dir, 10).Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := reg.Invoke(context.Background(), "shell_exec", json.RawMessage(`{"command":"pwd"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(res.Content, dir) {
		t.Errorf("pwd = %q, want workspace %q", res.Content, dir)
	}
}

func TestExecMissingCommand(t *testing.T) {
	reg := newRegistry(t)
	if err := New(t.TempDir(), 10).Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := reg.Invoke(context.Background(), "shell_exec", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Error == "" {
		t.Error("expected refusal for missing command")
	}
}

func TestExecNonZeroExit(t *testing.T) {
	reg := newRegistry(t)
	if err := New(t.TempDir(), 10).Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := reg.Invoke(context.Background(), "shell_exec", json.RawMessage(`{"command":"exit 3"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(res.Error, "exit") {
		t.Errorf("error = %q, want exit status surfaced", res.Error)
	}
}
