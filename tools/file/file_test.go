package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	orion "github.com/orionhq/orion"
)

func newRegistry(t *testing.T, workspace string) *orion.ToolRegistry {
	t.Helper()
	reg := orion.NewToolRegistry(nil, nil, nil)
	if err := New(workspace).Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func TestWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	reg := newRegistry(t, dir)
	ctx := context.Background()

	res, err := reg.Invoke(ctx, "file_write", json.RawMessage(`{"path":"notes/today.md","content":"standup at 10"}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("write error: %s", res.Error)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes", "today.md")); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	res, err = reg.Invoke(ctx, "file_read", json.RawMessage(`{"path":"notes/today.md"}`))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.Content != "standup at 10" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestReadMissingFile(t *testing.T) {
	reg := newRegistry(t, t.TempDir())

	res, err := reg.Invoke(context.Background(), "file_read", json.RawMessage(`{"path":"nope.txt"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Error == "" {
		t.Error("expected read error for missing file")
	}
}

func TestRejectsEscapes(t *testing.T) {
	reg := newRegistry(t, t.TempDir())
	ctx := context.Background()

	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		args := json.RawMessage(fmt.Sprintf(`{"path":%q}`, path))
		res, err := reg.Invoke(ctx, "file_read", args)
		if err != nil {
			t.Fatalf("Invoke(%s): %v", path, err)
		}
		if res.Error == "" {
			t.Errorf("path %q accepted, want rejection", path)
		}
	}
}

func TestReadTruncatesLargeFiles(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("x", 10_000)
	if err := os.WriteFile(filepath.Join(dir, "big.txt"), []byte(big), 0644); err != nil {
		t.Fatal(err)
	}
	reg := newRegistry(t, dir)

	res, err := reg.Invoke(context.Background(), "file_read", json.RawMessage(`{"path":"big.txt"}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.HasSuffix(res.Content, "(truncated)") {
		t.Error("large file not truncated")
	}
}
