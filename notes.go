package orion

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// NotesMirror appends turn summaries to daily markdown files under
// <workspace>/notes/. Best-effort: a failed write is logged, never
// surfaced to the turn.
type NotesMirror struct {
	dir    string
	logger *slog.Logger
}

// NewNotesMirror creates a mirror rooted at workspace. An empty workspace
// disables mirroring.
func NewNotesMirror(workspace string, logger *slog.Logger) *NotesMirror {
	if logger == nil {
		logger = nopLogger
	}
	dir := ""
	if workspace != "" {
		dir = filepath.Join(workspace, "notes")
	}
	return &NotesMirror{dir: dir, logger: logger}
}

// Append writes one summary line to today's note file, creating the file
// and directory as needed.
func (n *NotesMirror) Append(userID, summary string) {
	if n.dir == "" || strings.TrimSpace(summary) == "" {
		return
	}
	if err := os.MkdirAll(n.dir, 0o755); err != nil {
		n.logger.Warn("notes directory unavailable", "error", err)
		return
	}

	now := time.Now()
	path := filepath.Join(n.dir, now.Format("2006-01-02")+".md")
	line := fmt.Sprintf("- %s [%s] %s\n", now.Format("15:04"), userID, strings.ReplaceAll(summary, "\n", " "))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		n.logger.Warn("note append failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		n.logger.Warn("note write failed", "path", path, "error", err)
	}
}
