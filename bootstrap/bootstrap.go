// Package bootstrap loads the workspace identity file set that seeds the
// assistant's system prompt. Files are sanitized, size-capped, and
// integrity-checked against a sha256 manifest before injection.
package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// TruncationMarker is appended when a file is cut to the per-file cap.
const TruncationMarker = "\n\n[...truncated]"

// DefaultFileCap is the per-file character budget.
const DefaultFileCap = 12_000

// ManifestName is the checksum manifest file, one line per file:
// "<hex-sha256>  <basename>".
const ManifestName = "CHECKSUMS.sha256"

// Files is the fixed bootstrap file set, in canonical order.
var Files = []string{
	"IDENTITY.md",
	"SOUL.md",
	"AGENTS.md",
	"TOOLS.md",
	"USER.md",
	"HEARTBEAT.md",
	"BOOTSTRAP.md",
	"MEMORY.md",
}

// modeOrders fixes the injection order per session mode. Unknown modes
// fall back to "chat".
var modeOrders = map[string][]string{
	"chat":      {"IDENTITY.md", "SOUL.md", "USER.md", "MEMORY.md", "BOOTSTRAP.md"},
	"agent":     {"IDENTITY.md", "SOUL.md", "AGENTS.md", "TOOLS.md", "USER.md", "MEMORY.md", "BOOTSTRAP.md"},
	"heartbeat": {"IDENTITY.md", "SOUL.md", "HEARTBEAT.md", "USER.md"},
}

// zero-width and BOM characters that can smuggle hidden instructions.
var zeroWidthReplacer = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\u2060", "", // word joiner
	"\ufeff", "", // BOM
)

// Long unbroken base64 runs are redacted: they are either binary blobs or
// payloads a prompt should never carry.
var base64RunPattern = regexp.MustCompile(`[A-Za-z0-9+/=]{256,}`)

// Loader reads and validates the bootstrap set from one directory.
type Loader struct {
	dir     string
	fileCap int
	logger  *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithFileCap overrides the per-file character budget.
func WithFileCap(n int) Option {
	return func(l *Loader) { l.fileCap = n }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Loader) { l.logger = log }
}

// New creates a Loader for the given workspace directory.
func New(dir string, opts ...Option) *Loader {
	l := &Loader{dir: dir, fileCap: DefaultFileCap}
	for _, o := range opts {
		o(l)
	}
	if l.logger == nil {
		l.logger = slog.New(discardHandler{})
	}
	return l
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Set is a loaded, sanitized bootstrap file set ready for prompt
// injection. It satisfies the pipeline's bootstrap source contract.
type Set struct {
	files map[string]string
}

// Load reads every present bootstrap file, verifies it against the
// manifest when one exists, sanitizes it, and applies the per-file cap.
// Missing files are skipped; a checksum mismatch excludes the file.
func (l *Loader) Load() (*Set, error) {
	manifest, err := l.readManifest()
	if err != nil {
		return nil, err
	}

	set := &Set{files: make(map[string]string)}
	for _, name := range Files {
		raw, err := os.ReadFile(filepath.Join(l.dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read bootstrap file %s: %w", name, err)
		}

		if want, tracked := manifest[name]; tracked {
			got := sha256Hex(raw)
			if got != want {
				l.logger.Error("bootstrap file failed integrity check, excluded",
					"file", name, "expected", want, "actual", got)
				continue
			}
		}

		text := Truncate(Sanitize(string(raw)), l.fileCap)
		if strings.TrimSpace(text) == "" {
			continue
		}
		set.files[name] = text
	}

	l.logger.Debug("bootstrap set loaded", "dir", l.dir, "files", len(set.files))
	return set, nil
}

// readManifest parses CHECKSUMS.sha256. A missing manifest is not an
// error; verification is simply skipped.
func (l *Loader) readManifest() (map[string]string, error) {
	raw, err := os.ReadFile(filepath.Join(l.dir, ManifestName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	manifest := make(map[string]string)
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		manifest[fields[1]] = strings.ToLower(fields[0])
	}
	return manifest, nil
}

// WriteManifest computes checksums for every present bootstrap file and
// writes the manifest next to them.
func WriteManifest(dir string) error {
	var b strings.Builder
	for _, name := range Files {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		fmt.Fprintf(&b, "%s  %s\n", sha256Hex(raw), name)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// SystemText renders the set in the fixed injection order for the given
// session mode. Absent files are skipped silently.
func (s *Set) SystemText(mode string) string {
	order, ok := modeOrders[mode]
	if !ok {
		order = modeOrders["chat"]
	}
	var parts []string
	for _, name := range order {
		if text, ok := s.files[name]; ok {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// SafetyText returns the behavior principles block (SOUL.md).
func (s *Set) SafetyText() string {
	return s.files["SOUL.md"]
}

// Has reports whether a file made it into the loaded set.
func (s *Set) Has(name string) bool {
	_, ok := s.files[name]
	return ok
}

// Sanitize strips zero-width characters and redacts long base64 runs.
func Sanitize(text string) string {
	text = zeroWidthReplacer.Replace(text)
	return base64RunPattern.ReplaceAllString(text, "[redacted]")
}

// Truncate cuts text to max characters, appending the marker when a cut
// happens.
func Truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	keep := max - len(TruncationMarker)
	if keep < 0 {
		keep = 0
	}
	return text[:keep] + TruncationMarker
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
