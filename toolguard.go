package orion

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

// ToolGuard applies static deny rules to tool call arguments before any
// execution happens. Each check returns nil when the argument is allowed
// or a descriptive error when denied. Stateless and safe for concurrent
// use.
type ToolGuard struct {
	protectedPrefixes  []string
	sensitiveBasenames []string
	deniedCommands     []string
	maxTraversalDepth  int
}

// NewToolGuard creates a guard with the default deny lists.
func NewToolGuard() *ToolGuard {
	return &ToolGuard{
		protectedPrefixes: []string{
			"/etc", "/proc", "/sys", "/dev", "/boot", "/root/.ssh",
		},
		sensitiveBasenames: []string{
			".env", "id_rsa", "id_ed25519", "credentials", "shadow",
			"passwd", ".netrc", ".npmrc", ".pgpass",
		},
		deniedCommands: []string{
			"rm -rf /", "mkfs", "dd if=", ":(){", "shutdown", "reboot",
			"chmod -r 777 /", "chown -r", "> /dev/sda",
		},
		maxTraversalDepth: 3,
	}
}

// CheckURL rejects URLs pointing at private address space or non-HTTP
// schemes. Hostnames that resolve only at request time are checked
// syntactically; literal IPs are checked against the private ranges.
func (g *ToolGuard) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("unparseable url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	case "file":
		return fmt.Errorf("file scheme denied")
	default:
		return fmt.Errorf("scheme %q denied", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty host")
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") ||
		strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return fmt.Errorf("host %q denied: internal name", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("address %s denied: private range", ip)
		}
	}
	return nil
}

// CheckPath rejects paths under protected prefixes, paths naming sensitive
// files, and paths with excessive upward traversal.
func (g *ToolGuard) CheckPath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	if depth := strings.Count(path, ".."); depth > g.maxTraversalDepth {
		return fmt.Errorf("path traversal depth %d exceeds limit %d", depth, g.maxTraversalDepth)
	}

	clean := filepath.Clean(path)
	for _, prefix := range g.protectedPrefixes {
		if clean == prefix || strings.HasPrefix(clean, prefix+"/") {
			return fmt.Errorf("path %q denied: protected prefix %s", path, prefix)
		}
	}

	base := strings.ToLower(filepath.Base(clean))
	for _, name := range g.sensitiveBasenames {
		if base == name {
			return fmt.Errorf("path %q denied: sensitive file", path)
		}
	}
	return nil
}

// CheckCommand rejects enumerated destructive commands and piped-chain
// patterns that smuggle a denied command behind an allowed one.
func (g *ToolGuard) CheckCommand(cmd string) error {
	lower := strings.ToLower(strings.TrimSpace(cmd))
	if lower == "" {
		return fmt.Errorf("empty command")
	}
	for _, denied := range g.deniedCommands {
		if strings.Contains(lower, denied) {
			return fmt.Errorf("command denied: matches %q", denied)
		}
	}
	// Piped chains get each segment checked on its own.
	if strings.ContainsAny(lower, "|;&") {
		for _, seg := range strings.FieldsFunc(lower, func(r rune) bool {
			return r == '|' || r == ';' || r == '&'
		}) {
			seg = strings.TrimSpace(seg)
			if seg == "" {
				continue
			}
			for _, denied := range g.deniedCommands {
				if strings.Contains(seg, denied) {
					return fmt.Errorf("command denied: piped segment matches %q", denied)
				}
			}
			// curl|sh style: downloading straight into a shell.
			if strings.HasPrefix(seg, "sh") || strings.HasPrefix(seg, "bash") {
				if strings.Contains(lower, "curl") || strings.Contains(lower, "wget") {
					return fmt.Errorf("command denied: remote script piped to shell")
				}
			}
		}
	}
	return nil
}
