package orion

import (
	"log/slog"
	"regexp"
)

// redactedToken replaces credential material in outbound text.
const redactedToken = "[REDACTED]"

// Credential-shaped patterns redacted from every outbound message.
var credentialPatterns = []*regexp.Regexp{
	// Provider API keys
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
	// JWTs
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`),
	// Explicit assignments
	regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|token)\s*[:=]\s*\S{6,}`),
	// PEM blocks
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

// Instruction-style harmful content flagged (not redacted) on the way out.
var harmfulInstructionRe = regexp.MustCompile(
	`(?i)(step[- ]by[- ]step|here'?s how to|instructions for)\s.{0,40}(explosive|weapon|malware|ransomware|poison)`,
)

// ScanResult is the output scanner's report for one outbound text.
type ScanResult struct {
	// Sanitized is the text with credential patterns redacted.
	Sanitized string
	// Redactions counts how many credential spans were replaced.
	Redactions int
	// Flagged marks instruction-style harmful content. The text still
	// goes out; flagging is for the caller's log and telemetry.
	Flagged bool
}

// OutputScanner redacts credential material and flags harmful
// instruction-style content in outbound text. Stateless and safe for
// concurrent use.
type OutputScanner struct {
	logger *slog.Logger
}

// NewOutputScanner creates a scanner. A nil logger discards log output.
func NewOutputScanner(logger *slog.Logger) *OutputScanner {
	if logger == nil {
		logger = nopLogger
	}
	return &OutputScanner{logger: logger}
}

// Scan redacts credentials in place and reports what it found.
func (s *OutputScanner) Scan(text string) ScanResult {
	res := ScanResult{Sanitized: text}
	for _, re := range credentialPatterns {
		matches := re.FindAllStringIndex(res.Sanitized, -1)
		if len(matches) == 0 {
			continue
		}
		res.Redactions += len(matches)
		res.Sanitized = re.ReplaceAllString(res.Sanitized, redactedToken)
	}
	if harmfulInstructionRe.MatchString(res.Sanitized) {
		res.Flagged = true
	}
	if res.Redactions > 0 {
		s.logger.Warn("credentials redacted from output", "count", res.Redactions)
	}
	if res.Flagged {
		s.logger.Warn("harmful instruction pattern flagged in output")
	}
	return res
}
