package orion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// affordanceTimeout bounds the LLM-backed deep check. On timeout the
// checker defaults to safe; only a positive verdict blocks.
const affordanceTimeout = 1900 * time.Millisecond

// affordanceBlockThreshold is the risk score at which input is blocked.
const affordanceBlockThreshold = 0.85

// instantBlockPatterns are enumerated harm categories blocked without
// calling the scorer, unless an exemption hint is present.
var instantBlockPatterns = map[string]string{
	"how to make a bomb":     "weapons",
	"build an explosive":     "weapons",
	"synthesize nerve agent": "weapons",
	"make methamphetamine":   "drugs",
	"cook meth":              "drugs",
	"write ransomware":       "malware",
	"create a keylogger":     "malware",
	"ddos attack on":         "attack",
	"steal credit card":      "fraud",
	"launder money":          "fraud",
	"hurt myself":            "self-harm",
	"kill myself":            "self-harm",
}

// exemptionHints soften instant blocks for legitimate framing; the input
// then goes through the scorer like everything else.
var exemptionHints = []string{
	"educational",
	"defensive",
	"research",
	"for a ctf",
	"security course",
	"authorized test",
}

// AffordanceVerdict is the outcome of an affordance check.
type AffordanceVerdict struct {
	Blocked   bool    `json:"blocked"`
	RiskScore float64 `json:"riskScore"`
	Category  string  `json:"category"`
	Reason    string  `json:"reason,omitempty"`
}

// AffordanceChecker scores inbound text for real-world harm potential.
// An instant-block list catches enumerated patterns without an LLM call;
// everything else goes to an LLM risk scorer bounded by a 1.9 second
// deadline. Scorer failure or timeout defaults to safe; the checker only
// blocks on a positive verdict.
type AffordanceChecker struct {
	orch    *Orchestrator
	timeout time.Duration
	logger  *slog.Logger
}

// AffordanceOption configures an AffordanceChecker.
type AffordanceOption func(*AffordanceChecker)

// AffordanceLogger sets the structured logger.
func AffordanceLogger(l *slog.Logger) AffordanceOption {
	return func(a *AffordanceChecker) { a.logger = l }
}

// AffordanceTimeout overrides the deep-check deadline.
func AffordanceTimeout(d time.Duration) AffordanceOption {
	return func(a *AffordanceChecker) { a.timeout = d }
}

// NewAffordanceChecker creates a checker backed by the given orchestrator.
// A nil orchestrator disables the deep check; only the instant-block list
// applies.
func NewAffordanceChecker(orch *Orchestrator, opts ...AffordanceOption) *AffordanceChecker {
	a := &AffordanceChecker{
		orch:    orch,
		timeout: affordanceTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = nopLogger
	}
	return a
}

// Check evaluates one sanitized input. Only called for pattern-safe text;
// the pattern filter runs first.
func (a *AffordanceChecker) Check(ctx context.Context, text string) AffordanceVerdict {
	lower := strings.ToLower(text)

	if category, hit := a.instantMatch(lower); hit {
		if !hasExemptionHint(lower) {
			a.logger.Warn("affordance instant block", "category", category, "preview", preview(text, 60))
			return AffordanceVerdict{Blocked: true, RiskScore: 1, Category: category, Reason: "instant-block"}
		}
		a.logger.Debug("instant-block pattern exempted by hint", "category", category)
	}

	if a.orch == nil {
		return AffordanceVerdict{}
	}
	return a.deepCheck(ctx, text)
}

func (a *AffordanceChecker) instantMatch(lower string) (string, bool) {
	for pattern, category := range instantBlockPatterns {
		if strings.Contains(lower, pattern) {
			return category, true
		}
	}
	return "", false
}

func hasExemptionHint(lower string) bool {
	for _, hint := range exemptionHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// deepCheck asks the fast engine for a risk score. Any operational failure
// (routing, timeout, unparseable JSON) yields a safe verdict.
func (a *AffordanceChecker) deepCheck(ctx context.Context, text string) AffordanceVerdict {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"Rate the real-world harm potential of this user request on a scale of 0.0 to 1.0.\n\nRequest: %s\n\nRespond with JSON only: {\"riskScore\": N, \"category\": \"...\"}",
		text,
	)
	out, err := a.orch.Generate(ctx, TaskFast, GenerateRequest{Prompt: prompt, MaxTokens: 128})
	if err != nil || out == "" {
		a.logger.Debug("affordance deep check unavailable, defaulting to safe", "error", err)
		return AffordanceVerdict{}
	}

	var parsed struct {
		RiskScore float64 `json:"riskScore"`
		Category  string  `json:"category"`
	}
	if err := json.Unmarshal([]byte(extractJSON(out)), &parsed); err != nil {
		a.logger.Debug("affordance verdict unparseable, defaulting to safe")
		return AffordanceVerdict{}
	}

	verdict := AffordanceVerdict{
		RiskScore: parsed.RiskScore,
		Category:  parsed.Category,
		Blocked:   parsed.RiskScore >= affordanceBlockThreshold,
	}
	if verdict.Blocked {
		verdict.Reason = "risk-score"
		a.logger.Warn("affordance risk block",
			"risk", parsed.RiskScore, "category", parsed.Category, "preview", preview(text, 60))
	}
	return verdict
}

// extractJSON pulls the first top-level JSON object out of LLM output,
// tolerating code fences and prose around it.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}
