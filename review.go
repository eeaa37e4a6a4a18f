package orion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// reviewTimeout bounds the evaluator LLM call. On timeout the reviewer
// falls back to heuristics instead of blocking the tool call outright.
const reviewTimeout = 1900 * time.Millisecond

// RiskLevel grades a reviewed tool call.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ReviewVerdict is the dual-agent reviewer's decision on one tool call.
// Medium risk allows the call but is logged; high risk blocks it.
type ReviewVerdict struct {
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason"`
	RiskLevel RiskLevel `json:"riskLevel"`
}

// highRiskPatterns are terminal patterns rejected before the evaluator is
// even consulted.
var highRiskPatterns = []string{
	"rm -rf",
	"curl | sh",
	"base64 -d | sh",
	"nc -e",
	"/etc/shadow",
	"history -c",
}

// ToolReviewer is the second opinion on every guarded tool call: an
// evaluator LLM approves or rejects with a risk level. Evaluator failure
// or timeout falls back to keyword heuristics so a dead engine never
// blocks the whole tool surface.
type ToolReviewer struct {
	orch    *Orchestrator
	timeout time.Duration
	logger  *slog.Logger
}

// ReviewerOption configures a ToolReviewer.
type ReviewerOption func(*ToolReviewer)

// ReviewerLogger sets the structured logger.
func ReviewerLogger(l *slog.Logger) ReviewerOption {
	return func(r *ToolReviewer) { r.logger = l }
}

// ReviewerTimeout overrides the evaluator deadline.
func ReviewerTimeout(d time.Duration) ReviewerOption {
	return func(r *ToolReviewer) { r.timeout = d }
}

// NewToolReviewer creates a reviewer backed by the given orchestrator.
// A nil orchestrator means every call goes straight to heuristics.
func NewToolReviewer(orch *Orchestrator, opts ...ReviewerOption) *ToolReviewer {
	r := &ToolReviewer{
		orch:    orch,
		timeout: reviewTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Review evaluates one tool call. Known high-risk patterns are rejected
// without an evaluator round trip.
func (r *ToolReviewer) Review(ctx context.Context, toolName string, args json.RawMessage) ReviewVerdict {
	argStr := strings.ToLower(string(args))
	for _, pattern := range highRiskPatterns {
		if strings.Contains(argStr, pattern) {
			r.logger.Warn("tool call pre-rejected", "tool", toolName, "pattern", pattern)
			return ReviewVerdict{Approved: false, Reason: "known high-risk pattern", RiskLevel: RiskHigh}
		}
	}

	if r.orch == nil {
		return r.heuristic(toolName, argStr)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prompt := fmt.Sprintf(
		"You review tool calls made by an AI assistant before execution.\nTool: %s\nArguments: %s\n\nIs this call safe to execute on the user's behalf? Respond with JSON only: {\"approved\": true|false, \"reason\": \"...\", \"riskLevel\": \"low\"|\"medium\"|\"high\"}",
		toolName, string(args),
	)
	out, err := r.orch.Generate(ctx, TaskFast, GenerateRequest{Prompt: prompt, MaxTokens: 128})
	if err != nil || out == "" {
		r.logger.Debug("evaluator unavailable, using heuristic review", "tool", toolName, "error", err)
		return r.heuristic(toolName, argStr)
	}

	var verdict ReviewVerdict
	if err := json.Unmarshal([]byte(extractJSON(out)), &verdict); err != nil {
		r.logger.Debug("evaluator verdict unparseable, using heuristic review", "tool", toolName)
		return r.heuristic(toolName, argStr)
	}

	switch verdict.RiskLevel {
	case RiskHigh:
		verdict.Approved = false
	case RiskMedium:
		verdict.Approved = true
		r.logger.Warn("medium-risk tool call allowed", "tool", toolName, "reason", verdict.Reason)
	case RiskLow:
		verdict.Approved = true
	default:
		// Unknown grade from the evaluator: treat as medium.
		verdict.RiskLevel = RiskMedium
		verdict.Approved = true
		r.logger.Warn("ungraded tool call allowed", "tool", toolName)
	}
	return verdict
}

// heuristic is the no-LLM fallback: a small keyword scan over the
// arguments.
func (r *ToolReviewer) heuristic(toolName, lowerArgs string) ReviewVerdict {
	suspicious := []string{"password", "secret", "token", "sudo", "chmod 777", "eval("}
	for _, kw := range suspicious {
		if strings.Contains(lowerArgs, kw) {
			r.logger.Warn("heuristic review flagged call", "tool", toolName, "keyword", kw)
			return ReviewVerdict{Approved: true, Reason: "heuristic: suspicious keyword " + kw, RiskLevel: RiskMedium}
		}
	}
	return ReviewVerdict{Approved: true, Reason: "heuristic: no findings", RiskLevel: RiskLow}
}
