package orion

import (
	"strings"
	"unicode/utf8"
)

// truncationMarker closes any prompt section cut by the character budget.
const truncationMarker = "\n\n[...truncated]"

// defaultPromptBudget caps the assembled system prompt per deployment.
const defaultPromptBudget = 24_000

// PromptInput carries the sections of one system prompt in their fixed
// injection order.
type PromptInput struct {
	// Bootstrap is the assembled static identity text.
	Bootstrap string
	// Safety is the non-negotiable safety block.
	Safety string
	// Dynamic is the per-turn detected context.
	Dynamic DynamicContext
	// Skills lists available tool names with one-line descriptions.
	Skills []string
	// Memories is the retrieved-memory context from BuildContext.
	Memories string
}

// PromptAssembler builds system prompts under a fixed character budget.
// Assembly is deterministic: identical inputs produce identical prompts.
type PromptAssembler struct {
	budget int
}

// NewPromptAssembler creates an assembler. A non-positive budget uses the
// default.
func NewPromptAssembler(budget int) *PromptAssembler {
	if budget <= 0 {
		budget = defaultPromptBudget
	}
	return &PromptAssembler{budget: budget}
}

// Build assembles the prompt in fixed order: bootstrap, safety, dynamic
// context, skill index, memories. When the budget overflows, later
// sections are truncated before earlier ones, each cut closed with the
// truncation marker.
func (p *PromptAssembler) Build(in PromptInput) string {
	sections := []string{
		strings.TrimSpace(in.Bootstrap),
		strings.TrimSpace(in.Safety),
		strings.TrimSpace(in.Dynamic.Render()),
	}
	if len(in.Skills) > 0 {
		var sb strings.Builder
		sb.WriteString("Available skills:\n")
		for _, s := range in.Skills {
			sb.WriteString("- ")
			sb.WriteString(s)
			sb.WriteByte('\n')
		}
		sections = append(sections, strings.TrimSpace(sb.String()))
	}
	if m := strings.TrimSpace(in.Memories); m != "" {
		sections = append(sections, m)
	}

	var kept []string
	used := 0
	for _, sec := range sections {
		if sec == "" {
			continue
		}
		sep := 0
		if len(kept) > 0 {
			sep = 2 // "\n\n" joiner
		}
		if used+sep+len(sec) <= p.budget {
			kept = append(kept, sec)
			used += sep + len(sec)
			continue
		}
		// Partial fit: keep the head of this section if the marker fits,
		// then stop. Later sections are dropped entirely. The cut backs
		// up to a rune boundary so a multibyte character is never split.
		room := p.budget - used - sep - len(truncationMarker)
		for room > 0 && !utf8.RuneStart(sec[room]) {
			room--
		}
		if room > 0 {
			kept = append(kept, sec[:room]+truncationMarker)
		}
		break
	}
	return strings.Join(kept, "\n\n")
}
