package orion

import (
	"fmt"
	"strings"
)

// DynamicContext is the per-turn read of how the user is writing right
// now, fused into the system prompt alongside the static identity.
type DynamicContext struct {
	Mood      string // "positive", "frustrated", "neutral"
	Expertise string // "beginner", "expert", "general"
	Topic     string
	Urgency   string // "high", "normal"
}

var (
	urgencyMarkers = []string{
		"urgent", "asap", "right now", "immediately", "deadline",
		"emergency", "time sensitive", "before tomorrow",
	}
	frustrationMarkers = []string{
		"frustrated", "annoying", "broken", "doesn't work", "does not work",
		"still failing", "fed up", "this is ridiculous", "hate",
	}
	positiveMarkers = []string{
		"thanks", "thank you", "great", "awesome", "perfect", "love it",
		"appreciate",
	}
	beginnerMarkers = []string{
		"what is", "what does", "explain like", "i'm new to", "im new to",
		"never used", "eli5", "for beginners",
	}
	expertMarkers = []string{
		"refactor", "benchmark", "race condition", "idempotent", "mutex",
		"stack trace", "segfault", "regression", "o(n", "latency budget",
	}
)

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// DetectContext reads mood, expertise, topic, and urgency out of one
// sanitized message plus the stored profile. Purely lexical and
// deterministic; the same input always yields the same context.
func DetectContext(text string, profile UserProfile) DynamicContext {
	lower := strings.ToLower(text)
	dc := DynamicContext{Mood: "neutral", Expertise: "general", Urgency: "normal"}

	if containsAny(lower, urgencyMarkers) || strings.Contains(text, "!!") {
		dc.Urgency = "high"
	}
	// Frustration wins over politeness markers in the same message.
	if containsAny(lower, frustrationMarkers) {
		dc.Mood = "frustrated"
	} else if containsAny(lower, positiveMarkers) {
		dc.Mood = "positive"
	}
	if containsAny(lower, expertMarkers) || strings.Contains(text, "```") {
		dc.Expertise = "expert"
	} else if containsAny(lower, beginnerMarkers) {
		dc.Expertise = "beginner"
	}

	// The first known profile topic mentioned in the message wins.
	for _, topic := range profile.Topics {
		if topic != "" && strings.Contains(lower, strings.ToLower(topic)) {
			dc.Topic = topic
			break
		}
	}
	return dc
}

// Render formats the context as a short prompt block. Empty fields are
// omitted.
func (dc DynamicContext) Render() string {
	var sb strings.Builder
	sb.WriteString("Current conversation context:\n")
	fmt.Fprintf(&sb, "- Mood: %s\n", dc.Mood)
	fmt.Fprintf(&sb, "- Expertise: %s\n", dc.Expertise)
	fmt.Fprintf(&sb, "- Urgency: %s\n", dc.Urgency)
	if dc.Topic != "" {
		fmt.Fprintf(&sb, "- Topic: %s\n", dc.Topic)
	}
	return sb.String()
}
