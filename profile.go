package orion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// ProfileExtractor pulls user facts, opinions, and topics out of finished
// turns and merges them into the stored profile. Extraction runs as a
// fire-and-forget side effect; any failure skips the update and the turn
// is unaffected.
type ProfileExtractor struct {
	store  Store
	orch   *Orchestrator
	logger *slog.Logger
}

// NewProfileExtractor creates an extractor backed by the fast engine.
func NewProfileExtractor(store Store, orch *Orchestrator, logger *slog.Logger) *ProfileExtractor {
	if logger == nil {
		logger = nopLogger
	}
	return &ProfileExtractor{store: store, orch: orch, logger: logger}
}

var snakeCaseRe = regexp.MustCompile(`[^a-z0-9]+`)

// normalizeFactKey converts a free-form fact name to snake_case.
func normalizeFactKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	key = snakeCaseRe.ReplaceAllString(key, "_")
	return strings.Trim(key, "_")
}

// ExtractAndMerge asks the fast engine to extract profile signals from
// one exchange and merges them into the stored profile. Parse failure
// skips the update.
func (p *ProfileExtractor) ExtractAndMerge(ctx context.Context, userID, userText, assistantText string) error {
	prompt := fmt.Sprintf(
		"Extract durable user profile signals from this exchange.\n\nUser: %s\nAssistant: %s\n\nRespond with JSON only: {\"facts\":[{\"key\":\"...\",\"value\":\"...\",\"confidence\":0.0}],\"opinions\":[{\"belief\":\"...\",\"sentiment\":0.0}],\"topics\":[\"...\"]}\nReturn empty arrays when nothing durable is present.",
		userText, assistantText,
	)
	out, err := p.orch.Generate(ctx, TaskFast, GenerateRequest{Prompt: prompt, MaxTokens: 512})
	if err != nil || out == "" {
		p.logger.Debug("profile extraction unavailable", "error", err)
		return nil
	}

	var extracted struct {
		Facts    []ProfileFact    `json:"facts"`
		Opinions []ProfileOpinion `json:"opinions"`
		Topics   []string         `json:"topics"`
	}
	if err := json.Unmarshal([]byte(extractJSON(out)), &extracted); err != nil {
		p.logger.Debug("profile extraction unparseable, skipping")
		return nil
	}
	if len(extracted.Facts) == 0 && len(extracted.Opinions) == 0 && len(extracted.Topics) == 0 {
		return nil
	}

	current, err := p.store.GetProfile(ctx, userID)
	if err != nil {
		current = UserProfile{UserID: userID}
	}
	merged := MergeProfile(current, extracted.Facts, extracted.Opinions, extracted.Topics)
	merged.UpdatedAt = NowUnix()
	if err := p.store.SaveProfile(ctx, merged); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// MergeProfile folds new signals into an existing profile. For facts the
// higher-confidence value wins; opinions on the same belief average their
// sentiment; topics dedupe case-insensitively.
func MergeProfile(current UserProfile, facts []ProfileFact, opinions []ProfileOpinion, topics []string) UserProfile {
	factIdx := make(map[string]int, len(current.Facts))
	for i, f := range current.Facts {
		factIdx[f.Key] = i
	}
	for _, f := range facts {
		f.Key = normalizeFactKey(f.Key)
		if f.Key == "" || f.Value == "" {
			continue
		}
		if i, ok := factIdx[f.Key]; ok {
			if f.Confidence > current.Facts[i].Confidence {
				current.Facts[i] = f
			}
			continue
		}
		factIdx[f.Key] = len(current.Facts)
		current.Facts = append(current.Facts, f)
	}

	opIdx := make(map[string]int, len(current.Opinions))
	for i, o := range current.Opinions {
		opIdx[strings.ToLower(o.Belief)] = i
	}
	for _, o := range opinions {
		key := strings.ToLower(strings.TrimSpace(o.Belief))
		if key == "" {
			continue
		}
		o.Belief = key
		if i, ok := opIdx[key]; ok {
			current.Opinions[i].Sentiment = (current.Opinions[i].Sentiment + o.Sentiment) / 2
			continue
		}
		opIdx[key] = len(current.Opinions)
		current.Opinions = append(current.Opinions, o)
	}

	seen := make(map[string]bool, len(current.Topics))
	for _, t := range current.Topics {
		seen[strings.ToLower(t)] = true
	}
	for _, t := range topics {
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		current.Topics = append(current.Topics, t)
	}
	return current
}
