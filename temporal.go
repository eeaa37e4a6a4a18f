package orion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// compressThreshold is the level-0 node count that triggers folding the
// oldest batch into one level-1 summary.
const compressThreshold = 50

// TemporalIndex keeps a three-level history of observations per user.
// Level 0 is raw, level 1 summarizes batches of level 0, level 2 holds
// long-term distillations. Superseded nodes keep their rows but never
// appear in live reads.
type TemporalIndex struct {
	store  Store
	orch   *Orchestrator
	logger *slog.Logger
}

// NewTemporalIndex creates an index over the given store. The
// orchestrator's fast engine writes compression summaries; a nil
// orchestrator disables Compress.
func NewTemporalIndex(store Store, orch *Orchestrator, logger *slog.Logger) *TemporalIndex {
	if logger == nil {
		logger = nopLogger
	}
	return &TemporalIndex{store: store, orch: orch, logger: logger}
}

// Record inserts one live node at the given level.
func (t *TemporalIndex) Record(ctx context.Context, userID, content string, level int, category string) error {
	if level < 0 || level > 2 {
		return fmt.Errorf("temporal level %d out of range", level)
	}
	return t.store.StoreTemporalNode(ctx, TemporalNode{
		ID:        NewID(),
		UserID:    userID,
		Content:   content,
		Level:     level,
		Category:  category,
		ValidFrom: NowUnix(),
	})
}

// Live returns current nodes at a level, oldest first. Superseded nodes
// are excluded by the store.
func (t *TemporalIndex) Live(ctx context.Context, userID string, level, limit int) ([]TemporalNode, error) {
	return t.store.GetTemporalNodes(ctx, userID, level, limit)
}

// Compress folds the oldest level-0 batch into one level-1 summary once
// the live level-0 count reaches the threshold. Sources are marked
// superseded in the same pass; a failed summary leaves everything live
// for the next attempt.
func (t *TemporalIndex) Compress(ctx context.Context, userID string) error {
	if t.orch == nil {
		return nil
	}
	count, err := t.store.CountTemporalNodes(ctx, userID, 0)
	if err != nil {
		return fmt.Errorf("count temporal nodes: %w", err)
	}
	if count < compressThreshold {
		return nil
	}

	nodes, err := t.store.GetTemporalNodes(ctx, userID, 0, compressThreshold)
	if err != nil {
		return fmt.Errorf("load temporal batch: %w", err)
	}
	if len(nodes) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, n := range nodes {
		sb.WriteString("- ")
		sb.WriteString(n.Content)
		sb.WriteByte('\n')
	}
	prompt := fmt.Sprintf(
		"Summarize these observations about a user into a short paragraph, keeping concrete facts:\n\n%s",
		sb.String(),
	)
	summary, err := t.orch.Generate(ctx, TaskFast, GenerateRequest{Prompt: prompt, MaxTokens: 256})
	if err != nil || summary == "" {
		t.logger.Warn("temporal compression summary failed, keeping sources live", "error", err)
		return nil
	}

	if err := t.store.StoreTemporalNode(ctx, TemporalNode{
		ID:        NewID(),
		UserID:    userID,
		Content:   summary,
		Level:     1,
		Category:  "summary",
		ValidFrom: NowUnix(),
	}); err != nil {
		return fmt.Errorf("store summary node: %w", err)
	}

	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	if err := t.store.SupersedeTemporalNodes(ctx, ids, NowUnix()); err != nil {
		return fmt.Errorf("supersede sources: %w", err)
	}
	t.logger.Debug("temporal batch compressed", "user", userID, "sources", len(ids))
	return nil
}
