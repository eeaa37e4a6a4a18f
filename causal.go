package orion

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
)

// CausalGraph records cause-effect observations per user as a directed
// weighted graph with shared-membership hyper-edges. Edge strength stays
// in [0, 1]; evidence counts only grow.
type CausalGraph struct {
	store  Store
	logger *slog.Logger
}

// NewCausalGraph creates a graph recorder over the given store.
func NewCausalGraph(store Store, logger *slog.Logger) *CausalGraph {
	if logger == nil {
		logger = nopLogger
	}
	return &CausalGraph{store: store, logger: logger}
}

// causalNodeID derives a stable node ID from the user and label so
// repeated observations land on the same vertex.
func causalNodeID(userID, label string) string {
	h := fnv.New64a()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(label))
	return fmt.Sprintf("cn-%016x", h.Sum64())
}

// Observe records one cause-effect observation. Both vertices are
// upserted; the edge accumulates strength (clamped by the store) and one
// unit of evidence.
func (c *CausalGraph) Observe(ctx context.Context, userID, cause, effect string, strength float64) error {
	if cause == "" || effect == "" {
		return fmt.Errorf("empty causal label")
	}
	fromID := causalNodeID(userID, cause)
	toID := causalNodeID(userID, effect)

	now := NowUnix()
	for id, label := range map[string]string{fromID: cause, toID: effect} {
		if err := c.store.UpsertCausalNode(ctx, CausalNode{
			ID: id, UserID: userID, Label: label, CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("upsert causal node: %w", err)
		}
	}

	if strength < 0 {
		strength = 0
	} else if strength > 1 {
		strength = 1
	}
	if err := c.store.UpsertCausalEdge(ctx, CausalEdge{
		ID:       causalNodeID(userID, cause+"->"+effect),
		UserID:   userID,
		FromID:   fromID,
		ToID:     toID,
		Strength: strength,
		Evidence: 1,
	}); err != nil {
		return fmt.Errorf("upsert causal edge: %w", err)
	}
	return nil
}

// Group records a hyper-edge over co-occurring event labels. Fewer than
// two members is an error.
func (c *CausalGraph) Group(ctx context.Context, userID, label string, memberLabels []string) error {
	if len(memberLabels) < 2 {
		return fmt.Errorf("hyper-edge needs at least 2 members, got %d", len(memberLabels))
	}
	ids := make([]string, len(memberLabels))
	for i, m := range memberLabels {
		ids[i] = causalNodeID(userID, m)
	}
	return c.store.StoreHyperEdge(ctx, HyperEdge{
		ID:      NewID(),
		UserID:  userID,
		Label:   label,
		Members: ids,
	})
}

// Summaries renders the strongest edges as short natural-language
// statements for prompt context, strongest first.
func (c *CausalGraph) Summaries(ctx context.Context, userID string, limit int) ([]string, error) {
	edges, err := c.store.GetCausalEdges(ctx, userID, limit*4)
	if err != nil {
		return nil, fmt.Errorf("load causal edges: %w", err)
	}
	if len(edges) == 0 {
		return nil, nil
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Strength != edges[j].Strength {
			return edges[i].Strength > edges[j].Strength
		}
		return edges[i].Evidence > edges[j].Evidence
	})
	if len(edges) > limit {
		edges = edges[:limit]
	}

	ids := make([]string, 0, len(edges)*2)
	for _, e := range edges {
		ids = append(ids, e.FromID, e.ToID)
	}
	nodes, err := c.store.GetCausalNodes(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("load causal nodes: %w", err)
	}
	labels := make(map[string]string, len(nodes))
	for _, n := range nodes {
		labels[n.ID] = n.Label
	}

	var out []string
	for _, e := range edges {
		from, to := labels[e.FromID], labels[e.ToID]
		if from == "" || to == "" {
			continue
		}
		out = append(out, fmt.Sprintf("%s tends to lead to %s (seen %d times)", from, to, e.Evidence))
	}
	return out, nil
}
