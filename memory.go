package orion

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Default MemRL parameters. Alpha is the learning rate, gamma the discount
// factor, tau the ANN similarity floor.
const (
	defaultAlpha = 0.2
	defaultGamma = 0.9
	defaultTau   = 0.3

	// scoreMin and scoreMax clamp utility and Q-values.
	scoreMin = 0.05
	scoreMax = 0.99

	// initialScore seeds new entries in the middle of the clamp range.
	initialScore = 0.5

	// overfetchFactor widens phase-one ANN retrieval before reranking.
	overfetchFactor = 3

	// Blended rerank weights: similarity, Q-value, utility.
	weightSim     = 0.5
	weightQ       = 0.3
	weightUtility = 0.2

	// userShards bounds the per-user write serialization table.
	userShards = 32
)

// ContextBundle is what BuildContext hands the pipeline for one turn.
type ContextBundle struct {
	// SystemContext is retrieved memory and causal summaries rendered as
	// prompt text.
	SystemContext string
	// Messages is the recent history window for the session.
	Messages []Message
	// RetrievedMemoryIDs is the exact ID set to acknowledge later via
	// ProvideFeedback; without the callback no learning happens.
	RetrievedMemoryIDs []string
}

// MemoryStore embeds, writes, and retrieves memory entries and coordinates
// reinforcement feedback. Writes for the same user are serialized through
// a sharded lock table; different users proceed in parallel.
type MemoryStore struct {
	store    Store
	index    VectorIndex
	local    EmbeddingProvider
	remote   EmbeddingProvider
	temporal *TemporalIndex
	causal   *CausalGraph
	filter   *PatternFilter

	alpha float64
	gamma float64
	tau   float64
	dim   int

	userMu [userShards]sync.Mutex
	logger *slog.Logger
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLocalEmbedder sets the first-priority embedding provider.
func WithLocalEmbedder(p EmbeddingProvider) MemoryOption {
	return func(m *MemoryStore) { m.local = p }
}

// WithRemoteEmbedder sets the second-priority embedding provider.
func WithRemoteEmbedder(p EmbeddingProvider) MemoryOption {
	return func(m *MemoryStore) { m.remote = p }
}

// WithTemporalIndex mirrors saved entries into the temporal index when
// their metadata carries a level.
func WithTemporalIndex(t *TemporalIndex) MemoryOption {
	return func(m *MemoryStore) { m.temporal = t }
}

// WithCausalGraph fuses causal summaries into built context.
func WithCausalGraph(c *CausalGraph) MemoryOption {
	return func(m *MemoryStore) { m.causal = c }
}

// WithMemRL overrides the learning rate, discount factor, and similarity
// threshold. Out-of-range values are clamped to valid bounds.
func WithMemRL(alpha, gamma, tau float64) MemoryOption {
	return func(m *MemoryStore) {
		m.alpha = math.Min(math.Max(alpha, 0.01), 1)
		m.gamma = math.Min(math.Max(gamma, 0), 1)
		m.tau = tau
	}
}

// WithMemoryLogger sets the structured logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *MemoryStore) { m.logger = l }
}

// NewMemoryStore creates a memory store over the given persistence and
// vector ports. dim is the fixed embedding dimension for this deployment;
// the hash fallback produces vectors of this size.
func NewMemoryStore(store Store, index VectorIndex, filter *PatternFilter, dim int, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		store:  store,
		index:  index,
		filter: filter,
		alpha:  defaultAlpha,
		gamma:  defaultGamma,
		tau:    defaultTau,
		dim:    dim,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = nopLogger
	}
	return m
}

// Embed turns text into a vector via the provider chain: local embedder,
// then remote, then the deterministic hash fallback. The fallback is
// non-semantic; retrieval quality degrades but writes never fail on an
// embedding outage.
func (m *MemoryStore) Embed(ctx context.Context, text string) []float32 {
	for _, p := range []EmbeddingProvider{m.local, m.remote} {
		if p == nil {
			continue
		}
		vecs, err := p.Embed(ctx, []string{text})
		if err == nil && len(vecs) == 1 && len(vecs[0]) > 0 {
			return vecs[0]
		}
		if err != nil {
			m.logger.Debug("embedding provider failed, trying next", "error", err)
		}
	}
	m.logger.Warn("all embedding providers failed, using hash fallback (degraded retrieval)")
	return hashEmbed(text, m.dim)
}

// Save embeds and persists one memory entry, mirroring it into the
// temporal index when meta carries a "level". Returns the new entry ID.
func (m *MemoryStore) Save(ctx context.Context, userID, content string, meta map[string]string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("empty memory content")
	}

	vec := m.Embed(ctx, content)
	entry := MemoryEntry{
		ID:        NewID(),
		UserID:    userID,
		Content:   content,
		Vector:    vec,
		CreatedAt: NowUnix(),
		Utility:   initialScore,
		QValue:    initialScore,
		Metadata:  meta,
	}

	m.lockUser(userID)
	defer m.unlockUser(userID)

	if err := m.store.StoreMemory(ctx, entry); err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}
	if err := m.index.Upsert(ctx, entry); err != nil {
		return "", fmt.Errorf("index memory: %w", err)
	}

	if m.temporal != nil {
		if lvl, ok := meta["level"]; ok {
			level := 0
			if lvl == "1" {
				level = 1
			} else if lvl == "2" {
				level = 2
			}
			if err := m.temporal.Record(ctx, userID, content, level, meta["category"]); err != nil {
				m.logger.Warn("temporal mirror failed", "error", err)
			}
		}
	}
	return entry.ID, nil
}

// Search runs two-phase retrieval: ANN overfetch above the similarity
// threshold, then a blended rerank of similarity, Q-value, and utility.
// Ties break on newest CreatedAt.
func (m *MemoryStore) Search(ctx context.Context, userID, query string, k int) ([]ScoredMemory, error) {
	if k <= 0 {
		return nil, nil
	}
	vec := m.Embed(ctx, query)

	candidates, err := m.index.VectorSearch(ctx, userID, vec, k*overfetchFactor, m.tau)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si := blendedScore(candidates[i])
		sj := blendedScore(candidates[j])
		if si != sj {
			return si > sj
		}
		return candidates[i].CreatedAt > candidates[j].CreatedAt
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	// Retrieval counts are monotonic; bump best-effort.
	for _, c := range candidates {
		if err := m.store.UpdateMemoryScores(ctx, c.ID, c.Utility, c.QValue, 1, 0); err != nil {
			m.logger.Debug("retrieval count update failed", "id", c.ID, "error", err)
		}
	}
	return candidates, nil
}

func blendedScore(s ScoredMemory) float64 {
	return weightSim*s.Similarity + weightQ*s.QValue + weightUtility*s.Utility
}

// BuildContext fuses recent history, adaptive memories, and causal graph
// summaries into one bundle, in parallel. The pattern filter validates
// every fused piece; injection-tagged entries are dropped rather than
// sanitized into the prompt.
func (m *MemoryStore) BuildContext(ctx context.Context, userID, channelID, query string, limit int) (ContextBundle, error) {
	var (
		messages  []Message
		memories  []ScoredMemory
		summaries []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		messages, err = m.store.GetMessages(gctx, userID, channelID, limit)
		return err
	})
	g.Go(func() error {
		var err error
		memories, err = m.Search(gctx, userID, query, limit)
		return err
	})
	if m.causal != nil {
		g.Go(func() error {
			var err error
			summaries, err = m.causal.Summaries(gctx, userID, 5)
			if err != nil {
				// Causal context is optional; history and memories carry
				// the turn on their own.
				m.logger.Debug("causal summaries unavailable", "error", err)
				summaries = nil
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ContextBundle{}, fmt.Errorf("build context: %w", err)
	}

	var sb strings.Builder
	var ids []string
	if len(memories) > 0 {
		sb.WriteString("Relevant memories:\n")
		for _, mem := range memories {
			if m.filter != nil {
				if res := m.filter.Check(mem.Content); !res.Safe {
					m.logger.Warn("injection-tagged memory dropped from context", "id", mem.ID)
					continue
				}
			}
			fmt.Fprintf(&sb, "- %s\n", mem.Content)
			ids = append(ids, mem.ID)
		}
	}
	if len(summaries) > 0 {
		sb.WriteString("\nObserved patterns:\n")
		for _, s := range summaries {
			fmt.Fprintf(&sb, "- %s\n", s)
		}
	}

	return ContextBundle{
		SystemContext:      sb.String(),
		Messages:           messages,
		RetrievedMemoryIDs: ids,
	}, nil
}

// ProvideFeedback applies the Bellman update to every acknowledged memory:
//
//	Q' = Q + alpha*(r + gamma*maxQNext - Q)
//
// and an EMA utility update U' = U + alpha*(r - U). Both stay clamped to
// [0.05, 0.99]. Success counts grow when the reward is positive.
func (m *MemoryStore) ProvideFeedback(ctx context.Context, fb TaskFeedback) error {
	if len(fb.MemoryIDs) == 0 {
		return nil
	}

	m.lockUser(fb.UserID)
	defer m.unlockUser(fb.UserID)

	var firstErr error
	for _, id := range fb.MemoryIDs {
		entry, err := m.store.GetMemory(ctx, id)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("load memory %s: %w", id, err)
			}
			continue
		}

		q := entry.QValue + m.alpha*(fb.Reward+m.gamma*fb.NextMaxQ-entry.QValue)
		u := entry.Utility + m.alpha*(fb.Reward-entry.Utility)
		q = clampScore(q)
		u = clampScore(u)

		successDelta := 0
		if fb.Reward > 0 {
			successDelta = 1
		}
		if err := m.store.UpdateMemoryScores(ctx, id, u, q, 0, successDelta); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("update memory %s: %w", id, err)
			}
			continue
		}
		// Keep the ANN index's scoring columns in step.
		entry.QValue = q
		entry.Utility = u
		if err := m.index.Upsert(ctx, entry); err != nil {
			m.logger.Debug("index score refresh failed", "id", id, "error", err)
		}
	}
	return firstErr
}

// Compress folds old level-0 temporal nodes into a level-1 summary when
// the configured threshold is reached. No-op without a temporal index.
func (m *MemoryStore) Compress(ctx context.Context, userID string) error {
	if m.temporal == nil {
		return nil
	}
	return m.temporal.Compress(ctx, userID)
}

func clampScore(v float64) float64 {
	return math.Min(math.Max(v, scoreMin), scoreMax)
}

func (m *MemoryStore) lockUser(userID string) {
	m.userMu[userShard(userID)].Lock()
}

func (m *MemoryStore) unlockUser(userID string) {
	m.userMu[userShard(userID)].Unlock()
}

func userShard(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % userShards)
}

// hashEmbed is the deterministic embedding fallback: token hashes bucketed
// into a fixed-dimension vector, L2-normalized. Explicitly non-semantic.
func hashEmbed(text string, dim int) []float32 {
	if dim <= 0 {
		dim = 256
	}
	vec := make([]float32, dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(dim)] += 1
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// cosineSimilarity computes the cosine of the angle between two vectors.
// Accumulates in float64 for stability. Returns 0 for mismatched or zero
// vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
