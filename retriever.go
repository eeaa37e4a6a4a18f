package orion

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RetrievalResult is a scored memory from a hybrid search.
// Score is in [0, 1]; higher means more relevant.
type RetrievalResult struct {
	MemoryID string  `json:"memory_id"`
	Content  string  `json:"content"`
	Score    float32 `json:"score"`
}

// Retriever searches stored memories and returns ranked results.
// Implementations may combine multiple search strategies (vector, keyword,
// hybrid) and optionally re-rank before returning.
type Retriever interface {
	Retrieve(ctx context.Context, userID, query string, topK int) ([]RetrievalResult, error)
}

// Reranker re-scores retrieval results for improved precision.
// The returned slice must be sorted by Score descending and trimmed to topK.
type Reranker interface {
	Rerank(ctx context.Context, query string, results []RetrievalResult, topK int) ([]RetrievalResult, error)
}

// RetrieverOption configures a HybridRetriever.
type RetrieverOption func(*retrieverConfig)

type retrieverConfig struct {
	reranker            Reranker
	minScore            float32
	keywordWeight       float32
	overfetchMultiplier int
}

// WithReranker sets an optional re-ranking stage that runs after hybrid merge.
func WithReranker(r Reranker) RetrieverOption {
	return func(c *retrieverConfig) { c.reranker = r }
}

// WithMinRetrievalScore sets the minimum score threshold. Results below this
// score are dropped before returning. Default is 0 (no filtering).
func WithMinRetrievalScore(score float32) RetrieverOption {
	return func(c *retrieverConfig) { c.minScore = score }
}

// WithKeywordWeight sets the relative weight for keyword search results in
// the RRF merge. Must be in [0, 1]. Default is 0.3 (vector gets 0.7).
func WithKeywordWeight(w float32) RetrieverOption {
	return func(c *retrieverConfig) { c.keywordWeight = w }
}

// WithOverfetchMultiplier sets the multiplier for over-fetching candidates
// before re-ranking. Retrieve fetches topK * multiplier candidates, then
// re-ranks and trims to topK. Default is 3.
func WithOverfetchMultiplier(n int) RetrieverOption {
	return func(c *retrieverConfig) { c.overfetchMultiplier = n }
}

// --- ScoreReranker ---

// ScoreReranker filters results below a minimum score and re-sorts by score
// descending. It makes no external calls.
type ScoreReranker struct {
	minScore float32
}

var _ Reranker = (*ScoreReranker)(nil)

// NewScoreReranker creates a ScoreReranker that drops results below minScore.
func NewScoreReranker(minScore float32) *ScoreReranker {
	return &ScoreReranker{minScore: minScore}
}

// Rerank filters results below the minimum score, sorts by score descending,
// and trims to topK.
func (r *ScoreReranker) Rerank(_ context.Context, _ string, results []RetrievalResult, topK int) ([]RetrievalResult, error) {
	var filtered []RetrievalResult
	for _, res := range results {
		if res.Score >= r.minScore {
			filtered = append(filtered, res)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return filtered, nil
}

// --- Reciprocal Rank Fusion ---

const rrfK = 60

// reciprocalRankFusion merges vector and keyword candidates using
// Reciprocal Rank Fusion. keywordWeight is in [0,1]; vectorWeight =
// 1 - keywordWeight. Returns results sorted by fused score descending.
func reciprocalRankFusion(vector []ScoredMemory, keyword []MemoryEntry, keywordWeight float32) []RetrievalResult {
	vectorWeight := 1 - keywordWeight

	type entry struct {
		content string
		score   float32
	}
	merged := make(map[string]*entry)

	for rank, sm := range vector {
		e, ok := merged[sm.ID]
		if !ok {
			e = &entry{content: sm.Content}
			merged[sm.ID] = e
		}
		e.score += vectorWeight * (1.0 / float32(rrfK+rank+1))
	}
	for rank, m := range keyword {
		e, ok := merged[m.ID]
		if !ok {
			e = &entry{content: m.Content}
			merged[m.ID] = e
		}
		e.score += keywordWeight * (1.0 / float32(rrfK+rank+1))
	}

	results := make([]RetrievalResult, 0, len(merged))
	for id, e := range merged {
		results = append(results, RetrievalResult{
			MemoryID: id,
			Content:  e.content,
			Score:    e.score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].MemoryID < results[j].MemoryID
	})
	return results
}

// --- HybridRetriever ---

// HybridRetriever composes vector search, keyword search (FTS), and
// optional re-ranking into a single Retrieve call. It sits beside the
// MemoryStore's learned two-phase ranker as a direct recall path, exposed
// to the user through the recall tool.
type HybridRetriever struct {
	index     VectorIndex
	store     Store
	embedding EmbeddingProvider
	cfg       retrieverConfig
}

var _ Retriever = (*HybridRetriever)(nil)

// NewHybridRetriever creates a Retriever that combines vector and keyword
// search using Reciprocal Rank Fusion. If the Store implements
// KeywordSearcher, keyword search is used automatically.
func NewHybridRetriever(index VectorIndex, store Store, embedding EmbeddingProvider, opts ...RetrieverOption) *HybridRetriever {
	cfg := retrieverConfig{
		keywordWeight:       0.3,
		overfetchMultiplier: 3,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &HybridRetriever{index: index, store: store, embedding: embedding, cfg: cfg}
}

// Retrieve searches the user's memories with hybrid vector + keyword
// search, optionally re-ranks, and returns the top results.
func (h *HybridRetriever) Retrieve(ctx context.Context, userID, query string, topK int) ([]RetrievalResult, error) {
	embs, err := h.embedding.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embs) == 0 {
		return nil, fmt.Errorf("embed query: no embedding returned")
	}

	fetchK := topK * h.cfg.overfetchMultiplier
	if fetchK < topK {
		fetchK = topK
	}

	vectorResults, err := h.index.VectorSearch(ctx, userID, embs[0], fetchK, 0)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	var keywordResults []MemoryEntry
	if ks, ok := h.store.(KeywordSearcher); ok {
		keywordResults, _ = ks.KeywordSearch(ctx, userID, query, fetchK)
	}

	var results []RetrievalResult
	if len(keywordResults) > 0 {
		results = reciprocalRankFusion(vectorResults, keywordResults, h.cfg.keywordWeight)
	} else {
		results = reciprocalRankFusion(vectorResults, nil, 0)
	}

	if h.cfg.reranker != nil {
		results, err = h.cfg.reranker.Rerank(ctx, query, results, topK)
		if err != nil {
			return nil, fmt.Errorf("rerank: %w", err)
		}
	}

	if h.cfg.minScore > 0 {
		filtered := results[:0]
		for _, r := range results {
			if r.Score >= h.cfg.minScore {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	if len(results) > topK {
		results = results[:topK]
	}

	return results, nil
}

// --- LLMReranker ---

// LLMReranker uses an LLM to score query-memory relevance. It asks the
// model to rate each result 0-10, then normalizes and re-sorts. On LLM
// failure, results pass through unmodified (graceful degradation).
type LLMReranker struct {
	orch *Orchestrator
}

var _ Reranker = (*LLMReranker)(nil)

// NewLLMReranker creates a Reranker that scores relevance through the
// orchestrator's fast lane.
func NewLLMReranker(orch *Orchestrator) *LLMReranker {
	return &LLMReranker{orch: orch}
}

// Rerank sends results to the LLM for relevance scoring, then re-sorts.
func (r *LLMReranker) Rerank(ctx context.Context, query string, results []RetrievalResult, topK int) ([]RetrievalResult, error) {
	if len(results) == 0 {
		return results, nil
	}

	var docs strings.Builder
	for i, res := range results {
		fmt.Fprintf(&docs, "Memory %d:\n%s\n\n", i, res.Content)
	}

	prompt := fmt.Sprintf(
		"Rate the relevance of each memory to the query on a scale of 0-10.\n\nQuery: %s\n\n%sRespond with JSON only: {\"scores\":[{\"index\":0,\"score\":N}, ...]}",
		query, docs.String(),
	)

	out, err := r.orch.Generate(ctx, TaskFast, GenerateRequest{Prompt: prompt})
	if err != nil || out == "" {
		return results, nil // degrade gracefully
	}

	var parsed struct {
		Scores []struct {
			Index int     `json:"index"`
			Score float64 `json:"score"`
		} `json:"scores"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return results, nil // degrade gracefully
	}

	for _, s := range parsed.Scores {
		if s.Index >= 0 && s.Index < len(results) {
			results[s.Index].Score = float32(s.Score / 10.0)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}
