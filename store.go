package orion

import "context"

// Store is the entity-oriented persistence port. Implementations live in
// store/sqlite and store/postgres; the runtime never sees SQL.
type Store interface {
	// --- Messages ---
	StoreMessage(ctx context.Context, msg Message) error
	GetMessages(ctx context.Context, userID, channelID string, limit int) ([]Message, error)

	// --- Memory entries ---
	StoreMemory(ctx context.Context, entry MemoryEntry) error
	GetMemory(ctx context.Context, id string) (MemoryEntry, error)
	UpdateMemoryScores(ctx context.Context, id string, utility, qValue float64, retrievalDelta, successDelta int) error

	// --- Temporal index ---
	StoreTemporalNode(ctx context.Context, node TemporalNode) error
	// GetTemporalNodes returns live nodes (ValidUntil unset) at the given
	// level, oldest first.
	GetTemporalNodes(ctx context.Context, userID string, level, limit int) ([]TemporalNode, error)
	// SupersedeTemporalNodes sets ValidUntil on the given node IDs.
	SupersedeTemporalNodes(ctx context.Context, ids []string, validUntil int64) error
	CountTemporalNodes(ctx context.Context, userID string, level int) (int, error)

	// --- Causal graph ---
	UpsertCausalNode(ctx context.Context, node CausalNode) error
	// UpsertCausalEdge merges the edge by ID: strength accumulates and is
	// clamped to [0, 1], evidence adds. Inserts when absent.
	UpsertCausalEdge(ctx context.Context, edge CausalEdge) error
	StoreHyperEdge(ctx context.Context, edge HyperEdge) error
	GetCausalEdges(ctx context.Context, userID string, limit int) ([]CausalEdge, error)
	GetCausalNodes(ctx context.Context, userID string, ids []string) ([]CausalNode, error)

	// --- User profiles ---
	GetProfile(ctx context.Context, userID string) (UserProfile, error)
	SaveProfile(ctx context.Context, profile UserProfile) error

	// --- Device tokens and pairing ---
	StoreDeviceToken(ctx context.Context, token DeviceToken) error
	GetDeviceToken(ctx context.Context, tokenHash string) (DeviceToken, error)
	TouchDeviceToken(ctx context.Context, tokenHash string, lastUsed int64) error
	RevokeDeviceToken(ctx context.Context, tokenHash string, revokedAt int64) error
	StorePairingSession(ctx context.Context, session PairingSession) error
	// ConsumePairingSession atomically marks the code used and returns the
	// session. A second consume of the same code fails.
	ConsumePairingSession(ctx context.Context, code string) (PairingSession, error)

	// --- Usage ---
	StoreUsageBatch(ctx context.Context, events []UsageEvent) error
	GetUsageSummary(ctx context.Context, userID string, days int) (UsageSummary, error)

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}

// UsageSummary aggregates usage events for the gateway's summary endpoint.
type UsageSummary struct {
	UserID       string  `json:"user_id"`
	Days         int     `json:"days"`
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// ScoredMemory is a memory entry with its query similarity attached.
type ScoredMemory struct {
	MemoryEntry
	Similarity float64 `json:"similarity"`
}

// KeywordSearcher is an optional store capability: full-text search over
// memory content. Callers type-assert for it and fall back to vector
// search alone when absent.
type KeywordSearcher interface {
	KeywordSearch(ctx context.Context, userID, query string, k int) ([]MemoryEntry, error)
}

// VectorIndex is the ANN port. The two-phase ranker in MemoryStore sits
// above this interface; implementations only deliver raw similarity
// candidates.
type VectorIndex interface {
	// Upsert writes an entry's vector (and scoring metadata) to the index.
	Upsert(ctx context.Context, entry MemoryEntry) error
	// VectorSearch returns up to k entries for the user scored by cosine
	// similarity, highest first. Entries below minSim are excluded.
	VectorSearch(ctx context.Context, userID string, vector []float32, k int, minSim float64) ([]ScoredMemory, error)
	// Delete removes entries by ID.
	Delete(ctx context.Context, ids []string) error
}
