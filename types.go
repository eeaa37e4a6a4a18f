package orion

import "encoding/json"

// --- Domain types (database records) ---

// Message is a single turn of conversation history for one session.
type Message struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Role      string `json:"role"` // "user" or "assistant"
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// MemoryEntry is one reinforcement-scored memory row in the vector store.
// Utility and QValue are always clamped to [0.05, 0.99]. RetrievalCount
// and SuccessCount only grow.
type MemoryEntry struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Content        string            `json:"content"`
	Vector         []float32         `json:"-"`
	CreatedAt      int64             `json:"created_at"`
	Utility        float64           `json:"utility"`
	QValue         float64           `json:"q_value"`
	RetrievalCount int               `json:"retrieval_count"`
	SuccessCount   int               `json:"success_count"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TemporalNode is one entry in the three-level temporal index.
// Level 0 holds raw observations, level 1 summaries of level-0 batches,
// level 2 long-term distillations. A node with ValidUntil set is
// superseded and excluded from live reads.
type TemporalNode struct {
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	Content    string `json:"content"`
	Level      int    `json:"level"` // 0, 1, or 2
	Category   string `json:"category"`
	ValidFrom  int64  `json:"valid_from"`
	ValidUntil *int64 `json:"valid_until,omitempty"`
}

// CausalNode is an event vertex in the causal graph.
type CausalNode struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Label     string `json:"label"`
	CreatedAt int64  `json:"created_at"`
}

// CausalEdge is a directed weighted edge between two causal nodes.
// Strength is clamped to [0, 1]; Evidence only grows.
type CausalEdge struct {
	ID       string  `json:"id"`
	UserID   string  `json:"user_id"`
	FromID   string  `json:"from_id"`
	ToID     string  `json:"to_id"`
	Strength float64 `json:"strength"`
	Evidence int     `json:"evidence"`
}

// HyperEdge groups two or more causal nodes that co-occur.
type HyperEdge struct {
	ID      string   `json:"id"`
	UserID  string   `json:"user_id"`
	Label   string   `json:"label"`
	Members []string `json:"members"` // node IDs, always >= 2
}

// ProfileFact is a single extracted user fact, keyed by normalized
// snake_case name.
type ProfileFact struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ProfileOpinion is an extracted user opinion, keyed by lowercased belief.
type ProfileOpinion struct {
	Belief    string  `json:"belief"`
	Sentiment float64 `json:"sentiment"` // -1 (against) .. 1 (for)
}

// UserProfile aggregates extracted facts, opinions, and topics for a user.
type UserProfile struct {
	UserID    string           `json:"user_id"`
	Facts     []ProfileFact    `json:"facts"`
	Opinions  []ProfileOpinion `json:"opinions"`
	Topics    []string         `json:"topics"`
	UpdatedAt int64            `json:"updated_at"`
}

// DeviceToken is a paired device credential. Only the SHA-256 hash of the
// raw token is ever stored.
type DeviceToken struct {
	TokenHash string `json:"token_hash"`
	UserID    string `json:"user_id"`
	Channel   string `json:"channel"`
	CreatedAt int64  `json:"created_at"`
	LastUsed  int64  `json:"last_used"`
	RevokedAt *int64 `json:"revoked_at,omitempty"`
}

// PairingSession is a short-lived numeric code awaiting confirmation.
// Single-use; expires five minutes after creation.
type PairingSession struct {
	Code      string `json:"code"`
	UserID    string `json:"user_id"`
	Channel   string `json:"channel"`
	ExpiresAt int64  `json:"expires_at"`
	Used      bool   `json:"used"`
}

// UsageEvent is one per-call telemetry record buffered by the UsageRecorder.
type UsageEvent struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	LatencyMS    int64   `json:"latency_ms"`
	CostUSD      float64 `json:"cost_usd"`
	CreatedAt    int64   `json:"created_at"`
}

// --- Pipeline types ---

// InboundEvent is a normalized message arriving from any channel adapter.
type InboundEvent struct {
	UserID     string `json:"user_id"`
	ChannelID  string `json:"channel_id"`
	Text       string `json:"text"`
	ReceivedAt int64  `json:"received_at"`
}

// OutboundMessage is a reply or proactive message bound for a channel.
type OutboundMessage struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel,omitempty"` // empty = priority order
	Text    string `json:"text"`
}

// TurnResult is what the pipeline returns for one inbound turn. The
// retrieved memory IDs are handed back via ProvideFeedback on the next
// turn so retrieval learning can close the loop.
type TurnResult struct {
	Response           string   `json:"response"`
	RetrievedMemoryIDs []string `json:"retrieved_memory_ids"`
	ProvisionalReward  float64  `json:"provisional_reward"`
	Blocked            bool     `json:"blocked"`
}

// TaskFeedback carries the reward signal for a completed turn back into
// the memory store.
type TaskFeedback struct {
	UserID    string   `json:"user_id"`
	MemoryIDs []string `json:"memory_ids"`
	// Reward combines explicit task success and estimated follow-up
	// engagement, in [-1, 1].
	Reward float64 `json:"reward"`
	// NextMaxQ is the max Q-value among memories retrieved on the
	// following turn, used as the bootstrap target. Zero when unknown.
	NextMaxQ float64 `json:"next_max_q"`
}

// --- Supervisor types ---

// TaskNode is one planned subtask in a supervisor DAG.
type TaskNode struct {
	ID        string   `json:"id"`
	Task      string   `json:"task"`
	DependsOn []string `json:"dependsOn,omitempty"`
	AgentType string   `json:"agentType,omitempty"`
}

// TaskDAG is an acyclic, size-capped plan produced by the planner.
type TaskDAG struct {
	Nodes []TaskNode `json:"nodes"`
}

// NodeResult is the terminal outcome of one DAG node execution.
type NodeResult struct {
	NodeID     string `json:"node_id"`
	Output     string `json:"output"`
	Success    bool   `json:"success"`
	Attempts   int    `json:"attempts"`
	LoopBreak  bool   `json:"loop_break,omitempty"`
	LoopSignal string `json:"loop_signal,omitempty"`
}

// ToolCallRecord is the loop detector's view of one tool invocation.
type ToolCallRecord struct {
	Tool             string `json:"tool"`
	ParamHash        string `json:"param_hash"`
	Timestamp        int64  `json:"timestamp"`
	ProducedProgress bool   `json:"produced_progress"`
}

// --- Tool types ---

// ToolResult is the outcome of a single tool invocation.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// ToolDefinition describes a callable tool for LLM consumption and for
// pre-invoke schema checking.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema object
}
