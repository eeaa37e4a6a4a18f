// Package postgres implements orion.Store and orion.VectorIndex using
// PostgreSQL with pgvector for native vector similarity search and
// tsvector for full-text keyword search.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orionhq/orion"
)

// Store implements orion.Store backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size).
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate
// list size). Applied during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ orion.Store = (*Store)(nil)
var _ orion.VectorIndex = (*Store)(nil)
var _ orion.KeywordSearcher = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all required tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_user_idx ON messages(user_id, created_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			vector %s,
			metadata JSONB,
			created_at BIGINT NOT NULL,
			utility_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			q_value DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			retrieval_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS memories_user_idx ON memories(user_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS memories_vector_idx ON memories USING hnsw (vector vector_cosine_ops)%s`, hnswWith),
		`CREATE INDEX IF NOT EXISTS memories_fts_idx ON memories USING gin(to_tsvector('english', content))`,

		`CREATE TABLE IF NOT EXISTS temporal_nodes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			level INTEGER NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			valid_from BIGINT NOT NULL,
			valid_until BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS temporal_user_idx ON temporal_nodes(user_id, level) WHERE valid_until IS NULL`,

		`CREATE TABLE IF NOT EXISTS causal_nodes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			label TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS causal_edges (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			strength DOUBLE PRECISION NOT NULL,
			evidence INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS causal_edges_user_idx ON causal_edges(user_id)`,
		`CREATE TABLE IF NOT EXISTS hyper_edges (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			label TEXT NOT NULL,
			members JSONB NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			facts JSONB,
			opinions JSONB,
			topics JSONB,
			updated_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS device_tokens (
			token_hash TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			last_used BIGINT NOT NULL DEFAULT 0,
			revoked_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS pairing_sessions (
			code TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			expires_at BIGINT NOT NULL,
			used BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			latency_ms BIGINT NOT NULL,
			cost_usd DOUBLE PRECISION NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS usage_user_idx ON usage_events(user_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// --- Messages ---

// StoreMessage inserts or replaces a message.
func (s *Store) StoreMessage(ctx context.Context, msg orion.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, user_id, channel_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   channel_id = EXCLUDED.channel_id,
		   role = EXCLUDED.role,
		   content = EXCLUDED.content,
		   created_at = EXCLUDED.created_at`,
		msg.ID, msg.UserID, msg.ChannelID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: store message: %w", err)
	}
	return nil
}

// GetMessages returns the most recent messages for a user, ordered
// chronologically (oldest first). An empty channelID matches all
// channels.
func (s *Store) GetMessages(ctx context.Context, userID, channelID string, limit int) ([]orion.Message, error) {
	query := `SELECT id, user_id, channel_id, role, content, created_at
	          FROM messages WHERE user_id = $1`
	args := []any{userID}
	if channelID != "" {
		query += ` AND channel_id = $2`
		args = append(args, channelID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	defer rows.Close()

	var messages []orion.Message
	for rows.Next() {
		var m orion.Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.ChannelID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// --- Memory entries ---

// StoreMemory inserts or replaces a memory row.
func (s *Store) StoreMemory(ctx context.Context, entry orion.MemoryEntry) error {
	var metaJSON *string
	if len(entry.Metadata) > 0 {
		data, _ := json.Marshal(entry.Metadata)
		v := string(data)
		metaJSON = &v
	}

	const upsert = `
		ON CONFLICT (id) DO UPDATE SET
		  user_id = EXCLUDED.user_id,
		  content = EXCLUDED.content,
		  vector = EXCLUDED.vector,
		  metadata = EXCLUDED.metadata,
		  created_at = EXCLUDED.created_at,
		  utility_score = EXCLUDED.utility_score,
		  q_value = EXCLUDED.q_value,
		  retrieval_count = EXCLUDED.retrieval_count,
		  success_count = EXCLUDED.success_count`

	var err error
	if len(entry.Vector) > 0 {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO memories (id, user_id, content, vector, metadata, created_at, utility_score, q_value, retrieval_count, success_count)
			 VALUES ($1, $2, $3, $4::vector, $5::jsonb, $6, $7, $8, $9, $10)`+upsert,
			entry.ID, entry.UserID, entry.Content, serializeVector(entry.Vector), metaJSON,
			entry.CreatedAt, entry.Utility, entry.QValue, entry.RetrievalCount, entry.SuccessCount)
	} else {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO memories (id, user_id, content, vector, metadata, created_at, utility_score, q_value, retrieval_count, success_count)
			 VALUES ($1, $2, $3, NULL, $4::jsonb, $5, $6, $7, $8, $9)`+upsert,
			entry.ID, entry.UserID, entry.Content, metaJSON,
			entry.CreatedAt, entry.Utility, entry.QValue, entry.RetrievalCount, entry.SuccessCount)
	}
	if err != nil {
		return fmt.Errorf("postgres: store memory: %w", err)
	}
	return nil
}

// GetMemory fetches one memory row by ID. The vector column is returned
// in pgvector text form and parsed back to []float32.
func (s *Store) GetMemory(ctx context.Context, id string) (orion.MemoryEntry, error) {
	var entry orion.MemoryEntry
	var vec, meta *string
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, content, vector::text, metadata::text, created_at, utility_score, q_value, retrieval_count, success_count
		 FROM memories WHERE id = $1`, id).
		Scan(&entry.ID, &entry.UserID, &entry.Content, &vec, &meta, &entry.CreatedAt,
			&entry.Utility, &entry.QValue, &entry.RetrievalCount, &entry.SuccessCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return orion.MemoryEntry{}, fmt.Errorf("memory %s: %w", id, orion.ErrNotFound)
	}
	if err != nil {
		return orion.MemoryEntry{}, fmt.Errorf("postgres: get memory: %w", err)
	}
	if vec != nil {
		entry.Vector = deserializeVector(*vec)
	}
	if meta != nil {
		_ = json.Unmarshal([]byte(*meta), &entry.Metadata)
	}
	return entry, nil
}

// UpdateMemoryScores writes new utility and q-value and bumps the
// monotonic counters.
func (s *Store) UpdateMemoryScores(ctx context.Context, id string, utility, qValue float64, retrievalDelta, successDelta int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memories SET utility_score = $1, q_value = $2,
		 retrieval_count = retrieval_count + $3, success_count = success_count + $4
		 WHERE id = $5`,
		utility, qValue, retrievalDelta, successDelta, id)
	if err != nil {
		return fmt.Errorf("postgres: update memory scores: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("memory %s: %w", id, orion.ErrNotFound)
	}
	return nil
}

// --- VectorIndex ---

// Upsert writes an entry's vector to the index. Backed by the same
// memories table, so it is a row upsert.
func (s *Store) Upsert(ctx context.Context, entry orion.MemoryEntry) error {
	return s.StoreMemory(ctx, entry)
}

// VectorSearch uses pgvector's cosine distance operator with the HNSW
// index, scoped to the user. Entries below minSim are excluded.
func (s *Store) VectorSearch(ctx context.Context, userID string, vector []float32, k int, minSim float64) ([]orion.ScoredMemory, error) {
	vecStr := serializeVector(vector)
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, content, vector::text, metadata::text, created_at,
		        utility_score, q_value, retrieval_count, success_count,
		        1 - (vector <=> $1::vector) AS similarity
		 FROM memories
		 WHERE user_id = $2 AND vector IS NOT NULL
		   AND 1 - (vector <=> $1::vector) >= $3
		 ORDER BY vector <=> $1::vector
		 LIMIT $4`,
		vecStr, userID, minSim, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer rows.Close()

	var results []orion.ScoredMemory
	for rows.Next() {
		var sm orion.ScoredMemory
		var vec, meta *string
		if err := rows.Scan(&sm.ID, &sm.UserID, &sm.Content, &vec, &meta, &sm.CreatedAt,
			&sm.Utility, &sm.QValue, &sm.RetrievalCount, &sm.SuccessCount, &sm.Similarity); err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		if vec != nil {
			sm.Vector = deserializeVector(*vec)
		}
		if meta != nil {
			_ = json.Unmarshal([]byte(*meta), &sm.Metadata)
		}
		results = append(results, sm)
	}
	return results, rows.Err()
}

// Delete removes memory rows by ID.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM memories WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete memories: %w", err)
	}
	return nil
}

// KeywordSearch runs a tsvector full-text match over the user's
// memories, ranked by ts_rank.
func (s *Store) KeywordSearch(ctx context.Context, userID, query string, k int) ([]orion.MemoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, content, vector::text, metadata::text, created_at,
		        utility_score, q_value, retrieval_count, success_count
		 FROM memories
		 WHERE user_id = $1
		   AND to_tsvector('english', content) @@ plainto_tsquery('english', $2)
		 ORDER BY ts_rank(to_tsvector('english', content), plainto_tsquery('english', $2)) DESC
		 LIMIT $3`,
		userID, query, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword search: %w", err)
	}
	defer rows.Close()

	var entries []orion.MemoryEntry
	for rows.Next() {
		var e orion.MemoryEntry
		var vec, meta *string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Content, &vec, &meta, &e.CreatedAt,
			&e.Utility, &e.QValue, &e.RetrievalCount, &e.SuccessCount); err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		if vec != nil {
			e.Vector = deserializeVector(*vec)
		}
		if meta != nil {
			_ = json.Unmarshal([]byte(*meta), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Temporal index ---

func (s *Store) StoreTemporalNode(ctx context.Context, node orion.TemporalNode) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO temporal_nodes (id, user_id, content, level, category, valid_from, valid_until)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   content = EXCLUDED.content,
		   level = EXCLUDED.level,
		   category = EXCLUDED.category,
		   valid_from = EXCLUDED.valid_from,
		   valid_until = EXCLUDED.valid_until`,
		node.ID, node.UserID, node.Content, node.Level, node.Category, node.ValidFrom, node.ValidUntil)
	if err != nil {
		return fmt.Errorf("postgres: store temporal node: %w", err)
	}
	return nil
}

func (s *Store) GetTemporalNodes(ctx context.Context, userID string, level, limit int) ([]orion.TemporalNode, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, content, level, category, valid_from, valid_until
		 FROM temporal_nodes
		 WHERE user_id = $1 AND level = $2 AND valid_until IS NULL
		 ORDER BY valid_from ASC LIMIT $3`,
		userID, level, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get temporal nodes: %w", err)
	}
	defer rows.Close()

	var nodes []orion.TemporalNode
	for rows.Next() {
		var n orion.TemporalNode
		if err := rows.Scan(&n.ID, &n.UserID, &n.Content, &n.Level, &n.Category, &n.ValidFrom, &n.ValidUntil); err != nil {
			return nil, fmt.Errorf("postgres: scan temporal node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *Store) SupersedeTemporalNodes(ctx context.Context, ids []string, validUntil int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE temporal_nodes SET valid_until = $1 WHERE id = ANY($2)`, validUntil, ids)
	if err != nil {
		return fmt.Errorf("postgres: supersede temporal nodes: %w", err)
	}
	return nil
}

func (s *Store) CountTemporalNodes(ctx context.Context, userID string, level int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM temporal_nodes WHERE user_id = $1 AND level = $2 AND valid_until IS NULL`,
		userID, level).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count temporal nodes: %w", err)
	}
	return count, nil
}

// --- Causal graph ---

func (s *Store) UpsertCausalNode(ctx context.Context, node orion.CausalNode) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO causal_nodes (id, user_id, label, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET label = EXCLUDED.label`,
		node.ID, node.UserID, node.Label, node.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert causal node: %w", err)
	}
	return nil
}

// UpsertCausalEdge merges by ID: strength accumulates and is clamped to
// [0, 1], evidence adds.
func (s *Store) UpsertCausalEdge(ctx context.Context, edge orion.CausalEdge) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO causal_edges (id, user_id, from_id, to_id, strength, evidence)
		 VALUES ($1, $2, $3, $4, LEAST(1.0, GREATEST(0.0, $5)), $6)
		 ON CONFLICT (id) DO UPDATE SET
		   strength = LEAST(1.0, causal_edges.strength + EXCLUDED.strength),
		   evidence = causal_edges.evidence + EXCLUDED.evidence`,
		edge.ID, edge.UserID, edge.FromID, edge.ToID, edge.Strength, edge.Evidence)
	if err != nil {
		return fmt.Errorf("postgres: upsert causal edge: %w", err)
	}
	return nil
}

func (s *Store) StoreHyperEdge(ctx context.Context, edge orion.HyperEdge) error {
	if len(edge.Members) < 2 {
		return fmt.Errorf("postgres: hyper edge %s: need at least 2 members", edge.ID)
	}
	members, _ := json.Marshal(edge.Members)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hyper_edges (id, user_id, label, members)
		 VALUES ($1, $2, $3, $4::jsonb)
		 ON CONFLICT (id) DO UPDATE SET label = EXCLUDED.label, members = EXCLUDED.members`,
		edge.ID, edge.UserID, edge.Label, string(members))
	if err != nil {
		return fmt.Errorf("postgres: store hyper edge: %w", err)
	}
	return nil
}

func (s *Store) GetCausalEdges(ctx context.Context, userID string, limit int) ([]orion.CausalEdge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, from_id, to_id, strength, evidence
		 FROM causal_edges WHERE user_id = $1 ORDER BY strength DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: get causal edges: %w", err)
	}
	defer rows.Close()

	var edges []orion.CausalEdge
	for rows.Next() {
		var e orion.CausalEdge
		if err := rows.Scan(&e.ID, &e.UserID, &e.FromID, &e.ToID, &e.Strength, &e.Evidence); err != nil {
			return nil, fmt.Errorf("postgres: scan causal edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *Store) GetCausalNodes(ctx context.Context, userID string, ids []string) ([]orion.CausalNode, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, label, created_at FROM causal_nodes
		 WHERE user_id = $1 AND id = ANY($2)`, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: get causal nodes: %w", err)
	}
	defer rows.Close()

	var nodes []orion.CausalNode
	for rows.Next() {
		var n orion.CausalNode
		if err := rows.Scan(&n.ID, &n.UserID, &n.Label, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan causal node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// --- User profiles ---

func (s *Store) GetProfile(ctx context.Context, userID string) (orion.UserProfile, error) {
	var p orion.UserProfile
	var facts, opinions, topics *string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, facts::text, opinions::text, topics::text, updated_at
		 FROM profiles WHERE user_id = $1`, userID).
		Scan(&p.UserID, &facts, &opinions, &topics, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orion.UserProfile{}, fmt.Errorf("profile %s: %w", userID, orion.ErrNotFound)
	}
	if err != nil {
		return orion.UserProfile{}, fmt.Errorf("postgres: get profile: %w", err)
	}
	if facts != nil {
		_ = json.Unmarshal([]byte(*facts), &p.Facts)
	}
	if opinions != nil {
		_ = json.Unmarshal([]byte(*opinions), &p.Opinions)
	}
	if topics != nil {
		_ = json.Unmarshal([]byte(*topics), &p.Topics)
	}
	return p, nil
}

func (s *Store) SaveProfile(ctx context.Context, profile orion.UserProfile) error {
	facts, _ := json.Marshal(profile.Facts)
	opinions, _ := json.Marshal(profile.Opinions)
	topics, _ := json.Marshal(profile.Topics)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (user_id, facts, opinions, topics, updated_at)
		 VALUES ($1, $2::jsonb, $3::jsonb, $4::jsonb, $5)
		 ON CONFLICT (user_id) DO UPDATE SET
		   facts = EXCLUDED.facts,
		   opinions = EXCLUDED.opinions,
		   topics = EXCLUDED.topics,
		   updated_at = EXCLUDED.updated_at`,
		profile.UserID, string(facts), string(opinions), string(topics), profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save profile: %w", err)
	}
	return nil
}

// --- Device tokens and pairing ---

func (s *Store) StoreDeviceToken(ctx context.Context, token orion.DeviceToken) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO device_tokens (token_hash, user_id, channel, created_at, last_used, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (token_hash) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   channel = EXCLUDED.channel,
		   last_used = EXCLUDED.last_used,
		   revoked_at = EXCLUDED.revoked_at`,
		token.TokenHash, token.UserID, token.Channel, token.CreatedAt, token.LastUsed, token.RevokedAt)
	if err != nil {
		return fmt.Errorf("postgres: store device token: %w", err)
	}
	return nil
}

func (s *Store) GetDeviceToken(ctx context.Context, tokenHash string) (orion.DeviceToken, error) {
	var t orion.DeviceToken
	err := s.pool.QueryRow(ctx,
		`SELECT token_hash, user_id, channel, created_at, last_used, revoked_at
		 FROM device_tokens WHERE token_hash = $1`, tokenHash).
		Scan(&t.TokenHash, &t.UserID, &t.Channel, &t.CreatedAt, &t.LastUsed, &t.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orion.DeviceToken{}, orion.ErrNotFound
	}
	if err != nil {
		return orion.DeviceToken{}, fmt.Errorf("postgres: get device token: %w", err)
	}
	return t, nil
}

func (s *Store) TouchDeviceToken(ctx context.Context, tokenHash string, lastUsed int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE device_tokens SET last_used = $1 WHERE token_hash = $2`, lastUsed, tokenHash)
	if err != nil {
		return fmt.Errorf("postgres: touch device token: %w", err)
	}
	return nil
}

func (s *Store) RevokeDeviceToken(ctx context.Context, tokenHash string, revokedAt int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE device_tokens SET revoked_at = $1 WHERE token_hash = $2`, revokedAt, tokenHash)
	if err != nil {
		return fmt.Errorf("postgres: revoke device token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return orion.ErrNotFound
	}
	return nil
}

func (s *Store) StorePairingSession(ctx context.Context, session orion.PairingSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pairing_sessions (code, user_id, channel, expires_at, used)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (code) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   channel = EXCLUDED.channel,
		   expires_at = EXCLUDED.expires_at,
		   used = EXCLUDED.used`,
		session.Code, session.UserID, session.Channel, session.ExpiresAt, session.Used)
	if err != nil {
		return fmt.Errorf("postgres: store pairing session: %w", err)
	}
	return nil
}

// ConsumePairingSession atomically marks the code used and returns the
// session. The guarded UPDATE ... RETURNING makes a second consume of
// the same code fail even under concurrency.
func (s *Store) ConsumePairingSession(ctx context.Context, code string) (orion.PairingSession, error) {
	var p orion.PairingSession
	err := s.pool.QueryRow(ctx,
		`UPDATE pairing_sessions SET used = TRUE
		 WHERE code = $1 AND used = FALSE
		 RETURNING code, user_id, channel, expires_at, used`, code).
		Scan(&p.Code, &p.UserID, &p.Channel, &p.ExpiresAt, &p.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return orion.PairingSession{}, fmt.Errorf("pairing code %s: %w", code, orion.ErrNotFound)
	}
	if err != nil {
		return orion.PairingSession{}, fmt.Errorf("postgres: consume pairing session: %w", err)
	}
	return p, nil
}

// --- Usage ---

// StoreUsageBatch inserts all events in a single transaction.
func (s *Store) StoreUsageBatch(ctx context.Context, events []orion.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, e := range events {
		if _, err := tx.Exec(ctx,
			`INSERT INTO usage_events (id, user_id, provider, model, input_tokens, output_tokens, latency_ms, cost_usd, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO NOTHING`,
			e.ID, e.UserID, e.Provider, e.Model, e.InputTokens, e.OutputTokens,
			e.LatencyMS, e.CostUSD, e.CreatedAt); err != nil {
			return fmt.Errorf("postgres: insert usage event: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetUsageSummary(ctx context.Context, userID string, days int) (orion.UsageSummary, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	sum := orion.UsageSummary{UserID: userID, Days: days}
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_events WHERE user_id = $1 AND created_at >= $2`,
		userID, cutoff).Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD)
	if err != nil {
		return orion.UsageSummary{}, fmt.Errorf("postgres: usage summary: %w", err)
	}
	return sum, nil
}

// --- helpers ---

// serializeVector converts []float32 to pgvector's text form: [1,2,3].
func serializeVector(vector []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vector {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}

// deserializeVector parses pgvector's text form back to []float32.
func deserializeVector(s string) []float32 {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		var v float32
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &v); err != nil {
			return nil
		}
		out = append(out, v)
	}
	return out
}
