// Package sqlite implements orion.Store and orion.VectorIndex using
// pure-Go SQLite with in-process brute-force vector search. Zero CGO
// required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/orionhq/orion"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements orion.Store backed by a local SQLite file. Vectors
// are stored as JSON text and similarity search is done in-process
// using brute-force cosine similarity, so the same struct also serves
// as the orion.VectorIndex.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ orion.Store = (*Store)(nil)
var _ orion.VectorIndex = (*Store)(nil)
var _ orion.KeywordSearcher = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers opening independent
// connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			vector TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			utility_score REAL NOT NULL DEFAULT 0.5,
			q_value REAL NOT NULL DEFAULT 0.5,
			retrieval_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS temporal_nodes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			level INTEGER NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			valid_from INTEGER NOT NULL,
			valid_until INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS causal_nodes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			label TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS causal_edges (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			strength REAL NOT NULL,
			evidence INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hyper_edges (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			label TEXT NOT NULL,
			members TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			facts TEXT,
			opinions TEXT,
			topics TEXT,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS device_tokens (
			token_hash TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_used INTEGER NOT NULL DEFAULT 0,
			revoked_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS pairing_sessions (
			code TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			used INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS usage_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			latency_ms INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_temporal_user ON temporal_nodes(user_id, level, valid_until)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_causal_edges_user ON causal_edges(user_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_events(user_id, created_at)`)

	// FTS5 full-text index for keyword search over memories.
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(memory_id UNINDEXED, user_id UNINDEXED, content)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the shared connection for callers that need raw access.
func (s *Store) DB() *sql.DB { return s.db }

// --- Messages ---

// StoreMessage inserts or replaces a message.
func (s *Store) StoreMessage(ctx context.Context, msg orion.Message) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (id, user_id, channel_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.ChannelID, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: store message failed", "id", msg.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store message: %w", err)
	}
	s.logger.Debug("sqlite: store message ok", "id", msg.ID, "duration", time.Since(start))
	return nil
}

// GetMessages returns up to limit most recent messages for the user in
// chronological order. An empty channelID matches all channels.
func (s *Store) GetMessages(ctx context.Context, userID, channelID string, limit int) ([]orion.Message, error) {
	start := time.Now()
	query := `SELECT id, user_id, channel_id, role, content, created_at FROM messages WHERE user_id = ?`
	args := []any{userID}
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: get messages failed", "user", userID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var msgs []orion.Message
	for rows.Next() {
		var m orion.Message
		if err := rows.Scan(&m.ID, &m.UserID, &m.ChannelID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	// Reverse to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	s.logger.Debug("sqlite: get messages ok", "user", userID, "count", len(msgs), "duration", time.Since(start))
	return msgs, rows.Err()
}

// --- Memory entries ---

// StoreMemory inserts or replaces a memory row, keeping the FTS index in
// step.
func (s *Store) StoreMemory(ctx context.Context, entry orion.MemoryEntry) error {
	start := time.Now()
	var metaJSON *string
	if len(entry.Metadata) > 0 {
		data, _ := json.Marshal(entry.Metadata)
		v := string(data)
		metaJSON = &v
	}
	var vecJSON *string
	if len(entry.Vector) > 0 {
		v := serializeVector(entry.Vector)
		vecJSON = &v
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO memories
		 (id, user_id, content, vector, metadata, created_at, utility_score, q_value, retrieval_count, success_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Content, vecJSON, metaJSON, entry.CreatedAt,
		entry.Utility, entry.QValue, entry.RetrievalCount, entry.SuccessCount,
	)
	if err != nil {
		s.logger.Error("sqlite: store memory failed", "id", entry.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store memory: %w", err)
	}

	_, _ = s.db.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, entry.ID)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO memories_fts (memory_id, user_id, content) VALUES (?, ?, ?)`,
		entry.ID, entry.UserID, entry.Content); err != nil {
		s.logger.Warn("sqlite: fts index update failed", "id", entry.ID, "error", err)
	}

	s.logger.Debug("sqlite: store memory ok", "id", entry.ID, "duration", time.Since(start))
	return nil
}

// GetMemory fetches one memory row by ID.
func (s *Store) GetMemory(ctx context.Context, id string) (orion.MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, content, vector, metadata, created_at, utility_score, q_value, retrieval_count, success_count
		 FROM memories WHERE id = ?`, id)
	entry, err := scanMemory(row.Scan)
	if err == sql.ErrNoRows {
		return orion.MemoryEntry{}, fmt.Errorf("memory %s: %w", id, orion.ErrNotFound)
	}
	if err != nil {
		return orion.MemoryEntry{}, fmt.Errorf("get memory: %w", err)
	}
	return entry, nil
}

// UpdateMemoryScores writes new utility and q-value and bumps the
// monotonic counters.
func (s *Store) UpdateMemoryScores(ctx context.Context, id string, utility, qValue float64, retrievalDelta, successDelta int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET utility_score = ?, q_value = ?,
		 retrieval_count = retrieval_count + ?, success_count = success_count + ?
		 WHERE id = ?`,
		utility, qValue, retrievalDelta, successDelta, id)
	if err != nil {
		return fmt.Errorf("update memory scores: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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

// VectorSearch scans the user's rows and ranks them by cosine
// similarity, highest first. Entries below minSim are excluded.
func (s *Store) VectorSearch(ctx context.Context, userID string, vector []float32, k int, minSim float64) ([]orion.ScoredMemory, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, vector, metadata, created_at, utility_score, q_value, retrieval_count, success_count
		 FROM memories WHERE user_id = ? AND vector IS NOT NULL`, userID)
	if err != nil {
		s.logger.Error("sqlite: vector search failed", "user", userID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var scored []orion.ScoredMemory
	for rows.Next() {
		entry, err := scanMemory(rows.Scan)
		if err != nil {
			continue
		}
		sim := float64(cosineSimilarity(vector, entry.Vector))
		if sim < minSim {
			continue
		}
		scored = append(scored, orion.ScoredMemory{MemoryEntry: entry, Similarity: sim})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if len(scored) > k {
		scored = scored[:k]
	}
	s.logger.Debug("sqlite: vector search ok", "user", userID, "count", len(scored), "duration", time.Since(start))
	return scored, rows.Err()
}

// Delete removes memory rows (and their FTS entries) by ID.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := inClause(ids)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete memories: %w", err)
	}
	_, _ = s.db.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id IN (`+placeholders+`)`, args...)
	return nil
}

// KeywordSearch runs an FTS5 match over the user's memories.
func (s *Store) KeywordSearch(ctx context.Context, userID, query string, k int) ([]orion.MemoryEntry, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.user_id, m.content, m.vector, m.metadata, m.created_at,
		        m.utility_score, m.q_value, m.retrieval_count, m.success_count
		 FROM memories_fts JOIN memories m ON m.id = memories_fts.memory_id
		 WHERE memories_fts MATCH ? AND memories_fts.user_id = ?
		 ORDER BY rank LIMIT ?`,
		ftsQuery(query), userID, k)
	if err != nil {
		s.logger.Error("sqlite: keyword search failed", "user", userID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var entries []orion.MemoryEntry
	for rows.Next() {
		entry, err := scanMemory(rows.Scan)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	s.logger.Debug("sqlite: keyword search ok", "user", userID, "count", len(entries), "duration", time.Since(start))
	return entries, rows.Err()
}

// ftsQuery quotes each term so user input cannot inject FTS5 syntax.
func ftsQuery(query string) string {
	var terms []string
	for _, t := range strings.Fields(query) {
		t = strings.ReplaceAll(t, `"`, ``)
		if t != "" {
			terms = append(terms, `"`+t+`"`)
		}
	}
	return strings.Join(terms, " ")
}

// --- Temporal index ---

func (s *Store) StoreTemporalNode(ctx context.Context, node orion.TemporalNode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO temporal_nodes (id, user_id, content, level, category, valid_from, valid_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		node.ID, node.UserID, node.Content, node.Level, node.Category, node.ValidFrom, node.ValidUntil)
	if err != nil {
		return fmt.Errorf("store temporal node: %w", err)
	}
	return nil
}

// GetTemporalNodes returns live nodes at the given level, oldest first.
func (s *Store) GetTemporalNodes(ctx context.Context, userID string, level, limit int) ([]orion.TemporalNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, level, category, valid_from, valid_until
		 FROM temporal_nodes
		 WHERE user_id = ? AND level = ? AND valid_until IS NULL
		 ORDER BY valid_from ASC LIMIT ?`,
		userID, level, limit)
	if err != nil {
		return nil, fmt.Errorf("get temporal nodes: %w", err)
	}
	defer rows.Close()

	var nodes []orion.TemporalNode
	for rows.Next() {
		var n orion.TemporalNode
		if err := rows.Scan(&n.ID, &n.UserID, &n.Content, &n.Level, &n.Category, &n.ValidFrom, &n.ValidUntil); err != nil {
			return nil, fmt.Errorf("scan temporal node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *Store) SupersedeTemporalNodes(ctx context.Context, ids []string, validUntil int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := inClause(ids)
	args = append([]any{validUntil}, args...)
	_, err := s.db.ExecContext(ctx,
		`UPDATE temporal_nodes SET valid_until = ? WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("supersede temporal nodes: %w", err)
	}
	return nil
}

func (s *Store) CountTemporalNodes(ctx context.Context, userID string, level int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM temporal_nodes WHERE user_id = ? AND level = ? AND valid_until IS NULL`,
		userID, level).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count temporal nodes: %w", err)
	}
	return count, nil
}

// --- Causal graph ---

func (s *Store) UpsertCausalNode(ctx context.Context, node orion.CausalNode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO causal_nodes (id, user_id, label, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET label = excluded.label`,
		node.ID, node.UserID, node.Label, node.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert causal node: %w", err)
	}
	return nil
}

// UpsertCausalEdge merges by ID: strength accumulates and is clamped to
// [0, 1], evidence adds.
func (s *Store) UpsertCausalEdge(ctx context.Context, edge orion.CausalEdge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO causal_edges (id, user_id, from_id, to_id, strength, evidence)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   strength = MIN(1.0, causal_edges.strength + excluded.strength),
		   evidence = causal_edges.evidence + excluded.evidence`,
		edge.ID, edge.UserID, edge.FromID, edge.ToID, clamp01(edge.Strength), edge.Evidence)
	if err != nil {
		return fmt.Errorf("upsert causal edge: %w", err)
	}
	return nil
}

func (s *Store) StoreHyperEdge(ctx context.Context, edge orion.HyperEdge) error {
	if len(edge.Members) < 2 {
		return fmt.Errorf("hyper edge %s: need at least 2 members", edge.ID)
	}
	members, _ := json.Marshal(edge.Members)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO hyper_edges (id, user_id, label, members) VALUES (?, ?, ?, ?)`,
		edge.ID, edge.UserID, edge.Label, string(members))
	if err != nil {
		return fmt.Errorf("store hyper edge: %w", err)
	}
	return nil
}

func (s *Store) GetCausalEdges(ctx context.Context, userID string, limit int) ([]orion.CausalEdge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, from_id, to_id, strength, evidence
		 FROM causal_edges WHERE user_id = ? ORDER BY strength DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("get causal edges: %w", err)
	}
	defer rows.Close()

	var edges []orion.CausalEdge
	for rows.Next() {
		var e orion.CausalEdge
		if err := rows.Scan(&e.ID, &e.UserID, &e.FromID, &e.ToID, &e.Strength, &e.Evidence); err != nil {
			return nil, fmt.Errorf("scan causal edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *Store) GetCausalNodes(ctx context.Context, userID string, ids []string) ([]orion.CausalNode, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(ids)
	args = append([]any{userID}, args...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, label, created_at FROM causal_nodes
		 WHERE user_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get causal nodes: %w", err)
	}
	defer rows.Close()

	var nodes []orion.CausalNode
	for rows.Next() {
		var n orion.CausalNode
		if err := rows.Scan(&n.ID, &n.UserID, &n.Label, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan causal node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// --- User profiles ---

func (s *Store) GetProfile(ctx context.Context, userID string) (orion.UserProfile, error) {
	var p orion.UserProfile
	var facts, opinions, topics sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, facts, opinions, topics, updated_at FROM profiles WHERE user_id = ?`,
		userID).Scan(&p.UserID, &facts, &opinions, &topics, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return orion.UserProfile{}, fmt.Errorf("profile %s: %w", userID, orion.ErrNotFound)
	}
	if err != nil {
		return orion.UserProfile{}, fmt.Errorf("get profile: %w", err)
	}
	if facts.Valid {
		_ = json.Unmarshal([]byte(facts.String), &p.Facts)
	}
	if opinions.Valid {
		_ = json.Unmarshal([]byte(opinions.String), &p.Opinions)
	}
	if topics.Valid {
		_ = json.Unmarshal([]byte(topics.String), &p.Topics)
	}
	return p, nil
}

func (s *Store) SaveProfile(ctx context.Context, profile orion.UserProfile) error {
	facts, _ := json.Marshal(profile.Facts)
	opinions, _ := json.Marshal(profile.Opinions)
	topics, _ := json.Marshal(profile.Topics)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO profiles (user_id, facts, opinions, topics, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		profile.UserID, string(facts), string(opinions), string(topics), profile.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// --- Device tokens and pairing ---

func (s *Store) StoreDeviceToken(ctx context.Context, token orion.DeviceToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO device_tokens (token_hash, user_id, channel, created_at, last_used, revoked_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		token.TokenHash, token.UserID, token.Channel, token.CreatedAt, token.LastUsed, token.RevokedAt)
	if err != nil {
		return fmt.Errorf("store device token: %w", err)
	}
	return nil
}

func (s *Store) GetDeviceToken(ctx context.Context, tokenHash string) (orion.DeviceToken, error) {
	var t orion.DeviceToken
	err := s.db.QueryRowContext(ctx,
		`SELECT token_hash, user_id, channel, created_at, last_used, revoked_at
		 FROM device_tokens WHERE token_hash = ?`, tokenHash).
		Scan(&t.TokenHash, &t.UserID, &t.Channel, &t.CreatedAt, &t.LastUsed, &t.RevokedAt)
	if err == sql.ErrNoRows {
		return orion.DeviceToken{}, orion.ErrNotFound
	}
	if err != nil {
		return orion.DeviceToken{}, fmt.Errorf("get device token: %w", err)
	}
	return t, nil
}

func (s *Store) TouchDeviceToken(ctx context.Context, tokenHash string, lastUsed int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE device_tokens SET last_used = ? WHERE token_hash = ?`, lastUsed, tokenHash)
	if err != nil {
		return fmt.Errorf("touch device token: %w", err)
	}
	return nil
}

func (s *Store) RevokeDeviceToken(ctx context.Context, tokenHash string, revokedAt int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_tokens SET revoked_at = ? WHERE token_hash = ?`, revokedAt, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke device token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orion.ErrNotFound
	}
	return nil
}

func (s *Store) StorePairingSession(ctx context.Context, session orion.PairingSession) error {
	used := 0
	if session.Used {
		used = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pairing_sessions (code, user_id, channel, expires_at, used)
		 VALUES (?, ?, ?, ?, ?)`,
		session.Code, session.UserID, session.Channel, session.ExpiresAt, used)
	if err != nil {
		return fmt.Errorf("store pairing session: %w", err)
	}
	return nil
}

// ConsumePairingSession atomically marks the code used and returns the
// session. The guarded UPDATE makes a second consume of the same code
// fail even under concurrency.
func (s *Store) ConsumePairingSession(ctx context.Context, code string) (orion.PairingSession, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pairing_sessions SET used = 1 WHERE code = ? AND used = 0`, code)
	if err != nil {
		return orion.PairingSession{}, fmt.Errorf("consume pairing session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orion.PairingSession{}, fmt.Errorf("pairing code %s: %w", code, orion.ErrNotFound)
	}

	var p orion.PairingSession
	var used int
	err = s.db.QueryRowContext(ctx,
		`SELECT code, user_id, channel, expires_at, used FROM pairing_sessions WHERE code = ?`, code).
		Scan(&p.Code, &p.UserID, &p.Channel, &p.ExpiresAt, &used)
	if err != nil {
		return orion.PairingSession{}, fmt.Errorf("consume pairing session: %w", err)
	}
	p.Used = used == 1
	return p, nil
}

// --- Usage ---

func (s *Store) StoreUsageBatch(ctx context.Context, events []orion.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("usage batch begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO usage_events
		 (id, user_id, provider, model, input_tokens, output_tokens, latency_ms, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("usage batch prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.ID, e.UserID, e.Provider, e.Model,
			e.InputTokens, e.OutputTokens, e.LatencyMS, e.CostUSD, e.CreatedAt); err != nil {
			return fmt.Errorf("usage batch insert: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetUsageSummary(ctx context.Context, userID string, days int) (orion.UsageSummary, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	sum := orion.UsageSummary{UserID: userID, Days: days}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_events WHERE user_id = ? AND created_at >= ?`,
		userID, cutoff).Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD)
	if err != nil {
		return orion.UsageSummary{}, fmt.Errorf("usage summary: %w", err)
	}
	return sum, nil
}

// --- helpers ---

func scanMemory(scan func(...any) error) (orion.MemoryEntry, error) {
	var entry orion.MemoryEntry
	var vec, meta sql.NullString
	err := scan(&entry.ID, &entry.UserID, &entry.Content, &vec, &meta, &entry.CreatedAt,
		&entry.Utility, &entry.QValue, &entry.RetrievalCount, &entry.SuccessCount)
	if err != nil {
		return orion.MemoryEntry{}, err
	}
	if vec.Valid {
		entry.Vector, _ = deserializeVector(vec.String)
	}
	if meta.Valid {
		_ = json.Unmarshal([]byte(meta.String), &entry.Metadata)
	}
	return entry, nil
}

func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}

// serializeVector converts []float32 to a JSON array string.
func serializeVector(vector []float32) string {
	data, _ := json.Marshal(vector)
	return string(data)
}

// deserializeVector parses a JSON array string back to []float32.
func deserializeVector(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
