package orion

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu        sync.Mutex
	messages  []Message
	memories  map[string]MemoryEntry
	temporal  map[string]TemporalNode
	causalN   map[string]CausalNode
	causalE   map[string]CausalEdge
	hyper     map[string]HyperEdge
	profiles  map[string]UserProfile
	tokens    map[string]DeviceToken
	pairings  map[string]PairingSession
	usage     []UsageEvent
	failUsage bool // next StoreUsageBatch fails once
}

func newMemStore() *memStore {
	return &memStore{
		memories: make(map[string]MemoryEntry),
		temporal: make(map[string]TemporalNode),
		causalN:  make(map[string]CausalNode),
		causalE:  make(map[string]CausalEdge),
		hyper:    make(map[string]HyperEdge),
		profiles: make(map[string]UserProfile),
		tokens:   make(map[string]DeviceToken),
		pairings: make(map[string]PairingSession),
	}
}

func (s *memStore) StoreMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *memStore) GetMessages(_ context.Context, userID, channelID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[i]
		if m.UserID == userID && (channelID == "" || m.ChannelID == channelID) {
			out = append(out, m)
		}
	}
	// newest-last for prompt assembly
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *memStore) StoreMemory(_ context.Context, entry MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[entry.ID] = entry
	return nil
}

func (s *memStore) GetMemory(_ context.Context, id string) (MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.memories[id]
	if !ok {
		return MemoryEntry{}, fmt.Errorf("memory %s not found", id)
	}
	return e, nil
}

func (s *memStore) UpdateMemoryScores(_ context.Context, id string, utility, qValue float64, retrievalDelta, successDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.memories[id]
	if !ok {
		return fmt.Errorf("memory %s not found", id)
	}
	e.Utility = utility
	e.QValue = qValue
	e.RetrievalCount += retrievalDelta
	e.SuccessCount += successDelta
	s.memories[id] = e
	return nil
}

func (s *memStore) StoreTemporalNode(_ context.Context, node TemporalNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temporal[node.ID] = node
	return nil
}

func (s *memStore) GetTemporalNodes(_ context.Context, userID string, level, limit int) ([]TemporalNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TemporalNode
	for _, n := range s.temporal {
		if n.UserID == userID && n.Level == level && n.ValidUntil == nil {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidFrom < out[j].ValidFrom })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SupersedeTemporalNodes(_ context.Context, ids []string, validUntil int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if n, ok := s.temporal[id]; ok {
			until := validUntil
			n.ValidUntil = &until
			s.temporal[id] = n
		}
	}
	return nil
}

func (s *memStore) CountTemporalNodes(_ context.Context, userID string, level int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.temporal {
		if n.UserID == userID && n.Level == level && n.ValidUntil == nil {
			count++
		}
	}
	return count, nil
}

func (s *memStore) UpsertCausalNode(_ context.Context, node CausalNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.causalN[node.ID] = node
	return nil
}

func (s *memStore) UpsertCausalEdge(_ context.Context, edge CausalEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.causalE[edge.ID]; ok {
		existing.Strength += edge.Strength
		if existing.Strength > 1 {
			existing.Strength = 1
		}
		existing.Evidence += edge.Evidence
		s.causalE[edge.ID] = existing
		return nil
	}
	s.causalE[edge.ID] = edge
	return nil
}

func (s *memStore) StoreHyperEdge(_ context.Context, edge HyperEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hyper[edge.ID] = edge
	return nil
}

func (s *memStore) GetCausalEdges(_ context.Context, userID string, limit int) ([]CausalEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CausalEdge
	for _, e := range s.causalE {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetCausalNodes(_ context.Context, userID string, ids []string) ([]CausalNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CausalNode
	for _, id := range ids {
		if n, ok := s.causalN[id]; ok && n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *memStore) GetProfile(_ context.Context, userID string) (UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return UserProfile{}, fmt.Errorf("profile %s not found", userID)
	}
	return p, nil
}

func (s *memStore) SaveProfile(_ context.Context, profile UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.UserID] = profile
	return nil
}

func (s *memStore) StoreDeviceToken(_ context.Context, token DeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.TokenHash] = token
	return nil
}

func (s *memStore) GetDeviceToken(_ context.Context, tokenHash string) (DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenHash]
	if !ok {
		return DeviceToken{}, fmt.Errorf("token not found")
	}
	return t, nil
}

func (s *memStore) TouchDeviceToken(_ context.Context, tokenHash string, lastUsed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[tokenHash]; ok {
		t.LastUsed = lastUsed
		s.tokens[tokenHash] = t
	}
	return nil
}

func (s *memStore) RevokeDeviceToken(_ context.Context, tokenHash string, revokedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[tokenHash]; ok {
		t.RevokedAt = &revokedAt
		s.tokens[tokenHash] = t
	}
	return nil
}

func (s *memStore) StorePairingSession(_ context.Context, session PairingSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairings[session.Code] = session
	return nil
}

func (s *memStore) ConsumePairingSession(_ context.Context, code string) (PairingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairings[code]
	if !ok || p.Used {
		return PairingSession{}, fmt.Errorf("pairing code invalid")
	}
	p.Used = true
	s.pairings[code] = p
	return p, nil
}

func (s *memStore) StoreUsageBatch(_ context.Context, events []UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUsage {
		s.failUsage = false
		return fmt.Errorf("usage store unavailable")
	}
	s.usage = append(s.usage, events...)
	return nil
}

func (s *memStore) GetUsageSummary(_ context.Context, userID string, days int) (UsageSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := UsageSummary{UserID: userID, Days: days}
	for _, e := range s.usage {
		if e.UserID != userID {
			continue
		}
		sum.Calls++
		sum.InputTokens += e.InputTokens
		sum.OutputTokens += e.OutputTokens
		sum.CostUSD += e.CostUSD
	}
	return sum, nil
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

var _ Store = (*memStore)(nil)

// memIndex is an in-memory VectorIndex doing brute-force cosine search.
type memIndex struct {
	mu      sync.Mutex
	entries map[string]MemoryEntry
}

func newMemIndex() *memIndex {
	return &memIndex{entries: make(map[string]MemoryEntry)}
}

func (ix *memIndex) Upsert(_ context.Context, entry MemoryEntry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries[entry.ID] = entry
	return nil
}

func (ix *memIndex) VectorSearch(_ context.Context, userID string, vector []float32, k int, minSim float64) ([]ScoredMemory, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []ScoredMemory
	for _, e := range ix.entries {
		if e.UserID != userID {
			continue
		}
		sim := cosineSimilarity(vector, e.Vector)
		if sim < minSim {
			continue
		}
		out = append(out, ScoredMemory{MemoryEntry: e, Similarity: sim})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (ix *memIndex) Delete(_ context.Context, ids []string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, id := range ids {
		delete(ix.entries, id)
	}
	return nil
}

var _ VectorIndex = (*memIndex)(nil)
