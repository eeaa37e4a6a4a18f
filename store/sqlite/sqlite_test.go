package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/orionhq/orion"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestStoreAndGetMessages(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msgs := []orion.Message{
		{ID: orion.NewID(), UserID: "u1", ChannelID: "cli", Role: "user", Content: "Hello", CreatedAt: 1000},
		{ID: orion.NewID(), UserID: "u1", ChannelID: "cli", Role: "assistant", Content: "Hi!", CreatedAt: 1001},
		{ID: orion.NewID(), UserID: "u1", ChannelID: "cli", Role: "user", Content: "Bye", CreatedAt: 1002},
	}
	for _, m := range msgs {
		if err := s.StoreMessage(ctx, m); err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
	}

	got, err := s.GetMessages(ctx, "u1", "", 10)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3, got %d", len(got))
	}
	if got[0].Content != "Hello" || got[2].Content != "Bye" {
		t.Error("messages not in chronological order")
	}

	// Limit returns the most recent, still chronological.
	got2, _ := s.GetMessages(ctx, "u1", "", 2)
	if len(got2) != 2 || got2[0].Content != "Hi!" {
		t.Errorf("limit 2: expected [Hi!, Bye], got %v", got2)
	}

	// Channel filter.
	other := orion.Message{ID: orion.NewID(), UserID: "u1", ChannelID: "ws", Role: "user", Content: "over ws", CreatedAt: 1003}
	if err := s.StoreMessage(ctx, other); err != nil {
		t.Fatal(err)
	}
	ws, _ := s.GetMessages(ctx, "u1", "ws", 10)
	if len(ws) != 1 || ws[0].Content != "over ws" {
		t.Errorf("channel filter: got %v", ws)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entry := orion.MemoryEntry{
		ID:        orion.NewID(),
		UserID:    "u1",
		Content:   "prefers tea over coffee",
		Vector:    []float32{0.1, 0.2, 0.3},
		CreatedAt: orion.NowUnix(),
		Utility:   0.5,
		QValue:    0.5,
		Metadata:  map[string]string{"intent": "preference"},
	}
	if err := s.StoreMemory(ctx, entry); err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}

	got, err := s.GetMemory(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetMemory: %v", err)
	}
	if got.Content != entry.Content || got.Metadata["intent"] != "preference" {
		t.Errorf("got %+v", got)
	}
	if len(got.Vector) != 3 || got.Vector[2] != 0.3 {
		t.Errorf("vector = %v", got.Vector)
	}

	if _, err := s.GetMemory(ctx, "missing"); !errors.Is(err, orion.ErrNotFound) {
		t.Errorf("missing memory error = %v, want ErrNotFound", err)
	}
}

func TestUpdateMemoryScores(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entry := orion.MemoryEntry{ID: "m1", UserID: "u1", Content: "c", CreatedAt: 1, Utility: 0.5, QValue: 0.5}
	if err := s.StoreMemory(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateMemoryScores(ctx, "m1", 0.7, 0.8, 1, 1); err != nil {
		t.Fatalf("UpdateMemoryScores: %v", err)
	}
	if err := s.UpdateMemoryScores(ctx, "m1", 0.7, 0.8, 1, 0); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetMemory(ctx, "m1")
	if got.Utility != 0.7 || got.QValue != 0.8 {
		t.Errorf("scores = %v / %v", got.Utility, got.QValue)
	}
	if got.RetrievalCount != 2 || got.SuccessCount != 1 {
		t.Errorf("counters = %d / %d", got.RetrievalCount, got.SuccessCount)
	}

	if err := s.UpdateMemoryScores(ctx, "missing", 0.5, 0.5, 0, 0); !errors.Is(err, orion.ErrNotFound) {
		t.Errorf("missing update error = %v", err)
	}
}

func TestVectorSearch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entries := []orion.MemoryEntry{
		{ID: "close", UserID: "u1", Content: "a", Vector: []float32{1, 0, 0}, CreatedAt: 1},
		{ID: "far", UserID: "u1", Content: "b", Vector: []float32{0, 1, 0}, CreatedAt: 2},
		{ID: "mid", UserID: "u1", Content: "c", Vector: []float32{0.7, 0.7, 0}, CreatedAt: 3},
		{ID: "other-user", UserID: "u2", Content: "d", Vector: []float32{1, 0, 0}, CreatedAt: 4},
	}
	for _, e := range entries {
		if err := s.StoreMemory(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.VectorSearch(ctx, "u1", []float32{1, 0, 0}, 10, 0.3)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2 (orthogonal and foreign rows excluded)", len(got))
	}
	if got[0].ID != "close" || got[1].ID != "mid" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].Similarity < 0.99 {
		t.Errorf("similarity = %v", got[0].Similarity)
	}

	// k caps the result set.
	one, _ := s.VectorSearch(ctx, "u1", []float32{1, 0, 0}, 1, 0)
	if len(one) != 1 {
		t.Errorf("k=1 returned %d", len(one))
	}
}

func TestVectorDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		e := orion.MemoryEntry{ID: id, UserID: "u1", Content: id, Vector: []float32{1}, CreatedAt: 1}
		if err := s.StoreMemory(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Delete(ctx, []string{"a", "c"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ := s.VectorSearch(ctx, "u1", []float32{1}, 10, 0)
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("after delete: %v", got)
	}
}

func TestKeywordSearch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entries := []orion.MemoryEntry{
		{ID: "m1", UserID: "u1", Content: "the quarterly budget review is friday", CreatedAt: 1},
		{ID: "m2", UserID: "u1", Content: "remember to water the plants", CreatedAt: 2},
		{ID: "m3", UserID: "u2", Content: "budget for the trip", CreatedAt: 3},
	}
	for _, e := range entries {
		if err := s.StoreMemory(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.KeywordSearch(ctx, "u1", "budget", 10)
	if err != nil {
		t.Fatalf("KeywordSearch: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("got %v, want only u1's budget memory", got)
	}

	// Quoted terms keep FTS syntax out of user input.
	if _, err := s.KeywordSearch(ctx, "u1", `budget OR "`, 10); err != nil {
		t.Errorf("query with FTS metacharacters: %v", err)
	}
}

func TestTemporalNodes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		n := orion.TemporalNode{
			ID: fmt.Sprintf("t%d", i), UserID: "u1", Content: fmt.Sprintf("obs %d", i),
			Level: 0, ValidFrom: int64(100 + i),
		}
		if err := s.StoreTemporalNode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	count, err := s.CountTemporalNodes(ctx, "u1", 0)
	if err != nil || count != 4 {
		t.Fatalf("count = %d (%v), want 4", count, err)
	}

	live, _ := s.GetTemporalNodes(ctx, "u1", 0, 10)
	if len(live) != 4 || live[0].ID != "t0" {
		t.Fatalf("live = %v, want oldest first", live)
	}

	if err := s.SupersedeTemporalNodes(ctx, []string{"t0", "t1"}, 500); err != nil {
		t.Fatalf("SupersedeTemporalNodes: %v", err)
	}
	live, _ = s.GetTemporalNodes(ctx, "u1", 0, 10)
	if len(live) != 2 || live[0].ID != "t2" {
		t.Errorf("after supersede: %v", live)
	}
	count, _ = s.CountTemporalNodes(ctx, "u1", 0)
	if count != 2 {
		t.Errorf("count after supersede = %d", count)
	}
}

func TestCausalEdgeMerge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	node := orion.CausalNode{ID: "n1", UserID: "u1", Label: "late night work", CreatedAt: 1}
	if err := s.UpsertCausalNode(ctx, node); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertCausalNode(ctx, orion.CausalNode{ID: "n2", UserID: "u1", Label: "tired morning", CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}

	edge := orion.CausalEdge{ID: "e1", UserID: "u1", FromID: "n1", ToID: "n2", Strength: 0.4, Evidence: 1}
	for i := 0; i < 3; i++ {
		if err := s.UpsertCausalEdge(ctx, edge); err != nil {
			t.Fatalf("UpsertCausalEdge: %v", err)
		}
	}

	edges, err := s.GetCausalEdges(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("GetCausalEdges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("edges = %v", edges)
	}
	if edges[0].Evidence != 3 {
		t.Errorf("evidence = %d, want 3", edges[0].Evidence)
	}
	if edges[0].Strength > 1.0 {
		t.Errorf("strength = %v, not clamped", edges[0].Strength)
	}

	nodes, _ := s.GetCausalNodes(ctx, "u1", []string{"n1", "n2"})
	if len(nodes) != 2 {
		t.Errorf("nodes = %v", nodes)
	}
}

func TestHyperEdgeMembership(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	bad := orion.HyperEdge{ID: "h1", UserID: "u1", Label: "solo", Members: []string{"n1"}}
	if err := s.StoreHyperEdge(ctx, bad); err == nil {
		t.Error("single-member hyper edge accepted")
	}
	good := orion.HyperEdge{ID: "h2", UserID: "u1", Label: "pair", Members: []string{"n1", "n2"}}
	if err := s.StoreHyperEdge(ctx, good); err != nil {
		t.Errorf("StoreHyperEdge: %v", err)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.GetProfile(ctx, "u1"); !errors.Is(err, orion.ErrNotFound) {
		t.Fatalf("missing profile error = %v", err)
	}

	p := orion.UserProfile{
		UserID: "u1",
		Facts:  []orion.ProfileFact{{Key: "job_title", Value: "engineer", Confidence: 0.9}},
		Opinions: []orion.ProfileOpinion{
			{Belief: "meetings should be short", Sentiment: 0.8},
		},
		Topics:    []string{"cycling"},
		UpdatedAt: 42,
	}
	if err := s.SaveProfile(ctx, p); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	got, err := s.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if len(got.Facts) != 1 || got.Facts[0].Key != "job_title" {
		t.Errorf("facts = %v", got.Facts)
	}
	if len(got.Opinions) != 1 || got.Opinions[0].Sentiment != 0.8 {
		t.Errorf("opinions = %v", got.Opinions)
	}
	if len(got.Topics) != 1 || got.UpdatedAt != 42 {
		t.Errorf("profile = %+v", got)
	}
}

func TestDeviceTokenLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tok := orion.DeviceToken{TokenHash: "hash1", UserID: "u1", Channel: "ws", CreatedAt: 10}
	if err := s.StoreDeviceToken(ctx, tok); err != nil {
		t.Fatalf("StoreDeviceToken: %v", err)
	}

	got, err := s.GetDeviceToken(ctx, "hash1")
	if err != nil || got.UserID != "u1" {
		t.Fatalf("GetDeviceToken: %+v, %v", got, err)
	}
	if got.RevokedAt != nil {
		t.Error("fresh token already revoked")
	}

	if err := s.TouchDeviceToken(ctx, "hash1", 99); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetDeviceToken(ctx, "hash1")
	if got.LastUsed != 99 {
		t.Errorf("last used = %d", got.LastUsed)
	}

	if err := s.RevokeDeviceToken(ctx, "hash1", 100); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetDeviceToken(ctx, "hash1")
	if got.RevokedAt == nil || *got.RevokedAt != 100 {
		t.Errorf("revoked at = %v", got.RevokedAt)
	}

	if err := s.RevokeDeviceToken(ctx, "missing", 100); !errors.Is(err, orion.ErrNotFound) {
		t.Errorf("revoke missing = %v", err)
	}
}

func TestConsumePairingSessionSingleUse(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sess := orion.PairingSession{Code: "123456", UserID: "u1", Channel: "ws", ExpiresAt: orion.NowUnix() + 300}
	if err := s.StorePairingSession(ctx, sess); err != nil {
		t.Fatalf("StorePairingSession: %v", err)
	}

	got, err := s.ConsumePairingSession(ctx, "123456")
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if got.UserID != "u1" || !got.Used {
		t.Errorf("consumed session = %+v", got)
	}

	if _, err := s.ConsumePairingSession(ctx, "123456"); err == nil {
		t.Fatal("second consume succeeded")
	}
}

func TestConsumePairingSessionConcurrent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.StorePairingSession(ctx, orion.PairingSession{
		Code: "654321", UserID: "u1", Channel: "ws", ExpiresAt: orion.NowUnix() + 300,
	}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wins := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumePairingSession(ctx, "654321"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Errorf("%d consumers won the same code, want exactly 1", won)
	}
}

func TestUsageBatchAndSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := orion.NowUnix()
	events := []orion.UsageEvent{
		{ID: "e1", UserID: "u1", Provider: "p", Model: "m", InputTokens: 100, OutputTokens: 50, CostUSD: 0.01, CreatedAt: now},
		{ID: "e2", UserID: "u1", Provider: "p", Model: "m", InputTokens: 200, OutputTokens: 80, CostUSD: 0.02, CreatedAt: now},
		{ID: "e3", UserID: "u1", Provider: "p", Model: "m", InputTokens: 999, OutputTokens: 1, CostUSD: 9, CreatedAt: now - 90*86400},
		{ID: "e4", UserID: "u2", Provider: "p", Model: "m", InputTokens: 5, OutputTokens: 5, CostUSD: 0.5, CreatedAt: now},
	}
	if err := s.StoreUsageBatch(ctx, events); err != nil {
		t.Fatalf("StoreUsageBatch: %v", err)
	}

	sum, err := s.GetUsageSummary(ctx, "u1", 7)
	if err != nil {
		t.Fatalf("GetUsageSummary: %v", err)
	}
	if sum.Calls != 2 || sum.InputTokens != 300 || sum.OutputTokens != 130 {
		t.Errorf("summary = %+v, old and foreign events must be excluded", sum)
	}

	empty, err := s.GetUsageSummary(ctx, "nobody", 7)
	if err != nil || empty.Calls != 0 || empty.CostUSD != 0 {
		t.Errorf("empty summary = %+v, %v", empty, err)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("cosineSimilarity = %v, want %v", got, tt.want)
			}
		})
	}
}
