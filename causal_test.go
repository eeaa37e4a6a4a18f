package orion

import (
	"context"
	"strings"
	"testing"
)

func TestObserveAccumulatesEvidence(t *testing.T) {
	store := newMemStore()
	g := NewCausalGraph(store, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := g.Observe(ctx, "u1", "skips lunch", "afternoon headache", 0.4); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}

	edges, err := store.GetCausalEdges(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(edges) != 1 {
		t.Fatalf("got %d edges, want 1 merged edge", len(edges))
	}
	if edges[0].Evidence != 3 {
		t.Errorf("evidence = %d, want 3", edges[0].Evidence)
	}
	if edges[0].Strength != 1 {
		t.Errorf("strength = %v, want accumulated to clamp at 1", edges[0].Strength)
	}
}

func TestObserveRejectsEmptyLabels(t *testing.T) {
	g := NewCausalGraph(newMemStore(), nil)
	if err := g.Observe(context.Background(), "u1", "", "effect", 0.5); err == nil {
		t.Fatal("expected error for empty cause")
	}
}

func TestCausalNodeIDStablePerUser(t *testing.T) {
	a := causalNodeID("u1", "late nights")
	b := causalNodeID("u1", "late nights")
	other := causalNodeID("u2", "late nights")
	if a != b {
		t.Error("same user and label produced different IDs")
	}
	if a == other {
		t.Error("different users share a node ID")
	}
}

func TestGroupRequiresTwoMembers(t *testing.T) {
	g := NewCausalGraph(newMemStore(), nil)
	if err := g.Group(context.Background(), "u1", "morning routine", []string{"coffee"}); err == nil {
		t.Fatal("expected error for single-member hyper-edge")
	}
	if err := g.Group(context.Background(), "u1", "morning routine", []string{"coffee", "run"}); err != nil {
		t.Fatalf("Group: %v", err)
	}
}

func TestSummariesStrongestFirst(t *testing.T) {
	store := newMemStore()
	g := NewCausalGraph(store, nil)
	ctx := context.Background()

	if err := g.Observe(ctx, "u1", "weak cause", "weak effect", 0.1); err != nil {
		t.Fatal(err)
	}
	if err := g.Observe(ctx, "u1", "strong cause", "strong effect", 0.9); err != nil {
		t.Fatal(err)
	}

	out, err := g.Summaries(ctx, "u1", 5)
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d summaries, want 2", len(out))
	}
	if !strings.Contains(out[0], "strong cause") {
		t.Errorf("strongest edge not first: %v", out)
	}
	if !strings.Contains(out[0], "seen 1 times") {
		t.Errorf("summary missing evidence count: %q", out[0])
	}
}

func TestSummariesEmptyGraph(t *testing.T) {
	g := NewCausalGraph(newMemStore(), nil)
	out, err := g.Summaries(context.Background(), "u1", 5)
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	if out != nil {
		t.Errorf("got %v, want nil for empty graph", out)
	}
}
