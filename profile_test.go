package orion

import (
	"context"
	"testing"
)

func TestNormalizeFactKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Favorite Color", "favorite_color"},
		{"  home-city  ", "home_city"},
		{"works_at", "works_at"},
		{"Dog's Name!", "dog_s_name"},
	}
	for _, tt := range tests {
		if got := normalizeFactKey(tt.in); got != tt.want {
			t.Errorf("normalizeFactKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMergeProfileHigherConfidenceWins(t *testing.T) {
	current := UserProfile{
		UserID: "u1",
		Facts:  []ProfileFact{{Key: "home_city", Value: "Lyon", Confidence: 0.6}},
	}

	merged := MergeProfile(current, []ProfileFact{
		{Key: "Home City", Value: "Paris", Confidence: 0.9},
	}, nil, nil)
	if len(merged.Facts) != 1 {
		t.Fatalf("got %d facts, want 1", len(merged.Facts))
	}
	if merged.Facts[0].Value != "Paris" {
		t.Errorf("value = %q, want higher-confidence Paris", merged.Facts[0].Value)
	}

	// A weaker signal must not displace the stored value.
	merged = MergeProfile(merged, []ProfileFact{
		{Key: "home_city", Value: "Nice", Confidence: 0.3},
	}, nil, nil)
	if merged.Facts[0].Value != "Paris" {
		t.Errorf("value = %q, low-confidence update must not win", merged.Facts[0].Value)
	}
}

func TestMergeProfileAveragesOpinions(t *testing.T) {
	current := UserProfile{
		UserID:   "u1",
		Opinions: []ProfileOpinion{{Belief: "remote work", Sentiment: 1}},
	}
	merged := MergeProfile(current, nil, []ProfileOpinion{
		{Belief: "Remote Work", Sentiment: 0},
	}, nil)
	if len(merged.Opinions) != 1 {
		t.Fatalf("got %d opinions, want 1", len(merged.Opinions))
	}
	if merged.Opinions[0].Sentiment != 0.5 {
		t.Errorf("sentiment = %v, want averaged 0.5", merged.Opinions[0].Sentiment)
	}
}

func TestMergeProfileDedupesTopics(t *testing.T) {
	current := UserProfile{UserID: "u1", Topics: []string{"Cycling"}}
	merged := MergeProfile(current, nil, nil, []string{"cycling", "gardening", ""})
	if len(merged.Topics) != 2 {
		t.Fatalf("topics = %v, want [Cycling gardening]", merged.Topics)
	}
}

func TestExtractAndMergeSkipsUnparseable(t *testing.T) {
	store := newMemStore()
	eng := &fakeEngine{name: "fast", provider: "p", available: true, response: "sorry, no json here"}
	p := NewProfileExtractor(store, newFastOrchestrator(t, eng), nil)

	if err := p.ExtractAndMerge(context.Background(), "u1", "hi", "hello"); err != nil {
		t.Fatalf("unparseable output must skip, got %v", err)
	}
	if _, err := store.GetProfile(context.Background(), "u1"); err == nil {
		t.Error("profile saved despite unparseable extraction")
	}
}

func TestExtractAndMergeSavesProfile(t *testing.T) {
	store := newMemStore()
	eng := &fakeEngine{name: "fast", provider: "p", available: true,
		response: `{"facts":[{"key":"Job Title","value":"nurse","confidence":0.8}],"opinions":[],"topics":["night shifts"]}`}
	p := NewProfileExtractor(store, newFastOrchestrator(t, eng), nil)

	if err := p.ExtractAndMerge(context.Background(), "u1", "I work as a nurse", "Noted"); err != nil {
		t.Fatalf("ExtractAndMerge: %v", err)
	}
	prof, err := store.GetProfile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("profile not saved: %v", err)
	}
	if len(prof.Facts) != 1 || prof.Facts[0].Key != "job_title" {
		t.Errorf("facts = %+v, want normalized job_title", prof.Facts)
	}
	if prof.UpdatedAt == 0 {
		t.Error("UpdatedAt not set")
	}
}
