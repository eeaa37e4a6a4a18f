package orion

import "testing"

func TestDetectContext(t *testing.T) {
	tests := []struct {
		name string
		text string
		want DynamicContext
	}{
		{
			"neutral default",
			"can you summarize this article",
			DynamicContext{Mood: "neutral", Expertise: "general", Urgency: "normal"},
		},
		{
			"urgent and frustrated",
			"this is urgent, the deploy is broken and I'm fed up",
			DynamicContext{Mood: "frustrated", Expertise: "general", Urgency: "high"},
		},
		{
			"frustration beats politeness",
			"thanks but it still doesn't work",
			DynamicContext{Mood: "frustrated", Expertise: "general", Urgency: "normal"},
		},
		{
			"expert signals",
			"I suspect a race condition around the mutex in the worker",
			DynamicContext{Mood: "neutral", Expertise: "expert", Urgency: "normal"},
		},
		{
			"beginner signals",
			"what is a goroutine? I'm new to this",
			DynamicContext{Mood: "neutral", Expertise: "beginner", Urgency: "normal"},
		},
		{
			"double bang urgency",
			"need this fixed!!",
			DynamicContext{Mood: "neutral", Expertise: "general", Urgency: "high"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectContext(tt.text, UserProfile{})
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDetectContextProfileTopic(t *testing.T) {
	profile := UserProfile{Topics: []string{"Gardening", "Cycling"}}
	dc := DetectContext("my cycling route needs planning", profile)
	if dc.Topic != "Cycling" {
		t.Errorf("topic = %q, want Cycling", dc.Topic)
	}
}

func TestDetectContextDeterministic(t *testing.T) {
	text := "urgent: the benchmark regression is back"
	a := DetectContext(text, UserProfile{})
	b := DetectContext(text, UserProfile{})
	if a != b {
		t.Error("same input produced different contexts")
	}
}
