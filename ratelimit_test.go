package orion

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRateLimitRPMBlocks(t *testing.T) {
	inner := &fakeEngine{name: "e", provider: "p", available: true, response: "ok"}
	eng := WithRateLimit(inner, RPM(2))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := eng.Generate(ctx, GenerateRequest{Prompt: "hi"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	// Third call must block past the window; a short deadline surfaces it.
	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err := eng.Generate(shortCtx, GenerateRequest{Prompt: "hi"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded while budget blocked", err)
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2", inner.calls)
	}
}

func TestRateLimitTPMSoftLimit(t *testing.T) {
	// ~100 tokens per call at 4 chars/token.
	big := make([]byte, 400)
	for i := range big {
		big[i] = 'x'
	}
	inner := &fakeEngine{name: "e", provider: "p", available: true, response: "ok"}
	eng := WithRateLimit(inner, TPM(80))

	ctx := context.Background()
	// First call exceeds nothing up front (soft limit) and records usage.
	if _, err := eng.Generate(ctx, GenerateRequest{Prompt: string(big)}); err != nil {
		t.Fatalf("first call: %v", err)
	}

	// Budget is now spent; the next call blocks.
	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err := eng.Generate(shortCtx, GenerateRequest{Prompt: "hi"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded after TPM spend", err)
	}
}

func TestRateLimitUnlimitedByDefault(t *testing.T) {
	inner := &fakeEngine{name: "e", provider: "p", available: true, response: "ok"}
	eng := WithRateLimit(inner)

	for i := 0; i < 50; i++ {
		if _, err := eng.Generate(context.Background(), GenerateRequest{Prompt: "hi"}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if inner.calls != 50 {
		t.Errorf("inner calls = %d, want 50", inner.calls)
	}
}

func TestRateLimitErrorDoesNotSpendTPM(t *testing.T) {
	inner := &fakeEngine{name: "e", provider: "p", available: true}
	inner.err = errors.New("boom")
	eng := WithRateLimit(inner, TPM(10))

	// Failed calls record no usage, so the budget stays open.
	for i := 0; i < 3; i++ {
		if _, err := eng.Generate(context.Background(), GenerateRequest{Prompt: "aaaaaaaaaaaaaaaa"}); err == nil {
			t.Fatal("expected inner error")
		}
	}
	if inner.calls != 3 {
		t.Errorf("inner calls = %d, want 3", inner.calls)
	}
}

func TestRateLimitDelegatesIdentity(t *testing.T) {
	inner := &fakeEngine{name: "local", provider: "ollama", model: "llama3.2", available: true}
	eng := WithRateLimit(inner, RPM(1))
	if eng.Name() != "local" || eng.Provider() != "ollama" || eng.DefaultModel() != "llama3.2" {
		t.Errorf("identity not delegated: %s/%s/%s", eng.Name(), eng.Provider(), eng.DefaultModel())
	}
}
