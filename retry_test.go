package orion

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryTransientThenSuccess(t *testing.T) {
	attempts := 0
	inner := &fakeEngine{name: "e", provider: "p", available: true}
	inner.generate = func(GenerateRequest) (string, error) {
		attempts++
		if attempts < 3 {
			return "", &ErrHTTP{Status: 429, Body: "slow down"}
		}
		return "ok", nil
	}
	eng := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	out, err := eng.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "ok" || attempts != 3 {
		t.Errorf("out = %q after %d attempts", out, attempts)
	}
}

func TestRetryNonTransientFailsFast(t *testing.T) {
	inner := &fakeEngine{name: "e", provider: "p", available: true}
	inner.err = &ErrHTTP{Status: 401, Body: "bad key"}
	eng := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	_, err := eng.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 401 {
		t.Fatalf("err = %v, want 401 passthrough", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 401)", inner.calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	inner := &fakeEngine{name: "e", provider: "p", available: true}
	inner.err = &ErrHTTP{Status: 503, Body: "down"}
	eng := WithRetry(inner, RetryMaxAttempts(4), RetryBaseDelay(time.Millisecond))

	_, err := eng.Generate(context.Background(), GenerateRequest{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if inner.calls != 4 {
		t.Errorf("calls = %d, want 4", inner.calls)
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	attempts := 0
	inner := &fakeEngine{name: "e", provider: "p", available: true}
	inner.generate = func(GenerateRequest) (string, error) {
		attempts++
		if attempts == 1 {
			return "", &ErrHTTP{Status: 429, RetryAfter: 30 * time.Millisecond}
		}
		return "ok", nil
	}
	eng := WithRetry(inner, RetryBaseDelay(time.Millisecond))

	start := time.Now()
	if _, err := eng.Generate(context.Background(), GenerateRequest{Prompt: "hi"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("retried after %v, Retry-After demanded at least 30ms", elapsed)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	inner := &fakeEngine{name: "e", provider: "p", available: true}
	inner.err = &ErrHTTP{Status: 429}
	eng := WithRetry(inner, RetryBaseDelay(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := eng.Generate(ctx, GenerateRequest{Prompt: "hi"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRetryDelegatesIdentity(t *testing.T) {
	inner := &fakeEngine{name: "claude", provider: "anthropic", model: "m", available: true}
	eng := WithRetry(inner)
	if eng.Name() != "claude" || eng.Provider() != "anthropic" || eng.DefaultModel() != "m" {
		t.Errorf("identity not delegated: %s/%s/%s", eng.Name(), eng.Provider(), eng.DefaultModel())
	}
	if !eng.IsAvailable(context.Background()) {
		t.Error("availability not delegated")
	}
}

type countingEmbedder struct {
	calls int
	fail  int
	vecs  [][]float32
}

func (c *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.calls++
	if c.calls <= c.fail {
		return nil, &ErrHTTP{Status: 503}
	}
	return c.vecs, nil
}

func TestEmbeddingRetry(t *testing.T) {
	inner := &countingEmbedder{fail: 2, vecs: [][]float32{{1, 2}}}
	emb := WithEmbeddingRetry(inner, RetryBaseDelay(time.Millisecond))

	got, err := emb.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(got) != 1 || inner.calls != 3 {
		t.Errorf("vectors = %d, calls = %d", len(got), inner.calls)
	}
}
