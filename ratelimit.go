package orion

import (
	"context"
	"sync"
	"time"
)

// rateLimitEngine wraps an Engine with proactive rate limiting.
// Requests are blocked until the rate budget allows them to proceed.
type rateLimitEngine struct {
	inner Engine
	mu    sync.Mutex

	// RPM state: sliding window of request timestamps.
	rpm       int
	rpmWindow []time.Time

	// TPM state: sliding window of (timestamp, tokenCount) pairs.
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitEngine.
type RateLimitOption func(*rateLimitEngine)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitEngine) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined).
// Engines return only text, so counts are approximated from prompt and
// completion sizes. This is a soft limit: the request that exceeds the
// budget completes, but subsequent requests block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitEngine) { r.tpm = n }
}

// WithRateLimit wraps e with proactive rate limiting. Compose with other wrappers:
//
//	eng = orion.WithRateLimit(engine, orion.RPM(60))
//	eng = orion.WithRateLimit(engine, orion.RPM(60), orion.TPM(100000))
//	eng = orion.WithRateLimit(orion.WithRetry(engine), orion.RPM(60))
func WithRateLimit(e Engine, opts ...RateLimitOption) Engine {
	r := &rateLimitEngine{inner: e}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitEngine) Name() string         { return r.inner.Name() }
func (r *rateLimitEngine) Provider() string     { return r.inner.Provider() }
func (r *rateLimitEngine) DefaultModel() string { return r.inner.DefaultModel() }

func (r *rateLimitEngine) IsAvailable(ctx context.Context) bool {
	return r.inner.IsAvailable(ctx)
}

func (r *rateLimitEngine) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return "", err
	}
	out, err := r.inner.Generate(ctx, req)
	if err == nil {
		r.recordUsage(approxTokens(req.Prompt) + approxTokens(req.Context) +
			approxTokens(req.SystemPrompt) + approxTokens(out))
	}
	return out, err
}

// waitForBudget blocks until both RPM and TPM budgets allow a request.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitEngine) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		// Prune expired entries.
		r.rpmWindow = pruneTime(r.rpmWindow, cutoff)
		r.tpmWindow = pruneTpm(r.tpmWindow, cutoff)

		rpmOK := r.rpm <= 0 || len(r.rpmWindow) < r.rpm

		tpmOK := true
		if r.tpm > 0 {
			var total int
			for _, e := range r.tpmWindow {
				total += e.tokens
			}
			tpmOK = total < r.tpm
		}

		if rpmOK && tpmOK {
			// Record this request in the RPM window.
			if r.rpm > 0 {
				r.rpmWindow = append(r.rpmWindow, now)
			}
			r.mu.Unlock()
			return nil
		}

		// Wait until the oldest entry in the blocking window expires.
		var wait time.Duration
		if !rpmOK && len(r.rpmWindow) > 0 {
			wait = r.rpmWindow[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(r.tpmWindow) > 0 {
			w := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordUsage adds token counts to the TPM sliding window.
func (r *rateLimitEngine) recordUsage(total int) {
	if r.tpm <= 0 || total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

// approxTokens estimates token count from text length at ~4 chars/token.
func approxTokens(s string) int {
	return len(s) / 4
}

// pruneTime removes entries older than cutoff from a sorted time slice.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// pruneTpm removes entries older than cutoff from a sorted tpmEntry slice.
func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ Engine = (*rateLimitEngine)(nil)
