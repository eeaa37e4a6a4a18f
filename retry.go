package orion

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryEngine wraps an Engine and automatically retries transient HTTP
// errors (status 429 Too Many Requests and 503 Service Unavailable) with
// exponential backoff.
type retryEngine struct {
	inner       Engine
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger  // nil = nopLogger
}

// RetryOption configures a retryEngine.
type RetryOption func(*retryEngine)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryEngine) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt (default: 1s).
// Each subsequent delay doubles: baseDelay, 2×baseDelay, 4×baseDelay, …
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryEngine) { r.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence. If the
// total time across all attempts exceeds this duration, the retry loop gives up
// and returns the last error. The zero value (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryEngine) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. When set, retries
// log at WARN level and final failures after exhausting attempts log at ERROR.
// If not set, a no-op logger is used (no output).
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryEngine) { r.logger = l }
}

// WithRetry wraps e with automatic retry on transient HTTP errors (429, 503).
// Retries use exponential backoff with jitter. When the error includes a
// Retry-After duration (parsed from the HTTP header), the retry delay is at
// least that long. Compose with any Engine:
//
//	eng = orion.WithRetry(gemini.New(apiKey, model))
//	eng = orion.WithRetry(gemini.New(apiKey, model), orion.RetryMaxAttempts(5))
//	eng = orion.WithRetry(gemini.New(apiKey, model), orion.RetryTimeout(30*time.Second))
func WithRetry(e Engine, opts ...RetryOption) Engine {
	r := &retryEngine{
		inner:       e,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

func (r *retryEngine) Name() string         { return r.inner.Name() }
func (r *retryEngine) Provider() string     { return r.inner.Provider() }
func (r *retryEngine) DefaultModel() string { return r.inner.DefaultModel() }

func (r *retryEngine) IsAvailable(ctx context.Context) bool {
	return r.inner.IsAvailable(ctx)
}

// Generate implements Engine with retry.
func (r *retryEngine) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() (string, error) {
		return r.inner.Generate(ctx, req)
	})
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// If timeout is zero or ctx already has an earlier deadline, returns ctx unchanged.
// The caller must call the returned CancelFunc when done.
func (r *retryEngine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum. The effective delay is max(backoff, retryAfter).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryCall calls fn up to maxAttempts times, sleeping between transient failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"engine", name,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			delay := retryDelay(base, i, err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"engine", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// retryEmbeddingProvider wraps an EmbeddingProvider and automatically retries
// transient HTTP errors (429, 503) with exponential backoff.
type retryEmbeddingProvider struct {
	inner       EmbeddingProvider
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration
	logger      *slog.Logger
}

// WithEmbeddingRetry wraps p with automatic retry on transient HTTP errors (429, 503).
// Accepts the same RetryOption functions as WithRetry.
func WithEmbeddingRetry(p EmbeddingProvider, opts ...RetryOption) EmbeddingProvider {
	// Apply options to a temporary retryEngine to extract config values.
	cfg := &retryEngine{maxAttempts: 3, baseDelay: time.Second}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = nopLogger
	}
	return &retryEmbeddingProvider{
		inner:       p,
		maxAttempts: cfg.maxAttempts,
		baseDelay:   cfg.baseDelay,
		timeout:     cfg.timeout,
		logger:      logger,
	}
}

func (r *retryEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if r.timeout > 0 {
		deadline := time.Now().Add(r.timeout)
		if existing, ok := ctx.Deadline(); !ok || deadline.Before(existing) {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
	}
	return retryCall(ctx, r.maxAttempts, r.baseDelay, "embedding", r.logger, func() ([][]float32, error) {
		return r.inner.Embed(ctx, texts)
	})
}

// compile-time checks
var (
	_ Engine            = (*retryEngine)(nil)
	_ EmbeddingProvider = (*retryEmbeddingProvider)(nil)
)
