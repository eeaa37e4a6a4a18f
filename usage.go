package orion

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// usageBufferCap is the fill level that triggers an immediate flush,
	// ahead of the periodic tick.
	usageBufferCap = 1000

	// usageBufferHardCap bounds the buffer when the store is down and
	// flushes keep failing. Past it the oldest events are dropped so the
	// hot path never blocks.
	usageBufferHardCap = 2 * usageBufferCap

	// usageFlushInterval is how often buffered events reach the store.
	usageFlushInterval = 5 * time.Second
)

// CostFunc estimates the USD cost of one call from its model and token
// counts. Unknown models return 0.
type CostFunc func(model string, inputTokens, outputTokens int) float64

// UsageRecorder buffers per-call telemetry events and flushes them to the
// store in batches. Record never blocks the calling turn; a failed flush
// requeues the batch at the head of the buffer for the next tick.
type UsageRecorder struct {
	store    Store
	cost     CostFunc
	interval time.Duration
	logger   *slog.Logger

	mu  sync.Mutex
	buf []UsageEvent

	kick    chan struct{}
	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// UsageOption configures a UsageRecorder.
type UsageOption func(*UsageRecorder)

// WithUsageCost sets the cost estimator applied to events recorded with a
// zero cost.
func WithUsageCost(fn CostFunc) UsageOption {
	return func(u *UsageRecorder) { u.cost = fn }
}

// WithUsageFlushInterval overrides the flush cadence.
func WithUsageFlushInterval(d time.Duration) UsageOption {
	return func(u *UsageRecorder) {
		if d > 0 {
			u.interval = d
		}
	}
}

// WithUsageLogger sets the structured logger.
func WithUsageLogger(l *slog.Logger) UsageOption {
	return func(u *UsageRecorder) { u.logger = l }
}

// NewUsageRecorder creates a recorder over the given store. Call Start to
// begin the background flusher and Close to drain on shutdown.
func NewUsageRecorder(store Store, opts ...UsageOption) *UsageRecorder {
	u := &UsageRecorder{
		store:    store,
		interval: usageFlushInterval,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.logger == nil {
		u.logger = nopLogger
	}
	return u
}

// Record buffers one event, estimating its cost when unset. A full
// buffer signals the flusher to run now instead of waiting for the next
// tick. Only when the store stays down long enough for the buffer to
// overrun the hard cap are the oldest events dropped.
func (u *UsageRecorder) Record(ev UsageEvent) {
	if ev.CostUSD == 0 && u.cost != nil {
		ev.CostUSD = u.cost(ev.Model, ev.InputTokens, ev.OutputTokens)
	}

	u.mu.Lock()
	u.buf = append(u.buf, ev)
	full := len(u.buf) >= usageBufferCap
	if len(u.buf) > usageBufferHardCap {
		drop := len(u.buf) - usageBufferHardCap
		u.buf = u.buf[drop:]
		u.logger.Warn("usage buffer overran hard cap with store unreachable, dropped oldest events", "dropped", drop)
	}
	u.mu.Unlock()

	if full {
		select {
		case u.kick <- struct{}{}:
		default:
		}
	}
}

// Start launches the periodic flusher.
func (u *UsageRecorder) Start() {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		ticker := time.NewTicker(u.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				u.Flush(context.Background())
			case <-u.kick:
				u.Flush(context.Background())
			case <-u.done:
				return
			}
		}
	}()
}

// Flush writes all buffered events to the store in one batch. On failure
// the batch returns to the head of the buffer so ordering survives the
// retry; events past the hard cap are dropped from the tail.
func (u *UsageRecorder) Flush(ctx context.Context) {
	u.mu.Lock()
	batch := u.buf
	u.buf = nil
	u.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := u.store.StoreUsageBatch(ctx, batch); err != nil {
		u.logger.Warn("usage flush failed, requeueing batch", "events", len(batch), "error", err)
		u.mu.Lock()
		u.buf = append(batch, u.buf...)
		if drop := len(u.buf) - usageBufferHardCap; drop > 0 {
			u.buf = u.buf[:usageBufferHardCap]
			u.logger.Warn("usage buffer overran hard cap with store unreachable, dropped newest events", "dropped", drop)
		}
		u.mu.Unlock()
		return
	}
	u.logger.Debug("usage batch flushed", "events", len(batch))
}

// Pending reports the number of buffered events.
func (u *UsageRecorder) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.buf)
}

// Summary aggregates stored usage for a user over the trailing window.
func (u *UsageRecorder) Summary(ctx context.Context, userID string, days int) (UsageSummary, error) {
	return u.store.GetUsageSummary(ctx, userID, days)
}

// Close stops the flusher and drains remaining events.
func (u *UsageRecorder) Close(ctx context.Context) {
	u.stopped.Do(func() { close(u.done) })
	u.wg.Wait()
	u.Flush(ctx)
}
