package orion

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// EngineHealth is the orchestrator's view of one engine's recent behavior.
type EngineHealth string

const (
	// HealthUnknown means no samples have been recorded yet.
	HealthUnknown EngineHealth = "unknown"
	// HealthHealthy means P50 <= 2.5s and error rate <= 0.1.
	HealthHealthy EngineHealth = "healthy"
	// HealthDegraded means P50 > 5s or error rate > 0.3. A degraded engine
	// returns to healthy only when both recovery thresholds hold.
	HealthDegraded EngineHealth = "degraded"
)

const (
	healthWindow       = 20
	healthyP50Max      = 2500 * time.Millisecond
	healthyErrRateMax  = 0.1
	degradedP50Min     = 5 * time.Second
	degradedErrRateMin = 0.3
)

// healthStats tracks a rolling window of latency/success samples for one
// engine. Reads and updates arrive from many tasks; every method takes the
// lock.
type healthStats struct {
	mu       sync.Mutex
	samples  []sample // newest last, capped at healthWindow
	status   EngineHealth
	lastUsed int64
}

type sample struct {
	latency time.Duration
	success bool
}

func newHealthStats() *healthStats {
	return &healthStats{status: HealthUnknown}
}

// record appends one sample, evicting the oldest past the window, then
// recomputes status with hysteresis.
func (h *healthStats) record(latency time.Duration, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples = append(h.samples, sample{latency: latency, success: success})
	if len(h.samples) > healthWindow {
		h.samples = h.samples[len(h.samples)-healthWindow:]
	}
	h.lastUsed = time.Now().Unix()

	p50 := h.p50Locked()
	errRate := h.errRateLocked()

	switch h.status {
	case HealthDegraded:
		// Hysteresis: both recovery thresholds must hold simultaneously.
		if p50 <= healthyP50Max && errRate <= healthyErrRateMax {
			h.status = HealthHealthy
		}
	default:
		if p50 > degradedP50Min || errRate > degradedErrRateMin {
			h.status = HealthDegraded
		} else if p50 <= healthyP50Max && errRate <= healthyErrRateMax {
			h.status = HealthHealthy
		}
	}
}

func (h *healthStats) p50Locked() time.Duration {
	if len(h.samples) == 0 {
		return 0
	}
	lat := make([]time.Duration, len(h.samples))
	for i, s := range h.samples {
		lat[i] = s.latency
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	return lat[len(lat)/2]
}

func (h *healthStats) errRateLocked() float64 {
	if len(h.samples) == 0 {
		return 0
	}
	var errs int
	for _, s := range h.samples {
		if !s.success {
			errs++
		}
	}
	return float64(errs) / float64(len(h.samples))
}

func (h *healthStats) snapshot() (EngineHealth, time.Duration, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.p50Locked(), h.errRateLocked()
}

// EngineStatus is a point-in-time health report for one engine, exposed by
// the gateway's health endpoint.
type EngineStatus struct {
	Name      string       `json:"name"`
	Provider  string       `json:"provider"`
	Health    EngineHealth `json:"health"`
	P50MS     int64        `json:"p50_ms"`
	ErrorRate float64      `json:"error_rate"`
	Available bool         `json:"available"`
}

// Orchestrator routes task types to the best available engine and keeps
// per-engine rolling health stats. Safe for concurrent use.
type Orchestrator struct {
	mu         sync.RWMutex
	engines    map[string]*registeredEngine
	priorities map[TaskType][]string
	usage      *UsageRecorder
	logger     *slog.Logger
}

type registeredEngine struct {
	engine    Engine
	stats     *healthStats
	available bool
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithPriorities sets the per-task-type engine priority lists. Task types
// without a list fall back to the reasoning list.
func WithPriorities(p map[TaskType][]string) OrchestratorOption {
	return func(o *Orchestrator) { o.priorities = p }
}

// WithOrchestratorLogger sets the structured logger.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithUsageRecorder wires per-call usage events into the given recorder.
func WithUsageRecorder(u *UsageRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.usage = u }
}

// NewOrchestrator creates an orchestrator over the given engines.
// Call Probe before the first Route to populate availability.
func NewOrchestrator(engines []Engine, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		engines:    make(map[string]*registeredEngine, len(engines)),
		priorities: make(map[TaskType][]string),
	}
	for _, e := range engines {
		o.engines[e.Name()] = &registeredEngine{engine: e, stats: newHealthStats()}
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = nopLogger
	}
	return o
}

// Probe checks every registered engine for availability. Run at startup
// and whenever a deployment wants to refresh the availability view.
func (o *Orchestrator) Probe(ctx context.Context) {
	o.mu.RLock()
	names := make([]string, 0, len(o.engines))
	for name := range o.engines {
		names = append(names, name)
	}
	o.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			o.mu.RLock()
			re := o.engines[name]
			o.mu.RUnlock()
			ok := re.engine.IsAvailable(ctx)
			o.mu.Lock()
			re.available = ok
			o.mu.Unlock()
			o.logger.Debug("engine probed", "engine", name, "available", ok)
		}(name)
	}
	wg.Wait()
}

// Engine returns a registered engine by name, bypassing routing.
// Returns nil if the name is unknown.
func (o *Orchestrator) Engine(name string) Engine {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if re, ok := o.engines[name]; ok {
		return re.engine
	}
	return nil
}

// EngineCount returns the number of registered engines. The pipeline uses
// this to skip critique when only one engine is configured.
func (o *Orchestrator) EngineCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.engines)
}

// Statuses returns a health report for every registered engine, sorted by
// name.
func (o *Orchestrator) Statuses() []EngineStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]EngineStatus, 0, len(o.engines))
	for name, re := range o.engines {
		status, p50, errRate := re.stats.snapshot()
		out = append(out, EngineStatus{
			Name:      name,
			Provider:  re.engine.Provider(),
			Health:    status,
			P50MS:     p50.Milliseconds(),
			ErrorRate: errRate,
			Available: re.available,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Route selects the engine for a task type. Priority order wins; degraded
// engines are skipped when a healthy alternative exists further down the
// list. Ties between equally-ranked candidates break on lowest P50.
func (o *Orchestrator) Route(taskType TaskType) (Engine, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	names := o.priorities[taskType]
	if len(names) == 0 {
		names = o.priorities[TaskReasoning]
	}
	if len(names) == 0 {
		// No priority list configured: consider every engine.
		for name := range o.engines {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	type candidate struct {
		re     *registeredEngine
		status EngineHealth
		p50    time.Duration
		rank   int
	}
	var candidates []candidate
	for rank, name := range names {
		re, ok := o.engines[name]
		if !ok || !re.available {
			continue
		}
		status, p50, _ := re.stats.snapshot()
		candidates = append(candidates, candidate{re: re, status: status, p50: p50, rank: rank})
	}
	if len(candidates) == 0 {
		return nil, &ErrNoEngine{TaskType: taskType}
	}

	// First pass: best-ranked non-degraded candidate.
	best := -1
	for i, c := range candidates {
		if c.status == HealthDegraded {
			continue
		}
		if best == -1 || c.rank < candidates[best].rank ||
			(c.rank == candidates[best].rank && c.p50 < candidates[best].p50) {
			best = i
		}
	}
	if best >= 0 {
		return candidates[best].re.engine, nil
	}

	// Everything is degraded: take the best-ranked one anyway.
	best = 0
	for i, c := range candidates {
		if c.rank < candidates[best].rank {
			best = i
		}
	}
	return candidates[best].re.engine, nil
}

// Generate routes the task type, calls the engine, and records the sample
// in the engine's rolling window. An empty response with nil error counts
// as a failed sample.
func (o *Orchestrator) Generate(ctx context.Context, taskType TaskType, req GenerateRequest) (string, error) {
	eng, err := o.Route(taskType)
	if err != nil {
		return "", err
	}

	start := time.Now()
	out, err := eng.Generate(ctx, req)
	elapsed := time.Since(start)

	success := err == nil && out != ""
	o.mu.RLock()
	re := o.engines[eng.Name()]
	o.mu.RUnlock()
	re.stats.record(elapsed, success)

	if o.usage != nil {
		model := req.Model
		if model == "" {
			model = eng.DefaultModel()
		}
		o.usage.Record(UsageEvent{
			ID:        NewID(),
			Provider:  eng.Provider(),
			Model:     model,
			LatencyMS: elapsed.Milliseconds(),
			CreatedAt: NowUnix(),
		})
	}

	if err != nil {
		o.logger.Warn("engine call failed", "engine", eng.Name(), "error", err)
		return "", &ErrEngine{Engine: eng.Name(), Message: err.Error()}
	}
	o.logger.Debug("engine call completed",
		"engine", eng.Name(), "task_type", string(taskType), "duration", elapsed)
	return out, nil
}
