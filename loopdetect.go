package orion

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// Consecutive identical calls: warn at 3, refuse to issue past 5.
	identicalWarnAt  = 3
	identicalBreakAt = 5

	// No-progress: this many calls inside the window, none productive.
	noProgressWindow  = 30 * time.Second
	noProgressBreakAt = 5

	// Ping-pong: two tools alternating across the trailing call window.
	pingPongWindow          = 6
	pingPongMinAlternations = 3
)

// Loop patterns reported in NodeResult.LoopSignal.
const (
	LoopPatternIdentical  = "identical-calls"
	LoopPatternNoProgress = "no-progress"
	LoopPatternPingPong   = "ping-pong"
)

// LoopVerdict is the detector's judgment about a candidate tool call.
type LoopVerdict struct {
	Action  string // "", "warn", "break"
	Pattern string
}

// LoopDetector watches the tool-call stream of one supervisor run and
// breaks repetition loops before they burn the wall clock. One detector
// per run, shared by every node; nodes inside a wave run in parallel, so
// all history access is serialized on the mutex.
type LoopDetector struct {
	mu     sync.Mutex
	calls  []ToolCallRecord
	logger *slog.Logger
}

// NewLoopDetector creates an empty detector.
func NewLoopDetector(logger *slog.Logger) *LoopDetector {
	if logger == nil {
		logger = nopLogger
	}
	return &LoopDetector{logger: logger}
}

// Evaluate judges a candidate call against history before it is issued.
// A "break" verdict means the call must not be made.
func (d *LoopDetector) Evaluate(tool, paramHash string, now time.Time) LoopVerdict {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v := d.identicalVerdict(tool, paramHash); v.Action != "" {
		return v
	}
	if v := d.noProgressVerdict(now); v.Action != "" {
		return v
	}
	if v := d.pingPongVerdict(tool); v.Action != "" {
		return v
	}
	return LoopVerdict{}
}

// Record appends one executed call to the history.
func (d *LoopDetector) Record(rec ToolCallRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, rec)
}

// CallCount reports recorded calls.
func (d *LoopDetector) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *LoopDetector) identicalVerdict(tool, paramHash string) LoopVerdict {
	trailing := 0
	for i := len(d.calls) - 1; i >= 0; i-- {
		if d.calls[i].Tool != tool || d.calls[i].ParamHash != paramHash {
			break
		}
		trailing++
	}
	switch {
	case trailing >= identicalBreakAt:
		d.logger.Warn("identical-call loop broken", "tool", tool, "repeats", trailing)
		return LoopVerdict{Action: "break", Pattern: LoopPatternIdentical}
	case trailing >= identicalWarnAt:
		d.logger.Warn("identical-call repetition", "tool", tool, "repeats", trailing)
		return LoopVerdict{Action: "warn", Pattern: LoopPatternIdentical}
	}
	return LoopVerdict{}
}

func (d *LoopDetector) noProgressVerdict(now time.Time) LoopVerdict {
	cutoff := now.Add(-noProgressWindow).Unix()
	recent := 0
	for i := len(d.calls) - 1; i >= 0; i-- {
		if d.calls[i].Timestamp < cutoff {
			break
		}
		if d.calls[i].ProducedProgress {
			return LoopVerdict{}
		}
		recent++
	}
	if recent >= noProgressBreakAt {
		d.logger.Warn("no-progress loop broken", "calls", recent)
		return LoopVerdict{Action: "break", Pattern: LoopPatternNoProgress}
	}
	return LoopVerdict{}
}

// pingPongVerdict catches A→B→A→B oscillation: the trailing window holds
// exactly two tools and adjacent calls keep switching between them.
func (d *LoopDetector) pingPongVerdict(candidate string) LoopVerdict {
	if len(d.calls) < pingPongWindow-1 {
		return LoopVerdict{}
	}
	window := make([]string, 0, pingPongWindow)
	for _, c := range d.calls[len(d.calls)-(pingPongWindow-1):] {
		window = append(window, c.Tool)
	}
	window = append(window, candidate)

	distinct := map[string]bool{}
	alternations := 0
	for i, tool := range window {
		distinct[tool] = true
		if i > 0 && window[i-1] != tool {
			alternations++
		}
	}
	if len(distinct) == 2 && alternations >= pingPongMinAlternations {
		d.logger.Warn("ping-pong loop broken", "alternations", alternations)
		return LoopVerdict{Action: "break", Pattern: LoopPatternPingPong}
	}
	return LoopVerdict{}
}
