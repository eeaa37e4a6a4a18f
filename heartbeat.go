package orion

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// Adaptive tick intervals by user activity.
	heartbeatActiveInterval = 2 * time.Minute
	heartbeatNormalInterval = 10 * time.Minute
	heartbeatIdleInterval   = 30 * time.Minute
	heartbeatMaxInterval    = 60 * time.Minute

	// heartbeatBackoff stretches the interval per consecutive tick that
	// sent nothing.
	heartbeatBackoff = 1.25

	// Activity ages separating the interval tiers.
	heartbeatActiveWindow = 10 * time.Minute
	heartbeatIdleWindow   = 2 * time.Hour
)

// PermissionFunc is the sandbox gate on proactive sends. Returning false
// suppresses the message after the VoI gate passed.
type PermissionFunc func(msg OutboundMessage) bool

// Heartbeat is the clock-driven actor: a single-threaded loop that wakes
// on an adaptive interval, evaluates trigger rules, gates candidates by
// Value-of-Information, and pushes survivors out through the transport.
// Ticks never overlap; an overrunning tick swallows the next one.
type Heartbeat struct {
	store     Store
	transport *TransportManager
	bus       *EventBus
	triggers  []Trigger
	users     []string

	quiet      func(time.Time) bool
	permission PermissionFunc
	logger     *slog.Logger

	tick         int64
	skips        int
	lastActivity map[string]int64
	mu           sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// HeartbeatOption configures a Heartbeat.
type HeartbeatOption func(*Heartbeat)

// WithQuietHours overrides the do-not-disturb predicate.
func WithQuietHours(fn func(time.Time) bool) HeartbeatOption {
	return func(h *Heartbeat) { h.quiet = fn }
}

// WithPermission sets the sandbox gate on proactive sends.
func WithPermission(fn PermissionFunc) HeartbeatOption {
	return func(h *Heartbeat) { h.permission = fn }
}

// WithHeartbeatBus publishes heartbeat and trigger events to the bus.
func WithHeartbeatBus(bus *EventBus) HeartbeatOption {
	return func(h *Heartbeat) { h.bus = bus }
}

// WithHeartbeatLogger sets the structured logger.
func WithHeartbeatLogger(l *slog.Logger) HeartbeatOption {
	return func(h *Heartbeat) { h.logger = l }
}

// NewHeartbeat creates the proactive loop for the given users and rules.
func NewHeartbeat(store Store, transport *TransportManager, triggers []Trigger, users []string, opts ...HeartbeatOption) *Heartbeat {
	h := &Heartbeat{
		store:        store,
		transport:    transport,
		triggers:     triggers,
		users:        users,
		quiet:        QuietHours,
		lastActivity: make(map[string]int64),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = nopLogger
	}
	return h
}

// NoteActivity records user activity so the next interval adapts.
func (h *Heartbeat) NoteActivity(userID string) {
	h.mu.Lock()
	h.lastActivity[userID] = NowUnix()
	h.mu.Unlock()
}

// Start runs the loop until Stop. Single goroutine; ticks cannot overlap
// by construction, and a tick that overruns its own interval causes the
// following tick to be skipped.
func (h *Heartbeat) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			interval := h.nextInterval(time.Now())
			select {
			case <-time.After(interval):
				start := time.Now()
				sent := h.Tick(context.Background(), start)
				if time.Since(start) > interval {
					h.logger.Warn("heartbeat tick overran its interval, skipping next")
					h.mu.Lock()
					h.skips++
					h.mu.Unlock()
					select {
					case <-time.After(h.nextInterval(time.Now())):
					case <-h.done:
						return
					}
				}
				h.noteOutcome(sent)
			case <-h.done:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight tick.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	h.wg.Wait()
}

// nextInterval picks the activity tier and applies the skip backoff.
func (h *Heartbeat) nextInterval(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	newest := int64(0)
	for _, ts := range h.lastActivity {
		if ts > newest {
			newest = ts
		}
	}
	age := now.Unix() - newest

	base := heartbeatIdleInterval
	switch {
	case newest > 0 && age <= int64(heartbeatActiveWindow.Seconds()):
		base = heartbeatActiveInterval
	case newest > 0 && age <= int64(heartbeatIdleWindow.Seconds()):
		base = heartbeatNormalInterval
	}

	interval := base
	for i := 0; i < h.skips; i++ {
		interval = time.Duration(float64(interval) * heartbeatBackoff)
		if interval >= heartbeatMaxInterval {
			return heartbeatMaxInterval
		}
	}
	return interval
}

func (h *Heartbeat) noteOutcome(sent int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sent > 0 {
		h.skips = 0
	} else {
		h.skips++
	}
}

// Tick runs one heartbeat pass and returns how many messages were sent.
// Exported so the loop and tests share one code path.
func (h *Heartbeat) Tick(ctx context.Context, now time.Time) int {
	h.mu.Lock()
	h.tick++
	tick := h.tick
	h.mu.Unlock()

	if h.bus != nil {
		h.bus.Publish(Event{Topic: TopicHeartbeat, Payload: HeartbeatEvent{
			Tick:     tick,
			Interval: int64(h.nextInterval(now).Seconds()),
		}})
	}

	sent := 0
	for _, userID := range h.users {
		sent += h.evaluateUser(ctx, userID, now)
	}
	return sent
}

func (h *Heartbeat) evaluateUser(ctx context.Context, userID string, now time.Time) int {
	history, err := h.store.GetMessages(ctx, userID, "", 20)
	if err != nil {
		h.logger.Debug("heartbeat history unavailable", "user", userID, "error", err)
		history = nil
	}

	connected := false
	if h.transport != nil {
		for _, up := range h.transport.ChannelNames() {
			if up {
				connected = true
				break
			}
		}
	}
	tc := PredictContext(history, connected, now)
	quiet := h.quiet(now)

	sent := 0
	for _, trigger := range h.triggers {
		if trigger.Evaluate == nil {
			continue
		}
		text, ok := trigger.Evaluate(ctx, userID, history)
		if !ok || text == "" {
			continue
		}

		voi := ComputeVoI(trigger, tc, quiet)
		acted := false
		if voi > voiThreshold {
			msg := OutboundMessage{UserID: userID, Text: text}
			if h.permission != nil && !h.permission(msg) {
				h.logger.Debug("proactive send denied by permission gate", "trigger", trigger.Name)
			} else if h.transport != nil && h.transport.Send(ctx, msg) {
				acted = true
				sent++
			}
		} else {
			h.logger.Debug("candidate below VoI threshold",
				"trigger", trigger.Name, "voi", voi, "user", userID)
		}

		if h.bus != nil {
			h.bus.Publish(Event{Topic: TopicTriggerFired, Payload: TriggerFiredEvent{
				Trigger: trigger.Name,
				UserID:  userID,
				VoI:     voi,
				ActedOn: acted,
			}})
		}
	}
	return sent
}
