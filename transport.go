package orion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// sessionIdleTTL is how long a session survives without activity.
	sessionIdleTTL = 30 * time.Minute

	// sessionQueueCap bounds each session's pending inbound events.
	sessionQueueCap = 64
)

// InboundHandler processes one inbound event. The TransportManager calls
// it sequentially per session, so events for the same (user, channel)
// pair arrive in receive order.
type InboundHandler func(ctx context.Context, ev InboundEvent)

// session is the per-(user, channel) delivery lane. Each session owns one
// drain goroutine, which is what gives the FIFO guarantee.
type transportSession struct {
	userID       string
	channelID    string
	queue        chan InboundEvent
	lastActivity atomic.Int64
}

// TransportManager owns the channel adapter registry, the session table,
// and both directions of message flow: inbound fan-in to the handler and
// priority-ordered outbound fan-out.
type TransportManager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	priority []string
	sessions map[string]*transportSession
	closed   bool

	handler InboundHandler
	bus     *EventBus
	idleTTL time.Duration
	logger  *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// TransportOption configures a TransportManager.
type TransportOption func(*TransportManager)

// WithTransportBus publishes inbound and outbound events to the given bus.
func WithTransportBus(bus *EventBus) TransportOption {
	return func(t *TransportManager) { t.bus = bus }
}

// WithSessionIdleTTL overrides the idle eviction threshold.
func WithSessionIdleTTL(d time.Duration) TransportOption {
	return func(t *TransportManager) {
		if d > 0 {
			t.idleTTL = d
		}
	}
}

// WithTransportLogger sets the structured logger.
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(t *TransportManager) { t.logger = l }
}

// NewTransportManager creates a manager over the given adapters. priority
// is the outbound fan-out order; adapters not listed are never used for
// plain Send. handler receives every inbound event.
func NewTransportManager(channels []Channel, priority []string, handler InboundHandler, opts ...TransportOption) *TransportManager {
	t := &TransportManager{
		channels: make(map[string]Channel, len(channels)),
		priority: priority,
		sessions: make(map[string]*transportSession),
		handler:  handler,
		idleTTL:  sessionIdleTTL,
		done:     make(chan struct{}),
	}
	for _, c := range channels {
		t.channels[c.Name()] = c
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = nopLogger
	}
	return t
}

// Start brings up every adapter and the session janitor. An adapter that
// fails to start is logged and skipped; the rest keep running.
func (t *TransportManager) Start(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for name, c := range t.channels {
		if err := c.Start(ctx); err != nil {
			t.logger.Warn("channel failed to start", "channel", name, "error", err)
		}
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		interval := t.idleTTL / 2
		if interval < time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.evictIdle(time.Now())
			case <-t.done:
				return
			}
		}
	}()
	return nil
}

// Stop shuts down adapters, drains session lanes, and waits for workers.
func (t *TransportManager) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	for _, s := range t.sessions {
		close(s.queue)
	}
	t.sessions = make(map[string]*transportSession)
	channels := make([]Channel, 0, len(t.channels))
	for _, c := range t.channels {
		channels = append(channels, c)
	}
	t.mu.Unlock()

	for _, c := range channels {
		if err := c.Stop(ctx); err != nil {
			t.logger.Warn("channel failed to stop", "channel", c.Name(), "error", err)
		}
	}
	t.wg.Wait()
	return nil
}

func sessionKey(userID, channelID string) string {
	return userID + "\x00" + channelID
}

// Dispatch hands one inbound event to its session lane. Events for the
// same session are processed in order; a full lane drops the event rather
// than blocking the adapter.
func (t *TransportManager) Dispatch(ev InboundEvent) error {
	if ev.ReceivedAt == 0 {
		ev.ReceivedAt = NowUnix()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport manager stopped")
	}
	key := sessionKey(ev.UserID, ev.ChannelID)
	s, ok := t.sessions[key]
	if !ok {
		s = &transportSession{
			userID:    ev.UserID,
			channelID: ev.ChannelID,
			queue:     make(chan InboundEvent, sessionQueueCap),
		}
		t.sessions[key] = s
		t.wg.Add(1)
		go t.drain(s)
	}
	s.lastActivity.Store(NowUnix())
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.Publish(Event{Topic: TopicInbound, Payload: ev})
	}

	select {
	case s.queue <- ev:
		return nil
	default:
		t.logger.Warn("session queue full, event dropped",
			"user", ev.UserID, "channel", ev.ChannelID)
		return fmt.Errorf("session queue full")
	}
}

func (t *TransportManager) drain(s *transportSession) {
	defer t.wg.Done()
	for ev := range s.queue {
		s.lastActivity.Store(NowUnix())
		if t.handler != nil {
			t.handler(context.Background(), ev)
		}
	}
}

// evictIdle removes sessions whose last activity is older than the TTL.
func (t *TransportManager) evictIdle(now time.Time) {
	cutoff := now.Add(-t.idleTTL).Unix()
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, s := range t.sessions {
		if s.lastActivity.Load() < cutoff {
			close(s.queue)
			delete(t.sessions, key)
			t.logger.Debug("idle session evicted", "user", s.userID, "channel", s.channelID)
		}
	}
}

// SessionCount reports live sessions.
func (t *TransportManager) SessionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// ChannelNames reports registered adapters and their connectivity.
func (t *TransportManager) ChannelNames() map[string]bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]bool, len(t.channels))
	for name, c := range t.channels {
		out[name] = c.IsConnected()
	}
	return out
}

// Send delivers one outbound message. A named channel is tried first and
// exclusively; otherwise the priority order applies and the first
// connected adapter that accepts the message wins.
func (t *TransportManager) Send(ctx context.Context, msg OutboundMessage) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	order := t.priority
	if msg.Channel != "" {
		order = []string{msg.Channel}
	}
	for _, name := range order {
		c, ok := t.channels[name]
		if !ok || !c.IsConnected() {
			continue
		}
		if c.Send(ctx, msg.UserID, msg.Text) {
			if t.bus != nil {
				t.bus.Publish(Event{Topic: TopicOutbound, Payload: msg})
			}
			return true
		}
		t.logger.Debug("channel declined send, trying next", "channel", name)
	}
	t.logger.Warn("no channel delivered message", "user", msg.UserID)
	return false
}

// SendWithConfirm delivers text plus an approval prompt over the first
// connected channel. Returns false when no channel is available or the
// user declined.
func (t *TransportManager) SendWithConfirm(ctx context.Context, userID, text, prompt string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, name := range t.priority {
		c, ok := t.channels[name]
		if !ok || !c.IsConnected() {
			continue
		}
		return c.SendWithConfirm(ctx, userID, text, prompt)
	}
	return false
}

// Broadcast sends text to every connected adapter. Returns the number of
// successful deliveries.
func (t *TransportManager) Broadcast(ctx context.Context, userID, text string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, c := range t.channels {
		if c.IsConnected() && c.Send(ctx, userID, text) {
			n++
		}
	}
	return n
}
