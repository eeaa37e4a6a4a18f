package orion

import (
	"log/slog"
	"sync"
)

// EventTopic names a typed event stream on the bus.
type EventTopic string

const (
	// TopicHeartbeat carries HeartbeatEvent on every proactive tick.
	TopicHeartbeat EventTopic = "system.heartbeat"
	// TopicTriggerFired carries TriggerFiredEvent when a proactive message
	// passes the VoI gate and is sent.
	TopicTriggerFired EventTopic = "trigger.fired"
	// TopicInbound carries InboundEvent as messages arrive from channels.
	TopicInbound EventTopic = "message.inbound"
	// TopicOutbound carries OutboundMessage bound for the transport manager.
	TopicOutbound EventTopic = "message.outbound"
)

// HeartbeatEvent is published on every heartbeat tick.
type HeartbeatEvent struct {
	Tick     int64 `json:"tick"`
	Interval int64 `json:"interval_seconds"`
}

// TriggerFiredEvent is published when a proactive trigger results in a send,
// or is evaluated and suppressed (ActedOn=false).
type TriggerFiredEvent struct {
	Trigger string  `json:"trigger"`
	UserID  string  `json:"user_id"`
	VoI     float64 `json:"voi"`
	ActedOn bool    `json:"acted_on"`
}

// Event is the envelope delivered to subscribers. Payload is one of the
// typed event structs above; subscribers switch on Topic and assert.
type Event struct {
	Topic   EventTopic
	Payload any
}

// EventBus is a typed in-process publish/subscribe bus. Delivery is
// non-blocking: a subscriber whose buffer is full misses the event rather
// than stalling the publisher. Safe for concurrent use.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[EventTopic][]chan Event
	closed bool
	logger *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = nopLogger
	}
	return &EventBus{
		subs:   make(map[EventTopic][]chan Event),
		logger: logger,
	}
}

// Subscribe registers a buffered channel for a topic and returns it.
// The channel is closed when the bus shuts down.
func (b *EventBus) Subscribe(topic EventTopic) <-chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish delivers an event to every subscriber of its topic. Full
// subscriber buffers drop the event; the drop is logged at debug level.
func (b *EventBus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[evt.Topic] {
		select {
		case ch <- evt:
		default:
			b.logger.Debug("event dropped: subscriber buffer full", "topic", string(evt.Topic))
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
// Publish after Close is a no-op.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
