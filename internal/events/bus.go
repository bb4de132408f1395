// Package events provides the fan-out pub/sub bus carrying lifecycle,
// scaling, and health events to the WebSocket hub and webhook dispatcher.
package events

import (
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	ContainerStarted   Type = "container.started"
	ContainerStopped   Type = "container.stopped"
	ContainerFailed    Type = "container.failed"
	ContainerRestarted Type = "container.restarted"
	ServiceDiscovered  Type = "service.discovered"
	ServiceRemoved     Type = "service.removed"
	HealthChanged      Type = "health.changed"
	ScalingUp          Type = "scaling.up"
	ScalingDown        Type = "scaling.down"
	ShutdownExecuted   Type = "shutdown.executed"
	SystemError        Type = "system.error"
	SystemWarning      Type = "system.warning"
)

// Event is a single event published through the bus. Data carries
// event-specific fields and is serialized as-is to WebSocket clients.
type Event struct {
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub event bus. Subscribers receive all events
// published after they subscribe. Slow subscribers that fall behind have
// events dropped rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]chan Event),
	}
}

// Publish sends an event to all current subscribers. A zero Timestamp is
// stamped with the current time. If a subscriber's buffer is full, the
// event is dropped for that subscriber (non-blocking).
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber buffer full -- drop the event rather than blocking.
		}
	}
}

// Subscribe returns a channel that receives all future events and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done to avoid resource leaks.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
