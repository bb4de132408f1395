// Package hooks implements the in-process hook bus the control loops use
// to notify registered subscribers at well-known lifecycle points.
package hooks

import (
	"context"
	"fmt"
	"sync"
)

// Point is one of the enumerated hook points.
type Point string

const (
	BeforeContainerStart Point = "before_container_start"
	AfterContainerStart  Point = "after_container_start"
	BeforeContainerStop  Point = "before_container_stop"
	AfterContainerStop   Point = "after_container_stop"
	OnServiceDiscovery   Point = "on_service_discovery"
	OnScalingEvent       Point = "on_scaling_event"
	OnHealthCheck        Point = "on_health_check"
	OnMetricsCollection  Point = "on_metrics_collection"
	OnAPIRequest         Point = "on_api_request"
	OnWebhookTrigger     Point = "on_webhook_trigger"
)

// Points lists every hook point in a stable order.
func Points() []Point {
	return []Point{
		BeforeContainerStart, AfterContainerStart,
		BeforeContainerStop, AfterContainerStop,
		OnServiceDiscovery, OnScalingEvent,
		OnHealthCheck, OnMetricsCollection,
		OnAPIRequest, OnWebhookTrigger,
	}
}

// ParsePoint validates a hook point tag. Unknown tags are rejected.
func ParsePoint(s string) (Point, error) {
	for _, p := range Points() {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown hook point %q", s)
}

// Payload carries hook-specific fields, keyed by convention
// (container_name, service, direction, ...).
type Payload map[string]any

// Handler is invoked when its hook point fires.
type Handler func(ctx context.Context, p Payload) error

// Result records one subscriber invocation. A recovered panic is reported
// as an error like any other failure.
type Result struct {
	Subscriber string
	Err        error
}

type subscriber struct {
	name string
	fn   Handler
}

// Bus dispatches hook payloads to subscribers in registration order.
// Delivery is synchronous and best-effort within the producing task.
type Bus struct {
	mu   sync.RWMutex
	subs map[Point][]subscriber
}

// NewBus creates an empty hook bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Point][]subscriber)}
}

// Register adds a subscriber for point. Subscribers fire in the order
// they were registered. Duplicate names are allowed; the name is only
// used for result reporting and unregistration.
func (b *Bus) Register(point Point, name string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[point] = append(b.subs[point], subscriber{name: name, fn: fn})
}

// Unregister removes every subscriber with the given name from point.
func (b *Bus) Unregister(point Point, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[point][:0]
	for _, s := range b.subs[point] {
		if s.name != name {
			kept = append(kept, s)
		}
	}
	b.subs[point] = kept
}

// Trigger invokes every subscriber registered for point, in order, and
// returns one Result per subscriber. A panicking subscriber is isolated;
// its panic value becomes the Err of its Result and later subscribers
// still run.
func (b *Bus) Trigger(ctx context.Context, point Point, p Payload) []Result {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs[point]))
	copy(subs, b.subs[point])
	b.mu.RUnlock()

	results := make([]Result, 0, len(subs))
	for _, s := range subs {
		results = append(results, Result{
			Subscriber: s.name,
			Err:        invoke(ctx, s.fn, p),
		})
	}
	return results
}

// Count returns the number of subscribers currently registered for point.
func (b *Bus) Count(point Point) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[point])
}

func invoke(ctx context.Context, fn Handler, p Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()
	return fn(ctx, p)
}
