package hooks

import (
	"context"
	"errors"
	"testing"
)

func TestTriggerInRegistrationOrder(t *testing.T) {
	bus := NewBus()

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		n := name
		bus.Register(AfterContainerStart, n, func(_ context.Context, _ Payload) error {
			order = append(order, n)
			return nil
		})
	}

	results := bus.Trigger(context.Background(), AfterContainerStart, Payload{"container_name": "web"})

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if order[i] != w {
			t.Errorf("order[%d] = %q, want %q", i, order[i], w)
		}
		if results[i].Subscriber != w {
			t.Errorf("results[%d].Subscriber = %q, want %q", i, results[i].Subscriber, w)
		}
	}
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	bus := NewBus()

	ran := false
	bus.Register(OnScalingEvent, "boom", func(_ context.Context, _ Payload) error {
		panic("unexpected state")
	})
	bus.Register(OnScalingEvent, "after", func(_ context.Context, _ Payload) error {
		ran = true
		return nil
	})

	results := bus.Trigger(context.Background(), OnScalingEvent, nil)

	if !ran {
		t.Error("subscriber after the panicking one did not run")
	}
	if results[0].Err == nil {
		t.Error("panicking subscriber should report an error")
	}
	if results[1].Err != nil {
		t.Errorf("healthy subscriber reported error: %v", results[1].Err)
	}
}

func TestSubscriberErrorCaptured(t *testing.T) {
	bus := NewBus()
	wantErr := errors.New("downstream unavailable")
	bus.Register(OnWebhookTrigger, "wh", func(_ context.Context, _ Payload) error {
		return wantErr
	})

	results := bus.Trigger(context.Background(), OnWebhookTrigger, nil)
	if len(results) != 1 || !errors.Is(results[0].Err, wantErr) {
		t.Errorf("results = %+v, want single result wrapping %v", results, wantErr)
	}
}

func TestTriggerNoSubscribers(t *testing.T) {
	bus := NewBus()
	if results := bus.Trigger(context.Background(), OnAPIRequest, nil); len(results) != 0 {
		t.Errorf("results = %v, want empty", results)
	}
}

func TestUnregister(t *testing.T) {
	bus := NewBus()
	bus.Register(OnHealthCheck, "keep", func(_ context.Context, _ Payload) error { return nil })
	bus.Register(OnHealthCheck, "drop", func(_ context.Context, _ Payload) error { return nil })
	bus.Register(OnHealthCheck, "drop", func(_ context.Context, _ Payload) error { return nil })

	bus.Unregister(OnHealthCheck, "drop")

	if got := bus.Count(OnHealthCheck); got != 1 {
		t.Errorf("Count = %d, want 1", got)
	}
	results := bus.Trigger(context.Background(), OnHealthCheck, nil)
	if len(results) != 1 || results[0].Subscriber != "keep" {
		t.Errorf("results = %+v, want only the kept subscriber", results)
	}
}

func TestParsePoint(t *testing.T) {
	if _, err := ParsePoint("on_scaling_event"); err != nil {
		t.Errorf("ParsePoint(on_scaling_event) error: %v", err)
	}
	if _, err := ParsePoint("on_teleport"); err == nil {
		t.Error("ParsePoint accepted an unknown hook point")
	}
}

func TestPointsCoversAllTen(t *testing.T) {
	if got := len(Points()); got != 10 {
		t.Errorf("Points() = %d entries, want 10", got)
	}
}
