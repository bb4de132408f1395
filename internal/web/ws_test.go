package web

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/selfstart/selfstart/internal/events"
)

// waitForClients polls the hub until the expected number of event-stream
// clients is connected.
func waitForClients(t *testing.T, f *fixture, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.srv.hub.count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub count = %d, want %d", f.srv.hub.count(), want)
}

func dialEvents(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return conn
}

func TestEventStreamDeliversBusEvents(t *testing.T) {
	f := newTestServer(t)
	ts := httptest.NewServer(f.handler())
	defer ts.Close()

	conn := dialEvents(t, ts)
	defer conn.Close()
	waitForClients(t, f, 1)

	f.bus.Publish(events.Event{
		Type: events.ContainerStarted,
		Data: map[string]any{"container": "app1"},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt struct {
		Type      string         `json:"type"`
		Data      map[string]any `json:"data"`
		Timestamp time.Time      `json:"timestamp"`
	}
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != string(events.ContainerStarted) {
		t.Errorf("type = %q, want %q", evt.Type, events.ContainerStarted)
	}
	if evt.Data["container"] != "app1" {
		t.Errorf("data = %v, want container app1", evt.Data)
	}
	if evt.Timestamp.IsZero() {
		t.Error("timestamp is zero, want stamped by the bus")
	}
}

func TestEventStreamTracksConnections(t *testing.T) {
	f := newTestServer(t)
	ts := httptest.NewServer(f.handler())
	defer ts.Close()

	if got := f.srv.hub.count(); got != 0 {
		t.Fatalf("initial count = %d, want 0", got)
	}

	c1 := dialEvents(t, ts)
	c2 := dialEvents(t, ts)
	waitForClients(t, f, 2)

	c1.Close()
	waitForClients(t, f, 1)

	c2.Close()
	waitForClients(t, f, 0)
}

func TestEventStreamFansOut(t *testing.T) {
	f := newTestServer(t)
	ts := httptest.NewServer(f.handler())
	defer ts.Close()

	c1 := dialEvents(t, ts)
	defer c1.Close()
	c2 := dialEvents(t, ts)
	defer c2.Close()
	waitForClients(t, f, 2)

	f.bus.Publish(events.Event{Type: events.ScalingUp, Data: map[string]any{"service": "web1"}})

	for i, conn := range []*websocket.Conn{c1, c2} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var evt events.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("client %d read: %v", i+1, err)
		}
		if evt.Type != events.ScalingUp {
			t.Errorf("client %d type = %q, want %q", i+1, evt.Type, events.ScalingUp)
		}
	}
}

func TestEventStreamOpenWithAuthEnabled(t *testing.T) {
	f := newTestServer(t)
	f.cfg.EnableAuth = true
	f.cfg.APIToken = "sekret"
	ts := httptest.NewServer(f.handler())
	defer ts.Close()

	// The event stream carries no bearer token; it stays reachable so
	// dashboards can connect before authenticating API calls.
	conn := dialEvents(t, ts)
	defer conn.Close()
	waitForClients(t, f, 1)
}
