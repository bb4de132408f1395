package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// Vec metrics are not gathered until at least one label set is created.
	ContainerStarts.WithLabelValues("success")
	ProxyRequests.WithLabelValues("web", "ok")
	BreakerState.WithLabelValues("web", "web-1:8080")
	ScalingActions.WithLabelValues("up", "success")
	ShutdownActions.WithLabelValues("stop", "success")
	WebhookDeliveries.WithLabelValues("discord", "success")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"selfstart_services_total":             false,
		"selfstart_services_healthy":           false,
		"selfstart_discovery_duration_seconds": false,
		"selfstart_container_starts_total":     false,
		"selfstart_container_stops_total":      false,
		"selfstart_start_queue_depth":          false,
		"selfstart_start_duration_seconds":     false,
		"selfstart_proxy_requests_total":       false,
		"selfstart_proxy_retries_total":        false,
		"selfstart_breaker_state":              false,
		"selfstart_scaling_actions_total":      false,
		"selfstart_shutdown_actions_total":     false,
		"selfstart_webhook_deliveries_total":   false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestWriteExposition(t *testing.T) {
	ServicesTotal.Set(4)
	ContainerStarts.WithLabelValues("success").Inc()

	var buf bytes.Buffer
	if err := WriteExposition(&buf); err != nil {
		t.Fatalf("WriteExposition: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "selfstart_services_total") {
		t.Errorf("exposition missing selfstart_services_total:\n%s", out)
	}
	if !strings.Contains(out, "# TYPE selfstart_container_starts_total counter") {
		t.Errorf("exposition missing counter type line:\n%s", out)
	}
	for _, line := range strings.Split(out, "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "selfstart_") {
			t.Errorf("foreign metric leaked into exposition: %q", line)
		}
	}
}
