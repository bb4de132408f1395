package web

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/selfstart/selfstart/internal/orchestrator"
	"github.com/selfstart/selfstart/internal/proxy"
	"github.com/selfstart/selfstart/internal/shutdown"
	"github.com/selfstart/selfstart/internal/store"
)

func testService(name, svcType, status string, deps ...string) *store.Service {
	return &store.Service{
		Name:         name,
		ContainerID:  "cid-" + name,
		ServiceType:  svcType,
		Status:       status,
		HealthScore:  1,
		Dependencies: deps,
		LastSeen:     time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC),
	}
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

func TestDiscoveryListAndFilters(t *testing.T) {
	f := newTestServer(t)
	f.dir.services["web1"] = testService("web1", "web", "running")
	f.dir.services["db1"] = testService("db1", "database", "running")
	f.dir.services["old"] = testService("old", "web", "stopped")

	w := f.do(http.MethodGet, "/api/v2/discovery", nil)
	body := decodeMap(t, w)
	if body["total"] != float64(3) {
		t.Fatalf("total = %v, want 3", body["total"])
	}
	dm := body["discovery_metrics"].(map[string]any)
	if dm["total_services"] != float64(3) {
		t.Errorf("total_services = %v, want 3", dm["total_services"])
	}
	if dm["running_services"] != float64(2) {
		t.Errorf("running_services = %v, want 2", dm["running_services"])
	}

	w = f.do(http.MethodGet, "/api/v2/discovery?service_type=web&status=running", nil)
	body = decodeMap(t, w)
	if body["total"] != float64(1) {
		t.Fatalf("filtered total = %v, want 1", body["total"])
	}
	svc := body["services"].([]any)[0].(map[string]any)
	if svc["name"] != "web1" {
		t.Errorf("filtered service = %v, want web1", svc["name"])
	}
}

func TestDiscoveryDetailResolvesNeighbors(t *testing.T) {
	f := newTestServer(t)
	f.dir.services["api"] = testService("api", "web", "running", "db")
	f.dir.services["db"] = testService("db", "database", "running")
	f.dir.services["front"] = testService("front", "web", "running", "api")

	w := f.do(http.MethodGet, "/api/v2/discovery/api", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeMap(t, w)
	svc := body["service"].(map[string]any)
	if svc["name"] != "api" {
		t.Errorf("service = %v, want api", svc["name"])
	}
	depsList := body["dependencies"].([]any)
	if len(depsList) != 1 || depsList[0].(map[string]any)["name"] != "db" {
		t.Errorf("dependencies = %v, want [db]", depsList)
	}
	dependents := body["dependents"].([]any)
	if len(dependents) != 1 || dependents[0].(map[string]any)["name"] != "front" {
		t.Errorf("dependents = %v, want [front]", dependents)
	}
}

func TestDiscoveryDetailNotFound(t *testing.T) {
	f := newTestServer(t)

	w := f.do(http.MethodGet, "/api/v2/discovery/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestDiscoveryRegisterDefaults(t *testing.T) {
	f := newTestServer(t)

	body := `{"name": "manual1", "image": "custom:1", "port": 9000}`
	w := f.do(http.MethodPost, "/api/v2/discovery/register", strings.NewReader(body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	resp := decodeMap(t, w)
	if resp["success"] != true {
		t.Fatalf("success = %v, want true", resp["success"])
	}

	if len(f.dir.registered) != 1 {
		t.Fatalf("registered %d services, want 1", len(f.dir.registered))
	}
	svc := f.dir.registered[0]
	if svc.ContainerID != "manual" {
		t.Errorf("container id = %q, want manual", svc.ContainerID)
	}
	if svc.Status != "stopped" || svc.ServiceType != "web" {
		t.Errorf("status/type = %s/%s, want stopped/web", svc.Status, svc.ServiceType)
	}
	if len(svc.Endpoints) != 1 {
		t.Fatalf("endpoints = %d, want 1", len(svc.Endpoints))
	}
	ep := svc.Endpoints[0]
	if ep.Host != "manual1" || ep.Port != 9000 || ep.HealthPath != "/health" {
		t.Errorf("endpoint = %+v, want host manual1 port 9000 health /health", ep)
	}
}

// ---------------------------------------------------------------------------
// Scaling
// ---------------------------------------------------------------------------

func TestScalingPolicyLifecycle(t *testing.T) {
	f := newTestServer(t)

	body := `{"service": "web1", "enabled": true, "cpu_up": 80, "cpu_down": 30, "min_replicas": 1, "max_replicas": 3}`
	w := f.do(http.MethodPost, "/api/v2/scaling/policies", strings.NewReader(body))
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200: %s", w.Code, w.Body.String())
	}

	w = f.do(http.MethodGet, "/api/v2/scaling/policies", nil)
	resp := decodeMap(t, w)
	if resp["total"] != float64(1) {
		t.Fatalf("total = %v, want 1", resp["total"])
	}
	metrics := resp["metrics"].(map[string]any)
	if metrics["active_policies"] != float64(1) {
		t.Errorf("active_policies = %v, want 1", metrics["active_policies"])
	}

	w = f.do(http.MethodDelete, "/api/v2/scaling/policies/web1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", w.Code)
	}
	if len(f.scal.removed) != 1 || f.scal.removed[0] != "web1" {
		t.Errorf("removed = %v, want [web1]", f.scal.removed)
	}
}

func TestManualScale(t *testing.T) {
	f := newTestServer(t)

	w := f.do(http.MethodPost, "/api/v2/scaling/web1/scale?replicas=3", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if f.scal.scaled["web1"] != 3 {
		t.Errorf("scaled[web1] = %d, want 3", f.scal.scaled["web1"])
	}

	w = f.do(http.MethodPost, "/api/v2/scaling/web1/scale?replicas=abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad replicas status = %d, want 400", w.Code)
	}
}

func TestScalingEventsShape(t *testing.T) {
	f := newTestServer(t)
	f.scal.events["web1"] = []*store.ScalingEvent{{
		Service:     "web1",
		Direction:   "up",
		Trigger:     "automatic",
		OldReplicas: 1,
		NewReplicas: 2,
		Reason:      "cpu above threshold",
		Success:     true,
		Timestamp:   time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
	}}

	w := f.do(http.MethodGet, "/api/v2/scaling/web1/events", nil)
	body := decodeMap(t, w)
	if body["service"] != "web1" {
		t.Errorf("service = %v, want web1", body["service"])
	}
	evt := body["events"].([]any)[0].(map[string]any)
	if evt["direction"] != "up" || evt["trigger"] != "automatic" {
		t.Errorf("event = %v, want direction up trigger automatic", evt)
	}
	if evt["from_replicas"] != float64(1) || evt["to_replicas"] != float64(2) {
		t.Errorf("replicas = %v -> %v, want 1 -> 2", evt["from_replicas"], evt["to_replicas"])
	}
}

func TestScalingHistory(t *testing.T) {
	f := newTestServer(t)
	f.scal.history["web1"] = []store.MetricsPoint{
		{CPUPercent: 12, Timestamp: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)},
		{CPUPercent: 55, Timestamp: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)},
	}

	w := f.do(http.MethodGet, "/api/v2/scaling/web1/history", nil)
	body := decodeMap(t, w)
	if body["total"] != float64(2) {
		t.Fatalf("total = %v, want 2", body["total"])
	}

	w = f.do(http.MethodGet, "/api/v2/scaling/web1/history?limit=1", nil)
	body = decodeMap(t, w)
	points := body["history"].([]any)
	if len(points) != 1 {
		t.Fatalf("limited history = %d points, want 1", len(points))
	}
	if points[0].(map[string]any)["cpu_percent"] != float64(55) {
		t.Errorf("kept point cpu = %v, want the newest (55)", points[0])
	}
}

// ---------------------------------------------------------------------------
// Proxy control plane and data plane
// ---------------------------------------------------------------------------

func TestProxyTargetLifecycle(t *testing.T) {
	f := newTestServer(t)

	body := `{"name": "web", "policy": "round_robin", "backends": [{"host": "10.0.0.1", "port": 8080}]}`
	w := f.do(http.MethodPost, "/api/v2/proxy/targets", strings.NewReader(body))
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200: %s", w.Code, w.Body.String())
	}
	resp := decodeMap(t, w)
	if resp["target_name"] != "web" {
		t.Errorf("target_name = %v, want web", resp["target_name"])
	}

	w = f.do(http.MethodGet, "/api/v2/proxy/targets", nil)
	resp = decodeMap(t, w)
	if resp["total"] != float64(1) {
		t.Fatalf("total = %v, want 1", resp["total"])
	}

	w = f.do(http.MethodGet, "/api/v2/proxy/targets/web", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", w.Code)
	}

	w = f.do(http.MethodGet, "/api/v2/proxy/targets/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown target status = %d, want 404", w.Code)
	}

	w = f.do(http.MethodDelete, "/api/v2/proxy/targets/web", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", w.Code)
	}
	if len(f.prox.removed) != 1 || f.prox.removed[0] != "web" {
		t.Errorf("removed = %v, want [web]", f.prox.removed)
	}
}

func TestProxyBackendOperations(t *testing.T) {
	f := newTestServer(t)
	f.prox.targets["web"] = proxy.TargetStatus{Name: "web"}

	body := `{"host": "10.0.0.2", "port": 8080, "weight": 2}`
	w := f.do(http.MethodPost, "/api/v2/proxy/targets/web/backends", strings.NewReader(body))
	if w.Code != http.StatusOK {
		t.Fatalf("add status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(f.prox.added["web"]) != 1 || f.prox.added["web"][0].Host != "10.0.0.2" {
		t.Errorf("added = %v, want host 10.0.0.2", f.prox.added["web"])
	}

	w = f.do(http.MethodDelete, "/api/v2/proxy/targets/web/backends?backend_url=http://10.0.0.2:8080", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove status = %d, want 200", w.Code)
	}
	if got := f.prox.removedURLs["web"]; len(got) != 1 || got[0] != "http://10.0.0.2:8080" {
		t.Errorf("removed backends = %v, want the url", got)
	}

	w = f.do(http.MethodDelete, "/api/v2/proxy/targets/web/backends", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing backend_url status = %d, want 400", w.Code)
	}

	w = f.do(http.MethodPost, "/api/v2/proxy/targets/web/backends/maintenance?backend_url=http://10.0.0.2:8080&maintenance=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("maintenance status = %d, want 200", w.Code)
	}
	if !f.prox.maintenance["web|http://10.0.0.2:8080"] {
		t.Error("maintenance flag not set")
	}
}

func TestProxyDataPlane(t *testing.T) {
	f := newTestServer(t)
	f.prox.targets["web"] = proxy.TargetStatus{Name: "web"}

	w := f.do(http.MethodGet, "/proxy/web/users/42", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(f.prox.proxied) != 1 || f.prox.proxied[0] != "web /users/42" {
		t.Errorf("proxied = %v, want [web /users/42]", f.prox.proxied)
	}

	// POST flows through the same route.
	w = f.do(http.MethodPost, "/proxy/web/users", strings.NewReader(`{}`))
	if w.Code != http.StatusOK {
		t.Fatalf("post status = %d, want 200", w.Code)
	}

	w = f.do(http.MethodGet, "/proxy/ghost/x", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown target status = %d, want 404", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Managed containers
// ---------------------------------------------------------------------------

func TestManagedContainerLifecycle(t *testing.T) {
	f := newTestServer(t)

	body := `{"name": "app1", "image": "app:1", "ports": {"8080": "80"}}`
	w := f.do(http.MethodPost, "/api/v2/containers", strings.NewReader(body))
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if _, ok := f.orch.configs["app1"]; !ok {
		t.Fatal("config not registered")
	}

	// Missing image fails validation.
	w = f.do(http.MethodPost, "/api/v2/containers", strings.NewReader(`{"name": "bad"}`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid config status = %d, want 400", w.Code)
	}

	w = f.do(http.MethodPost, "/api/v2/containers/app1/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d, want 200", w.Code)
	}
	if len(f.orch.started) != 1 {
		t.Errorf("started = %v, want one entry", f.orch.started)
	}

	w = f.do(http.MethodPost, "/api/v2/containers/app1/restart", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("restart status = %d, want 200", w.Code)
	}

	w = f.do(http.MethodDelete, "/api/v2/containers/app1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("deregister status = %d, want 200", w.Code)
	}
	if len(f.orch.deregistered) != 1 {
		t.Errorf("deregistered = %v, want one entry", f.orch.deregistered)
	}
}

func TestManagedContainersList(t *testing.T) {
	f := newTestServer(t)
	f.orch.states["app1"] = &orchestrator.ContainerState{Name: "app1", State: "running", RestartCount: 2}
	f.orch.states["app2"] = &orchestrator.ContainerState{Name: "app2", State: "stopped"}

	w := f.do(http.MethodGet, "/api/v2/containers", nil)
	body := decodeMap(t, w)
	if body["total"] != float64(2) {
		t.Fatalf("total = %v, want 2", body["total"])
	}
	metrics := body["metrics"].(map[string]any)
	if metrics["total_restarts"] != float64(2) {
		t.Errorf("total_restarts = %v, want 2", metrics["total_restarts"])
	}
	byState := metrics["by_state"].(map[string]any)
	if byState["running"] != float64(1) || byState["stopped"] != float64(1) {
		t.Errorf("by_state = %v, want one running one stopped", byState)
	}
}

func TestManagedStatus(t *testing.T) {
	f := newTestServer(t)
	f.orch.states["app1"] = &orchestrator.ContainerState{Name: "app1", State: "running"}

	w := f.do(http.MethodGet, "/api/v2/containers/app1/status", nil)
	body := decodeMap(t, w)
	if body["state"] != "running" {
		t.Errorf("state = %v, want running", body["state"])
	}

	w = f.do(http.MethodGet, "/api/v2/containers/ghost/status", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown status = %d, want 404", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Shutdown rules
// ---------------------------------------------------------------------------

func TestShutdownRuleLifecycle(t *testing.T) {
	f := newTestServer(t)

	body := `{"name": "night idle", "enabled": true, "condition": "inactivity", "action": "stop", "inactivity_threshold": 1800}`
	w := f.do(http.MethodPost, "/api/v2/shutdown/rules", strings.NewReader(body))
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200: %s", w.Code, w.Body.String())
	}
	resp := decodeMap(t, w)
	if resp["rule_id"] != float64(1) {
		t.Fatalf("rule_id = %v, want 1", resp["rule_id"])
	}

	w = f.do(http.MethodGet, "/api/v2/shutdown/rules", nil)
	resp = decodeMap(t, w)
	if resp["total"] != float64(1) {
		t.Fatalf("total = %v, want 1", resp["total"])
	}

	w = f.do(http.MethodGet, "/api/v2/shutdown/rules/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", w.Code)
	}
	rule := decodeMap(t, w)
	if rule["name"] != "night idle" {
		t.Errorf("name = %v, want night idle", rule["name"])
	}

	w = f.do(http.MethodDelete, "/api/v2/shutdown/rules/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", w.Code)
	}

	w = f.do(http.MethodGet, "/api/v2/shutdown/rules/1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("deleted rule status = %d, want 404", w.Code)
	}
}

func TestShutdownLogsAndStatus(t *testing.T) {
	f := newTestServer(t)
	f.shut.logs = []*store.ShutdownLog{
		{ID: 2, RuleID: 1, ContainerName: "app1", Action: "stop", Success: true},
		{ID: 1, RuleID: 2, ContainerName: "app2", Action: "pause", Success: false},
	}
	f.shut.snaps = []*shutdown.Snapshot{{Name: "app1", Connections: 3, Protected: true}}

	w := f.do(http.MethodGet, "/api/v2/shutdown/logs", nil)
	body := decodeMap(t, w)
	if body["total"] != float64(2) {
		t.Fatalf("total = %v, want 2", body["total"])
	}

	w = f.do(http.MethodGet, "/api/v2/shutdown/rules/1/logs", nil)
	body = decodeMap(t, w)
	if body["total"] != float64(1) {
		t.Fatalf("rule logs total = %v, want 1", body["total"])
	}

	w = f.do(http.MethodGet, "/api/v2/shutdown/status", nil)
	body = decodeMap(t, w)
	snap := body["containers"].([]any)[0].(map[string]any)
	if snap["name"] != "app1" || snap["protected"] != true {
		t.Errorf("snapshot = %v, want app1 protected", snap)
	}
}

func TestShutdownProtectToggle(t *testing.T) {
	f := newTestServer(t)

	w := f.do(http.MethodPost, "/api/v2/shutdown/app1/protect?protected=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !f.shut.protected["app1"] {
		t.Error("protection flag not set")
	}

	w = f.do(http.MethodPost, "/api/v2/shutdown/app1/protect?protected=nope", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad boolean status = %d, want 400", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Webhooks
// ---------------------------------------------------------------------------

func TestWebhookLifecycle(t *testing.T) {
	f := newTestServer(t)

	body := `{"name": "ops", "type": "webhook", "url": "https://hooks.example.com/x", "secret": "supersecret", "events": ["container.failed"], "enabled": true}`
	w := f.do(http.MethodPost, "/api/v2/webhooks", strings.NewReader(body))
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, want 200: %s", w.Code, w.Body.String())
	}
	resp := decodeMap(t, w)
	if resp["webhook_id"] != float64(1) {
		t.Fatalf("webhook_id = %v, want 1", resp["webhook_id"])
	}

	w = f.do(http.MethodGet, "/api/v2/webhooks", nil)
	resp = decodeMap(t, w)
	if resp["total"] != float64(1) {
		t.Fatalf("total = %v, want 1", resp["total"])
	}
	hook := resp["webhooks"].([]any)[0].(map[string]any)
	if secret := hook["secret"].(string); !strings.HasSuffix(secret, "****") {
		t.Errorf("secret = %q, want masked", secret)
	}

	w = f.do(http.MethodGet, "/api/v2/webhooks/1", nil)
	one := decodeMap(t, w)
	if secret := one["secret"].(string); strings.Contains(secret, "supersecret") {
		t.Errorf("detail secret = %q, want masked", secret)
	}

	w = f.do(http.MethodPost, "/api/v2/webhooks/1/test", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("test status = %d, want 200", w.Code)
	}
	if len(f.wh.tested) != 1 || f.wh.tested[0] != 1 {
		t.Errorf("tested = %v, want [1]", f.wh.tested)
	}

	w = f.do(http.MethodDelete, "/api/v2/webhooks/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", w.Code)
	}

	w = f.do(http.MethodPost, "/api/v2/webhooks/1/test", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("test after delete status = %d, want 404", w.Code)
	}
}

func TestWebhookLogsEndpoints(t *testing.T) {
	f := newTestServer(t)
	f.wh.logs = []*store.WebhookLog{
		{ID: 2, WebhookID: 1, Event: "container.failed", Success: true, Attempts: 1},
		{ID: 1, WebhookID: 2, Event: "scaling.up", Success: false, Attempts: 3},
	}

	w := f.do(http.MethodGet, "/api/v2/webhooks/1/logs", nil)
	body := decodeMap(t, w)
	if body["total"] != float64(1) {
		t.Fatalf("per-webhook total = %v, want 1", body["total"])
	}

	w = f.do(http.MethodGet, "/api/v2/webhooks/logs", nil)
	body = decodeMap(t, w)
	if body["total"] != float64(2) {
		t.Fatalf("all logs total = %v, want 2", body["total"])
	}
}

func TestWebhookProviders(t *testing.T) {
	f := newTestServer(t)

	w := f.do(http.MethodGet, "/api/v2/webhooks/providers", nil)
	body := decodeMap(t, w)
	providers := body["providers"].([]any)
	found := false
	for _, p := range providers {
		if p == "discord" {
			found = true
		}
	}
	if !found {
		t.Errorf("providers = %v, want discord included", providers)
	}
}

func TestWebhookInvalidID(t *testing.T) {
	f := newTestServer(t)

	w := f.do(http.MethodGet, "/api/v2/webhooks/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func TestMetricsAggregation(t *testing.T) {
	f := newTestServer(t)
	f.dir.services["web1"] = testService("web1", "web", "running")
	f.prox.stats = proxy.Stats{TotalRequests: 10, ActiveTargets: 1}

	w := f.do(http.MethodGet, "/api/v2/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeMap(t, w)

	system := body["system"].(map[string]any)
	if system["goroutines"] == float64(0) {
		t.Error("goroutines = 0, want a live count")
	}

	comps := body["components"].(map[string]any)
	disc := comps["service_discovery"].(map[string]any)
	if disc["total_services"] != float64(1) {
		t.Errorf("total_services = %v, want 1", disc["total_services"])
	}
	prox := comps["proxy"].(map[string]any)
	if prox["total_requests"] != float64(10) {
		t.Errorf("total_requests = %v, want 10", prox["total_requests"])
	}
	ws := comps["websocket"].(map[string]any)
	if ws["connections"] != float64(0) {
		t.Errorf("connections = %v, want 0", ws["connections"])
	}
}

func TestPrometheusExposition(t *testing.T) {
	f := newTestServer(t)

	w := f.do(http.MethodGet, "/api/v2/metrics/prometheus", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q, want text/plain exposition", ct)
	}
	if !strings.Contains(w.Body.String(), "selfstart_") {
		t.Errorf("exposition missing selfstart_ families:\n%s", w.Body.String())
	}
}
