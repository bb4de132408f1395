// Package web serves the HTTP API: v1 container endpoints, the v2
// discovery/scaling/proxy/webhook surfaces, the /proxy data plane, and
// the /ws/events WebSocket feed.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/selfstart/selfstart/internal/clock"
	"github.com/selfstart/selfstart/internal/config"
	"github.com/selfstart/selfstart/internal/deps"
	"github.com/selfstart/selfstart/internal/events"
	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/hooks"
	"github.com/selfstart/selfstart/internal/logging"
	"github.com/selfstart/selfstart/internal/orchestrator"
	"github.com/selfstart/selfstart/internal/proxy"
	"github.com/selfstart/selfstart/internal/shutdown"
	"github.com/selfstart/selfstart/internal/store"
)

// apiVersion is reported by /health and the API index.
const apiVersion = "0.3.0"

// Dependencies defines what the API server needs from the rest of the
// application.
type Dependencies struct {
	Discovery    ServiceDirectory
	Orchestrator ContainerManager
	Scaler       ScalingManager
	Proxy        ProxyManager
	Shutdown     ShutdownManager
	Webhooks     WebhookManager
	Runtime      ContainerLister
	Bus          *events.Bus
	Hooks        *hooks.Bus
	Config       *config.Config
	Log          *logging.Logger
	Clock        clock.Clock
}

// ServiceDirectory is the discovery manager's read/register surface.
type ServiceDirectory interface {
	Services() []*store.Service
	Service(name string) (*store.Service, error)
	Register(ctx context.Context, svc *store.Service) error
	Graph() *deps.Graph
}

// ContainerManager drives managed container lifecycle.
type ContainerManager interface {
	Register(ctx context.Context, cfg *store.ContainerConfig) error
	Deregister(ctx context.Context, name string) error
	Start(ctx context.Context, name string, force bool) error
	Stop(ctx context.Context, name string, force bool) error
	Restart(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (*store.ServiceStatus, error)
	Logs(ctx context.Context, name string, lines int) (string, error)
	State(name string) *orchestrator.ContainerState
	States() []*orchestrator.ContainerState
}

// ScalingManager reads and writes scaling policies and history.
type ScalingManager interface {
	Policies() []*store.ScalingPolicy
	SetPolicy(ctx context.Context, p *store.ScalingPolicy) error
	RemovePolicy(ctx context.Context, service string) error
	ManualScale(ctx context.Context, service string, target int) error
	Events(ctx context.Context, service string, n int) ([]*store.ScalingEvent, error)
	History(service string, n int) []store.MetricsPoint
}

// ProxyManager owns the target table and serves proxied requests.
type ProxyManager interface {
	Proxy(w http.ResponseWriter, r *http.Request, targetName, path string)
	RegisterTarget(ctx context.Context, cfg *store.ProxyTarget) error
	RemoveTarget(ctx context.Context, name string) error
	AddBackend(ctx context.Context, targetName string, spec store.BackendSpec) error
	RemoveBackend(ctx context.Context, targetName, backend string) error
	SetMaintenance(targetName, backend string, on bool) error
	Targets() []proxy.TargetStatus
	Target(name string) (proxy.TargetStatus, error)
	Stats() proxy.Stats
}

// ShutdownManager reads and writes shutdown rules and protection state.
type ShutdownManager interface {
	SaveRule(r *store.ShutdownRule) error
	Rule(id uint64) (*store.ShutdownRule, error)
	Rules() ([]*store.ShutdownRule, error)
	RemoveRule(id uint64) error
	Logs(limit int) ([]*store.ShutdownLog, error)
	LogsByRule(ruleID uint64, limit int) ([]*store.ShutdownLog, error)
	Snapshots() []*shutdown.Snapshot
	Protect(name string, protected bool)
	RecordActivity(name string)
}

// WebhookManager manages webhook subscriptions and delivery logs.
type WebhookManager interface {
	SaveWebhook(cfg *store.WebhookConfig) error
	Webhook(id uint64) (*store.WebhookConfig, error)
	Webhooks() ([]*store.WebhookConfig, error)
	RemoveWebhook(id uint64) error
	Logs(webhookID uint64, limit int) ([]*store.WebhookLog, error)
	Test(ctx context.Context, id uint64) error
}

// ContainerLister lists containers straight from the runtime.
type ContainerLister interface {
	ListAllContainers(ctx context.Context) ([]container.Summary, error)
}

// Server is the HTTP API server.
type Server struct {
	deps    Dependencies
	mux     *http.ServeMux
	hub     *wsHub
	server  *http.Server
	started time.Time
}

// NewServer creates a Server with all routes registered.
func NewServer(d Dependencies) *Server {
	s := &Server{
		deps:    d,
		mux:     http.NewServeMux(),
		hub:     newHub(d.Log),
		started: d.Clock.Now(),
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	handler := s.cors(s.auth(s.timed(s.mux)))
	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket and proxied connections are long-lived.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.apiHealth)
	s.mux.HandleFunc("GET /{$}", s.apiIndex)

	// v1 compat surface.
	s.mux.HandleFunc("GET /api/status", s.apiStatus)
	s.mux.HandleFunc("POST /api/start", s.apiStart)
	s.mux.HandleFunc("POST /api/stop", s.apiStop)
	s.mux.HandleFunc("GET /api/containers", s.apiContainers)
	s.mux.HandleFunc("GET /api/logs/{name}", s.apiLogs)

	// Managed containers.
	s.mux.HandleFunc("POST /api/v2/containers", s.apiRegisterContainer)
	s.mux.HandleFunc("GET /api/v2/containers", s.apiManagedContainers)
	s.mux.HandleFunc("GET /api/v2/containers/{name}/status", s.apiManagedStatus)
	s.mux.HandleFunc("POST /api/v2/containers/{name}/start", s.apiManagedStart)
	s.mux.HandleFunc("POST /api/v2/containers/{name}/stop", s.apiManagedStop)
	s.mux.HandleFunc("POST /api/v2/containers/{name}/restart", s.apiManagedRestart)
	s.mux.HandleFunc("GET /api/v2/containers/{name}/logs", s.apiManagedLogs)
	s.mux.HandleFunc("DELETE /api/v2/containers/{name}", s.apiDeregisterContainer)

	// Service discovery.
	s.mux.HandleFunc("GET /api/v2/discovery", s.apiDiscovery)
	s.mux.HandleFunc("GET /api/v2/discovery/{name}", s.apiDiscoveryDetail)
	s.mux.HandleFunc("POST /api/v2/discovery/register", s.apiDiscoveryRegister)

	// Auto-scaling.
	s.mux.HandleFunc("GET /api/v2/scaling/policies", s.apiScalingPolicies)
	s.mux.HandleFunc("POST /api/v2/scaling/policies", s.apiCreateScalingPolicy)
	s.mux.HandleFunc("DELETE /api/v2/scaling/policies/{name}", s.apiDeleteScalingPolicy)
	s.mux.HandleFunc("POST /api/v2/scaling/{name}/scale", s.apiManualScale)
	s.mux.HandleFunc("GET /api/v2/scaling/{name}/events", s.apiScalingEvents)
	s.mux.HandleFunc("GET /api/v2/scaling/{name}/history", s.apiScalingHistory)

	// Reverse proxy control plane.
	s.mux.HandleFunc("POST /api/v2/proxy/targets", s.apiCreateProxyTarget)
	s.mux.HandleFunc("GET /api/v2/proxy/targets", s.apiProxyTargets)
	s.mux.HandleFunc("GET /api/v2/proxy/targets/{name}", s.apiProxyTarget)
	s.mux.HandleFunc("DELETE /api/v2/proxy/targets/{name}", s.apiDeleteProxyTarget)
	s.mux.HandleFunc("POST /api/v2/proxy/targets/{name}/backends", s.apiAddBackend)
	s.mux.HandleFunc("DELETE /api/v2/proxy/targets/{name}/backends", s.apiRemoveBackend)
	s.mux.HandleFunc("POST /api/v2/proxy/targets/{name}/backends/maintenance", s.apiBackendMaintenance)

	// Proxy data plane; no method prefix so every verb matches.
	s.mux.HandleFunc("/proxy/{target}/{path...}", s.proxyRequest)

	// Auto-shutdown.
	s.mux.HandleFunc("GET /api/v2/shutdown/rules", s.apiShutdownRules)
	s.mux.HandleFunc("POST /api/v2/shutdown/rules", s.apiCreateShutdownRule)
	s.mux.HandleFunc("GET /api/v2/shutdown/rules/{id}", s.apiShutdownRule)
	s.mux.HandleFunc("DELETE /api/v2/shutdown/rules/{id}", s.apiDeleteShutdownRule)
	s.mux.HandleFunc("GET /api/v2/shutdown/rules/{id}/logs", s.apiShutdownRuleLogs)
	s.mux.HandleFunc("GET /api/v2/shutdown/logs", s.apiShutdownLogs)
	s.mux.HandleFunc("GET /api/v2/shutdown/status", s.apiShutdownStatus)
	s.mux.HandleFunc("POST /api/v2/shutdown/{name}/protect", s.apiShutdownProtect)

	// Webhooks.
	s.mux.HandleFunc("GET /api/v2/webhooks", s.apiWebhooks)
	s.mux.HandleFunc("POST /api/v2/webhooks", s.apiCreateWebhook)
	s.mux.HandleFunc("GET /api/v2/webhooks/providers", s.apiWebhookProviders)
	s.mux.HandleFunc("GET /api/v2/webhooks/logs", s.apiAllWebhookLogs)
	s.mux.HandleFunc("GET /api/v2/webhooks/{id}", s.apiWebhook)
	s.mux.HandleFunc("DELETE /api/v2/webhooks/{id}", s.apiDeleteWebhook)
	s.mux.HandleFunc("POST /api/v2/webhooks/{id}/test", s.apiTestWebhook)
	s.mux.HandleFunc("GET /api/v2/webhooks/{id}/logs", s.apiWebhookLogs)

	// Metrics.
	s.mux.HandleFunc("GET /api/v2/metrics", s.apiMetrics)
	s.mux.HandleFunc("GET /api/v2/metrics/prometheus", s.apiPrometheus)

	// Real-time events.
	s.mux.HandleFunc("GET /ws/events", s.handleEvents)
}

// timed stamps X-Process-Time on every response and fires the
// on_api_request hook with the observed duration. WebSocket upgrades
// bypass it; the hijacked connection outlives the response.
func (s *Server) timed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}
		start := s.deps.Clock.Now()
		next.ServeHTTP(&timedWriter{ResponseWriter: w, start: start, clk: s.deps.Clock}, r)
		if s.deps.Hooks != nil {
			elapsed := s.deps.Clock.Since(start)
			for _, res := range s.deps.Hooks.Trigger(r.Context(), hooks.OnAPIRequest, hooks.Payload{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": elapsed.Seconds(),
			}) {
				if res.Err != nil {
					s.deps.Log.Warn("hook subscriber failed", "point", string(hooks.OnAPIRequest), "subscriber", res.Subscriber, "error", res.Err)
				}
			}
		}
	})
}

// timedWriter injects X-Process-Time just before the first byte goes out,
// the last moment headers can still be written.
type timedWriter struct {
	http.ResponseWriter
	start       time.Time
	clk         clock.Clock
	wroteHeader bool
}

func (t *timedWriter) WriteHeader(status int) {
	if !t.wroteHeader {
		t.wroteHeader = true
		t.Header().Set("X-Process-Time", strconv.FormatFloat(t.clk.Since(t.start).Seconds(), 'f', 6, 64))
	}
	t.ResponseWriter.WriteHeader(status)
}

func (t *timedWriter) Write(b []byte) (int, error) {
	if !t.wroteHeader {
		t.WriteHeader(http.StatusOK)
	}
	return t.ResponseWriter.Write(b)
}

// Flush keeps proxied streaming responses flowing through the wrapper.
func (t *timedWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		if !t.wroteHeader {
			t.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

func (t *timedWriter) Unwrap() http.ResponseWriter { return t.ResponseWriter }

// auth enforces the static bearer token on /api/ routes when enabled.
// The health check, the proxy data plane, and the event socket stay open.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Config == nil || !s.deps.Config.EnableAuth || !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		if token != s.deps.Config.APIToken {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

// cors mirrors the permissive policy the frontend expects.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) apiHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "selfstart-api",
		"version": apiVersion,
	})
}

func (s *Server) apiIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "SelfStart API",
		"version":   apiVersion,
		"websocket": "/ws/events",
		"features": []string{
			"service_discovery",
			"auto_scaling",
			"reverse_proxy",
			"auto_shutdown",
			"webhooks",
		},
	})
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail logs err and writes it out with the status its fault kind maps to.
func (s *Server) fail(w http.ResponseWriter, err error, msg string) {
	status := fault.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.deps.Log.Error(msg, "error", err)
	} else {
		s.deps.Log.Debug(msg, "error", err)
	}
	writeError(w, status, err.Error())
}

