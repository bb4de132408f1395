package web

import (
	"net/http"
	"runtime"
	"time"

	"github.com/selfstart/selfstart/internal/hooks"
	"github.com/selfstart/selfstart/internal/metrics"
)

// apiMetrics aggregates process and component metrics in one view.
func (s *Server) apiMetrics(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	system := map[string]any{
		"goroutines": runtime.NumGoroutine(),
		"cpus":       runtime.NumCPU(),
		"go_version": runtime.Version(),
		"memory": map[string]any{
			"alloc_bytes":       mem.Alloc,
			"sys_bytes":         mem.Sys,
			"heap_objects":      mem.HeapObjects,
			"gc_cycles":         mem.NumGC,
			"total_alloc_bytes": mem.TotalAlloc,
		},
		"uptime_seconds": s.deps.Clock.Since(s.started).Seconds(),
		"timestamp":      s.deps.Clock.Now().UTC().Format(time.RFC3339),
	}

	components := map[string]any{
		"service_discovery": discoveryMetrics(s.deps.Discovery.Services()),
		"auto_scaler":       s.scalingMetrics(s.deps.Scaler.Policies()),
		"orchestrator":      orchestratorMetrics(s.deps.Orchestrator.States()),
		"proxy":             s.deps.Proxy.Stats(),
		"websocket": map[string]any{
			"connections": s.hub.count(),
		},
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"system":     system,
		"components": components,
	})
}

// apiPrometheus serves the selfstart_ metric families in text exposition
// format.
func (s *Server) apiPrometheus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hooks != nil {
		for _, res := range s.deps.Hooks.Trigger(r.Context(), hooks.OnMetricsCollection, hooks.Payload{}) {
			if res.Err != nil {
				s.deps.Log.Warn("hook subscriber failed", "point", string(hooks.OnMetricsCollection), "subscriber", res.Subscriber, "error", res.Err)
			}
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := metrics.WriteExposition(w); err != nil {
		s.deps.Log.Error("metrics exposition failed", "error", err)
	}
}
