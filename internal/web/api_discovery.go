package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/selfstart/selfstart/internal/store"
)

// apiDiscovery lists discovered services, optionally filtered by
// service_type and status.
func (s *Server) apiDiscovery(w http.ResponseWriter, r *http.Request) {
	services := s.deps.Discovery.Services()

	typeFilter := r.URL.Query().Get("service_type")
	statusFilter := r.URL.Query().Get("status")

	out := make([]*store.Service, 0, len(services))
	for _, svc := range services {
		if typeFilter != "" && svc.ServiceType != typeFilter {
			continue
		}
		if statusFilter != "" && svc.Status != statusFilter {
			continue
		}
		out = append(out, svc)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"services":          out,
		"total":             len(out),
		"discovery_metrics": discoveryMetrics(services),
	})
}

// apiDiscoveryDetail returns one service with its resolved dependency
// neighborhood.
func (s *Server) apiDiscoveryDetail(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	svc, err := s.deps.Discovery.Service(name)
	if err != nil {
		s.fail(w, err, "service lookup failed")
		return
	}

	graph := s.deps.Discovery.Graph()
	writeJSON(w, http.StatusOK, map[string]any{
		"service":      svc,
		"dependencies": s.resolveServices(graph.Dependencies(name)),
		"dependents":   s.resolveServices(graph.Dependents(name)),
	})
}

// resolveServices maps names to known services, skipping declared
// dependencies that were never discovered.
func (s *Server) resolveServices(names []string) []*store.Service {
	out := make([]*store.Service, 0, len(names))
	for _, n := range names {
		if svc, err := s.deps.Discovery.Service(n); err == nil {
			out = append(out, svc)
		}
	}
	return out
}

// apiDiscoveryRegister registers a service by hand. The body carries the
// essentials; the rest is defaulted the way autodiscovery would.
func (s *Server) apiDiscoveryRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string            `json:"name"`
		Image       string            `json:"image"`
		Port        int               `json:"port"`
		Labels      map[string]string `json:"labels"`
		Environment map[string]string `json:"environment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	svc := &store.Service{
		Name:        req.Name,
		ContainerID: "manual",
		Image:       req.Image,
		ServiceType: "web",
		Status:      "stopped",
		HealthScore: 1,
		Endpoints: []store.Endpoint{{
			Protocol:   "http",
			Host:       req.Name,
			Port:       req.Port,
			Path:       "/",
			HealthPath: "/health",
		}},
		Labels:      req.Labels,
		Environment: req.Environment,
	}

	if err := s.deps.Discovery.Register(r.Context(), svc); err != nil {
		s.fail(w, err, "manual registration failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Service %s registered", req.Name),
	})
}

// discoveryMetrics summarizes the live service table.
func discoveryMetrics(services []*store.Service) map[string]any {
	healthy := 0
	running := 0
	byType := map[string]int{}
	var lastSeen time.Time
	for _, svc := range services {
		if svc.HealthScore > 0.5 {
			healthy++
		}
		if svc.Status == "running" {
			running++
		}
		byType[svc.ServiceType]++
		if svc.LastSeen.After(lastSeen) {
			lastSeen = svc.LastSeen
		}
	}

	ratio := 0.0
	if len(services) > 0 {
		ratio = float64(healthy) / float64(len(services))
	}

	m := map[string]any{
		"total_services":   len(services),
		"healthy_services": healthy,
		"running_services": running,
		"health_ratio":     ratio,
		"services_by_type": byType,
	}
	if !lastSeen.IsZero() {
		m["last_discovery"] = lastSeen.UTC().Format(time.RFC3339)
	}
	return m
}
