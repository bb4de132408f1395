package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/selfstart/selfstart/internal/proxy"
	"github.com/selfstart/selfstart/internal/store"
)

// apiCreateProxyTarget registers a load-balanced target.
func (s *Server) apiCreateProxyTarget(w http.ResponseWriter, r *http.Request) {
	var cfg store.ProxyTarget
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.deps.Proxy.RegisterTarget(r.Context(), &cfg); err != nil {
		s.fail(w, err, "target registration failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"message":     fmt.Sprintf("Target %s created", cfg.Name),
		"target_name": cfg.Name,
	})
}

// apiProxyTargets lists all targets with live backend status.
func (s *Server) apiProxyTargets(w http.ResponseWriter, r *http.Request) {
	targets := s.deps.Proxy.Targets()
	if targets == nil {
		targets = []proxy.TargetStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"targets": targets,
		"total":   len(targets),
		"metrics": s.deps.Proxy.Stats(),
	})
}

// apiProxyTarget returns one target's status.
func (s *Server) apiProxyTarget(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	status, err := s.deps.Proxy.Target(name)
	if err != nil {
		s.fail(w, err, "target lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// apiDeleteProxyTarget removes a target from the routing table.
func (s *Server) apiDeleteProxyTarget(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Proxy.RemoveTarget(r.Context(), name); err != nil {
		s.fail(w, err, "target removal failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Target %s removed", name),
	})
}

// apiAddBackend adds a backend to a target.
func (s *Server) apiAddBackend(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var spec store.BackendSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.deps.Proxy.AddBackend(r.Context(), name, spec); err != nil {
		s.fail(w, err, "backend add failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Backend %s added to target %s", backendAddr(spec), name),
	})
}

// apiRemoveBackend removes a backend identified by ?backend_url=.
func (s *Server) apiRemoveBackend(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	backend := r.URL.Query().Get("backend_url")
	if backend == "" {
		writeError(w, http.StatusBadRequest, "backend_url query parameter is required")
		return
	}

	if err := s.deps.Proxy.RemoveBackend(r.Context(), name, backend); err != nil {
		s.fail(w, err, "backend removal failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Backend %s removed from target %s", backend, name),
	})
}

// apiBackendMaintenance toggles maintenance mode for a backend.
func (s *Server) apiBackendMaintenance(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	backend := r.URL.Query().Get("backend_url")
	if backend == "" {
		writeError(w, http.StatusBadRequest, "backend_url query parameter is required")
		return
	}
	on, err := strconv.ParseBool(r.URL.Query().Get("maintenance"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "maintenance query parameter must be a boolean")
		return
	}

	if err := s.deps.Proxy.SetMaintenance(name, backend, on); err != nil {
		s.fail(w, err, "maintenance toggle failed")
		return
	}

	mode := "out of"
	if on {
		mode = "in"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Backend %s %s maintenance", backend, mode),
	})
}

// proxyRequest is the data plane: everything under /proxy/{target}/ is
// forwarded to a backend of that target.
func (s *Server) proxyRequest(w http.ResponseWriter, r *http.Request) {
	target := r.PathValue("target")
	path := "/" + r.PathValue("path")
	s.deps.Proxy.Proxy(w, r, target, path)
}

func backendAddr(spec store.BackendSpec) string {
	return fmt.Sprintf("http://%s:%d", spec.Host, spec.Port)
}
