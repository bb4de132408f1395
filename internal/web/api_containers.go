package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"

	"github.com/selfstart/selfstart/internal/fault"
	"github.com/selfstart/selfstart/internal/orchestrator"
	"github.com/selfstart/selfstart/internal/store"
)

// The v1 endpoints keep the contract the loading page was built against:
// HTTP 200 with a status or success field, never an HTTP-level error for
// a missing container.

// apiStatus reports one container's state for the v1 loading page.
func (s *Server) apiStatus(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name query parameter is required")
		return
	}

	st, err := s.deps.Orchestrator.Status(r.Context(), name)
	if err != nil {
		status := "error"
		if fault.IsKind(err, fault.NotFound) {
			status = "not_found"
		}
		s.deps.Log.Debug("status lookup failed", "name", name, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         status,
			"container_name": name,
			"message":        err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         st.Status,
		"container_name": name,
		"uptime":         st.Uptime,
		"port":           st.Port,
		"message":        st.Message,
	})
}

// apiStart queues a container start.
func (s *Server) apiStart(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name query parameter is required")
		return
	}

	if err := s.deps.Orchestrator.Start(r.Context(), name, false); err != nil {
		s.deps.Log.Warn("start rejected", "name", name, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        false,
			"message":        err.Error(),
			"container_name": name,
		})
		return
	}

	// A user-requested start counts as activity for the shutdown clock.
	if s.deps.Shutdown != nil {
		s.deps.Shutdown.RecordActivity(name)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        fmt.Sprintf("Container %s is starting", name),
		"container_name": name,
	})
}

// apiStop stops a container.
func (s *Server) apiStop(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "name query parameter is required")
		return
	}

	if err := s.deps.Orchestrator.Stop(r.Context(), name, false); err != nil {
		s.deps.Log.Warn("stop rejected", "name", name, "error", err)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        false,
			"message":        err.Error(),
			"container_name": name,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        fmt.Sprintf("Container %s stopped", name),
		"container_name": name,
	})
}

// apiContainers lists every runtime container, managed or not.
func (s *Server) apiContainers(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Runtime.ListAllContainers(r.Context())
	if err != nil {
		s.fail(w, fault.Wrap(err, fault.RuntimeError, "list containers"), "container listing failed")
		return
	}

	type containerInfo struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Image   string `json:"image"`
		Port    int    `json:"port,omitempty"`
		Created string `json:"created"`
	}

	out := make([]containerInfo, 0, len(list))
	for _, c := range list {
		out = append(out, containerInfo{
			Name:    summaryName(c),
			Status:  string(c.State),
			Image:   c.Image,
			Port:    firstPublicPort(c.Ports),
			Created: time.Unix(c.Created, 0).UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"containers": out,
		"total":      len(out),
	})
}

// apiLogs returns the tail of a container's output.
func (s *Server) apiLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	lines := intQuery(r, "lines", 100)

	logs, err := s.deps.Orchestrator.Logs(r.Context(), name, lines)
	if err != nil {
		s.fail(w, err, "log fetch failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"container_name":  name,
		"logs":            logs,
		"lines_requested": lines,
	})
}

// apiRegisterContainer declares a managed container.
func (s *Server) apiRegisterContainer(w http.ResponseWriter, r *http.Request) {
	var cfg store.ContainerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.deps.Orchestrator.Register(r.Context(), &cfg); err != nil {
		s.fail(w, err, "container registration failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        fmt.Sprintf("Container %s registered", cfg.Name),
		"container_name": cfg.Name,
	})
}

// apiDeregisterContainer removes a managed container declaration.
func (s *Server) apiDeregisterContainer(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Orchestrator.Deregister(r.Context(), name); err != nil {
		s.fail(w, err, "container deregistration failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        fmt.Sprintf("Container %s deregistered", name),
		"container_name": name,
	})
}

// apiManagedContainers lists managed containers with orchestrator state.
func (s *Server) apiManagedContainers(w http.ResponseWriter, r *http.Request) {
	states := s.deps.Orchestrator.States()
	if states == nil {
		states = []*orchestrator.ContainerState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"containers": states,
		"total":      len(states),
		"metrics":    orchestratorMetrics(states),
	})
}

// apiManagedStatus returns the orchestrator's view of one container.
func (s *Server) apiManagedStatus(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	st := s.deps.Orchestrator.State(name)
	if st == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("container %s not found", name))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// apiManagedStart starts a managed container through the dependency-aware
// queue. force requeues even when a start is already pending.
func (s *Server) apiManagedStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	force := boolQuery(r, "force")

	if err := s.deps.Orchestrator.Start(r.Context(), name, force); err != nil {
		s.fail(w, err, "managed start failed")
		return
	}
	if s.deps.Shutdown != nil {
		s.deps.Shutdown.RecordActivity(name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        fmt.Sprintf("Container %s is starting", name),
		"container_name": name,
	})
}

// apiManagedStop stops a managed container.
func (s *Server) apiManagedStop(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	force := boolQuery(r, "force")

	if err := s.deps.Orchestrator.Stop(r.Context(), name, force); err != nil {
		s.fail(w, err, "managed stop failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        fmt.Sprintf("Container %s stopped", name),
		"container_name": name,
	})
}

// apiManagedRestart restarts a managed container.
func (s *Server) apiManagedRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.deps.Orchestrator.Restart(r.Context(), name); err != nil {
		s.fail(w, err, "managed restart failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        fmt.Sprintf("Container %s restarting", name),
		"container_name": name,
	})
}

// apiManagedLogs returns the tail of a managed container's output.
func (s *Server) apiManagedLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	lines := intQuery(r, "lines", 100)

	logs, err := s.deps.Orchestrator.Logs(r.Context(), name, lines)
	if err != nil {
		s.fail(w, err, "log fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"container_name":  name,
		"logs":            logs,
		"lines_requested": lines,
	})
}

// orchestratorMetrics summarizes managed-container state counts.
func orchestratorMetrics(states []*orchestrator.ContainerState) map[string]any {
	byState := map[string]int{}
	restarts := 0
	for _, st := range states {
		byState[st.State]++
		restarts += st.RestartCount
	}
	return map[string]any{
		"total_managed":  len(states),
		"by_state":       byState,
		"total_restarts": restarts,
	}
}

// summaryName extracts the container name, stripping the leading /.
func summaryName(c container.Summary) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	if len(c.ID) >= 12 {
		return c.ID[:12]
	}
	return c.ID
}

// firstPublicPort returns the lowest published host port, 0 when none.
func firstPublicPort(ports []container.PortSummary) int {
	best := 0
	for _, p := range ports {
		if p.PublicPort == 0 {
			continue
		}
		if best == 0 || int(p.PublicPort) < best {
			best = int(p.PublicPort)
		}
	}
	return best
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func boolQuery(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}
