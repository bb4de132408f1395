package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/selfstart/selfstart/internal/shutdown"
	"github.com/selfstart/selfstart/internal/store"
)

// apiShutdownRules lists auto-shutdown rules.
func (s *Server) apiShutdownRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Shutdown.Rules()
	if err != nil {
		s.fail(w, err, "rule listing failed")
		return
	}
	if rules == nil {
		rules = []*store.ShutdownRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"total": len(rules),
	})
}

// apiCreateShutdownRule creates or updates a rule.
func (s *Server) apiCreateShutdownRule(w http.ResponseWriter, r *http.Request) {
	var rule store.ShutdownRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.deps.Shutdown.SaveRule(&rule); err != nil {
		s.fail(w, err, "rule save failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"rule_id": rule.ID,
		"message": fmt.Sprintf("Shutdown rule %s saved", rule.Name),
	})
}

// apiShutdownRule returns one rule.
func (s *Server) apiShutdownRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rule, err := s.deps.Shutdown.Rule(id)
	if err != nil {
		s.fail(w, err, "rule lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// apiDeleteShutdownRule removes a rule. Execution logs are retained.
func (s *Server) apiDeleteShutdownRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Shutdown.RemoveRule(id); err != nil {
		s.fail(w, err, "rule removal failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Shutdown rule %d removed", id),
	})
}

// apiShutdownRuleLogs returns executions recorded for one rule.
func (s *Server) apiShutdownRuleLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := intQuery(r, "limit", 50)

	logs, err := s.deps.Shutdown.LogsByRule(id, limit)
	if err != nil {
		s.fail(w, err, "shutdown logs unavailable")
		return
	}
	if logs == nil {
		logs = []*store.ShutdownLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rule_id": id,
		"logs":    logs,
		"total":   len(logs),
	})
}

// apiShutdownLogs returns recent executions across all rules.
func (s *Server) apiShutdownLogs(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)

	logs, err := s.deps.Shutdown.Logs(limit)
	if err != nil {
		s.fail(w, err, "shutdown logs unavailable")
		return
	}
	if logs == nil {
		logs = []*store.ShutdownLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"total": len(logs),
	})
}

// apiShutdownStatus reports the monitor's live view of observed
// containers: resource rates, connections, activity, and protection.
func (s *Server) apiShutdownStatus(w http.ResponseWriter, r *http.Request) {
	snaps := s.deps.Shutdown.Snapshots()
	if snaps == nil {
		snaps = []*shutdown.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"containers": snaps,
		"total":      len(snaps),
	})
}

// apiShutdownProtect toggles the explicit protection flag on a container.
func (s *Server) apiShutdownProtect(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	protected, err := strconv.ParseBool(r.URL.Query().Get("protected"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "protected query parameter must be a boolean")
		return
	}

	s.deps.Shutdown.Protect(name, protected)

	state := "unprotected"
	if protected {
		state = "protected"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Container %s is now %s", name, state),
	})
}
