package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/selfstart/selfstart/internal/store"
)

// apiScalingPolicies lists every scaling policy.
func (s *Server) apiScalingPolicies(w http.ResponseWriter, r *http.Request) {
	policies := s.deps.Scaler.Policies()
	if policies == nil {
		policies = []*store.ScalingPolicy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"policies": policies,
		"total":    len(policies),
		"metrics":  s.scalingMetrics(policies),
	})
}

// apiCreateScalingPolicy creates or replaces a policy.
func (s *Server) apiCreateScalingPolicy(w http.ResponseWriter, r *http.Request) {
	var p store.ScalingPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.deps.Scaler.SetPolicy(r.Context(), &p); err != nil {
		s.fail(w, err, "policy save failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Scaling policy saved for %s", p.Service),
	})
}

// apiDeleteScalingPolicy removes a policy.
func (s *Server) apiDeleteScalingPolicy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Scaler.RemovePolicy(r.Context(), name); err != nil {
		s.fail(w, err, "policy removal failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Scaling policy removed for %s", name),
	})
}

// apiManualScale scales a service to an explicit replica count,
// bypassing thresholds and cooldowns.
func (s *Server) apiManualScale(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	raw := r.URL.Query().Get("replicas")
	replicas, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "replicas query parameter must be an integer")
		return
	}

	if err := s.deps.Scaler.ManualScale(r.Context(), name, replicas); err != nil {
		s.fail(w, err, "manual scale failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Scaling %s to %d replicas", name, replicas),
	})
}

// apiScalingEvents returns the recent scaling audit trail for a service.
func (s *Server) apiScalingEvents(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	limit := intQuery(r, "limit", 20)

	evts, err := s.deps.Scaler.Events(r.Context(), name, limit)
	if err != nil {
		s.fail(w, err, "scaling events unavailable")
		return
	}

	type eventView struct {
		Direction    string    `json:"direction"`
		Trigger      string    `json:"trigger"`
		FromReplicas int       `json:"from_replicas"`
		ToReplicas   int       `json:"to_replicas"`
		Reason       string    `json:"reason,omitempty"`
		Timestamp    time.Time `json:"timestamp"`
		Success      bool      `json:"success"`
	}

	out := make([]eventView, 0, len(evts))
	for _, e := range evts {
		out = append(out, eventView{
			Direction:    e.Direction,
			Trigger:      e.Trigger,
			FromReplicas: e.OldReplicas,
			ToReplicas:   e.NewReplicas,
			Reason:       e.Reason,
			Timestamp:    e.Timestamp,
			Success:      e.Success,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service": name,
		"events":  out,
		"total":   len(out),
	})
}

// apiScalingHistory returns the in-memory metrics window for a service,
// oldest sample first.
func (s *Server) apiScalingHistory(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	limit := intQuery(r, "limit", 0)

	history := s.deps.Scaler.History(name, limit)
	if history == nil {
		history = []store.MetricsPoint{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service": name,
		"history": history,
		"total":   len(history),
	})
}

// scalingMetrics summarizes auto-scaler state across policies.
func (s *Server) scalingMetrics(policies []*store.ScalingPolicy) map[string]any {
	active := 0
	withMetrics := 0
	points := 0
	for _, p := range policies {
		if p.Enabled {
			active++
		}
		if h := s.deps.Scaler.History(p.Service, 0); len(h) > 0 {
			withMetrics++
			points += len(h)
		}
	}
	return map[string]any{
		"total_policies":        len(policies),
		"active_policies":       active,
		"services_with_metrics": withMetrics,
		"total_metrics_points":  points,
	}
}
