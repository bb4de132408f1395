package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/selfstart/selfstart/internal/notify"
	"github.com/selfstart/selfstart/internal/store"
)

// apiWebhooks lists webhook subscriptions with secrets masked.
func (s *Server) apiWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := s.deps.Webhooks.Webhooks()
	if err != nil {
		s.fail(w, err, "webhook listing failed")
		return
	}

	out := make([]*store.WebhookConfig, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, notify.Masked(h))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"webhooks": out,
		"total":    len(out),
	})
}

// apiCreateWebhook registers a webhook subscription.
func (s *Server) apiCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var cfg store.WebhookConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.deps.Webhooks.SaveWebhook(&cfg); err != nil {
		s.fail(w, err, "webhook save failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"webhook_id": cfg.ID,
		"message":    fmt.Sprintf("Webhook %s created", cfg.Name),
	})
}

// apiWebhook returns one subscription with secrets masked.
func (s *Server) apiWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cfg, err := s.deps.Webhooks.Webhook(id)
	if err != nil {
		s.fail(w, err, "webhook lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, notify.Masked(cfg))
}

// apiDeleteWebhook removes a subscription. Delivery logs are retained.
func (s *Server) apiDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Webhooks.RemoveWebhook(id); err != nil {
		s.fail(w, err, "webhook removal failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Webhook %d removed", id),
	})
}

// apiTestWebhook fires a synthetic warning event at one subscription.
// The delivery outcome lands in the webhook's log.
func (s *Server) apiTestWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Webhooks.Test(r.Context(), id); err != nil {
		s.fail(w, err, "webhook test failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Test delivery queued for webhook %d", id),
	})
}

// apiWebhookLogs returns recent deliveries for one subscription.
func (s *Server) apiWebhookLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := intQuery(r, "limit", 50)

	logs, err := s.deps.Webhooks.Logs(id, limit)
	if err != nil {
		s.fail(w, err, "webhook logs unavailable")
		return
	}
	if logs == nil {
		logs = []*store.WebhookLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"webhook_id": id,
		"logs":       logs,
		"total":      len(logs),
	})
}

// apiAllWebhookLogs returns recent deliveries across all subscriptions.
func (s *Server) apiAllWebhookLogs(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)

	logs, err := s.deps.Webhooks.Logs(0, limit)
	if err != nil {
		s.fail(w, err, "webhook logs unavailable")
		return
	}
	if logs == nil {
		logs = []*store.WebhookLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"total": len(logs),
	})
}

// apiWebhookProviders lists the provider types accepted at creation.
func (s *Server) apiWebhookProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": notify.ProviderTypes(),
	})
}

// pathID parses the {id} path segment as a numeric identifier.
func pathID(r *http.Request) (uint64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
