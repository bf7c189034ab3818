package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/rmax-ai/graphkit/pkg/engine"
	"github.com/rmax-ai/graphkit/pkg/predicate"
)

// WebhookInfo describes a registered webhook without its secret.
type WebhookInfo struct {
	WebhookID string `json:"webhook_id"`
	WebhookRequest
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json_body", err)
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "missing_url", nil)
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		writeError(w, http.StatusBadRequest, "invalid_url", nil)
		return
	}
	if _, err := predicate.Parse(req.Expr); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_expr", err)
		return
	}

	// Auto-generate ID and Secret
	cfg := engine.WebhookConfig{
		WebhookID: "wh_" + uuid.NewString(),
		URL:       req.URL,
		Secret:    generateToken(),
		Kind:      req.Kind,
		Expr:      req.Expr,
	}
	hook := engine.NewWebhook(s.graph.Name(), cfg, engine.WithWebhookLogger(s.logger))
	handle, err := hook.Register(s.registry)
	if err != nil {
		hook.Close()
		writeError(w, http.StatusBadRequest, "invalid_subscription", err)
		return
	}

	s.mu.Lock()
	s.webhooks[cfg.WebhookID] = &registeredWebhook{hook: hook, handle: handle, req: req}
	s.mu.Unlock()

	s.logger.Info("webhook registered", "webhook", cfg.WebhookID, "url", cfg.URL, "expr", cfg.Expr)
	writeJSON(w, http.StatusCreated, WebhookResponse{WebhookID: cfg.WebhookID, Secret: cfg.Secret})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]WebhookInfo, 0, len(s.webhooks))
	for id, wh := range s.webhooks {
		out = append(out, WebhookInfo{WebhookID: id, WebhookRequest: wh.req})
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b WebhookInfo) int { return strings.Compare(a.WebhookID, b.WebhookID) })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	wh, ok := s.webhooks[id]
	delete(s.webhooks, id)
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "webhook_not_found", nil)
		return
	}
	s.registry.Unsubscribe(wh.handle)
	wh.hook.Close()
	w.WriteHeader(http.StatusNoContent)
}
