package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/whatsapp-hub/supervisor/internal/apperr"
	"github.com/whatsapp-hub/supervisor/internal/domain/model"
)

type createInstanceRequest struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Webhook       webhookPatch    `json:"webhook"`
	TypingEnabled *bool           `json:"typingIndicatorEnabled,omitempty"`
	ApplyTypingTo map[string]bool `json:"applyTypingTo,omitempty"`
}

type webhookPatch struct {
	URL    string          `json:"url"`
	Events map[string]bool `json:"events,omitempty"`
}

type updateInstanceRequest struct {
	Name    *string       `json:"name,omitempty"`
	Webhook *webhookPatch `json:"webhook,omitempty"`
	Typing  *struct {
		Enabled bool            `json:"enabled"`
		ApplyTo map[string]bool `json:"applyTo,omitempty"`
	} `json:"typing,omitempty"`
}

type sendMessageRequest struct {
	ChatID         string `json:"chatId"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Role           string `json:"role,omitempty"` // "customer" or "merchant"; gates typingApplyTo
}

type createPollRequest struct {
	ChatID          string   `json:"chatId"`
	Caption         string   `json:"caption"`
	Options         []string `json:"options"`
	MultipleAnswers bool     `json:"multipleAnswers"`
	IdempotencyKey  string   `json:"idempotencyKey,omitempty"`
}

func (h *Handler) createInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindUserRequest, "invalid JSON body"))
		return
	}
	if req.ID == "" {
		writeError(w, apperr.New(apperr.KindUserRequest, "id is required"))
		return
	}

	typing := model.TypingConfig{ApplyTo: req.ApplyTypingTo}
	if req.TypingEnabled != nil {
		typing.Enabled = *req.TypingEnabled
	}

	c, err := h.manager.Create(req.ID, req.Name, model.WebhookConfig{URL: req.Webhook.URL, Events: req.Webhook.Events}, typing)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c.Status())
}

func (h *Handler) listInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.List())
}

func (h *Handler) updateInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindUserRequest, "invalid JSON body"))
		return
	}

	var webhookCfg *model.WebhookConfig
	if req.Webhook != nil {
		webhookCfg = &model.WebhookConfig{URL: req.Webhook.URL, Events: req.Webhook.Events}
	}
	var typingCfg *model.TypingConfig
	if req.Typing != nil {
		typingCfg = &model.TypingConfig{Enabled: req.Typing.Enabled, ApplyTo: req.Typing.ApplyTo}
	}

	if err := h.manager.Update(id, req.Name, webhookCfg, typingCfg); err != nil {
		writeError(w, err)
		return
	}
	c, _ := h.manager.Get(id)
	writeJSON(w, http.StatusOK, c.Status())
}

func (h *Handler) deleteInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.manager.Get(id)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "instance not found"))
		return
	}
	qr, ok := c.QR()
	if !ok {
		writeError(w, apperr.New(apperr.KindTerminal, "instance is not in NEEDS_QR"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"qr": qr})
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.manager.Get(id)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "instance not found"))
		return
	}
	writeJSON(w, http.StatusOK, c.Status())
}

func (h *Handler) diagnostics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.manager.Get(id)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "instance not found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       c.Status(),
		"recentEvents": c.RecentEvents(),
	})
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindUserRequest, "invalid JSON body"))
		return
	}

	c, ok := h.manager.Get(id)
	applyTyping := ok && c.TypingEnabled()
	result, err := h.manager.SendMessage(id, req.ChatID, req.Message, req.IdempotencyKey, req.Role, applyTyping)
	if err != nil {
		writeError(w, err)
		return
	}
	if result.Idempotent {
		writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "idempotent": true, "messageId": result.SentID})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "queueItemId": result.Item.ID})
}

func (h *Handler) createPoll(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req createPollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.KindUserRequest, "invalid JSON body"))
		return
	}

	result, err := h.manager.SendPoll(id, req.ChatID, req.Caption, req.Options, req.MultipleAnswers, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	if result.Idempotent {
		writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "idempotent": true, "messageId": result.SentID})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "queueItemId": result.Item.ID})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	queuedID, err := h.manager.Logout(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if queuedID != "" {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "queueItemId": queuedID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// kindStatus maps the error taxonomy to HTTP status codes (spec.md §6
// "Status codes").
func kindStatus(k apperr.Kind) int {
	switch k {
	case apperr.KindUserRequest:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTerminal:
		return http.StatusBadRequest
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindDuplicateIdempotent:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := kindStatus(apperr.As(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

