package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/shohag/fanrelay/internal/models"
	"github.com/shohag/fanrelay/internal/registrar"
)

const maxSubscribeBody = 16 * 1024

type WebhookHandler struct {
	registrar *registrar.Registrar
	log       zerolog.Logger
}

func NewWebhookHandler(reg *registrar.Registrar, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{registrar: reg, log: log}
}

// Subscribe answers in plain text, the way webhook consumers expect.
func (h *WebhookHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubscribeBody))
	if err != nil {
		writeText(w, http.StatusBadRequest, "Request body is too large or unreadable.")
		return
	}

	req, err := registrar.ParseSubscribeRequest(body)
	if err != nil {
		writeText(w, http.StatusBadRequest, subscribeErrorText(err))
		return
	}

	sub, err := h.registrar.Subscribe(r.Context(), req)
	if err != nil {
		h.log.Error().Err(err).Str("url", req.URL).Msg("failed to create subscription")
		writeText(w, http.StatusInternalServerError, "An error occurred while processing the subscription.")
		return
	}
	writeText(w, http.StatusOK, "Webhook subscription created for URL: "+sub.URL)
}

func subscribeErrorText(err error) string {
	switch {
	case errors.Is(err, registrar.ErrEmptyBody):
		return "Request body is empty."
	case errors.Is(err, registrar.ErrInvalidRequest):
		return "Invalid subscription request. URL is required."
	case errors.Is(err, registrar.ErrInvalidURL):
		return "Invalid subscription request. URL must be an absolute http or https URL."
	default:
		return err.Error()
	}
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.registrar.List(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list subscriptions")
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *WebhookHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registrar.Deactivate(r.Context(), chi.URLParam(r, "id"))
	h.writeToggle(w, sub, err)
}

func (h *WebhookHandler) Activate(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registrar.Activate(r.Context(), chi.URLParam(r, "id"))
	h.writeToggle(w, sub, err)
}

func (h *WebhookHandler) writeToggle(w http.ResponseWriter, sub *models.Subscription, err error) {
	if errors.Is(err, registrar.ErrNotFound) {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("failed to update subscription")
		writeError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}
