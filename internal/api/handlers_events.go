package api

import (
	"encoding/json"
	"io"
	"net/http"
)

const maxEventSize = 256 * 1024 // 256KB

type EventHandler struct {
	events EventPublisher
}

func NewEventHandler(events EventPublisher) *EventHandler {
	return &EventHandler{events: events}
}

// Publish enqueues the raw JSON entity. Publish failures are logged by the
// producer only, so a valid body is always accepted.
func (h *EventHandler) Publish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}

	h.events.Publish(r.Context(), json.RawMessage(body))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
