package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/fanrelay/internal/models"
	"github.com/shohag/fanrelay/internal/storage"
)

type InstanceHandler struct {
	store storage.Storage
}

func NewInstanceHandler(store storage.Storage) *InstanceHandler {
	return &InstanceHandler{store: store}
}

func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.InstanceStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.InstanceRunning, models.InstanceCompleted, models.InstanceFailed:
	default:
		writeError(w, http.StatusBadRequest, "status must be running, completed or failed")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	instances, err := h.store.ListInstances(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list instances")
		return
	}
	if instances == nil {
		instances = []models.Instance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

func (h *InstanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inst, err := h.store.GetInstance(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get instance")
		return
	}
	if inst == nil {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}

	tasks, err := h.store.ListTasks(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get tasks")
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instance": inst,
		"tasks":    tasks,
	})
}
