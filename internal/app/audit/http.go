package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// Reader is the query surface the HTTP handler needs.
type Reader interface {
	ListByTask(ctx context.Context, taskID string) ([]Entry, error)
}

// Handler serves the audit trail to operators and support tooling.
type Handler struct {
	Repo Reader
}

func NewHandler(repo Reader) *Handler {
	return &Handler{Repo: repo}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/tasks/{taskID}/audit", h.handleListByTask)
	return r
}

func (h *Handler) handleListByTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "taskID"))
	if taskID == "" {
		h.writeError(w, http.StatusBadRequest, "task id is required")
		return
	}
	entries, err := h.Repo.ListByTask(r.Context(), taskID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "audit_trail": entries})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
