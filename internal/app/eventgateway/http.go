package eventgateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	Service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{Service: service}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/events", h.handlePublish)
	return r
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	resp, err := h.Service.Accept(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrTaskIDRequired),
			errors.Is(err, ErrUserIDRequired),
			errors.Is(err, ErrTitleRequired),
			errors.Is(err, ErrUnsupportedEventType):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
