package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/contracts"
)

// Repository is the slice of Store the HTTP surface needs.
type Repository interface {
	List(ctx context.Context, consumer string, limit int) ([]Entry, error)
	Get(ctx context.Context, id int64) (Entry, error)
	MarkReplayed(ctx context.Context, id int64) error
}

// IdempotencyResetter clears a consumer's processed-event record ahead of a
// replay.
type IdempotencyResetter interface {
	Reset(ctx context.Context, consumer, eventID string) error
}

// Publisher re-appends a replayed envelope to the event log.
type Publisher interface {
	Publish(ctx context.Context, ev contracts.Envelope) error
}

// Handler is the operator API over the dead-letter store: inspect entries,
// replay one back through the pipeline.
type Handler struct {
	Repo      Repository
	Idem      IdempotencyResetter
	Publisher Publisher
	Logger    *zap.Logger
}

func NewHandler(repo Repository, idem IdempotencyResetter, publisher Publisher, logger *zap.Logger) *Handler {
	return &Handler{Repo: repo, Idem: idem, Publisher: publisher, Logger: logger}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/deadletters", h.handleList)
	r.Get("/api/v1/deadletters/{id}", h.handleGet)
	r.Post("/api/v1/deadletters/{id}/replay", h.handleReplay)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	consumer := strings.TrimSpace(r.URL.Query().Get("consumer"))
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	entries, err := h.Repo.List(r.Context(), consumer, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"dead_letters": entries})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	entry, err := h.Repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

// handleReplay pushes the stored envelope back onto the event log for the
// owning consumer. The idempotency record is cleared first; replaying is an
// explicit operator decision to re-apply the side effect.
func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	entry, err := h.Repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ev, err := contracts.Decode(entry.Envelope)
	if err != nil {
		// Envelopes dead-lettered for being malformed cannot round-trip
		// through the broker again.
		h.writeError(w, http.StatusUnprocessableEntity, "stored envelope is not replayable: "+err.Error())
		return
	}

	if err := h.Idem.Reset(r.Context(), entry.Consumer, entry.EventID); err != nil {
		h.writeError(w, http.StatusInternalServerError, "reset idempotency record: "+err.Error())
		return
	}
	if err := h.Publisher.Publish(r.Context(), ev); err != nil {
		h.writeError(w, http.StatusBadGateway, "republish: "+err.Error())
		return
	}
	if err := h.Repo.MarkReplayed(r.Context(), id); err != nil {
		h.Logger.Warn("replayed dead letter but failed to mark it",
			zap.Int64("id", id), zap.Error(err))
	}

	h.Logger.Info("dead letter replayed",
		zap.Int64("id", id),
		zap.String("consumer", entry.Consumer),
		zap.String("event_id", entry.EventID),
	)
	h.writeJSON(w, http.StatusAccepted, map[string]any{"status": "replayed", "event_id": entry.EventID})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
