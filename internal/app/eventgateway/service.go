// Package eventgateway is the producer edge: it validates task event
// requests, stamps them into envelopes and hands them to the event log,
// either directly or through the transactional outbox.
package eventgateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"

	"github.com/todo-platform/eventcore/internal/contracts"
	"github.com/todo-platform/eventcore/internal/platform/metrics"
)

var ErrTaskIDRequired = errors.New("task_id is required")
var ErrUserIDRequired = errors.New("user_id is required")
var ErrTitleRequired = errors.New("title is required")
var ErrUnsupportedEventType = errors.New("unsupported event type")

// Publisher appends directly to the event log.
type Publisher interface {
	Publish(ctx context.Context, ev contracts.Envelope) error
}

// Stager parks the envelope in the outbox for asynchronous dispatch.
type Stager interface {
	StageDirect(ctx context.Context, ev contracts.Envelope) error
}

// PublishRequest is one task lifecycle event as submitted by a client.
type PublishRequest struct {
	EventID        string                    `json:"event_id"`
	Type           string                    `json:"type"`
	TaskID         string                    `json:"task_id"`
	UserID         string                    `json:"user_id"`
	Title          string                    `json:"title"`
	DueDate        *time.Time                `json:"due_date,omitempty"`
	RecurrenceRule *contracts.RecurrenceRule `json:"recurrence_rule,omitempty"`
	PreviousStatus string                    `json:"previous_status,omitempty"`
	NewStatus      string                    `json:"new_status,omitempty"`
}

type PublishResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id"`
}

type Service struct {
	Publisher Publisher
	Outbox    Stager
	// UseOutbox routes accepted events through the outbox instead of
	// publishing inline.
	UseOutbox bool

	Now   func() time.Time
	NewID func() string
}

func NewService(publisher Publisher, outbox Stager, useOutbox bool) *Service {
	return &Service{
		Publisher: publisher,
		Outbox:    outbox,
		UseOutbox: useOutbox,
		Now:       func() time.Time { return time.Now().UTC() },
		NewID:     nuid.Next,
	}
}

// Accept validates the request, builds the envelope and hands it off.
// Client-supplied event ids are honored so producer-side retries reuse the
// same id and collapse in the broker's dedup window.
func (s *Service) Accept(ctx context.Context, req PublishRequest) (PublishResponse, error) {
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		return PublishResponse{}, ErrTaskIDRequired
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return PublishResponse{}, ErrUserIDRequired
	}

	switch req.Type {
	case contracts.TaskCreated:
		if strings.TrimSpace(req.Title) == "" {
			return PublishResponse{}, ErrTitleRequired
		}
	case contracts.TaskUpdated, contracts.TaskCompleted, contracts.TaskDeleted:
	default:
		return PublishResponse{}, ErrUnsupportedEventType
	}

	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		eventID = s.NewID()
	}

	ev := contracts.Envelope{
		EventID:       eventID,
		TaskID:        taskID,
		UserID:        userID,
		Type:          req.Type,
		OccurredAt:    s.Now(),
		SchemaVersion: contracts.SchemaVersion,
		Payload: contracts.MustPayload(contracts.TaskPayload{
			Title:          strings.TrimSpace(req.Title),
			DueDate:        req.DueDate,
			RecurrenceRule: req.RecurrenceRule,
			PreviousStatus: req.PreviousStatus,
			NewStatus:      req.NewStatus,
		}),
	}

	if s.UseOutbox {
		if err := s.Outbox.StageDirect(ctx, ev); err != nil {
			return PublishResponse{}, err
		}
		metrics.PublishedEvents.WithLabelValues(ev.Type, "staged").Inc()
		return PublishResponse{Status: "staged", EventID: eventID}, nil
	}

	if err := s.Publisher.Publish(ctx, ev); err != nil {
		return PublishResponse{}, err
	}
	metrics.PublishedEvents.WithLabelValues(ev.Type, "direct").Inc()
	return PublishResponse{Status: "published", EventID: eventID}, nil
}
