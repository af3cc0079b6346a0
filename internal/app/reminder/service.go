// Package reminder keeps the reminders table in sync with task lifecycle
// events and fires task.due_soon events when reminders come due.
package reminder

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/consumer"
	"github.com/todo-platform/eventcore/internal/contracts"
)

// GroupName is the consumer group identity, shared by every replica. It keys
// idempotency records and dead letters.
const GroupName = "reminder-consumer"

// DefaultLeadTime is how far ahead of the due date the reminder fires.
const DefaultLeadTime = 30 * time.Minute

// Store is the schedule surface the service writes through.
type Store interface {
	Upsert(ctx context.Context, taskID, userID, title string, dueAt, remindAt time.Time) error
	Cancel(ctx context.Context, taskID string) error
}

// Service applies task lifecycle events to the reminder schedule.
type Service struct {
	Repo     Store
	Logger   *zap.Logger
	LeadTime time.Duration
}

func NewService(repo Store, logger *zap.Logger) *Service {
	return &Service{Repo: repo, Logger: logger, LeadTime: DefaultLeadTime}
}

func (s *Service) Handle(ctx context.Context, ev contracts.Envelope) error {
	switch ev.Type {
	case contracts.TaskCreated, contracts.TaskUpdated:
		return s.applyUpsert(ctx, ev)
	case contracts.TaskCompleted, contracts.TaskDeleted:
		return s.Repo.Cancel(ctx, ev.TaskID)
	default:
		// Not every event type concerns reminders; ignore the rest.
		return nil
	}
}

func (s *Service) applyUpsert(ctx context.Context, ev contracts.Envelope) error {
	payload, err := ev.TaskPayload()
	if err != nil {
		return consumer.Permanent("malformed-payload", err)
	}

	if payload.DueDate == nil {
		// A due date removed on update retires the reminder.
		return s.Repo.Cancel(ctx, ev.TaskID)
	}

	remindAt := payload.DueDate.Add(-s.LeadTime)
	if err := s.Repo.Upsert(ctx, ev.TaskID, ev.UserID, payload.Title, *payload.DueDate, remindAt); err != nil {
		return err
	}
	s.Logger.Debug("reminder scheduled",
		zap.String("task_id", ev.TaskID),
		zap.Time("remind_at", remindAt),
	)
	return nil
}
