// Package notification turns task events into user-facing notifications.
// Event handling and delivery are decoupled: the consumer only enqueues a
// job, and a delivery sweep pushes jobs out with their own retry budget.
// A flaky notification channel therefore never dead-letters task events.
package notification

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/consumer"
	"github.com/todo-platform/eventcore/internal/contracts"
)

const GroupName = "notification-consumer"

// Queue is the job store surface the service enqueues through.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

type Service struct {
	Repo   Queue
	Logger *zap.Logger
}

func NewService(repo Queue, logger *zap.Logger) *Service {
	return &Service{Repo: repo, Logger: logger}
}

func (s *Service) Handle(ctx context.Context, ev contracts.Envelope) error {
	job, ok, err := s.compose(ev)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.Repo.Enqueue(ctx, job)
}

func (s *Service) compose(ev contracts.Envelope) (Job, bool, error) {
	base := Job{EventID: ev.EventID, TaskID: ev.TaskID, UserID: ev.UserID}

	switch ev.Type {
	case contracts.TaskDueSoon:
		payload, err := ev.DueSoonPayload()
		if err != nil {
			return Job{}, false, consumer.Permanent("malformed-payload", err)
		}
		base.Kind = "task_due"
		base.Subject = fmt.Sprintf("Task %q is due soon", payload.Title)
		base.Body = fmt.Sprintf("Your task %q is due at %s.",
			payload.Title, payload.ScheduledAt.Format("Jan 2 15:04 MST"))
		return base, true, nil

	case contracts.TaskCompleted:
		base.Kind = "task_completed"
		base.Subject = "Task completed"
		base.Body = "Nice work, your task is done."
		return base, true, nil

	default:
		return Job{}, false, nil
	}
}
