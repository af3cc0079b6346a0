// Package audit records every task event verbatim into an append-only
// trail. Unlike the other consumer groups it subscribes to all event types,
// including the derived due_soon and recurrence_due events.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/contracts"
)

const GroupName = "audit-consumer"

// Trail is the append surface the service writes through.
type Trail interface {
	Append(ctx context.Context, e Entry) error
}

type Service struct {
	Repo   Trail
	Logger *zap.Logger
}

func NewService(repo Trail, logger *zap.Logger) *Service {
	return &Service{Repo: repo, Logger: logger}
}

func (s *Service) Handle(ctx context.Context, ev contracts.Envelope) error {
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		// A payload-less envelope is valid; the trail column is NOT NULL jsonb.
		payload = []byte("{}")
	}
	return s.Repo.Append(ctx, Entry{
		EventID:    ev.EventID,
		TaskID:     ev.TaskID,
		UserID:     ev.UserID,
		EventType:  ev.Type,
		OccurredAt: ev.OccurredAt,
		Payload:    payload,
	})
}
