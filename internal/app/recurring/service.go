// Package recurring maintains recurrence templates registered by task
// lifecycle events and spawns the next task instance whenever a
// task.recurrence_due event arrives.
package recurring

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/consumer"
	"github.com/todo-platform/eventcore/internal/contracts"
	"github.com/todo-platform/eventcore/internal/idempotency"
)

const GroupName = "recurring-consumer"

// Finalizer settles the idempotency record inside the handler's own
// transaction, keeping the cursor advance and the dedup record atomic.
type Finalizer interface {
	FinalizeTx(ctx context.Context, tx pgx.Tx, consumer, eventID, outcome string) error
}

// Registry is the template bookkeeping surface used by the lifecycle
// paths.
type Registry interface {
	Upsert(ctx context.Context, t Template) error
	Deactivate(ctx context.Context, taskID string) error
}

// Cursors is the transactional surface of the spawn path: lock the
// template row, advance its cursor, all inside one tx.
type Cursors interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	LockTemplate(ctx context.Context, tx pgx.Tx, taskID string) (Template, error)
	AdvanceCursor(ctx context.Context, tx pgx.Tx, taskID string, next time.Time) error
}

type Service struct {
	Repo      Cursors
	Templates Registry
	Tasks     TaskCreator
	Idem      Finalizer
	Logger    *zap.Logger
	Now       func() time.Time
}

func NewService(repo *Repository, tasks TaskCreator, idem Finalizer, logger *zap.Logger) *Service {
	return &Service{Repo: repo, Templates: repo, Tasks: tasks, Idem: idem, Logger: logger, Now: time.Now}
}

func (s *Service) Handle(ctx context.Context, ev contracts.Envelope) error {
	switch ev.Type {
	case contracts.TaskCreated, contracts.TaskUpdated:
		return s.registerTemplate(ctx, ev)
	case contracts.TaskDeleted:
		return s.Templates.Deactivate(ctx, ev.TaskID)
	case contracts.TaskRecurrenceDue:
		return s.spawnOccurrence(ctx, ev)
	default:
		// Completion does not touch the schedule; recurrences are
		// time-driven, not completion-driven.
		return nil
	}
}

func (s *Service) registerTemplate(ctx context.Context, ev contracts.Envelope) error {
	payload, err := ev.TaskPayload()
	if err != nil {
		return consumer.Permanent("malformed-payload", err)
	}

	if payload.RecurrenceRule == nil {
		// An update that drops the rule retires the template.
		return s.Templates.Deactivate(ctx, ev.TaskID)
	}
	rule := payload.RecurrenceRule

	// The registering task covers its own due date; the cursor starts one
	// step past it.
	anchor := ev.OccurredAt
	if payload.DueDate != nil {
		anchor = *payload.DueDate
	}
	if anchor.IsZero() {
		anchor = s.Now().UTC()
	}
	next, err := NextOccurrence(anchor, rule.Frequency, rule.Interval)
	if err != nil {
		return consumer.Permanent("invalid-recurrence-rule", err)
	}

	if err := s.Templates.Upsert(ctx, Template{
		TaskID:         ev.TaskID,
		UserID:         ev.UserID,
		Title:          payload.Title,
		Frequency:      rule.Frequency,
		Interval:       rule.Interval,
		NextOccurrence: next,
	}); err != nil {
		return err
	}
	s.Logger.Debug("recurrence template registered",
		zap.String("task_id", ev.TaskID),
		zap.String("frequency", rule.Frequency),
		zap.Time("next_occurrence", next),
	)
	return nil
}

// spawnOccurrence creates the next task instance and advances the cursor.
// The cursor advance and the idempotency record settle in one transaction:
// either both are durable or the event is redelivered and retried whole.
func (s *Service) spawnOccurrence(ctx context.Context, ev contracts.Envelope) error {
	payload, err := ev.RecurrenceDuePayload()
	if err != nil {
		return consumer.Permanent("malformed-payload", err)
	}

	tx, err := s.Repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tmpl, err := s.Repo.LockTemplate(ctx, tx, ev.TaskID)
	if errors.Is(err, ErrTemplateNotFound) {
		// Template retired between publish and delivery; nothing to spawn.
		return nil
	}
	if err != nil {
		return err
	}

	if tmpl.NextOccurrence.After(payload.Occurrence) {
		// Cursor already moved past this occurrence; stale event.
		return nil
	}

	if err := s.Tasks.CreateOccurrence(ctx, tmpl, payload.Occurrence); err != nil {
		return err
	}

	next, err := NextOccurrence(payload.Occurrence, tmpl.Frequency, tmpl.Interval)
	if err != nil {
		return consumer.Permanent("invalid-recurrence-rule", err)
	}
	if err := s.Repo.AdvanceCursor(ctx, tx, tmpl.TaskID, next); err != nil {
		return err
	}
	if err := s.Idem.FinalizeTx(ctx, tx, GroupName, ev.EventID, idempotency.OutcomeSuccess); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	s.Logger.Info("recurrence occurrence spawned",
		zap.String("template_id", tmpl.TaskID),
		zap.String("task_id", OccurrenceTaskID(tmpl.TaskID, payload.Occurrence)),
		zap.Time("next_occurrence", next),
	)
	return nil
}
