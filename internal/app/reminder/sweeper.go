package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/contracts"
	"github.com/todo-platform/eventcore/internal/platform/metrics"
)

// Publisher is the event log surface the sweep emits into.
type Publisher interface {
	Publish(ctx context.Context, ev contracts.Envelope) error
}

// Sweeper periodically fires due reminders as task.due_soon events. Event
// ids are derived from (task, remind time), so concurrent sweep replicas
// publishing the same reminder collapse into one delivery downstream.
type Sweeper struct {
	Repo      *Repository
	Publisher Publisher
	Logger    *zap.Logger

	Schedule  string
	BatchSize int
	Now       func() time.Time
}

func NewSweeper(repo *Repository, publisher Publisher, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		Repo:      repo,
		Publisher: publisher,
		Logger:    logger,
		Schedule:  "@every 30s",
		BatchSize: 200,
		Now:       time.Now,
	}
}

// Run schedules the sweep until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.Schedule, func() {
		if err := s.Sweep(ctx); err != nil {
			metrics.SweepRuns.WithLabelValues("reminder", "error").Inc()
			s.Logger.Warn("reminder sweep failed", zap.Error(err))
			return
		}
		metrics.SweepRuns.WithLabelValues("reminder", "ok").Inc()
	}); err != nil {
		return fmt.Errorf("schedule reminder sweep: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Sweep fires one batch of due reminders. Claim and mark happen in one
// transaction; a crash after publish but before commit re-fires the batch,
// which the deterministic event ids absorb.
func (s *Sweeper) Sweep(ctx context.Context) error {
	tx, err := s.Repo.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, claimDueRemindersSQL, s.Now().UTC(), s.BatchSize)
	if err != nil {
		return err
	}
	due := make([]DueReminder, 0, s.BatchSize)
	for rows.Next() {
		var d DueReminder
		if err := rows.Scan(&d.TaskID, &d.UserID, &d.Title, &d.DueAt, &d.RemindAt); err != nil {
			rows.Close()
			return err
		}
		due = append(due, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range due {
		ev := contracts.Envelope{
			EventID:       DueSoonEventID(d.TaskID, d.RemindAt),
			TaskID:        d.TaskID,
			UserID:        d.UserID,
			Type:          contracts.TaskDueSoon,
			OccurredAt:    s.Now().UTC(),
			SchemaVersion: contracts.SchemaVersion,
			Payload: contracts.MustPayload(contracts.DueSoonPayload{
				ScheduledAt: d.DueAt,
				Title:       d.Title,
			}),
		}
		if err := s.Publisher.Publish(ctx, ev); err != nil {
			return fmt.Errorf("publish due_soon for %s: %w", d.TaskID, err)
		}
		metrics.PublishedEvents.WithLabelValues(contracts.TaskDueSoon, "sweep").Inc()
		if _, err := tx.Exec(ctx, markFiredSQL, d.TaskID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if len(due) > 0 {
		s.Logger.Info("reminders fired", zap.Int("count", len(due)))
	}
	return nil
}

// DueSoonEventID is deterministic per (task, remind time) so every sweep
// replica derives the same id for the same firing.
func DueSoonEventID(taskID string, remindAt time.Time) string {
	return fmt.Sprintf("rem-%s-%d", taskID, remindAt.UTC().Unix())
}
