package recurring

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/contracts"
	"github.com/todo-platform/eventcore/internal/platform/metrics"
)

type Publisher interface {
	Publish(ctx context.Context, ev contracts.Envelope) error
}

// Sweeper publishes task.recurrence_due for every template whose cursor has
// come due. Emitting is separated from spawning on purpose: the sweep stays
// trivial and stateless, and the heavy lifting happens in the consumer under
// idempotency protection. Deterministic event ids per (template, occurrence)
// make overlapping sweep replicas converge on one delivery.
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

func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.Schedule, func() {
		if err := s.Sweep(ctx); err != nil {
			metrics.SweepRuns.WithLabelValues("recurring", "error").Inc()
			s.Logger.Warn("recurrence sweep failed", zap.Error(err))
			return
		}
		metrics.SweepRuns.WithLabelValues("recurring", "ok").Inc()
	}); err != nil {
		return fmt.Errorf("schedule recurrence sweep: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Sweeper) Sweep(ctx context.Context) error {
	due, err := s.Repo.ListDue(ctx, s.Now().UTC(), s.BatchSize)
	if err != nil {
		return err
	}

	for _, tmpl := range due {
		ev := contracts.Envelope{
			EventID:       RecurrenceDueEventID(tmpl.TaskID, tmpl.NextOccurrence),
			TaskID:        tmpl.TaskID,
			UserID:        tmpl.UserID,
			Type:          contracts.TaskRecurrenceDue,
			OccurredAt:    s.Now().UTC(),
			SchemaVersion: contracts.SchemaVersion,
			Payload: contracts.MustPayload(contracts.RecurrenceDuePayload{
				Occurrence: tmpl.NextOccurrence,
			}),
		}
		if err := s.Publisher.Publish(ctx, ev); err != nil {
			return fmt.Errorf("publish recurrence_due for %s: %w", tmpl.TaskID, err)
		}
		metrics.PublishedEvents.WithLabelValues(contracts.TaskRecurrenceDue, "sweep").Inc()
	}

	if len(due) > 0 {
		s.Logger.Info("recurrences due published", zap.Int("count", len(due)))
	}
	return nil
}

// RecurrenceDueEventID is deterministic per (template, occurrence date), so
// the sweep re-publishing an unadvanced cursor dedups downstream.
func RecurrenceDueEventID(taskID string, occurrence time.Time) string {
	return fmt.Sprintf("rec-%s-%s", taskID, occurrence.UTC().Format("2006-01-02"))
}
