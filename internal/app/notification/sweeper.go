package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/platform/metrics"
)

// Sweeper drains queued notification jobs through the configured sender. A
// job gets MaxAttempts deliveries with linear backoff before it is parked
// as failed; parked jobs stay queryable for operators.
type Sweeper struct {
	Repo   *Repository
	Sender Sender
	Logger *zap.Logger

	Schedule    string
	BatchSize   int
	MaxAttempts int
	Now         func() time.Time
}

func NewSweeper(repo *Repository, sender Sender, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		Repo:        repo,
		Sender:      sender,
		Logger:      logger,
		Schedule:    "@every 1m",
		BatchSize:   100,
		MaxAttempts: 5,
		Now:         time.Now,
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.Schedule, func() {
		if err := s.Sweep(ctx); err != nil {
			metrics.SweepRuns.WithLabelValues("notification", "error").Inc()
			s.Logger.Warn("notification delivery sweep failed", zap.Error(err))
			return
		}
		metrics.SweepRuns.WithLabelValues("notification", "ok").Inc()
	}); err != nil {
		return fmt.Errorf("schedule notification sweep: %w", err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (s *Sweeper) Sweep(ctx context.Context) error {
	tx, err := s.Repo.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := s.Now().UTC()
	jobs, err := s.Repo.ClaimDeliverable(ctx, tx, now, s.BatchSize)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		if err := s.Sender.Send(ctx, job); err != nil {
			s.Logger.Warn("notification delivery failed",
				zap.Int64("job_id", job.ID),
				zap.String("event_id", job.EventID),
				zap.Int("attempts", job.Attempts+1),
				zap.Error(err),
			)
			if err := s.Repo.MarkFailedAttempt(ctx, tx, job, s.MaxAttempts, now); err != nil {
				return err
			}
			metrics.NotificationDeliveries.WithLabelValues(s.Sender.Channel(), "failed").Inc()
			continue
		}
		if err := s.Repo.MarkSent(ctx, tx, job.ID); err != nil {
			return err
		}
		metrics.NotificationDeliveries.WithLabelValues(s.Sender.Channel(), "sent").Inc()
	}

	return tx.Commit(ctx)
}
