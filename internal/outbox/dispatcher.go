package outbox

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/contracts"
	"github.com/todo-platform/eventcore/internal/platform/metrics"
)

// Publisher is the broker surface the dispatcher drains into.
type Publisher interface {
	Publish(ctx context.Context, ev contracts.Envelope) error
}

// Dispatcher moves staged envelopes from outbox_events to the event log.
type Dispatcher struct {
	Repo      *Repository
	Publisher Publisher
	Logger    *zap.Logger

	Interval   time.Duration
	BatchSize  int
	MaxRetries int
}

func NewDispatcher(repo *Repository, publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		Repo:       repo,
		Publisher:  publisher,
		Logger:     logger,
		Interval:   time.Second,
		BatchSize:  64,
		MaxRetries: 10,
	}
}

// Run drains the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.dispatchBatch(ctx); err != nil {
				d.Logger.Warn("outbox dispatch batch failed", zap.Error(err))
			}
		}
	}
}

// dispatchBatch claims one batch under a transaction, publishes each record
// and settles its status before committing. Publish-then-crash leaves the
// row pending; the broker's dedup window swallows the duplicate publish on
// the next pass.
func (d *Dispatcher) dispatchBatch(ctx context.Context) error {
	tx, err := d.Repo.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	records, err := d.Repo.ClaimPending(ctx, tx, d.BatchSize)
	if err != nil {
		return err
	}

	for _, rec := range records {
		var ev contracts.Envelope
		if err := json.Unmarshal(rec.Envelope, &ev); err != nil {
			// Unparsable rows cannot ever dispatch; park them.
			d.Logger.Error("outbox record is not an envelope, parking it",
				zap.Int64("id", rec.ID), zap.Error(err))
			if err := d.Repo.MarkFailedAttempt(ctx, tx, rec, 0); err != nil {
				return err
			}
			metrics.OutboxDispatched.WithLabelValues("failed").Inc()
			continue
		}

		if err := d.Publisher.Publish(ctx, ev); err != nil {
			d.Logger.Warn("outbox publish failed",
				zap.String("event_id", rec.EventID),
				zap.Int("retry_count", rec.RetryCount),
				zap.Error(err),
			)
			if err := d.Repo.MarkFailedAttempt(ctx, tx, rec, d.MaxRetries); err != nil {
				return err
			}
			metrics.OutboxDispatched.WithLabelValues("retried").Inc()
			continue
		}

		if err := d.Repo.MarkSent(ctx, tx, rec.ID); err != nil {
			return err
		}
		metrics.OutboxDispatched.WithLabelValues("sent").Inc()
		metrics.PublishedEvents.WithLabelValues(ev.Type, "outbox").Inc()
	}

	return tx.Commit(ctx)
}
