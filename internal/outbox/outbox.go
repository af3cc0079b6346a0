// Package outbox gives producers exactly-once-ish publishing: an envelope is
// inserted into outbox_events in the same transaction as the business write,
// and a background dispatcher drains the table onto the event log. The event
// id carries through to the broker's dedup window, so a dispatcher crash
// between publish and mark-sent cannot append the event twice.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/todo-platform/eventcore/internal/contracts"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Record is one staged envelope awaiting dispatch.
type Record struct {
	ID          int64
	EventID     string
	TaskID      string
	EventType   string
	Envelope    json.RawMessage
	Status      string
	RetryCount  int
	NextRetryAt *time.Time
	CreatedAt   time.Time
}

const createOutboxSQL = `
CREATE TABLE IF NOT EXISTS outbox_events (
  id bigserial PRIMARY KEY,
  event_id text NOT NULL UNIQUE,
  task_id text NOT NULL,
  event_type text NOT NULL,
  envelope jsonb NOT NULL,
  status text NOT NULL DEFAULT 'pending',
  retry_count integer NOT NULL DEFAULT 0,
  next_retry_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const stageSQL = `
INSERT INTO outbox_events (event_id, task_id, event_type, envelope)
VALUES ($1, $2, $3, $4)
ON CONFLICT (event_id) DO NOTHING
`

const pendingSQL = `
SELECT id, event_id, task_id, event_type, envelope, status, retry_count, next_retry_at, created_at
FROM outbox_events
WHERE status = 'pending'
  AND (next_retry_at IS NULL OR next_retry_at <= now())
ORDER BY id ASC
LIMIT $1
FOR UPDATE SKIP LOCKED
`

const markSentSQL = `
UPDATE outbox_events SET status = 'sent' WHERE id = $1
`

const markAttemptSQL = `
UPDATE outbox_events
SET status = $2, retry_count = retry_count + 1, next_retry_at = $3
WHERE id = $1
`

// Repository is the Postgres side of the outbox.
type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createOutboxSQL)
	return err
}

// Stage inserts the envelope inside the caller's transaction. Staging the
// same event id twice is a no-op, so producer retries are harmless.
func (r *Repository) Stage(ctx context.Context, tx pgx.Tx, ev contracts.Envelope) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, stageSQL, ev.EventID, ev.TaskID, ev.Type, data); err != nil {
		return fmt.Errorf("stage outbox event: %w", err)
	}
	return nil
}

// StageDirect inserts outside any transaction, for producers that have no
// business write of their own to pair the event with.
func (r *Repository) StageDirect(ctx context.Context, ev contracts.Envelope) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if _, err := r.Pool.Exec(ctx, stageSQL, ev.EventID, ev.TaskID, ev.Type, data); err != nil {
		return fmt.Errorf("stage outbox event: %w", err)
	}
	return nil
}

// ClaimPending locks and returns up to limit dispatchable records inside tx.
// SKIP LOCKED lets concurrent dispatcher replicas drain disjoint batches.
func (r *Repository) ClaimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, pendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending outbox events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.TaskID, &rec.EventType, &rec.Envelope,
			&rec.Status, &rec.RetryCount, &rec.NextRetryAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) MarkSent(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, markSentSQL, id)
	return err
}

// MarkFailedAttempt schedules another dispatch attempt, or parks the record
// as failed once maxRetries is reached.
func (r *Repository) MarkFailedAttempt(ctx context.Context, tx pgx.Tx, rec Record, maxRetries int) error {
	status := StatusPending
	var nextRetry *time.Time
	if rec.RetryCount+1 >= maxRetries {
		status = StatusFailed
	} else {
		t := time.Now().Add(time.Duration(rec.RetryCount+1) * 5 * time.Second)
		nextRetry = &t
	}
	_, err := tx.Exec(ctx, markAttemptSQL, rec.ID, status, nextRetry)
	return err
}
