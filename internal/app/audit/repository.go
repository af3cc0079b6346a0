package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createAuditEntriesSQL = `
CREATE TABLE IF NOT EXISTS audit_entries (
  event_id text PRIMARY KEY,
  task_id text NOT NULL,
  user_id text NOT NULL,
  event_type text NOT NULL,
  occurred_at timestamptz NOT NULL,
  payload jsonb NOT NULL,
  recorded_at timestamptz NOT NULL DEFAULT now()
)`

const insertAuditEntrySQL = `
INSERT INTO audit_entries (event_id, task_id, user_id, event_type, occurred_at, payload)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (event_id) DO NOTHING
`

const listByTaskSQL = `
SELECT event_id, task_id, user_id, event_type, occurred_at, payload, recorded_at
FROM audit_entries
WHERE task_id = $1
ORDER BY occurred_at ASC
`

// Entry is one immutable line of the audit trail.
type Entry struct {
	EventID    string    `json:"event_id"`
	TaskID     string    `json:"task_id"`
	UserID     string    `json:"user_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    []byte    `json:"payload"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createAuditEntriesSQL)
	return err
}

// Append records the event. The trail is append-only and keyed by event id,
// so replays and redeliveries land on the existing row.
func (r *Repository) Append(ctx context.Context, e Entry) error {
	_, err := r.Pool.Exec(ctx, insertAuditEntrySQL,
		e.EventID, e.TaskID, e.UserID, e.EventType, e.OccurredAt, e.Payload)
	return err
}

// ListByTask returns the trail for one task in event-time order.
func (r *Repository) ListByTask(ctx context.Context, taskID string) ([]Entry, error) {
	rows, err := r.Pool.Query(ctx, listByTaskSQL, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EventID, &e.TaskID, &e.UserID, &e.EventType,
			&e.OccurredAt, &e.Payload, &e.RecordedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
