package recurring

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrTemplateNotFound = errors.New("recurrence template not found")

const createRecurrencesTableSQL = `
CREATE TABLE IF NOT EXISTS task_recurrences (
  task_id text PRIMARY KEY,
  user_id text NOT NULL,
  title text NOT NULL DEFAULT '',
  frequency text NOT NULL,
  interval_count integer NOT NULL DEFAULT 1,
  next_occurrence timestamptz NOT NULL,
  active boolean NOT NULL DEFAULT true,
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const upsertRecurrenceSQL = `
INSERT INTO task_recurrences (task_id, user_id, title, frequency, interval_count, next_occurrence, active, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, true, now())
ON CONFLICT (task_id) DO UPDATE
SET user_id = EXCLUDED.user_id,
    title = EXCLUDED.title,
    frequency = EXCLUDED.frequency,
    interval_count = EXCLUDED.interval_count,
    next_occurrence = EXCLUDED.next_occurrence,
    active = true,
    updated_at = now()
`

const deactivateRecurrenceSQL = `
UPDATE task_recurrences
SET active = false, updated_at = now()
WHERE task_id = $1
`

const lockTemplateSQL = `
SELECT task_id, user_id, title, frequency, interval_count, next_occurrence
FROM task_recurrences
WHERE task_id = $1 AND active
FOR UPDATE
`

const advanceCursorSQL = `
UPDATE task_recurrences
SET next_occurrence = $2, updated_at = now()
WHERE task_id = $1
`

const claimDueRecurrencesSQL = `
SELECT task_id, user_id, title, frequency, interval_count, next_occurrence
FROM task_recurrences
WHERE active AND next_occurrence <= $1
ORDER BY next_occurrence ASC
LIMIT $2
`

// Template is one recurrence registration: the task that carries the rule
// plus the cursor for its next spawn.
type Template struct {
	TaskID         string
	UserID         string
	Title          string
	Frequency      string
	Interval       int
	NextOccurrence time.Time
}

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createRecurrencesTableSQL)
	return err
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.Pool.Begin(ctx)
}

func (r *Repository) Upsert(ctx context.Context, t Template) error {
	_, err := r.Pool.Exec(ctx, upsertRecurrenceSQL,
		t.TaskID, t.UserID, t.Title, t.Frequency, t.Interval, t.NextOccurrence)
	return err
}

func (r *Repository) Deactivate(ctx context.Context, taskID string) error {
	_, err := r.Pool.Exec(ctx, deactivateRecurrenceSQL, taskID)
	return err
}

// LockTemplate row-locks the template inside tx so only one handler at a
// time can advance its cursor.
func (r *Repository) LockTemplate(ctx context.Context, tx pgx.Tx, taskID string) (Template, error) {
	var t Template
	err := tx.QueryRow(ctx, lockTemplateSQL, taskID).Scan(
		&t.TaskID, &t.UserID, &t.Title, &t.Frequency, &t.Interval, &t.NextOccurrence)
	if errors.Is(err, pgx.ErrNoRows) {
		return Template{}, ErrTemplateNotFound
	}
	if err != nil {
		return Template{}, err
	}
	return t, nil
}

func (r *Repository) AdvanceCursor(ctx context.Context, tx pgx.Tx, taskID string, next time.Time) error {
	_, err := tx.Exec(ctx, advanceCursorSQL, taskID, next)
	return err
}

// ListDue returns templates whose cursor has come due. The sweep reads
// without locking; deterministic event ids downstream make overlapping
// sweeps harmless.
func (r *Repository) ListDue(ctx context.Context, now time.Time, limit int) ([]Template, error) {
	rows, err := r.Pool.Query(ctx, claimDueRecurrencesSQL, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.TaskID, &t.UserID, &t.Title, &t.Frequency, &t.Interval, &t.NextOccurrence); err != nil {
			return nil, err
		}
		due = append(due, t)
	}
	return due, rows.Err()
}
