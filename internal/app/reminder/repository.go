package reminder

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createRemindersTableSQL = `
CREATE TABLE IF NOT EXISTS reminders (
  task_id text PRIMARY KEY,
  user_id text NOT NULL,
  title text NOT NULL DEFAULT '',
  due_at timestamptz NOT NULL,
  remind_at timestamptz NOT NULL,
  status text NOT NULL DEFAULT 'pending',
  updated_at timestamptz NOT NULL DEFAULT now()
)`

const upsertReminderSQL = `
INSERT INTO reminders (task_id, user_id, title, due_at, remind_at, status, updated_at)
VALUES ($1, $2, $3, $4, $5, 'pending', now())
ON CONFLICT (task_id) DO UPDATE
SET user_id = EXCLUDED.user_id,
    title = EXCLUDED.title,
    due_at = EXCLUDED.due_at,
    remind_at = EXCLUDED.remind_at,
    status = 'pending',
    updated_at = now()
`

const cancelReminderSQL = `
UPDATE reminders
SET status = 'cancelled', updated_at = now()
WHERE task_id = $1 AND status = 'pending'
`

const claimDueRemindersSQL = `
SELECT task_id, user_id, title, due_at, remind_at
FROM reminders
WHERE status = 'pending' AND remind_at <= $1
ORDER BY remind_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`

const markFiredSQL = `
UPDATE reminders
SET status = 'fired', updated_at = now()
WHERE task_id = $1 AND status = 'pending'
`

// DueReminder is one reminder the sweep is about to fire.
type DueReminder struct {
	TaskID   string
	UserID   string
	Title    string
	DueAt    time.Time
	RemindAt time.Time
}

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createRemindersTableSQL)
	return err
}

// Upsert schedules (or reschedules) the reminder for a task. A cancelled or
// fired reminder comes back to pending when the task's due date changes.
func (r *Repository) Upsert(ctx context.Context, taskID, userID, title string, dueAt, remindAt time.Time) error {
	_, err := r.Pool.Exec(ctx, upsertReminderSQL, taskID, userID, title, dueAt, remindAt)
	return err
}

// Cancel retires a pending reminder. Fired and already-cancelled reminders
// are left as they are.
func (r *Repository) Cancel(ctx context.Context, taskID string) error {
	_, err := r.Pool.Exec(ctx, cancelReminderSQL, taskID)
	return err
}
