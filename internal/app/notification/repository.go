package notification

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	JobPending = "pending"
	JobSent    = "sent"
	JobFailed  = "failed"
)

const createNotificationJobsSQL = `
CREATE TABLE IF NOT EXISTS notification_jobs (
  id bigserial PRIMARY KEY,
  event_id text NOT NULL UNIQUE,
  task_id text NOT NULL,
  user_id text NOT NULL,
  kind text NOT NULL,
  subject text NOT NULL,
  body text NOT NULL,
  status text NOT NULL DEFAULT 'pending',
  attempts integer NOT NULL DEFAULT 0,
  next_attempt_at timestamptz NOT NULL DEFAULT now(),
  created_at timestamptz NOT NULL DEFAULT now(),
  sent_at timestamptz
)`

const enqueueJobSQL = `
INSERT INTO notification_jobs (event_id, task_id, user_id, kind, subject, body)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (event_id) DO NOTHING
`

const claimDeliverableJobsSQL = `
SELECT id, event_id, task_id, user_id, kind, subject, body, attempts
FROM notification_jobs
WHERE status = 'pending' AND next_attempt_at <= $1
ORDER BY next_attempt_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`

const markJobSentSQL = `
UPDATE notification_jobs
SET status = 'sent', attempts = attempts + 1, sent_at = now()
WHERE id = $1
`

const markJobAttemptSQL = `
UPDATE notification_jobs
SET status = $2, attempts = attempts + 1, next_attempt_at = $3
WHERE id = $1
`

// Job is one queued notification. Jobs are keyed by the event that produced
// them, so a redelivered event enqueues nothing new.
type Job struct {
	ID       int64
	EventID  string
	TaskID   string
	UserID   string
	Kind     string
	Subject  string
	Body     string
	Attempts int
}

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, createNotificationJobsSQL)
	return err
}

func (r *Repository) Enqueue(ctx context.Context, job Job) error {
	_, err := r.Pool.Exec(ctx, enqueueJobSQL,
		job.EventID, job.TaskID, job.UserID, job.Kind, job.Subject, job.Body)
	return err
}

// ClaimDeliverable locks one batch of due jobs inside tx. SKIP LOCKED keeps
// concurrent delivery sweeps off each other's batches.
func (r *Repository) ClaimDeliverable(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Job, error) {
	rows, err := tx.Query(ctx, claimDeliverableJobsSQL, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.EventID, &j.TaskID, &j.UserID, &j.Kind,
			&j.Subject, &j.Body, &j.Attempts); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *Repository) MarkSent(ctx context.Context, tx pgx.Tx, id int64) error {
	_, err := tx.Exec(ctx, markJobSentSQL, id)
	return err
}

// MarkFailedAttempt schedules another delivery attempt with linear backoff
// from now, or parks the job as failed once maxAttempts is spent.
func (r *Repository) MarkFailedAttempt(ctx context.Context, tx pgx.Tx, job Job, maxAttempts int, now time.Time) error {
	status := JobPending
	nextAttempt := now.Add(time.Duration(job.Attempts+1) * 30 * time.Second)
	if job.Attempts+1 >= maxAttempts {
		status = JobFailed
	}
	_, err := tx.Exec(ctx, markJobAttemptSQL, job.ID, status, nextAttempt)
	return err
}
