// Package deadletter is the terminal, queryable destination for events that
// could not be processed: schema drift, unknown types, exhausted retries and
// classified permanent faults all land here with enough context for an
// operator to diagnose and replay.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("dead letter not found")

// Entry is one dead-lettered event for one consumer group. The full
// envelope is kept verbatim so replay needs nothing else.
type Entry struct {
	ID         int64      `json:"id"`
	Consumer   string     `json:"consumer"`
	EventID    string     `json:"event_id"`
	TaskID     string     `json:"task_id"`
	Reason     string     `json:"reason"`
	Envelope   []byte     `json:"envelope"`
	Attempts   int        `json:"attempts"`
	FirstSeen  time.Time  `json:"first_seen"`
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`
}

const createDeadLettersSQL = `
CREATE TABLE IF NOT EXISTS dead_letters (
  id bigserial PRIMARY KEY,
  consumer_name text NOT NULL,
  event_id text NOT NULL,
  task_id text NOT NULL DEFAULT '',
  reason text NOT NULL,
  envelope jsonb NOT NULL,
  attempts integer NOT NULL DEFAULT 1,
  first_seen timestamptz NOT NULL DEFAULT now(),
  replayed_at timestamptz,
  UNIQUE (consumer_name, event_id)
)`

const insertDeadLetterSQL = `
INSERT INTO dead_letters (consumer_name, event_id, task_id, reason, envelope, attempts)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (consumer_name, event_id) DO UPDATE
SET attempts = EXCLUDED.attempts, reason = EXCLUDED.reason
`

const listDeadLettersSQL = `
SELECT id, consumer_name, event_id, task_id, reason, envelope, attempts, first_seen, replayed_at
FROM dead_letters
WHERE ($1 = '' OR consumer_name = $1)
ORDER BY first_seen DESC
LIMIT $2
`

const getDeadLetterSQL = `
SELECT id, consumer_name, event_id, task_id, reason, envelope, attempts, first_seen, replayed_at
FROM dead_letters
WHERE id = $1
`

const markReplayedSQL = `
UPDATE dead_letters SET replayed_at = now() WHERE id = $1
`

// Store is the Postgres dead-letter surface shared by every consumer group.
type Store struct {
	Pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, createDeadLettersSQL)
	return err
}

// Write records a dead-lettered event. A replayed event that dead-letters
// again updates the existing row instead of duplicating it.
func (s *Store) Write(ctx context.Context, entry Entry) error {
	_, err := s.Pool.Exec(ctx, insertDeadLetterSQL,
		entry.Consumer,
		entry.EventID,
		entry.TaskID,
		entry.Reason,
		entry.Envelope,
		entry.Attempts,
	)
	if err != nil {
		return fmt.Errorf("write dead letter: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, consumer string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, listDeadLettersSQL, consumer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Consumer, &e.EventID, &e.TaskID, &e.Reason,
			&e.Envelope, &e.Attempts, &e.FirstSeen, &e.ReplayedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Get(ctx context.Context, id int64) (Entry, error) {
	var e Entry
	err := s.Pool.QueryRow(ctx, getDeadLetterSQL, id).Scan(&e.ID, &e.Consumer, &e.EventID,
		&e.TaskID, &e.Reason, &e.Envelope, &e.Attempts, &e.FirstSeen, &e.ReplayedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *Store) MarkReplayed(ctx context.Context, id int64) error {
	_, err := s.Pool.Exec(ctx, markReplayedSQL, id)
	return err
}
