// Package idempotency is the single synchronization primitive between
// concurrent workers of one consumer kind. The unique-constrained insert on
// (consumer_name, event_id) decides which replica applies a side effect;
// everyone else observes the decision and skips.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Decision is the answer to "may this worker apply the side effect?".
type Decision int

const (
	// Proceed: this worker won the claim and must run the handler.
	Proceed Decision = iota
	// AlreadyApplied: the event reached a settled outcome earlier; commit
	// the cursor without re-running the side effect.
	AlreadyApplied
	// InProgressElsewhere: another live worker holds the claim; skip
	// without committing so the event is redelivered later.
	InProgressElsewhere
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case AlreadyApplied:
		return "already_applied"
	case InProgressElsewhere:
		return "in_progress_elsewhere"
	default:
		return "unknown"
	}
}

// Settled outcomes. in_progress is a claim, not an outcome; records are
// write-once after they settle.
const (
	OutcomeInProgress   = "in_progress"
	OutcomeSuccess      = "success"
	OutcomeDeadLettered = "dead_lettered"
)

const createProcessedEventsSQL = `
CREATE TABLE IF NOT EXISTS processed_events (
  consumer_name text NOT NULL,
  event_id text NOT NULL,
  outcome text NOT NULL DEFAULT 'in_progress',
  claimed_at timestamptz NOT NULL DEFAULT now(),
  applied_at timestamptz,
  PRIMARY KEY (consumer_name, event_id)
)`

const claimSQL = `
INSERT INTO processed_events (consumer_name, event_id, outcome, claimed_at)
VALUES ($1, $2, 'in_progress', now())
ON CONFLICT (consumer_name, event_id) DO NOTHING
`

const readClaimSQL = `
SELECT outcome, claimed_at
FROM processed_events
WHERE consumer_name = $1 AND event_id = $2
`

const takeOverClaimSQL = `
UPDATE processed_events
SET claimed_at = now()
WHERE consumer_name = $1 AND event_id = $2
  AND outcome = 'in_progress' AND claimed_at = $3
`

const finalizeSQL = `
UPDATE processed_events
SET outcome = $3, applied_at = now()
WHERE consumer_name = $1 AND event_id = $2 AND outcome = 'in_progress'
`

const releaseSQL = `
DELETE FROM processed_events
WHERE consumer_name = $1 AND event_id = $2 AND outcome = 'in_progress'
`

const resetSQL = `
DELETE FROM processed_events
WHERE consumer_name = $1 AND event_id = $2
`

// Store is the Postgres-backed idempotency record table, with an optional
// Redis cache short-circuiting lookups for settled events.
type Store struct {
	Pool   *pgxpool.Pool
	Cache  *Cache
	Logger *zap.Logger

	// ClaimLease bounds how long a claim may sit in_progress before
	// another worker may assume its owner crashed mid-processing and take
	// over. Must comfortably exceed the handler timeout.
	ClaimLease time.Duration
}

func NewStore(pool *pgxpool.Pool, cache *Cache, logger *zap.Logger) *Store {
	return &Store{
		Pool:       pool,
		Cache:      cache,
		Logger:     logger,
		ClaimLease: time.Minute,
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, createProcessedEventsSQL)
	return err
}

// TryBegin claims (consumer, event) for this worker. The first insert wins;
// a losing worker learns whether the event is settled or merely in flight.
func (s *Store) TryBegin(ctx context.Context, consumer, eventID string) (Decision, error) {
	if s.Cache.Settled(ctx, consumer, eventID) {
		return AlreadyApplied, nil
	}

	tag, err := s.Pool.Exec(ctx, claimSQL, consumer, eventID)
	if err != nil {
		return InProgressElsewhere, fmt.Errorf("claim event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return Proceed, nil
	}

	var outcome string
	var claimedAt time.Time
	if err := s.Pool.QueryRow(ctx, readClaimSQL, consumer, eventID).Scan(&outcome, &claimedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Claim released between our insert and read; let the
			// redelivery race again.
			return InProgressElsewhere, nil
		}
		return InProgressElsewhere, fmt.Errorf("read claim: %w", err)
	}

	if outcome != OutcomeInProgress {
		s.Cache.MarkSettled(ctx, consumer, eventID, outcome)
		return AlreadyApplied, nil
	}

	if time.Since(claimedAt) > s.ClaimLease {
		tag, err := s.Pool.Exec(ctx, takeOverClaimSQL, consumer, eventID, claimedAt)
		if err != nil {
			return InProgressElsewhere, fmt.Errorf("take over claim: %w", err)
		}
		if tag.RowsAffected() == 1 {
			s.Logger.Warn("took over stale idempotency claim",
				zap.String("consumer", consumer),
				zap.String("event_id", eventID),
				zap.Time("claimed_at", claimedAt),
			)
			return Proceed, nil
		}
	}

	return InProgressElsewhere, nil
}

// Finalize settles the record. A record another path already settled (for
// example a handler that finalized inside its own transaction) is left
// untouched, so Finalize is safe to call unconditionally.
func (s *Store) Finalize(ctx context.Context, consumer, eventID, outcome string) error {
	if _, err := s.Pool.Exec(ctx, finalizeSQL, consumer, eventID, outcome); err != nil {
		return fmt.Errorf("finalize event: %w", err)
	}
	s.Cache.MarkSettled(ctx, consumer, eventID, outcome)
	return nil
}

// FinalizeTx settles the record inside the caller's transaction. Domain
// handlers whose derived-state write must be atomic with the dedup record
// (the recurrence cursor) use this.
func (s *Store) FinalizeTx(ctx context.Context, tx pgx.Tx, consumer, eventID, outcome string) error {
	if _, err := tx.Exec(ctx, finalizeSQL, consumer, eventID, outcome); err != nil {
		return fmt.Errorf("finalize event in tx: %w", err)
	}
	return nil
}

// Release abandons an unsettled claim so the redelivered event can be
// claimed again. Called on transient faults; settled records are write-once
// and a retried attempt must not leave one behind.
func (s *Store) Release(ctx context.Context, consumer, eventID string) error {
	_, err := s.Pool.Exec(ctx, releaseSQL, consumer, eventID)
	return err
}

// Reset removes the record whatever its outcome. Dead-letter replay uses it:
// without the reset the replayed event would deduplicate straight back out.
func (s *Store) Reset(ctx context.Context, consumer, eventID string) error {
	if _, err := s.Pool.Exec(ctx, resetSQL, consumer, eventID); err != nil {
		return err
	}
	if s.Cache != nil && s.Cache.rdb != nil {
		_ = s.Cache.rdb.Del(ctx, cacheKey(consumer, eventID)).Err()
	}
	return nil
}
