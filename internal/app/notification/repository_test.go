package notification

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx
	args [][]any
}

func (f *fakeTx) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	f.args = append(f.args, args)
	return pgconn.CommandTag{}, nil
}

func TestMarkFailedAttemptReschedulesWithLinearBackoff(t *testing.T) {
	tx := &fakeTx{}
	repo := &Repository{}
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	job := Job{ID: 7, Attempts: 2}
	require.NoError(t, repo.MarkFailedAttempt(context.Background(), tx, job, 5, now))

	require.Len(t, tx.args, 1)
	assert.Equal(t, int64(7), tx.args[0][0])
	assert.Equal(t, JobPending, tx.args[0][1])
	assert.Equal(t, now.Add(90*time.Second), tx.args[0][2])
}

// The fifth failure parks the job; it never dead-letters the event that
// produced it.
func TestMarkFailedAttemptParksJobAtMaxAttempts(t *testing.T) {
	tx := &fakeTx{}
	repo := &Repository{}
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	job := Job{ID: 7, Attempts: 4}
	require.NoError(t, repo.MarkFailedAttempt(context.Background(), tx, job, 5, now))

	require.Len(t, tx.args, 1)
	assert.Equal(t, JobFailed, tx.args[0][1])
}
