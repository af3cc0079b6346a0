package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/contracts"
)

type fakeTrail struct {
	entries []Entry
}

func (f *fakeTrail) Append(_ context.Context, e Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

func TestHandleAppendsEveryEventType(t *testing.T) {
	trail := &fakeTrail{}
	svc := NewService(trail, zap.NewNop())

	types := []string{
		contracts.TaskCreated, contracts.TaskUpdated, contracts.TaskCompleted,
		contracts.TaskDeleted, contracts.TaskDueSoon, contracts.TaskRecurrenceDue,
	}
	for i, eventType := range types {
		ev := contracts.Envelope{
			EventID:       "evt-" + eventType,
			TaskID:        "task-1",
			UserID:        "user-1",
			Type:          eventType,
			OccurredAt:    time.Date(2026, 8, 1, 9, i, 0, 0, time.UTC),
			SchemaVersion: contracts.SchemaVersion,
			Payload:       contracts.MustPayload(contracts.TaskPayload{Title: "t"}),
		}
		require.NoError(t, svc.Handle(context.Background(), ev))
	}

	require.Len(t, trail.entries, len(types))
	for i, entry := range trail.entries {
		assert.Equal(t, types[i], entry.EventType)
		assert.Equal(t, "task-1", entry.TaskID)
		assert.NotEmpty(t, entry.Payload)
	}
}

func TestHandlePayloadlessEventWritesEmptyObject(t *testing.T) {
	trail := &fakeTrail{}
	svc := NewService(trail, zap.NewNop())

	ev := contracts.Envelope{
		EventID:       "evt-bare",
		TaskID:        "task-1",
		UserID:        "user-1",
		Type:          contracts.TaskCompleted,
		OccurredAt:    time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		SchemaVersion: contracts.SchemaVersion,
	}
	require.NoError(t, ev.Validate())
	require.NoError(t, svc.Handle(context.Background(), ev))

	require.Len(t, trail.entries, 1)
	assert.Equal(t, []byte("{}"), trail.entries[0].Payload)
}
