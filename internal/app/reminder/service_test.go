package reminder

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/consumer"
	"github.com/todo-platform/eventcore/internal/contracts"
)

type fakeStore struct {
	upserts []upsertCall
	cancels []string
}

type upsertCall struct {
	taskID, userID, title string
	dueAt, remindAt       time.Time
}

func (f *fakeStore) Upsert(_ context.Context, taskID, userID, title string, dueAt, remindAt time.Time) error {
	f.upserts = append(f.upserts, upsertCall{taskID, userID, title, dueAt, remindAt})
	return nil
}

func (f *fakeStore) Cancel(_ context.Context, taskID string) error {
	f.cancels = append(f.cancels, taskID)
	return nil
}

func lifecycleEvent(eventType string, payload contracts.TaskPayload) contracts.Envelope {
	return contracts.Envelope{
		EventID:       "evt-1",
		TaskID:        "task-1",
		UserID:        "user-1",
		Type:          eventType,
		OccurredAt:    time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		SchemaVersion: contracts.SchemaVersion,
		Payload:       contracts.MustPayload(payload),
	}
}

func TestHandleCreatedSchedulesReminder(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, zap.NewNop())

	due := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ev := lifecycleEvent(contracts.TaskCreated, contracts.TaskPayload{Title: "pay rent", DueDate: &due})

	require.NoError(t, svc.Handle(context.Background(), ev))
	require.Len(t, store.upserts, 1)
	got := store.upserts[0]
	assert.Equal(t, "task-1", got.taskID)
	assert.Equal(t, "user-1", got.userID)
	assert.Equal(t, "pay rent", got.title)
	assert.Equal(t, due.Add(-DefaultLeadTime), got.remindAt)
}

func TestHandleUpdatedWithoutDueDateCancels(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, zap.NewNop())

	ev := lifecycleEvent(contracts.TaskUpdated, contracts.TaskPayload{Title: "no deadline anymore"})

	require.NoError(t, svc.Handle(context.Background(), ev))
	assert.Empty(t, store.upserts)
	assert.Equal(t, []string{"task-1"}, store.cancels)
}

func TestHandleCompletedAndDeletedCancel(t *testing.T) {
	for _, eventType := range []string{contracts.TaskCompleted, contracts.TaskDeleted} {
		store := &fakeStore{}
		svc := NewService(store, zap.NewNop())

		require.NoError(t, svc.Handle(context.Background(), lifecycleEvent(eventType, contracts.TaskPayload{})))
		assert.Equal(t, []string{"task-1"}, store.cancels, eventType)
	}
}

func TestHandleIgnoresDerivedEvents(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, zap.NewNop())

	ev := lifecycleEvent(contracts.TaskDueSoon, contracts.TaskPayload{})
	require.NoError(t, svc.Handle(context.Background(), ev))
	assert.Empty(t, store.upserts)
	assert.Empty(t, store.cancels)
}

func TestHandleCorruptPayloadIsPermanent(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, zap.NewNop())

	ev := lifecycleEvent(contracts.TaskCreated, contracts.TaskPayload{})
	ev.Payload = json.RawMessage(`{"due_date": "not-a-time"}`)

	err := svc.Handle(context.Background(), ev)
	require.Error(t, err)
	reason, ok := consumer.PermanentReason(err)
	assert.True(t, ok)
	assert.Equal(t, "malformed-payload", reason)
}

func TestDueSoonEventIDDeterministic(t *testing.T) {
	at := time.Date(2026, 8, 1, 11, 30, 0, 0, time.UTC)
	assert.Equal(t, DueSoonEventID("task-1", at), DueSoonEventID("task-1", at))
	assert.NotEqual(t, DueSoonEventID("task-1", at), DueSoonEventID("task-2", at))
	assert.NotEqual(t, DueSoonEventID("task-1", at), DueSoonEventID("task-1", at.Add(time.Second)))
}
