package recurring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/consumer"
	"github.com/todo-platform/eventcore/internal/contracts"
)

type fakeRegistry struct {
	upserts     []Template
	deactivated []string
}

func (f *fakeRegistry) Upsert(_ context.Context, t Template) error {
	f.upserts = append(f.upserts, t)
	return nil
}

func (f *fakeRegistry) Deactivate(_ context.Context, taskID string) error {
	f.deactivated = append(f.deactivated, taskID)
	return nil
}

func registryService(registry *fakeRegistry) *Service {
	return &Service{
		Templates: registry,
		Logger:    zap.NewNop(),
		Now:       func() time.Time { return time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC) },
	}
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

func TestHandleCreatedRegistersTemplate(t *testing.T) {
	registry := &fakeRegistry{}
	svc := registryService(registry)

	due := time.Date(2026, 8, 5, 9, 0, 0, 0, time.UTC)
	ev := lifecycleEvent(contracts.TaskCreated, contracts.TaskPayload{
		Title:          "water plants",
		DueDate:        &due,
		RecurrenceRule: &contracts.RecurrenceRule{Frequency: FrequencyDaily, Interval: 2},
	})

	require.NoError(t, svc.Handle(context.Background(), ev))
	require.Len(t, registry.upserts, 1)
	got := registry.upserts[0]
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, FrequencyDaily, got.Frequency)
	assert.Equal(t, 2, got.Interval)
	// Cursor starts one step past the registering task's own due date.
	assert.True(t, got.NextOccurrence.Equal(due.AddDate(0, 0, 2)), "got %v", got.NextOccurrence)
}

func TestHandleCreatedWithoutDueDateAnchorsOnOccurredAt(t *testing.T) {
	registry := &fakeRegistry{}
	svc := registryService(registry)

	ev := lifecycleEvent(contracts.TaskCreated, contracts.TaskPayload{
		Title:          "standup notes",
		RecurrenceRule: &contracts.RecurrenceRule{Frequency: FrequencyWeekly, Interval: 1},
	})

	require.NoError(t, svc.Handle(context.Background(), ev))
	require.Len(t, registry.upserts, 1)
	want := ev.OccurredAt.AddDate(0, 0, 7)
	assert.True(t, registry.upserts[0].NextOccurrence.Equal(want))
}

func TestHandleUpdatedWithoutRuleDeactivates(t *testing.T) {
	registry := &fakeRegistry{}
	svc := registryService(registry)

	ev := lifecycleEvent(contracts.TaskUpdated, contracts.TaskPayload{Title: "no longer recurring"})
	require.NoError(t, svc.Handle(context.Background(), ev))
	assert.Empty(t, registry.upserts)
	assert.Equal(t, []string{"task-1"}, registry.deactivated)
}

func TestHandleDeletedDeactivates(t *testing.T) {
	registry := &fakeRegistry{}
	svc := registryService(registry)

	require.NoError(t, svc.Handle(context.Background(), lifecycleEvent(contracts.TaskDeleted, contracts.TaskPayload{})))
	assert.Equal(t, []string{"task-1"}, registry.deactivated)
}

func TestHandleCompletedIsIgnored(t *testing.T) {
	registry := &fakeRegistry{}
	svc := registryService(registry)

	require.NoError(t, svc.Handle(context.Background(), lifecycleEvent(contracts.TaskCompleted, contracts.TaskPayload{})))
	assert.Empty(t, registry.upserts)
	assert.Empty(t, registry.deactivated)
}

func TestHandleInvalidRuleIsPermanent(t *testing.T) {
	registry := &fakeRegistry{}
	svc := registryService(registry)

	ev := lifecycleEvent(contracts.TaskCreated, contracts.TaskPayload{
		RecurrenceRule: &contracts.RecurrenceRule{Frequency: "hourly", Interval: 1},
	})

	err := svc.Handle(context.Background(), ev)
	require.Error(t, err)
	reason, ok := consumer.PermanentReason(err)
	assert.True(t, ok)
	assert.Equal(t, "invalid-recurrence-rule", reason)
	assert.Empty(t, registry.upserts)
}
