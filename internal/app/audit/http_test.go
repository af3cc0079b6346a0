package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	byTask map[string][]Entry
}

func (f *fakeReader) ListByTask(_ context.Context, taskID string) ([]Entry, error) {
	return f.byTask[taskID], nil
}

func TestListByTaskEndpoint(t *testing.T) {
	reader := &fakeReader{byTask: map[string][]Entry{
		"task-1": {
			{EventID: "evt-1", TaskID: "task-1", EventType: "task.created", OccurredAt: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)},
			{EventID: "evt-2", TaskID: "task-1", EventType: "task.completed", OccurredAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)},
		},
	}}
	srv := httptest.NewServer(NewHandler(reader).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/tasks/task-1/audit")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		TaskID string  `json:"task_id"`
		Trail  []Entry `json:"audit_trail"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "task-1", body.TaskID)
	require.Len(t, body.Trail, 2)
	assert.Equal(t, "evt-1", body.Trail[0].EventID)
}

func TestListByTaskUnknownTaskIsEmpty(t *testing.T) {
	srv := httptest.NewServer(NewHandler(&fakeReader{byTask: map[string][]Entry{}}).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/tasks/task-9/audit")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Trail []Entry `json:"audit_trail"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Trail)
}
