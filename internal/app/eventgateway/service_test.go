package eventgateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/todo-platform/eventcore/internal/contracts"
)

type fakePublisher struct {
	published []contracts.Envelope
}

func (f *fakePublisher) Publish(_ context.Context, ev contracts.Envelope) error {
	f.published = append(f.published, ev)
	return nil
}

type fakeStager struct {
	staged []contracts.Envelope
}

func (f *fakeStager) StageDirect(_ context.Context, ev contracts.Envelope) error {
	f.staged = append(f.staged, ev)
	return nil
}

func directService(pub *fakePublisher) *Service {
	svc := NewService(pub, &fakeStager{}, false)
	svc.Now = func() time.Time { return time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC) }
	svc.NewID = func() string { return "generated-id" }
	return svc
}

func TestAcceptPublishesDirect(t *testing.T) {
	pub := &fakePublisher{}
	svc := directService(pub)

	resp, err := svc.Accept(context.Background(), PublishRequest{
		Type:   contracts.TaskCreated,
		TaskID: "task-1",
		UserID: "user-1",
		Title:  "write tests",
	})
	require.NoError(t, err)
	assert.Equal(t, "published", resp.Status)
	assert.Equal(t, "generated-id", resp.EventID)

	require.Len(t, pub.published, 1)
	ev := pub.published[0]
	assert.Equal(t, contracts.SchemaVersion, ev.SchemaVersion)
	assert.NoError(t, ev.Validate())
	payload, err := ev.TaskPayload()
	require.NoError(t, err)
	assert.Equal(t, "write tests", payload.Title)
}

func TestAcceptHonorsClientEventID(t *testing.T) {
	pub := &fakePublisher{}
	svc := directService(pub)

	resp, err := svc.Accept(context.Background(), PublishRequest{
		EventID: "client-supplied",
		Type:    contracts.TaskCompleted,
		TaskID:  "task-1",
		UserID:  "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "client-supplied", resp.EventID)
}

func TestAcceptValidation(t *testing.T) {
	svc := directService(&fakePublisher{})

	tests := []struct {
		name    string
		req     PublishRequest
		wantErr error
	}{
		{"missing task id", PublishRequest{Type: contracts.TaskCreated, UserID: "u", Title: "t"}, ErrTaskIDRequired},
		{"missing user id", PublishRequest{Type: contracts.TaskCreated, TaskID: "t1", Title: "t"}, ErrUserIDRequired},
		{"created needs title", PublishRequest{Type: contracts.TaskCreated, TaskID: "t1", UserID: "u"}, ErrTitleRequired},
		{"derived types rejected", PublishRequest{Type: contracts.TaskDueSoon, TaskID: "t1", UserID: "u"}, ErrUnsupportedEventType},
		{"garbage type rejected", PublishRequest{Type: "task.exploded", TaskID: "t1", UserID: "u"}, ErrUnsupportedEventType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Accept(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAcceptStagesThroughOutbox(t *testing.T) {
	pub := &fakePublisher{}
	stager := &fakeStager{}
	svc := NewService(pub, stager, true)
	svc.NewID = func() string { return "generated-id" }

	resp, err := svc.Accept(context.Background(), PublishRequest{
		Type:   contracts.TaskUpdated,
		TaskID: "task-1",
		UserID: "user-1",
		Title:  "renamed",
	})
	require.NoError(t, err)
	assert.Equal(t, "staged", resp.Status)
	assert.Len(t, stager.staged, 1)
	assert.Empty(t, pub.published)
}

func TestHandlerRejectsBadJSON(t *testing.T) {
	handler := NewHandler(directService(&fakePublisher{}))
	srv := httptest.NewServer(handler.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/events", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandlerAcceptsEvent(t *testing.T) {
	pub := &fakePublisher{}
	handler := NewHandler(directService(pub))
	srv := httptest.NewServer(handler.Router())
	defer srv.Close()

	body := []byte(`{"type":"task.created","task_id":"task-1","user_id":"user-1","title":"from http"}`)
	resp, err := http.Post(srv.URL+"/api/v1/events", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, pub.published, 1)
}
