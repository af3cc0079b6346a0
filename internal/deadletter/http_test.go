package deadletter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/contracts"
)

type fakeRepo struct {
	entries  map[int64]Entry
	replayed []int64
}

func newFakeRepo(entries ...Entry) *fakeRepo {
	repo := &fakeRepo{entries: make(map[int64]Entry)}
	for _, e := range entries {
		repo.entries[e.ID] = e
	}
	return repo
}

func (f *fakeRepo) List(_ context.Context, consumer string, limit int) ([]Entry, error) {
	var out []Entry
	for _, e := range f.entries {
		if consumer == "" || e.Consumer == consumer {
			out = append(out, e)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) Get(_ context.Context, id int64) (Entry, error) {
	e, ok := f.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (f *fakeRepo) MarkReplayed(_ context.Context, id int64) error {
	f.replayed = append(f.replayed, id)
	return nil
}

type fakeResetter struct {
	resets [][2]string
}

func (f *fakeResetter) Reset(_ context.Context, consumer, eventID string) error {
	f.resets = append(f.resets, [2]string{consumer, eventID})
	return nil
}

type fakePublisher struct {
	published []contracts.Envelope
}

func (f *fakePublisher) Publish(_ context.Context, ev contracts.Envelope) error {
	f.published = append(f.published, ev)
	return nil
}

func goodEntry() Entry {
	ev := contracts.Envelope{
		EventID:       "evt-1",
		TaskID:        "task-1",
		UserID:        "user-1",
		Type:          contracts.TaskCreated,
		OccurredAt:    time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		SchemaVersion: contracts.SchemaVersion,
	}
	data, _ := ev.Encode()
	return Entry{
		ID:       1,
		Consumer: "reminder-consumer",
		EventID:  "evt-1",
		TaskID:   "task-1",
		Reason:   "attempts-exhausted",
		Envelope: data,
		Attempts: 8,
	}
}

func newTestServer(repo Repository, idem IdempotencyResetter, pub Publisher) *httptest.Server {
	handler := NewHandler(repo, idem, pub, zap.NewNop())
	return httptest.NewServer(handler.Router())
}

func TestListDeadLetters(t *testing.T) {
	srv := newTestServer(newFakeRepo(goodEntry()), &fakeResetter{}, &fakePublisher{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/deadletters?consumer=reminder-consumer")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		DeadLetters []Entry `json:"dead_letters"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.DeadLetters, 1)
	assert.Equal(t, "evt-1", body.DeadLetters[0].EventID)
}

func TestGetDeadLetterNotFound(t *testing.T) {
	srv := newTestServer(newFakeRepo(), &fakeResetter{}, &fakePublisher{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/deadletters/42")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReplayResetsThenRepublishes(t *testing.T) {
	repo := newFakeRepo(goodEntry())
	idem := &fakeResetter{}
	pub := &fakePublisher{}
	srv := newTestServer(repo, idem, pub)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/deadletters/1/replay", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Len(t, idem.resets, 1)
	assert.Equal(t, [2]string{"reminder-consumer", "evt-1"}, idem.resets[0])
	require.Len(t, pub.published, 1)
	assert.Equal(t, "evt-1", pub.published[0].EventID)
	assert.Equal(t, []int64{1}, repo.replayed)
}

func TestReplayMalformedEnvelopeIsRejected(t *testing.T) {
	entry := goodEntry()
	entry.Envelope = []byte(`{broken`)
	repo := newFakeRepo(entry)
	pub := &fakePublisher{}
	srv := newTestServer(repo, &fakeResetter{}, pub)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/deadletters/1/replay", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Empty(t, pub.published)
	assert.Empty(t, repo.replayed)
}

func TestReplayUnknownIDIs404(t *testing.T) {
	srv := newTestServer(newFakeRepo(), &fakeResetter{}, &fakePublisher{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/deadletters/9/replay", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
