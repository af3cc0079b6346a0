package consumer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/broker"
	"github.com/todo-platform/eventcore/internal/contracts"
	"github.com/todo-platform/eventcore/internal/deadletter"
	"github.com/todo-platform/eventcore/internal/idempotency"
)

type fakeAck struct {
	committed  bool
	retried    bool
	retryDelay time.Duration
	rejected   bool
}

func (a *fakeAck) Commit() error { a.committed = true; return nil }

func (a *fakeAck) Retry(delay time.Duration) error {
	a.retried = true
	a.retryDelay = delay
	return nil
}

func (a *fakeAck) Reject() error { a.rejected = true; return nil }

type fakeIdem struct {
	mu       sync.Mutex
	outcomes map[string]string
	claims   map[string]bool
	released []string

	beginErr    error
	finalizeErr error
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{
		outcomes: make(map[string]string),
		claims:   make(map[string]bool),
	}
}

func key(consumer, eventID string) string { return consumer + "|" + eventID }

func (f *fakeIdem) TryBegin(_ context.Context, consumer, eventID string) (idempotency.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return idempotency.InProgressElsewhere, f.beginErr
	}
	k := key(consumer, eventID)
	if _, ok := f.outcomes[k]; ok {
		return idempotency.AlreadyApplied, nil
	}
	if f.claims[k] {
		return idempotency.InProgressElsewhere, nil
	}
	f.claims[k] = true
	return idempotency.Proceed, nil
}

func (f *fakeIdem) Finalize(_ context.Context, consumer, eventID, outcome string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	k := key(consumer, eventID)
	f.outcomes[k] = outcome
	delete(f.claims, k)
	return nil
}

func (f *fakeIdem) Release(_ context.Context, consumer, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(consumer, eventID)
	delete(f.claims, k)
	f.released = append(f.released, k)
	return nil
}

func (f *fakeIdem) outcomeOf(consumer, eventID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcomes[key(consumer, eventID)]
}

type fakeDLQ struct {
	entries  []deadletter.Entry
	writeErr error
}

func (f *fakeDLQ) Write(_ context.Context, entry deadletter.Entry) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.entries = append(f.entries, entry)
	return nil
}

type countingHandler struct {
	calls atomic.Int32
	err   error
}

func (h *countingHandler) Handle(context.Context, contracts.Envelope) error {
	h.calls.Add(1)
	return h.err
}

func testEnvelope() contracts.Envelope {
	return contracts.Envelope{
		EventID:       "evt-1",
		TaskID:        "task-1",
		UserID:        "user-1",
		Type:          contracts.TaskCreated,
		OccurredAt:    time.Now().UTC(),
		SchemaVersion: contracts.SchemaVersion,
	}
}

func testDelivery(t *testing.T, ev contracts.Envelope, attempt int) (broker.Delivery, *fakeAck) {
	t.Helper()
	data, err := ev.Encode()
	require.NoError(t, err)
	ack := &fakeAck{}
	return broker.Delivery{Data: data, Attempt: attempt, Acker: ack}, ack
}

func testRuntime(handler Handler, idem *fakeIdem, dlq *fakeDLQ) *Runtime {
	return NewRuntime("test-group", handler, nil, idem, dlq, zap.NewNop())
}

func TestProcessSuccessCommits(t *testing.T) {
	idem := newFakeIdem()
	dlq := &fakeDLQ{}
	handler := &countingHandler{}
	r := testRuntime(handler, idem, dlq)

	d, ack := testDelivery(t, testEnvelope(), 1)
	r.process(context.Background(), d)

	assert.Equal(t, int32(1), handler.calls.Load())
	assert.Equal(t, idempotency.OutcomeSuccess, idem.outcomeOf("test-group", "evt-1"))
	assert.True(t, ack.committed)
	assert.False(t, ack.retried)
	assert.Empty(t, dlq.entries)
}

func TestProcessRedeliveryOfSettledEventSkipsHandler(t *testing.T) {
	idem := newFakeIdem()
	idem.outcomes[key("test-group", "evt-1")] = idempotency.OutcomeSuccess
	handler := &countingHandler{}
	r := testRuntime(handler, idem, &fakeDLQ{})

	d, ack := testDelivery(t, testEnvelope(), 2)
	r.process(context.Background(), d)

	assert.Zero(t, handler.calls.Load())
	assert.True(t, ack.committed)
}

func TestProcessInProgressElsewhereRetriesWithoutHandler(t *testing.T) {
	idem := newFakeIdem()
	idem.claims[key("test-group", "evt-1")] = true
	handler := &countingHandler{}
	r := testRuntime(handler, idem, &fakeDLQ{})

	d, ack := testDelivery(t, testEnvelope(), 1)
	r.process(context.Background(), d)

	assert.Zero(t, handler.calls.Load())
	assert.False(t, ack.committed)
	assert.True(t, ack.retried)
	assert.Equal(t, r.Policy.Base, ack.retryDelay)
}

func TestProcessTransientFaultReleasesAndRetries(t *testing.T) {
	idem := newFakeIdem()
	dlq := &fakeDLQ{}
	handler := &countingHandler{err: Transient(errors.New("db down"))}
	r := testRuntime(handler, idem, dlq)

	d, ack := testDelivery(t, testEnvelope(), 1)
	r.process(context.Background(), d)

	assert.False(t, ack.committed)
	assert.True(t, ack.retried)
	assert.Empty(t, dlq.entries)
	// No settled record survives a retried attempt, and the claim is gone.
	assert.Empty(t, idem.outcomeOf("test-group", "evt-1"))
	assert.Contains(t, idem.released, key("test-group", "evt-1"))
}

func TestProcessTransientBackoffIncreasesByAttempt(t *testing.T) {
	idem := newFakeIdem()
	handler := &countingHandler{err: Transient(errors.New("flaky"))}
	r := testRuntime(handler, idem, &fakeDLQ{})

	// Attempt 3 sits on the 4s step: jitter may stretch it to 5s at most.
	d, ack := testDelivery(t, testEnvelope(), 3)
	r.process(context.Background(), d)

	require.True(t, ack.retried)
	assert.GreaterOrEqual(t, ack.retryDelay, 4*time.Second)
	assert.LessOrEqual(t, ack.retryDelay, 5*time.Second)
}

func TestProcessExhaustedAttemptsDeadLetters(t *testing.T) {
	idem := newFakeIdem()
	dlq := &fakeDLQ{}
	handler := &countingHandler{err: Transient(errors.New("still down"))}
	r := testRuntime(handler, idem, dlq)

	d, ack := testDelivery(t, testEnvelope(), r.Policy.MaxAttempts)
	r.process(context.Background(), d)

	require.Len(t, dlq.entries, 1)
	assert.Equal(t, "attempts-exhausted", dlq.entries[0].Reason)
	assert.Equal(t, r.Policy.MaxAttempts, dlq.entries[0].Attempts)
	assert.Equal(t, idempotency.OutcomeDeadLettered, idem.outcomeOf("test-group", "evt-1"))
	assert.True(t, ack.committed)
	assert.False(t, ack.retried)
}

func TestProcessPermanentFaultDeadLettersWithoutRetry(t *testing.T) {
	idem := newFakeIdem()
	dlq := &fakeDLQ{}
	handler := &countingHandler{err: Permanent("task-api-rejected", errors.New("400"))}
	r := testRuntime(handler, idem, dlq)

	d, ack := testDelivery(t, testEnvelope(), 1)
	r.process(context.Background(), d)

	assert.Equal(t, int32(1), handler.calls.Load())
	require.Len(t, dlq.entries, 1)
	assert.Equal(t, "task-api-rejected", dlq.entries[0].Reason)
	assert.Equal(t, "evt-1", dlq.entries[0].EventID)
	assert.Equal(t, idempotency.OutcomeDeadLettered, idem.outcomeOf("test-group", "evt-1"))
	assert.True(t, ack.committed)
	assert.False(t, ack.retried)
}

func TestProcessUnknownTypeDeadLetters(t *testing.T) {
	idem := newFakeIdem()
	dlq := &fakeDLQ{}
	handler := &countingHandler{}
	r := testRuntime(handler, idem, dlq)

	ev := testEnvelope()
	ev.Type = "task.exploded"
	d, ack := testDelivery(t, ev, 1)
	r.process(context.Background(), d)

	assert.Zero(t, handler.calls.Load())
	require.Len(t, dlq.entries, 1)
	assert.Equal(t, "unknown-type", dlq.entries[0].Reason)
	assert.Equal(t, idempotency.OutcomeDeadLettered, idem.outcomeOf("test-group", "evt-1"))
	assert.True(t, ack.committed)
}

func TestProcessUndecodableMessageRejected(t *testing.T) {
	idem := newFakeIdem()
	dlq := &fakeDLQ{}
	handler := &countingHandler{}
	r := testRuntime(handler, idem, dlq)

	ack := &fakeAck{}
	d := broker.Delivery{Data: []byte(`{broken`), Attempt: 1, Acker: ack}
	r.process(context.Background(), d)

	assert.Zero(t, handler.calls.Load())
	require.Len(t, dlq.entries, 1)
	assert.Equal(t, "malformed-envelope", dlq.entries[0].Reason)
	assert.True(t, strings.HasPrefix(dlq.entries[0].EventID, "raw-"), "synthetic id, got %q", dlq.entries[0].EventID)
	assert.True(t, ack.rejected)
	assert.False(t, ack.committed)
}

func TestProcessSchemaTooNewDeadLetters(t *testing.T) {
	idem := newFakeIdem()
	dlq := &fakeDLQ{}
	r := testRuntime(&countingHandler{}, idem, dlq)

	ev := testEnvelope()
	ev.SchemaVersion = contracts.SchemaVersion + 1
	d, ack := testDelivery(t, ev, 1)
	r.process(context.Background(), d)

	require.Len(t, dlq.entries, 1)
	assert.Equal(t, "schema-version", dlq.entries[0].Reason)
	assert.True(t, ack.committed)
}

func TestProcessDeadLetterWriteFailureRetries(t *testing.T) {
	idem := newFakeIdem()
	dlq := &fakeDLQ{writeErr: errors.New("dlq table gone")}
	handler := &countingHandler{err: Permanent("bad-input", nil)}
	r := testRuntime(handler, idem, dlq)

	d, ack := testDelivery(t, testEnvelope(), 1)
	r.process(context.Background(), d)

	assert.False(t, ack.committed)
	assert.True(t, ack.retried)
	assert.Empty(t, idem.outcomeOf("test-group", "evt-1"))
}

func TestProcessFinalizeFailureNeverCommits(t *testing.T) {
	idem := newFakeIdem()
	idem.finalizeErr = errors.New("pg down")
	handler := &countingHandler{}
	r := testRuntime(handler, idem, &fakeDLQ{})

	d, ack := testDelivery(t, testEnvelope(), 1)
	r.process(context.Background(), d)

	assert.Equal(t, int32(1), handler.calls.Load())
	assert.False(t, ack.committed)
	assert.True(t, ack.retried)
}

func TestProcessTryBeginErrorRetries(t *testing.T) {
	idem := newFakeIdem()
	idem.beginErr = errors.New("pg down")
	handler := &countingHandler{}
	r := testRuntime(handler, idem, &fakeDLQ{})

	d, ack := testDelivery(t, testEnvelope(), 1)
	r.process(context.Background(), d)

	assert.Zero(t, handler.calls.Load())
	assert.False(t, ack.committed)
	assert.True(t, ack.retried)
}

func TestProcessConcurrentClaimSingleWinner(t *testing.T) {
	idem := newFakeIdem()
	handler := &countingHandler{}
	r := testRuntime(handler, idem, &fakeDLQ{})

	// Two replicas race the same event; the fake store serializes TryBegin
	// the way the unique insert does, so exactly one handler run wins.
	d1, ack1 := testDelivery(t, testEnvelope(), 1)
	d2, ack2 := testDelivery(t, testEnvelope(), 1)

	var wg sync.WaitGroup
	for _, d := range []broker.Delivery{d1, d2} {
		wg.Add(1)
		go func(d broker.Delivery) {
			defer wg.Done()
			r.process(context.Background(), d)
		}(d)
	}
	wg.Wait()

	assert.Equal(t, int32(1), handler.calls.Load())
	committed := 0
	if ack1.committed {
		committed++
	}
	if ack2.committed {
		committed++
	}
	assert.GreaterOrEqual(t, committed, 1)
	assert.Equal(t, idempotency.OutcomeSuccess, idem.outcomeOf("test-group", "evt-1"))
}
