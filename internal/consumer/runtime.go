// Package consumer is the generic poll-process-acknowledge loop shared by
// every consumer kind. Per message it walks
//
//	Received -> Validating -> (Deduplicated | Processing)
//	          -> (Committed | Retrying | DeadLettered)
//
// committing the group cursor only after the idempotency record is durable,
// which turns at-least-once delivery into at-most-once effect.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"go.uber.org/zap"

	"github.com/todo-platform/eventcore/internal/broker"
	"github.com/todo-platform/eventcore/internal/contracts"
	"github.com/todo-platform/eventcore/internal/deadletter"
	"github.com/todo-platform/eventcore/internal/idempotency"
	"github.com/todo-platform/eventcore/internal/platform/metrics"
)

// Handler is the domain side effect plugged into the runtime. Returned
// errors decide the message's fate: nil commits, Permanent dead-letters,
// anything else retries with backoff until the attempt cap.
type Handler interface {
	Handle(ctx context.Context, ev contracts.Envelope) error
}

type HandlerFunc func(ctx context.Context, ev contracts.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, ev contracts.Envelope) error {
	return f(ctx, ev)
}

// IdempotencyStore is the slice of the idempotency package the runtime
// depends on.
type IdempotencyStore interface {
	TryBegin(ctx context.Context, consumer, eventID string) (idempotency.Decision, error)
	Finalize(ctx context.Context, consumer, eventID, outcome string) error
	Release(ctx context.Context, consumer, eventID string) error
}

// DeadLetterWriter records events this group will never process.
type DeadLetterWriter interface {
	Write(ctx context.Context, entry deadletter.Entry) error
}

// Runtime drives one worker's subscription for one consumer group.
type Runtime struct {
	Group        string
	Handler      Handler
	Subscription broker.Subscription
	Idempotency  IdempotencyStore
	DeadLetters  DeadLetterWriter
	Logger       *zap.Logger

	Policy         RetryPolicy
	HandlerTimeout time.Duration
	FetchBatch     int
	// WorkerLabel distinguishes workers of the same group on the lag gauge.
	WorkerLabel string
	// AlertOnDeadLetter raises dead-letter logs to error level for groups
	// where a dropped event is a compliance gap rather than an annoyance.
	AlertOnDeadLetter bool
}

func NewRuntime(group string, handler Handler, sub broker.Subscription, idem IdempotencyStore, dlq DeadLetterWriter, logger *zap.Logger) *Runtime {
	return &Runtime{
		Group:          group,
		Handler:        handler,
		Subscription:   sub,
		Idempotency:    idem,
		DeadLetters:    dlq,
		Logger:         logger,
		Policy:         DefaultRetryPolicy,
		HandlerTimeout: 5 * time.Second,
		FetchBatch:     16,
		WorkerLabel:    "0",
	}
}

// Run polls until ctx is cancelled. An in-flight message is always settled
// (committed, retried or rejected) before the worker releases its
// subscription; a poll interrupted by shutdown simply leaves its messages
// unfetched for the next owner.
func (r *Runtime) Run(ctx context.Context) error {
	lagTicker := time.NewTicker(15 * time.Second)
	defer lagTicker.Stop()

	for {
		if ctx.Err() != nil {
			return r.Subscription.Drain()
		}

		deliveries, err := r.Subscription.Fetch(ctx, r.FetchBatch)
		if err != nil {
			if ctx.Err() != nil {
				return r.Subscription.Drain()
			}
			r.Logger.Warn("fetch failed", zap.String("group", r.Group), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// Processing runs detached from ctx so shutdown mid-batch never
		// abandons a half-processed message.
		procCtx := context.WithoutCancel(ctx)
		for _, d := range deliveries {
			r.process(procCtx, d)
		}

		select {
		case <-lagTicker.C:
			r.reportLag(ctx)
		default:
		}
	}
}

func (r *Runtime) reportLag(ctx context.Context) {
	pending, err := r.Subscription.Pending(ctx)
	if err != nil {
		return
	}
	metrics.ConsumerLag.WithLabelValues(r.Group, r.WorkerLabel).Set(float64(pending))
}

func (r *Runtime) process(ctx context.Context, d broker.Delivery) {
	ev, err := contracts.Decode(d.Data)
	if err != nil {
		r.processInvalid(ctx, d, ev, err)
		return
	}

	decision, err := r.Idempotency.TryBegin(ctx, r.Group, ev.EventID)
	if err != nil {
		// Store unreachable: infrastructure fault, plain redelivery.
		r.Logger.Warn("idempotency claim failed",
			zap.String("group", r.Group),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		_ = d.Retry(r.Policy.Base)
		return
	}

	switch decision {
	case idempotency.AlreadyApplied:
		metrics.EventsProcessed.WithLabelValues(r.Group, ev.Type, "deduplicated").Inc()
		_ = d.Commit()
	case idempotency.InProgressElsewhere:
		// Another replica holds the claim; leave the message for a later
		// delivery rather than double-applying.
		_ = d.Retry(r.Policy.Base)
	case idempotency.Proceed:
		r.invoke(ctx, d, ev)
	}
}

func (r *Runtime) invoke(ctx context.Context, d broker.Delivery, ev contracts.Envelope) {
	handlerCtx, cancel := context.WithTimeout(ctx, r.HandlerTimeout)
	start := time.Now()
	err := r.Handler.Handle(handlerCtx, ev)
	cancel()
	metrics.ObserveHandler(r.Group, start)

	if err == nil {
		if finErr := r.Idempotency.Finalize(ctx, r.Group, ev.EventID, idempotency.OutcomeSuccess); finErr != nil {
			// The cursor must never advance ahead of a durable record.
			r.Logger.Warn("finalize failed, scheduling redelivery",
				zap.String("group", r.Group),
				zap.String("event_id", ev.EventID),
				zap.Error(finErr),
			)
			r.retry(ctx, d, ev)
			return
		}
		metrics.EventsProcessed.WithLabelValues(r.Group, ev.Type, "committed").Inc()
		_ = d.Commit()
		return
	}

	retryable, kind := Classify(err)
	switch {
	case !retryable:
		r.deadLetter(ctx, d, ev, kind, err)
	case r.Policy.Exhausted(d.Attempt):
		r.deadLetter(ctx, d, ev, "attempts-exhausted", err)
	default:
		r.Logger.Warn("transient fault, retrying",
			zap.String("group", r.Group),
			zap.String("event_id", ev.EventID),
			zap.String("kind", kind),
			zap.Int("attempt", d.Attempt),
			zap.Error(err),
		)
		r.retry(ctx, d, ev)
	}
}

// retry abandons the claim and schedules redelivery with backoff. A retried
// attempt leaves no idempotency record behind; only settled outcomes do.
func (r *Runtime) retry(ctx context.Context, d broker.Delivery, ev contracts.Envelope) {
	if err := r.Idempotency.Release(ctx, r.Group, ev.EventID); err != nil {
		r.Logger.Warn("release claim failed",
			zap.String("group", r.Group),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
	}
	metrics.EventsRetried.WithLabelValues(r.Group).Inc()
	_ = d.Retry(r.Policy.Delay(d.Attempt))
}

// deadLetter records the event on the dead-letter surface, settles the
// idempotency record and advances the cursor: a bad message must never
// block its partition.
func (r *Runtime) deadLetter(ctx context.Context, d broker.Delivery, ev contracts.Envelope, reason string, cause error) {
	entry := deadletter.Entry{
		Consumer: r.Group,
		EventID:  ev.EventID,
		TaskID:   ev.TaskID,
		Reason:   reason,
		Envelope: d.Data,
		Attempts: d.Attempt,
	}
	if err := r.DeadLetters.Write(ctx, entry); err != nil {
		// Losing the event entirely is worse than reprocessing it.
		r.Logger.Error("dead-letter write failed, scheduling redelivery",
			zap.String("group", r.Group),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		r.retry(ctx, d, ev)
		return
	}
	if err := r.Idempotency.Finalize(ctx, r.Group, ev.EventID, idempotency.OutcomeDeadLettered); err != nil {
		r.Logger.Warn("finalize after dead-letter failed, scheduling redelivery",
			zap.String("group", r.Group),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		r.retry(ctx, d, ev)
		return
	}

	logFn := r.Logger.Warn
	if r.AlertOnDeadLetter {
		logFn = r.Logger.Error
	}
	logFn("event dead-lettered",
		zap.String("group", r.Group),
		zap.String("event_id", ev.EventID),
		zap.String("task_id", ev.TaskID),
		zap.String("reason", reason),
		zap.Int("attempts", d.Attempt),
		zap.Error(cause),
	)
	metrics.EventsProcessed.WithLabelValues(r.Group, ev.Type, "dead_lettered").Inc()
	metrics.EventsDeadLettered.WithLabelValues(r.Group, reason).Inc()
	_ = d.Commit()
}

// processInvalid handles envelopes that fail validation before any handler
// runs. Unknown types and schema drift are unrecoverable by definition and
// go straight to the dead-letter surface with zero retries.
func (r *Runtime) processInvalid(ctx context.Context, d broker.Delivery, ev contracts.Envelope, cause error) {
	reason := "malformed-envelope"
	switch {
	case errors.Is(cause, contracts.ErrUnknownEventType):
		reason = "unknown-type"
	case errors.Is(cause, contracts.ErrSchemaTooNew):
		reason = "schema-version"
	}

	if ev.EventID == "" {
		// Nothing to key an idempotency record on; a deterministic
		// synthetic id keeps redeliveries of the same bytes from
		// piling up as separate dead letters.
		ev.EventID = fmt.Sprintf("raw-%08x", crc32.ChecksumIEEE(d.Data))
		entry := deadletter.Entry{
			Consumer: r.Group,
			EventID:  ev.EventID,
			TaskID:   ev.TaskID,
			Reason:   reason,
			Envelope: d.Data,
			Attempts: d.Attempt,
		}
		if err := r.DeadLetters.Write(ctx, entry); err != nil {
			r.Logger.Error("dead-letter write failed for undecodable message",
				zap.String("group", r.Group), zap.Error(err))
			_ = d.Retry(r.Policy.Base)
			return
		}
		metrics.EventsDeadLettered.WithLabelValues(r.Group, reason).Inc()
		_ = d.Reject()
		return
	}

	decision, err := r.Idempotency.TryBegin(ctx, r.Group, ev.EventID)
	if err != nil {
		_ = d.Retry(r.Policy.Base)
		return
	}
	switch decision {
	case idempotency.AlreadyApplied:
		metrics.EventsProcessed.WithLabelValues(r.Group, ev.Type, "deduplicated").Inc()
		_ = d.Commit()
	case idempotency.InProgressElsewhere:
		_ = d.Retry(r.Policy.Base)
	case idempotency.Proceed:
		r.deadLetter(ctx, d, ev, reason, cause)
	}
}
