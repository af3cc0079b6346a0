// Package broker hides the concrete event log behind a small
// publish/subscribe surface. The JetStream implementation maps partition
// ownership onto durable pull consumers: each worker in a consumer group
// owns a static slice of shards (filter subjects) and processes it with
// MaxAckPending=1, which preserves per-task publish order inside the slice.
// JetStream has no Kafka-style rebalancing, so changing the worker count
// re-partitions under new durable names; the idempotency store absorbs the
// redeliveries that causes.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/todo-platform/eventcore/internal/contracts"
	"github.com/todo-platform/eventcore/internal/messaging"
	"github.com/todo-platform/eventcore/internal/sharding"
)

// Partition identifies one worker's share of a consumer group.
type Partition struct {
	Index int
	Count int
}

func (p Partition) String() string {
	return fmt.Sprintf("%d-of-%d", p.Index, p.Count)
}

// Acker settles a single delivery. Exactly one method is called per
// delivery; an abandoned (unsettled) delivery is redelivered after AckWait.
type Acker interface {
	// Commit advances the group cursor past this message.
	Commit() error
	// Retry schedules redelivery after the given delay.
	Retry(delay time.Duration) error
	// Reject drops the message from delivery permanently.
	Reject() error
}

// Delivery is one message plus its settlement handle. Attempt counts
// deliveries, starting at 1.
type Delivery struct {
	Data    []byte
	Subject string
	Attempt int
	Acker
}

// Subscription is a lazy, resumable cursor over a worker's shard slice.
type Subscription interface {
	// Fetch returns up to max deliveries, blocking at most the poll
	// timeout. An empty slice with nil error means the poll timed out.
	Fetch(ctx context.Context, max int) ([]Delivery, error)
	// Pending reports how many published messages the group has not yet
	// processed from this worker's shards (consumer lag).
	Pending(ctx context.Context) (uint64, error)
	Drain() error
}

// Publisher appends an envelope to the event log, keyed by task id.
type Publisher interface {
	Publish(ctx context.Context, ev contracts.Envelope) error
}

// LagReadiness builds a readiness check that fails once the worker's
// backlog exceeds maxLag, so the orchestration layer stops routing on a
// worker that has fallen too far behind. maxLag of zero disables the gate.
func LagReadiness(sub Subscription, maxLag uint64) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if maxLag == 0 {
			return nil
		}
		pending, err := sub.Pending(ctx)
		if err != nil {
			return fmt.Errorf("consumer lag unavailable: %w", err)
		}
		if pending > maxLag {
			return fmt.Errorf("consumer lag %d above threshold %d", pending, maxLag)
		}
		return nil
	}
}

// Bus is the JetStream-backed broker.
type Bus struct {
	JS nats.JetStreamContext

	// PollTimeout bounds every Fetch call so workers notice shutdown.
	PollTimeout time.Duration
	// AckWait must exceed the runtime's handler timeout or an in-flight
	// message is redelivered while still being processed.
	AckWait time.Duration
}

func NewBus(js nats.JetStreamContext) *Bus {
	return &Bus{
		JS:          js,
		PollTimeout: 2 * time.Second,
		AckWait:     30 * time.Second,
	}
}

// Publish appends the envelope to the task's shard subject. The event id
// doubles as the broker-level dedup key, so a producer retrying a publish
// after an ambiguous failure cannot append the event twice within the
// duplicate window.
func (b *Bus) Publish(ctx context.Context, ev contracts.Envelope) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	_, err = b.JS.Publish(sharding.EventSubject(ev.TaskID), data,
		nats.MsgId(ev.EventID),
		nats.Context(ctx),
	)
	return err
}

// Subscribe binds (or creates) the durable consumer for one worker of a
// group and returns its pull cursor.
func (b *Bus) Subscribe(group string, part Partition) (Subscription, error) {
	if part.Count <= 0 {
		part = Partition{Index: 0, Count: 1}
	}
	durable := fmt.Sprintf("%s-%s", group, part)

	shards := sharding.AssignedShards(part.Index, part.Count)
	filters := make([]string, 0, len(shards))
	for _, shard := range shards {
		filters = append(filters, sharding.ShardSubject(shard))
	}

	if _, err := b.JS.ConsumerInfo(messaging.TaskEventsStream, durable); err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return nil, fmt.Errorf("consumer info %s: %w", durable, err)
		}
		if _, err := b.JS.AddConsumer(messaging.TaskEventsStream, &nats.ConsumerConfig{
			Durable:        durable,
			FilterSubjects: filters,
			AckPolicy:      nats.AckExplicitPolicy,
			AckWait:        b.AckWait,
			DeliverPolicy:  nats.DeliverAllPolicy,
			// Attempt caps are enforced by the consumer runtime, which
			// needs to dead-letter before giving up on a message.
			MaxDeliver:    -1,
			MaxAckPending: 1,
		}); err != nil {
			return nil, fmt.Errorf("add consumer %s: %w", durable, err)
		}
	}

	sub, err := b.JS.PullSubscribe("", durable, nats.Bind(messaging.TaskEventsStream, durable))
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", durable, err)
	}

	return &jetStreamSubscription{
		js:          b.JS,
		sub:         sub,
		durable:     durable,
		pollTimeout: b.PollTimeout,
	}, nil
}

type jetStreamSubscription struct {
	js          nats.JetStreamContext
	sub         *nats.Subscription
	durable     string
	pollTimeout time.Duration
}

func (s *jetStreamSubscription) Fetch(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	msgs, err := s.sub.Fetch(max, nats.MaxWait(s.pollTimeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	deliveries := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		attempt := 1
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			attempt = int(meta.NumDelivered)
		}
		deliveries = append(deliveries, Delivery{
			Data:    msg.Data,
			Subject: msg.Subject,
			Attempt: attempt,
			Acker:   jetStreamAcker{msg: msg},
		})
	}
	return deliveries, nil
}

func (s *jetStreamSubscription) Pending(context.Context) (uint64, error) {
	info, err := s.js.ConsumerInfo(messaging.TaskEventsStream, s.durable)
	if err != nil {
		return 0, err
	}
	return info.NumPending, nil
}

func (s *jetStreamSubscription) Drain() error {
	return s.sub.Drain()
}

type jetStreamAcker struct {
	msg *nats.Msg
}

func (a jetStreamAcker) Commit() error { return a.msg.Ack() }

func (a jetStreamAcker) Retry(delay time.Duration) error { return a.msg.NakWithDelay(delay) }

func (a jetStreamAcker) Reject() error { return a.msg.Term() }
