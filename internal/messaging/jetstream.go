package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// TaskEventsStream holds every task lifecycle event, partitioned by shard:
// task.event.{shard}.{task_id}
const TaskEventsStream = "TASK_EVENTS"

const TaskEventsSubjects = "task.event.>"

// EnsureStreams creates (or validates) the task event stream. Consumers and
// the gateway both call this on startup so either side can come up first.
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(TaskEventsStream); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			if _, addErr := js.AddStream(&nats.StreamConfig{
				Name:       TaskEventsStream,
				Subjects:   []string{TaskEventsSubjects},
				Retention:  nats.LimitsPolicy,
				Storage:    nats.FileStorage,
				Replicas:   1,
				Duplicates: 2 * time.Minute, // Nats-Msg-Id dedup window
			}); addErr != nil {
				return addErr
			}
		} else {
			return err
		}
	}
	return nil
}
