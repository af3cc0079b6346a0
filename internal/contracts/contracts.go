package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is the envelope version this build understands. Envelopes
// carrying a newer version are dead-lettered, never guessed at.
const SchemaVersion = 1

// Task lifecycle event types carried on the TASK_EVENTS stream.
const (
	TaskCreated       = "task.created"
	TaskUpdated       = "task.updated"
	TaskCompleted     = "task.completed"
	TaskDeleted       = "task.deleted"
	TaskDueSoon       = "task.due_soon"
	TaskRecurrenceDue = "task.recurrence_due"
)

var ErrInvalidEnvelope = errors.New("invalid event envelope")
var ErrUnknownEventType = errors.New("unknown event type")
var ErrSchemaTooNew = errors.New("unsupported schema version")

// Envelope is the wire contract every producer and consumer agrees on.
// Events are immutable facts; the payload shape depends on Type.
type Envelope struct {
	EventID       string          `json:"event_id"`
	TaskID        string          `json:"task_id"`
	UserID        string          `json:"user_id"`
	Type          string          `json:"type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// RecurrenceRule mirrors the rule format stored on recurring task templates.
type RecurrenceRule struct {
	Frequency string `json:"frequency"` // daily | weekly | monthly
	Interval  int    `json:"interval"`
}

// TaskPayload is carried by task.created, task.updated, task.completed and
// task.deleted events.
type TaskPayload struct {
	Title          string          `json:"title,omitempty"`
	DueDate        *time.Time      `json:"due_date,omitempty"`
	RecurrenceRule *RecurrenceRule `json:"recurrence_rule,omitempty"`
	PreviousStatus string          `json:"previous_status,omitempty"`
	NewStatus      string          `json:"new_status,omitempty"`
}

// DueSoonPayload is carried by task.due_soon events emitted by the reminder
// sweep.
type DueSoonPayload struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	Title       string    `json:"title,omitempty"`
}

// RecurrenceDuePayload is carried by task.recurrence_due events emitted by
// the recurrence sweep. Occurrence is a calendar date at UTC midnight.
type RecurrenceDuePayload struct {
	Occurrence time.Time `json:"occurrence"`
}

func KnownType(eventType string) bool {
	switch eventType {
	case TaskCreated, TaskUpdated, TaskCompleted, TaskDeleted, TaskDueSoon, TaskRecurrenceDue:
		return true
	default:
		return false
	}
}

// Decode parses and validates an envelope from the wire. The returned error
// distinguishes malformed JSON, missing identity fields, unknown types and
// schema drift so the runtime can pick a dead-letter reason.
func Decode(data []byte) (Envelope, error) {
	var ev Envelope
	if err := json.Unmarshal(data, &ev); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return ev, ev.Validate()
}

func (ev Envelope) Validate() error {
	if strings.TrimSpace(ev.EventID) == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(ev.TaskID) == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidEnvelope)
	}
	if ev.SchemaVersion > SchemaVersion {
		return fmt.Errorf("%w: got %d, supported %d", ErrSchemaTooNew, ev.SchemaVersion, SchemaVersion)
	}
	if !KnownType(ev.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	return nil
}

func (ev Envelope) Encode() ([]byte, error) {
	return json.Marshal(ev)
}

// TaskPayload decodes the payload of a lifecycle event. An absent payload
// decodes to the zero value; corrupt JSON is an error.
func (ev Envelope) TaskPayload() (TaskPayload, error) {
	var p TaskPayload
	if len(ev.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return TaskPayload{}, fmt.Errorf("%w: payload: %v", ErrInvalidEnvelope, err)
	}
	return p, nil
}

func (ev Envelope) DueSoonPayload() (DueSoonPayload, error) {
	var p DueSoonPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return DueSoonPayload{}, fmt.Errorf("%w: payload: %v", ErrInvalidEnvelope, err)
	}
	return p, nil
}

func (ev Envelope) RecurrenceDuePayload() (RecurrenceDuePayload, error) {
	var p RecurrenceDuePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return RecurrenceDuePayload{}, fmt.Errorf("%w: payload: %v", ErrInvalidEnvelope, err)
	}
	if p.Occurrence.IsZero() {
		return RecurrenceDuePayload{}, fmt.Errorf("%w: occurrence is required", ErrInvalidEnvelope)
	}
	return p, nil
}

// MustPayload marshals a payload struct for envelope construction. Payload
// types in this package cannot fail to marshal.
func MustPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
