package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the fixed outer structure wrapping every published event.
// Identifiers appear as canonical lowercase hyphenated strings, timestamps
// are always UTC. Envelopes are immutable once published.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	UserID    string          `json:"user_id"`
	TaskID    string          `json:"task_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// TaskSnapshot is the wire form of a task row.
type TaskSnapshot struct {
	TaskID            string     `json:"task_id"`
	UserID            string     `json:"user_id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Priority          string     `json:"priority"`
	Tags              []string   `json:"tags,omitempty"`
	IsCompleted       bool       `json:"is_completed"`
	IsRecurring       bool       `json:"is_recurring"`
	RecurrencePattern string     `json:"recurrence_pattern,omitempty"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	RemindAt          *time.Time `json:"remind_at,omitempty"`
	ParentTaskID      string     `json:"parent_task_id,omitempty"`
	NextOccurrenceID  string     `json:"next_occurrence_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TaskEventPayload is the payload for every task.* event. Prior carries the
// pre-mutation snapshot for updates, completions, and deletions so that
// consumers (the audit recorder in particular) never need a database read.
type TaskEventPayload struct {
	Task          TaskSnapshot  `json:"task"`
	Prior         *TaskSnapshot `json:"prior,omitempty"`
	ChangedFields []string      `json:"changed_fields,omitempty"`
}

// ReminderScheduledPayload is the payload for reminder.scheduled events.
type ReminderScheduledPayload struct {
	FireAt   time.Time `json:"fire_at"`
	Channels []string  `json:"channels"`
}

// ReminderFiredPayload is the payload for reminder.fired events.
type ReminderFiredPayload struct {
	FireAt  time.Time     `json:"fire_at"`
	FiredAt time.Time     `json:"fired_at"`
	Task    *TaskSnapshot `json:"task,omitempty"`
}

// NewEnvelope creates an envelope with a fresh event_id and the current UTC
// instant, serializing the payload and converting identifiers to their
// canonical string form.
func NewEnvelope(eventType string, userID, taskID uuid.UUID, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &Envelope{
		EventID:   uuid.New().String(),
		EventType: eventType,
		UserID:    userID.String(),
		TaskID:    taskID.String(),
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// Validate checks the envelope against the wire contract: a known event type,
// parseable canonical identifiers, and a non-zero timestamp.
func (e *Envelope) Validate() error {
	if !KnownType(e.EventType) {
		return fmt.Errorf("unknown event type %q", e.EventType)
	}
	if _, err := uuid.Parse(e.EventID); err != nil {
		return fmt.Errorf("event_id is not a canonical identifier: %w", err)
	}
	if _, err := uuid.Parse(e.UserID); err != nil {
		return fmt.Errorf("user_id is not a canonical identifier: %w", err)
	}
	if _, err := uuid.Parse(e.TaskID); err != nil {
		return fmt.Errorf("task_id is not a canonical identifier: %w", err)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is zero")
	}
	return nil
}

// TaskPayload decodes the payload as a TaskEventPayload. Only valid for
// task.* event types.
func (e *Envelope) TaskPayload() (*TaskEventPayload, error) {
	var p TaskEventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return &p, nil
}

// ReminderScheduled decodes the payload as a ReminderScheduledPayload.
func (e *Envelope) ReminderScheduled() (*ReminderScheduledPayload, error) {
	var p ReminderScheduledPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return &p, nil
}

// ReminderFired decodes the payload as a ReminderFiredPayload.
func (e *Envelope) ReminderFired() (*ReminderFiredPayload, error) {
	var p ReminderFiredPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return &p, nil
}
