// Package events defines the wire envelope, event types, and topics shared by
// every component of the Todoflow engine.
package events

// Event types for tasks
const (
	TaskCreated   = "task.created"
	TaskUpdated   = "task.updated"
	TaskCompleted = "task.completed"
	TaskDeleted   = "task.deleted"
)

// Event types for reminders
const (
	ReminderScheduled = "reminder.scheduled"
	ReminderFired     = "reminder.fired"
)

// Topics. Every published envelope goes to exactly one of these.
const (
	// TopicTaskEvents carries the primary creation, completion, and deletion
	// signals consumed by the recurrence worker and the audit recorder.
	TopicTaskEvents = "task-events"

	// TopicReminders carries scheduling requests and fired notifications,
	// consumed by the reminder scheduler and the audit recorder.
	TopicReminders = "reminders"

	// TopicTaskUpdates carries user-visible deltas suitable for UI refresh,
	// consumed by the realtime fanout and the audit recorder.
	TopicTaskUpdates = "task-updates"
)

// KnownType reports whether the given event type is part of the wire contract.
func KnownType(eventType string) bool {
	switch eventType {
	case TaskCreated, TaskUpdated, TaskCompleted, TaskDeleted, ReminderScheduled, ReminderFired:
		return true
	}
	return false
}
