// Package models defines the task domain types stored in the database.
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/todoflow/todoflow/internal/events"
)

// Priority represents a task's priority level
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether the priority is one of the known levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// RecurrencePattern represents how often a recurring task repeats
type RecurrencePattern string

const (
	RecurrenceDaily   RecurrencePattern = "daily"
	RecurrenceWeekly  RecurrencePattern = "weekly"
	RecurrenceMonthly RecurrencePattern = "monthly"
	RecurrenceYearly  RecurrencePattern = "yearly"
)

// Valid reports whether the pattern is one of the known cadences.
func (r RecurrencePattern) Valid() bool {
	switch r {
	case RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly, RecurrenceYearly:
		return true
	}
	return false
}

// Task represents a task row. Optional attributes are pointers so that absent
// and zero are distinguishable. All timestamps are stored and handled in UTC.
type Task struct {
	TaskID            uuid.UUID          `json:"task_id"`
	UserID            uuid.UUID          `json:"user_id"`
	Title             string             `json:"title"`
	Description       string             `json:"description,omitempty"`
	Priority          Priority           `json:"priority"`
	Tags              []string           `json:"tags,omitempty"`
	IsCompleted       bool               `json:"is_completed"`
	IsRecurring       bool               `json:"is_recurring"`
	RecurrencePattern *RecurrencePattern `json:"recurrence_pattern,omitempty"`
	DueDate           *time.Time         `json:"due_date,omitempty"`
	RemindAt          *time.Time         `json:"remind_at,omitempty"`
	ParentTaskID      *uuid.UUID         `json:"parent_task_id,omitempty"`
	NextOccurrenceID  *uuid.UUID         `json:"next_occurrence_id,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
	DeletedAt         *time.Time         `json:"deleted_at,omitempty"`
}

// ReminderStatus represents a reminder's lifecycle state
type ReminderStatus string

const (
	ReminderScheduled ReminderStatus = "scheduled"
	ReminderFired     ReminderStatus = "fired"
	ReminderCancelled ReminderStatus = "cancelled"
	ReminderFailed    ReminderStatus = "failed"
)

// Reminder represents a scheduled reminder for a task. Each task carries at
// most one reminder, so the task id is the primary key.
type Reminder struct {
	TaskID    uuid.UUID      `json:"task_id"`
	UserID    uuid.UUID      `json:"user_id"`
	FireAt    time.Time      `json:"fire_at"`
	Channels  []string       `json:"channels"`
	Status    ReminderStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	out.RecurrencePattern = clonePtr(t.RecurrencePattern)
	out.DueDate = clonePtr(t.DueDate)
	out.RemindAt = clonePtr(t.RemindAt)
	out.ParentTaskID = clonePtr(t.ParentTaskID)
	out.NextOccurrenceID = clonePtr(t.NextOccurrenceID)
	out.DeletedAt = clonePtr(t.DeletedAt)
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Snapshot converts the task to its wire form for event payloads.
func (t *Task) Snapshot() events.TaskSnapshot {
	snap := events.TaskSnapshot{
		TaskID:      t.TaskID.String(),
		UserID:      t.UserID.String(),
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		Tags:        append([]string(nil), t.Tags...),
		IsCompleted: t.IsCompleted,
		IsRecurring: t.IsRecurring,
		DueDate:     clonePtr(t.DueDate),
		RemindAt:    clonePtr(t.RemindAt),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.RecurrencePattern != nil {
		snap.RecurrencePattern = string(*t.RecurrencePattern)
	}
	if t.ParentTaskID != nil {
		snap.ParentTaskID = t.ParentTaskID.String()
	}
	if t.NextOccurrenceID != nil {
		snap.NextOccurrenceID = t.NextOccurrenceID.String()
	}
	return snap
}
