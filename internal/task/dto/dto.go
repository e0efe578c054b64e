// Package dto defines the HTTP request and response shapes for the task API.
package dto

import (
	"time"

	"github.com/todoflow/todoflow/internal/task/models"
)

// TaskDTO is the HTTP representation of a task.
type TaskDTO struct {
	TaskID            string     `json:"task_id"`
	UserID            string     `json:"user_id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Priority          string     `json:"priority"`
	Tags              []string   `json:"tags,omitempty"`
	IsCompleted       bool       `json:"is_completed"`
	IsRecurring       bool       `json:"is_recurring"`
	RecurrencePattern *string    `json:"recurrence_pattern,omitempty"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	RemindAt          *time.Time `json:"remind_at,omitempty"`
	ParentTaskID      *string    `json:"parent_task_id,omitempty"`
	NextOccurrenceID  *string    `json:"next_occurrence_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// FromTask converts a domain task to its HTTP form.
func FromTask(t *models.Task) TaskDTO {
	d := TaskDTO{
		TaskID:      t.TaskID.String(),
		UserID:      t.UserID.String(),
		Title:       t.Title,
		Description: t.Description,
		Priority:    string(t.Priority),
		Tags:        t.Tags,
		IsCompleted: t.IsCompleted,
		IsRecurring: t.IsRecurring,
		DueDate:     t.DueDate,
		RemindAt:    t.RemindAt,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.RecurrencePattern != nil {
		s := string(*t.RecurrencePattern)
		d.RecurrencePattern = &s
	}
	if t.ParentTaskID != nil {
		s := t.ParentTaskID.String()
		d.ParentTaskID = &s
	}
	if t.NextOccurrenceID != nil {
		s := t.NextOccurrenceID.String()
		d.NextOccurrenceID = &s
	}
	return d
}

// ListTasksResponse is the response body for task listing.
type ListTasksResponse struct {
	Tasks []TaskDTO `json:"tasks"`
	Total int       `json:"total"`
}

// CreateTaskRequest is the request body for task creation.
type CreateTaskRequest struct {
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	Priority          string     `json:"priority"`
	Tags              []string   `json:"tags"`
	IsRecurring       bool       `json:"is_recurring"`
	RecurrencePattern *string    `json:"recurrence_pattern"`
	DueDate           *time.Time `json:"due_date"`
	RemindAt          *time.Time `json:"remind_at"`
}

// UpdateTaskRequest is the request body for partial task updates. Absent
// fields are left untouched; explicit nulls clear the nullable attributes.
type UpdateTaskRequest struct {
	Title             *string        `json:"title"`
	Description       *string        `json:"description"`
	Priority          *string        `json:"priority"`
	Tags              *[]string      `json:"tags"`
	IsRecurring       *bool          `json:"is_recurring"`
	RecurrencePattern NullableString `json:"recurrence_pattern"`
	DueDate           NullableTime   `json:"due_date"`
	RemindAt          NullableTime   `json:"remind_at"`
}

// CompleteTaskRequest is the request body for completion toggles.
type CompleteTaskRequest struct {
	IsCompleted bool `json:"is_completed"`
}
