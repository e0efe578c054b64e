// Package repository provides task and reminder storage.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/todoflow/todoflow/internal/task/models"
)

var (
	// ErrTaskNotFound is returned when a task does not exist, is soft-deleted,
	// or belongs to another user. Ownership misses are indistinguishable from
	// absence so that task ids never leak across users.
	ErrTaskNotFound = errors.New("task not found")

	// ErrReminderNotFound is returned when a task has no reminder row.
	ErrReminderNotFound = errors.New("reminder not found")
)

// Repository defines the interface for task storage operations
type Repository interface {
	// Task operations. Reads and mutations are always scoped to the owning
	// user; a wrong user behaves exactly like a missing task.
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	// SetCompleted flips the completion flag under a row lock and returns the
	// prior and updated rows.
	SetCompleted(ctx context.Context, userID, taskID uuid.UUID, completed bool) (prior, updated *models.Task, err error)
	// DeleteTask tombstones the task and returns the row as it was.
	DeleteTask(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error)
	ListTasks(ctx context.Context, userID uuid.UUID) ([]*models.Task, error)

	// CreateSuccessor atomically claims the parent's successor slot and
	// inserts the successor in one transaction. It returns false with no
	// error when another delivery already claimed the slot.
	CreateSuccessor(ctx context.Context, parentID uuid.UUID, successor *models.Task) (bool, error)

	// Reminder operations
	UpsertReminder(ctx context.Context, reminder *models.Reminder) error
	GetReminder(ctx context.Context, taskID uuid.UUID) (*models.Reminder, error)
	SetReminderStatus(ctx context.Context, taskID uuid.UUID, status models.ReminderStatus) error
	ListPendingReminders(ctx context.Context) ([]*models.Reminder, error)

	Close() error
}
