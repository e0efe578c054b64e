package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/todoflow/todoflow/internal/task/models"
)

// MemoryRepository provides in-memory task storage operations. Used by tests
// and single-process development runs.
type MemoryRepository struct {
	tasks     map[uuid.UUID]*models.Task
	reminders map[uuid.UUID]*models.Reminder
	mu        sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory task repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:     make(map[uuid.UUID]*models.Task),
		reminders: make(map[uuid.UUID]*models.Reminder),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateTask creates a new task
func (r *MemoryRepository) CreateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.TaskID == uuid.Nil {
		task.TaskID = uuid.New()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	r.tasks[task.TaskID] = task.Clone()
	return nil
}

// GetTask retrieves a live task owned by the user.
func (r *MemoryRepository) GetTask(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(userID, taskID)
}

func (r *MemoryRepository) getLocked(userID, taskID uuid.UUID) (*models.Task, error) {
	task, ok := r.tasks[taskID]
	if !ok || task.UserID != userID || task.DeletedAt != nil {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// UpdateTask writes the mutable attributes of an existing task.
func (r *MemoryRepository) UpdateTask(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.tasks[task.TaskID]
	if !ok || existing.UserID != task.UserID || existing.DeletedAt != nil {
		return ErrTaskNotFound
	}

	updated := existing.Clone()
	updated.Title = task.Title
	updated.Description = task.Description
	updated.Priority = task.Priority
	updated.Tags = append([]string(nil), task.Tags...)
	updated.IsRecurring = task.IsRecurring
	updated.RecurrencePattern = task.RecurrencePattern
	updated.DueDate = task.DueDate
	updated.RemindAt = task.RemindAt
	updated.UpdatedAt = time.Now().UTC()
	r.tasks[task.TaskID] = updated
	task.UpdatedAt = updated.UpdatedAt
	return nil
}

// SetCompleted flips the completion flag, returning prior and updated rows.
func (r *MemoryRepository) SetCompleted(ctx context.Context, userID, taskID uuid.UUID, completed bool) (*models.Task, *models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, err := r.getLocked(userID, taskID)
	if err != nil {
		return nil, nil, err
	}

	updated := prior.Clone()
	updated.IsCompleted = completed
	updated.UpdatedAt = time.Now().UTC()
	r.tasks[taskID] = updated.Clone()
	return prior, updated, nil
}

// DeleteTask tombstones the task and returns the row as it was.
func (r *MemoryRepository) DeleteTask(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prior, err := r.getLocked(userID, taskID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	deleted := prior.Clone()
	deleted.DeletedAt = &now
	deleted.UpdatedAt = now
	r.tasks[taskID] = deleted
	return prior, nil
}

// ListTasks returns the user's live tasks, newest first.
func (r *MemoryRepository) ListTasks(ctx context.Context, userID uuid.UUID) ([]*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tasks []*models.Task
	for _, task := range r.tasks {
		if task.UserID == userID && task.DeletedAt == nil {
			tasks = append(tasks, task.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// CreateSuccessor claims the parent's successor slot and inserts the
// successor atomically. Returns false when the slot is already claimed.
func (r *MemoryRepository) CreateSuccessor(ctx context.Context, parentID uuid.UUID, successor *models.Task) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent, ok := r.tasks[parentID]
	if !ok {
		return false, ErrTaskNotFound
	}
	if parent.NextOccurrenceID != nil {
		return false, nil
	}

	now := time.Now().UTC()
	successor.CreatedAt = now
	successor.UpdatedAt = now

	claimed := parent.Clone()
	id := successor.TaskID
	claimed.NextOccurrenceID = &id
	claimed.UpdatedAt = now
	r.tasks[parentID] = claimed
	r.tasks[successor.TaskID] = successor.Clone()
	return true, nil
}

// UpsertReminder inserts or replaces the task's reminder.
func (r *MemoryRepository) UpsertReminder(ctx context.Context, reminder *models.Reminder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	stored := *reminder
	stored.Channels = append([]string(nil), reminder.Channels...)
	stored.UpdatedAt = now
	if existing, ok := r.reminders[reminder.TaskID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	r.reminders[reminder.TaskID] = &stored
	return nil
}

// GetReminder retrieves the task's reminder.
func (r *MemoryRepository) GetReminder(ctx context.Context, taskID uuid.UUID) (*models.Reminder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rem, ok := r.reminders[taskID]
	if !ok {
		return nil, ErrReminderNotFound
	}
	out := *rem
	out.Channels = append([]string(nil), rem.Channels...)
	return &out, nil
}

// SetReminderStatus moves the reminder to a new lifecycle state.
func (r *MemoryRepository) SetReminderStatus(ctx context.Context, taskID uuid.UUID, status models.ReminderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rem, ok := r.reminders[taskID]
	if !ok {
		return ErrReminderNotFound
	}
	rem.Status = status
	rem.UpdatedAt = time.Now().UTC()
	return nil
}

// ListPendingReminders returns reminders still in the scheduled state.
func (r *MemoryRepository) ListPendingReminders(ctx context.Context) ([]*models.Reminder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var reminders []*models.Reminder
	for _, rem := range r.reminders {
		if rem.Status == models.ReminderScheduled {
			out := *rem
			out.Channels = append([]string(nil), rem.Channels...)
			reminders = append(reminders, &out)
		}
	}
	sort.Slice(reminders, func(i, j int) bool {
		return reminders[i].FireAt.Before(reminders[j].FireAt)
	})
	return reminders, nil
}
