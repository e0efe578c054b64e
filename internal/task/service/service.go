// Package service implements the task mutation gateway: the single write path
// for tasks, responsible for validation, persistence, and event emission.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events"
	"github.com/todoflow/todoflow/internal/events/bus"
	"github.com/todoflow/todoflow/internal/task/models"
	"github.com/todoflow/todoflow/internal/task/repository"
)

const (
	maxTitleLen       = 255
	maxDescriptionLen = 2000
)

// ErrValidation wraps all input validation failures; handlers map it to 400.
var ErrValidation = errors.New("validation failed")

// Service is the task mutation gateway. Every mutation commits to the
// repository first and publishes events after; a publish failure is logged
// and never rolls back the write.
type Service struct {
	repo     repository.Repository
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates a task service.
func NewService(repo repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "task_service")),
	}
}

// CreateTaskInput carries the attributes of a new task.
type CreateTaskInput struct {
	Title             string
	Description       string
	Priority          models.Priority
	Tags              []string
	IsRecurring       bool
	RecurrencePattern *models.RecurrencePattern
	DueDate           *time.Time
	RemindAt          *time.Time
}

// UpdateTaskInput carries a partial update; nil fields are left untouched.
type UpdateTaskInput struct {
	Title             *string
	Description       *string
	Priority          *models.Priority
	Tags              *[]string
	IsRecurring       *bool
	RecurrencePattern *models.RecurrencePattern
	ClearRecurrence   bool
	DueDate           *time.Time
	ClearDueDate      bool
	RemindAt          *time.Time
	ClearRemindAt     bool
}

// CreateTask validates, persists, and announces a new task.
func (s *Service) CreateTask(ctx context.Context, userID uuid.UUID, input CreateTaskInput) (*models.Task, error) {
	if input.Priority == "" {
		input.Priority = models.PriorityMedium
	}
	task := &models.Task{
		TaskID:            uuid.New(),
		UserID:            userID,
		Title:             input.Title,
		Description:       input.Description,
		Priority:          input.Priority,
		Tags:              input.Tags,
		IsRecurring:       input.IsRecurring,
		RecurrencePattern: input.RecurrencePattern,
		DueDate:           normalizeUTC(input.DueDate),
		RemindAt:          normalizeUTC(input.RemindAt),
	}
	if err := validateTask(task); err != nil {
		return nil, err
	}

	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.publishTaskEvent(ctx, events.TaskCreated, task, nil, nil)
	if task.RemindAt != nil {
		s.publishReminderScheduled(ctx, task)
	}

	s.logger.Info("task created",
		zap.String("task_id", task.TaskID.String()),
		zap.String("user_id", userID.String()))
	return task, nil
}

// GetTask fetches one of the user's tasks.
func (s *Service) GetTask(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error) {
	return s.repo.GetTask(ctx, userID, taskID)
}

// ListTasks returns the user's live tasks, newest first.
func (s *Service) ListTasks(ctx context.Context, userID uuid.UUID) ([]*models.Task, error) {
	return s.repo.ListTasks(ctx, userID)
}

// UpdateTask applies a partial update and announces the delta.
func (s *Service) UpdateTask(ctx context.Context, userID, taskID uuid.UUID, input UpdateTaskInput) (*models.Task, error) {
	prior, err := s.repo.GetTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	updated := prior.Clone()
	changed := applyUpdate(updated, input)
	if len(changed) == 0 {
		return prior, nil
	}
	if err := validateTask(updated); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateTask(ctx, updated); err != nil {
		return nil, err
	}

	s.publishTaskEvent(ctx, events.TaskUpdated, updated, prior, changed)
	if remindChanged(changed) {
		if updated.RemindAt != nil {
			s.publishReminderScheduled(ctx, updated)
		}
		// remind_at cleared: the scheduler cancels off the task.updated event.
	}

	s.logger.Info("task updated",
		zap.String("task_id", taskID.String()),
		zap.Strings("changed_fields", changed))
	return updated, nil
}

// CompleteTask sets the completion flag. Completing an already-completed task
// is a no-op that emits no events, which keeps redundant clicks from spawning
// duplicate recurrence work downstream. Only the completed direction emits
// task.completed; toggling back to incomplete is an ordinary update and must
// not feed the recurrence worker.
func (s *Service) CompleteTask(ctx context.Context, userID, taskID uuid.UUID, completed bool) (*models.Task, error) {
	prior, updated, err := s.repo.SetCompleted(ctx, userID, taskID, completed)
	if err != nil {
		return nil, err
	}
	if prior.IsCompleted == completed {
		return updated, nil
	}

	eventType := events.TaskCompleted
	if !completed {
		eventType = events.TaskUpdated
	}
	s.publishTaskEvent(ctx, eventType, updated, prior, []string{"is_completed"})

	s.logger.Info("task completion changed",
		zap.String("task_id", taskID.String()),
		zap.Bool("is_completed", completed))
	return updated, nil
}

// DeleteTask tombstones the task and announces the deletion with the final
// snapshot so consumers need no further reads.
func (s *Service) DeleteTask(ctx context.Context, userID, taskID uuid.UUID) error {
	prior, err := s.repo.DeleteTask(ctx, userID, taskID)
	if err != nil {
		return err
	}

	s.publishTaskEvent(ctx, events.TaskDeleted, prior, prior, nil)

	s.logger.Info("task deleted", zap.String("task_id", taskID.String()))
	return nil
}

// validateTask enforces the input contract shared by create and update.
func validateTask(t *models.Task) error {
	titleLen := utf8.RuneCountInString(t.Title)
	if titleLen == 0 {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if titleLen > maxTitleLen {
		return fmt.Errorf("%w: title exceeds %d characters", ErrValidation, maxTitleLen)
	}
	if utf8.RuneCountInString(t.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", ErrValidation, maxDescriptionLen)
	}
	if !t.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, t.Priority)
	}
	if t.IsRecurring {
		if t.RecurrencePattern == nil {
			return fmt.Errorf("%w: recurring tasks need a recurrence pattern", ErrValidation)
		}
		if !t.RecurrencePattern.Valid() {
			return fmt.Errorf("%w: unknown recurrence pattern %q", ErrValidation, *t.RecurrencePattern)
		}
	} else if t.RecurrencePattern != nil {
		return fmt.Errorf("%w: recurrence pattern requires is_recurring", ErrValidation)
	}
	return nil
}

// applyUpdate copies the set fields onto the task and returns the names of
// the fields that actually changed.
func applyUpdate(t *models.Task, input UpdateTaskInput) []string {
	var changed []string
	if input.Title != nil && *input.Title != t.Title {
		t.Title = *input.Title
		changed = append(changed, "title")
	}
	if input.Description != nil && *input.Description != t.Description {
		t.Description = *input.Description
		changed = append(changed, "description")
	}
	if input.Priority != nil && *input.Priority != t.Priority {
		t.Priority = *input.Priority
		changed = append(changed, "priority")
	}
	if input.Tags != nil {
		t.Tags = append([]string(nil), (*input.Tags)...)
		changed = append(changed, "tags")
	}
	if input.IsRecurring != nil && *input.IsRecurring != t.IsRecurring {
		t.IsRecurring = *input.IsRecurring
		changed = append(changed, "is_recurring")
	}
	switch {
	case input.ClearRecurrence:
		if t.RecurrencePattern != nil {
			t.RecurrencePattern = nil
			changed = append(changed, "recurrence_pattern")
		}
	case input.RecurrencePattern != nil:
		if t.RecurrencePattern == nil || *t.RecurrencePattern != *input.RecurrencePattern {
			p := *input.RecurrencePattern
			t.RecurrencePattern = &p
			changed = append(changed, "recurrence_pattern")
		}
	}
	if applyTimeField(&t.DueDate, input.DueDate, input.ClearDueDate) {
		changed = append(changed, "due_date")
	}
	if applyTimeField(&t.RemindAt, input.RemindAt, input.ClearRemindAt) {
		changed = append(changed, "remind_at")
	}
	return changed
}

func applyTimeField(dst **time.Time, set *time.Time, clear bool) bool {
	switch {
	case clear:
		if *dst != nil {
			*dst = nil
			return true
		}
	case set != nil:
		v := set.UTC()
		if *dst == nil || !(*dst).Equal(v) {
			*dst = &v
			return true
		}
	}
	return false
}

func normalizeUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func remindChanged(fields []string) bool {
	for _, f := range fields {
		if f == "remind_at" || f == "due_date" {
			return true
		}
	}
	return false
}
