package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events"
	"github.com/todoflow/todoflow/internal/events/bus"
	"github.com/todoflow/todoflow/internal/task/models"
	"github.com/todoflow/todoflow/internal/task/repository"
)

// Scheduler owns reminder delivery: it persists the reminder mirror, arms
// exact-time jobs, and publishes reminder.fired when they land. Task
// lifecycle events cancel or replace pending reminders so a deleted task
// never fires.
type Scheduler struct {
	repo           repository.Repository
	eventBus       bus.EventBus
	runner         JobRunner
	logger         *logger.Logger
	varianceBudget time.Duration

	subs []bus.Subscription
}

// NewScheduler creates a reminder scheduler.
func NewScheduler(repo repository.Repository, eventBus bus.EventBus, runner JobRunner,
	varianceBudget time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{
		repo:           repo,
		eventBus:       eventBus,
		runner:         runner,
		logger:         log.WithFields(zap.String("component", "reminder_scheduler")),
		varianceBudget: varianceBudget,
	}
}

// Start subscribes to the reminder and task event streams.
func (s *Scheduler) Start() error {
	remSub, err := s.eventBus.Subscribe(events.TopicReminders, s.handleReminderEvent)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, remSub)

	taskSub, err := s.eventBus.Subscribe(events.TopicTaskEvents, s.handleTaskEvent)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, taskSub)

	s.logger.Info("reminder scheduler started",
		zap.Duration("variance_budget", s.varianceBudget))
	return nil
}

// Stop unsubscribes and releases the pending jobs.
func (s *Scheduler) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.runner.Close()
	s.logger.Info("reminder scheduler stopped")
}

// RecoverPending re-arms every reminder still scheduled in the store. Called
// once on startup so reminders survive restarts; past-due reminders fire
// immediately rather than being lost.
func (s *Scheduler) RecoverPending(ctx context.Context) error {
	pending, err := s.repo.ListPendingReminders(ctx)
	if err != nil {
		return err
	}
	for _, rem := range pending {
		s.arm(rem.TaskID, rem.FireAt)
	}
	if len(pending) > 0 {
		s.logger.Info("recovered pending reminders", zap.Int("count", len(pending)))
	}
	return nil
}

// handleReminderEvent arms or re-arms a reminder from a reminder.scheduled
// event. Upserting keeps one reminder per task, so a rescheduled reminder
// replaces rather than duplicates.
func (s *Scheduler) handleReminderEvent(ctx context.Context, env *events.Envelope) bus.Outcome {
	if env.EventType != events.ReminderScheduled {
		return bus.Ack
	}
	payload, err := env.ReminderScheduled()
	if err != nil {
		s.logger.Warn("dropping malformed reminder event",
			zap.String("event_id", env.EventID),
			zap.Error(err))
		return bus.Drop
	}
	userID, err := uuid.Parse(env.UserID)
	if err != nil {
		return bus.Drop
	}
	taskID, err := uuid.Parse(env.TaskID)
	if err != nil {
		return bus.Drop
	}

	channels := payload.Channels
	if len(channels) == 0 {
		channels = []string{"push"}
	}
	err = s.repo.UpsertReminder(ctx, &models.Reminder{
		TaskID:   taskID,
		UserID:   userID,
		FireAt:   payload.FireAt.UTC(),
		Channels: channels,
		Status:   models.ReminderScheduled,
	})
	if err != nil {
		s.logger.Error("failed to store reminder", zap.Error(err))
		return bus.Retry
	}

	s.arm(taskID, payload.FireAt.UTC())
	s.logger.Debug("reminder armed",
		zap.String("task_id", env.TaskID),
		zap.Time("fire_at", payload.FireAt))
	return bus.Ack
}

// handleTaskEvent cancels pending reminders when their task goes away or
// stops needing one.
func (s *Scheduler) handleTaskEvent(ctx context.Context, env *events.Envelope) bus.Outcome {
	switch env.EventType {
	case events.TaskDeleted:
		return s.cancelReminder(ctx, env)
	case events.TaskCompleted:
		payload, err := env.TaskPayload()
		if err != nil {
			return bus.Drop
		}
		// A completed recurring task keeps its lineage alive through the
		// successor; the successor brings its own reminder. Either way this
		// occurrence is done.
		if payload.Task.IsCompleted {
			return s.cancelReminder(ctx, env)
		}
		return bus.Ack
	case events.TaskUpdated:
		payload, err := env.TaskPayload()
		if err != nil {
			return bus.Drop
		}
		// remind_at cleared: drop the pending job. A changed remind_at is
		// handled by the reminder.scheduled event that follows the update.
		if payload.Task.RemindAt == nil && hadReminder(payload) {
			return s.cancelReminder(ctx, env)
		}
		return bus.Ack
	}
	return bus.Ack
}

func hadReminder(payload *events.TaskEventPayload) bool {
	return payload.Prior != nil && payload.Prior.RemindAt != nil
}

func (s *Scheduler) cancelReminder(ctx context.Context, env *events.Envelope) bus.Outcome {
	taskID, err := uuid.Parse(env.TaskID)
	if err != nil {
		return bus.Drop
	}
	s.runner.Cancel(taskID)

	err = s.repo.SetReminderStatus(ctx, taskID, models.ReminderCancelled)
	if err != nil && !errors.Is(err, repository.ErrReminderNotFound) {
		s.logger.Error("failed to cancel reminder", zap.Error(err))
		return bus.Retry
	}
	return bus.Ack
}

func (s *Scheduler) arm(taskID uuid.UUID, fireAt time.Time) {
	s.runner.Schedule(taskID, fireAt, func() {
		s.fire(taskID)
	})
}

// fire publishes reminder.fired for a landed job. The reminder row is
// re-checked first so late cancellations win.
func (s *Scheduler) fire(taskID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rem, err := s.repo.GetReminder(ctx, taskID)
	if err != nil {
		s.logger.Warn("fired job has no reminder row", zap.String("task_id", taskID.String()))
		return
	}
	if rem.Status != models.ReminderScheduled {
		return
	}

	firedAt := time.Now().UTC()
	if variance := firedAt.Sub(rem.FireAt); variance > s.varianceBudget {
		s.logger.Warn("reminder fired outside variance budget",
			zap.String("task_id", taskID.String()),
			zap.Duration("variance", variance),
			zap.Duration("budget", s.varianceBudget))
	}

	payload := events.ReminderFiredPayload{
		FireAt:  rem.FireAt,
		FiredAt: firedAt,
	}
	// The task snapshot rides along so notification consumers need no read.
	// A task deleted out from under the reminder cancels the fire.
	task, err := s.repo.GetTask(ctx, rem.UserID, taskID)
	if err == nil {
		snap := task.Snapshot()
		payload.Task = &snap
	} else if errors.Is(err, repository.ErrTaskNotFound) {
		_ = s.repo.SetReminderStatus(ctx, taskID, models.ReminderCancelled)
		return
	}

	if err := s.repo.SetReminderStatus(ctx, taskID, models.ReminderFired); err != nil {
		s.logger.Error("failed to mark reminder fired", zap.Error(err))
	}

	env, err := events.NewEnvelope(events.ReminderFired, rem.UserID, taskID, payload)
	if err != nil {
		s.logger.Error("failed to build reminder.fired envelope", zap.Error(err))
		return
	}
	if err := s.eventBus.Publish(ctx, events.TopicReminders, env); err != nil {
		s.logger.Error("failed to publish reminder.fired",
			zap.String("task_id", taskID.String()),
			zap.Error(err))
		if err := s.repo.SetReminderStatus(ctx, taskID, models.ReminderFailed); err != nil {
			s.logger.Error("failed to mark reminder failed", zap.Error(err))
		}
		return
	}

	s.logger.Info("reminder fired",
		zap.String("task_id", taskID.String()),
		zap.Time("fire_at", rem.FireAt),
		zap.Time("fired_at", firedAt))
}
