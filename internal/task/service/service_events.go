package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/events"
	"github.com/todoflow/todoflow/internal/task/models"
)

// publishTaskEvent publishes the event to the primary task-events topic and
// mirrors it onto task-updates for the realtime fanout. The database write
// has already committed; failures here are logged and swallowed.
func (s *Service) publishTaskEvent(ctx context.Context, eventType string, task, prior *models.Task, changedFields []string) {
	if s.eventBus == nil {
		return
	}

	payload := events.TaskEventPayload{
		Task:          task.Snapshot(),
		ChangedFields: changedFields,
	}
	if prior != nil {
		snap := prior.Snapshot()
		payload.Prior = &snap
	}

	env, err := events.NewEnvelope(eventType, task.UserID, task.TaskID, payload)
	if err != nil {
		s.logger.Error("failed to build event envelope",
			zap.String("event_type", eventType),
			zap.Error(err))
		return
	}

	for _, topic := range []string{events.TopicTaskEvents, events.TopicTaskUpdates} {
		if err := s.eventBus.Publish(ctx, topic, env); err != nil {
			s.logger.Error("failed to publish task event",
				zap.String("topic", topic),
				zap.String("event_type", eventType),
				zap.String("task_id", env.TaskID),
				zap.Error(err))
		}
	}
}

// publishReminderScheduled asks the scheduler to (re)arm the task's reminder.
func (s *Service) publishReminderScheduled(ctx context.Context, task *models.Task) {
	if s.eventBus == nil || task.RemindAt == nil {
		return
	}

	env, err := events.NewEnvelope(events.ReminderScheduled, task.UserID, task.TaskID,
		events.ReminderScheduledPayload{
			FireAt:   task.RemindAt.UTC(),
			Channels: []string{"push"},
		})
	if err != nil {
		s.logger.Error("failed to build reminder envelope", zap.Error(err))
		return
	}

	if err := s.eventBus.Publish(ctx, events.TopicReminders, env); err != nil {
		s.logger.Error("failed to publish reminder.scheduled",
			zap.String("task_id", env.TaskID),
			zap.Error(err))
	}
}
