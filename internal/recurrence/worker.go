package recurrence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events"
	"github.com/todoflow/todoflow/internal/events/bus"
	"github.com/todoflow/todoflow/internal/events/dispatch"
	"github.com/todoflow/todoflow/internal/task/models"
	"github.com/todoflow/todoflow/internal/task/repository"
)

// Worker consumes task completion events and creates the next occurrence of
// recurring tasks. Events for the same task lineage are serialized through a
// keyed dispatcher so redeliveries and bursts cannot interleave.
type Worker struct {
	repo       repository.Repository
	eventBus   bus.EventBus
	dispatcher *dispatch.KeyedDispatcher
	logger     *logger.Logger
	sub        bus.Subscription
}

// NewWorker creates a recurrence worker.
func NewWorker(repo repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Worker {
	return &Worker{
		repo:       repo,
		eventBus:   eventBus,
		dispatcher: dispatch.NewKeyedDispatcher(0, log),
		logger:     log.WithFields(zap.String("component", "recurrence_worker")),
	}
}

// Start subscribes the worker to the task event stream.
func (w *Worker) Start() error {
	sub, err := w.eventBus.Subscribe(events.TopicTaskEvents, w.handleEvent)
	if err != nil {
		return err
	}
	w.sub = sub
	w.logger.Info("recurrence worker started")
	return nil
}

// Stop unsubscribes and drains in-flight work.
func (w *Worker) Stop() {
	if w.sub != nil {
		_ = w.sub.Unsubscribe()
	}
	w.dispatcher.Close()
	w.logger.Info("recurrence worker stopped")
}

func (w *Worker) handleEvent(ctx context.Context, env *events.Envelope) bus.Outcome {
	if env.EventType != events.TaskCompleted {
		return bus.Ack
	}
	return w.dispatcher.Do(ctx, env.TaskID, func(ctx context.Context) bus.Outcome {
		return w.processCompletion(ctx, env)
	})
}

// processCompletion creates the successor for a completed recurring task.
// Delivery is at-least-once: the successor-slot claim in the repository makes
// redeliveries observe an already-claimed parent and ack without a second
// insert.
func (w *Worker) processCompletion(ctx context.Context, env *events.Envelope) bus.Outcome {
	payload, err := env.TaskPayload()
	if err != nil {
		w.logger.Warn("dropping malformed completion event",
			zap.String("event_id", env.EventID),
			zap.Error(err))
		return bus.Drop
	}
	if !payload.Task.IsRecurring {
		return bus.Ack
	}

	userID, err := uuid.Parse(env.UserID)
	if err != nil {
		return bus.Drop
	}
	taskID, err := uuid.Parse(env.TaskID)
	if err != nil {
		return bus.Drop
	}

	// The event snapshot may be stale; the parent is re-read so the cadence
	// and dates reflect edits made after completion was published.
	parent, err := w.repo.GetTask(ctx, userID, taskID)
	if errors.Is(err, repository.ErrTaskNotFound) {
		w.logger.Debug("parent gone before recurrence ran", zap.String("task_id", env.TaskID))
		return bus.Ack
	}
	if err != nil {
		w.logger.Error("failed to load parent task", zap.Error(err))
		return bus.Retry
	}
	if !parent.IsRecurring || parent.RecurrencePattern == nil {
		return bus.Ack
	}
	// A parent that is not completed gets no successor, whatever the event
	// claimed: the row is the truth, the envelope may be stale or forged.
	if !parent.IsCompleted {
		return bus.Ack
	}
	if parent.NextOccurrenceID != nil {
		return bus.Ack
	}

	successor := buildSuccessor(parent, time.Now().UTC())
	claimed, err := w.repo.CreateSuccessor(ctx, parent.TaskID, successor)
	if err != nil {
		w.logger.Error("failed to create successor",
			zap.String("parent_task_id", parent.TaskID.String()),
			zap.Error(err))
		return bus.Retry
	}
	if !claimed {
		w.logger.Debug("successor already claimed",
			zap.String("parent_task_id", parent.TaskID.String()))
		return bus.Ack
	}

	w.announceSuccessor(ctx, successor)
	w.logger.Info("created successor occurrence",
		zap.String("parent_task_id", parent.TaskID.String()),
		zap.String("task_id", successor.TaskID.String()),
		zap.String("pattern", string(*parent.RecurrencePattern)))
	return bus.Ack
}

// buildSuccessor derives the next occurrence from the parent. A parent with
// no due date anchors the cadence at the completion instant.
func buildSuccessor(parent *models.Task, now time.Time) *models.Task {
	anchor := now
	if parent.DueDate != nil {
		anchor = parent.DueDate.UTC()
	}
	nextDue := NextDueDate(anchor, *parent.RecurrencePattern)

	pattern := *parent.RecurrencePattern
	parentID := parent.TaskID
	return &models.Task{
		TaskID:            uuid.New(),
		UserID:            parent.UserID,
		Title:             parent.Title,
		Description:       parent.Description,
		Priority:          parent.Priority,
		Tags:              append([]string(nil), parent.Tags...),
		IsRecurring:       true,
		RecurrencePattern: &pattern,
		DueDate:           &nextDue,
		RemindAt:          NextRemindAt(anchor, parent.RemindAt, nextDue),
		ParentTaskID:      &parentID,
	}
}

// announceSuccessor publishes the successor's creation the same way the
// gateway announces a user-created task.
func (w *Worker) announceSuccessor(ctx context.Context, successor *models.Task) {
	env, err := events.NewEnvelope(events.TaskCreated, successor.UserID, successor.TaskID,
		events.TaskEventPayload{Task: successor.Snapshot()})
	if err != nil {
		w.logger.Error("failed to build successor envelope", zap.Error(err))
		return
	}
	for _, topic := range []string{events.TopicTaskEvents, events.TopicTaskUpdates} {
		if err := w.eventBus.Publish(ctx, topic, env); err != nil {
			w.logger.Error("failed to publish successor event",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}

	if successor.RemindAt == nil {
		return
	}
	remindEnv, err := events.NewEnvelope(events.ReminderScheduled, successor.UserID, successor.TaskID,
		events.ReminderScheduledPayload{
			FireAt:   successor.RemindAt.UTC(),
			Channels: []string{"push"},
		})
	if err != nil {
		w.logger.Error("failed to build successor reminder envelope", zap.Error(err))
		return
	}
	if err := w.eventBus.Publish(ctx, events.TopicReminders, remindEnv); err != nil {
		w.logger.Error("failed to publish successor reminder", zap.Error(err))
	}
}
