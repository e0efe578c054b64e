package recurrence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events"
	"github.com/todoflow/todoflow/internal/events/bus"
	"github.com/todoflow/todoflow/internal/task/models"
	"github.com/todoflow/todoflow/internal/task/repository"
)

type workerFixture struct {
	repo     *repository.MemoryRepository
	eventBus *bus.MemoryEventBus
	worker   *Worker
	created  chan *events.Envelope
	reminder chan *events.Envelope
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	repo := repository.NewMemoryRepository()

	worker := NewWorker(repo, eventBus, log)
	require.NoError(t, worker.Start())
	t.Cleanup(worker.Stop)

	f := &workerFixture{
		repo:     repo,
		eventBus: eventBus,
		worker:   worker,
		created:  make(chan *events.Envelope, 8),
		reminder: make(chan *events.Envelope, 8),
	}
	_, err = eventBus.Subscribe(events.TopicTaskEvents, func(ctx context.Context, env *events.Envelope) bus.Outcome {
		if env.EventType == events.TaskCreated {
			f.created <- env
		}
		return bus.Ack
	})
	require.NoError(t, err)
	_, err = eventBus.Subscribe(events.TopicReminders, func(ctx context.Context, env *events.Envelope) bus.Outcome {
		f.reminder <- env
		return bus.Ack
	})
	require.NoError(t, err)
	return f
}

func (f *workerFixture) storeRecurring(t *testing.T, pattern models.RecurrencePattern, due, remind *time.Time) *models.Task {
	t.Helper()
	task := &models.Task{
		UserID:            uuid.New(),
		Title:             "recurring chore",
		Priority:          models.PriorityMedium,
		IsRecurring:       true,
		RecurrencePattern: &pattern,
		DueDate:           due,
		RemindAt:          remind,
	}
	require.NoError(t, f.repo.CreateTask(context.Background(), task))
	return task
}

// publishCompletion completes the task in the store and announces it, the way
// the gateway does: commit first, publish after.
func (f *workerFixture) publishCompletion(t *testing.T, task *models.Task) *events.Envelope {
	t.Helper()
	_, completed, err := f.repo.SetCompleted(context.Background(), task.UserID, task.TaskID, true)
	require.NoError(t, err)
	env, err := events.NewEnvelope(events.TaskCompleted, task.UserID, task.TaskID,
		events.TaskEventPayload{Task: completed.Snapshot(), ChangedFields: []string{"is_completed"}})
	require.NoError(t, err)
	require.NoError(t, f.eventBus.Publish(context.Background(), events.TopicTaskEvents, env))
	return env
}

func waitFor(t *testing.T, ch chan *events.Envelope) *events.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for event")
		return nil
	}
}

func expectNothing(t *testing.T, ch chan *events.Envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("Unexpected event %s for task %s", env.EventType, env.TaskID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorker_CreatesSuccessorOnCompletion(t *testing.T) {
	f := newWorkerFixture(t)
	due := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	remind := due.Add(-time.Hour)
	task := f.storeRecurring(t, models.RecurrenceDaily, &due, &remind)

	f.publishCompletion(t, task)
	env := waitFor(t, f.created)

	payload, err := env.TaskPayload()
	require.NoError(t, err)
	assert.Equal(t, task.TaskID.String(), payload.Task.ParentTaskID)
	require.NotNil(t, payload.Task.DueDate)
	assert.Equal(t, due.AddDate(0, 0, 1), payload.Task.DueDate.UTC())
	require.NotNil(t, payload.Task.RemindAt)
	assert.Equal(t, due.AddDate(0, 0, 1).Add(-time.Hour), payload.Task.RemindAt.UTC())

	// Successor reminder is scheduled.
	rem := waitFor(t, f.reminder)
	assert.Equal(t, events.ReminderScheduled, rem.EventType)
	assert.Equal(t, payload.Task.TaskID, rem.TaskID)

	// Parent now points at the successor.
	parent, err := f.repo.GetTask(context.Background(), task.UserID, task.TaskID)
	require.NoError(t, err)
	require.NotNil(t, parent.NextOccurrenceID)
	assert.Equal(t, payload.Task.TaskID, parent.NextOccurrenceID.String())
}

func TestWorker_RedeliveryCreatesOneSuccessor(t *testing.T) {
	f := newWorkerFixture(t)
	due := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	task := f.storeRecurring(t, models.RecurrenceWeekly, &due, nil)

	env := f.publishCompletion(t, task)
	waitFor(t, f.created)

	// The broker redelivers the same completion event several times.
	for i := 0; i < 4; i++ {
		require.NoError(t, f.eventBus.Publish(context.Background(), events.TopicTaskEvents, env))
	}
	expectNothing(t, f.created)

	tasks, err := f.repo.ListTasks(context.Background(), task.UserID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "parent plus exactly one successor")
}

func TestWorker_IgnoresNonRecurringCompletion(t *testing.T) {
	f := newWorkerFixture(t)
	task := &models.Task{
		UserID:   uuid.New(),
		Title:    "one-off",
		Priority: models.PriorityLow,
	}
	require.NoError(t, f.repo.CreateTask(context.Background(), task))

	f.publishCompletion(t, task)
	expectNothing(t, f.created)
}

func TestWorker_IncompleteParentGetsNoSuccessor(t *testing.T) {
	f := newWorkerFixture(t)
	due := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	task := f.storeRecurring(t, models.RecurrenceDaily, &due, nil)

	// The envelope claims completion but the stored row was never completed
	// (a stale redelivery, or a producer bug). The row decides.
	snapshot := task.Snapshot()
	snapshot.IsCompleted = true
	env, err := events.NewEnvelope(events.TaskCompleted, task.UserID, task.TaskID,
		events.TaskEventPayload{Task: snapshot, ChangedFields: []string{"is_completed"}})
	require.NoError(t, err)
	require.NoError(t, f.eventBus.Publish(context.Background(), events.TopicTaskEvents, env))

	expectNothing(t, f.created)
	tasks, err := f.repo.ListTasks(context.Background(), task.UserID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "only the incomplete parent")

	parent, err := f.repo.GetTask(context.Background(), task.UserID, task.TaskID)
	require.NoError(t, err)
	assert.Nil(t, parent.NextOccurrenceID)
}

func TestWorker_UsesFreshParentState(t *testing.T) {
	f := newWorkerFixture(t)
	due := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	task := f.storeRecurring(t, models.RecurrenceDaily, &due, nil)

	// The pattern changes between the completion being published and the
	// worker running; the successor must follow the stored pattern.
	env, err := events.NewEnvelope(events.TaskCompleted, task.UserID, task.TaskID,
		events.TaskEventPayload{Task: task.Snapshot()})
	require.NoError(t, err)
	_, _, err = f.repo.SetCompleted(context.Background(), task.UserID, task.TaskID, true)
	require.NoError(t, err)

	updated := task.Clone()
	weekly := models.RecurrenceWeekly
	updated.RecurrencePattern = &weekly
	require.NoError(t, f.repo.UpdateTask(context.Background(), updated))

	require.NoError(t, f.eventBus.Publish(context.Background(), events.TopicTaskEvents, env))
	created := waitFor(t, f.created)

	payload, err := created.TaskPayload()
	require.NoError(t, err)
	assert.Equal(t, "weekly", payload.Task.RecurrencePattern)
	assert.Equal(t, due.AddDate(0, 0, 7), payload.Task.DueDate.UTC())
}

func TestWorker_ParentDeletedBeforeProcessing(t *testing.T) {
	f := newWorkerFixture(t)
	due := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	task := f.storeRecurring(t, models.RecurrenceDaily, &due, nil)

	env, err := events.NewEnvelope(events.TaskCompleted, task.UserID, task.TaskID,
		events.TaskEventPayload{Task: task.Snapshot()})
	require.NoError(t, err)

	_, err = f.repo.DeleteTask(context.Background(), task.UserID, task.TaskID)
	require.NoError(t, err)

	require.NoError(t, f.eventBus.Publish(context.Background(), events.TopicTaskEvents, env))
	expectNothing(t, f.created)
}

func TestWorker_NoDueDateAnchorsAtCompletion(t *testing.T) {
	f := newWorkerFixture(t)
	task := f.storeRecurring(t, models.RecurrenceDaily, nil, nil)

	before := time.Now().UTC()
	f.publishCompletion(t, task)
	env := waitFor(t, f.created)
	after := time.Now().UTC()

	payload, err := env.TaskPayload()
	require.NoError(t, err)
	require.NotNil(t, payload.Task.DueDate)
	got := payload.Task.DueDate.UTC()
	assert.True(t, !got.Before(before.AddDate(0, 0, 1)) && !got.After(after.AddDate(0, 0, 1)),
		"successor due a day after the completion instant, got %v", got)
}
