package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events"
	"github.com/todoflow/todoflow/internal/events/bus"
	"github.com/todoflow/todoflow/internal/task/models"
)

func newRecorderFixture(t *testing.T) (*bus.MemoryEventBus, *MemoryStore) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	store := NewMemoryStore()
	recorder := NewRecorder(store, log)
	require.NoError(t, recorder.Start(eventBus))
	t.Cleanup(recorder.Stop)
	return eventBus, store
}

func taskEnvelope(t *testing.T, eventType string, userID uuid.UUID) *events.Envelope {
	t.Helper()
	task := models.Task{
		TaskID:   uuid.New(),
		UserID:   userID,
		Title:    "audit me",
		Priority: models.PriorityMedium,
	}
	env, err := events.NewEnvelope(eventType, userID, task.TaskID,
		events.TaskEventPayload{Task: task.Snapshot()})
	require.NoError(t, err)
	return env
}

func waitForRecords(t *testing.T, store *MemoryStore, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Len() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected %d records, have %d", want, store.Len())
}

func TestRecorder_AppendsTaskEvents(t *testing.T) {
	eventBus, store := newRecorderFixture(t)
	userID := uuid.New()

	env := taskEnvelope(t, events.TaskCreated, userID)
	require.NoError(t, eventBus.Publish(context.Background(), events.TopicTaskEvents, env))
	waitForRecords(t, store, 1)

	records, err := store.ListByUser(context.Background(), userID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, events.TaskCreated, records[0].EventType)
	assert.Equal(t, "task", records[0].EntityType)
	assert.Equal(t, env.TaskID, records[0].EntityID.String())
	assert.Equal(t, events.TopicTaskEvents, records[0].Source)
	assert.NotEmpty(t, records[0].NewState)
	assert.Empty(t, records[0].PriorState)
}

func TestRecorder_DeduplicatesByEventID(t *testing.T) {
	eventBus, store := newRecorderFixture(t)
	userID := uuid.New()
	ctx := context.Background()

	env := taskEnvelope(t, events.TaskUpdated, userID)
	// The same envelope arrives on two topics and is redelivered on one.
	require.NoError(t, eventBus.Publish(ctx, events.TopicTaskEvents, env))
	require.NoError(t, eventBus.Publish(ctx, events.TopicTaskUpdates, env))
	require.NoError(t, eventBus.Publish(ctx, events.TopicTaskEvents, env))
	waitForRecords(t, store, 1)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 1, store.Len(), "one audit row per event id")
}

func TestRecorder_RecordsReminderEvents(t *testing.T) {
	eventBus, store := newRecorderFixture(t)
	userID := uuid.New()
	taskID := uuid.New()

	env, err := events.NewEnvelope(events.ReminderFired, userID, taskID,
		events.ReminderFiredPayload{
			FireAt:  time.Now().UTC(),
			FiredAt: time.Now().UTC(),
		})
	require.NoError(t, err)
	require.NoError(t, eventBus.Publish(context.Background(), events.TopicReminders, env))
	waitForRecords(t, store, 1)

	records, err := store.ListByUser(context.Background(), userID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "reminder", records[0].EntityType)

	var payload events.ReminderFiredPayload
	require.NoError(t, json.Unmarshal(records[0].NewState, &payload))
	assert.False(t, payload.FiredAt.IsZero())
}

func TestRecorder_DropsMalformedEvents(t *testing.T) {
	eventBus, store := newRecorderFixture(t)

	env := &events.Envelope{
		EventID:   "not-a-uuid",
		EventType: events.TaskCreated,
		UserID:    uuid.New().String(),
		TaskID:    uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Payload:   json.RawMessage(`{}`),
	}
	require.NoError(t, eventBus.Publish(context.Background(), events.TopicTaskEvents, env))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, store.Len())
}

func TestRecorder_PriorStateCaptured(t *testing.T) {
	eventBus, store := newRecorderFixture(t)
	userID := uuid.New()
	taskID := uuid.New()

	before := models.Task{TaskID: taskID, UserID: userID, Title: "old", Priority: models.PriorityLow}
	after := models.Task{TaskID: taskID, UserID: userID, Title: "new", Priority: models.PriorityLow}
	prior := before.Snapshot()
	env, err := events.NewEnvelope(events.TaskUpdated, userID, taskID,
		events.TaskEventPayload{Task: after.Snapshot(), Prior: &prior, ChangedFields: []string{"title"}})
	require.NoError(t, err)

	require.NoError(t, eventBus.Publish(context.Background(), events.TopicTaskEvents, env))
	waitForRecords(t, store, 1)

	records, err := store.ListByUser(context.Background(), userID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	var priorState, newState events.TaskSnapshot
	require.NoError(t, json.Unmarshal(records[0].PriorState, &priorState))
	require.NoError(t, json.Unmarshal(records[0].NewState, &newState))
	assert.Equal(t, "old", priorState.Title)
	assert.Equal(t, "new", newState.Title)
}

func TestMemoryStore_ListByUser_Limit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	userID := uuid.New()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, &Record{
			EventID:    uuid.New(),
			EventType:  events.TaskCreated,
			UserID:     userID,
			EntityType: "task",
			EntityID:   uuid.New(),
			Source:     events.TopicTaskEvents,
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}))
	}

	records, err := store.ListByUser(ctx, userID, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.True(t, records[0].Timestamp.After(records[1].Timestamp))
}
