package audit

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events"
	"github.com/todoflow/todoflow/internal/events/bus"
)

// Recorder subscribes to every topic and appends each event to the audit
// store. It never reads the task database: the event payloads carry the prior
// and new snapshots, so a recorded mutation is exactly what was announced.
type Recorder struct {
	store  Store
	logger *logger.Logger
	subs   []bus.Subscription
}

// NewRecorder creates an audit recorder.
func NewRecorder(store Store, log *logger.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: log.WithFields(zap.String("component", "audit_recorder")),
	}
}

// Start subscribes the recorder to all topics.
func (r *Recorder) Start(eventBus bus.EventBus) error {
	for _, topic := range []string{events.TopicTaskEvents, events.TopicReminders, events.TopicTaskUpdates} {
		topic := topic
		sub, err := eventBus.Subscribe(topic, func(ctx context.Context, env *events.Envelope) bus.Outcome {
			return r.record(ctx, topic, env)
		})
		if err != nil {
			return err
		}
		r.subs = append(r.subs, sub)
	}
	r.logger.Info("audit recorder started")
	return nil
}

// Stop unsubscribes from all topics.
func (r *Recorder) Stop() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.logger.Info("audit recorder stopped")
}

// record converts one envelope to an audit row. Malformed envelopes are
// dropped after logging: redelivery cannot fix them and they must not block
// the topic. Store failures are transient and retried.
func (r *Recorder) record(ctx context.Context, topic string, env *events.Envelope) bus.Outcome {
	rec, err := toRecord(topic, env)
	if err != nil {
		r.logger.Warn("dropping malformed event",
			zap.String("topic", topic),
			zap.String("event_id", env.EventID),
			zap.Error(err))
		return bus.Drop
	}

	if err := r.store.Append(ctx, rec); err != nil {
		r.logger.Error("failed to append audit record",
			zap.String("event_id", env.EventID),
			zap.Error(err))
		return bus.Retry
	}
	return bus.Ack
}

func toRecord(topic string, env *events.Envelope) (*Record, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	eventID, err := uuid.Parse(env.EventID)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(env.UserID)
	if err != nil {
		return nil, err
	}
	entityID, err := uuid.Parse(env.TaskID)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		EventID:    eventID,
		EventType:  env.EventType,
		UserID:     userID,
		EntityType: entityType(env.EventType),
		EntityID:   entityID,
		Source:     topic,
		Timestamp:  env.Timestamp,
	}

	if strings.HasPrefix(env.EventType, "task.") {
		payload, err := env.TaskPayload()
		if err != nil {
			return nil, err
		}
		if rec.NewState, err = json.Marshal(payload.Task); err != nil {
			return nil, err
		}
		if payload.Prior != nil {
			if rec.PriorState, err = json.Marshal(payload.Prior); err != nil {
				return nil, err
			}
		}
	} else {
		// Reminder payloads are stored whole as the new state.
		rec.NewState = env.Payload
	}
	return rec, nil
}

func entityType(eventType string) string {
	if strings.HasPrefix(eventType, "reminder.") {
		return "reminder"
	}
	return "task"
}
