package websocket

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events"
	"github.com/todoflow/todoflow/internal/events/bus"
)

// Fanout bridges the task-updates topic onto the hub: each delta goes to
// every open session of the event's user.
type Fanout struct {
	hub    *Hub
	logger *logger.Logger
	sub    bus.Subscription
}

// NewFanout creates the bridge.
func NewFanout(hub *Hub, log *logger.Logger) *Fanout {
	return &Fanout{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_fanout")),
	}
}

// Start subscribes to the task-updates topic.
func (f *Fanout) Start(eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe(events.TopicTaskUpdates, f.handleUpdate)
	if err != nil {
		return err
	}
	f.sub = sub
	f.logger.Info("realtime fanout started")
	return nil
}

// Stop unsubscribes from the topic.
func (f *Fanout) Stop() {
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
	f.logger.Info("realtime fanout stopped")
}

// handleUpdate pushes the envelope, unchanged, to the owner's sessions.
// Frames on the wire are exactly the published envelopes so web and mobile
// clients share one schema with the backend consumers. Delivery to sessions
// is best-effort: a missed frame is recovered by the client's next refetch,
// so the event is always acked.
func (f *Fanout) handleUpdate(ctx context.Context, env *events.Envelope) bus.Outcome {
	userID, err := uuid.Parse(env.UserID)
	if err != nil {
		f.logger.Warn("dropping update with bad user id",
			zap.String("event_id", env.EventID))
		return bus.Drop
	}
	f.hub.BroadcastToUser(userID, env)
	return bus.Ack
}
