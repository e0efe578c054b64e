package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/common/config"
	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events"
)

// deliveriesHeader counts deliveries of a message across redeliveries. Core
// NATS has no broker-side redelivery, so Retry republishes with the counter
// bumped until natsMaxDeliveries is reached.
const deliveriesHeader = "Todoflow-Deliveries"

const natsMaxDeliveries = 5

// NATSEventBus implements EventBus over a direct NATS connection. Used when
// the engine runs without a pub/sub sidecar.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.NATSConfig
}

// natsSubscription wraps a NATS subscription to implement the Subscription interface
type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe removes the subscription from the server
func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// IsValid returns whether the subscription is still active
func (s *natsSubscription) IsValid() bool {
	if s.sub == nil {
		return false
	}
	return s.sub.IsValid()
}

// NewNATSEventBus creates a new NATS event bus with reconnection logic
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	bus := &NATSEventBus{
		logger: log,
		config: cfg,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB buffer during reconnect

		// Connection status handlers
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error",
				zap.Error(err),
				zap.String("subject", sub.Subject),
			)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bus.conn = conn
	log.Info("Connected to NATS", zap.String("url", cfg.URL))

	return bus, nil
}

// Publish sends an envelope to a topic.
func (b *NATSEventBus) Publish(ctx context.Context, topic string, env *events.Envelope) error {
	return b.publish(topic, env, 1)
}

func (b *NATSEventBus) publish(topic string, env *events.Envelope, delivery int) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := nats.NewMsg(topic)
	msg.Data = data
	msg.Header.Set(deliveriesHeader, strconv.Itoa(delivery))

	if err := b.conn.PublishMsg(msg); err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("topic", topic),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("Published event",
		zap.String("topic", topic),
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType),
	)

	return nil
}

// Subscribe creates a subscription to a topic.
func (b *NATSEventBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(topic, b.createMsgHandler(topic, handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.logger.Debug("Subscribed to topic", zap.String("topic", topic))
	return &natsSubscription{sub: sub}, nil
}

// createMsgHandler bridges the broker-neutral Handler onto NATS. A Retry
// outcome republishes the envelope after a delay that grows with the delivery
// count; after natsMaxDeliveries the message is recorded as poisoned.
func (b *NATSEventBus) createMsgHandler(topic string, handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var env events.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Error("Dropping malformed envelope",
				zap.String("topic", msg.Subject),
				zap.Error(err),
			)
			return
		}

		delivery := 1
		if v := msg.Header.Get(deliveriesHeader); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				delivery = n
			}
		}

		switch handler(context.Background(), &env) {
		case Ack:
		case Drop:
			b.logger.Warn("Message dropped as poisoned",
				zap.String("topic", msg.Subject),
				zap.String("event_id", env.EventID),
				zap.String("event_type", env.EventType),
			)
		case Retry:
			if delivery >= natsMaxDeliveries {
				b.logger.Error("Message poisoned after max redeliveries",
					zap.String("topic", msg.Subject),
					zap.String("event_id", env.EventID),
					zap.Int("deliveries", delivery),
				)
				return
			}
			delay := time.Duration(delivery) * time.Second
			time.AfterFunc(delay, func() {
				if err := b.publish(topic, &env, delivery+1); err != nil {
					b.logger.Error("Failed to redeliver event",
						zap.String("topic", topic),
						zap.String("event_id", env.EventID),
						zap.Error(err),
					)
				}
			})
		}
	}
}

// Close closes the NATS connection gracefully
func (b *NATSEventBus) Close() {
	if b.conn != nil {
		// Drain will process pending messages before closing
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("Error draining NATS connection", zap.Error(err))
			// Fall back to regular close
			b.conn.Close()
		}
		b.logger.Info("NATS connection closed")
	}
}

// IsConnected returns whether the NATS connection is active
func (b *NATSEventBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}
