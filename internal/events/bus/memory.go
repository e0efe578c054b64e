package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events"
)

const (
	// memoryQueueSize bounds each subscription's in-flight backlog.
	memoryQueueSize = 256

	// memoryMaxDeliveries caps redelivery of a message whose handler keeps
	// returning Retry before it is recorded as poisoned.
	memoryMaxDeliveries = 5
)

// MemoryEventBus implements EventBus using in-process channels. Each
// subscription owns a single delivery goroutine fed by an ordered queue, so
// messages on one topic reach one subscriber in publish order.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool

	// redeliverDelay is the base backoff between redeliveries; tests shrink it.
	redeliverDelay time.Duration
}

// memorySubscription represents an in-memory subscription.
type memorySubscription struct {
	bus     *MemoryEventBus
	topic   string
	handler Handler
	queue   chan *events.Envelope
	active  bool
	mu      sync.Mutex
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions:  make(map[string][]*memorySubscription),
		logger:         log,
		redeliverDelay: 50 * time.Millisecond,
	}
}

// SetRedeliverDelay overrides the base redelivery backoff. Intended for tests.
func (b *MemoryEventBus) SetRedeliverDelay(d time.Duration) {
	b.redeliverDelay = d
}

// Publish enqueues the envelope for every subscription on the topic.
func (b *MemoryEventBus) Publish(ctx context.Context, topic string, env *events.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for _, sub := range b.subscriptions[topic] {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		select {
		case sub.queue <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.logger.Debug("published event",
		zap.String("topic", topic),
		zap.String("event_id", env.EventID),
		zap.String("event_type", env.EventType))

	return nil
}

// Subscribe creates a subscription to a topic.
func (b *MemoryEventBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		topic:   topic,
		handler: handler,
		queue:   make(chan *events.Envelope, memoryQueueSize),
		active:  true,
	}
	b.subscriptions[topic] = append(b.subscriptions[topic], sub)

	go sub.deliverLoop()

	b.logger.Debug("subscribed to topic", zap.String("topic", topic))
	return sub, nil
}

// deliverLoop drains the subscription queue one message at a time,
// redelivering with backoff while the handler returns Retry.
func (s *memorySubscription) deliverLoop() {
	for env := range s.queue {
		s.deliver(env)
	}
}

func (s *memorySubscription) deliver(env *events.Envelope) {
	for attempt := 1; ; attempt++ {
		outcome := s.handler(context.Background(), env)
		switch outcome {
		case Ack:
			return
		case Drop:
			s.bus.logger.Warn("message dropped as poisoned",
				zap.String("topic", s.topic),
				zap.String("event_id", env.EventID),
				zap.String("event_type", env.EventType))
			return
		case Retry:
			if attempt >= memoryMaxDeliveries {
				s.bus.logger.Error("message poisoned after max redeliveries",
					zap.String("topic", s.topic),
					zap.String("event_id", env.EventID),
					zap.Int("deliveries", attempt))
				return
			}
			time.Sleep(s.bus.redeliverDelay * time.Duration(attempt))
		}
	}
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.topic] = append(subs[:i], subs[i+1:]...)
			close(s.queue)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close closes the event bus and all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
			close(sub.queue)
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)

	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
