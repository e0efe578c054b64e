// Package bus provides broker-neutral event bus abstractions for Todoflow.
//
// Three backends implement EventBus: the HTTP pub/sub sidecar (production),
// NATS (direct broker mode), and an in-memory bus (tests and single-process
// development). The rest of the engine depends only on this package.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/todoflow/todoflow/internal/events"
)

// Outcome is a handler's processing verdict, controlling redelivery.
type Outcome int

const (
	// Ack acknowledges the message; it will not be redelivered.
	Ack Outcome = iota
	// Retry returns the message to the broker for redelivery with backoff.
	Retry
	// Drop acknowledges the message but records it as poisoned.
	Drop
)

// String returns the wire form of the outcome used by the sidecar protocol.
func (o Outcome) String() string {
	switch o {
	case Retry:
		return "RETRY"
	case Drop:
		return "DROP"
	default:
		return "SUCCESS"
	}
}

// Handler processes a delivered envelope. Delivery is at-least-once; handlers
// must be idempotent.
type Handler func(ctx context.Context, env *events.Envelope) Outcome

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the broker-neutral messaging contract.
type EventBus interface {
	// Publish sends an envelope to a topic. The returned error is either
	// transient (all retries exhausted) or a misconfiguration
	// (ErrComponentNotConfigured); callers on the mutation path log and
	// continue, they never roll back the primary write.
	Publish(ctx context.Context, topic string, env *events.Envelope) error

	// Subscribe registers a handler for a topic.
	Subscribe(topic string, handler Handler) (Subscription, error)

	// Close shuts the bus down.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

// ErrComponentNotConfigured signals that the pub/sub component the code asked
// for does not exist behind the sidecar. Retrying cannot help; the deployment
// is misconfigured.
var ErrComponentNotConfigured = errors.New("pubsub component not configured")

// ComponentNotConfiguredError carries the diagnostic naming the component the
// code requested and the endpoint it used.
type ComponentNotConfiguredError struct {
	Component string
	Endpoint  string
}

func (e *ComponentNotConfiguredError) Error() string {
	return fmt.Sprintf("pubsub component %q not found at %s: configure the sidecar component or set PUBSUB_COMPONENT", e.Component, e.Endpoint)
}

func (e *ComponentNotConfiguredError) Unwrap() error {
	return ErrComponentNotConfigured
}
