package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events"
)

const (
	// SidecarPortEnv is re-read on every publish. Sidecars are restarted and
	// reassigned ports at any time; caching the port at startup causes silent
	// publish failures.
	SidecarPortEnv = "SIDECAR_HTTP_PORT"

	// perAttemptTimeout bounds each HTTP call to the sidecar.
	perAttemptTimeout = 10 * time.Second

	// handlerDeadline bounds processing of one delivered message; on expiry
	// the message goes back to the broker for redelivery.
	handlerDeadline = 30 * time.Second
)

// notFoundSignatures identify the sidecar's "component not found" 404 body.
var notFoundSignatures = []string{"ERR_PUBSUB_NOT_FOUND", "component not found"}

// SubscriptionEntry is one row of the subscription advertisement served at
// GET /subscriptions. The sidecar reads this table at startup.
type SubscriptionEntry struct {
	PubSubComponent string `json:"pubsub_component"`
	Topic           string `json:"topic"`
	Route           string `json:"route"`
}

// SidecarBus implements EventBus over an HTTP pub/sub sidecar. Publishes go
// to POST http://localhost:<port>/publish/<component>/<topic>; subscriptions
// are advertised at GET /subscriptions and delivered by POST to per-topic
// routes whose response body selects SUCCESS, RETRY, or DROP.
type SidecarBus struct {
	component   string
	defaultPort int
	client      *http.Client
	logger      *logger.Logger

	mu     sync.RWMutex
	subs   []*sidecarSubscription
	closed bool

	backoff []time.Duration
}

type sidecarSubscription struct {
	bus     *SidecarBus
	topic   string
	route   string
	handler Handler
	active  bool
	mu      sync.Mutex
}

// NewSidecarBus creates a sidecar-backed event bus for the named pub/sub
// component. The component name is configuration so the broker behind the
// sidecar can be swapped without code changes.
func NewSidecarBus(component string, defaultPort int, log *logger.Logger) *SidecarBus {
	return &SidecarBus{
		component:   component,
		defaultPort: defaultPort,
		client:      &http.Client{},
		logger:      log.WithFields(zap.String("component", "sidecar_bus")),
		backoff:     []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
	}
}

// SetBackoff overrides the retry schedule. Intended for tests.
func (b *SidecarBus) SetBackoff(schedule []time.Duration) {
	b.backoff = schedule
}

// port resolves the sidecar HTTP port from the environment, falling back to
// the configured default. Called on every publish attempt, never cached.
func (b *SidecarBus) port() string {
	if v := os.Getenv(SidecarPortEnv); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			return v
		}
		b.logger.Warn("ignoring non-numeric "+SidecarPortEnv, zap.String("value", v))
	}
	return strconv.Itoa(b.defaultPort)
}

// Publish sends the envelope to the sidecar, retrying transient failures with
// exponential backoff. A "component not found" 404 is a deployment
// misconfiguration: it is not retried and the returned error names the
// requested component and the endpoint used.
func (b *SidecarBus) Publish(ctx context.Context, topic string, env *events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		endpoint := fmt.Sprintf("http://localhost:%s/publish/%s/%s", b.port(), b.component, topic)

		err := b.post(ctx, endpoint, data)
		if err == nil {
			b.logger.Debug("published event",
				zap.String("topic", topic),
				zap.String("event_id", env.EventID),
				zap.String("event_type", env.EventType))
			return nil
		}
		if errors.Is(err, ErrComponentNotConfigured) {
			b.logger.Error("pubsub not configured, dropping publish",
				zap.String("topic", topic),
				zap.String("event_type", env.EventType),
				zap.Error(err))
			return err
		}
		lastErr = err

		if attempt >= len(b.backoff) {
			break
		}
		select {
		case <-time.After(b.backoff[attempt]):
		case <-ctx.Done():
			return fmt.Errorf("publish to %s cancelled: %w", topic, ctx.Err())
		}
	}
	return fmt.Errorf("publish to %s failed after %d attempts: %w", topic, len(b.backoff)+1, lastErr)
}

func (b *SidecarBus) post(ctx context.Context, endpoint string, body []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar unreachable at %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound && containsNotFoundSignature(string(respBody)) {
		return &ComponentNotConfiguredError{Component: b.component, Endpoint: endpoint}
	}
	return fmt.Errorf("sidecar returned %d for %s: %s", resp.StatusCode, endpoint, strings.TrimSpace(string(respBody)))
}

func containsNotFoundSignature(body string) bool {
	for _, sig := range notFoundSignatures {
		if strings.Contains(strings.ToLower(body), strings.ToLower(sig)) {
			return true
		}
	}
	return false
}

// Subscribe records a handler for a topic. The subscription becomes live once
// RegisterRoutes has exposed the delivery route to the sidecar; subscribe
// during startup, before the HTTP server starts.
func (b *SidecarBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &sidecarSubscription{
		bus:     b,
		topic:   topic,
		route:   "/events/" + topic,
		handler: handler,
		active:  true,
	}
	b.subs = append(b.subs, sub)

	b.logger.Info("subscribed to topic",
		zap.String("topic", topic),
		zap.String("route", sub.route))
	return sub, nil
}

// Subscriptions returns the advertisement table for GET /subscriptions.
func (b *SidecarBus) Subscriptions() []SubscriptionEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := make([]SubscriptionEntry, 0, len(b.subs))
	seen := make(map[string]bool, len(b.subs))
	for _, sub := range b.subs {
		if seen[sub.route] {
			continue
		}
		seen[sub.route] = true
		entries = append(entries, SubscriptionEntry{
			PubSubComponent: b.component,
			Topic:           sub.topic,
			Route:           sub.route,
		})
	}
	return entries
}

// RegisterRoutes exposes the subscription advertisement and the per-topic
// delivery routes on the given router.
func (b *SidecarBus) RegisterRoutes(router gin.IRouter) {
	router.GET("/subscriptions", func(c *gin.Context) {
		c.JSON(http.StatusOK, b.Subscriptions())
	})

	b.mu.RLock()
	defer b.mu.RUnlock()
	registered := make(map[string]bool, len(b.subs))
	for _, sub := range b.subs {
		if registered[sub.route] {
			continue
		}
		registered[sub.route] = true
		router.POST(sub.route, b.deliveryHandler(sub.topic))
	}
}

// deliveryHandler processes one inbound event POST from the sidecar and maps
// the handler outcome onto the response body.
func (b *SidecarBus) deliveryHandler(topic string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var env events.Envelope
		if err := c.ShouldBindJSON(&env); err != nil {
			b.logger.Warn("dropping malformed envelope",
				zap.String("topic", topic),
				zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"status": Drop.String()})
			return
		}

		outcome := b.dispatch(c.Request.Context(), topic, &env)
		c.JSON(http.StatusOK, gin.H{"status": outcome.String()})
	}
}

// dispatch runs every active handler for the topic under the per-message
// deadline. The strictest outcome wins: any Retry forces redelivery, any Drop
// outweighs Ack.
func (b *SidecarBus) dispatch(ctx context.Context, topic string, env *events.Envelope) Outcome {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return Retry
	}
	handlers := make([]Handler, 0, 1)
	for _, sub := range b.subs {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if active && sub.topic == topic {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return Retry
	}

	msgCtx, cancel := context.WithTimeout(ctx, handlerDeadline)
	defer cancel()

	result := Ack
	for _, handler := range handlers {
		switch handler(msgCtx, env) {
		case Retry:
			return Retry
		case Drop:
			result = Drop
		}
	}
	return result
}

func (s *sidecarSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	return nil
}

func (s *sidecarSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close marks the bus closed; in-flight deliveries answer RETRY so the
// sidecar redelivers after restart.
func (b *SidecarBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.logger.Info("sidecar event bus closed")
}

// IsConnected probes the sidecar health endpoint.
func (b *SidecarBus) IsConnected() bool {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://localhost:%s/healthz", b.port()), nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}
