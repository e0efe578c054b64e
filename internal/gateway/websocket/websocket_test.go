package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/todoflow/todoflow/internal/auth"
	"github.com/todoflow/todoflow/internal/common/config"
	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events"
	"github.com/todoflow/todoflow/internal/events/bus"
)

type fanoutFixture struct {
	server        *httptest.Server
	hub           *Hub
	eventBus      *bus.MemoryEventBus
	authenticator *auth.Authenticator
}

func newFanoutFixture(t *testing.T) *fanoutFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	hub := NewHub(log)
	t.Cleanup(hub.Close)

	fanout := NewFanout(hub, log)
	require.NoError(t, fanout.Start(eventBus))
	t.Cleanup(fanout.Stop)

	authenticator := auth.NewAuthenticator(config.AuthConfig{
		JWTSigningKey: "test-signing-key",
		TokenDuration: 3600,
	})

	router := gin.New()
	NewHandler(hub, authenticator, 64, log).RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &fanoutFixture{
		server:        server,
		hub:           hub,
		eventBus:      eventBus,
		authenticator: authenticator,
	}
}

func (f *fanoutFixture) dial(t *testing.T, userID uuid.UUID) *websocket.Conn {
	t.Helper()
	token, err := f.authenticator.IssueToken(userID)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Wait for the hub to register the session.
	deadline := time.Now().Add(time.Second)
	for f.hub.SessionCount(userID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func (f *fanoutFixture) publishUpdate(t *testing.T, userID uuid.UUID) *events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(events.TaskUpdated, userID, uuid.New(),
		events.TaskEventPayload{ChangedFields: []string{"title"}})
	require.NoError(t, err)
	require.NoError(t, f.eventBus.Publish(context.Background(), events.TopicTaskUpdates, env))
	return env
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *events.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env events.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return &env
}

func TestFanout_AllSessionsOfUserReceiveDelta(t *testing.T) {
	f := newFanoutFixture(t)
	userA := uuid.New()
	userB := uuid.New()

	// User A has three concurrent sessions, user B has one.
	conns := []*websocket.Conn{f.dial(t, userA), f.dial(t, userA), f.dial(t, userA)}
	connB := f.dial(t, userB)

	published := f.publishUpdate(t, userA)

	for i, conn := range conns {
		env := readEnvelope(t, conn)
		assert.Equal(t, published.EventID, env.EventID, "session %d", i)
		assert.Equal(t, events.TaskUpdated, env.EventType)
	}

	// User B's session stays silent.
	require.NoError(t, connB.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := connB.ReadMessage()
	assert.Error(t, err, "other user's session must not receive the delta")
}

func TestFanout_FramesAreEnvelopes(t *testing.T) {
	f := newFanoutFixture(t)
	userID := uuid.New()
	conn := f.dial(t, userID)

	published := f.publishUpdate(t, userID)
	env := readEnvelope(t, conn)

	assert.Equal(t, published.EventID, env.EventID)
	assert.Equal(t, published.UserID, env.UserID)
	assert.Equal(t, published.TaskID, env.TaskID)
	require.NoError(t, env.Validate())
}

func TestHandler_RejectsMissingToken(t *testing.T) {
	f := newFanoutFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestHandler_RejectsBadToken(t *testing.T) {
	f := newFanoutFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestHub_SlowSessionIsClosed(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	hub := NewHub(log)
	defer hub.Close()

	userID := uuid.New()
	// A client with a tiny buffer and no write pump stands in for a stalled
	// connection.
	client := &Client{
		UserID: userID,
		hub:    hub,
		send:   make(chan []byte, 1),
		logger: log,
	}
	hub.Register(client)
	require.Equal(t, 1, hub.SessionCount(userID))

	hub.BroadcastToUser(userID, map[string]string{"n": "1"})
	hub.BroadcastToUser(userID, map[string]string{"n": "2"})

	assert.Equal(t, 0, hub.SessionCount(userID), "stalled session evicted instead of blocking the fanout")

	_, open := <-client.send
	// First frame is still readable, then the channel is closed.
	assert.True(t, open)
	_, open = <-client.send
	assert.False(t, open)
}

func TestHub_UnregisterTwiceIsSafe(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)

	hub := NewHub(log)
	defer hub.Close()

	client := &Client{UserID: uuid.New(), hub: hub, send: make(chan []byte, 1), logger: log}
	hub.Register(client)
	hub.Unregister(client)
	hub.Unregister(client)
}
