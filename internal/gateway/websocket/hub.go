// Package websocket provides the realtime fanout: every task delta reaches
// every open session of the task's owner, and nobody else's.
package websocket

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/common/logger"
)

// Hub manages all WebSocket client connections, indexed by user.
type Hub struct {
	// sessions maps each user to their open connections. A user with three
	// tabs open has three entries here.
	sessions map[uuid.UUID]map[*Client]bool

	mu     sync.RWMutex
	closed bool
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]map[*Client]bool),
		logger:   log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Register adds a client to its user's session set.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(client.send)
		return
	}
	if h.sessions[client.UserID] == nil {
		h.sessions[client.UserID] = make(map[*Client]bool)
	}
	h.sessions[client.UserID][client] = true
	h.logger.Debug("session registered",
		zap.String("user_id", client.UserID.String()),
		zap.Int("sessions", len(h.sessions[client.UserID])))
}

// Unregister removes a client. Safe to call more than once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.sessions[client.UserID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.sessions, client.UserID)
	}
	close(client.send)
	h.logger.Debug("session unregistered", zap.String("user_id", client.UserID.String()))
}

// BroadcastToUser sends the message to every open session of one user. A
// session whose outbound buffer is full is closed instead of blocking the
// fanout: a client that cannot keep up reconnects and refetches.
func (h *Hub) BroadcastToUser(userID uuid.UUID, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var slow []*Client
	for client := range h.sessions[userID] {
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		h.logger.Warn("closing slow session",
			zap.String("user_id", userID.String()))
		h.removeLocked(client)
	}
}

// SessionCount reports the user's open session count.
func (h *Hub) SessionCount(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// Close disconnects every session and refuses new registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, clients := range h.sessions {
		for client := range clients {
			close(client.send)
		}
	}
	h.sessions = make(map[uuid.UUID]map[*Client]bool)
	h.logger.Info("websocket hub closed")
}
