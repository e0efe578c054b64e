package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/auth"
	"github.com/todoflow/todoflow/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin enforcement is the reverse proxy's job in this deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades authenticated requests into fanout sessions.
type Handler struct {
	hub           *Hub
	authenticator *auth.Authenticator
	sendBuffer    int
	logger        *logger.Logger
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(hub *Hub, authenticator *auth.Authenticator, sendBuffer int, log *logger.Logger) *Handler {
	return &Handler{
		hub:           hub,
		authenticator: authenticator,
		sendBuffer:    sendBuffer,
		logger:        log.WithFields(zap.String("component", "ws_handler")),
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws", h.serveWS)
}

// serveWS authenticates the upgrade request and starts the session pumps.
// The token arrives via query parameter or subprotocol, never a header.
func (h *Handler) serveWS(c *gin.Context) {
	token, ok := auth.WebsocketToken(c.Request)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	userID, err := h.authenticator.VerifyToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(userID, conn, h.hub, h.sendBuffer, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}
