package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// contextUserKey is the gin context key holding the authenticated user id.
const contextUserKey = "auth_user_id"

// Middleware authenticates the request from the Authorization header and
// stores the user id on the context. Requests without a valid token get 401.
func Middleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		userID, err := a.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(contextUserKey, userID)
		c.Next()
	}
}

// UserID returns the authenticated user stored by Middleware.
func UserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(contextUserKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}

// WebsocketToken extracts a token from a websocket upgrade request. Browsers
// cannot set an Authorization header on upgrades, so the token arrives either
// as a query parameter or smuggled through the subprotocol list as
// "bearer, <token>".
func WebsocketToken(r *http.Request) (string, bool) {
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	parts := strings.Split(protocols, ",")
	for i, part := range parts {
		if strings.TrimSpace(part) == "bearer" && i+1 < len(parts) {
			return strings.TrimSpace(parts[i+1]), true
		}
	}
	return "", false
}
