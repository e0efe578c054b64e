package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/todoflow/todoflow/internal/common/config"
)

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(config.AuthConfig{
		JWTSigningKey: "test-signing-key",
		TokenDuration: 3600,
	})
}

func TestIssueAndVerifyToken(t *testing.T) {
	a := newTestAuthenticator()
	userID := uuid.New()

	token, err := a.IssueToken(userID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := a.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestVerifyToken_WrongKey(t *testing.T) {
	a := newTestAuthenticator()
	other := NewAuthenticator(config.AuthConfig{
		JWTSigningKey: "different-key",
		TokenDuration: 3600,
	})

	token, err := other.IssueToken(uuid.New())
	require.NoError(t, err)

	_, err = a.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyToken_Expired(t *testing.T) {
	a := NewAuthenticator(config.AuthConfig{
		JWTSigningKey: "test-signing-key",
		TokenDuration: -60,
	})

	token, err := a.IssueToken(uuid.New())
	require.NoError(t, err)

	_, err = a.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyToken_Garbage(t *testing.T) {
	a := newTestAuthenticator()
	_, err := a.VerifyToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	token, ok := BearerToken("Bearer abc123")
	assert.True(t, ok)
	assert.Equal(t, "abc123", token)

	_, ok = BearerToken("Basic abc123")
	assert.False(t, ok)

	_, ok = BearerToken("")
	assert.False(t, ok)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := newTestAuthenticator()
	userID := uuid.New()
	token, err := a.IssueToken(userID)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/probe", Middleware(a), func(c *gin.Context) {
		got, ok := UserID(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"user_id": got.String()})
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), userID.String())
	})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		req.Header.Set("Authorization", "Bearer nonsense")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestWebsocketToken(t *testing.T) {
	t.Run("query parameter", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws?token=abc123", nil)
		token, ok := WebsocketToken(r)
		assert.True(t, ok)
		assert.Equal(t, "abc123", token)
	})

	t.Run("subprotocol", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Header.Set("Sec-WebSocket-Protocol", "bearer, abc123")
		token, ok := WebsocketToken(r)
		assert.True(t, ok)
		assert.Equal(t, "abc123", token)
	})

	t.Run("absent", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		_, ok := WebsocketToken(r)
		assert.False(t, ok)
	})
}
