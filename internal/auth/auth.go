// Package auth issues and verifies the bearer tokens that scope every task
// operation and websocket session to a user.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/todoflow/todoflow/internal/common/config"
)

var (
	// ErrInvalidToken covers expired, malformed, and badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims carried by a Todoflow token. The subject is the
// user's canonical identifier.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator signs and verifies HMAC tokens.
type Authenticator struct {
	signingKey []byte
	duration   time.Duration
}

// NewAuthenticator creates an authenticator from config.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		signingKey: []byte(cfg.JWTSigningKey),
		duration:   cfg.TokenDurationTime(),
	}
}

// IssueToken creates a signed token for the user.
func (a *Authenticator) IssueToken(userID uuid.UUID) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.duration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates the token signature and expiry and returns the user
// it was issued to.
func (a *Authenticator) VerifyToken(tokenString string) (uuid.UUID, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.signingKey, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return userID, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):], true
	}
	return "", false
}
