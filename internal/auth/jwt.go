// Package auth provides JWT authentication for the AgentMux API.
//
// Tokens are HMAC-SHA256 signed. The control surface and the WebSocket
// upgrade accept a token in the Authorization header ("Bearer <token>") or,
// for browser WebSocket dials that cannot set headers, in a "token" query
// parameter. Authentication is optional: with no configured secret the API
// trusts the user ids supplied in requests.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers expired, malformed, and badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingToken means the request carried no token at all.
	ErrMissingToken = errors.New("missing token")
)

// Claims are the JWT claims AgentMux issues.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	// Manager grants the queue manage capability (cancel/reorder any
	// prompt).
	Manager bool `json:"manager,omitempty"`
	jwt.RegisteredClaims
}

// Config holds JWT settings.
type Config struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration
}

// Manager issues and verifies tokens.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewManager creates a token manager. The secret must be non-empty.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "agentmux-api"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &Manager{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.TokenTTL,
	}, nil
}

// GenerateToken signs a token for a user.
func (m *Manager) GenerateToken(userID, name, email string, manager bool) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:  userID,
		Name:    name,
		Email:   email,
		Manager: manager,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// VerifyToken parses and validates a token string. The signing algorithm is
// pinned to HMAC to block algorithm substitution.
func (m *Manager) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRequest extracts and validates the token carried by an HTTP request.
func (m *Manager) VerifyRequest(r *http.Request) (*Claims, error) {
	tokenString := ""
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		tokenString = strings.TrimPrefix(header, "Bearer ")
	} else if q := r.URL.Query().Get("token"); q != "" {
		tokenString = q
	}
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	return m.VerifyToken(tokenString)
}
