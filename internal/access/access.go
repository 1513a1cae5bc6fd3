// Package access verifies admin session tokens presented with API requests.
package access

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrStaleSession means the token is missing, malformed, expired or was
	// issued for another user.
	ErrStaleSession = errors.New("session key is not correct")
	// ErrNotAllowed means the session is valid but lacks the admin capability.
	ErrNotAllowed = errors.New("not allowed")
)

// Claims is the payload of a session token.
type Claims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// Session is the verified caller.
type Session struct {
	UserID string
	Admin  bool
}

// Checker signs and verifies HS256 session tokens.
type Checker struct {
	secret []byte
	now    func() time.Time
}

// NewChecker creates a Checker with the shared secret.
func NewChecker(secret string) (*Checker, error) {
	if secret == "" {
		return nil, errors.New("access: empty session secret")
	}
	return &Checker{secret: []byte(secret), now: time.Now}, nil
}

// Issue creates a token for userID valid for ttl.
func (c *Checker) Issue(userID string, admin bool, ttl time.Duration) (string, error) {
	now := c.now()
	claims := Claims{
		Admin: admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("access: sign token: %w", err)
	}
	return signed, nil
}

// Check verifies token for userID and returns the session.
func (c *Checker) Check(token, userID string) (Session, error) {
	if token == "" {
		return Session{}, ErrStaleSession
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now))
	if err != nil || !parsed.Valid {
		return Session{}, fmt.Errorf("%w: %v", ErrStaleSession, err)
	}
	if userID != "" && claims.Subject != userID {
		return Session{}, fmt.Errorf("%w: subject mismatch", ErrStaleSession)
	}
	return Session{UserID: claims.Subject, Admin: claims.Admin}, nil
}

// RequireAdmin verifies token and rejects non-admin sessions.
func (c *Checker) RequireAdmin(token, userID string) (Session, error) {
	s, err := c.Check(token, userID)
	if err != nil {
		return Session{}, err
	}
	if !s.Admin {
		return Session{}, ErrNotAllowed
	}
	return s, nil
}
