// Package identity resolves the user a session acts for.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ldi/claimdeck/pkg/models"
)

// Provider returns the current user id, or ErrNotAuthenticated.
type Provider interface {
	UserID() (string, error)
}

// Static is a settable in-process identity.
type Static struct {
	mu     sync.RWMutex
	userID string
}

func NewStatic(userID string) *Static {
	return &Static{userID: userID}
}

func (s *Static) UserID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userID == "" {
		return "", models.NewError(models.ErrNotAuthenticated, "", "no user signed in")
	}
	return s.userID, nil
}

// Set switches the user. An empty id signs out.
func (s *Static) Set(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = strings.TrimSpace(userID)
}

// Token is an identity backed by a signed bearer token. The user id is the
// token subject.
type Token struct {
	raw    string
	userID string
}

// NewToken parses raw with key and fails if the token is invalid.
func NewToken(raw string, key []byte) (*Token, error) {
	claims, err := ParseToken(raw, key)
	if err != nil {
		return nil, err
	}
	return &Token{raw: raw, userID: claims.Subject}, nil
}

func (t *Token) UserID() (string, error) {
	if t == nil || t.userID == "" {
		return "", models.NewError(models.ErrNotAuthenticated, "", "no token")
	}
	return t.userID, nil
}

// Raw returns the encoded token for use in an Authorization header.
func (t *Token) Raw() string {
	return t.raw
}

// IssueToken signs an HS256 token for userID valid for ttl.
func IssueToken(userID string, key []byte, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        id.String(),
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		NotBefore: jwt.NewNumericDate(now),
		IssuedAt:  jwt.NewNumericDate(now),
	})

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates raw and returns its claims. Failures wrap
// ErrNotAuthenticated.
func ParseToken(raw string, key []byte) (*jwt.RegisteredClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, models.Wrap(models.ErrNotAuthenticated, "", fmt.Errorf("invalid token: %w", err))
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return nil, models.NewError(models.ErrNotAuthenticated, "", "token has no subject")
	}
	return claims, nil
}

// FromToken reads the subject of raw without verifying its signature. The
// server verifies the token on every request; clients only need the user id.
func FromToken(raw string) (*Token, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, models.Wrap(models.ErrNotAuthenticated, "", fmt.Errorf("malformed token: %w", err))
	}
	if claims.Subject == "" {
		return nil, models.NewError(models.ErrNotAuthenticated, "", "token has no subject")
	}
	return &Token{raw: raw, userID: claims.Subject}, nil
}
