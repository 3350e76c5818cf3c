// Package auth supplies bearer credentials to the remote adapters and
// detects sessions that need the user to sign in again.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kimhsiao/fieldsync/internal/errors"
)

// ErrReauthRequired means no usable credential is available until the user signs in.
var ErrReauthRequired = errors.New(errors.ErrSyncAuthFailed, "sync paused, please sign in again")

// TokenSource supplies the bearer credential for API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential.
type StaticToken string

// Token returns the fixed credential, or ErrReauthRequired when empty.
func (s StaticToken) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrReauthRequired
	}
	return string(s), nil
}

// Session holds the credential handed over by the platform's sign-in flow.
type Session struct {
	mu    sync.RWMutex
	token string
	now   func() time.Time
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionClock replaces the wall clock, for tests.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// NewSession creates a session with an optional initial token.
func NewSession(token string, opts ...SessionOption) *Session {
	s := &Session{token: token, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Set replaces the credential after a successful sign-in.
func (s *Session) Set(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Clear drops the credential on sign-out.
func (s *Session) Clear() {
	s.Set("")
}

// Token returns the current credential. An empty or expired credential
// yields ErrReauthRequired.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()

	if token == "" || s.expired(token) {
		return "", ErrReauthRequired
	}
	return token, nil
}

// Expired reports whether the credential is missing or past its exp claim.
func (s *Session) Expired() bool {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	return token == "" || s.expired(token)
}

func (s *Session) expired(token string) bool {
	exp, ok := ExpiresAt(token)
	return ok && !s.now().Before(exp)
}

// ExpiresAt returns the exp claim of a JWT without verifying its signature.
// The device cannot verify server signatures, it only needs to know when to
// stop sending the token. Opaque tokens report ok=false.
func ExpiresAt(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Ensure token sources implement the interface at compile time.
var (
	_ TokenSource = StaticToken("")
	_ TokenSource = (*Session)(nil)
)
