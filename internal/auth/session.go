// Package auth holds the access credential of an agent session and owns its
// refresh. Concurrent callers that hit an expired token share one refresh.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"inboxsync/internal/clock"
)

// ErrSessionExpired means the credential could not be refreshed. The session
// is unusable afterwards and the user has to log in again.
var ErrSessionExpired = errors.New("session expired")

// Refresher exchanges the refresh credential for a new access token.
type Refresher interface {
	RefreshAccessToken(ctx context.Context) (string, error)
}

// Session is the current access credential.
type Session struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	expired   bool
	onFatal   []func(error)

	refresher Refresher
	clock     clock.Clock
	group     singleflight.Group
}

// NewSession wraps token. refresher may be nil for sessions that cannot be
// renewed, such as anonymous visitors.
func NewSession(token string, refresher Refresher, clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Session{refresher: refresher, clock: clk}
	s.setToken(token)
	return s
}

// Token returns the current access token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// ExpiresAt is the token's exp claim, zero when unknown.
func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}

// Expired reports whether a refresh has failed.
func (s *Session) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expired
}

// CanRefresh reports whether a refresh can be attempted.
func (s *Session) CanRefresh() bool {
	return s.refresher != nil && !s.Expired()
}

// OnFatal registers fn to run once when the session expires for good.
func (s *Session) OnFatal(fn func(error)) {
	s.mu.Lock()
	s.onFatal = append(s.onFatal, fn)
	s.mu.Unlock()
}

func (s *Session) setToken(token string) {
	exp, _ := TokenExpiry(token)
	s.mu.Lock()
	s.token = token
	s.expiresAt = exp
	s.mu.Unlock()
}

// NeedsRefresh reports whether the token expires within skew. Tokens without
// a readable exp claim never need a proactive refresh.
func (s *Session) NeedsRefresh(skew time.Duration) bool {
	exp := s.ExpiresAt()
	if exp.IsZero() {
		return false
	}
	return !s.clock.Now().Add(skew).Before(exp)
}

// EnsureFresh refreshes ahead of expiry and returns the token to use.
func (s *Session) EnsureFresh(ctx context.Context, skew time.Duration) (string, error) {
	if s.CanRefresh() && s.NeedsRefresh(skew) {
		return s.Refresh(ctx)
	}
	return s.Token(), nil
}

// Refresh obtains a new access token. Concurrent calls share a single
// request. A failure expires the session and fires the OnFatal hooks.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	if s.Expired() {
		return "", ErrSessionExpired
	}
	if s.refresher == nil {
		return "", fmt.Errorf("%w: no refresh credential", ErrSessionExpired)
	}
	v, err, shared := s.group.Do("refresh", func() (interface{}, error) {
		token, err := s.refresher.RefreshAccessToken(ctx)
		if err != nil {
			return "", err
		}
		if token == "" {
			return "", errors.New("refresh returned an empty access token")
		}
		s.setToken(token)
		return token, nil
	})
	if err != nil {
		s.expire(err)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	log.Debug().Bool("shared", shared).Time("expiresAt", s.ExpiresAt()).Msg("Access token refreshed")
	return v.(string), nil
}

func (s *Session) expire(cause error) {
	s.mu.Lock()
	if s.expired {
		s.mu.Unlock()
		return
	}
	s.expired = true
	hooks := append([]func(error){}, s.onFatal...)
	s.mu.Unlock()

	log.Error().Err(cause).Msg("Session expired, refresh failed")
	for _, fn := range hooks {
		fn(cause)
	}
}

// TokenExpiry reads the exp claim without verifying the signature. The
// backend verifies; the client only needs to know when to refresh.
func TokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
