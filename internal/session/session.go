package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/orrn/printconsole/internal/core"
)

var ErrNoToken = errors.New("no backend token configured")

// Session owns the bearer token the console presents to the backend. The
// token is issued elsewhere; the session only reads its expiry so it can stop
// using it before the backend starts rejecting requests.
type Session struct {
	clock clockwork.Clock

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	err       error
	done      chan struct{}
}

func New(token string, clock clockwork.Clock) (*Session, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Session{
		clock: clock,
		done:  make(chan struct{}),
	}
	if err := s.SetToken(token); err != nil {
		return nil, err
	}
	return s, nil
}

// SetToken replaces the token. Opaque (non-JWT) tokens are accepted and never
// expire locally.
func (s *Session) SetToken(token string) error {
	if token == "" {
		return ErrNoToken
	}

	var expiresAt time.Time
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if claims.ExpiresAt != nil {
			expiresAt = claims.ExpiresAt.Time
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return fmt.Errorf("session already ended: %w", s.err)
	}
	s.token = token
	s.expiresAt = expiresAt
	return nil
}

// Token returns the current token or ErrAuthExpired once the session has
// ended or the token's exp claim has passed.
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	token, expiresAt, err := s.token, s.expiresAt, s.err
	s.mu.RUnlock()

	if err != nil {
		return "", err
	}
	if !expiresAt.IsZero() && !s.clock.Now().Before(expiresAt) {
		s.Invalidate(fmt.Errorf("%w: token expired at %s", core.ErrAuthExpired, expiresAt.Format(time.RFC3339)))
		return "", s.Err()
	}
	return token, nil
}

// Invalidate ends the session. The first cause wins.
func (s *Session) Invalidate(cause error) {
	if cause == nil {
		cause = core.ErrAuthExpired
	}
	if !errors.Is(cause, core.ErrAuthExpired) {
		cause = fmt.Errorf("%w: %v", core.ErrAuthExpired, cause)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = cause
	close(s.done)
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *Session) Authenticated() bool {
	_, err := s.Token()
	return err == nil
}

func (s *Session) ExpiresAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt
}
