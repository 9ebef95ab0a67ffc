package api

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "bookbot/pkg/logx"
)

// DefaultSessionTTL is how long a token is trusted before renewal. Tokens are
// valid for about a day.
const DefaultSessionTTL = 23 * time.Hour

type Authenticator interface {
	Login(ctx context.Context, email, password string) (string, error)
}

// Session holds the current token and renews it on demand.
type Session struct {
	auth     Authenticator
	email    string
	password string
	ttl      time.Duration
	now      func() time.Time
	log      logx.Logger

	mu       sync.Mutex
	token    string
	issuedAt time.Time
	renewals uint64
}

type SessionOption func(*Session)

func WithSessionClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSessionLogger(log logx.Logger) SessionOption {
	return func(s *Session) { s.log = log }
}

func NewSession(auth Authenticator, email, password string, ttl time.Duration, opts ...SessionOption) *Session {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	s := &Session{auth: auth, email: email, password: password, ttl: ttl, now: time.Now, log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Token returns a valid token, logging in first if none is held or the held
// one is older than the TTL.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Sub(s.issuedAt) < s.ttl {
		return s.token, nil
	}
	return s.renewLocked(ctx)
}

// Renew logs in unconditionally.
func (s *Session) Renew(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewLocked(ctx)
}

// Invalidate drops the held token so the next Token call logs in again.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.issuedAt = time.Time{}
	s.mu.Unlock()
}

// Renewals returns the number of successful logins.
func (s *Session) Renewals() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewals
}

func (s *Session) renewLocked(ctx context.Context) (string, error) {
	if s.email == "" || s.password == "" {
		return "", errors.New("session: credentials are not configured")
	}
	tok, err := s.auth.Login(ctx, s.email, s.password)
	if err != nil {
		s.token = ""
		return "", err
	}
	s.token = tok
	s.issuedAt = s.now()
	s.renewals++
	s.log.Info("session renewed", logx.Time("issued_at", s.issuedAt), logx.Duration("ttl", s.ttl))
	return tok, nil
}
