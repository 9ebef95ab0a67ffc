package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockAuth struct {
	mock.Mock
}

func (m *mockAuth) Login(ctx context.Context, email, password string) (string, error) {
	args := m.Called(email, password)
	return args.String(0), args.Error(1)
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestSessionRenewsAfterTTL(t *testing.T) {
	auth := &mockAuth{}
	auth.On("Login", "me@example.com", "pw").Return("tok-1", nil).Once()
	auth.On("Login", "me@example.com", "pw").Return("tok-2", nil).Once()

	clk := &stepClock{t: time.Date(2024, 1, 10, 23, 59, 30, 0, time.UTC)}
	s := NewSession(auth, "me@example.com", "pw", time.Hour, WithSessionClock(clk.Now))

	tok, err := s.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)

	clk.Advance(30 * time.Minute)
	tok, err = s.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok, "token within ttl is reused")

	clk.Advance(31 * time.Minute)
	tok, err = s.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-2", tok)
	require.Equal(t, uint64(2), s.Renewals())
	auth.AssertExpectations(t)
}

func TestSessionInvalidate(t *testing.T) {
	auth := &mockAuth{}
	auth.On("Login", "a", "b").Return("tok", nil).Twice()
	s := NewSession(auth, "a", "b", 0)

	_, err := s.Token(context.Background())
	require.NoError(t, err)
	s.Invalidate()
	_, err = s.Token(context.Background())
	require.NoError(t, err)
	auth.AssertNumberOfCalls(t, "Login", 2)
}

func TestSessionLoginFailure(t *testing.T) {
	auth := &mockAuth{}
	boom := errors.New("boom")
	auth.On("Login", "a", "b").Return("", boom)
	s := NewSession(auth, "a", "b", 0)

	_, err := s.Renew(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, uint64(0), s.Renewals())
}

func TestSessionWithoutCredentials(t *testing.T) {
	s := NewSession(&mockAuth{}, "", "", 0)
	_, err := s.Token(context.Background())
	require.Error(t, err)
}
