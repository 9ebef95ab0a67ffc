package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookbot/internal/api"
	"bookbot/internal/eventbus"
	"bookbot/internal/pipeline"
)

// fakeClock advances instantly on After. Waits longer than blockOver never
// fire, which lets a test hold the loop in a long sleep.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	blockOver time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	if c.blockOver > 0 && d > c.blockOver {
		return ch
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	ch <- c.now
	c.mu.Unlock()
	return ch
}

type fakeSession struct {
	mu          sync.Mutex
	tokens      int
	renewals    int
	invalidated int
	loginErr    error
	onRenew     func(n int) error
}

func (f *fakeSession) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens++
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return "tok", nil
}

func (f *fakeSession) Renew(context.Context) (string, error) {
	f.mu.Lock()
	f.renewals++
	n := f.renewals
	hook := f.onRenew
	f.mu.Unlock()
	if hook != nil {
		if err := hook(n); err != nil {
			return "", err
		}
	}
	return "tok", nil
}

func (f *fakeSession) Invalidate() {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

type fakeRunner struct {
	mu     sync.Mutex
	cycles []pipeline.Cycle
	fn     func(n int, c pipeline.Cycle) error
}

func (f *fakeRunner) RunCycle(_ context.Context, c pipeline.Cycle) (pipeline.Stats, error) {
	f.mu.Lock()
	f.cycles = append(f.cycles, c)
	n := len(f.cycles)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return pipeline.Stats{}, fn(n, c)
	}
	return pipeline.Stats{}, nil
}

func (f *fakeRunner) times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, 0, len(f.cycles))
	for _, c := range f.cycles {
		out = append(out, c.Now)
	}
	return out
}

func newTestScheduler(t *testing.T, cfg Config, clock Clock, sess *fakeSession, run *fakeRunner, opts ...Option) *Scheduler {
	t.Helper()
	if cfg.Window == nil {
		w, err := NewWindow("", cet, DefaultOpenBefore, DefaultCloseAfter)
		require.NoError(t, err)
		cfg.Window = w
	}
	s, err := New(cfg, sess, run, append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return s
}

func TestRunPollsOnlyInsideWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	clock := &fakeClock{now: at(9, 12, 0, 0)}
	sess := &fakeSession{onRenew: func(n int) error {
		if n == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}}
	run := &fakeRunner{}
	s := newTestScheduler(t, Config{PollInterval: 30 * time.Second}, clock, sess, run, WithBus(bus))

	err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	var got []string
	for _, ts := range run.times() {
		got = append(got, ts.Format("02 15:04:05"))
	}
	assert.Equal(t, []string{
		"09 23:59:00", "09 23:59:30", "10 00:00:00",
		"10 00:00:30", "10 00:01:00", "10 00:01:30",
	}, got)
	assert.Equal(t, 2, sess.renewals)

	var states []string
	for len(events) > 0 {
		ev := (<-events).Data.(StateEvent)
		states = append(states, string(ev.To))
	}
	assert.Equal(t, []string{"quiescent", "active", "quiescent"}, states)
	assert.Equal(t, uint64(6), s.Status().Cycles)
	assert.Equal(t, uint64(1), s.Status().Renewals)
}

func TestForceActiveNeverSleeps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{now: at(9, 12, 0, 0)}
	sess := &fakeSession{}
	run := &fakeRunner{fn: func(n int, _ pipeline.Cycle) error {
		if n == 3 {
			cancel()
		}
		return nil
	}}
	s := newTestScheduler(t, Config{ForceActive: true}, clock, sess, run)

	require.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.Len(t, run.times(), 3)
	assert.Equal(t, 0, sess.renewals)
	assert.Equal(t, StateActive, s.Status().State)

	ids := map[string]bool{}
	for _, c := range run.cycles {
		assert.Equal(t, "tok", c.Token)
		ids[c.ID] = true
	}
	assert.Len(t, ids, 3)
}

func TestUnauthorizedInvalidatesSession(t *testing.T) {
	clock := &fakeClock{now: at(9, 23, 59, 30)}
	sess := &fakeSession{}
	run := &fakeRunner{fn: func(int, pipeline.Cycle) error {
		return fmt.Errorf("claim 1: %w", &api.StatusError{Op: "claim", Status: 401})
	}}
	s := newTestScheduler(t, Config{}, clock, sess, run)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrUnauthorized)
	assert.Equal(t, 1, sess.invalidated)
	assert.Contains(t, s.Status().LastError, "cycle ")
}

func TestLoginFailureIsFatal(t *testing.T) {
	clock := &fakeClock{now: at(9, 12, 0, 0)}
	sess := &fakeSession{loginErr: errors.New("bad credentials")}
	s := newTestScheduler(t, Config{}, clock, sess, &fakeRunner{})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login: bad credentials")
}

func TestRenewalFailureIsFatal(t *testing.T) {
	clock := &fakeClock{now: at(9, 12, 0, 0)}
	sess := &fakeSession{onRenew: func(int) error { return errors.New("503") }}
	run := &fakeRunner{}
	s := newTestScheduler(t, Config{}, clock, sess, run)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login: 503")
	assert.Empty(t, run.times())
}

func TestApplyWakesQuiescentLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{now: at(9, 12, 0, 0), blockOver: time.Hour}
	run := &fakeRunner{fn: func(int, pipeline.Cycle) error {
		cancel()
		return nil
	}}
	s := newTestScheduler(t, Config{}, clock, &fakeSession{}, run)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Status().State == StateQuiescent }, 2*time.Second, time.Millisecond)
	require.NoError(t, s.Apply(Config{Window: s.config().Window, ForceActive: true}))

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not wake up")
	}
	assert.Len(t, run.times(), 1)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{}, nil, &fakeRunner{})
	require.Error(t, err)
	_, err = New(Config{Lead: -time.Second}, &fakeSession{}, &fakeRunner{})
	require.Error(t, err)
}
