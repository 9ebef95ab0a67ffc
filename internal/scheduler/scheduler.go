package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"bookbot/internal/api"
	"bookbot/internal/eventbus"
	"bookbot/internal/pipeline"
	logx "bookbot/pkg/logx"
)

// State of the loop.
type State string

const (
	StateIdle      State = "idle"
	StateActive    State = "active"
	StateQuiescent State = "quiescent"
)

// EventState is published on every state change with a StateEvent.
const EventState = "scheduler.state"

type StateEvent struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
	NextOpen time.Time `json:"next_open,omitempty"`
}

// Defaults applied by New and Apply.
const (
	DefaultOpenBefore   = time.Minute
	DefaultCloseAfter   = 2 * time.Minute
	DefaultLead         = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Session supplies tokens. *api.Session implements it.
type Session interface {
	Token(ctx context.Context) (string, error)
	Renew(ctx context.Context) (string, error)
	Invalidate()
}

// Runner runs one cycle over all groups.
type Runner interface {
	RunCycle(ctx context.Context, c pipeline.Cycle) (pipeline.Stats, error)
}

type Config struct {
	Window       *Window
	Lead         time.Duration
	PollInterval time.Duration
	// ForceActive keeps the loop ACTIVE regardless of the window.
	ForceActive bool
}

// Status is a point-in-time view for health output.
type Status struct {
	State     State          `json:"state"`
	Since     time.Time      `json:"since"`
	NextOpen  time.Time      `json:"next_open,omitempty"`
	Window    string         `json:"window"`
	ForceOn   bool           `json:"force_active,omitempty"`
	Cycles    uint64         `json:"cycles"`
	LastCycle time.Time      `json:"last_cycle,omitempty"`
	LastStats pipeline.Stats `json:"last_stats"`
	LastError string         `json:"last_error,omitempty"`
	LastErrAt time.Time      `json:"last_error_at,omitempty"`
	Renewals  uint64         `json:"renewals"`
}

type Scheduler struct {
	session Session
	runner  Runner
	clock   Clock
	bus     eventbus.Bus
	log     logx.Logger

	mu     sync.Mutex
	cfg    Config
	status Status
	reload chan struct{}
}

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(s *Scheduler) { s.bus = b } }

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func New(cfg Config, session Session, runner Runner, opts ...Option) (*Scheduler, error) {
	if session == nil || runner == nil {
		return nil, errors.New("scheduler: session and runner are required")
	}
	cfg, err := normalize(cfg)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		session: session,
		runner:  runner,
		clock:   RealClock{},
		log:     logx.Nop(),
		cfg:     cfg,
		status:  Status{State: StateIdle},
		reload:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.status.Since = s.clock.Now()
	s.status.Window = cfg.Window.String()
	s.status.ForceOn = cfg.ForceActive
	return s, nil
}

func normalize(cfg Config) (Config, error) {
	if cfg.Window == nil {
		w, err := NewWindow(DefaultRelease, time.Local, DefaultOpenBefore, DefaultCloseAfter)
		if err != nil {
			return cfg, err
		}
		cfg.Window = w
	}
	if cfg.Lead < 0 {
		return cfg, fmt.Errorf("lead must not be negative")
	}
	if cfg.Lead == 0 {
		cfg.Lead = DefaultLead
	}
	if cfg.PollInterval < 0 {
		return cfg, fmt.Errorf("poll interval must not be negative")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return cfg, nil
}

// Apply swaps the configuration. A sleeping loop wakes up and re-evaluates.
func (s *Scheduler) Apply(cfg Config) error {
	cfg, err := normalize(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.status.Window = cfg.Window.String()
	s.status.ForceOn = cfg.ForceActive
	s.mu.Unlock()

	select {
	case s.reload <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Run loops until ctx ends. A login failure or a fatal cycle error is
// returned; the caller is expected to restart Run with backoff. The session
// is invalidated first when the backend rejected the token.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.session.Token(ctx); err != nil {
		return s.fail(ctx, fmt.Errorf("login: %w", err))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cfg := s.config()
		now := s.clock.Now()

		if cfg.ForceActive || cfg.Window.Contains(now) {
			s.setState(StateActive, time.Time{})
			if err := s.iterate(ctx, cfg); err != nil {
				return err
			}
			if err := s.pause(ctx, cfg.PollInterval); err != nil {
				return err
			}
			continue
		}

		openAt, _ := cfg.Window.Bounds(now)
		s.setState(StateQuiescent, openAt)
		wake := cfg.Window.Wake(now, cfg.Lead)
		s.log.Info("quiescent", logx.Time("wake", wake), logx.Time("open", openAt))

		interrupted, err := s.sleepUntil(ctx, wake)
		if err != nil {
			return err
		}
		if interrupted {
			continue
		}
		if _, err := s.session.Renew(ctx); err != nil {
			return s.fail(ctx, fmt.Errorf("login: %w", err))
		}
		s.noteRenewal()
		if _, err := s.sleepUntil(ctx, openAt); err != nil {
			return err
		}
	}
}

func (s *Scheduler) iterate(ctx context.Context, cfg Config) error {
	token, err := s.session.Token(ctx)
	if err != nil {
		return s.fail(ctx, fmt.Errorf("login: %w", err))
	}
	id := uuid.NewString()
	now := s.clock.Now().In(cfg.Window.Location())

	st, err := s.runner.RunCycle(ctx, pipeline.Cycle{ID: id, Now: now, Token: token})

	s.mu.Lock()
	s.status.Cycles++
	s.status.LastCycle = now
	s.status.LastStats = st
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			s.session.Invalidate()
		}
		return s.fail(ctx, fmt.Errorf("cycle %s: %w", id, err))
	}
	return nil
}

// fail records and logs a fatal error. Cancellation is passed through quietly.
func (s *Scheduler) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	s.status.LastError = err.Error()
	s.status.LastErrAt = s.clock.Now()
	s.mu.Unlock()
	s.log.Error("scheduler cycle failed", logx.Err(err))
	return err
}

func (s *Scheduler) noteRenewal() {
	s.mu.Lock()
	s.status.Renewals++
	s.mu.Unlock()
}

// sleepUntil waits until t. It reports true when a configuration change cut
// the wait short.
func (s *Scheduler) sleepUntil(ctx context.Context, t time.Time) (bool, error) {
	d := t.Sub(s.clock.Now())
	if d <= 0 {
		return false, nil
	}
	return s.sleepReload(ctx, d)
}

// pause is the short wait between ACTIVE iterations.
func (s *Scheduler) pause(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(d):
		return nil
	}
}

func (s *Scheduler) sleepReload(ctx context.Context, d time.Duration) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.reload:
		return true, nil
	case <-s.clock.After(d):
		return false, nil
	}
}

func (s *Scheduler) setState(next State, nextOpen time.Time) {
	s.mu.Lock()
	prev := s.status.State
	if prev == next {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	s.status.State = next
	s.status.Since = now
	s.status.NextOpen = nextOpen
	s.mu.Unlock()

	s.log.Info("scheduler state", logx.String("from", string(prev)), logx.String("to", string(next)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventState, Time: now, Data: StateEvent{From: prev, To: next, At: now, NextOpen: nextOpen}})
	}
}
