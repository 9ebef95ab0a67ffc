package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bookbot/internal/eventbus"
	rtsup "bookbot/internal/runtime/supervisor"
	logx "bookbot/pkg/logx"
)

var (
	ErrDisabled   = errors.New("notifier disabled")
	ErrQueueFull  = errors.New("notifier queue full")
	ErrStopped    = errors.New("notifier stopped")
	ErrNoChannels = errors.New("notifier has no channels")
)

const historySize = 100

type job struct {
	msg Message
	ch  Channel
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	channels []Channel

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, channels []Channel, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, channels: append([]Channel(nil), channels...)}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the notifier's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetChannels replaces the delivery targets. Queued jobs keep their channel.
func (s *Service) SetChannels(channels []Channel) {
	s.mu.Lock()
	s.channels = append([]Channel(nil), channels...)
	s.mu.Unlock()
}

// Channels returns the names of the configured channels.
func (s *Service) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c.Name())
	}
	return out
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}

	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// Delivery is best-effort and must not take down the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify enqueues m once per channel. It never blocks on delivery.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if len(s.channels) == 0 {
		s.mu.Unlock()
		return ErrNoChannels
	}
	q := s.queue
	channels := s.channels
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	var dropped []string
	for _, ch := range channels {
		select {
		case q <- job{msg: m, ch: ch}:
			s.publish(EventQueued, NotificationEvent{Channel: ch.Name(), Subject: m.Subject})
		default:
			dropped = append(dropped, ch.Name())
			s.publish(EventDropped, NotificationEvent{Channel: ch.Name(), Subject: m.Subject, Error: ErrQueueFull.Error()})
		}
	}
	if len(dropped) > 0 {
		s.log.Warn("notification dropped", logx.Strings("channels", dropped), logx.String("subject", m.Subject))
		return ErrQueueFull
	}
	return nil
}

// Snapshot returns recently delivered notifications, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(channel, subject string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Channel: channel, Subject: subject})
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev.At = now
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			s.abandonQueued(q, ctx.Err())
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

// abandonQueued reports every job still queued when the workers were cut
// off, so none vanishes without an EventFailed.
func (s *Service) abandonQueued(q <-chan job, cause error) {
	for {
		select {
		case j, ok := <-q:
			if !ok {
				return
			}
			s.abandon(j, 0, cause)
		default:
			return
		}
	}
}

func (s *Service) abandon(j job, attempt int, cause error) {
	name := j.ch.Name()
	s.log.Warn("notification abandoned at shutdown",
		logx.String("channel", name),
		logx.String("subject", j.msg.Subject),
		logx.Int("attempt", attempt),
		logx.Err(cause),
	)
	s.publish(EventFailed, NotificationEvent{
		Channel: name,
		Subject: j.msg.Subject,
		Attempt: attempt,
		Error:   fmt.Sprintf("%v: %v", ErrStopped, cause),
	})
}

func (s *Service) sendWithRetry(runCtx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	log := s.log
	s.mu.Unlock()

	name := j.ch.Name()
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(runCtx); err != nil {
			s.abandon(j, attempt-1, err)
			return
		}

		callCtx, cancel := context.WithTimeout(runCtx, cfg.SendTimeout)
		err := j.ch.Send(callCtx, j.msg)
		cancel()
		if err == nil {
			s.appendHistory(name, j.msg.Subject)
			s.publish(EventSent, NotificationEvent{Channel: name, Subject: j.msg.Subject, Attempt: attempt})
			return
		}
		lastErr = err
		log.Debug("notify send failed", logx.String("channel", name), logx.Any("err", err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-runCtx.Done():
			t.Stop()
			s.abandon(j, attempt, runCtx.Err())
			return
		}
	}

	log.Warn("notification failed", logx.String("channel", name), logx.String("subject", j.msg.Subject), logx.Any("err", lastErr))
	s.publish(EventFailed, NotificationEvent{Channel: name, Subject: j.msg.Subject, Attempt: maxAttempts, Error: lastErr.Error()})
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped at
// RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
