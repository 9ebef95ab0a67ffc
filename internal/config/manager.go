package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "bookbot/pkg/logx"
)

const (
	defaultDebounce  = 250 * time.Millisecond
	validateTimeout  = 5 * time.Second
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

// Manager owns the committed config. Every commit, at startup or on reload,
// goes through the same validator, and subscribers receive a Change naming
// the sections that moved.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// reloadMu serializes Reload so parse, validate and commit see one file.
	reloadMu sync.Mutex

	// subsMu guards subs and keeps publish from sending on a closed channel.
	subsMu sync.Mutex
	subs   []chan Change

	log      logx.Logger
	validate func(ctx context.Context, cfg *Config) error
	debounce time.Duration
}

type Option func(*Manager)

// WithValidator installs the gate every candidate config must pass before
// it is committed.
func WithValidator(fn func(ctx context.Context, cfg *Config) error) Option {
	return func(m *Manager) { m.validate = fn }
}

func WithLogger(log logx.Logger) Option {
	return func(m *Manager) { m.SetLogger(log) }
}

// WithDebounce sets how long Watch waits after the last file event.
func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

func NewManager(path string, opts ...Option) *Manager {
	m := &Manager{path: path, log: logx.Nop(), debounce: defaultDebounce}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

func (m *Manager) Path() string { return m.path }

// Parse reads and decodes the file. It neither validates nor commits.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return decode(m.path, b)
}

// Load parses, validates and commits the file without publishing.
func (m *Manager) Load(ctx context.Context) (*Config, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.check(ctx, cfg); err != nil {
		return nil, err
	}
	m.commit(cfg, hashConfig(cfg))
	return cfg, nil
}

// Reload re-reads the file and publishes the resulting Change. A file that
// fails to parse or validate leaves the committed config in place. An
// unchanged file reports false.
func (m *Manager) Reload(ctx context.Context) (Change, bool, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return Change{}, false, fmt.Errorf("parse %s: %w", m.path, err)
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	prev, unchanged := m.cfg, h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return Change{}, false, nil
	}
	if err := m.check(ctx, cfg); err != nil {
		return Change{}, false, err
	}
	m.commit(cfg, h)
	c := NewChange(prev, cfg)
	m.publish(c)
	return c, true, nil
}

func (m *Manager) check(ctx context.Context, cfg *Config) error {
	if m.validate == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	if err := m.validate(vctx, cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (m *Manager) commit(cfg *Config, h uint64) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Subscribe(buffer int) chan Change {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan Change) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

// publish never blocks. A subscriber with a full buffer has its pending
// changes folded into c, so it still sees the whole delta from the last
// config it consumed.
func (m *Manager) publish(c Change) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- c:
			continue
		default:
		}
		merged, folded := c, 0
	drain:
		for {
			select {
			case old := <-ch:
				if folded == 0 {
					merged = old.Then(c)
				}
				folded++
			default:
				break drain
			}
		}
		select {
		case ch <- merged:
			m.log.Debug("config changes folded for slow subscriber", logx.Int("folded", folded))
		default:
			m.log.Warn("config change dropped", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// Watch reloads the file on change until ctx ends. It watches the parent
// directory so editors that save by rename are seen, and recreates a broken
// watcher with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	db := newDebouncer(m.debounce, func() { m.reloadLogged(ctx) })
	defer db.stop()
	bo := newBackoff(watchBackoffBase, watchBackoffMax)

	for ctx.Err() == nil {
		started, err := m.watchDir(ctx, dir, file, db.poke)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			bo.reset()
		}
		wait := bo.next()
		m.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir),
			logx.Err(err),
			logx.Duration("backoff", wait),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
	return nil
}

// watchDir runs one fsnotify watcher. started reports whether it got as far
// as watching dir.
func (m *Manager) watchDir(ctx context.Context, dir, file string, changed func()) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("watch init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, fmt.Errorf("watch %s: %w", dir, err)
	}
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				changed()
			}
		case werr, ok := <-w.Errors:
			switch {
			case !ok:
				return true, errors.New("error channel closed")
			case werr == nil:
			case errors.Is(werr, fsnotify.ErrClosed):
				return true, werr
			case errors.Is(werr, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
				changed()
			default:
				m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(werr))
			}
		}
	}
}

func (m *Manager) reloadLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	c, ok, err := m.Reload(ctx)
	switch {
	case err != nil:
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
	case !ok:
		m.log.Debug("config unchanged", logx.String("path", m.path))
	default:
		m.log.Debug("config published", logx.String("path", m.path), logx.Strings("changed", c.Sections))
	}
}
