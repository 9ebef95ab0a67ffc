package config

import (
	"math/rand"
	"sync"
	"time"
)

// debouncer runs fn once, d after the last poke.
type debouncer struct {
	d  time.Duration
	fn func()

	mu      sync.Mutex
	t       *time.Timer
	stopped bool
}

func newDebouncer(d time.Duration, fn func()) *debouncer {
	return &debouncer{d: d, fn: fn}
}

func (db *debouncer) poke() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.stopped {
		return
	}
	if db.t != nil {
		db.t.Stop()
	}
	db.t = time.AfterFunc(db.d, db.fn)
}

func (db *debouncer) stop() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.stopped = true
	if db.t != nil {
		db.t.Stop()
	}
}

// backoff doubles from base up to max and adds up to 50% jitter.
// Not safe for concurrent use.
type backoff struct {
	base, max, cur time.Duration
	rng            *rand.Rand
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.base
	}
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur *= 2
	if b.cur > b.max {
		b.cur = b.max
	}
	return wait
}

func (b *backoff) reset() { b.cur = 0 }
