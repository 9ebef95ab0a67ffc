package storage

import (
	"context"
	"sync"
	"time"

	"bookbot/internal/listing"
)

// index is the in-process view shared by the memory and file drivers.
// Callers hold the owning store's lock.
type index struct {
	byID  map[listing.ID]listing.Tracked
	order []listing.ID
}

func newIndex() *index {
	return &index{byID: map[listing.ID]listing.Tracked{}}
}

// put stores e, appending it to the admission order when new.
func (x *index) put(e listing.Tracked) {
	if _, ok := x.byID[e.ID]; !ok {
		x.order = append(x.order, e.ID)
	}
	x.byID[e.ID] = e
}

func (x *index) list() []listing.Tracked {
	out := make([]listing.Tracked, 0, len(x.order))
	for _, id := range x.order {
		out = append(out, x.byID[id])
	}
	return out
}

type memStore struct {
	mu     sync.Mutex
	idx    *index
	now    func() time.Time
	closed bool
}

// NewMemory returns a process-local store. Nothing survives a restart.
func NewMemory() Store {
	return &memStore{idx: newIndex(), now: time.Now}
}

func (s *memStore) Admit(ctx context.Context, e listing.Tracked) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if e.ID == "" {
		return false, errEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.idx.byID[e.ID]; ok {
		return false, nil
	}
	s.idx.put(normalizeAdmit(e, s.now()))
	return true, nil
}

func (s *memStore) MarkAttempted(ctx context.Context, id listing.ID) error {
	return s.transition(ctx, id, listing.ClaimAttempted, "")
}

func (s *memStore) MarkClaimed(ctx context.Context, id listing.ID, outcome listing.Outcome, detail string) error {
	next, err := outcomeState(outcome)
	if err != nil {
		return err
	}
	return s.transition(ctx, id, next, detail)
}

func (s *memStore) transition(ctx context.Context, id listing.ID, next listing.State, detail string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.idx.byID[id]
	if !ok {
		return ErrNotFound
	}
	upd, err := advance(cur, next, detail, s.now())
	if err != nil {
		return err
	}
	s.idx.put(upd)
	return nil
}

func (s *memStore) Get(ctx context.Context, id listing.ID) (listing.Tracked, bool, error) {
	if err := ctx.Err(); err != nil {
		return listing.Tracked{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.idx.byID[id]
	return e, ok, nil
}

func (s *memStore) List(ctx context.Context) ([]listing.Tracked, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.list(), nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// normalizeAdmit forces the Accepted state and fills timestamps.
func normalizeAdmit(e listing.Tracked, now time.Time) listing.Tracked {
	e.State = listing.Accepted
	if e.AdmittedAt.IsZero() {
		e.AdmittedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.AdmittedAt
	}
	e.Detail = ""
	return e
}
