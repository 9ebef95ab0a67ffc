package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookbot/internal/listing"
)

var (
	ErrNotFound          = errors.New("storage: entry not found")
	ErrInvalidTransition = errors.New("storage: invalid state transition")
	ErrClosed            = errors.New("storage: closed")

	errEmptyID = errors.New("storage: entry id is empty")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default when empty)
//   - "file": Path is the journal prefix, e.g. "./data/bookbot"
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a libpq-style connection string or URL
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CompactEvery is the number of journal writes between snapshots (file only).
	CompactEvery int
}

// Store is the dedup store contract shared by all drivers. Implementations are
// safe for concurrent use.
type Store interface {
	// Admit inserts e in state Accepted if its id is unknown. It reports
	// whether the entry was inserted.
	Admit(ctx context.Context, e listing.Tracked) (bool, error)
	// MarkAttempted moves an Accepted entry to ClaimAttempted.
	MarkAttempted(ctx context.Context, id listing.ID) error
	// MarkClaimed records the terminal outcome. It is durable on return.
	MarkClaimed(ctx context.Context, id listing.ID, outcome listing.Outcome, detail string) error
	Get(ctx context.Context, id listing.ID) (listing.Tracked, bool, error)
	// List returns every tracked entry in admission order.
	List(ctx context.Context) ([]listing.Tracked, error)
	Close() error
}

// advance validates cur -> next and returns the updated record.
func advance(cur listing.Tracked, next listing.State, detail string, now time.Time) (listing.Tracked, error) {
	if !cur.State.CanAdvanceTo(next) {
		return cur, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, cur.ID, cur.State, next)
	}
	cur.State = next
	cur.UpdatedAt = now
	if detail != "" {
		cur.Detail = detail
	}
	return cur, nil
}

func outcomeState(o listing.Outcome) (listing.State, error) {
	s := o.State()
	if s == "" {
		return "", fmt.Errorf("%w: unknown outcome %s", ErrInvalidTransition, o)
	}
	return s, nil
}

// Interrupted returns entries admitted but never finished, typically because
// the process stopped mid-claim.
func Interrupted(ctx context.Context, s Store) ([]listing.Tracked, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]listing.Tracked, 0)
	for _, e := range all {
		if e.State.Interrupted() {
			out = append(out, e)
		}
	}
	return out, nil
}
