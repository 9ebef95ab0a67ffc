package listing

import (
	"fmt"
	"time"
)

// State is the processing state of a tracked entry. States only move forward.
type State string

const (
	// Discovered is transient and never persisted.
	Discovered     State = "discovered"
	Accepted       State = "accepted"
	ClaimAttempted State = "claim_attempted"
	ClaimSucceeded State = "claim_succeeded"
	ClaimFailed    State = "claim_failed"
)

func (s State) rank() int {
	switch s {
	case Discovered:
		return 0
	case Accepted:
		return 1
	case ClaimAttempted:
		return 2
	case ClaimSucceeded, ClaimFailed:
		return 3
	default:
		return -1
	}
}

func (s State) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool { return s == ClaimSucceeded || s == ClaimFailed }

// Interrupted reports whether the entry was admitted but never reached a
// terminal state (e.g. the process died mid-claim).
func (s State) Interrupted() bool { return s == Accepted || s == ClaimAttempted }

// CanAdvanceTo reports whether s -> next is a legal forward transition.
// Accepted may go straight to a terminal state when the attempt marker was
// never written.
func (s State) CanAdvanceTo(next State) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Outcome is the terminal result of a claim.
type Outcome uint8

const (
	Succeeded Outcome = iota + 1
	Failed
)

func (o Outcome) State() State {
	switch o {
	case Succeeded:
		return ClaimSucceeded
	case Failed:
		return ClaimFailed
	default:
		return ""
	}
}

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Tracked is the durable record of an admitted entry. At most one exists per
// id; it is never deleted.
type Tracked struct {
	ID         ID        `json:"id"`
	Group      string    `json:"group,omitempty"`
	Title      string    `json:"title"`
	CreatedAt  time.Time `json:"created_at"`
	StartTime  time.Time `json:"start_time"`
	State      State     `json:"state"`
	AdmittedAt time.Time `json:"admitted_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Detail     string    `json:"detail,omitempty"`
}

// NewTracked builds the Accepted record for a classified entry.
func NewTracked(group string, s Summary, now time.Time) Tracked {
	return Tracked{
		ID:         s.ID,
		Group:      group,
		Title:      s.Title,
		CreatedAt:  s.Created,
		StartTime:  s.Start,
		State:      Accepted,
		AdmittedAt: now,
		UpdatedAt:  now,
	}
}

// Summary rebuilds the display view from the stored record.
func (t Tracked) Summary() Summary {
	return Summary{
		ID:          t.ID,
		Title:       t.Title,
		Start:       t.StartTime,
		Created:     t.CreatedAt,
		StartText:   FormatStart(t.StartTime),
		CreatedText: FormatCreated(t.CreatedAt),
	}
}
