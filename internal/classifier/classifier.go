// Package classifier decides which listing entries are worth claiming.
//
// Classification is a pure, ordered predicate chain that short-circuits on the
// first failure. Rejections are expected outcomes and are reported as a reason
// rather than an error.
package classifier

import (
	"fmt"
	"strings"
	"time"

	"bookbot/internal/listing"
)

// Rejection reasons. Admission ("already tracked") is enforced by the dedup
// store; ReasonTracked exists so callers can log it the same way.
const (
	ReasonAccepted        = "accepted"
	ReasonTracked         = "already_tracked"
	ReasonTitle           = "title_not_of_interest"
	ReasonNoCapacity      = "no_capacity"
	ReasonTierTooHigh     = "tier_too_high"
	ReasonDeleted         = "deleted"
	ReasonBadTimestamp    = "bad_timestamp"
	ReasonTooEarly        = "too_early"
	ReasonExcludedWeekday = "excluded_weekday"

	// ReasonMissingID marks entries without an identifier; they cannot be
	// tracked and are dropped before classification.
	ReasonMissingID = "missing_id"
)

// DefaultMaxTier applies when Criteria.MaxTier is nil.
const DefaultMaxTier = 2

// Criteria is the static interest definition.
type Criteria struct {
	Titles []string
	// EarliestHour filters on the normalized start hour when set.
	EarliestHour     *int
	ExcludedWeekdays []time.Weekday
	MaxTier          *int
	// BypassCapacity accepts entries with no remaining spots. Debug only.
	BypassCapacity bool
}

// Decision is the result of classifying one entry.
type Decision struct {
	Accept  bool
	Reason  string
	Summary listing.Summary
}

// Classifier is immutable after construction; swap the whole value to change
// criteria.
type Classifier struct {
	titles       map[string]struct{}
	earliestHour int
	hasEarliest  bool
	excluded     map[time.Weekday]struct{}
	maxTier      int
	bypass       bool
}

func New(c Criteria) (*Classifier, error) {
	cl := &Classifier{
		titles:   make(map[string]struct{}, len(c.Titles)),
		excluded: make(map[time.Weekday]struct{}, len(c.ExcludedWeekdays)),
		maxTier:  DefaultMaxTier,
		bypass:   c.BypassCapacity,
	}
	for _, t := range c.Titles {
		if t == "" {
			continue
		}
		cl.titles[t] = struct{}{}
	}
	if c.EarliestHour != nil {
		h := *c.EarliestHour
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("earliest hour %d out of range 0..23", h)
		}
		cl.earliestHour = h
		cl.hasEarliest = true
	}
	if c.MaxTier != nil {
		cl.maxTier = *c.MaxTier
	}
	for _, d := range c.ExcludedWeekdays {
		if d < time.Sunday || d > time.Saturday {
			return nil, fmt.Errorf("invalid weekday %d", d)
		}
		cl.excluded[d] = struct{}{}
	}
	return cl, nil
}

type predicate struct {
	reason string
	pass   func(c *Classifier, e listing.Entry) bool
}

// Checks that need only raw fields, in evaluation order.
var fieldChecks = []predicate{
	{ReasonTitle, func(c *Classifier, e listing.Entry) bool {
		_, ok := c.titles[e.Title]
		return ok
	}},
	{ReasonNoCapacity, func(c *Classifier, e listing.Entry) bool {
		return c.bypass || e.AvailableSpots > 0
	}},
	{ReasonTierTooHigh, func(c *Classifier, e listing.Entry) bool {
		return e.TierLevel <= c.maxTier
	}},
	{ReasonDeleted, func(_ *Classifier, e listing.Entry) bool {
		return !e.Deleted
	}},
}

// Classify runs the predicate chain over e.
func (c *Classifier) Classify(e listing.Entry) Decision {
	for _, p := range fieldChecks {
		if !p.pass(c, e) {
			return Decision{Reason: p.reason}
		}
	}

	s, err := e.Summarize()
	if err != nil {
		return Decision{Reason: ReasonBadTimestamp}
	}
	if c.hasEarliest && s.Start.Hour() < c.earliestHour {
		return Decision{Reason: ReasonTooEarly}
	}
	if _, ok := c.excluded[s.Start.Weekday()]; ok {
		return Decision{Reason: ReasonExcludedWeekday}
	}
	return Decision{Accept: true, Reason: ReasonAccepted, Summary: s}
}

// Titles returns the interest set size, for logs.
func (c *Classifier) Titles() int { return len(c.titles) }

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekdays converts day names ("monday", "Mon") to weekdays.
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(names))
	seen := map[time.Weekday]bool{}
	for _, n := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out, nil
}
