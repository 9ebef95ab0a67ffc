package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRelease is local midnight.
const DefaultRelease = "0 0 * * *"

var releaseParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Window is the recurring activity window around a release boundary.
type Window struct {
	spec       string
	sched      cron.Schedule
	loc        *time.Location
	openBefore time.Duration
	closeAfter time.Duration
}

func NewWindow(release string, loc *time.Location, openBefore, closeAfter time.Duration) (*Window, error) {
	release = strings.TrimSpace(release)
	if release == "" {
		release = DefaultRelease
	}
	sched, err := releaseParser.Parse(release)
	if err != nil {
		return nil, fmt.Errorf("release %q: %w", release, err)
	}
	if loc == nil {
		loc = time.Local
	}
	if openBefore < 0 || closeAfter < 0 {
		return nil, fmt.Errorf("window bounds must not be negative")
	}
	if openBefore+closeAfter <= 0 {
		return nil, fmt.Errorf("window is empty (open_before + close_after must be > 0)")
	}
	return &Window{spec: release, sched: sched, loc: loc, openBefore: openBefore, closeAfter: closeAfter}, nil
}

func (w *Window) String() string {
	return fmt.Sprintf("%s %s -%s/+%s", w.spec, w.loc, w.openBefore, w.closeAfter)
}

func (w *Window) Location() *time.Location { return w.loc }

// Boundary returns the release boundary whose window contains t or, when t
// is outside every window, the next boundary after t.
func (w *Window) Boundary(t time.Time) time.Time {
	return w.sched.Next(t.In(w.loc).Add(-w.closeAfter))
}

// Bounds returns the window for Boundary(t).
func (w *Window) Bounds(t time.Time) (openAt, closeAt time.Time) {
	b := w.Boundary(t)
	return b.Add(-w.openBefore), b.Add(w.closeAfter)
}

// Contains reports whether t is inside a window.
func (w *Window) Contains(t time.Time) bool {
	openAt, closeAt := w.Bounds(t)
	return !t.Before(openAt) && t.Before(closeAt)
}

// Wake returns when a quiescent loop should wake to renew its session:
// lead before the boundary, or at the window opening if that is earlier.
func (w *Window) Wake(t time.Time, lead time.Duration) time.Time {
	b := w.Boundary(t)
	ahead := lead
	if w.openBefore > ahead {
		ahead = w.openBefore
	}
	return b.Add(-ahead)
}
