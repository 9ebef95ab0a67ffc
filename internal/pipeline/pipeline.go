// Package pipeline runs one poll cycle: fetch, classify, admit, claim and
// notify, for every configured resource group in turn.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bookbot/internal/claim"
	"bookbot/internal/classifier"
	"bookbot/internal/eventbus"
	"bookbot/internal/listing"
	"bookbot/internal/notifier"
	"bookbot/internal/storage"
	logx "bookbot/pkg/logx"
)

// Event types published on the bus.
const (
	EventAdmitted = "pipeline.admitted"
	EventClaimed  = "pipeline.claimed"
	EventCycle    = "pipeline.cycle"
)

// Lister fetches the listing of one resource group.
type Lister interface {
	ListEntries(ctx context.Context, group string, day time.Time, token string) ([]listing.Entry, error)
}

// Executor claims one admitted entry.
type Executor interface {
	Execute(ctx context.Context, e listing.Tracked, token string) (claim.Result, error)
}

// Notifier accepts a confirmation. Errors are logged and otherwise ignored.
type Notifier interface {
	Notify(ctx context.Context, m notifier.Message) error
}

// Cycle is one pass over all groups.
type Cycle struct {
	ID    string
	Now   time.Time
	Token string
}

// Stats counts what happened to the entries of one cycle.
type Stats struct {
	Groups    int            `json:"groups"`
	Fetched   int            `json:"fetched"`
	Tracked   int            `json:"tracked"`
	Rejected  map[string]int `json:"rejected,omitempty"`
	Admitted  int            `json:"admitted"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}

func (s *Stats) reject(reason string) {
	if s.Rejected == nil {
		s.Rejected = map[string]int{}
	}
	s.Rejected[reason]++
}

// ClaimEvent is published after every finished claim.
type ClaimEvent struct {
	Cycle   string          `json:"cycle"`
	Group   string          `json:"group"`
	Outcome string          `json:"outcome"`
	Summary listing.Summary `json:"summary"`
	Detail  string          `json:"detail,omitempty"`
	Took    time.Duration   `json:"took"`
}

// CycleEvent is published after every cycle, failed or not.
type CycleEvent struct {
	Cycle string        `json:"cycle"`
	Stats Stats         `json:"stats"`
	Took  time.Duration `json:"took"`
	Error string        `json:"error,omitempty"`
}

type Options struct {
	Lister     Lister
	Store      storage.Store
	Executor   Executor
	Notifier   Notifier
	Classifier *classifier.Classifier
	Groups     []string
	Bus        eventbus.Bus
	Log        logx.Logger
}

// Pipeline is safe for concurrent reconfiguration. Cycles themselves are
// expected to run one at a time.
type Pipeline struct {
	lister   Lister
	store    storage.Store
	exec     Executor
	notifier Notifier
	bus      eventbus.Bus
	log      logx.Logger

	cls atomic.Pointer[classifier.Classifier]

	mu     sync.RWMutex
	groups []string
}

func New(o Options) (*Pipeline, error) {
	if o.Lister == nil || o.Store == nil || o.Executor == nil {
		return nil, errors.New("pipeline: lister, store and executor are required")
	}
	if o.Classifier == nil {
		return nil, errors.New("pipeline: classifier is required")
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	p := &Pipeline{
		lister:   o.Lister,
		store:    o.Store,
		exec:     o.Executor,
		notifier: o.Notifier,
		bus:      o.Bus,
		log:      o.Log,
	}
	p.cls.Store(o.Classifier)
	p.SetGroups(o.Groups)
	return p, nil
}

// SetClassifier swaps the criteria used by the next entry.
func (p *Pipeline) SetClassifier(c *classifier.Classifier) {
	if c != nil {
		p.cls.Store(c)
	}
}

func (p *Pipeline) SetGroups(groups []string) {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if g = strings.TrimSpace(g); g != "" {
			out = append(out, g)
		}
	}
	p.mu.Lock()
	p.groups = out
	p.mu.Unlock()
}

func (p *Pipeline) Groups() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.groups...)
}

// RunCycle processes every group in order. The first fatal error (fetch
// failure, rejected session, store failure) aborts the cycle and is returned.
func (p *Pipeline) RunCycle(ctx context.Context, c Cycle) (Stats, error) {
	start := time.Now()
	var st Stats
	log := p.log.With(logx.String("cycle", c.ID))

	var err error
	for _, g := range p.Groups() {
		if err = ctx.Err(); err != nil {
			break
		}
		st.Groups++
		if err = p.runGroup(ctx, log, c, g, &st); err != nil {
			break
		}
	}

	ev := CycleEvent{Cycle: c.ID, Stats: st, Took: time.Since(start)}
	if err != nil {
		ev.Error = err.Error()
	}
	p.publish(EventCycle, ev)
	return st, err
}

func (p *Pipeline) runGroup(ctx context.Context, log logx.Logger, c Cycle, group string, st *Stats) error {
	log = log.With(logx.String("group", group))

	entries, err := p.lister.ListEntries(ctx, group, c.Now, c.Token)
	if err != nil {
		return fmt.Errorf("fetch group %s: %w", group, err)
	}
	st.Fetched += len(entries)
	cls := p.cls.Load()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.process(ctx, log, cls, c, group, e, st); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, log logx.Logger, cls *classifier.Classifier, c Cycle, group string, e listing.Entry, st *Stats) error {
	if e.ID == "" {
		st.reject(classifier.ReasonMissingID)
		return nil
	}
	elog := log.With(logx.String("id", string(e.ID)))

	if _, ok, err := p.store.Get(ctx, e.ID); err != nil {
		return fmt.Errorf("lookup %s: %w", e.ID, err)
	} else if ok {
		st.Tracked++
		elog.Trace("skip", logx.String("reason", classifier.ReasonTracked))
		return nil
	}

	d := cls.Classify(e)
	if !d.Accept {
		st.reject(d.Reason)
		elog.Trace("skip", logx.String("reason", d.Reason), logx.String("title", e.Title))
		return nil
	}

	tr := listing.NewTracked(group, d.Summary, time.Now())
	admitted, err := p.store.Admit(ctx, tr)
	if err != nil {
		return fmt.Errorf("admit %s: %w", e.ID, err)
	}
	if !admitted {
		st.Tracked++
		elog.Debug("admission conflict")
		return nil
	}
	st.Admitted++
	elog.Info("found entry, claiming", logx.String("title", tr.Title), logx.String("start", d.Summary.StartText))
	p.publish(EventAdmitted, d.Summary)

	res, err := p.exec.Execute(ctx, tr, c.Token)
	if res.Outcome != 0 {
		p.publish(EventClaimed, ClaimEvent{
			Cycle:   c.ID,
			Group:   group,
			Outcome: res.Outcome.String(),
			Summary: res.Summary,
			Detail:  res.Detail,
			Took:    res.Took,
		})
	}
	if err != nil {
		if res.Outcome == listing.Failed {
			st.Failed++
		}
		return err
	}

	switch res.Outcome {
	case listing.Succeeded:
		st.Succeeded++
		p.notify(ctx, elog, res.Summary)
	case listing.Failed:
		st.Failed++
	}
	return nil
}

func (p *Pipeline) notify(ctx context.Context, log logx.Logger, s listing.Summary) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, Message(s)); err != nil && !errors.Is(err, notifier.ErrDisabled) {
		log.Warn("notification not queued", logx.Err(err))
	}
}

// Message renders the confirmation for a claimed entry.
func Message(s listing.Summary) notifier.Message {
	var b strings.Builder
	b.WriteString(s.Title)
	b.WriteString("\nStarts: ")
	b.WriteString(s.StartText)
	if s.CreatedText != "" {
		b.WriteString("\nListed: ")
		b.WriteString(s.CreatedText)
	}
	b.WriteString("\nId: ")
	b.WriteString(string(s.ID))
	return notifier.Message{Subject: s.Subject(), Body: b.String()}
}

func (p *Pipeline) publish(typ string, data any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
