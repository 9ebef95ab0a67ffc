package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookbot/internal/eventbus"
	"bookbot/internal/listing"
	"bookbot/internal/notifier"
	"bookbot/internal/pipeline"
	"bookbot/internal/scheduler"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	b, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(b)
}

func TestObserveEvents(t *testing.T) {
	m := New()
	now := time.Now()

	m.Observe(eventbus.Event{Type: scheduler.EventState, Time: now, Data: scheduler.StateEvent{From: scheduler.StateIdle, To: scheduler.StateActive}})
	m.Observe(eventbus.Event{Type: pipeline.EventAdmitted, Time: now, Data: listing.Summary{ID: "1"}})
	m.Observe(eventbus.Event{Type: pipeline.EventClaimed, Time: now, Data: pipeline.ClaimEvent{Outcome: "succeeded", Took: 20 * time.Millisecond}})
	m.Observe(eventbus.Event{Type: pipeline.EventClaimed, Time: now, Data: pipeline.ClaimEvent{Outcome: "failed"}})
	m.Observe(eventbus.Event{Type: pipeline.EventCycle, Time: now, Data: pipeline.CycleEvent{
		Stats: pipeline.Stats{Fetched: 5, Rejected: map[string]int{"title_not_of_interest": 3}},
		Error: "fetch group 952: boom",
	}})
	m.Observe(eventbus.Event{Type: notifier.EventSent, Time: now, Data: notifier.NotificationEvent{Channel: "smtp"}})
	m.Restarted("scheduler", nil)

	out := scrape(t, m)
	for _, want := range []string{
		`bookbot_scheduler_state{state="active"} 1`,
		`bookbot_scheduler_state{state="quiescent"} 0`,
		`bookbot_entries_admitted_total 1`,
		`bookbot_claims_total{outcome="succeeded"} 1`,
		`bookbot_claims_total{outcome="failed"} 1`,
		`bookbot_cycles_total 1`,
		`bookbot_cycle_errors_total 1`,
		`bookbot_entries_fetched_total 5`,
		`bookbot_entries_rejected_total{reason="title_not_of_interest"} 3`,
		`bookbot_notifications_total{channel="smtp",result="sent"} 1`,
		`bookbot_goroutine_restarts_total{name="scheduler"} 1`,
	} {
		assert.Contains(t, out, want)
	}
}

func TestInitialStateIsIdle(t *testing.T) {
	out := scrape(t, New())
	assert.Contains(t, out, `bookbot_scheduler_state{state="idle"} 1`)
	assert.Contains(t, out, "go_goroutines")
}

func TestConsumeFromBus(t *testing.T) {
	m := New()
	bus := eventbus.New()
	run := m.Consume(bus)

	// Published before the loop starts; the subscription already exists.
	bus.Publish(eventbus.Event{Type: pipeline.EventAdmitted, Time: time.Now(), Data: listing.Summary{ID: "7"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		run(ctx)
	}()

	require.Eventually(t, func() bool {
		return containsLine(scrape(t, m), "bookbot_entries_admitted_total 1")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume loop did not stop")
	}
}

func containsLine(out, line string) bool {
	for _, l := range strings.Split(out, "\n") {
		if l == line {
			return true
		}
	}
	return false
}
