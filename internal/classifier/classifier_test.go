package classifier

import (
	"testing"
	"time"

	"bookbot/internal/listing"
)

func intp(v int) *int { return &v }

func scenarioEntry() listing.Entry {
	return listing.Entry{
		ID:             "1",
		Title:          "BUC: Olympic Weightlifting",
		AvailableSpots: 3,
		TierLevel:      1,
		Deleted:        false,
		StartTime:      "2024-01-10T15:00:00Z",
		TimeOffset:     0,
		CreatedAt:      "2024-01-09T10:00:00Z",
	}
}

func scenarioClassifier(t *testing.T, bypass bool) *Classifier {
	t.Helper()
	c, err := New(Criteria{
		Titles:           []string{"BUC: Olympic Weightlifting", "BUC: Lower Body Strength"},
		EarliestHour:     intp(14),
		ExcludedWeekdays: []time.Weekday{time.Monday},
		BypassCapacity:   bypass,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClassifyScenarios(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(e *listing.Entry)
		bypass bool
		accept bool
		reason string
	}{
		{name: "wednesday afternoon accepted", mutate: func(*listing.Entry) {}, accept: true, reason: ReasonAccepted},
		{name: "no spots rejected", mutate: func(e *listing.Entry) { e.AvailableSpots = 0 }, reason: ReasonNoCapacity},
		{name: "no spots with bypass accepted", mutate: func(e *listing.Entry) { e.AvailableSpots = 0 }, bypass: true, accept: true, reason: ReasonAccepted},
		{name: "monday rejected", mutate: func(e *listing.Entry) { e.StartTime = "2024-01-08T15:00:00Z" }, reason: ReasonExcludedWeekday},
		{name: "morning rejected", mutate: func(e *listing.Entry) { e.StartTime = "2024-01-10T09:00:00Z" }, reason: ReasonTooEarly},
		{name: "offset moves into window", mutate: func(e *listing.Entry) {
			e.StartTime = "2024-01-10T13:00:00Z"
			e.TimeOffset = 3600
		}, accept: true, reason: ReasonAccepted},
		{name: "offset moves onto monday", mutate: func(e *listing.Entry) {
			e.StartTime = "2024-01-07T23:00:00Z"
			e.TimeOffset = 16 * 3600
		}, reason: ReasonExcludedWeekday},
		{name: "tier above default max", mutate: func(e *listing.Entry) { e.TierLevel = 3 }, reason: ReasonTierTooHigh},
		{name: "deleted", mutate: func(e *listing.Entry) { e.Deleted = true }, reason: ReasonDeleted},
		{name: "unknown title", mutate: func(e *listing.Entry) { e.Title = "Yoga" }, reason: ReasonTitle},
		{name: "title match is exact", mutate: func(e *listing.Entry) { e.Title = "buc: olympic weightlifting" }, reason: ReasonTitle},
		{name: "malformed start", mutate: func(e *listing.Entry) { e.StartTime = "soon" }, reason: ReasonBadTimestamp},
		{name: "malformed created", mutate: func(e *listing.Entry) { e.CreatedAt = "" }, reason: ReasonBadTimestamp},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := scenarioEntry()
			tt.mutate(&e)
			d := scenarioClassifier(t, tt.bypass).Classify(e)
			if d.Accept != tt.accept || d.Reason != tt.reason {
				t.Fatalf("Classify = (%v, %s), want (%v, %s)", d.Accept, d.Reason, tt.accept, tt.reason)
			}
		})
	}
}

func TestClassifyAcceptedSummary(t *testing.T) {
	t.Parallel()
	d := scenarioClassifier(t, false).Classify(scenarioEntry())
	if !d.Accept {
		t.Fatalf("expected accept, got %s", d.Reason)
	}
	if d.Summary.Title != "BUC: Olympic Weightlifting" {
		t.Fatalf("title = %q", d.Summary.Title)
	}
	if d.Summary.StartText != "Wednesday, 10 Jan at 15:00" {
		t.Fatalf("start text = %q", d.Summary.StartText)
	}
	if d.Summary.Start.Weekday() != time.Wednesday || d.Summary.Start.Hour() != 15 {
		t.Fatalf("normalized start = %v", d.Summary.Start)
	}
}

func TestShortCircuitOrder(t *testing.T) {
	t.Parallel()
	e := scenarioEntry()
	e.Title = "Yoga"
	e.Deleted = true
	e.StartTime = "garbage"
	if d := scenarioClassifier(t, false).Classify(e); d.Reason != ReasonTitle {
		t.Fatalf("reason = %s, want the first failing predicate", d.Reason)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Criteria{EarliestHour: intp(24)}); err == nil {
		t.Fatal("expected error for hour 24")
	}
	if _, err := New(Criteria{ExcludedWeekdays: []time.Weekday{7}}); err == nil {
		t.Fatal("expected error for weekday 7")
	}
	c, err := New(Criteria{MaxTier: intp(0), Titles: []string{"A"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e := scenarioEntry()
	e.Title = "A"
	if d := c.Classify(e); d.Reason != ReasonTierTooHigh {
		t.Fatalf("explicit max tier 0 must reject tier 1, got %s", d.Reason)
	}
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()
	got, err := ParseWeekdays([]string{"Monday", "sun", " SAT ", "monday"})
	if err != nil {
		t.Fatalf("ParseWeekdays: %v", err)
	}
	want := []time.Weekday{time.Monday, time.Sunday, time.Saturday}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if _, err := ParseWeekdays([]string{"funday"}); err == nil {
		t.Fatal("expected error for unknown day")
	}
}
