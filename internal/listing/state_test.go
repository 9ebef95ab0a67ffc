package listing

import (
	"testing"
	"time"
)

func TestStateCanAdvanceTo(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		want     bool
	}{
		{Discovered, Accepted, true},
		{Accepted, ClaimAttempted, true},
		{Accepted, ClaimSucceeded, true},
		{Accepted, ClaimFailed, true},
		{ClaimAttempted, ClaimSucceeded, true},
		{ClaimAttempted, ClaimFailed, true},
		{ClaimAttempted, Accepted, false},
		{Accepted, Accepted, false},
		{ClaimSucceeded, ClaimFailed, false},
		{ClaimFailed, ClaimSucceeded, false},
		{ClaimFailed, ClaimAttempted, false},
		{Accepted, State("bogus"), false},
	}
	for _, tt := range tests {
		if got := tt.from.CanAdvanceTo(tt.to); got != tt.want {
			t.Fatalf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestOutcomeState(t *testing.T) {
	t.Parallel()
	if Succeeded.State() != ClaimSucceeded || Failed.State() != ClaimFailed {
		t.Fatal("outcome to state mapping is wrong")
	}
	if Outcome(0).State() != "" {
		t.Fatal("zero outcome must not map to a state")
	}
}

func TestTrackedSummaryRoundTrip(t *testing.T) {
	t.Parallel()
	e := Entry{
		ID:         "7",
		Title:      "BUC: Lower Body Strength",
		StartTime:  "2024-01-12T17:15:00Z",
		CreatedAt:  "2024-01-05T08:00:00Z",
		TimeOffset: 7200,
	}
	s, err := e.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	now := time.Date(2024, 1, 11, 23, 59, 30, 0, time.UTC)
	tr := NewTracked("952", s, now)
	if tr.State != Accepted {
		t.Fatalf("state = %s, want accepted", tr.State)
	}
	if got := tr.Summary(); got != s {
		t.Fatalf("summary = %+v, want %+v", got, s)
	}
	if tr.Summary().StartText != "Friday, 12 Jan at 19:15" {
		t.Fatalf("start text = %q", tr.Summary().StartText)
	}
}
