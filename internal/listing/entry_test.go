package listing

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEntryDecodeIgnoresUnknownFields(t *testing.T) {
	t.Parallel()
	raw := `{"id": 101, "title": "BUC: Olympic Weightlifting", "start_time": "2024-01-10T15:00:00Z",
		"created_at": "2024-01-09T10:00:00Z", "time_offset": 3600, "available_spots": 3,
		"tier_level": 1, "deleted": false, "instructor": {"name": "x"}}`
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.ID != "101" {
		t.Fatalf("id = %q, want 101", e.ID)
	}
	if e.TimeOffset != 3600 || e.AvailableSpots != 3 || e.TierLevel != 1 {
		t.Fatalf("decoded entry = %+v", e)
	}
}

func TestIDDecodesStringsAndNumbers(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want ID
	}{
		{raw: `42`, want: "42"},
		{raw: `"42"`, want: "42"},
		{raw: `" abc "`, want: "abc"},
		{raw: `null`, want: ""},
	}
	for _, tt := range tests {
		var id ID
		if err := json.Unmarshal([]byte(tt.raw), &id); err != nil {
			t.Fatalf("decode %s: %v", tt.raw, err)
		}
		if id != tt.want {
			t.Fatalf("decode %s = %q, want %q", tt.raw, id, tt.want)
		}
	}
}

func TestNormalizedStartAppliesOffset(t *testing.T) {
	t.Parallel()
	e := Entry{StartTime: "2024-01-10T23:30:00Z", TimeOffset: 3600}
	got, err := e.NormalizedStart()
	if err != nil {
		t.Fatalf("NormalizedStart: %v", err)
	}
	want := time.Date(2024, 1, 11, 0, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("normalized = %v, want %v", got, want)
	}
	if got.Weekday() != time.Thursday {
		t.Fatalf("weekday = %v, want Thursday after the offset crosses midnight", got.Weekday())
	}
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "2024-01-10 15:00:00", "tomorrow", "2024-13-10T15:00:00Z"} {
		if _, err := (Entry{StartTime: raw}).NormalizedStart(); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestSummarizeDisplay(t *testing.T) {
	t.Parallel()
	e := Entry{
		ID:         "1",
		Title:      "BUC: Olympic Weightlifting",
		StartTime:  "2024-01-10T15:00:00Z",
		CreatedAt:  "2024-01-09T10:00:00Z",
		TimeOffset: -1800,
	}
	s, err := e.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.StartText != "Wednesday, 10 Jan at 14:30" {
		t.Fatalf("start text = %q", s.StartText)
	}
	if s.CreatedText != "2024-01-09 09:30:00" {
		t.Fatalf("created text = %q", s.CreatedText)
	}
	if s.Subject() != "Booked BUC: Olympic Weightlifting at Wednesday, 10 Jan at 14:30" {
		t.Fatalf("subject = %q", s.Subject())
	}
}

func TestFormatIgnoresLoadedZone(t *testing.T) {
	t.Parallel()
	utc := time.Date(2024, 1, 10, 15, 0, 0, 0, time.UTC)
	east := utc.In(time.FixedZone("UTC+5", 5*3600))
	if got := FormatStart(east); got != "Wednesday, 10 Jan at 15:00" {
		t.Fatalf("FormatStart = %q", got)
	}
	if got := FormatCreated(east); got != "2024-01-10 15:00:00" {
		t.Fatalf("FormatCreated = %q", got)
	}
}
