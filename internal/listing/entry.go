// Package listing holds the bookable-entry data model: entries as the remote
// lists them, the tracked record kept by the dedup store, and the processing
// state machine.
package listing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Wire and display layouts. Remote timestamps are naive and carry a literal Z
// that does not mean UTC; time_offset corrects them.
const (
	NaiveLayout   = "2006-01-02T15:04:05Z"
	StartLayout   = "Monday, 02 Jan at 15:04"
	CreatedLayout = "2006-01-02 15:04:05"
)

// ID is an entry identifier. The remote serializes ids as numbers or strings.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("listing id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Entry is one bookable unit as returned by the listing endpoint. Fields the
// pipeline does not use are ignored on decode.
type Entry struct {
	ID             ID     `json:"id"`
	Title          string `json:"title"`
	StartTime      string `json:"start_time"`
	CreatedAt      string `json:"created_at"`
	TimeOffset     int    `json:"time_offset"`
	AvailableSpots int    `json:"available_spots"`
	TierLevel      int    `json:"tier_level"`
	Deleted        bool   `json:"deleted"`
}

// ParseNaive parses a remote timestamp as a wall-clock value in UTC.
func ParseNaive(raw string) (time.Time, error) {
	t, err := time.Parse(NaiveLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}

// Normalize applies the entry's UTC offset correction to a raw timestamp.
func (e Entry) Normalize(raw string) (time.Time, error) {
	t, err := ParseNaive(raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(time.Duration(e.TimeOffset) * time.Second), nil
}

func (e Entry) NormalizedStart() (time.Time, error)   { return e.Normalize(e.StartTime) }
func (e Entry) NormalizedCreated() (time.Time, error) { return e.Normalize(e.CreatedAt) }

// Summary is the display-ready view of an accepted entry.
type Summary struct {
	ID          ID        `json:"id"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	Created     time.Time `json:"created"`
	StartText   string    `json:"start_text"`
	CreatedText string    `json:"created_text"`
}

// Summarize normalizes both timestamps and renders them for humans.
func (e Entry) Summarize() (Summary, error) {
	start, err := e.NormalizedStart()
	if err != nil {
		return Summary{}, err
	}
	created, err := e.NormalizedCreated()
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		ID:          e.ID,
		Title:       e.Title,
		Start:       start,
		Created:     created,
		StartText:   FormatStart(start),
		CreatedText: FormatCreated(created),
	}, nil
}

// FormatStart and FormatCreated render the UTC wall clock whatever zone t
// was loaded in.
func FormatStart(t time.Time) string   { return t.UTC().Format(StartLayout) }
func FormatCreated(t time.Time) string { return t.UTC().Format(CreatedLayout) }

// Subject is the one-line claim confirmation used by notifications.
func (s Summary) Subject() string {
	return fmt.Sprintf("Booked %s at %s", s.Title, s.StartText)
}
