package model

import (
	"slices"
	"time"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
	"assistcal/internal/recurrence"
)

// Event is a commitment as stored in the Calendar Store, before recurrence
// expansion. A non-nil Rule makes Interval the anchor (first occurrence) of
// the series.
type Event struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	// Interval is normalized into the reasoning pass' reference timezone.
	Interval interval.Interval `json:"interval"`
	// TimeZone is the IANA zone the event was authored in, if known.
	TimeZone string `json:"time_zone,omitempty"`

	Color           string   `json:"color,omitempty"`
	ReminderMinutes int      `json:"reminder_minutes,omitempty"`
	Attendees       []string `json:"attendees,omitempty"`

	Rule    *recurrence.Rule `json:"rule,omitempty"`
	ExDates []time.Time      `json:"ex_dates,omitempty"`

	// SourceID names the calendar the event came from (store or subscription).
	SourceID string `json:"source_id,omitempty"`
	// ReadOnly events come from subscriptions and can never be rescheduled.
	ReadOnly bool `json:"read_only,omitempty"`
}

// Recurring reports whether the event carries a recurrence rule.
func (e Event) Recurring() bool { return e.Rule != nil }

// Clone returns a deep copy so callers can derive a new version of an
// event without touching the snapshot.
func (e Event) Clone() Event {
	out := e
	out.Attendees = slices.Clone(e.Attendees)
	out.ExDates = slices.Clone(e.ExDates)
	if e.Rule != nil {
		r := *e.Rule
		r.ByDay = slices.Clone(e.Rule.ByDay)
		r.ByMonthDay = slices.Clone(e.Rule.ByMonthDay)
		out.Rule = &r
	}
	return out
}

// Validate checks the locally detectable invariants of an event.
func (e Event) Validate() error {
	if !e.Interval.Valid() {
		return calerr.Invalidf("event %q: %s", e.Title, e.Interval)
	}
	if e.Rule != nil {
		return e.Rule.Validate(e.Interval.Start)
	}
	return nil
}

// Occurrence is a single concrete instance of an event, after recurrence
// expansion and timezone normalization.
type Occurrence struct {
	EventID string `json:"event_id"`

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// event, derived from its start instant.
	InstanceKey string `json:"instance_key"`
	// SeriesIndex is the 0-based position within the series; 0 for
	// standalone events.
	SeriesIndex int  `json:"series_index"`
	Recurring   bool `json:"recurring"`

	Title    string `json:"title"`
	Color    string `json:"color,omitempty"`
	SourceID string `json:"source_id,omitempty"`
	ReadOnly bool   `json:"read_only,omitempty"`

	Interval interval.Interval `json:"interval"`
}

// Key identifies one occurrence within a snapshot.
type Key struct {
	EventID     string `json:"event_id"`
	InstanceKey string `json:"instance_key,omitempty"`
}

// Key returns the occurrence's identity.
func (o Occurrence) Key() Key {
	return Key{EventID: o.EventID, InstanceKey: o.InstanceKey}
}

// Matches reports whether k selects o. An empty InstanceKey selects any
// occurrence of the event.
func (k Key) Matches(o Occurrence) bool {
	if k.EventID != o.EventID {
		return false
	}
	return k.InstanceKey == "" || k.InstanceKey == o.InstanceKey
}

// Ref converts o into the error payload form.
func (o Occurrence) Ref() calerr.Ref {
	return calerr.Ref{
		EventID:     o.EventID,
		InstanceKey: o.InstanceKey,
		Title:       o.Title,
		Start:       o.Interval.Start,
		End:         o.Interval.End,
	}
}

// InstanceKey is the stable per-instance key for an occurrence starting at t.
func InstanceKey(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// Compare orders occurrences by start, then event id, then series index.
func Compare(a, b Occurrence) int {
	if c := a.Interval.Start.Compare(b.Interval.Start); c != 0 {
		return c
	}
	if a.EventID != b.EventID {
		if a.EventID < b.EventID {
			return -1
		}
		return 1
	}
	return a.SeriesIndex - b.SeriesIndex
}

// Intervals projects occurrences onto their intervals.
func Intervals(occs []Occurrence) []interval.Interval {
	out := make([]interval.Interval, 0, len(occs))
	for _, o := range occs {
		out = append(out, o.Interval)
	}
	return out
}
