// Package interval is the canonical representation of a time range.
//
// Intervals are half-open [Start, End) and hold absolute instants expressed
// in one reference location, so comparisons never depend on the zone an
// event was authored in.
package interval

import (
	"slices"
	"strings"
	"time"

	"assistcal/internal/calerr"
)

// Interval is a half-open time range. Start is always before End.
type Interval struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Normalize converts raw start/end into loc and validates the result.
// A nil loc keeps instants in UTC.
func Normalize(rawStart, rawEnd time.Time, loc *time.Location) (Interval, error) {
	if rawStart.IsZero() || rawEnd.IsZero() {
		return Interval{}, calerr.Invalidf("zero start or end")
	}
	if loc == nil {
		loc = time.UTC
	}
	iv := Interval{Start: rawStart.In(loc), End: rawEnd.In(loc)}
	if !iv.Start.Before(iv.End) {
		return Interval{}, calerr.Invalidf("start %s is not before end %s",
			iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339))
	}
	return iv, nil
}

// MustNew is Normalize for literals known to be valid; it panics otherwise.
func MustNew(start, end time.Time) Interval {
	iv, err := Normalize(start, end, start.Location())
	if err != nil {
		panic(err)
	}
	return iv
}

var layouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime parses a user supplied timestamp. RFC 3339 values keep their
// offset; the local layouts are interpreted in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, calerr.Invalidf("empty time value")
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, calerr.Invalidf("cannot parse time %q (use ISO 8601, e.g. 2026-03-01T15:00)", s)
}

// ParseInLocation parses both ends with ParseTime and normalizes them.
func ParseInLocation(start, end string, loc *time.Location) (Interval, error) {
	s, err := ParseTime(start, loc)
	if err != nil {
		return Interval{}, err
	}
	e, err := ParseTime(end, loc)
	if err != nil {
		return Interval{}, err
	}
	return Normalize(s, e, loc)
}

// Valid reports whether Start is strictly before End.
func (iv Interval) Valid() bool {
	return !iv.Start.IsZero() && iv.Start.Before(iv.End)
}

// Duration is End - Start.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Contains reports whether t lies in [Start, End).
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Shift moves both ends by d.
func (iv Interval) Shift(d time.Duration) Interval {
	return Interval{Start: iv.Start.Add(d), End: iv.End.Add(d)}
}

// In returns the same instants expressed in loc.
func (iv Interval) In(loc *time.Location) Interval {
	return Interval{Start: iv.Start.In(loc), End: iv.End.In(loc)}
}

// Equal compares instants, ignoring location.
func (iv Interval) Equal(o Interval) bool {
	return iv.Start.Equal(o.Start) && iv.End.Equal(o.End)
}

func (iv Interval) String() string {
	return "[" + iv.Start.Format(time.RFC3339) + ", " + iv.End.Format(time.RFC3339) + ")"
}

// Overlaps reports whether a and b share any instant. Touching intervals
// (a.End == b.Start) do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Intersect returns the overlap of a and b, if any.
func Intersect(a, b Interval) (Interval, bool) {
	if !Overlaps(a, b) {
		return Interval{}, false
	}
	out := a
	if b.Start.After(out.Start) {
		out.Start = b.Start
	}
	if b.End.Before(out.End) {
		out.End = b.End
	}
	return out, true
}

// Compare orders intervals by start, then by end.
func Compare(a, b Interval) int {
	if c := a.Start.Compare(b.Start); c != 0 {
		return c
	}
	return a.End.Compare(b.End)
}

// Merge coalesces overlapping or touching intervals into the minimal
// covering set, sorted by start. The input is not modified.
func Merge(in []Interval) []Interval {
	if len(in) == 0 {
		return nil
	}
	sorted := slices.Clone(in)
	slices.SortStableFunc(sorted, Compare)

	out := make([]Interval, 0, len(sorted))
	cur := sorted[0]
	for _, iv := range sorted[1:] {
		if !iv.Start.After(cur.End) {
			if iv.End.After(cur.End) {
				cur.End = iv.End
			}
			continue
		}
		out = append(out, cur)
		cur = iv
	}
	return append(out, cur)
}
