// Package freeslot finds open gaps in a busy schedule, clipped to working
// hours. Find is a pure read over the intervals it is given.
package freeslot

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
)

// WorkWindow is the bookable part of each day. DailyStart and DailyEnd are
// offsets from local midnight; WorkDays lists the bookable weekdays.
type WorkWindow struct {
	DailyStart time.Duration
	DailyEnd   time.Duration
	WorkDays   []time.Weekday
}

// Slot is a free gap of at least the requested duration.
type Slot struct {
	Interval        interval.Interval `json:"interval"`
	DurationMinutes int               `json:"duration_minutes"`
}

// DefaultWorkWindow is 09:00-18:00, Monday to Friday.
func DefaultWorkWindow() WorkWindow {
	return WorkWindow{
		DailyStart: 9 * time.Hour,
		DailyEnd:   18 * time.Hour,
		WorkDays:   []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}
}

// Validate checks the window's daily range and day set.
func (w WorkWindow) Validate() error {
	if w.DailyStart < 0 || w.DailyEnd > 24*time.Hour || w.DailyEnd <= w.DailyStart {
		return calerr.Invalidf("work window %s-%s", FormatClock(w.DailyStart), FormatClock(w.DailyEnd))
	}
	if len(w.WorkDays) == 0 {
		return calerr.Invalidf("work window has no work days")
	}
	return nil
}

// Works reports whether d is a work day.
func (w WorkWindow) Works(d time.Weekday) bool {
	return slices.Contains(w.WorkDays, d)
}

// Bounds returns the bookable range of the calendar day containing t, in
// t's location. Wall-clock bounds are kept across DST changes.
func (w WorkWindow) Bounds(t time.Time) interval.Interval {
	y, m, d := t.Date()
	loc := t.Location()
	return interval.Interval{
		Start: time.Date(y, m, d, 0, int(w.DailyStart/time.Minute), 0, 0, loc),
		End:   time.Date(y, m, d, 0, int(w.DailyEnd/time.Minute), 0, 0, loc),
	}
}

// Find returns the free slots of at least minDuration inside window that do
// not overlap any busy interval. With a non-nil ww, each gap is clipped per
// calendar day (in window.Start's location) to the daily bounds and days
// outside ww.WorkDays yield nothing. Slots are chronological and pairwise
// non-overlapping.
func Find(busy []interval.Interval, window interval.Interval, minDuration time.Duration, ww *WorkWindow) ([]Slot, error) {
	if !window.Valid() {
		return nil, calerr.Invalidf("window %s", window)
	}
	if minDuration <= 0 {
		return nil, calerr.Invalidf("minimum duration must be positive, got %s", minDuration)
	}
	if ww != nil {
		if err := ww.Validate(); err != nil {
			return nil, err
		}
	}
	loc := window.Start.Location()

	var gaps []interval.Interval
	cursor := window.Start
	for _, b := range interval.Merge(busy) {
		if !b.End.After(window.Start) {
			continue
		}
		if !b.Start.Before(window.End) {
			break
		}
		if b.Start.After(cursor) {
			gaps = append(gaps, interval.Interval{Start: cursor, End: b.Start})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if cursor.Before(window.End) {
		gaps = append(gaps, interval.Interval{Start: cursor, End: window.End})
	}

	var out []Slot
	emit := func(iv interval.Interval) {
		if iv.Duration() >= minDuration {
			out = append(out, Slot{Interval: iv.In(loc), DurationMinutes: int(iv.Duration() / time.Minute)})
		}
	}
	for _, g := range gaps {
		if ww == nil {
			emit(g)
			continue
		}
		first := g.Start.In(loc)
		y, m, d := first.Date()
		for day := time.Date(y, m, d, 0, 0, 0, 0, loc); day.Before(g.End); day = day.AddDate(0, 0, 1) {
			if !ww.Works(day.Weekday()) {
				continue
			}
			if clipped, ok := interval.Intersect(g, ww.Bounds(day)); ok {
				emit(clipped)
			}
		}
	}
	return out, nil
}

// ParseClock parses "HH:MM" into an offset from midnight. "24:00" is the
// end of the day.
func ParseClock(s string) (time.Duration, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, calerr.Invalidf("clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, calerr.Invalidf("clock %q: %v", s, err)
	}
	mi, err := strconv.Atoi(mm)
	if err != nil {
		return 0, calerr.Invalidf("clock %q: %v", s, err)
	}
	if h < 0 || mi < 0 || mi > 59 || h > 24 || (h == 24 && mi != 0) {
		return 0, calerr.Invalidf("clock %q out of range", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute, nil
}

// FormatClock renders an offset from midnight as "HH:MM".
func FormatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseWeekday accepts English day names or their three-letter prefix.
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) >= 3 {
		if d, ok := weekdays[s[:3]]; ok {
			return d, nil
		}
	}
	return 0, calerr.Invalidf("unknown weekday %q", s)
}
