package model

import (
	"fmt"
	"slices"
	"time"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
	"assistcal/internal/recurrence"
)

const defaultMaxOccurrencesPerEvent = 5000

// ExpandConfig controls how events are materialized into occurrences.
type ExpandConfig struct {
	// Location is the reference timezone every occurrence is converted to.
	// If nil, time.Local is used.
	Location *time.Location

	// Window is the half-open range occurrences must intersect.
	Window interval.Interval

	// MaxOccurrencesPerEvent is a safety cap for open-ended series. If zero,
	// defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandResult is the sorted occurrence set plus the ids of series that
// hit the cap.
type ExpandResult struct {
	Occurrences     []Occurrence
	TruncatedEvents []string
}

// Expand materializes events into occurrences intersecting cfg.Window,
// sorted by Compare. Standalone events yield at most one occurrence;
// recurring events are expanded from their anchor with their EXDATEs
// applied.
func Expand(events []Event, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if !cfg.Window.Valid() {
		return result, calerr.Invalidf("expand window %s", cfg.Window)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	zones := map[string]*time.Location{}
	out := make([]Occurrence, 0, len(events))
	for _, ev := range events {
		if !ev.Recurring() {
			if interval.Overlaps(ev.Interval, cfg.Window) {
				out = append(out, makeOccurrence(ev, ev.Interval, 0, cfg.Location))
			}
			continue
		}

		// A series repeats on the wall clock it was written in; only the
		// resulting occurrences are converted to the reference location.
		anchor := ev.Interval.In(seriesLocation(ev, cfg.Location, zones))
		items, truncated, err := recurrence.ExpandAll(ev.Rule, anchor, cfg.Window,
			recurrence.WithExclusions(ev.ExDates...),
			recurrence.WithLimit(cfg.MaxOccurrencesPerEvent),
		)
		if err != nil {
			return ExpandResult{}, fmt.Errorf("expand event %s: %w", ev.ID, err)
		}
		for _, it := range items {
			out = append(out, makeOccurrence(ev, it.Interval, it.Index, cfg.Location))
		}
		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, ev.ID)
		}
	}

	slices.SortFunc(out, Compare)
	result.Occurrences = out
	return result, nil
}

func makeOccurrence(ev Event, iv interval.Interval, index int, loc *time.Location) Occurrence {
	iv = iv.In(loc)
	return Occurrence{
		EventID:     ev.ID,
		InstanceKey: InstanceKey(iv.Start),
		SeriesIndex: index,
		Recurring:   ev.Recurring(),
		Title:       ev.Title,
		Color:       ev.Color,
		SourceID:    ev.SourceID,
		ReadOnly:    ev.ReadOnly,
		Interval:    iv,
	}
}

// seriesLocation is the zone ev repeats in: its own TimeZone when that names
// a loadable zone, otherwise ref. Loaded zones are memoized in zones.
func seriesLocation(ev Event, ref *time.Location, zones map[string]*time.Location) *time.Location {
	if ev.TimeZone == "" {
		return ref
	}
	if loc, ok := zones[ev.TimeZone]; ok {
		return loc
	}
	loc, err := time.LoadLocation(ev.TimeZone)
	if err != nil {
		loc = ref
	}
	zones[ev.TimeZone] = loc
	return loc
}
