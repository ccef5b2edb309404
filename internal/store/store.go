// Package store defines the Calendar Store boundary and the immutable
// snapshot the reasoning packages work on.
package store

import (
	"context"
	"fmt"
	"time"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
	appLog "assistcal/internal/log"
	"assistcal/internal/model"
)

// Store is a calendar backend. FetchEvents returns every event that may
// have an occurrence inside window: standalone events overlapping it and
// recurring series anchored before its end.
type Store interface {
	FetchEvents(ctx context.Context, window interval.Interval) ([]model.Event, error)
	CreateEvent(ctx context.Context, ev model.Event) (string, error)
	UpdateEvent(ctx context.Context, id string, ev model.Event) error
	DeleteEvent(ctx context.Context, id string) error
}

// Getter is implemented by stores that can load a single event by id
// without knowing where it lies in time.
type Getter interface {
	GetEvent(ctx context.Context, id string) (model.Event, error)
}

// Relevant reports whether ev belongs in a FetchEvents(window) result.
func Relevant(ev model.Event, window interval.Interval) bool {
	if ev.Recurring() {
		if !ev.Interval.Start.Before(window.End) {
			return false
		}
		if u := ev.Rule.Until; !u.IsZero() && u.Before(window.Start.Add(-ev.Interval.Duration())) {
			return false
		}
		return true
	}
	return interval.Overlaps(ev.Interval, window)
}

// FetchOptions controls Fetch.
type FetchOptions struct {
	// Timeout bounds the backend call. Zero means only ctx applies.
	Timeout time.Duration
	// Location is the reference timezone. Nil means time.Local.
	Location *time.Location
	// MaxOccurrencesPerEvent caps open-ended series.
	MaxOccurrencesPerEvent int
}

// Fetch loads events for window under a deadline and expands them into a
// snapshot. A backend error or an exceeded deadline yields an error
// matching calerr.ErrStoreUnavailable; no partial snapshot is returned.
func Fetch(ctx context.Context, st Store, window interval.Interval, opt FetchOptions) (*Snapshot, error) {
	if !window.Valid() {
		return nil, calerr.Invalidf("fetch window %s", window)
	}
	loc := opt.Location
	if loc == nil {
		loc = time.Local
	}
	if opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opt.Timeout)
		defer cancel()
	}

	type result struct {
		events []model.Event
		err    error
	}
	done := make(chan result, 1)
	go func() {
		evs, err := st.FetchEvents(ctx, window)
		done <- result{evs, err}
	}()

	var events []model.Event
	select {
	case <-ctx.Done():
		appLog.Error("store fetch timed out", ctx.Err(), "window", window.String())
		return nil, calerr.Store("fetch", ctx.Err())
	case r := <-done:
		if r.err != nil {
			appLog.Error("store fetch failed", r.err, "window", window.String())
			return nil, calerr.Store("fetch", r.err)
		}
		events = r.events
	}

	snap := &Snapshot{
		Window:   window.In(loc),
		Location: loc,
		Events:   make(map[string]model.Event, len(events)),
	}
	valid := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			appLog.Error("skipping malformed event", err, "id", ev.ID)
			continue
		}
		ev.Interval = ev.Interval.In(loc)
		snap.Events[ev.ID] = ev
		valid = append(valid, ev)
	}

	res, err := model.Expand(valid, model.ExpandConfig{
		Location:               loc,
		Window:                 snap.Window,
		MaxOccurrencesPerEvent: opt.MaxOccurrencesPerEvent,
	})
	if err != nil {
		return nil, err
	}
	snap.Occurrences = res.Occurrences
	snap.Truncated = res.TruncatedEvents
	for _, id := range res.TruncatedEvents {
		appLog.Info("series truncated at occurrence cap", "id", id)
	}

	appLog.Debug("snapshot built", "events", len(snap.Events), "occurrences", len(snap.Occurrences))
	return snap, nil
}

// Snapshot is the read-only view one reasoning pass works on. Nothing in it
// is modified after Fetch returns.
type Snapshot struct {
	Window      interval.Interval
	Location    *time.Location
	Events      map[string]model.Event
	Occurrences []model.Occurrence
	// Truncated lists series that hit the occurrence cap.
	Truncated []string
}

// Event returns a deep copy of the stored event.
func (s *Snapshot) Event(id string) (model.Event, bool) {
	ev, ok := s.Events[id]
	if !ok {
		return model.Event{}, false
	}
	return ev.Clone(), true
}

// Occurrence resolves key to exactly one occurrence. An empty instance key
// is only accepted when it selects a single occurrence.
func (s *Snapshot) Occurrence(key model.Key) (model.Occurrence, error) {
	var (
		found model.Occurrence
		n     int
	)
	for _, o := range s.Occurrences {
		if key.Matches(o) {
			found = o
			n++
		}
	}
	switch {
	case n == 0:
		return model.Occurrence{}, fmt.Errorf("occurrence %s/%s in %s: %w", key.EventID, key.InstanceKey, s.Window, calerr.ErrNotFound)
	case n > 1:
		return model.Occurrence{}, calerr.Invalidf("event %s has %d occurrences in the window; an instance key is required", key.EventID, n)
	}
	return found, nil
}

// OnDay returns the occurrences starting on the calendar day containing
// day, in the snapshot's location.
func (s *Snapshot) OnDay(day time.Time) []model.Occurrence {
	d := day.In(s.Location)
	y, m, dd := d.Date()
	start := time.Date(y, m, dd, 0, 0, 0, 0, s.Location)
	end := start.AddDate(0, 0, 1)

	var out []model.Occurrence
	for _, o := range s.Occurrences {
		if !o.Interval.Start.Before(start) && o.Interval.Start.Before(end) {
			out = append(out, o)
		}
	}
	return out
}

// Busy projects the snapshot onto its occurrence intervals.
func (s *Snapshot) Busy() []interval.Interval {
	return model.Intervals(s.Occurrences)
}
