// Package assistant is the exposed API of the calendar assistant. It ties a
// Calendar Store to the reasoning packages: every query fetches (or reuses)
// an immutable snapshot and answers from it, and every write goes through
// the store and drops cached snapshots.
package assistant

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/text/cases"

	"assistcal/internal/calerr"
	"assistcal/internal/conflict"
	"assistcal/internal/freeslot"
	"assistcal/internal/interval"
	appLog "assistcal/internal/log"
	"assistcal/internal/model"
	"assistcal/internal/preference"
	"assistcal/internal/recurrence"
	"assistcal/internal/store"
)

// Options configures a Service.
type Options struct {
	// Location is the reference timezone. Nil means time.Local.
	Location *time.Location
	// FetchTimeout bounds every store fetch.
	FetchTimeout time.Duration
	// MaxOccurrencesPerEvent caps open-ended series per snapshot.
	MaxOccurrencesPerEvent int
	// Horizon is how far ahead recurring bookings are checked for
	// conflicts. Zero means 30 days.
	Horizon time.Duration
	// Work, when set, is the default work window for free-slot search and
	// the source of work-hours warnings.
	Work *freeslot.WorkWindow
	// PreferencesPath is the preference YAML file. Empty means the
	// built-in defaults, read-only.
	PreferencesPath string
	// CacheSize and CacheTTL enable the read snapshot cache when both are
	// positive.
	CacheSize int
	CacheTTL  time.Duration
}

// Service answers calendar questions over a store.
type Service struct {
	st    store.Store
	opt   Options
	cache *expirable.LRU[string, *store.Snapshot]
}

// New returns a Service over st.
func New(st store.Store, opt Options) *Service {
	if opt.Location == nil {
		opt.Location = time.Local
	}
	if opt.Horizon <= 0 {
		opt.Horizon = 30 * 24 * time.Hour
	}
	s := &Service{st: st, opt: opt}
	if opt.CacheSize > 0 && opt.CacheTTL > 0 {
		s.cache = expirable.NewLRU[string, *store.Snapshot](opt.CacheSize, nil, opt.CacheTTL)
	}
	return s
}

// Location returns the reference timezone.
func (s *Service) Location() *time.Location { return s.opt.Location }

// Snapshot fetches a fresh snapshot of window, bypassing the cache.
func (s *Service) Snapshot(ctx context.Context, window interval.Interval) (*store.Snapshot, error) {
	return store.Fetch(ctx, s.st, window, store.FetchOptions{
		Timeout:                s.opt.FetchTimeout,
		Location:               s.opt.Location,
		MaxOccurrencesPerEvent: s.opt.MaxOccurrencesPerEvent,
	})
}

// cachedSnapshot serves read-only queries. Snapshots are never modified
// after Fetch, so sharing one between callers is safe.
func (s *Service) cachedSnapshot(ctx context.Context, window interval.Interval) (*store.Snapshot, error) {
	if s.cache == nil {
		return s.Snapshot(ctx, window)
	}
	key := window.Start.UTC().Format(time.RFC3339) + "/" + window.End.UTC().Format(time.RFC3339)
	if snap, ok := s.cache.Get(key); ok {
		return snap, nil
	}
	snap, err := s.Snapshot(ctx, window)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, snap)
	return snap, nil
}

// Invalidate drops every cached snapshot.
func (s *Service) Invalidate() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// MatchPreference returns the first rule matching text.
func (s *Service) MatchPreference(text string, rules []preference.Rule, def preference.Rule) preference.Result {
	return preference.Match(text, rules, def)
}

// FindConflicts lists the occurrences overlapping candidate. A zero window
// means the candidate itself.
func (s *Service) FindConflicts(ctx context.Context, candidate, window interval.Interval) ([]model.Occurrence, error) {
	if !candidate.Valid() {
		return nil, calerr.Invalidf("candidate %s", candidate)
	}
	if window.Start.IsZero() && window.End.IsZero() {
		window = candidate
	}
	snap, err := s.cachedSnapshot(ctx, window)
	if err != nil {
		return nil, err
	}
	return conflict.Check(candidate.In(snap.Location), snap.Occurrences)
}

// FindFreeSlots returns open slots of at least minDuration in window. A nil
// ww falls back to the configured work window; with neither, the whole
// window is bookable.
func (s *Service) FindFreeSlots(ctx context.Context, window interval.Interval, minDuration time.Duration, ww *freeslot.WorkWindow) ([]freeslot.Slot, error) {
	if ww == nil {
		ww = s.opt.Work
	}
	if !window.Valid() {
		return nil, calerr.Invalidf("window %s", window)
	}
	snap, err := s.cachedSnapshot(ctx, window)
	if err != nil {
		return nil, err
	}
	return freeslot.Find(snap.Busy(), snap.Window, minDuration, ww)
}

// ExpandRecurrence materializes rule from anchor over window.
func (s *Service) ExpandRecurrence(rule *recurrence.Rule, anchor, window interval.Interval) (iter.Seq[recurrence.Item], error) {
	return recurrence.Expand(rule, anchor, window)
}

// ListOccurrences returns every occurrence in window, chronologically.
func (s *Service) ListOccurrences(ctx context.Context, window interval.Interval) ([]model.Occurrence, error) {
	snap, err := s.cachedSnapshot(ctx, window)
	if err != nil {
		return nil, err
	}
	return snap.Occurrences, nil
}

// Search returns the occurrences in window whose title or description
// contains query, compared with Unicode case folding.
func (s *Service) Search(ctx context.Context, query string, window interval.Interval) ([]model.Occurrence, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, calerr.Inputf("empty search query")
	}
	snap, err := s.cachedSnapshot(ctx, window)
	if err != nil {
		return nil, err
	}
	folder := cases.Fold()
	needle := folder.String(query)

	var out []model.Occurrence
	for _, o := range snap.Occurrences {
		text := o.Title
		if ev, ok := snap.Events[o.EventID]; ok && ev.Description != "" {
			text += "\n" + ev.Description
		}
		if strings.Contains(folder.String(text), needle) {
			out = append(out, o)
		}
	}
	appLog.Debug("search completed", "query", query, "hits", len(out))
	return out, nil
}

// DeleteEvent removes an event (a whole series for recurring events).
func (s *Service) DeleteEvent(ctx context.Context, id string) error {
	if id == "" {
		return calerr.Inputf("empty event id")
	}
	if err := s.st.DeleteEvent(ctx, id); err != nil {
		return calerr.Store("delete", err)
	}
	s.Invalidate()
	appLog.Info("event deleted", "id", id)
	return nil
}
