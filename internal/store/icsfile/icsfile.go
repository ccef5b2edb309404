// Package icsfile keeps the calendar in a single local .ics file. Every
// write re-reads the file, applies the change and rewrites it atomically.
package icsfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistcal/internal/calerr"
	"assistcal/internal/ics"
	"assistcal/internal/interval"
	appLog "assistcal/internal/log"
	"assistcal/internal/model"
	"assistcal/internal/store"
)

// Store implements store.Store on an .ics file.
type Store struct {
	path string
	name string
	loc  *time.Location

	mu sync.Mutex
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Getter = (*Store)(nil)
)

// New returns a Store for path. The file is created on the first write;
// name becomes the calendar's X-WR-CALNAME. Floating and all-day times are
// read in loc.
func New(path, name string, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{path: path, name: name, loc: loc}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

func (s *Store) FetchEvents(ctx context.Context, window interval.Interval) ([]model.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.load()
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, ev := range events {
		if store.Relevant(ev, window) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (model.Event, error) {
	if err := ctx.Err(); err != nil {
		return model.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.load()
	if err != nil {
		return model.Event{}, err
	}
	i := slices.IndexFunc(events, func(e model.Event) bool { return e.ID == id })
	if i < 0 {
		return model.Event{}, fmt.Errorf("event %s: %w", id, calerr.ErrNotFound)
	}
	return events[i], nil
}

func (s *Store) CreateEvent(ctx context.Context, ev model.Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	err := s.mutate(ctx, func(events []model.Event) ([]model.Event, error) {
		if slices.ContainsFunc(events, func(e model.Event) bool { return e.ID == ev.ID }) {
			return nil, fmt.Errorf("event %s already exists", ev.ID)
		}
		return append(events, ev.Clone()), nil
	})
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

func (s *Store) UpdateEvent(ctx context.Context, id string, ev model.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, func(events []model.Event) ([]model.Event, error) {
		i := slices.IndexFunc(events, func(e model.Event) bool { return e.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("event %s: %w", id, calerr.ErrNotFound)
		}
		ev = ev.Clone()
		ev.ID = id
		events[i] = ev
		return events, nil
	})
}

func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	return s.mutate(ctx, func(events []model.Event) ([]model.Event, error) {
		i := slices.IndexFunc(events, func(e model.Event) bool { return e.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("event %s: %w", id, calerr.ErrNotFound)
		}
		return slices.Delete(events, i, i+1), nil
	})
}

func (s *Store) mutate(ctx context.Context, fn func([]model.Event) ([]model.Event, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.load()
	if err != nil {
		return err
	}
	events, err = fn(events)
	if err != nil {
		return err
	}
	return s.save(events)
}

// load reads the file; a missing file is an empty calendar.
func (s *Store) load() ([]model.Event, error) {
	body, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil, nil
	}
	return ics.Decode(body, ics.DecodeOptions{Location: s.loc})
}

func (s *Store) save(events []model.Event) error {
	slices.SortFunc(events, func(a, b model.Event) int {
		if c := a.Interval.Start.Compare(b.Interval.Start); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	body, err := ics.Encode(events, s.name)
	if err != nil {
		return fmt.Errorf("encode calendar: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".calendar-*.ics")
	if err != nil {
		return fmt.Errorf("create temp calendar: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp calendar: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp calendar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp calendar: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename calendar: %w", err)
	}
	appLog.Debug("ics calendar written", "path", s.path, "events", len(events))
	return nil
}
