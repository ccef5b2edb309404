package icsfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
	"assistcal/internal/model"
	"assistcal/internal/recurrence"
)

func utc(d, h, mi int) time.Time { return time.Date(2026, 3, d, h, mi, 0, 0, time.UTC) }

func TestCRUD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal", "mine.ics")
	s := New(path, "Mine", time.UTC)
	ctx := context.Background()
	all := interval.MustNew(utc(1, 0, 0), utc(31, 0, 0))

	evs, err := s.FetchEvents(ctx, all)
	if err != nil || len(evs) != 0 {
		t.Fatalf("missing file should read as empty: %v %v", evs, err)
	}

	rule, err := recurrence.Parse("FREQ=DAILY;COUNT=3")
	if err != nil {
		t.Fatal(err)
	}
	seriesID, err := s.CreateEvent(ctx, model.Event{
		Title:    "Walk; outside",
		Interval: interval.MustNew(utc(2, 7, 0), utc(2, 7, 30)),
		Rule:     rule,
	})
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	lunchID, err := s.CreateEvent(ctx, model.Event{ID: "lunch", Title: "Lunch", Interval: interval.MustNew(utc(3, 12, 0), utc(3, 13, 0))})
	if err != nil || lunchID != "lunch" {
		t.Fatalf("CreateEvent(lunch) = %q, %v", lunchID, err)
	}
	if _, err := s.CreateEvent(ctx, model.Event{ID: "lunch", Title: "again", Interval: interval.MustNew(utc(4, 12, 0), utc(4, 13, 0))}); err == nil {
		t.Fatal("duplicate id should fail")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("calendar not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}
	body, _ := os.ReadFile(path)
	if !strings.Contains(string(body), "X-WR-CALNAME:Mine") || !strings.Contains(string(body), "RRULE:FREQ=DAILY;INTERVAL=1;COUNT=3") {
		t.Fatalf("unexpected calendar:\n%s", body)
	}

	moved := model.Event{Title: "Late lunch", Interval: interval.MustNew(utc(3, 14, 0), utc(3, 15, 0))}
	if err := s.UpdateEvent(ctx, "lunch", moved); err != nil {
		t.Fatalf("UpdateEvent: %v", err)
	}

	evs, err = New(path, "Mine", time.UTC).FetchEvents(ctx, all)
	if err != nil {
		t.Fatalf("FetchEvents: %v", err)
	}
	byID := map[string]model.Event{}
	for _, ev := range evs {
		byID[ev.ID] = ev
	}
	if len(byID) != 2 {
		t.Fatalf("events = %+v", evs)
	}
	if sr := byID[seriesID]; sr.Title != "Walk; outside" || sr.Rule == nil || sr.Rule.Count != 3 {
		t.Fatalf("series = %+v", sr)
	}
	if l := byID["lunch"]; l.Title != "Late lunch" || !l.Interval.Equal(moved.Interval) {
		t.Fatalf("lunch = %+v", l)
	}

	if err := s.DeleteEvent(ctx, "lunch"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if err := s.DeleteEvent(ctx, "lunch"); !errors.Is(err, calerr.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
	if err := s.UpdateEvent(ctx, "lunch", moved); !errors.Is(err, calerr.ErrNotFound) {
		t.Fatalf("update after delete: %v", err)
	}
}

func TestFetchEventsFiltersWindow(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "cal.ics"), "", time.UTC)
	ctx := context.Background()
	for _, ev := range []model.Event{
		{ID: "a", Title: "a", Interval: interval.MustNew(utc(2, 9, 0), utc(2, 10, 0))},
		{ID: "b", Title: "b", Interval: interval.MustNew(utc(9, 9, 0), utc(9, 10, 0))},
	} {
		if _, err := s.CreateEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	evs, err := s.FetchEvents(ctx, interval.MustNew(utc(1, 0, 0), utc(5, 0, 0)))
	if err != nil || len(evs) != 1 || evs[0].ID != "a" {
		t.Fatalf("FetchEvents = %+v, %v", evs, err)
	}
}

func TestCorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.ics")
	if err := os.WriteFile(path, []byte("not a calendar"), 0o600); err != nil {
		t.Fatal(err)
	}
	s := New(path, "", time.UTC)
	if _, err := s.FetchEvents(context.Background(), interval.MustNew(utc(1, 0, 0), utc(5, 0, 0))); err == nil {
		t.Fatal("corrupt calendar should fail")
	}
}
