package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"assistcal/internal/interval"
	"assistcal/internal/model"
	"assistcal/internal/recurrence"
)

const feed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
X-WR-CALNAME:Team
BEGIN:VEVENT
UID:standup
SUMMARY:Standup
DTSTART:20260302T090000Z
DTEND:20260302T091500Z
RRULE:FREQ=WEEKLY;BYDAY=MO,WE;COUNT=4
EXDATE:20260304T090000Z
COLOR:green
ATTENDEE;CN=Ana:mailto:ana@example.com
BEGIN:VALARM
ACTION:DISPLAY
TRIGGER:-PT15M
END:VALARM
END:VEVENT
BEGIN:VEVENT
UID:standup
RECURRENCE-ID:20260309T090000Z
SUMMARY:Standup (moved)
DTSTART:20260309T100000Z
DTEND:20260309T101500Z
END:VEVENT
BEGIN:VEVENT
UID:offsite
SUMMARY:Offsite\, day one
DTSTART;VALUE=DATE:20260305
DTEND;VALUE=DATE:20260306
END:VEVENT
BEGIN:VEVENT
UID:broken
SUMMARY:No end
DTSTART:20260305T100000Z
END:VEVENT
END:VCALENDAR
`

func byID(events []model.Event) map[string]model.Event {
	m := make(map[string]model.Event, len(events))
	for _, ev := range events {
		m[ev.ID] = ev
	}
	return m
}

func TestDecode(t *testing.T) {
	events, err := Decode([]byte(feed), DecodeOptions{SourceID: "team", Location: time.UTC})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := byID(events)
	if len(got) != 3 {
		t.Fatalf("want 3 events (broken skipped), got %d: %+v", len(got), events)
	}

	series := got["standup"]
	if series.Rule == nil || series.Rule.Freq != recurrence.Weekly || series.Rule.Count != 4 {
		t.Fatalf("rule not parsed: %+v", series.Rule)
	}
	if series.Color != "green" || series.ReminderMinutes != 15 || series.SourceID != "team" {
		t.Fatalf("metadata lost: %+v", series)
	}
	if !slices.Equal(series.Attendees, []string{"ana@example.com"}) {
		t.Fatalf("attendees = %v", series.Attendees)
	}
	wantEx := []time.Time{
		time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC),
	}
	if len(series.ExDates) != 2 || !series.ExDates[0].Equal(wantEx[0]) || !series.ExDates[1].Equal(wantEx[1]) {
		t.Fatalf("exdates = %v, want EXDATE plus the override", series.ExDates)
	}

	moved, ok := got["standup/20260309T090000Z"]
	if !ok || moved.Recurring() || moved.Interval.Start.Hour() != 10 {
		t.Fatalf("override not folded into a standalone event: %+v", moved)
	}

	offsite := got["offsite"]
	if offsite.Title != "Offsite, day one" || offsite.Interval.Duration() != 24*time.Hour {
		t.Fatalf("all-day event = %+v", offsite)
	}

	res, err := model.Expand(events, model.ExpandConfig{
		Location: time.UTC,
		Window:   interval.MustNew(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	var starts []string
	for _, o := range res.Occurrences {
		starts = append(starts, o.Interval.Start.Format("01-02 15:04"))
	}
	want := []string{"03-02 09:00", "03-05 00:00", "03-09 10:00", "03-11 09:00"}
	if !slices.Equal(starts, want) {
		t.Fatalf("occurrences = %v, want %v", starts, want)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode(nil, DecodeOptions{}); err == nil {
		t.Fatal("empty body should fail")
	}
	if _, err := Decode([]byte("not a calendar"), DecodeOptions{}); err == nil {
		t.Fatal("garbage should fail")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	rule, err := recurrence.Parse("FREQ=MONTHLY;BYDAY=1MO;COUNT=3")
	if err != nil {
		t.Fatal(err)
	}
	in := []model.Event{
		{
			ID:              "review",
			Title:           "Review; planning, Q2",
			Description:     "line one\nline two",
			Location:        "Room 4",
			Interval:        interval.MustNew(time.Date(2026, 3, 2, 9, 0, 0, 0, ny), time.Date(2026, 3, 2, 10, 0, 0, 0, ny)),
			TimeZone:        "America/New_York",
			Color:           "bold_red",
			ReminderMinutes: 10,
			Attendees:       []string{"bo@example.com"},
			Rule:            rule,
			ExDates:         []time.Time{time.Date(2026, 4, 6, 9, 0, 0, 0, ny)},
		},
		{
			ID:       "lunch",
			Title:    "Lunch",
			Interval: interval.MustNew(time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC), time.Date(2026, 3, 3, 13, 0, 0, 0, time.UTC)),
		},
	}

	body, err := Encode(in, "Mine")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(body), "DTSTART;TZID=America/New_York:20260302T090000") {
		t.Fatalf("wall clock start not written with TZID:\n%s", body)
	}

	out, err := Decode(body, DecodeOptions{Location: time.UTC})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := byID(out)
	r := got["review"]
	if r.Title != in[0].Title || r.Description != in[0].Description || r.Location != "Room 4" {
		t.Fatalf("text fields changed: %+v", r)
	}
	if !r.Interval.Equal(in[0].Interval) || r.TimeZone != "America/New_York" {
		t.Fatalf("interval = %s tz=%q", r.Interval, r.TimeZone)
	}
	if r.Rule == nil || r.Rule.String() != rule.String() {
		t.Fatalf("rule = %v, want %v", r.Rule, rule)
	}
	if r.ReminderMinutes != 10 || r.Color != "bold_red" || len(r.ExDates) != 1 || !r.ExDates[0].Equal(in[0].ExDates[0]) {
		t.Fatalf("metadata lost: %+v", r)
	}
	if l := got["lunch"]; !l.Interval.Equal(in[1].Interval) || l.Rule != nil {
		t.Fatalf("lunch = %+v", l)
	}
}

func TestParseTrigger(t *testing.T) {
	cases := map[string]time.Duration{
		"-PT15M":  15 * time.Minute,
		"-PT1H":   time.Hour,
		"-P1D":    24 * time.Hour,
		"-P1DT2H": 26 * time.Hour,
	}
	for in, want := range cases {
		if got, ok := parseTrigger(in); !ok || got != want {
			t.Errorf("parseTrigger(%q) = %s, %v", in, got, ok)
		}
	}
	for _, in := range []string{"PT15M", "-PT", "-PT5X", "20260101T000000Z"} {
		if _, ok := parseTrigger(in); ok {
			t.Errorf("parseTrigger(%q) should fail", in)
		}
	}
}

func TestFetcherCachesAndFallsBack(t *testing.T) {
	var hits, notModified atomic.Int32
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if down.Load() {
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), time.Second)
	fd := Feed{ID: "team", URL: srv.URL + "/private.ics?token=secret"}

	res, err := f.Fetch(context.Background(), fd)
	if err != nil || res.FromCache || len(res.Body) == 0 {
		t.Fatalf("first fetch: %+v, %v", res.FromCache, err)
	}

	res, err = f.Fetch(context.Background(), fd)
	if err != nil || !res.FromCache || notModified.Load() != 1 {
		t.Fatalf("second fetch should be a conditional hit: fromCache=%v err=%v 304s=%d", res.FromCache, err, notModified.Load())
	}

	down.Store(true)
	res, err = f.Fetch(context.Background(), fd)
	if err != nil || !res.FromCache || string(res.Body) != feed {
		t.Fatalf("failing feed should fall back to cache: %v", err)
	}

	empty := NewFetcher(t.TempDir(), time.Second)
	if _, err := empty.Fetch(context.Background(), fd); err == nil {
		t.Fatal("failing feed without cache should error")
	}
}

func TestSubscriptionKeepsLastGoodEvents(t *testing.T) {
	var broken atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			_, _ = w.Write([]byte("garbage"))
			return
		}
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	sub := NewSubscription(Feed{ID: "team", URL: srv.URL}, NewFetcher(t.TempDir(), time.Second), time.UTC)
	if sub.ID() != "team" {
		t.Fatalf("ID = %q", sub.ID())
	}
	evs, err := sub.Events(context.Background())
	if err != nil || len(evs) != 3 {
		t.Fatalf("Events: %d, %v", len(evs), err)
	}
	if sub.LastRefresh().IsZero() {
		t.Fatal("refresh time not recorded")
	}

	broken.Store(true)
	if n := RefreshAll(context.Background(), []*Subscription{sub}); n != 0 {
		t.Fatalf("RefreshAll reported %d successes for a broken feed", n)
	}
	evs, err = sub.Events(context.Background())
	if err != nil || len(evs) != 3 {
		t.Fatalf("previous events should survive a bad refresh: %d, %v", len(evs), err)
	}
}

func TestRedactURL(t *testing.T) {
	if got := redactURL("https://cal.example.com/private/abc.ics?token=x"); got != "https://cal.example.com/...(redacted)" {
		t.Fatalf("redactURL = %q", got)
	}
	if got := redactURL("nonsense"); got != "ics://...(redacted)" {
		t.Fatalf("redactURL = %q", got)
	}
}
