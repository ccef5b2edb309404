package model

import (
	"testing"
	"time"

	"assistcal/internal/interval"
	"assistcal/internal/recurrence"
)

func at(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func TestExpandMixesStandaloneAndSeries(t *testing.T) {
	events := []Event{
		{ID: "b", Title: "one-off", Interval: interval.MustNew(at("2026-03-04 09:00"), at("2026-03-04 10:00"))},
		{
			ID:       "a",
			Title:    "standup",
			Interval: interval.MustNew(at("2026-03-02 09:00"), at("2026-03-02 09:15")),
			Rule:     &recurrence.Rule{Freq: recurrence.Daily, Count: 5},
			ExDates:  []time.Time{at("2026-03-03 09:00")},
		},
		{ID: "c", Title: "outside", Interval: interval.MustNew(at("2026-04-01 09:00"), at("2026-04-01 10:00"))},
	}

	res, err := Expand(events, ExpandConfig{
		Location: time.UTC,
		Window:   interval.MustNew(at("2026-03-01 00:00"), at("2026-03-08 00:00")),
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}

	var got []string
	for _, o := range res.Occurrences {
		got = append(got, o.EventID+"@"+o.Interval.Start.Format("01-02T15:04"))
	}
	want := []string{
		"a@03-02T09:00",
		"a@03-04T09:00",
		"b@03-04T09:00",
		"a@03-05T09:00",
		"a@03-06T09:00",
	}
	if len(got) != len(want) {
		t.Fatalf("occurrences = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("occurrences = %v, want %v", got, want)
		}
	}
	if res.Occurrences[1].SeriesIndex != 2 || !res.Occurrences[1].Recurring {
		t.Fatalf("unexpected series metadata: %+v", res.Occurrences[1])
	}
}

func TestExpandReportsTruncation(t *testing.T) {
	events := []Event{{
		ID:       "daily",
		Interval: interval.MustNew(at("2026-01-01 09:00"), at("2026-01-01 10:00")),
		Rule:     &recurrence.Rule{Freq: recurrence.Daily},
	}}
	res, err := Expand(events, ExpandConfig{
		Location:               time.UTC,
		Window:                 interval.MustNew(at("2026-01-01 00:00"), at("2027-01-01 00:00")),
		MaxOccurrencesPerEvent: 30,
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(res.Occurrences) != 30 || len(res.TruncatedEvents) != 1 {
		t.Fatalf("got %d occurrences, truncated %v", len(res.Occurrences), res.TruncatedEvents)
	}
}

func TestExpandKeepsSeriesTimeZone(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// Monday 17:00 in Los Angeles is already Tuesday in Berlin; the rule
	// must still pick Mondays on the Los Angeles clock.
	start := time.Date(2026, 3, 2, 17, 0, 0, 0, la)
	events := []Event{{
		ID:       "standup",
		TimeZone: "America/Los_Angeles",
		Interval: interval.MustNew(start, start.Add(time.Hour)).In(berlin),
		Rule:     &recurrence.Rule{Freq: recurrence.Weekly, ByDay: []recurrence.Weekday{{Day: time.Monday}}, Count: 3},
	}}
	res, err := Expand(events, ExpandConfig{
		Location: berlin,
		Window:   interval.MustNew(start.AddDate(0, 0, -1), start.AddDate(0, 1, 0)),
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(res.Occurrences) != 3 {
		t.Fatalf("got %d occurrences, want 3", len(res.Occurrences))
	}
	for i, o := range res.Occurrences {
		if o.Interval.Start.Location() != berlin {
			t.Errorf("occurrence %d not in the reference location: %v", i, o.Interval.Start)
		}
		local := o.Interval.Start.In(la)
		want := start.AddDate(0, 0, 7*i)
		if local.Weekday() != time.Monday || local.Hour() != 17 || !local.Equal(want) {
			t.Errorf("occurrence %d = %s in Los Angeles, want %s", i, local.Format("Mon 2006-01-02 15:04"), want.Format("Mon 2006-01-02 15:04"))
		}
	}
}

func TestExpandUnknownTimeZoneFallsBack(t *testing.T) {
	events := []Event{{
		ID:       "daily",
		TimeZone: "Not/AZone",
		Interval: interval.MustNew(at("2026-03-02 09:00"), at("2026-03-02 10:00")),
		Rule:     &recurrence.Rule{Freq: recurrence.Daily, Count: 2},
	}}
	res, err := Expand(events, ExpandConfig{
		Location: time.UTC,
		Window:   interval.MustNew(at("2026-03-01 00:00"), at("2026-03-08 00:00")),
	})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(res.Occurrences) != 2 || !res.Occurrences[1].Interval.Start.Equal(at("2026-03-03 09:00")) {
		t.Fatalf("occurrences = %+v", res.Occurrences)
	}
}

func TestCloneIsDeep(t *testing.T) {
	ev := Event{
		ID:        "x",
		Attendees: []string{"a@example.com"},
		Rule:      &recurrence.Rule{Freq: recurrence.Weekly, ByDay: []recurrence.Weekday{{Day: time.Monday}}},
	}
	cp := ev.Clone()
	cp.Attendees[0] = "b@example.com"
	cp.Rule.ByDay[0].Day = time.Friday
	cp.ExDates = append(cp.ExDates, at("2026-03-02 09:00"))

	if ev.Attendees[0] != "a@example.com" || ev.Rule.ByDay[0].Day != time.Monday || len(ev.ExDates) != 0 {
		t.Fatalf("Clone shares state with original: %+v", ev)
	}
}

func TestKeyMatches(t *testing.T) {
	o := Occurrence{EventID: "e1", InstanceKey: "20260302T090000Z"}
	if !(Key{EventID: "e1"}).Matches(o) {
		t.Fatal("empty instance key should match any occurrence of the event")
	}
	if (Key{EventID: "e1", InstanceKey: "other"}).Matches(o) {
		t.Fatal("instance key mismatch should not match")
	}
	if !o.Key().Matches(o) {
		t.Fatal("own key must match")
	}
}
