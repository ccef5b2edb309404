package reschedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
	"assistcal/internal/model"
	"assistcal/internal/recurrence"
	"assistcal/internal/store"
)

func at(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func iv(a, b string) interval.Interval { return interval.MustNew(at(a), at(b)) }

func snapshot(t *testing.T, st store.Store, loc *time.Location, win interval.Interval) *store.Snapshot {
	t.Helper()
	snap, err := store.Fetch(context.Background(), st, win, store.FetchOptions{Location: loc})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	return snap
}

var week = iv("2026-03-01 00:00", "2026-03-15 00:00")

func TestParseShift(t *testing.T) {
	cases := map[string]Shift{
		"+1d":  {Days: 1},
		"-2d":  {Days: -2},
		"30m":  {Delta: 30 * time.Minute},
		"-30m": {Delta: -30 * time.Minute},
		"+2h":  {Delta: 2 * time.Hour},
	}
	for in, want := range cases {
		got, err := ParseShift(in)
		if err != nil || got != want {
			t.Errorf("ParseShift(%q) = %+v, %v", in, got, err)
		}
	}
	for _, in := range []string{"", "1", "+1w", "1.5h", "++1d", "d"} {
		if _, err := ParseShift(in); !errors.Is(err, calerr.ErrInvalidInterval) {
			t.Errorf("ParseShift(%q) should fail, got %v", in, err)
		}
	}
}

func TestShiftAcrossDaylightSaving(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata not available")
	}
	// 2026-03-08 is the US spring-forward date.
	sat := interval.MustNew(time.Date(2026, 3, 7, 9, 0, 0, 0, ny), time.Date(2026, 3, 7, 10, 0, 0, 0, ny))

	byDay := Shift{Days: 1}.Apply(sat)
	if byDay.Start.Hour() != 9 || byDay.Duration() != time.Hour {
		t.Fatalf("day shift should keep the wall clock: %s", byDay)
	}
	byHours := Shift{Delta: 24 * time.Hour}.Apply(sat)
	if byHours.Start.Hour() != 10 || byHours.Duration() != time.Hour {
		t.Fatalf("hour shift should be absolute: %s", byHours)
	}
}

func tuesday() *store.Memory {
	// 2026-03-03 is a Tuesday.
	return store.NewMemory(
		model.Event{ID: "A", Title: "A", Interval: iv("2026-03-03 09:00", "2026-03-03 10:00")},
		model.Event{ID: "B", Title: "B", Interval: iv("2026-03-03 14:00", "2026-03-03 15:00")},
		model.Event{ID: "C", Title: "C", Interval: iv("2026-03-04 09:30", "2026-03-04 10:00")},
	)
}

func TestPlanBulkRejectsWholeBatch(t *testing.T) {
	mem := tuesday()
	snap := snapshot(t, mem, time.UTC, week)

	plan, err := PlanBulk(snap, at("2026-03-03 12:00"), Shift{Days: 1})
	var re *calerr.RescheduleError
	if !errors.As(err, &re) || plan != nil {
		t.Fatalf("expected RescheduleError, got plan=%v err=%v", plan, err)
	}
	if len(re.Conflicts) != 1 || re.Conflicts[0].Moved.EventID != "A" || re.Conflicts[0].With.EventID != "C" {
		t.Fatalf("conflicts = %+v", re.Conflicts)
	}

	for id, want := range map[string]interval.Interval{
		"A": iv("2026-03-03 09:00", "2026-03-03 10:00"),
		"B": iv("2026-03-03 14:00", "2026-03-03 15:00"),
	} {
		ev, _ := mem.Get(id)
		if !ev.Interval.Equal(want) {
			t.Fatalf("%s moved to %s", id, ev.Interval)
		}
	}
}

func TestPlanBulkChecksProposalsAgainstEachOther(t *testing.T) {
	mem := store.NewMemory(
		model.Event{ID: "A", Title: "A", Interval: iv("2026-03-03 09:00", "2026-03-03 10:00")},
		model.Event{ID: "B", Title: "B", Interval: iv("2026-03-03 10:00", "2026-03-03 11:00")},
	)
	snap := snapshot(t, mem, time.UTC, week)

	plan, err := PlanBulk(snap, at("2026-03-03 00:00"), Shift{Delta: 30 * time.Minute})
	if err != nil {
		t.Fatalf("moving both keeps them apart: %v", err)
	}
	if plan.Len() != 2 {
		t.Fatalf("plan = %+v", plan.Ops())
	}

	if _, err := PlanBulk(snap, at("2026-03-05 00:00"), Shift{Days: 1}); !errors.Is(err, calerr.ErrNotFound) {
		t.Fatalf("empty day: %v", err)
	}
	if _, err := PlanBulk(snap, at("2026-03-03 00:00"), Shift{}); !errors.Is(err, calerr.ErrInvalidInterval) {
		t.Fatalf("zero shift: %v", err)
	}
}

func TestPlanSingle(t *testing.T) {
	snap := snapshot(t, tuesday(), time.UTC, week)

	if _, err := PlanSingle(snap, model.Key{EventID: "A"}, Target{NewStart: at("2026-03-04 09:45")}); !errors.Is(err, calerr.ErrReschedule) {
		t.Fatalf("move onto C should be rejected: %v", err)
	}

	plan, err := PlanSingle(snap, model.Key{EventID: "A"}, Target{Shift: Shift{Delta: 30 * time.Minute}})
	if err != nil {
		t.Fatalf("moving A over its own old slot is fine: %v", err)
	}
	op := plan.Ops()[0]
	if !op.Proposed.Equal(iv("2026-03-03 09:30", "2026-03-03 10:30")) || !op.Original.Equal(iv("2026-03-03 09:00", "2026-03-03 10:00")) {
		t.Fatalf("op = %+v", op)
	}

	if _, err := PlanSingle(snap, model.Key{EventID: "A"}, Target{}); !errors.Is(err, calerr.ErrInvalidInterval) {
		t.Fatalf("empty target: %v", err)
	}
	if _, err := PlanSingle(snap, model.Key{EventID: "A"}, Target{NewStart: at("2026-03-20 09:00")}); !errors.Is(err, calerr.ErrInvalidInterval) {
		t.Fatalf("target outside the checked window: %v", err)
	}
}

func TestPlanRejectsReadOnly(t *testing.T) {
	m := &store.Multi{Primary: store.NewMemory(), Sources: []store.Source{holidays{}}}
	snap := snapshot(t, m, time.UTC, week)
	_, err := PlanSingle(snap, model.Key{EventID: "hol:h1"}, Target{Shift: Shift{Days: 1}})
	if !errors.Is(err, calerr.ErrReadOnly) {
		t.Fatalf("expected read-only error, got %v", err)
	}
}

func TestPlanBulkLeavesReadOnlyInPlace(t *testing.T) {
	mem := store.NewMemory(
		model.Event{ID: "A", Title: "Dentist", Interval: iv("2026-03-06 10:00", "2026-03-06 11:00")},
		model.Event{ID: "B", Title: "Gym", Interval: iv("2026-03-05 10:00", "2026-03-05 11:00")},
	)
	m := &store.Multi{Primary: mem, Sources: []store.Source{holidays{}}}
	snap := snapshot(t, m, time.UTC, week)

	plan, err := PlanBulk(snap, at("2026-03-06 00:00"), Shift{Days: 1})
	if err != nil {
		t.Fatalf("PlanBulk with a subscribed holiday on the day: %v", err)
	}
	ops := plan.Ops()
	if len(ops) != 1 || ops[0].EventID != "A" || ops[0].Proposed.Start != at("2026-03-07 10:00") {
		t.Fatalf("ops = %+v", ops)
	}

	// The holiday still blocks anything moved onto it.
	_, err = PlanBulk(snap, at("2026-03-05 00:00"), Shift{Days: 1})
	var re *calerr.RescheduleError
	if !errors.As(err, &re) {
		t.Fatalf("expected a reschedule error, got %v", err)
	}
	blocked := false
	for _, p := range re.Conflicts {
		if p.With.EventID == "hol:h1" {
			blocked = true
		}
	}
	if !blocked {
		t.Fatalf("holiday missing from conflicts: %+v", re.Conflicts)
	}

	only := snapshot(t, &store.Multi{Primary: store.NewMemory(), Sources: []store.Source{holidays{}}}, time.UTC, week)
	if _, err := PlanBulk(only, at("2026-03-06 00:00"), Shift{Days: 1}); !errors.Is(err, calerr.ErrNotFound) {
		t.Fatalf("day with only read-only occurrences: %v", err)
	}
}

type holidays struct{}

func (holidays) ID() string { return "hol" }
func (holidays) Events(context.Context) ([]model.Event, error) {
	return []model.Event{{ID: "h1", Title: "Holiday", Interval: iv("2026-03-06 00:00", "2026-03-07 00:00")}}, nil
}

func TestCommitStandaloneAndSeries(t *testing.T) {
	rule, err := recurrence.Parse("FREQ=DAILY;COUNT=5")
	if err != nil {
		t.Fatal(err)
	}
	mem := store.NewMemory(
		model.Event{ID: "standup", Title: "Standup", Interval: iv("2026-03-02 09:00", "2026-03-02 09:15"), Rule: rule},
		model.Event{ID: "review", Title: "Review", Interval: iv("2026-03-03 13:00", "2026-03-03 14:00")},
	)
	snap := snapshot(t, mem, time.UTC, week)

	plan, err := PlanBulk(snap, at("2026-03-03 00:00"), Shift{Delta: time.Hour})
	if err != nil {
		t.Fatalf("PlanBulk: %v", err)
	}
	res, err := Commit(context.Background(), mem, snap, plan)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(res.Applied) != 2 || res.Applied[0].DetachedID == "" || res.Applied[1].DetachedID != "" {
		t.Fatalf("applied = %+v", res.Applied)
	}

	after := snapshot(t, mem, time.UTC, week)
	day := after.OnDay(at("2026-03-03 00:00"))
	if len(day) != 2 {
		t.Fatalf("day after commit = %+v", day)
	}
	if day[0].Recurring || day[0].Interval.Start != at("2026-03-03 10:00") || day[0].Title != "Standup" {
		t.Fatalf("detached standup = %+v", day[0])
	}
	if day[1].EventID != "review" || day[1].Interval.Start != at("2026-03-03 14:00") {
		t.Fatalf("review = %+v", day[1])
	}
	if n := len(after.Occurrences); n != 6 {
		t.Fatalf("want 4 series occurrences plus 2 standalone, got %d", n)
	}
}

// flakyStore fails the nth write (1-based) and counts every write.
type flakyStore struct {
	*store.Memory
	failAt int
	writes int
}

func (f *flakyStore) tick() error {
	f.writes++
	if f.writes == f.failAt {
		return errors.New("backend write failed")
	}
	return nil
}

func (f *flakyStore) CreateEvent(ctx context.Context, ev model.Event) (string, error) {
	if err := f.tick(); err != nil {
		return "", err
	}
	return f.Memory.CreateEvent(ctx, ev)
}

func (f *flakyStore) UpdateEvent(ctx context.Context, id string, ev model.Event) error {
	if err := f.tick(); err != nil {
		return err
	}
	return f.Memory.UpdateEvent(ctx, id, ev)
}

func TestCommitCompensatesMidBatchFailure(t *testing.T) {
	rule, err := recurrence.Parse("FREQ=DAILY;COUNT=5")
	if err != nil {
		t.Fatal(err)
	}
	mem := store.NewMemory(
		model.Event{ID: "a-standup", Title: "Standup", Interval: iv("2026-03-03 08:00", "2026-03-03 08:15"), Rule: rule},
		model.Event{ID: "b-review", Title: "Review", Interval: iv("2026-03-03 13:00", "2026-03-03 14:00")},
	)
	snap := snapshot(t, mem, time.UTC, week)
	plan, err := PlanBulk(snap, at("2026-03-03 00:00"), Shift{Days: 1, Delta: 2 * time.Hour})
	if err != nil {
		t.Fatalf("PlanBulk: %v", err)
	}

	// writes: 1 exclude standup instance, 2 create detached, 3 update review (fails)
	flaky := &flakyStore{Memory: mem, failAt: 3}
	res, err := Commit(context.Background(), flaky, snap, plan)
	if !errors.Is(err, calerr.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if !res.RolledBack || len(res.Applied) != 0 {
		t.Fatalf("result = %+v", res)
	}

	if mem.Len() != 2 {
		t.Fatalf("detached event not deleted, store has %d events", mem.Len())
	}
	series, _ := mem.Get("a-standup")
	if len(series.ExDates) != 0 {
		t.Fatalf("series exclusion not rolled back: %v", series.ExDates)
	}
	review, _ := mem.Get("b-review")
	if !review.Interval.Equal(iv("2026-03-03 13:00", "2026-03-03 14:00")) {
		t.Fatalf("review changed: %s", review.Interval)
	}
}
