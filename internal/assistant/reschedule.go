package assistant

import (
	"context"
	"errors"
	"time"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
	appLog "assistcal/internal/log"
	"assistcal/internal/model"
	"assistcal/internal/reschedule"
	"assistcal/internal/store"
)

// reschedulePadding is the slack kept around a move when the caller gives
// no window, so multi-day occurrences and their neighbours are visible.
const reschedulePadding = 7 * 24 * time.Hour

// defaultReach is how far ahead a move by event id looks when the store
// cannot look the event up.
const defaultReach = 30 * 24 * time.Hour

// Request selects what to move. With Key.EventID set, one occurrence moves
// by Shift or to NewStart. Otherwise every occurrence starting on Day moves
// by Shift.
type Request struct {
	Key      model.Key
	NewStart time.Time
	Day      time.Time
	Shift    reschedule.Shift
	// Window overrides the snapshot window the plan is validated in.
	Window interval.Interval
}

func (r Request) single() bool { return r.Key.EventID != "" }

func (r Request) validate() error {
	switch {
	case r.single() && !r.Day.IsZero():
		return calerr.Inputf("request names both an event and a day")
	case !r.single() && r.Day.IsZero():
		return calerr.Inputf("request names neither an event nor a day")
	case !r.single() && !r.NewStart.IsZero():
		return calerr.Inputf("a new start applies to a single occurrence only")
	}
	return nil
}

// window derives the snapshot window: the moved occurrences' neighbourhood
// before and after the move. A move by event id alone is anchored on the
// stored event when the store can look it up, otherwise on the next
// defaultReach from now.
func (s *Service) window(ctx context.Context, r Request) (interval.Interval, error) {
	if r.Window.Valid() {
		return r.Window, nil
	}
	now := time.Now().In(s.opt.Location)
	lo, hi := now, now.Add(defaultReach)
	switch {
	case !r.Day.IsZero():
		d := r.Day.In(s.opt.Location)
		lo = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, s.opt.Location)
		hi = lo.AddDate(0, 0, 1)
	case r.Key.InstanceKey != "":
		if t, err := time.Parse("20060102T150405Z", r.Key.InstanceKey); err == nil {
			lo = t.In(s.opt.Location)
			hi = lo.AddDate(0, 0, 1)
		}
	default:
		ev, ok, err := s.lookup(ctx, r.Key.EventID)
		if err != nil {
			return interval.Interval{}, err
		}
		if ok {
			lo, hi = ev.Interval.Start.In(s.opt.Location), ev.Interval.End.In(s.opt.Location)
		}
	}

	moved := r.Shift.Apply(interval.Interval{Start: lo, End: hi})
	if moved.Start.Before(lo) {
		lo = moved.Start
	}
	if moved.End.After(hi) {
		hi = moved.End
	}
	if !r.NewStart.IsZero() {
		if r.NewStart.Before(lo) {
			lo = r.NewStart
		}
		if r.NewStart.After(hi) {
			hi = r.NewStart
		}
	}
	return interval.Interval{Start: lo.Add(-reschedulePadding), End: hi.Add(reschedulePadding)}, nil
}

// lookup loads one event when the store supports it. ok is false when it
// does not.
func (s *Service) lookup(ctx context.Context, id string) (ev model.Event, ok bool, err error) {
	g, isGetter := s.st.(store.Getter)
	if !isGetter {
		return model.Event{}, false, nil
	}
	if s.opt.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opt.FetchTimeout)
		defer cancel()
	}
	ev, err = g.GetEvent(ctx, id)
	switch {
	case err == nil:
		return ev, true, nil
	case errors.Is(err, calerr.ErrNotFound), errors.Is(err, calerr.ErrReadOnly):
		return model.Event{}, false, err
	default:
		return model.Event{}, false, calerr.Store("get", err)
	}
}

// PlanReschedule validates a move against a fresh snapshot without writing
// anything. The snapshot is returned so the plan can be committed later.
func (s *Service) PlanReschedule(ctx context.Context, r Request) (*reschedule.Plan, *store.Snapshot, error) {
	if err := r.validate(); err != nil {
		return nil, nil, err
	}
	window, err := s.window(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.Snapshot(ctx, window)
	if err != nil {
		return nil, nil, err
	}

	var plan *reschedule.Plan
	if r.single() {
		plan, err = reschedule.PlanSingle(snap, r.Key, reschedule.Target{Shift: r.Shift, NewStart: r.NewStart})
	} else {
		plan, err = reschedule.PlanBulk(snap, r.Day, r.Shift)
	}
	if err != nil {
		appLog.Info("reschedule rejected", "reason", err.Error())
		return nil, snap, err
	}
	return plan, snap, nil
}

// Reschedule plans and commits a move. Either every occurrence moves or
// none does.
func (s *Service) Reschedule(ctx context.Context, r Request) (reschedule.Result, error) {
	plan, snap, err := s.PlanReschedule(ctx, r)
	if err != nil {
		return reschedule.Result{}, err
	}
	res, err := reschedule.Commit(ctx, s.st, snap, plan)
	s.Invalidate()
	return res, err
}
