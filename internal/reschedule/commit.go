package reschedule

import (
	"context"
	"fmt"
	"time"

	"assistcal/internal/calerr"
	appLog "assistcal/internal/log"
	"assistcal/internal/model"
	"assistcal/internal/store"
)

// compensationTimeout bounds the rollback writes, which run even when the
// caller's context is already done.
const compensationTimeout = 30 * time.Second

// Applied records one committed op.
type Applied struct {
	Op Op `json:"op"`
	// DetachedID is the standalone event created for a moved series
	// occurrence; empty for standalone events.
	DetachedID string `json:"detached_id,omitempty"`
}

// Result is the outcome of Commit.
type Result struct {
	Applied []Applied `json:"applied"`
	// RolledBack is set when a write failed and every compensation
	// succeeded.
	RolledBack bool `json:"rolled_back,omitempty"`
}

type undo struct {
	what string
	fn   func(context.Context) error
}

// Commit writes plan through st. A standalone event is updated in place. A
// series occurrence becomes an EXDATE on the series plus a detached
// standalone event at the new time. If any write fails, the writes already
// made are compensated in reverse order and the returned error matches
// calerr.ErrStoreUnavailable; Result.RolledBack tells whether the
// calendar was fully restored.
func Commit(ctx context.Context, st store.Store, snap *store.Snapshot, plan *Plan) (Result, error) {
	var (
		res   Result
		undos []undo
	)
	current := make(map[string]model.Event)
	lookup := func(id string) (model.Event, error) {
		if ev, ok := current[id]; ok {
			return ev.Clone(), nil
		}
		ev, ok := snap.Event(id)
		if !ok {
			return model.Event{}, fmt.Errorf("event %s: %w", id, calerr.ErrNotFound)
		}
		current[id] = ev
		return ev.Clone(), nil
	}

	fail := func(err error) (Result, error) {
		res.RolledBack = compensate(ctx, undos)
		appLog.Error("reschedule commit failed", err, "applied", len(res.Applied), "rolled_back", res.RolledBack)
		res.Applied = nil
		return res, calerr.Store("reschedule commit", err)
	}

	for _, op := range plan.Ops() {
		before, err := lookup(op.EventID)
		if err != nil {
			return fail(err)
		}

		if !before.Recurring() {
			moved := before.Clone()
			moved.Interval = op.Proposed
			if err := st.UpdateEvent(ctx, before.ID, moved); err != nil {
				return fail(fmt.Errorf("update %s: %w", before.ID, err))
			}
			current[before.ID] = moved
			undos = append(undos, restore(st, before))
			res.Applied = append(res.Applied, Applied{Op: op})
			continue
		}

		series := before.Clone()
		series.ExDates = append(series.ExDates, op.Original.Start)
		if err := st.UpdateEvent(ctx, before.ID, series); err != nil {
			return fail(fmt.Errorf("exclude instance from %s: %w", before.ID, err))
		}
		current[before.ID] = series
		undos = append(undos, restore(st, before))

		detached := before.Clone()
		detached.ID = ""
		detached.Rule = nil
		detached.ExDates = nil
		detached.Interval = op.Proposed
		id, err := st.CreateEvent(ctx, detached)
		if err != nil {
			return fail(fmt.Errorf("create detached instance of %s: %w", before.ID, err))
		}
		undos = append(undos, undo{
			what: "delete " + id,
			fn:   func(ctx context.Context) error { return st.DeleteEvent(ctx, id) },
		})
		res.Applied = append(res.Applied, Applied{Op: op, DetachedID: id})
	}

	appLog.Info("reschedule committed", "ops", len(res.Applied))
	return res, nil
}

func restore(st store.Store, ev model.Event) undo {
	return undo{
		what: "restore " + ev.ID,
		fn:   func(ctx context.Context) error { return st.UpdateEvent(ctx, ev.ID, ev) },
	}
}

// compensate runs undos newest first and reports whether all succeeded.
func compensate(ctx context.Context, undos []undo) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	ok := true
	for i := len(undos) - 1; i >= 0; i-- {
		if err := undos[i].fn(ctx); err != nil {
			appLog.Error("compensation failed", err, "step", undos[i].what)
			ok = false
		}
	}
	return ok
}
