// Package reschedule moves occurrences as one unit: a plan is computed and
// validated against an immutable snapshot before anything is written, and
// a failed commit is compensated so the calendar ends up as it started.
package reschedule

import (
	"fmt"
	"slices"
	"time"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
	"assistcal/internal/model"
	"assistcal/internal/store"
)

// Op moves one occurrence from Original to Proposed.
type Op struct {
	EventID    string            `json:"event_id"`
	Occurrence model.Occurrence  `json:"occurrence"`
	Original   interval.Interval `json:"original"`
	Proposed   interval.Interval `json:"proposed"`
}

// Plan is an ordered, validated list of ops. It is applied as a whole or
// not at all.
type Plan struct {
	ops []Op
}

// Ops returns a copy of the plan's operations.
func (p *Plan) Ops() []Op {
	if p == nil {
		return nil
	}
	return slices.Clone(p.ops)
}

// Len is the number of operations.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.ops)
}

// Target says where a single occurrence goes: either shifted, or moved to
// NewStart. Exactly one must be set.
type Target struct {
	Shift    Shift
	NewStart time.Time
}

func (t Target) apply(iv interval.Interval) (interval.Interval, error) {
	switch {
	case !t.NewStart.IsZero() && !t.Shift.IsZero():
		return interval.Interval{}, calerr.Invalidf("target has both a shift and a new start")
	case !t.NewStart.IsZero():
		start := t.NewStart.In(iv.Start.Location())
		return interval.Interval{Start: start, End: start.Add(iv.Duration())}, nil
	case !t.Shift.IsZero():
		return t.Shift.Apply(iv), nil
	default:
		return interval.Interval{}, calerr.Invalidf("target moves nothing")
	}
}

// PlanSingle plans moving the occurrence selected by key.
func PlanSingle(snap *store.Snapshot, key model.Key, target Target) (*Plan, error) {
	occ, err := snap.Occurrence(key)
	if err != nil {
		return nil, err
	}
	proposed, err := target.apply(occ.Interval)
	if err != nil {
		return nil, err
	}
	return build(snap, []model.Occurrence{occ}, []interval.Interval{proposed})
}

// PlanBulk plans shifting every writable occurrence that starts on the
// calendar day containing day (in the snapshot's location). Read-only
// occurrences on that day stay put and are validated against like any other
// fixed occurrence.
func PlanBulk(snap *store.Snapshot, day time.Time, shift Shift) (*Plan, error) {
	if shift.IsZero() {
		return nil, calerr.Invalidf("shift moves nothing")
	}
	occs := slices.DeleteFunc(snap.OnDay(day), func(o model.Occurrence) bool { return o.ReadOnly })
	if len(occs) == 0 {
		return nil, fmt.Errorf("no occurrences on %s: %w", day.In(snap.Location).Format(time.DateOnly), calerr.ErrNotFound)
	}
	proposed := make([]interval.Interval, len(occs))
	for i, o := range occs {
		proposed[i] = shift.Apply(o.Interval)
	}
	return build(snap, occs, proposed)
}

// build validates every proposal against the fixed occurrences and against
// each other, collecting all conflicting pairs before deciding.
func build(snap *store.Snapshot, occs []model.Occurrence, proposed []interval.Interval) (*Plan, error) {
	moving := make([]model.Key, len(occs))
	ops := make([]Op, len(occs))
	for i, o := range occs {
		if o.ReadOnly {
			return nil, fmt.Errorf("occurrence %s of %q: %w", o.InstanceKey, o.Title, calerr.ErrReadOnly)
		}
		if !proposed[i].Valid() {
			return nil, calerr.Invalidf("proposed interval %s", proposed[i])
		}
		if proposed[i].Start.Before(snap.Window.Start) || proposed[i].End.After(snap.Window.End) {
			return nil, calerr.Invalidf("proposed interval %s is outside the checked window %s", proposed[i], snap.Window)
		}
		moving[i] = o.Key()
		ops[i] = Op{EventID: o.EventID, Occurrence: o, Original: o.Interval, Proposed: proposed[i]}
	}

	var pairs []calerr.Pair
	for i, op := range ops {
		moved := proposedRef(op)
		for _, fixed := range snap.Occurrences {
			if slices.ContainsFunc(moving, func(k model.Key) bool { return k == fixed.Key() }) {
				continue
			}
			if interval.Overlaps(op.Proposed, fixed.Interval) {
				pairs = append(pairs, calerr.Pair{Moved: moved, With: fixed.Ref()})
			}
		}
		for _, other := range ops[i+1:] {
			if interval.Overlaps(op.Proposed, other.Proposed) {
				pairs = append(pairs, calerr.Pair{Moved: moved, With: proposedRef(other)})
			}
		}
	}
	if len(pairs) > 0 {
		return nil, &calerr.RescheduleError{Conflicts: pairs}
	}
	return &Plan{ops: ops}, nil
}

func proposedRef(op Op) calerr.Ref {
	r := op.Occurrence.Ref()
	r.Start, r.End = op.Proposed.Start, op.Proposed.End
	return r
}
