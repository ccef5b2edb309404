package recurrence

import (
	"iter"
	"time"

	"github.com/teambition/rrule-go"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
)

const defaultMaxOccurrences = 5000

// Item is one materialized occurrence of a series. Index is its 0-based
// position counted from the anchor; excluded dates still consume an index.
type Item struct {
	Interval interval.Interval
	Index    int
}

type expandOptions struct {
	exclude []time.Time
	limit   int
}

// Option tweaks Expand.
type Option func(*expandOptions)

// WithExclusions skips occurrences starting at any of the given instants
// (EXDATE).
func WithExclusions(ts ...time.Time) Option {
	return func(o *expandOptions) { o.exclude = append(o.exclude, ts...) }
}

// WithLimit caps how many items a single expansion yields. Zero or negative
// restores the default cap.
func WithLimit(n int) Option {
	return func(o *expandOptions) { o.limit = n }
}

// Expand returns the occurrences of rule that intersect window, in
// chronological order. anchor is the first occurrence of the series and
// always counts as index 0, whether or not it matches the rule's day filter.
// Count is applied from the anchor, so a series with Count=n never yields an
// index >= n regardless of window.
//
// The returned sequence is lazy and restartable: every range over it starts
// from the anchor again and holds no state between runs.
func Expand(rule *Rule, anchor, window interval.Interval, opts ...Option) (iter.Seq[Item], error) {
	if !anchor.Valid() {
		return nil, calerr.Invalidf("anchor %s", anchor)
	}
	if !window.Valid() {
		return nil, calerr.Invalidf("window %s", window)
	}
	if err := rule.Validate(anchor.Start); err != nil {
		return nil, err
	}

	o := expandOptions{limit: defaultMaxOccurrences}
	for _, fn := range opts {
		fn(&o)
	}
	if o.limit <= 0 {
		o.limit = defaultMaxOccurrences
	}

	// The engine works in whole seconds; frac carries the anchor's
	// sub-second part onto every occurrence so index 0 is the anchor itself.
	start := anchor.Start.Truncate(time.Second)
	frac := anchor.Start.Sub(start)
	dur := anchor.Duration()
	loc := anchor.Start.Location()

	// Count=1 is the anchor alone; rrule-go would read Count=0 as unbounded.
	anchorOnly := rule.Count == 1

	opt := rule.option()
	opt.Dtstart = start
	if rule.Count > 1 {
		// The anchor is emitted by hand below. If the engine also produces it
		// we keep its count; otherwise one slot goes to the anchor.
		head := opt
		head.Count = 1
		first, err := rrule.NewRRule(head)
		if err != nil {
			return nil, calerr.Rulef("%v", err)
		}
		if t, ok := first.Iterator()(); !ok || !t.Equal(start) {
			opt.Count = rule.Count - 1
		}
	}
	engine, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, calerr.Rulef("%v", err)
	}

	excluded := func(t time.Time) bool {
		for _, ex := range o.exclude {
			if ex.Equal(t) {
				return true
			}
		}
		return false
	}

	seq := func(yield func(Item) bool) {
		index := 0
		yielded := 0

		// emit reports whether iteration should continue.
		emit := func(t time.Time) bool {
			t = t.Add(frac)
			i := index
			index++
			if excluded(t) {
				return true
			}
			occ := interval.Interval{Start: t.In(loc), End: t.Add(dur).In(loc)}
			if !occ.Start.Before(window.End) {
				return false
			}
			if !occ.End.After(window.Start) {
				return true
			}
			if yielded >= o.limit {
				return false
			}
			yielded++
			return yield(Item{Interval: occ, Index: i})
		}

		if !emit(start) || anchorOnly {
			return
		}
		next := engine.Iterator()
		for {
			t, ok := next()
			if !ok {
				return
			}
			if t.Equal(start) {
				continue
			}
			if !emit(t) {
				return
			}
		}
	}
	return seq, nil
}

// ExpandAll collects Expand into a slice. truncated reports whether the
// occurrence cap stopped the expansion before the window was exhausted.
func ExpandAll(rule *Rule, anchor, window interval.Interval, opts ...Option) (items []Item, truncated bool, err error) {
	o := expandOptions{limit: defaultMaxOccurrences}
	for _, fn := range opts {
		fn(&o)
	}
	if o.limit <= 0 {
		o.limit = defaultMaxOccurrences
	}
	// Ask for one more than the cap to detect truncation.
	seq, err := Expand(rule, anchor, window, append(opts, WithLimit(o.limit+1))...)
	if err != nil {
		return nil, false, err
	}
	for it := range seq {
		if len(items) == o.limit {
			return items, true, nil
		}
		items = append(items, it)
	}
	return items, false, nil
}
