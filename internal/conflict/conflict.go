// Package conflict finds existing occurrences that overlap a candidate.
//
// Find is a pure read over a snapshot and never mutates it; callers run it
// before any write is issued to the Calendar Store.
package conflict

import (
	"slices"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
	"assistcal/internal/model"
)

// Find returns the occurrences overlapping candidate, ordered by start with
// ties broken by event id and series index. Occurrences selected by any of
// the exclude keys are skipped (the occurrence being moved, for instance).
func Find(candidate interval.Interval, occurrences []model.Occurrence, exclude ...model.Key) []model.Occurrence {
	var out []model.Occurrence
	for _, o := range occurrences {
		if excluded(o, exclude) {
			continue
		}
		if interval.Overlaps(candidate, o.Interval) {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, model.Compare)
	return out
}

// Check validates candidate and then runs Find.
func Check(candidate interval.Interval, occurrences []model.Occurrence, exclude ...model.Key) ([]model.Occurrence, error) {
	if !candidate.Valid() {
		return nil, calerr.Invalidf("candidate %s", candidate)
	}
	return Find(candidate, occurrences, exclude...), nil
}

// Strict is the fail-on-conflict booking check: it returns a
// *calerr.ConflictError listing every overlapping occurrence.
func Strict(title string, candidate interval.Interval, occurrences []model.Occurrence, exclude ...model.Key) error {
	found, err := Check(candidate, occurrences, exclude...)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return nil
	}
	ce := &calerr.ConflictError{
		Candidate: calerr.Ref{Title: title, Start: candidate.Start, End: candidate.End},
	}
	for _, o := range found {
		ce.Conflicts = append(ce.Conflicts, o.Ref())
	}
	return ce
}

func excluded(o model.Occurrence, keys []model.Key) bool {
	for _, k := range keys {
		if k.Matches(o) {
			return true
		}
	}
	return false
}
