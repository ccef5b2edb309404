// Package calerr defines the error kinds shared by the reasoning packages.
//
// Callers match kinds with errors.Is against the sentinels and extract the
// typed payloads (conflict lists, store op) with errors.As.
package calerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidInterval reports a malformed start/end pair.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrInvalidRule reports an unparseable or self-contradictory recurrence rule.
	ErrInvalidRule = errors.New("invalid recurrence rule")

	// ErrStoreUnavailable reports a backend I/O failure or timeout.
	ErrStoreUnavailable = errors.New("calendar store unavailable")

	// ErrReschedule reports a reschedule plan that failed validation.
	ErrReschedule = errors.New("reschedule rejected")

	// ErrConflict reports a strict booking that overlaps existing occurrences.
	ErrConflict = errors.New("time conflict")

	// ErrNotFound reports a missing event or occurrence.
	ErrNotFound = errors.New("not found")

	// ErrReadOnly reports a write against a subscription event.
	ErrReadOnly = errors.New("event is read-only")

	// ErrInvalidInput reports a malformed request field that is not an
	// interval or a rule.
	ErrInvalidInput = errors.New("invalid input")
)

// Ref identifies one occurrence inside an error payload.
type Ref struct {
	EventID     string    `json:"event_id"`
	InstanceKey string    `json:"instance_key,omitempty"`
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s %q [%s, %s)", r.EventID, r.Title, r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// Pair is a proposed occurrence and the occurrence it would collide with.
type Pair struct {
	Moved Ref `json:"moved"`
	With  Ref `json:"with"`
}

// RescheduleError lists every conflicting pair found while validating a plan.
type RescheduleError struct {
	Conflicts []Pair
}

func (e *RescheduleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, len(e.Conflicts))
	for _, p := range e.Conflicts {
		parts = append(parts, p.Moved.Title+" -> "+p.With.Title)
	}
	return fmt.Sprintf("%s: %d conflict(s): %s", ErrReschedule, len(e.Conflicts), strings.Join(parts, "; "))
}

func (e *RescheduleError) Is(target error) bool { return target == ErrReschedule }

// ConflictError is returned by strict booking when the candidate overlaps.
type ConflictError struct {
	Candidate Ref
	Conflicts []Ref
}

func (e *ConflictError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %d existing occurrence(s) overlap %s", ErrConflict, len(e.Conflicts), e.Candidate.Title)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// StoreError annotates a backend failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// Store wraps a backend error as StoreUnavailable. A nil err stays nil, and
// StoreErrors, NotFound and ReadOnly errors are returned unchanged.
func Store(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrReadOnly) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Invalidf builds an ErrInvalidInterval with detail.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInterval, fmt.Sprintf(format, args...))
}

// Inputf builds an ErrInvalidInput with detail.
func Inputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Rulef builds an ErrInvalidRule with detail.
func Rulef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
}

// HTTPStatus maps an error kind onto an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidInterval), errors.Is(err, ErrInvalidRule):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrReschedule), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
