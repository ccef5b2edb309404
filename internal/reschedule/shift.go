package reschedule

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"assistcal/internal/calerr"
	"assistcal/internal/interval"
)

var shiftPattern = regexp.MustCompile(`^([+-]?)(\d+)([hmd])$`)

// Shift moves an occurrence. Days are calendar days applied to the
// wall clock in the occurrence's location, so 09:00 stays 09:00 across a
// DST change; Delta is an absolute duration added afterwards.
type Shift struct {
	Days  int           `json:"days,omitempty"`
	Delta time.Duration `json:"delta,omitempty"`
}

// ParseShift accepts "+1d", "-30m", "2h" and the like.
func ParseShift(s string) (Shift, error) {
	m := shiftPattern.FindStringSubmatch(s)
	if m == nil {
		return Shift{}, calerr.Invalidf("shift %q: want [+-]<n>[d|h|m]", s)
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return Shift{}, calerr.Invalidf("shift %q: %v", s, err)
	}
	if m[1] == "-" {
		n = -n
	}
	switch m[3] {
	case "d":
		return Shift{Days: n}, nil
	case "h":
		return Shift{Delta: time.Duration(n) * time.Hour}, nil
	default:
		return Shift{Delta: time.Duration(n) * time.Minute}, nil
	}
}

// IsZero reports whether the shift moves nothing.
func (s Shift) IsZero() bool { return s.Days == 0 && s.Delta == 0 }

// Apply returns iv moved by s. The duration of iv is preserved exactly.
func (s Shift) Apply(iv interval.Interval) interval.Interval {
	start := iv.Start
	if s.Days != 0 {
		start = start.AddDate(0, 0, s.Days)
	}
	start = start.Add(s.Delta)
	return interval.Interval{Start: start, End: start.Add(iv.Duration())}
}

func (s Shift) String() string {
	switch {
	case s.Days != 0 && s.Delta != 0:
		return fmt.Sprintf("%+dd %s", s.Days, s.Delta)
	case s.Days != 0:
		return fmt.Sprintf("%+dd", s.Days)
	default:
		if s.Delta < 0 {
			return s.Delta.String()
		}
		return "+" + s.Delta.String()
	}
}
