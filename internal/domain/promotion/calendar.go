package promotion

import (
	"strconv"
	"strings"
	"time"
)

// Weekdays is a set of ISO weekdays, bit (n-1) set for weekday n where
// Monday is 1 and Sunday is 7. The empty set means every day.
type Weekdays uint8

// ISOWeekday converts Go's Sunday=0 numbering to Monday=1..Sunday=7.
func ISOWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

// NewWeekdays builds a set from ISO weekday numbers. Out of range values are
// ignored.
func NewWeekdays(days ...int) Weekdays {
	var w Weekdays
	for _, d := range days {
		if d >= 1 && d <= 7 {
			w |= 1 << (d - 1)
		}
	}
	return w
}

// Has reports whether the ISO weekday is in the set. An empty set has every day.
func (w Weekdays) Has(iso int) bool {
	if w == 0 {
		return true
	}
	if iso < 1 || iso > 7 {
		return false
	}
	return w&(1<<(iso-1)) != 0
}

// Days returns the ISO weekday numbers in the set, ascending.
func (w Weekdays) Days() []int {
	var out []int
	for d := 1; d <= 7; d++ {
		if w&(1<<(d-1)) != 0 {
			out = append(out, d)
		}
	}
	return out
}

// String renders the set as a comma separated list, e.g. "1,3,5".
func (w Weekdays) String() string {
	days := w.Days()
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// dateOf truncates t to its calendar date in t's own location, returned as
// midnight UTC so dates from different zones compare by calendar value.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// timeOfDay returns the offset of t from its local midnight.
func timeOfDay(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())
}
