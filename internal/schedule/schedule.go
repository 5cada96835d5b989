// Package schedule computes occurrence times for recurring and one-off
// triggers. Every variant is immutable after construction except
// EventTrigger, which records when it last fired.
package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"jobflow/internal/domain"
)

type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOneTime  Kind = "one_time"
	KindDaily    Kind = "daily"
	KindWeekly   Kind = "weekly"
	KindMonthly  Kind = "monthly"
	KindEvent    Kind = "event"
)

// Due tolerances per variant family.
const (
	calendarWindow = 60 * time.Second
	intervalWindow = time.Second
	oneTimeWindow  = time.Second
)

// Schedule is implemented only by the variants in this package.
type Schedule interface {
	Kind() Kind
	// NextRunTime returns the first occurrence strictly after after.
	NextRunTime(after time.Time) (time.Time, bool)
	IsDue(now time.Time) bool
	sealed()
}

// NextN returns up to n upcoming occurrences after after, at least a minute
// apart, so sub-minute intervals are sampled rather than listed.
func NextN(s Schedule, after time.Time, n int) []time.Time {
	out := make([]time.Time, 0, max(n, 0))
	cursor := after
	for len(out) < n {
		next, ok := s.NextRunTime(cursor)
		if !ok {
			break
		}
		out = append(out, next)
		cursor = next.Add(time.Minute)
	}
	return out
}

// dueWithin reports whether an occurrence falls in (now-window, now].
func dueWithin(s Schedule, now time.Time, window time.Duration) bool {
	next, ok := s.NextRunTime(now.Add(-window))
	return ok && !next.After(now)
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c Clock) before(o Clock) bool {
	if c.Hour != o.Hour {
		return c.Hour < o.Hour
	}
	return c.Minute < o.Minute
}

func (c Clock) on(y int, m time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, loc)
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(v string) (Clock, error) {
	v = strings.TrimSpace(v)
	hh, mm, ok := strings.Cut(v, ":")
	if !ok {
		return Clock{}, domain.NewValidationError("time", "invalid time %q, want HH:MM", v)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return Clock{}, domain.NewValidationError("time", "invalid hour in %q", v)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || m < 0 || m > 59 {
		return Clock{}, domain.NewValidationError("time", "invalid minute in %q", v)
	}
	return Clock{Hour: h, Minute: m}, nil
}

func sortClocks(cs []Clock) []Clock {
	out := append([]Clock(nil), cs...)
	sort.Slice(out, func(i, j int) bool { return out[i].before(out[j]) })
	// dedupe
	n := 0
	for i, c := range out {
		if i > 0 && c == out[n-1] {
			continue
		}
		out[n] = c
		n++
	}
	return out[:n]
}

func sortInts(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	n := 0
	for i, v := range out {
		if i > 0 && v == out[n-1] {
			continue
		}
		out[n] = v
		n++
	}
	return out[:n]
}

// loadLocation resolves an IANA zone name; empty means UTC.
func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, domain.NewValidationError("timezone", "unknown timezone %q", tz)
	}
	return loc, nil
}

func zoneName(loc *time.Location) string {
	if loc == nil || loc == time.UTC {
		return "UTC"
	}
	return loc.String()
}
