package schedule

import (
	"time"

	"jobflow/internal/domain"
)

// Daily fires at each listed time of day.
type Daily struct {
	Times    []Clock
	Timezone string

	loc *time.Location
}

func NewDaily(times []Clock, timezone string) (*Daily, error) {
	if len(times) == 0 {
		return nil, domain.NewValidationError("times", "at least one time of day is required")
	}
	for _, c := range times {
		if err := validClock(c); err != nil {
			return nil, err
		}
	}
	loc, err := loadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &Daily{Times: sortClocks(times), Timezone: zoneName(loc), loc: loc}, nil
}

func (s *Daily) Kind() Kind { return KindDaily }
func (s *Daily) sealed()    {}

func (s *Daily) NextRunTime(after time.Time) (time.Time, bool) {
	local := after.In(s.loc)
	y, m, d := local.Date()
	// Two days ahead covers a DST fold repeating the listed times.
	for offset := 0; offset <= 2; offset++ {
		for _, c := range s.Times {
			cand := c.on(y, m, d+offset, s.loc)
			if cand.After(after) {
				return cand.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func (s *Daily) IsDue(now time.Time) bool { return dueWithin(s, now, calendarWindow) }

// Weekly fires at Time on each listed weekday (Monday=0 .. Sunday=6).
type Weekly struct {
	Days     []int
	Time     Clock
	Timezone string

	loc *time.Location
}

func NewWeekly(days []int, at Clock, timezone string) (*Weekly, error) {
	if len(days) == 0 {
		return nil, domain.NewValidationError("days", "at least one weekday is required")
	}
	for _, d := range days {
		if d < 0 || d > 6 {
			return nil, domain.NewValidationError("days", "weekday %d out of range 0..6", d)
		}
	}
	if err := validClock(at); err != nil {
		return nil, err
	}
	loc, err := loadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &Weekly{Days: sortInts(days), Time: at, Timezone: zoneName(loc), loc: loc}, nil
}

func (s *Weekly) Kind() Kind { return KindWeekly }
func (s *Weekly) sealed()    {}

func (s *Weekly) NextRunTime(after time.Time) (time.Time, bool) {
	local := after.In(s.loc)
	y, m, d := local.Date()
	for offset := 0; offset <= 7; offset++ {
		cand := s.Time.on(y, m, d+offset, s.loc)
		if !s.hasDay(mondayIndex(cand.Weekday())) {
			continue
		}
		if cand.After(after) {
			return cand.UTC(), true
		}
	}
	return time.Time{}, false
}

func (s *Weekly) IsDue(now time.Time) bool { return dueWithin(s, now, calendarWindow) }

func (s *Weekly) hasDay(idx int) bool {
	for _, d := range s.Days {
		if d == idx {
			return true
		}
	}
	return false
}

func mondayIndex(wd time.Weekday) int { return (int(wd) + 6) % 7 }

// Monthly fires at Time on each listed day of the month. Days that do not
// exist in a given month (31 in April) are skipped for that month.
type Monthly struct {
	Days     []int
	Time     Clock
	Timezone string

	loc *time.Location
}

func NewMonthly(days []int, at Clock, timezone string) (*Monthly, error) {
	if len(days) == 0 {
		return nil, domain.NewValidationError("days", "at least one day of month is required")
	}
	for _, d := range days {
		if d < 1 || d > 31 {
			return nil, domain.NewValidationError("days", "day of month %d out of range 1..31", d)
		}
	}
	if err := validClock(at); err != nil {
		return nil, err
	}
	loc, err := loadLocation(timezone)
	if err != nil {
		return nil, err
	}
	return &Monthly{Days: sortInts(days), Time: at, Timezone: zoneName(loc), loc: loc}, nil
}

func (s *Monthly) Kind() Kind { return KindMonthly }
func (s *Monthly) sealed()    {}

func (s *Monthly) NextRunTime(after time.Time) (time.Time, bool) {
	local := after.In(s.loc)
	y, m, _ := local.Date()
	// A day such as 30 or 31 can be missing for consecutive months around
	// February; thirteen months always reach one that has it.
	for i := 0; i <= 12; i++ {
		first := time.Date(y, m+time.Month(i), 1, 0, 0, 0, 0, s.loc)
		fy, fm, _ := first.Date()
		last := daysIn(fy, fm, s.loc)
		for _, d := range s.Days {
			if d > last {
				break
			}
			cand := s.Time.on(fy, fm, d, s.loc)
			if cand.After(after) {
				return cand.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func (s *Monthly) IsDue(now time.Time) bool { return dueWithin(s, now, calendarWindow) }

func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 12, 0, 0, 0, loc).Day()
}

func validClock(c Clock) error {
	if c.Hour < 0 || c.Hour > 23 {
		return domain.NewValidationError("time", "hour %d out of range 0..23", c.Hour)
	}
	if c.Minute < 0 || c.Minute > 59 {
		return domain.NewValidationError("time", "minute %d out of range 0..59", c.Minute)
	}
	return nil
}
