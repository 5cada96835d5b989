package schedule

import (
	"time"

	"jobflow/internal/domain"
)

// Interval fires at StartTime + k*Period for k >= 0.
type Interval struct {
	Period    time.Duration
	StartTime time.Time
}

// NewInterval builds an interval schedule; a zero start means now.
func NewInterval(period time.Duration, start time.Time) (*Interval, error) {
	if period <= 0 {
		return nil, domain.NewValidationError("interval", "interval must be positive, got %s", period)
	}
	if start.IsZero() {
		start = time.Now()
	}
	return &Interval{Period: period, StartTime: start.UTC()}, nil
}

func (s *Interval) Kind() Kind { return KindInterval }
func (s *Interval) sealed()    {}

func (s *Interval) NextRunTime(after time.Time) (time.Time, bool) {
	if after.Before(s.StartTime) {
		return s.StartTime, true
	}
	k := int64(after.Sub(s.StartTime)/s.Period) + 1
	return s.StartTime.Add(time.Duration(k) * s.Period), true
}

func (s *Interval) IsDue(now time.Time) bool {
	if now.Before(s.StartTime) {
		return false
	}
	return now.Sub(s.StartTime)%s.Period < intervalWindow
}

// OneTime fires exactly once at RunTime.
type OneTime struct {
	RunTime time.Time
}

func NewOneTime(runTime time.Time) (*OneTime, error) {
	if runTime.IsZero() {
		return nil, domain.NewValidationError("run_time", "run time is required")
	}
	return &OneTime{RunTime: runTime.UTC()}, nil
}

func (s *OneTime) Kind() Kind { return KindOneTime }
func (s *OneTime) sealed()    {}

func (s *OneTime) NextRunTime(after time.Time) (time.Time, bool) {
	if !after.Before(s.RunTime) {
		return time.Time{}, false
	}
	return s.RunTime, true
}

func (s *OneTime) IsDue(now time.Time) bool {
	return !now.Before(s.RunTime) && now.Before(s.RunTime.Add(oneTimeWindow))
}
