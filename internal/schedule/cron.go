package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobflow/internal/domain"
)

// Standard 5-field specs plus descriptors such as "@daily". "@every" is
// refused in NewCron; fixed periods are Interval schedules.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron fires on a crontab expression evaluated in Timezone.
type Cron struct {
	Expression string
	Timezone   string

	loc   *time.Location
	sched cron.Schedule
}

func NewCron(expr, timezone string) (*Cron, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, domain.NewValidationError("cron_expression", "cron expression is required")
	}
	loc, err := loadLocation(timezone)
	if err != nil {
		return nil, err
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, domain.NewValidationError("cron_expression", "invalid cron expression %q: %v", expr, err)
	}
	if _, ok := sched.(cron.ConstantDelaySchedule); ok {
		return nil, domain.NewValidationError("cron_expression", "%q is a fixed delay, use an interval schedule", expr)
	}
	return &Cron{Expression: expr, Timezone: zoneName(loc), loc: loc, sched: sched}, nil
}

// ValidateCronExpression reports whether expr parses.
func ValidateCronExpression(expr string) error {
	_, err := NewCron(expr, "")
	return err
}

func (c *Cron) Kind() Kind { return KindCron }
func (c *Cron) sealed()    {}

func (c *Cron) NextRunTime(after time.Time) (time.Time, bool) {
	next := c.sched.Next(after.In(c.loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next.UTC(), true
}

func (c *Cron) IsDue(now time.Time) bool { return dueWithin(c, now, calendarWindow) }
