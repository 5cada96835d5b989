package jobs

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"jobflow/internal/domain"
	"jobflow/internal/schedule"
)

// EnqueueOptions tune a single job. Unset fields take the task's registered
// defaults, then the package defaults.
type EnqueueOptions struct {
	Args        []any            `json:"args,omitempty"`
	Kwargs      map[string]any   `json:"kwargs,omitempty"`
	Queue       string           `json:"queue,omitempty" validate:"omitempty,max=128"`
	Priority    *domain.Priority `json:"priority,omitempty" validate:"omitempty,gte=0,lte=3"`
	JobID       string           `json:"job_id,omitempty" validate:"omitempty,max=255"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty"`
	MaxRetries  *int             `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=100"`
	RetryDelay  *time.Duration   `json:"retry_delay,omitempty" validate:"omitempty,gte=0"`
	Timeout     time.Duration    `json:"timeout,omitempty" validate:"gte=0"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Tags        []string         `json:"tags,omitempty" validate:"omitempty,dive,max=64"`
	Version     string           `json:"version,omitempty" validate:"omitempty,max=64"`
}

// ScheduleOptions describe a new schedule definition. Exactly one of
// CronExpression, Interval and Schedule must be set.
type ScheduleOptions struct {
	CronExpression string            `json:"cron_expression,omitempty" validate:"omitempty,max=256"`
	Timezone       string            `json:"timezone,omitempty" validate:"omitempty,max=64"`
	Interval       time.Duration     `json:"interval,omitempty" validate:"gte=0"`
	StartTime      *time.Time        `json:"start_time,omitempty"`
	Schedule       schedule.Schedule `json:"-" validate:"-"`
	Args           []any             `json:"args,omitempty"`
	Kwargs         map[string]any    `json:"kwargs,omitempty"`
	Queue          string            `json:"queue,omitempty" validate:"omitempty,max=128"`
	Priority       *domain.Priority  `json:"priority,omitempty" validate:"omitempty,gte=0,lte=3"`
	MaxRetries     *int              `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=100"`
	RetryDelay     *time.Duration    `json:"retry_delay,omitempty" validate:"omitempty,gte=0"`
	Timeout        time.Duration     `json:"timeout,omitempty" validate:"gte=0"`
	Tags           []string          `json:"tags,omitempty" validate:"omitempty,dive,max=64"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	Version        string            `json:"version,omitempty" validate:"omitempty,max=64"`
	Paused         bool              `json:"paused,omitempty"`
}

// ScheduleUpdate is a partial edit; nil fields are left unchanged.
type ScheduleUpdate struct {
	Name           *string                    `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	TaskName       *string                    `json:"task_name,omitempty" validate:"omitempty,min=1"`
	CronExpression *string                    `json:"cron_expression,omitempty" validate:"omitempty,max=256"`
	Timezone       *string                    `json:"timezone,omitempty" validate:"omitempty,max=64"`
	Interval       *time.Duration             `json:"interval,omitempty" validate:"omitempty,gt=0"`
	Schedule       schedule.Schedule          `json:"-" validate:"-"`
	Args           []any                      `json:"args,omitempty"`
	Kwargs         map[string]any             `json:"kwargs,omitempty"`
	Queue          *string                    `json:"queue,omitempty" validate:"omitempty,min=1,max=128"`
	Priority       *domain.Priority           `json:"priority,omitempty" validate:"omitempty,gte=0,lte=3"`
	MaxRetries     *int                       `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=100"`
	RetryDelay     *time.Duration             `json:"retry_delay,omitempty" validate:"omitempty,gte=0"`
	Timeout        *time.Duration             `json:"timeout,omitempty" validate:"omitempty,gte=0"`
	Tags           []string                   `json:"tags,omitempty" validate:"omitempty,dive,max=64"`
	Metadata       map[string]any             `json:"metadata,omitempty"`
	Version        *string                    `json:"version,omitempty"`
	Status         *schedule.DefinitionStatus `json:"status,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkStruct runs the struct tags and reports the first offending field as
// a domain.ValidationError.
func checkStruct(v *validator.Validate, s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.NewValidationError("", "%v", err)
	}
	fe := verrs[0]
	return domain.NewValidationError(fe.Field(), "%s", msgForTag(fe))
}

func msgForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// buildSchedule resolves the three mutually exclusive ways of describing a
// schedule into one value.
func buildSchedule(cronExpr, tz string, every time.Duration, start *time.Time, s schedule.Schedule) (schedule.Schedule, error) {
	set := 0
	if cronExpr != "" {
		set++
	}
	if every != 0 {
		set++
	}
	if s != nil {
		set++
	}
	switch {
	case set == 0:
		return nil, domain.NewValidationError("schedule", "one of cron_expression, interval or schedule is required")
	case set > 1:
		return nil, domain.NewValidationError("schedule", "cron_expression, interval and schedule are mutually exclusive")
	case cronExpr != "":
		return schedule.NewCron(cronExpr, tz)
	case every != 0:
		var from time.Time
		if start != nil {
			from = *start
		}
		return schedule.NewInterval(every, from)
	default:
		return schedule.Clone(s), nil
	}
}
