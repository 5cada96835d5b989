package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"jobflow/internal/domain"
	"jobflow/internal/jobs"
	"jobflow/internal/schedule"
)

// ScheduleSeed is one entry of a schedules file. Exactly one of Cron,
// Interval, At, Daily, Weekly, Monthly and Event selects the schedule.
type ScheduleSeed struct {
	Name     string        `yaml:"name"`
	Task     string        `yaml:"task"`
	Cron     string        `yaml:"cron"`
	Timezone string        `yaml:"timezone"`
	Interval time.Duration `yaml:"interval"`
	Start    *time.Time    `yaml:"start"`
	At       *time.Time    `yaml:"at"`
	Daily    []string      `yaml:"daily"`
	Weekly   *CalendarSeed `yaml:"weekly"`
	Monthly  *CalendarSeed `yaml:"monthly"`
	Event    string        `yaml:"event"`

	Queue      string         `yaml:"queue"`
	Priority   string         `yaml:"priority"`
	MaxRetries *int           `yaml:"max_retries"`
	RetryDelay *time.Duration `yaml:"retry_delay"`
	Timeout    time.Duration  `yaml:"timeout"`
	Args       []any          `yaml:"args"`
	Kwargs     map[string]any `yaml:"kwargs"`
	Tags       []string       `yaml:"tags"`
	Metadata   map[string]any `yaml:"metadata"`
	Version    string         `yaml:"version"`
	Paused     bool           `yaml:"paused"`
}

// CalendarSeed lists weekdays (0 = Monday) or days of the month with a
// wall-clock time.
type CalendarSeed struct {
	Days []int  `yaml:"days"`
	Time string `yaml:"time"`
}

type scheduleFile struct {
	Schedules []ScheduleSeed `yaml:"schedules"`
}

// LoadScheduleFile parses a YAML schedules file and checks every entry.
func LoadScheduleFile(path string) ([]ScheduleSeed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedules file: %w", err)
	}
	return ParseSchedules(b)
}

func ParseSchedules(b []byte) ([]ScheduleSeed, error) {
	var f scheduleFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse schedules: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Schedules))
	for i, s := range f.Schedules {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("schedule %d: %w", i, domain.NewValidationError("name", "is required"))
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("schedule %q: %w", name, domain.NewValidationError("name", "duplicate"))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(s.Task) == "" {
			return nil, fmt.Errorf("schedule %q: %w", name, domain.NewValidationError("task", "is required"))
		}
		if _, err := s.Options(); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", name, err)
		}
	}
	return f.Schedules, nil
}

// Options converts the seed into manager schedule options.
func (s ScheduleSeed) Options() (jobs.ScheduleOptions, error) {
	opts := jobs.ScheduleOptions{
		Args:       s.Args,
		Kwargs:     s.Kwargs,
		Queue:      s.Queue,
		MaxRetries: s.MaxRetries,
		RetryDelay: s.RetryDelay,
		Timeout:    s.Timeout,
		Tags:       s.Tags,
		Metadata:   s.Metadata,
		Version:    s.Version,
		Paused:     s.Paused,
	}
	if s.Priority != "" {
		p, err := domain.ParsePriority(s.Priority)
		if err != nil {
			return opts, domain.NewValidationError("priority", "%v", err)
		}
		opts.Priority = &p
	}

	kinds := 0
	for _, set := range []bool{
		s.Cron != "", s.Interval != 0, s.At != nil, len(s.Daily) > 0,
		s.Weekly != nil, s.Monthly != nil, s.Event != "",
	} {
		if set {
			kinds++
		}
	}
	if kinds != 1 {
		return opts, domain.NewValidationError("schedule", "exactly one of cron, interval, at, daily, weekly, monthly, event is required")
	}

	var err error
	switch {
	case s.Cron != "":
		opts.CronExpression = s.Cron
		opts.Timezone = s.Timezone
		_, err = schedule.NewCron(s.Cron, s.Timezone)
	case s.Interval != 0:
		opts.Interval = s.Interval
		opts.StartTime = s.Start
		if s.Interval < 0 {
			err = domain.NewValidationError("interval", "must be positive")
		}
	case s.At != nil:
		opts.Schedule, err = schedule.NewOneTime(*s.At)
	case len(s.Daily) > 0:
		clocks := make([]schedule.Clock, 0, len(s.Daily))
		for _, v := range s.Daily {
			c, perr := schedule.ParseClock(v)
			if perr != nil {
				return opts, perr
			}
			clocks = append(clocks, c)
		}
		opts.Schedule, err = schedule.NewDaily(clocks, s.Timezone)
	case s.Weekly != nil:
		var at schedule.Clock
		if at, err = schedule.ParseClock(s.Weekly.Time); err == nil {
			opts.Schedule, err = schedule.NewWeekly(s.Weekly.Days, at, s.Timezone)
		}
	case s.Monthly != nil:
		var at schedule.Clock
		if at, err = schedule.ParseClock(s.Monthly.Time); err == nil {
			opts.Schedule, err = schedule.NewMonthly(s.Monthly.Days, at, s.Timezone)
		}
	case s.Event != "":
		opts.Schedule, err = schedule.NewEventTrigger(s.Event)
	}
	return opts, err
}
