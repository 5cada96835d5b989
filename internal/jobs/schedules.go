package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"jobflow/internal/domain"
	"jobflow/internal/queue"
	"jobflow/internal/schedule"
)

// ScheduleJob creates a named recurring definition for taskName and returns
// its id. Names are unique; a duplicate yields domain.ErrConflict.
func (m *Manager) ScheduleJob(ctx context.Context, name, taskName string, opts ScheduleOptions) (string, error) {
	def, err := m.newDefinition(name, taskName, opts)
	if err != nil {
		return "", err
	}
	if err := m.repo.CreateSchedule(ctx, def); err != nil {
		return "", err
	}
	ev := m.log.Info().
		Str("schedule_id", def.ID).
		Str("schedule_name", def.Name).
		Str("task", def.TaskName).
		Str("kind", string(def.Schedule.Kind()))
	if def.NextRunAt != nil {
		ev = ev.Time("next_run", *def.NextRunAt)
	}
	ev.Msg("schedule created")
	return def.ID, nil
}

// EnsureSchedule creates name or, when it exists, replaces its template and
// schedule while keeping its id and run history. created reports which.
func (m *Manager) EnsureSchedule(ctx context.Context, name, taskName string, opts ScheduleOptions) (id string, created bool, err error) {
	fresh, err := m.newDefinition(name, taskName, opts)
	if err != nil {
		return "", false, err
	}
	existing, err := m.repo.GetScheduleByName(ctx, fresh.Name)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if err := m.repo.CreateSchedule(ctx, fresh); err != nil {
			return "", false, err
		}
		m.log.Info().Str("schedule_id", fresh.ID).Str("schedule_name", fresh.Name).Msg("schedule created")
		return fresh.ID, true, nil
	case err != nil:
		return "", false, err
	}

	if _, err := queue.ModifySchedule(ctx, m.repo, existing.ID, func(cur *schedule.Definition) error {
		fresh.ID = cur.ID
		fresh.CreatedAt = cur.CreatedAt
		fresh.LastRunAt = cur.LastRunAt
		*cur = *fresh
		return nil
	}); err != nil {
		return "", false, err
	}
	m.log.Info().Str("schedule_id", fresh.ID).Str("schedule_name", fresh.Name).Msg("schedule updated")
	return fresh.ID, false, nil
}

func (m *Manager) newDefinition(name, taskName string, opts ScheduleOptions) (*schedule.Definition, error) {
	name = strings.TrimSpace(name)
	taskName = strings.TrimSpace(taskName)
	if name == "" {
		return nil, domain.NewValidationError("name", "schedule name is required")
	}
	if taskName == "" {
		return nil, domain.NewValidationError("task_name", "task name is required")
	}
	if err := checkStruct(m.validate, opts); err != nil {
		return nil, err
	}
	s, err := buildSchedule(opts.CronExpression, opts.Timezone, opts.Interval, opts.StartTime, opts.Schedule)
	if err != nil {
		return nil, err
	}
	task, err := m.registry.Lookup(taskName, opts.Version)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	def := &schedule.Definition{
		ID:         newScheduleID(),
		Name:       name,
		TaskName:   taskName,
		Schedule:   s,
		Args:       domain.CloneSlice(opts.Args),
		Kwargs:     domain.CloneMap(opts.Kwargs),
		QueueName:  firstNonEmpty(opts.Queue, task.Queue, domain.DefaultQueue),
		Priority:   domain.PriorityNormal,
		MaxRetries: intOr(opts.MaxRetries, task.MaxRetries, domain.DefaultMaxRetries),
		RetryDelay: durationOr(opts.RetryDelay, task.RetryDelay, domain.DefaultRetryDelay),
		Timeout:    opts.Timeout,
		Tags:       domain.NormalizeTags(opts.Tags),
		Metadata:   domain.CloneMap(opts.Metadata),
		Version:    opts.Version,
		Status:     schedule.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if opts.Priority != nil {
		def.Priority = *opts.Priority
	}
	if def.Timeout == 0 {
		def.Timeout = task.Timeout
	}
	if def.Args == nil {
		def.Args = []any{}
	}
	if def.Kwargs == nil {
		def.Kwargs = map[string]any{}
	}
	if def.Metadata == nil {
		def.Metadata = map[string]any{}
	}
	if opts.Paused {
		def.Status = schedule.StatusPaused
	} else {
		def.Reschedule(now)
	}
	return def, nil
}

// UpdateSchedule merges upd into the definition. NextRunAt is recomputed
// when the schedule changes or the definition is resumed; otherwise the
// value last written by the scheduler tick is kept.
func (m *Manager) UpdateSchedule(ctx context.Context, id string, upd ScheduleUpdate) error {
	if err := checkStruct(m.validate, upd); err != nil {
		return err
	}
	if upd.CronExpression != nil && upd.Interval != nil {
		return domain.NewValidationError("schedule", "cron_expression and interval are mutually exclusive")
	}
	if upd.Status != nil && !upd.Status.Valid() {
		return domain.NewValidationError("status", "must be active or paused, got %q", *upd.Status)
	}

	def, err := queue.ModifySchedule(ctx, m.repo, id, func(def *schedule.Definition) error {
		return m.applyUpdate(def, upd)
	})
	if err != nil {
		return err
	}
	m.log.Info().Str("schedule_id", def.ID).Str("schedule_name", def.Name).Str("status", string(def.Status)).Msg("schedule updated")
	return nil
}

func (m *Manager) applyUpdate(def *schedule.Definition, upd ScheduleUpdate) error {
	wasActive := def.Status == schedule.StatusActive
	reschedule := false

	switch {
	case upd.CronExpression != nil || upd.Interval != nil || upd.Schedule != nil:
		var (
			expr  string
			every = derefDuration(upd.Interval)
			tz    = derefString(upd.Timezone)
		)
		if upd.CronExpression != nil {
			expr = *upd.CronExpression
			if c, ok := def.Schedule.(*schedule.Cron); ok && upd.Timezone == nil {
				tz = c.Timezone
			}
		}
		s, err := buildSchedule(expr, tz, every, nil, upd.Schedule)
		if err != nil {
			return err
		}
		def.Schedule = s
		reschedule = true
	case upd.Timezone != nil:
		c, ok := def.Schedule.(*schedule.Cron)
		if !ok {
			return domain.NewValidationError("timezone", "only cron schedules can change timezone alone")
		}
		s, err := schedule.NewCron(c.Expression, *upd.Timezone)
		if err != nil {
			return err
		}
		def.Schedule = s
		reschedule = true
	}

	if upd.Version != nil {
		def.Version = *upd.Version
	}
	if upd.TaskName != nil || upd.Version != nil {
		name := def.TaskName
		if upd.TaskName != nil {
			name = strings.TrimSpace(*upd.TaskName)
		}
		if _, err := m.registry.Lookup(name, def.Version); err != nil {
			return err
		}
		def.TaskName = name
	}
	if upd.Name != nil {
		def.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.Args != nil {
		def.Args = domain.CloneSlice(upd.Args)
	}
	if upd.Kwargs != nil {
		def.Kwargs = domain.CloneMap(upd.Kwargs)
	}
	if upd.Metadata != nil {
		def.Metadata = domain.CloneMap(upd.Metadata)
	}
	if upd.Tags != nil {
		def.Tags = domain.NormalizeTags(upd.Tags)
	}
	if upd.Queue != nil {
		def.QueueName = *upd.Queue
	}
	if upd.Priority != nil {
		def.Priority = *upd.Priority
	}
	if upd.MaxRetries != nil {
		def.MaxRetries = *upd.MaxRetries
	}
	if upd.RetryDelay != nil {
		def.RetryDelay = *upd.RetryDelay
	}
	if upd.Timeout != nil {
		def.Timeout = *upd.Timeout
	}
	if upd.Status != nil {
		def.Status = *upd.Status
	}

	now := m.now().UTC()
	switch {
	case def.Status == schedule.StatusPaused:
		def.NextRunAt = nil
	case reschedule || !wasActive:
		def.Reschedule(now)
	}
	def.UpdatedAt = now
	return nil
}

func (m *Manager) DeleteSchedule(ctx context.Context, id string) error {
	if err := m.repo.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	m.log.Info().Str("schedule_id", id).Msg("schedule deleted")
	return nil
}

func (m *Manager) PauseSchedule(ctx context.Context, id string) error {
	st := schedule.StatusPaused
	return m.UpdateSchedule(ctx, id, ScheduleUpdate{Status: &st})
}

// ResumeSchedule reactivates id with NextRunAt computed from now.
func (m *Manager) ResumeSchedule(ctx context.Context, id string) error {
	st := schedule.StatusActive
	return m.UpdateSchedule(ctx, id, ScheduleUpdate{Status: &st})
}

func (m *Manager) GetSchedule(ctx context.Context, id string) (*schedule.Definition, error) {
	return m.repo.GetSchedule(ctx, id)
}

func (m *Manager) GetScheduleByName(ctx context.Context, name string) (*schedule.Definition, error) {
	return m.repo.GetScheduleByName(ctx, name)
}

func (m *Manager) ListSchedules(ctx context.Context, f queue.ScheduleFilter) ([]*schedule.Definition, error) {
	return m.repo.ListSchedules(ctx, f)
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefDuration(p *time.Duration) time.Duration {
	if p == nil {
		return 0
	}
	return *p
}
