package schedule

import (
	"encoding/json"
	"time"

	"jobflow/internal/domain"
)

type DefinitionStatus string

const (
	StatusActive DefinitionStatus = "active"
	StatusPaused DefinitionStatus = "paused"
)

func (s DefinitionStatus) Valid() bool { return s == StatusActive || s == StatusPaused }

// Definition is a persisted template that produces jobs from a Schedule.
type Definition struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	TaskName   string           `json:"task_name"`
	Schedule   Schedule         `json:"-"`
	Args       []any            `json:"args"`
	Kwargs     map[string]any   `json:"kwargs"`
	QueueName  string           `json:"queue_name"`
	Priority   domain.Priority  `json:"priority"`
	MaxRetries int              `json:"max_retries"`
	RetryDelay time.Duration    `json:"retry_delay"`
	Timeout    time.Duration    `json:"timeout,omitempty"`
	Tags       []string         `json:"tags"`
	Metadata   map[string]any   `json:"metadata"`
	Version    string           `json:"version,omitempty"`
	Status     DefinitionStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	LastRunAt  *time.Time       `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time       `json:"next_run_at,omitempty"`
}

type definitionJSON struct {
	*definitionAlias
	Schedule map[string]any `json:"schedule"`
}

type definitionAlias Definition

func (d Definition) MarshalJSON() ([]byte, error) {
	a := definitionAlias(d)
	out := definitionJSON{definitionAlias: &a}
	if d.Schedule != nil {
		out.Schedule = Marshal(d.Schedule)
	}
	return json.Marshal(out)
}

func (d *Definition) UnmarshalJSON(b []byte) error {
	in := definitionJSON{definitionAlias: (*definitionAlias)(d)}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in.Schedule == nil {
		d.Schedule = nil
		return nil
	}
	s, err := Unmarshal(in.Schedule)
	if err != nil {
		return err
	}
	d.Schedule = s
	return nil
}

func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Schedule = Clone(d.Schedule)
	cp.Args = domain.CloneSlice(d.Args)
	cp.Kwargs = domain.CloneMap(d.Kwargs)
	cp.Metadata = domain.CloneMap(d.Metadata)
	cp.Tags = append([]string(nil), d.Tags...)
	if d.LastRunAt != nil {
		cp.LastRunAt = domain.TimePtr(*d.LastRunAt)
	}
	if d.NextRunAt != nil {
		cp.NextRunAt = domain.TimePtr(*d.NextRunAt)
	}
	return &cp
}

// IsDueAt reports whether an active definition should fire at now.
func (d *Definition) IsDueAt(now time.Time) bool {
	return d.Status == StatusActive && d.NextRunAt != nil && !d.NextRunAt.After(now)
}

// Reschedule recomputes NextRunAt from now.
func (d *Definition) Reschedule(now time.Time) {
	d.NextRunAt = nil
	if d.Schedule == nil {
		return
	}
	if next, ok := d.Schedule.NextRunTime(now); ok {
		d.NextRunAt = domain.TimePtr(next)
	}
}

// BuildJob instantiates a PENDING job from the template.
func (d *Definition) BuildJob(id string, now time.Time) *domain.Job {
	j := domain.NewJob(id, d.TaskName, now)
	j.Args = domain.CloneSlice(d.Args)
	j.Kwargs = domain.CloneMap(d.Kwargs)
	j.QueueName = d.QueueName
	j.Priority = d.Priority
	j.MaxRetries = d.MaxRetries
	j.RetryDelay = d.RetryDelay
	j.Timeout = d.Timeout
	j.Tags = append([]string(nil), d.Tags...)
	j.Metadata = domain.CloneMap(d.Metadata)
	j.Version = d.Version
	j.Normalize()
	j.Metadata[domain.MetaScheduleID] = d.ID
	j.Metadata[domain.MetaScheduleName] = d.Name
	return j
}
