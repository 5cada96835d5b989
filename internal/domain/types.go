package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultQueue      = "default"
	DefaultMaxRetries = 3
	DefaultRetryDelay = 60 * time.Second
)

// Well-known metadata keys.
const (
	MetaScheduleID   = "schedule_id"
	MetaScheduleName = "schedule_name"
	MetaCancelReason = "cancel_reason"
	MetaEventName    = "event_name"
	MetaEventData    = "event_data"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusReserved  Status = "reserved"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every job status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusReserved, StatusRunning, StatusRetrying,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", v)
	}
	return s, nil
}

// Priority orders dequeue: lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = [...]string{"critical", "high", "normal", "low"}

func (p Priority) Valid() bool { return p >= PriorityCritical && p <= PriorityLow }

func (p Priority) String() string {
	if !p.Valid() {
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
	return priorityNames[p]
}

// ParsePriority accepts a name ("high") or its numeric value ("1").
func ParsePriority(v string) (Priority, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, n := range priorityNames {
		if n == v {
			return Priority(i), nil
		}
	}
	n, err := strconv.Atoi(v)
	if err != nil || !Priority(n).Valid() {
		return 0, fmt.Errorf("unknown priority %q", v)
	}
	return Priority(n), nil
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// JobError is the structured failure attached to a job.
type JobError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}

// Job is a single unit of queued work.
type Job struct {
	ID          string         `json:"id"`
	TaskName    string         `json:"task_name"`
	Args        []any          `json:"args"`
	Kwargs      map[string]any `json:"kwargs"`
	QueueName   string         `json:"queue_name"`
	Priority    Priority       `json:"priority"`
	Status      Status         `json:"status"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	MaxRetries  int            `json:"max_retries"`
	Retries     int            `json:"retries"`
	RetryDelay  time.Duration  `json:"retry_delay"`
	Timeout     time.Duration  `json:"timeout,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
	Version     string         `json:"version,omitempty"`
}

// NewJob returns a PENDING job with defaults applied.
func NewJob(id, taskName string, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:         id,
		TaskName:   taskName,
		Args:       []any{},
		Kwargs:     map[string]any{},
		QueueName:  DefaultQueue,
		Priority:   PriorityNormal,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
		Tags:       []string{},
		Metadata:   map[string]any{},
	}
}

// IsTerminal reports whether the job reached COMPLETED, FAILED or CANCELLED.
func (j *Job) IsTerminal() bool { return j.Status.IsTerminal() }

// CanRetry reports whether another automatic retry is allowed.
func (j *Job) CanRetry() bool { return j.Retries < j.MaxRetries }

// EligibleAt reports whether the job may be dequeued at now.
func (j *Job) EligibleAt(now time.Time) bool {
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// Clone returns a deep copy safe to hand across a repository boundary.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Args = CloneSlice(j.Args)
	cp.Kwargs = CloneMap(j.Kwargs)
	cp.Metadata = CloneMap(j.Metadata)
	cp.Tags = append([]string(nil), j.Tags...)
	cp.Result = cloneValue(j.Result)
	cp.ScheduledAt = cloneTime(j.ScheduledAt)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	if j.Error != nil {
		e := *j.Error
		cp.Error = &e
	}
	return &cp
}

// Normalize fills nil collections and canonicalizes tags.
func (j *Job) Normalize() {
	if j.Args == nil {
		j.Args = []any{}
	}
	if j.Kwargs == nil {
		j.Kwargs = map[string]any{}
	}
	if j.Metadata == nil {
		j.Metadata = map[string]any{}
	}
	j.Tags = NormalizeTags(j.Tags)
	if j.QueueName == "" {
		j.QueueName = DefaultQueue
	}
}

// NormalizeTags deduplicates and sorts tags, dropping blanks.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HasAllTags reports whether have contains every tag in want.
func HasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func CloneSlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		return CloneSlice(t)
	default:
		return v
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t normalized to UTC.
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
