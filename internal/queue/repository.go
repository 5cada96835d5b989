// Package queue persists jobs and schedule definitions and hands jobs to
// workers through an atomic priority-FIFO claim.
package queue

import (
	"context"
	"errors"
	"sort"
	"time"

	"jobflow/internal/domain"
	"jobflow/internal/schedule"
)

// JobFilter selects jobs for listing and counting. Zero fields match all.
type JobFilter struct {
	Queue    string
	Statuses []domain.Status
	TaskName string
	Tags     []string
	Limit    int
	Offset   int
}

// DequeueRequest asks for up to BatchSize eligible jobs from Queue.
type DequeueRequest struct {
	Queue     string
	WorkerID  string
	Statuses  []domain.Status // defaults to PENDING
	BatchSize int             // defaults to 1
	Now       time.Time       // defaults to time.Now()
}

func (r DequeueRequest) normalize() DequeueRequest {
	if r.Queue == "" {
		r.Queue = domain.DefaultQueue
	}
	if len(r.Statuses) == 0 {
		r.Statuses = []domain.Status{domain.StatusPending}
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 1
	}
	if r.Now.IsZero() {
		r.Now = time.Now()
	}
	r.Now = r.Now.UTC()
	return r
}

type ScheduleFilter struct {
	Status schedule.DefinitionStatus
	Tags   []string
	Limit  int
	Offset int
}

// Statistics is a point-in-time summary of stored jobs.
type Statistics struct {
	Total        int                   `json:"total"`
	ByStatus     map[domain.Status]int `json:"by_status"`
	ByQueue      map[string]int        `json:"by_queue"`
	PausedQueues []string              `json:"paused_queues"`
}

func newStatistics() Statistics {
	st := Statistics{ByStatus: make(map[domain.Status]int), ByQueue: make(map[string]int), PausedQueues: []string{}}
	for _, s := range domain.AllStatuses {
		st.ByStatus[s] = 0
	}
	return st
}

type JobRepository interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	// CreateJob fails with domain.ErrConflict when the id exists.
	CreateJob(ctx context.Context, job *domain.Job) error
	// UpdateJob fails with domain.ErrNotFound when the id is unknown.
	UpdateJob(ctx context.Context, job *domain.Job) error
	// TransitionJob writes job only while the stored record is still in
	// status from and, when workerID is non-empty, held by that worker.
	// Otherwise it fails with domain.ErrConflict and writes nothing.
	TransitionJob(ctx context.Context, job *domain.Job, from domain.Status, workerID string) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, error)
	CountJobs(ctx context.Context, f JobFilter) (int, error)

	// Enqueue inserts or replaces job by id.
	Enqueue(ctx context.Context, job *domain.Job) error
	// Dequeue selects and reserves eligible jobs in one atomic step.
	Dequeue(ctx context.Context, req DequeueRequest) ([]*domain.Job, error)

	PauseQueue(ctx context.Context, queue string) error
	ResumeQueue(ctx context.Context, queue string) error
	IsQueuePaused(ctx context.Context, queue string) (bool, error)
	// ClearQueue deletes the PENDING jobs of queue and returns how many.
	ClearQueue(ctx context.Context, queue string) (int, error)
	QueueNames(ctx context.Context) ([]string, error)
	QueueLength(ctx context.Context, queue string, statuses ...domain.Status) (int, error)
	Statistics(ctx context.Context) (Statistics, error)

	// CleanupOldJobs deletes terminal jobs last updated more than maxAge ago.
	CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error)
	// MarkStalledJobsAsFailed fails RUNNING jobs not updated within stallTimeout.
	MarkStalledJobsAsFailed(ctx context.Context, stallTimeout time.Duration) (int, error)
}

type ScheduleRepository interface {
	// CreateSchedule fails with domain.ErrConflict on a duplicate id or name.
	CreateSchedule(ctx context.Context, def *schedule.Definition) error
	GetSchedule(ctx context.Context, id string) (*schedule.Definition, error)
	GetScheduleByName(ctx context.Context, name string) (*schedule.Definition, error)
	// UpdateSchedule replaces def only while the stored UpdatedAt still
	// equals readAt, the value def was read with; otherwise it fails with
	// domain.ErrStale. Use ModifySchedule for read-modify-write.
	UpdateSchedule(ctx context.Context, def *schedule.Definition, readAt time.Time) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]*schedule.Definition, error)
	// GetDueSchedules returns active definitions with NextRunAt <= now,
	// earliest first.
	GetDueSchedules(ctx context.Context, now time.Time) ([]*schedule.Definition, error)
	UpdateScheduleNextRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error
}

// Repository is a store serving both jobs and schedules.
type Repository interface {
	JobRepository
	ScheduleRepository
	Close() error
}

// modifyAttempts bounds how often ModifySchedule retries after losing to a
// concurrent writer.
const modifyAttempts = 5

// ModifySchedule reads id, applies mutate and writes the result only if the
// definition did not change in between, re-reading and retrying otherwise.
// The scheduler tick bumps UpdatedAt when it advances NextRunAt, so an edit
// never writes back a NextRunAt the tick has already consumed.
func ModifySchedule(ctx context.Context, r ScheduleRepository, id string, mutate func(*schedule.Definition) error) (*schedule.Definition, error) {
	var err error
	for i := 0; i < modifyAttempts; i++ {
		var def *schedule.Definition
		if def, err = r.GetSchedule(ctx, id); err != nil {
			return nil, err
		}
		readAt := def.UpdatedAt
		if err = mutate(def); err != nil {
			return nil, err
		}
		if err = r.UpdateSchedule(ctx, def, readAt); err == nil {
			return def, nil
		}
		if !errors.Is(err, domain.ErrStale) {
			return nil, err
		}
	}
	return nil, err
}

// claim applies the reservation transition to a selected job. RETRYING jobs
// pass through PENDING first.
func claim(j *domain.Job, workerID string, now time.Time) error {
	if j.Status == domain.StatusRetrying {
		if err := j.MarkPending(now); err != nil {
			return err
		}
	}
	return j.MarkReserved(workerID, now)
}

// dequeueLess orders by priority, then creation time, then id.
func dequeueLess(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func listLess(a, b *domain.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func hasStatus(set []domain.Status, s domain.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (f JobFilter) match(j *domain.Job) bool {
	if f.Queue != "" && j.QueueName != f.Queue {
		return false
	}
	if len(f.Statuses) > 0 && !hasStatus(f.Statuses, j.Status) {
		return false
	}
	if f.TaskName != "" && j.TaskName != f.TaskName {
		return false
	}
	return domain.HasAllTags(j.Tags, f.Tags)
}

func (f ScheduleFilter) match(d *schedule.Definition) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return domain.HasAllTags(d.Tags, f.Tags)
}

// page applies offset and limit to an already ordered slice.
func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// filterJobs sorts, filters and pages jobs for ListJobs.
func filterJobs(jobs []*domain.Job, f JobFilter) []*domain.Job {
	out := make([]*domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if f.match(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return listLess(out[i], out[k]) })
	return page(out, f.Offset, f.Limit)
}

func filterSchedules(defs []*schedule.Definition, f ScheduleFilter) []*schedule.Definition {
	out := make([]*schedule.Definition, 0, len(defs))
	for _, d := range defs {
		if f.match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return page(out, f.Offset, f.Limit)
}

func sortDue(defs []*schedule.Definition) {
	sort.Slice(defs, func(i, k int) bool {
		a, b := defs[i].NextRunAt, defs[k].NextRunAt
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return defs[i].ID < defs[k].ID
	})
}
