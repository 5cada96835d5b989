package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobflow/internal/domain"
	"jobflow/internal/schedule"
)

// MemoryRepository keeps everything in process. One mutex guards every
// read and write; values are deep-copied across the boundary.
type MemoryRepository struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	paused    map[string]struct{}
	schedules map[string]*schedule.Definition
	names     map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:      make(map[string]*domain.Job),
		paused:    make(map[string]struct{}),
		schedules: make(map[string]*schedule.Definition),
		names:     make(map[string]string),
	}
}

func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) GetJob(_ context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (r *MemoryRepository) CreateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return domain.ErrConflict
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) UpdateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return domain.ErrNotFound
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) TransitionJob(_ context.Context, job *domain.Job, from domain.Status, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[job.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != from || (workerID != "" && cur.WorkerID != workerID) {
		return domain.StaleTransition(job.ID, from)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) DeleteJob(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.jobs, id)
	return nil
}

func (r *MemoryRepository) ListJobs(_ context.Context, f JobFilter) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := filterJobs(r.snapshot(), f)
	for i, j := range out {
		out[i] = j.Clone()
	}
	return out, nil
}

func (r *MemoryRepository) CountJobs(_ context.Context, f JobFilter) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if f.match(j) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Enqueue(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryRepository) Dequeue(ctx context.Context, req DequeueRequest) ([]*domain.Job, error) {
	req = req.normalize()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.paused[req.Queue]; ok {
		return nil, nil
	}
	var ready []*domain.Job
	for _, j := range r.jobs {
		if j.QueueName == req.Queue && hasStatus(req.Statuses, j.Status) && j.EligibleAt(req.Now) {
			ready = append(ready, j)
		}
	}
	sort.Slice(ready, func(i, k int) bool { return dequeueLess(ready[i], ready[k]) })

	out := make([]*domain.Job, 0, req.BatchSize)
	for _, j := range ready {
		if len(out) == req.BatchSize {
			break
		}
		if err := claim(j, req.WorkerID, req.Now); err != nil {
			continue
		}
		out = append(out, j.Clone())
	}
	return out, nil
}

func (r *MemoryRepository) PauseQueue(_ context.Context, queue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused[queue] = struct{}{}
	return nil
}

func (r *MemoryRepository) ResumeQueue(_ context.Context, queue string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.paused, queue)
	return nil
}

func (r *MemoryRepository) IsQueuePaused(_ context.Context, queue string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.paused[queue]
	return ok, nil
}

func (r *MemoryRepository) ClearQueue(_ context.Context, queue string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, j := range r.jobs {
		if j.QueueName == queue && j.Status == domain.StatusPending {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) QueueNames(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for _, j := range r.jobs {
		seen[j.QueueName] = struct{}{}
	}
	for q := range r.paused {
		seen[q] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryRepository) QueueLength(_ context.Context, queue string, statuses ...domain.Status) (int, error) {
	if len(statuses) == 0 {
		statuses = []domain.Status{domain.StatusPending}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.QueueName == queue && hasStatus(statuses, j.Status) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Statistics(_ context.Context) (Statistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := newStatistics()
	for _, j := range r.jobs {
		st.Total++
		st.ByStatus[j.Status]++
		st.ByQueue[j.QueueName]++
	}
	for q := range r.paused {
		st.PausedQueues = append(st.PausedQueues, q)
	}
	sort.Strings(st.PausedQueues)
	return st, nil
}

func (r *MemoryRepository) CleanupOldJobs(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, j := range r.jobs {
		if j.IsTerminal() && j.UpdatedAt.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) MarkStalledJobsAsFailed(_ context.Context, stallTimeout time.Duration) (int, error) {
	now := time.Now()
	cutoff := now.Add(-stallTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.Status == domain.StatusRunning && j.UpdatedAt.Before(cutoff) {
			if err := j.MarkStalled(stallTimeout, now); err == nil {
				n++
			}
		}
	}
	return n, nil
}

func (r *MemoryRepository) snapshot() []*domain.Job {
	out := make([]*domain.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

func (r *MemoryRepository) CreateSchedule(_ context.Context, def *schedule.Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schedules[def.ID]; ok {
		return domain.ErrConflict
	}
	if _, ok := r.names[def.Name]; ok {
		return domain.ErrConflict
	}
	r.schedules[def.ID] = def.Clone()
	r.names[def.Name] = def.ID
	return nil
}

func (r *MemoryRepository) GetSchedule(_ context.Context, id string) (*schedule.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.schedules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return d.Clone(), nil
}

func (r *MemoryRepository) GetScheduleByName(_ context.Context, name string) (*schedule.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.names[name]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.schedules[id].Clone(), nil
}

func (r *MemoryRepository) UpdateSchedule(_ context.Context, def *schedule.Definition, readAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.schedules[def.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if !old.UpdatedAt.Equal(readAt) {
		return domain.StaleSchedule(def.ID)
	}
	if owner, taken := r.names[def.Name]; taken && owner != def.ID {
		return domain.ErrConflict
	}
	delete(r.names, old.Name)
	r.schedules[def.ID] = def.Clone()
	r.names[def.Name] = def.ID
	return nil
}

func (r *MemoryRepository) DeleteSchedule(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.schedules[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(r.names, d.Name)
	delete(r.schedules, id)
	return nil
}

func (r *MemoryRepository) ListSchedules(_ context.Context, f ScheduleFilter) ([]*schedule.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]*schedule.Definition, 0, len(r.schedules))
	for _, d := range r.schedules {
		all = append(all, d)
	}
	out := filterSchedules(all, f)
	for i, d := range out {
		out[i] = d.Clone()
	}
	return out, nil
}

func (r *MemoryRepository) GetDueSchedules(_ context.Context, now time.Time) ([]*schedule.Definition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*schedule.Definition
	for _, d := range r.schedules {
		if d.IsDueAt(now) {
			out = append(out, d.Clone())
		}
	}
	sortDue(out)
	return out, nil
}

func (r *MemoryRepository) UpdateScheduleNextRun(_ context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.schedules[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.LastRunAt = domain.TimePtr(lastRun)
	d.NextRunAt = nil
	if nextRun != nil {
		d.NextRunAt = domain.TimePtr(*nextRun)
	}
	d.UpdatedAt = time.Now().UTC()
	return nil
}
