// Package jobs is the front door of the job system: enqueueing, queue and
// schedule administration, and the lifecycle of workers and background
// loops.
package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"jobflow/internal/domain"
	"jobflow/internal/queue"
	"jobflow/internal/schedule"
	"jobflow/internal/scheduler"
	"jobflow/internal/tasks"
	"jobflow/internal/worker"
)

type Config struct {
	// Workers is the number of worker pools started with the manager.
	Workers      int
	Queues       []string
	Concurrency  int
	PollInterval time.Duration

	CleanupInterval     time.Duration
	CleanupAge          time.Duration
	StallTimeout        time.Duration
	HealthCheckInterval time.Duration
	SchedulerInterval   time.Duration

	Logger *zerolog.Logger
}

func (c *Config) defaults() {
	if c.Workers < 0 {
		c.Workers = 0
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{domain.DefaultQueue}
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.CleanupAge <= 0 {
		c.CleanupAge = 7 * 24 * time.Hour
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 30 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = time.Minute
	}
}

type Manager struct {
	repo      queue.Repository
	registry  *tasks.Registry
	cfg       Config
	log       zerolog.Logger
	validate  *validator.Validate
	scheduler *scheduler.Service
	now       func() time.Time

	mu      sync.Mutex
	workers []worker.Worker
	running bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	health  *healthTracker
}

func New(repo queue.Repository, registry *tasks.Registry, cfg Config) *Manager {
	cfg.defaults()
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	m := &Manager{
		repo:     repo,
		registry: registry,
		cfg:      cfg,
		log:      l.With().Str("component", "jobs").Logger(),
		validate: newValidator(),
		now:      time.Now,
	}
	m.scheduler = scheduler.NewService(repo, repo, scheduler.Config{Interval: cfg.SchedulerInterval, Logger: &l})
	m.health = newHealthTracker(m.log)
	for i := 0; i < cfg.Workers; i++ {
		m.workers = append(m.workers, worker.NewPool(repo, registry, worker.Config{
			Queues:       cfg.Queues,
			Concurrency:  cfg.Concurrency,
			PollInterval: cfg.PollInterval,
			Logger:       &l,
		}))
	}
	return m
}

func newJobID() string      { return "job_" + uuid.NewString() }
func newScheduleID() string { return "sch_" + uuid.NewString() }

// AddWorker attaches an externally built worker. It is started with the
// manager, or immediately if the manager is already running.
func (m *Manager) AddWorker(ctx context.Context, w worker.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers = append(m.workers, w)
	if m.running {
		return w.Start(ctx)
	}
	return nil
}

func (m *Manager) Workers() []worker.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]worker.Worker(nil), m.workers...)
}

func (m *Manager) Registry() *tasks.Registry { return m.registry }

// RegisterTask adds a handler to the manager's registry.
func (m *Manager) RegisterTask(name string, h tasks.Handler, opts ...tasks.Option) error {
	return m.registry.Register(name, h, opts...)
}

// Task returns a wrapper that registers the handler it is given under name.
//
//	report := m.Task("daily_report", tasks.WithQueue("reports"))(func(...) (any, error) { ... })
func (m *Manager) Task(name string, opts ...tasks.Option) func(tasks.Handler) tasks.Handler {
	return func(h tasks.Handler) tasks.Handler {
		if err := m.registry.Register(name, h, opts...); err != nil {
			m.log.Error().Err(err).Str("task", name).Msg("task registration failed")
		}
		return h
	}
}

// Enqueue stores a new PENDING job for taskName and returns its id. A job
// with the same id is replaced.
func (m *Manager) Enqueue(ctx context.Context, taskName string, opts EnqueueOptions) (string, error) {
	taskName = strings.TrimSpace(taskName)
	if taskName == "" {
		return "", domain.NewValidationError("task_name", "task name is required")
	}
	if err := checkStruct(m.validate, opts); err != nil {
		return "", err
	}
	task, err := m.registry.Lookup(taskName, opts.Version)
	if err != nil {
		return "", err
	}

	id := opts.JobID
	if id == "" {
		id = newJobID()
	}
	job := domain.NewJob(id, taskName, m.now())
	job.Args = domain.CloneSlice(opts.Args)
	job.Kwargs = domain.CloneMap(opts.Kwargs)
	job.Metadata = domain.CloneMap(opts.Metadata)
	job.Tags = opts.Tags
	job.Version = opts.Version
	if opts.ScheduledAt != nil {
		job.ScheduledAt = domain.TimePtr(*opts.ScheduledAt)
	}
	if opts.Priority != nil {
		job.Priority = *opts.Priority
	}
	job.QueueName = firstNonEmpty(opts.Queue, task.Queue, domain.DefaultQueue)
	job.MaxRetries = intOr(opts.MaxRetries, task.MaxRetries, domain.DefaultMaxRetries)
	job.RetryDelay = durationOr(opts.RetryDelay, task.RetryDelay, domain.DefaultRetryDelay)
	job.Timeout = opts.Timeout
	if job.Timeout == 0 {
		job.Timeout = task.Timeout
	}
	job.Normalize()

	if err := m.repo.Enqueue(ctx, job); err != nil {
		return "", err
	}
	m.log.Info().
		Str("job_id", job.ID).
		Str("task", taskName).
		Str("queue", job.QueueName).
		Stringer("priority", job.Priority).
		Msg("job enqueued")
	return job.ID, nil
}

func (m *Manager) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return m.repo.GetJob(ctx, id)
}

// CancelJob cancels a PENDING or RESERVED job. Running and finished jobs
// yield domain.ErrInvalidState.
func (m *Manager) CancelJob(ctx context.Context, id, reason string) error {
	if _, err := m.transition(ctx, id, func(j *domain.Job) error {
		return j.MarkCancelled(reason, m.now())
	}); err != nil {
		return err
	}
	m.log.Info().Str("job_id", id).Str("reason", reason).Msg("job cancelled")
	return nil
}

// RetryJob puts a FAILED job back into its queue.
func (m *Manager) RetryJob(ctx context.Context, id string) error {
	job, err := m.transition(ctx, id, func(j *domain.Job) error {
		return j.ResetForRetry(m.now())
	})
	if err != nil {
		return err
	}
	m.log.Info().Str("job_id", id).Int("retries", job.Retries).Msg("job requeued")
	return nil
}

// transitionAttempts bounds how often a transition is re-read and retried
// after losing a race with a worker or another caller.
const transitionAttempts = 5

// transition applies mutate to the stored job and writes it only if no one
// changed the job's status or worker in between. On a lost race the job is
// re-read, so mutate sees the new state and can refuse it.
func (m *Manager) transition(ctx context.Context, id string, mutate func(*domain.Job) error) (*domain.Job, error) {
	var lastErr error
	for i := 0; i < transitionAttempts; i++ {
		job, err := m.repo.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		from, worker := job.Status, job.WorkerID
		if err := mutate(job); err != nil {
			return nil, err
		}
		err = m.repo.TransitionJob(ctx, job, from, worker)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, domain.ErrStale) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (m *Manager) DeleteJob(ctx context.Context, id string) error {
	return m.repo.DeleteJob(ctx, id)
}

func (m *Manager) PauseQueue(ctx context.Context, name string) error {
	if err := m.repo.PauseQueue(ctx, queueOrDefault(name)); err != nil {
		return err
	}
	m.log.Info().Str("queue", queueOrDefault(name)).Msg("queue paused")
	return nil
}

func (m *Manager) ResumeQueue(ctx context.Context, name string) error {
	if err := m.repo.ResumeQueue(ctx, queueOrDefault(name)); err != nil {
		return err
	}
	m.log.Info().Str("queue", queueOrDefault(name)).Msg("queue resumed")
	return nil
}

func (m *Manager) IsQueuePaused(ctx context.Context, name string) (bool, error) {
	return m.repo.IsQueuePaused(ctx, queueOrDefault(name))
}

// ClearQueue deletes the queue's PENDING jobs and returns how many.
func (m *Manager) ClearQueue(ctx context.Context, name string) (int, error) {
	n, err := m.repo.ClearQueue(ctx, queueOrDefault(name))
	if err != nil {
		return 0, err
	}
	m.log.Info().Str("queue", queueOrDefault(name)).Int("deleted", n).Msg("queue cleared")
	return n, nil
}

// QueueLength counts the queue's jobs in statuses, PENDING when none given.
func (m *Manager) QueueLength(ctx context.Context, name string, statuses ...domain.Status) (int, error) {
	if len(statuses) == 0 {
		statuses = []domain.Status{domain.StatusPending}
	}
	return m.repo.QueueLength(ctx, queueOrDefault(name), statuses...)
}

func (m *Manager) QueueNames(ctx context.Context) ([]string, error) {
	return m.repo.QueueNames(ctx)
}

// PendingJobs lists PENDING jobs; an empty queue name means every queue.
func (m *Manager) PendingJobs(ctx context.Context, queueName string, limit, offset int) ([]*domain.Job, error) {
	return m.jobsIn(ctx, queueName, limit, offset, domain.StatusPending)
}

func (m *Manager) RunningJobs(ctx context.Context, queueName string, limit, offset int) ([]*domain.Job, error) {
	return m.jobsIn(ctx, queueName, limit, offset, domain.StatusRunning)
}

func (m *Manager) FailedJobs(ctx context.Context, queueName string, limit, offset int) ([]*domain.Job, error) {
	return m.jobsIn(ctx, queueName, limit, offset, domain.StatusFailed)
}

func (m *Manager) CompletedJobs(ctx context.Context, queueName string, limit, offset int) ([]*domain.Job, error) {
	return m.jobsIn(ctx, queueName, limit, offset, domain.StatusCompleted)
}

// ListJobs exposes the repository filter directly.
func (m *Manager) ListJobs(ctx context.Context, f queue.JobFilter) ([]*domain.Job, error) {
	return m.repo.ListJobs(ctx, f)
}

func (m *Manager) jobsIn(ctx context.Context, queueName string, limit, offset int, status domain.Status) ([]*domain.Job, error) {
	return m.repo.ListJobs(ctx, queue.JobFilter{
		Queue:    queueName,
		Statuses: []domain.Status{status},
		Limit:    limit,
		Offset:   offset,
	})
}

func (m *Manager) Statistics(ctx context.Context) (queue.Statistics, error) {
	return m.repo.Statistics(ctx)
}

// RunJobSync executes a task on the calling goroutine without touching the
// queue. A positive timeout bounds how long the caller waits.
func (m *Manager) RunJobSync(ctx context.Context, taskName string, args []any, kwargs map[string]any, timeout time.Duration, version string) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return m.registry.Execute(ctx, taskName, args, kwargs, version)
}

// TriggerEvent fires every active event-triggered schedule listening for
// eventName and returns the ids of the jobs it enqueued. A failing
// definition is logged and skipped.
func (m *Manager) TriggerEvent(ctx context.Context, eventName string, data map[string]any) ([]string, error) {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return nil, domain.NewValidationError("event_name", "event name is required")
	}
	defs, err := m.repo.ListSchedules(ctx, queue.ScheduleFilter{Status: schedule.StatusActive})
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	var ids []string
	for _, def := range defs {
		trig, ok := def.Schedule.(*schedule.EventTrigger)
		if !ok || trig.EventName != eventName {
			continue
		}
		id, err := m.fireEvent(ctx, def, trig, data, now)
		if err != nil {
			m.log.Error().Err(err).Str("schedule_id", def.ID).Str("event", eventName).Msg("event trigger failed")
			continue
		}
		ids = append(ids, id)
	}
	m.log.Info().Str("event", eventName).Int("jobs", len(ids)).Msg("event triggered")
	return ids, nil
}

func (m *Manager) fireEvent(ctx context.Context, def *schedule.Definition, trig *schedule.EventTrigger, data map[string]any, now time.Time) (string, error) {
	ev := trig.TriggerAt(data, now)
	job := def.BuildJob(newJobID(), now)
	job.Metadata[domain.MetaEventName] = ev.Name
	job.Metadata[domain.MetaEventData] = ev.Data
	if err := m.repo.Enqueue(ctx, job); err != nil {
		return "", err
	}
	_, err := queue.ModifySchedule(ctx, m.repo, def.ID, func(cur *schedule.Definition) error {
		if t, ok := cur.Schedule.(*schedule.EventTrigger); ok {
			t.TriggerAt(data, now)
		}
		cur.LastRunAt = domain.TimePtr(now)
		cur.UpdatedAt = now
		return nil
	})
	return job.ID, err
}

// RunScheduler promotes due schedules immediately instead of waiting for
// the next tick.
func (m *Manager) RunScheduler(ctx context.Context) ([]string, error) {
	return m.scheduler.Tick(ctx, m.now())
}

// RunCleanup deletes expired terminal jobs and fails stalled ones.
func (m *Manager) RunCleanup(ctx context.Context) (deleted, stalled int, err error) {
	deleted, err = m.repo.CleanupOldJobs(ctx, m.cfg.CleanupAge)
	if err != nil {
		return 0, 0, err
	}
	stalled, err = m.repo.MarkStalledJobsAsFailed(ctx, m.cfg.StallTimeout)
	if err != nil {
		return deleted, 0, err
	}
	if deleted > 0 || stalled > 0 {
		m.log.Info().Int("deleted", deleted).Int("stalled", stalled).Msg("cleanup finished")
	}
	return deleted, stalled, nil
}

// WorkerHealth reports IsHealthy for each worker by id.
func (m *Manager) WorkerHealth() map[string]bool {
	out := make(map[string]bool)
	for _, w := range m.Workers() {
		out[w.ID()] = w.IsHealthy()
	}
	return out
}

// IsHealthy is true when the manager runs and every worker is healthy.
func (m *Manager) IsHealthy() bool {
	if !m.IsRunning() {
		return false
	}
	for _, ok := range m.WorkerHealth() {
		if !ok {
			return false
		}
	}
	return true
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start launches the workers and the cleanup, health and scheduler loops.
// It is a no-op when already running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	started := make([]worker.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		if err := w.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(context.WithoutCancel(ctx))
			}
			return err
		}
		started = append(started, w)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.running = true
	m.goLoop(func() { m.cleanupLoop(loopCtx) })
	m.goLoop(func() { m.healthLoop(loopCtx) })
	m.goLoop(func() { m.scheduler.Run(loopCtx) })

	m.log.Info().Int("workers", len(m.workers)).Strs("queues", m.cfg.Queues).Msg("job manager started")
	return nil
}

func (m *Manager) goLoop(fn func()) {
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		fn()
	}()
}

// Stop cancels the loops, drains the workers and waits for everything. It
// is safe to call when not running.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	workers := append([]worker.Worker(nil), m.workers...)
	m.mu.Unlock()

	cancel()
	var errs []error
	for _, w := range workers {
		if err := w.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	m.log.Info().Msg("job manager stopped")
	return errors.Join(errs...)
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	t := time.NewTicker(m.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, _, err := m.RunCleanup(ctx); err != nil && ctx.Err() == nil {
				m.log.Error().Err(err).Msg("cleanup failed")
			}
		}
	}
}

func (m *Manager) healthLoop(ctx context.Context) {
	t := time.NewTicker(m.cfg.HealthCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.health.observe(m.WorkerHealth())
		}
	}
}

func queueOrDefault(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return domain.DefaultQueue
	}
	return name
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intOr(v, fallback *int, def int) int {
	if v != nil {
		return *v
	}
	if fallback != nil {
		return *fallback
	}
	return def
}

func durationOr(v *time.Duration, fallback, def time.Duration) time.Duration {
	if v != nil {
		return *v
	}
	if fallback > 0 {
		return fallback
	}
	return def
}
