// Package worker runs queued jobs.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"jobflow/internal/domain"
	"jobflow/internal/queue"
	"jobflow/internal/tasks"
)

// Worker is what the job manager starts, stops and health-checks.
type Worker interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsHealthy() bool
}

// Executor runs a task by name; *tasks.Registry implements it.
type Executor interface {
	Execute(ctx context.Context, name string, args []any, kwargs map[string]any, version string) (any, error)
}

type Config struct {
	ID           string
	Queues       []string
	Concurrency  int
	PollInterval time.Duration
	BatchSize    int
	Logger       *zerolog.Logger
}

// Pool polls its queues on a ticker and runs claimed jobs with bounded
// concurrency.
type Pool struct {
	id        string
	repo      queue.JobRepository
	exec      Executor
	queues    []string
	sem       chan struct{}
	pollEvery time.Duration
	batch     int
	log       zerolog.Logger
	now       func() time.Time

	mu        sync.Mutex
	running   bool
	stopPoll  context.CancelFunc
	stopJobs  context.CancelFunc
	loopDone  chan struct{}
	inflight  sync.WaitGroup
	lastTick  atomic.Int64
	pollError atomic.Bool

	// owned by the poll loop
	failures   int
	pauseUntil time.Time
}

var _ Worker = (*Pool)(nil)

func NewPool(repo queue.JobRepository, exec Executor, cfg Config) *Pool {
	if cfg.ID == "" {
		cfg.ID = "worker_" + uuid.NewString()[:8]
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{domain.DefaultQueue}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Concurrency
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Pool{
		id:        cfg.ID,
		repo:      repo,
		exec:      exec,
		queues:    append([]string(nil), cfg.Queues...),
		sem:       make(chan struct{}, cfg.Concurrency),
		pollEvery: cfg.PollInterval,
		batch:     cfg.BatchSize,
		log:       l.With().Str("worker_id", cfg.ID).Logger(),
		now:       time.Now,
	}
}

func (p *Pool) ID() string { return p.id }

// Start launches the poll loop. Starting a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	pollCtx, stopPoll := context.WithCancel(ctx)
	jobCtx, stopJobs := context.WithCancel(context.WithoutCancel(ctx))
	p.stopPoll, p.stopJobs = stopPoll, stopJobs
	p.loopDone = make(chan struct{})
	p.running = true
	p.pollError.Store(false)
	p.lastTick.Store(p.now().UnixNano())

	go p.run(pollCtx, jobCtx, p.loopDone)
	p.log.Info().Strs("queues", p.queues).Int("concurrency", cap(p.sem)).Dur("poll_interval", p.pollEvery).Msg("worker started")
	return nil
}

// Stop stops claiming and waits for in-flight jobs. If ctx ends first the
// jobs' contexts are cancelled and ctx.Err() is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopPoll, stopJobs, loopDone := p.stopPoll, p.stopJobs, p.loopDone
	p.mu.Unlock()

	stopPoll()
	<-loopDone

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		stopJobs()
		p.log.Info().Msg("worker stopped")
		return nil
	case <-ctx.Done():
		stopJobs()
		<-drained
		p.log.Warn().Err(ctx.Err()).Msg("worker stopped before jobs drained")
		return ctx.Err()
	}
}

// IsHealthy is false when stopped, when the last dequeue failed, or when
// the poll loop has not ticked for three intervals.
func (p *Pool) IsHealthy() bool {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running || p.pollError.Load() {
		return false
	}
	last := time.Unix(0, p.lastTick.Load())
	return p.now().Sub(last) <= 3*p.pollEvery
}

func (p *Pool) run(pollCtx, jobCtx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	p.poll(pollCtx, jobCtx)
	for {
		select {
		case <-pollCtx.Done():
			return
		case <-t.C:
			p.poll(pollCtx, jobCtx)
		}
	}
}

func (p *Pool) poll(pollCtx, jobCtx context.Context) {
	now := p.now()
	p.lastTick.Store(now.UnixNano())
	if now.Before(p.pauseUntil) {
		return
	}
	for _, q := range p.queues {
		for {
			free := cap(p.sem) - len(p.sem)
			if free == 0 || pollCtx.Err() != nil {
				return
			}
			jobs, err := p.repo.Dequeue(pollCtx, queue.DequeueRequest{
				Queue:     q,
				WorkerID:  p.id,
				Statuses:  []domain.Status{domain.StatusPending, domain.StatusRetrying},
				BatchSize: min(free, p.batch),
			})
			if err != nil {
				if pollCtx.Err() != nil {
					return
				}
				p.failures++
				p.pauseUntil = p.now().Add(backoffExp(p.failures))
				p.pollError.Store(true)
				p.log.Error().Err(err).Str("queue", q).Int("failures", p.failures).Msg("dequeue failed")
				return
			}
			p.failures = 0
			p.pollError.Store(false)
			if len(jobs) == 0 {
				break
			}
			for _, j := range jobs {
				p.sem <- struct{}{}
				p.inflight.Add(1)
				go p.process(jobCtx, j)
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, j *domain.Job) {
	defer func() {
		<-p.sem
		p.inflight.Done()
	}()
	l := p.log.With().Str("job_id", j.ID).Str("task", j.TaskName).Str("queue", j.QueueName).Logger()

	// A job cancelled between claim and start must not be resurrected.
	current, err := p.repo.GetJob(ctx, j.ID)
	if err != nil {
		l.Error().Err(err).Msg("reload claimed job")
		return
	}
	if current.Status != domain.StatusReserved || current.WorkerID != p.id {
		l.Info().Str("status", string(current.Status)).Msg("claimed job changed before start, skipping")
		return
	}
	j = current

	if err := j.MarkRunning(p.now()); err != nil {
		l.Warn().Err(err).Msg("cannot start job")
		return
	}
	if err := p.repo.TransitionJob(ctx, j, domain.StatusReserved, p.id); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			l.Info().Err(err).Msg("claimed job changed before start, skipping")
			return
		}
		l.Error().Err(err).Msg("persist running state")
		return
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if j.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
	}
	result, execErr := p.exec.Execute(runCtx, j.TaskName, j.Args, j.Kwargs, j.Version)
	cancel()

	// The outcome is recorded even when Stop has cancelled ctx.
	saveCtx := context.WithoutCancel(ctx)
	now := p.now()
	if execErr == nil {
		if err := j.MarkCompleted(result, now); err != nil {
			l.Warn().Err(err).Msg("cannot complete job")
			return
		}
		if err := p.finish(saveCtx, j); err != nil {
			l.Warn().Err(err).Msg("completion discarded")
			return
		}
		l.Info().Dur("took", now.Sub(*j.StartedAt)).Msg("job completed")
		return
	}

	jobErr := tasks.ToJobError(execErr)
	retry := !errors.Is(execErr, domain.ErrTaskNotFound)
	status, err := j.MarkFailed(jobErr, retry, now)
	if err != nil {
		l.Warn().Err(err).Msg("cannot fail job")
		return
	}
	if err := p.finish(saveCtx, j); err != nil {
		l.Warn().Err(err).Str("error", jobErr.Message).Msg("failure discarded")
		return
	}
	ev := l.Warn()
	if status == domain.StatusFailed {
		ev = l.Error()
	}
	ev.Str("status", string(status)).Int("retries", j.Retries).Str("error_type", jobErr.Type).Str("error", jobErr.Message).Msg("job failed")
}

// finish records the outcome of a run. It only lands while the stored job
// is still RUNNING under this worker; a job failed by stall detection in the
// meantime keeps that outcome.
func (p *Pool) finish(ctx context.Context, j *domain.Job) error {
	return p.repo.TransitionJob(ctx, j, domain.StatusRunning, p.id)
}

// backoffExp spaces out polling after consecutive dequeue failures:
// 1s, 2s, 4s, ... capped at 60s.
func backoffExp(failures int) time.Duration {
	if failures <= 0 {
		return time.Second
	}
	d := 1 << min(failures-1, 6)
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
