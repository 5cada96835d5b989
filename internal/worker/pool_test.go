package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"jobflow/internal/domain"
	"jobflow/internal/queue"
	"jobflow/internal/tasks"
)

func setup(t *testing.T) (*queue.MemoryRepository, *tasks.Registry) {
	t.Helper()
	l := zerolog.Nop()
	return queue.NewMemoryRepository(), tasks.NewRegistry(&l)
}

func startPool(t *testing.T, repo queue.JobRepository, reg *tasks.Registry, concurrency int) *Pool {
	t.Helper()
	l := zerolog.Nop()
	p := NewPool(repo, reg, Config{ID: "w-test", Concurrency: concurrency, PollInterval: 10 * time.Millisecond, Logger: &l})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func enqueue(t *testing.T, repo queue.JobRepository, id, task string, mut func(*domain.Job)) {
	t.Helper()
	j := domain.NewJob(id, task, time.Now())
	if mut != nil {
		mut(j)
	}
	if err := repo.Enqueue(context.Background(), j); err != nil {
		t.Fatal(err)
	}
}

func waitStatus(t *testing.T, repo queue.JobRepository, id string, want domain.Status) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		j, err := repo.GetJob(context.Background(), id)
		if err == nil && j.Status == want {
			return j
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached %s (last: %+v, err %v)", id, want, j, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPoolCompletesJob(t *testing.T) {
	t.Parallel()
	repo, reg := setup(t)
	_ = reg.Register("add", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return args[0].(int) + args[1].(int), nil
	})
	enqueue(t, repo, "job_add", "add", func(j *domain.Job) { j.Args = []any{2, 3} })
	startPool(t, repo, reg, 2)

	j := waitStatus(t, repo, "job_add", domain.StatusCompleted)
	if j.Result != 5 || j.WorkerID != "w-test" || j.StartedAt == nil || j.CompletedAt == nil {
		t.Fatalf("job = %+v", j)
	}
}

func TestPoolRetriesThenFails(t *testing.T) {
	t.Parallel()
	repo, reg := setup(t)
	var calls atomic.Int32
	_ = reg.Register("flaky", func(context.Context, []any, map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("upstream down")
	})
	enqueue(t, repo, "job_flaky", "flaky", func(j *domain.Job) {
		j.MaxRetries = 2
		j.RetryDelay = 0
	})
	startPool(t, repo, reg, 1)

	j := waitStatus(t, repo, "job_flaky", domain.StatusFailed)
	if j.Retries != 2 || calls.Load() != 3 {
		t.Fatalf("retries = %d, calls = %d", j.Retries, calls.Load())
	}
	if j.Error == nil || j.Error.Type != domain.ErrorTypeTask || j.Error.Message != "upstream down" {
		t.Fatalf("error = %+v", j.Error)
	}
}

func TestPoolRetryDelayDefersJob(t *testing.T) {
	t.Parallel()
	repo, reg := setup(t)
	_ = reg.Register("fail", func(context.Context, []any, map[string]any) (any, error) {
		return nil, errors.New("nope")
	})
	enqueue(t, repo, "job_later", "fail", func(j *domain.Job) { j.RetryDelay = time.Hour })
	startPool(t, repo, reg, 1)

	j := waitStatus(t, repo, "job_later", domain.StatusRetrying)
	if j.Retries != 1 || j.ScheduledAt == nil || time.Until(*j.ScheduledAt) < 50*time.Minute {
		t.Fatalf("job = %+v", j)
	}
	time.Sleep(50 * time.Millisecond)
	if again := waitStatus(t, repo, "job_later", domain.StatusRetrying); again.Retries != 1 {
		t.Fatalf("retried before delay elapsed: %+v", again)
	}
}

func TestPoolUnknownTaskFailsWithoutRetry(t *testing.T) {
	t.Parallel()
	repo, reg := setup(t)
	enqueue(t, repo, "job_ghost", "ghost", nil)
	startPool(t, repo, reg, 1)

	j := waitStatus(t, repo, "job_ghost", domain.StatusFailed)
	if j.Retries != 0 || j.Error == nil || j.Error.Type != domain.ErrorTypeNotFound {
		t.Fatalf("job = %+v", j)
	}
}

func TestPoolEnforcesJobTimeout(t *testing.T) {
	t.Parallel()
	repo, reg := setup(t)
	_ = reg.Register("sleepy", func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	enqueue(t, repo, "job_sleepy", "sleepy", func(j *domain.Job) {
		j.Timeout = 20 * time.Millisecond
		j.MaxRetries = 0
	})
	startPool(t, repo, reg, 1)

	j := waitStatus(t, repo, "job_sleepy", domain.StatusFailed)
	if j.Error == nil || j.Error.Type != domain.ErrorTypeTimeout {
		t.Fatalf("error = %+v", j.Error)
	}
}

func TestPoolStopDrainsInFlight(t *testing.T) {
	t.Parallel()
	repo, reg := setup(t)
	started := make(chan struct{})
	_ = reg.Register("slow", func(context.Context, []any, map[string]any) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return "done", nil
	})
	enqueue(t, repo, "job_slow", "slow", nil)

	l := zerolog.Nop()
	p := NewPool(repo, reg, Config{Concurrency: 1, PollInterval: 5 * time.Millisecond, Logger: &l})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	j, _ := repo.GetJob(context.Background(), "job_slow")
	if j.Status != domain.StatusCompleted {
		t.Fatalf("in-flight job not drained: %s", j.Status)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestPoolKeepsStallOutcome(t *testing.T) {
	t.Parallel()
	repo, reg := setup(t)
	started, release := make(chan struct{}), make(chan struct{})
	_ = reg.Register("block", func(context.Context, []any, map[string]any) (any, error) {
		close(started)
		<-release
		return "late", nil
	})
	enqueue(t, repo, "job_block", "block", nil)
	p := startPool(t, repo, reg, 1)
	<-started

	time.Sleep(2 * time.Millisecond)
	n, err := repo.MarkStalledJobsAsFailed(context.Background(), time.Millisecond)
	if err != nil || n != 1 {
		t.Fatalf("stall pass = %d, %v", n, err)
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	j, _ := repo.GetJob(context.Background(), "job_block")
	if j.Status != domain.StatusFailed || j.Error == nil || j.Error.Type != domain.ErrorTypeStall || j.Result != nil {
		t.Fatalf("stalled job overwritten: %+v", j)
	}
}

// cancelOnStart cancels the job in the store right before the pool's
// RESERVED -> RUNNING write lands.
type cancelOnStart struct {
	*queue.MemoryRepository
}

func (r cancelOnStart) TransitionJob(ctx context.Context, job *domain.Job, from domain.Status, workerID string) error {
	if from == domain.StatusReserved {
		cur, err := r.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if err := cur.MarkCancelled("operator", time.Now()); err != nil {
			return err
		}
		if err := r.UpdateJob(ctx, cur); err != nil {
			return err
		}
	}
	return r.MemoryRepository.TransitionJob(ctx, job, from, workerID)
}

func TestPoolSkipsJobCancelledBeforeStart(t *testing.T) {
	t.Parallel()
	mem, reg := setup(t)
	var runs atomic.Int32
	_ = reg.Register("count", func(context.Context, []any, map[string]any) (any, error) {
		runs.Add(1)
		return nil, nil
	})
	repo := cancelOnStart{mem}
	enqueue(t, repo, "job_count", "count", nil)
	p := startPool(t, repo, reg, 1)

	waitStatus(t, repo, "job_count", domain.StatusCancelled)
	time.Sleep(30 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	j, _ := repo.GetJob(context.Background(), "job_count")
	if j.Status != domain.StatusCancelled || runs.Load() != 0 {
		t.Fatalf("status %s after %d runs", j.Status, runs.Load())
	}
}

// ctxBoundRepo fails writes made with a finished context, like a network
// store would.
type ctxBoundRepo struct {
	*queue.MemoryRepository
}

func (r ctxBoundRepo) TransitionJob(ctx context.Context, job *domain.Job, from domain.Status, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.MemoryRepository.TransitionJob(ctx, job, from, workerID)
}

func TestPoolRecordsOutcomeAfterStopDeadline(t *testing.T) {
	t.Parallel()
	mem, reg := setup(t)
	started := make(chan struct{})
	_ = reg.Register("wait", func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	repo := ctxBoundRepo{mem}
	enqueue(t, repo, "job_wait", "wait", nil)
	p := startPool(t, repo, reg, 1)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stop = %v", err)
	}
	j, _ := repo.GetJob(context.Background(), "job_wait")
	if j.Status != domain.StatusRetrying || j.Retries != 1 {
		t.Fatalf("interrupted job = %s retries=%d", j.Status, j.Retries)
	}
}

type brokenRepo struct {
	*queue.MemoryRepository
}

func (brokenRepo) Dequeue(context.Context, queue.DequeueRequest) ([]*domain.Job, error) {
	return nil, &domain.StorageError{Op: "dequeue", Err: errors.New("connection refused")}
}

func TestPoolHealth(t *testing.T) {
	t.Parallel()
	repo, reg := setup(t)
	l := zerolog.Nop()
	p := NewPool(repo, reg, Config{PollInterval: 10 * time.Millisecond, Logger: &l})
	if p.IsHealthy() {
		t.Fatal("stopped pool reported healthy")
	}
	_ = p.Start(context.Background())
	if !p.IsHealthy() {
		t.Fatal("running pool reported unhealthy")
	}
	_ = p.Stop(context.Background())
	if p.IsHealthy() {
		t.Fatal("stopped pool reported healthy")
	}

	broken := startPool(t, brokenRepo{repo}, reg, 1)
	deadline := time.Now().Add(time.Second)
	for broken.IsHealthy() {
		if time.Now().After(deadline) {
			t.Fatal("pool with failing dequeue stayed healthy")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBackoffExp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{7, 60 * time.Second},
		{50, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := backoffExp(tt.failures); got != tt.want {
			t.Errorf("backoffExp(%d) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}
