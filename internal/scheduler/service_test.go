package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"jobflow/internal/domain"
	"jobflow/internal/queue"
	"jobflow/internal/schedule"
)

func newTestService(repo *queue.MemoryRepository) *Service {
	l := zerolog.Nop()
	return NewService(repo, repo, Config{Interval: time.Minute, Logger: &l})
}

func define(t *testing.T, repo *queue.MemoryRepository, id string, s schedule.Schedule, next *time.Time) {
	t.Helper()
	d := &schedule.Definition{
		ID:         id,
		Name:       id + "-name",
		TaskName:   "daily_report",
		Schedule:   s,
		QueueName:  "reports",
		Priority:   domain.PriorityHigh,
		MaxRetries: 3,
		RetryDelay: time.Minute,
		Kwargs:     map[string]any{"format": "pdf"},
		Status:     schedule.StatusActive,
		NextRunAt:  next,
	}
	if err := repo.CreateSchedule(context.Background(), d); err != nil {
		t.Fatal(err)
	}
}

func TestDailyReportTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := queue.NewMemoryRepository()
	svc := newTestService(repo)

	cron, err := schedule.NewCron("0 9 * * *", "")
	if err != nil {
		t.Fatal(err)
	}
	nine := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	define(t, repo, "sch_daily", cron, &nine)

	tick := nine.Add(30 * time.Second)
	ids, err := svc.Tick(ctx, tick)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("enqueued %v, want one job", ids)
	}
	job, err := repo.GetJob(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if job.TaskName != "daily_report" || job.QueueName != "reports" || job.Priority != domain.PriorityHigh {
		t.Fatalf("job = %+v", job)
	}
	if job.Metadata[domain.MetaScheduleID] != "sch_daily" || job.Kwargs["format"] != "pdf" {
		t.Fatalf("job metadata = %v kwargs = %v", job.Metadata, job.Kwargs)
	}

	def, _ := repo.GetSchedule(ctx, "sch_daily")
	wantNext := time.Date(2024, 1, 4, 9, 0, 0, 0, time.UTC)
	if def.NextRunAt == nil || !def.NextRunAt.Equal(wantNext) {
		t.Fatalf("next run = %v, want %v", def.NextRunAt, wantNext)
	}
	if def.LastRunAt == nil || !def.LastRunAt.Equal(tick) {
		t.Fatalf("last run = %v", def.LastRunAt)
	}

	again, _ := svc.Tick(ctx, tick.Add(15*time.Second))
	if len(again) != 0 {
		t.Fatalf("second tick enqueued %v", again)
	}
}

func TestOneTimeScheduleIsPausedAfterFiring(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := queue.NewMemoryRepository()
	svc := newTestService(repo)

	at := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)
	once, _ := schedule.NewOneTime(at)
	define(t, repo, "sch_once", once, &at)

	ids, err := svc.Tick(ctx, at.Add(time.Second))
	if err != nil || len(ids) != 1 {
		t.Fatalf("tick = %v, %v", ids, err)
	}
	def, _ := repo.GetSchedule(ctx, "sch_once")
	if def.Status != schedule.StatusPaused || def.NextRunAt != nil {
		t.Fatalf("definition = %+v", def)
	}
	if more, _ := svc.Tick(ctx, at.Add(time.Hour)); len(more) != 0 {
		t.Fatalf("exhausted schedule fired again: %v", more)
	}
}

func TestTickIsolatesFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := queue.NewMemoryRepository()
	svc := newTestService(repo)

	now := time.Date(2024, 1, 3, 9, 0, 30, 0, time.UTC)
	early := now.Add(-time.Minute)
	define(t, repo, "sch_broken", nil, &early)
	every, _ := schedule.NewInterval(time.Hour, now.Add(-30*time.Second))
	due := now.Add(-30 * time.Second)
	define(t, repo, "sch_ok", every, &due)

	ids, err := svc.Tick(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("enqueued %v, want exactly the healthy schedule's job", ids)
	}
	job, _ := repo.GetJob(ctx, ids[0])
	if job.Metadata[domain.MetaScheduleID] != "sch_ok" {
		t.Fatalf("job from %v", job.Metadata[domain.MetaScheduleID])
	}
	broken, _ := repo.GetSchedule(ctx, "sch_broken")
	if broken.LastRunAt != nil {
		t.Fatal("failing definition advanced")
	}
}

// advanceFails rejects the first NextRunAt write, leaving the definition due.
type advanceFails struct {
	*queue.MemoryRepository
	failed bool
}

func (r *advanceFails) UpdateScheduleNextRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	if !r.failed {
		r.failed = true
		return &domain.StorageError{Op: "update schedule", Err: errors.New("connection reset")}
	}
	return r.MemoryRepository.UpdateScheduleNextRun(ctx, id, lastRun, nextRun)
}

func TestTickRetriesOccurrenceWithoutDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := queue.NewMemoryRepository()
	repo := &advanceFails{MemoryRepository: mem}
	l := zerolog.Nop()
	svc := NewService(repo, repo, Config{Interval: time.Minute, Logger: &l})

	cron, _ := schedule.NewCron("0 9 * * *", "")
	nine := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	define(t, mem, "sch_daily", cron, &nine)

	if ids, _ := svc.Tick(ctx, nine.Add(30*time.Second)); len(ids) != 0 {
		t.Fatalf("first tick reported %v despite failing to advance", ids)
	}
	if _, err := svc.Tick(ctx, nine.Add(90*time.Second)); err != nil {
		t.Fatal(err)
	}

	n, _ := mem.CountJobs(ctx, queue.JobFilter{})
	if n != 1 {
		t.Fatalf("jobs for the 09:00 occurrence = %d, want 1", n)
	}
	def, _ := mem.GetSchedule(ctx, "sch_daily")
	if want := nine.Add(24 * time.Hour); def.NextRunAt == nil || !def.NextRunAt.Equal(want) {
		t.Fatalf("next run = %v, want %v", def.NextRunAt, want)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	repo := queue.NewMemoryRepository()
	l := zerolog.Nop()
	svc := NewService(repo, repo, Config{Interval: 5 * time.Millisecond, Logger: &l})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNextRunAt(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)
	if NextRunAt(nil, now) != nil {
		t.Fatal("nil schedule has no next run")
	}
	ev, _ := schedule.NewEventTrigger("deploy")
	if NextRunAt(ev, now) != nil {
		t.Fatal("event trigger has no next run")
	}
	daily, _ := schedule.NewDaily([]schedule.Clock{{Hour: 10}}, "")
	if got := NextRunAt(daily, now); got == nil || got.Hour() != 10 {
		t.Fatalf("next = %v", got)
	}
}
