// Package repotest is a behavioural test suite every queue.Repository
// adapter must pass.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"jobflow/internal/domain"
	"jobflow/internal/queue"
	"jobflow/internal/schedule"
)

// Factory returns an empty repository; cleanup is registered on t.
type Factory func(t *testing.T) queue.Repository

// base is a fixed creation time well in the past so cutoffs are stable.
var base = time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

func newJob(id, q string, p domain.Priority, created time.Time) *domain.Job {
	j := domain.NewJob(id, "noop", created)
	j.QueueName = q
	j.Priority = p
	return j
}

// Run executes the whole suite against repositories built by f.
func Run(t *testing.T, f Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, r queue.Repository)
	}{
		{"JobCRUD", testJobCRUD},
		{"EnqueueUpserts", testEnqueueUpserts},
		{"PriorityFIFO", testPriorityFIFO},
		{"ScheduledNotEligible", testScheduledNotEligible},
		{"RetryingClaim", testRetryingClaim},
		{"PausedQueue", testPausedQueue},
		{"ConcurrentClaim", testConcurrentClaim},
		{"ClearQueue", testClearQueue},
		{"Cleanup", testCleanup},
		{"StallDetection", testStallDetection},
		{"TransitionAfterClaim", testTransitionAfterClaim},
		{"TransitionAfterStall", testTransitionAfterStall},
		{"QueueAdmin", testQueueAdmin},
		{"ListFilters", testListFilters},
		{"Schedules", testSchedules},
		{"DueSchedules", testDueSchedules},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, f(t))
		})
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func ids(jobs []*domain.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func testJobCRUD(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	j := newJob("job_a", "default", domain.PriorityNormal, base)
	j.Args = []any{"x"}
	j.Kwargs = map[string]any{"k": "v"}
	j.Tags = []string{"b", "a"}
	j.Metadata = map[string]any{"owner": "ops"}
	must(t, r.CreateJob(ctx, j))
	if err := r.CreateJob(ctx, j); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate create: %v", err)
	}

	got, err := r.GetJob(ctx, "job_a")
	must(t, err)
	if got.TaskName != "noop" || got.Args[0] != "x" || got.Kwargs["k"] != "v" || got.Metadata["owner"] != "ops" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "a" {
		t.Fatalf("tags = %v", got.Tags)
	}
	if !got.CreatedAt.Equal(j.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, j.CreatedAt)
	}

	got.Status = domain.StatusFailed
	got.Error = &domain.JobError{Type: domain.ErrorTypeTask, Message: "boom"}
	got.CompletedAt = domain.TimePtr(base.Add(time.Minute))
	must(t, r.UpdateJob(ctx, got))
	again, err := r.GetJob(ctx, "job_a")
	must(t, err)
	if again.Status != domain.StatusFailed || again.Error == nil || again.Error.Message != "boom" || again.CompletedAt == nil {
		t.Fatalf("update not persisted: %+v", again)
	}

	if err := r.UpdateJob(ctx, newJob("job_missing", "default", 0, base)); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
	must(t, r.DeleteJob(ctx, "job_a"))
	if _, err := r.GetJob(ctx, "job_a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("get deleted: %v", err)
	}
	if err := r.DeleteJob(ctx, "job_a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete missing: %v", err)
	}
}

func testEnqueueUpserts(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	j := newJob("job_u", "default", domain.PriorityLow, base)
	must(t, r.Enqueue(ctx, j))
	j.Priority = domain.PriorityCritical
	j.Kwargs = map[string]any{"second": true}
	must(t, r.Enqueue(ctx, j))
	got, err := r.GetJob(ctx, "job_u")
	must(t, err)
	if got.Priority != domain.PriorityCritical || got.Kwargs["second"] != true {
		t.Fatalf("upsert not applied: %+v", got)
	}
	n, err := r.CountJobs(ctx, queue.JobFilter{})
	must(t, err)
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func testPriorityFIFO(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	must(t, r.Enqueue(ctx, newJob("job_1", "default", domain.PriorityLow, base)))
	must(t, r.Enqueue(ctx, newJob("job_2", "default", domain.PriorityCritical, base.Add(10*time.Millisecond))))
	must(t, r.Enqueue(ctx, newJob("job_3", "default", domain.PriorityNormal, base.Add(20*time.Millisecond))))
	must(t, r.Enqueue(ctx, newJob("job_4", "default", domain.PriorityNormal, base.Add(30*time.Millisecond))))
	must(t, r.Enqueue(ctx, newJob("job_other", "other", domain.PriorityCritical, base)))

	var order []string
	for {
		got, err := r.Dequeue(ctx, queue.DequeueRequest{Queue: "default", WorkerID: "w1"})
		must(t, err)
		if len(got) == 0 {
			break
		}
		if got[0].Status != domain.StatusReserved || got[0].WorkerID != "w1" {
			t.Fatalf("claimed job not reserved: %+v", got[0])
		}
		order = append(order, got[0].ID)
	}
	want := []string{"job_2", "job_3", "job_4", "job_1"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}

	stored, err := r.GetJob(ctx, "job_3")
	must(t, err)
	if stored.Status != domain.StatusReserved || stored.WorkerID != "w1" {
		t.Fatalf("reservation not persisted: %+v", stored)
	}
}

func testScheduledNotEligible(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	later := newJob("job_later", "default", domain.PriorityCritical, base)
	later.ScheduledAt = domain.TimePtr(time.Now().Add(time.Hour))
	must(t, r.Enqueue(ctx, later))
	past := newJob("job_past", "default", domain.PriorityLow, base)
	past.ScheduledAt = domain.TimePtr(time.Now().Add(-time.Minute))
	must(t, r.Enqueue(ctx, past))

	got, err := r.Dequeue(ctx, queue.DequeueRequest{Queue: "default", WorkerID: "w", BatchSize: 10})
	must(t, err)
	if fmt.Sprint(ids(got)) != "[job_past]" {
		t.Fatalf("dequeued %v, want [job_past]", ids(got))
	}
}

func testRetryingClaim(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	j := newJob("job_r", "default", domain.PriorityNormal, base)
	must(t, j.MarkReserved("w0", base))
	must(t, j.MarkRunning(base))
	st, err := j.MarkFailed(&domain.JobError{Message: "flaky"}, true, time.Now().Add(-2*j.RetryDelay))
	must(t, err)
	if st != domain.StatusRetrying {
		t.Fatalf("status = %s", st)
	}
	must(t, r.Enqueue(ctx, j))

	got, err := r.Dequeue(ctx, queue.DequeueRequest{Queue: "default", WorkerID: "w1"})
	must(t, err)
	if len(got) != 0 {
		t.Fatalf("retrying job claimed with default statuses: %v", ids(got))
	}
	got, err = r.Dequeue(ctx, queue.DequeueRequest{
		Queue:    "default",
		WorkerID: "w1",
		Statuses: []domain.Status{domain.StatusPending, domain.StatusRetrying},
	})
	must(t, err)
	if len(got) != 1 || got[0].Status != domain.StatusReserved || got[0].Retries != 1 {
		t.Fatalf("retrying claim = %+v", got)
	}
}

func testPausedQueue(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	must(t, r.Enqueue(ctx, newJob("job_p", "emails", domain.PriorityNormal, base)))
	must(t, r.PauseQueue(ctx, "emails"))
	paused, err := r.IsQueuePaused(ctx, "emails")
	must(t, err)
	if !paused {
		t.Fatal("queue not reported paused")
	}
	got, err := r.Dequeue(ctx, queue.DequeueRequest{Queue: "emails", WorkerID: "w"})
	must(t, err)
	if len(got) != 0 {
		t.Fatalf("paused queue yielded %v", ids(got))
	}
	must(t, r.ResumeQueue(ctx, "emails"))
	got, err = r.Dequeue(ctx, queue.DequeueRequest{Queue: "emails", WorkerID: "w"})
	must(t, err)
	if len(got) != 1 {
		t.Fatalf("resumed queue yielded %v", ids(got))
	}
}

func testConcurrentClaim(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	const total = 30
	for i := 0; i < total; i++ {
		must(t, r.Enqueue(ctx, newJob(fmt.Sprintf("job_%02d", i), "default", domain.Priority(i%4), base.Add(time.Duration(i)*time.Millisecond))))
	}

	var (
		mu     sync.Mutex
		seen   = make(map[string]string)
		dupes  []string
		wg     sync.WaitGroup
		errsMu sync.Mutex
		errs   []error
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				got, err := r.Dequeue(ctx, queue.DequeueRequest{Queue: "default", WorkerID: worker, BatchSize: 2})
				if err != nil {
					errsMu.Lock()
					errs = append(errs, err)
					errsMu.Unlock()
					return
				}
				if len(got) == 0 {
					return
				}
				mu.Lock()
				for _, j := range got {
					if prev, ok := seen[j.ID]; ok {
						dupes = append(dupes, j.ID+" by "+prev+" and "+worker)
					}
					seen[j.ID] = worker
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("dequeue errors: %v", errs)
	}
	if len(dupes) > 0 {
		t.Fatalf("jobs claimed more than once: %v", dupes)
	}
	if len(seen) != total {
		t.Fatalf("claimed %d jobs, want %d", len(seen), total)
	}
}

func testClearQueue(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	must(t, r.Enqueue(ctx, newJob("job_c1", "bulk", domain.PriorityNormal, base)))
	must(t, r.Enqueue(ctx, newJob("job_c2", "bulk", domain.PriorityNormal, base)))
	running := newJob("job_c3", "bulk", domain.PriorityNormal, base)
	must(t, running.MarkReserved("w", base))
	must(t, running.MarkRunning(base))
	must(t, r.Enqueue(ctx, running))
	must(t, r.Enqueue(ctx, newJob("job_keep", "default", domain.PriorityNormal, base)))

	n, err := r.ClearQueue(ctx, "bulk")
	must(t, err)
	if n != 2 {
		t.Fatalf("cleared %d, want 2", n)
	}
	if _, err := r.GetJob(ctx, "job_c3"); err != nil {
		t.Fatalf("running job removed: %v", err)
	}
	if _, err := r.GetJob(ctx, "job_keep"); err != nil {
		t.Fatalf("other queue touched: %v", err)
	}
}

func testCleanup(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	old := time.Now().Add(-10 * 24 * time.Hour)

	oldDone := newJob("job_old", "default", domain.PriorityNormal, old)
	must(t, oldDone.MarkReserved("w", old))
	must(t, oldDone.MarkRunning(old))
	must(t, oldDone.MarkCompleted("ok", old))
	must(t, r.Enqueue(ctx, oldDone))

	oldPending := newJob("job_old_pending", "default", domain.PriorityNormal, old)
	must(t, r.Enqueue(ctx, oldPending))

	fresh := newJob("job_fresh", "default", domain.PriorityNormal, time.Now())
	must(t, fresh.MarkCancelled("", time.Now()))
	must(t, r.Enqueue(ctx, fresh))

	n, err := r.CleanupOldJobs(ctx, 7*24*time.Hour)
	must(t, err)
	if n != 1 {
		t.Fatalf("cleaned %d, want 1", n)
	}
	if _, err := r.GetJob(ctx, "job_old"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("old terminal job survived: %v", err)
	}
	for _, id := range []string{"job_old_pending", "job_fresh"} {
		if _, err := r.GetJob(ctx, id); err != nil {
			t.Fatalf("%s removed: %v", id, err)
		}
	}
}

func testStallDetection(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	startedLong := time.Now().Add(-31 * time.Minute)
	stale := newJob("job_stale", "default", domain.PriorityNormal, startedLong)
	must(t, stale.MarkReserved("w", startedLong))
	must(t, stale.MarkRunning(startedLong))
	must(t, r.Enqueue(ctx, stale))

	now := time.Now()
	live := newJob("job_live", "default", domain.PriorityNormal, now)
	must(t, live.MarkReserved("w", now))
	must(t, live.MarkRunning(now))
	must(t, r.Enqueue(ctx, live))

	n, err := r.MarkStalledJobsAsFailed(ctx, 30*time.Minute)
	must(t, err)
	if n != 1 {
		t.Fatalf("stalled %d, want 1", n)
	}
	got, err := r.GetJob(ctx, "job_stale")
	must(t, err)
	if got.Status != domain.StatusFailed || got.Error == nil || got.Error.Type != domain.ErrorTypeStall {
		t.Fatalf("stale job = %+v", got)
	}
	got, err = r.GetJob(ctx, "job_live")
	must(t, err)
	if got.Status != domain.StatusRunning {
		t.Fatalf("live job = %s", got.Status)
	}
}

func testTransitionAfterClaim(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	must(t, r.Enqueue(ctx, newJob("job_t", "default", domain.PriorityNormal, base)))
	stale, err := r.GetJob(ctx, "job_t")
	must(t, err)
	claimed, err := r.Dequeue(ctx, queue.DequeueRequest{WorkerID: "w1"})
	must(t, err)
	if len(claimed) != 1 {
		t.Fatalf("claimed %v", ids(claimed))
	}

	// A cancel computed from the PENDING read must not land on the claim.
	must(t, stale.MarkCancelled("late", time.Now()))
	if err := r.TransitionJob(ctx, stale, domain.StatusPending, ""); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("cancel over claim err = %v", err)
	}

	running := claimed[0]
	must(t, running.MarkRunning(time.Now()))
	if err := r.TransitionJob(ctx, running, domain.StatusReserved, "w2"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("start by other worker err = %v", err)
	}
	must(t, r.TransitionJob(ctx, running, domain.StatusReserved, "w1"))
	got, err := r.GetJob(ctx, "job_t")
	must(t, err)
	if got.Status != domain.StatusRunning || got.WorkerID != "w1" {
		t.Fatalf("job = %s/%s", got.Status, got.WorkerID)
	}

	if err := r.TransitionJob(ctx, newJob("job_ghost", "default", 0, base), domain.StatusPending, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing job err = %v", err)
	}
}

func testTransitionAfterStall(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	startedLong := time.Now().Add(-time.Hour)
	j := newJob("job_s", "default", domain.PriorityNormal, startedLong)
	must(t, j.MarkReserved("w1", startedLong))
	must(t, j.MarkRunning(startedLong))
	must(t, r.Enqueue(ctx, j))

	n, err := r.MarkStalledJobsAsFailed(ctx, 30*time.Minute)
	must(t, err)
	if n != 1 {
		t.Fatalf("stalled %d, want 1", n)
	}

	// The worker finishing late holds its RUNNING copy.
	must(t, j.MarkCompleted("late", time.Now()))
	if err := r.TransitionJob(ctx, j, domain.StatusRunning, "w1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("late completion err = %v", err)
	}
	got, err := r.GetJob(ctx, "job_s")
	must(t, err)
	if got.Status != domain.StatusFailed || got.Error == nil || got.Error.Type != domain.ErrorTypeStall {
		t.Fatalf("stalled job overwritten: %+v", got)
	}
}

func testQueueAdmin(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	must(t, r.Enqueue(ctx, newJob("job_q1", "alpha", domain.PriorityNormal, base)))
	must(t, r.Enqueue(ctx, newJob("job_q2", "alpha", domain.PriorityNormal, base)))
	done := newJob("job_q3", "beta", domain.PriorityNormal, base)
	must(t, done.MarkCancelled("", base))
	must(t, r.Enqueue(ctx, done))
	must(t, r.PauseQueue(ctx, "gamma"))

	names, err := r.QueueNames(ctx)
	must(t, err)
	if fmt.Sprint(names) != "[alpha beta gamma]" {
		t.Fatalf("queue names = %v", names)
	}
	n, err := r.QueueLength(ctx, "alpha")
	must(t, err)
	if n != 2 {
		t.Fatalf("alpha length = %d", n)
	}
	n, err = r.QueueLength(ctx, "beta", domain.StatusCancelled)
	must(t, err)
	if n != 1 {
		t.Fatalf("beta cancelled length = %d", n)
	}

	st, err := r.Statistics(ctx)
	must(t, err)
	if st.Total != 3 || st.ByStatus[domain.StatusPending] != 2 || st.ByStatus[domain.StatusCancelled] != 1 {
		t.Fatalf("statistics = %+v", st)
	}
	if st.ByQueue["alpha"] != 2 || fmt.Sprint(st.PausedQueues) != "[gamma]" {
		t.Fatalf("statistics = %+v", st)
	}
}

func testListFilters(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		j := newJob(fmt.Sprintf("job_l%d", i), "default", domain.PriorityNormal, base.Add(time.Duration(i)*time.Second))
		if i%2 == 0 {
			j.Tags = []string{"even"}
		}
		if i == 4 {
			j.TaskName = "report"
		}
		must(t, r.Enqueue(ctx, j))
	}

	all, err := r.ListJobs(ctx, queue.JobFilter{})
	must(t, err)
	if fmt.Sprint(ids(all)) != "[job_l0 job_l1 job_l2 job_l3 job_l4]" {
		t.Fatalf("list order = %v", ids(all))
	}
	paged, err := r.ListJobs(ctx, queue.JobFilter{Limit: 2, Offset: 1})
	must(t, err)
	if fmt.Sprint(ids(paged)) != "[job_l1 job_l2]" {
		t.Fatalf("paged = %v", ids(paged))
	}
	tagged, err := r.ListJobs(ctx, queue.JobFilter{Tags: []string{"even"}, Offset: 1})
	must(t, err)
	if fmt.Sprint(ids(tagged)) != "[job_l2 job_l4]" {
		t.Fatalf("tagged = %v", ids(tagged))
	}
	byTask, err := r.ListJobs(ctx, queue.JobFilter{TaskName: "report"})
	must(t, err)
	if fmt.Sprint(ids(byTask)) != "[job_l4]" {
		t.Fatalf("by task = %v", ids(byTask))
	}
	n, err := r.CountJobs(ctx, queue.JobFilter{Tags: []string{"even"}})
	must(t, err)
	if n != 3 {
		t.Fatalf("count tagged = %d", n)
	}
}

func newDefinition(t *testing.T, id, name string, next *time.Time) *schedule.Definition {
	t.Helper()
	s, err := schedule.NewCron("0 9 * * *", "")
	must(t, err)
	return &schedule.Definition{
		ID:         id,
		Name:       name,
		TaskName:   "daily_report",
		Schedule:   s,
		Args:       []any{},
		Kwargs:     map[string]any{"format": "pdf"},
		QueueName:  "reports",
		Priority:   domain.PriorityHigh,
		MaxRetries: 3,
		RetryDelay: time.Minute,
		Tags:       []string{"reports"},
		Metadata:   map[string]any{},
		Status:     schedule.StatusActive,
		CreatedAt:  base,
		UpdatedAt:  base,
		NextRunAt:  next,
	}
}

func testSchedules(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	d := newDefinition(t, "sch_1", "daily-report", nil)
	must(t, r.CreateSchedule(ctx, d))
	if err := r.CreateSchedule(ctx, newDefinition(t, "sch_2", "daily-report", nil)); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate name: %v", err)
	}
	if err := r.CreateSchedule(ctx, newDefinition(t, "sch_1", "other", nil)); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate id: %v", err)
	}

	got, err := r.GetSchedule(ctx, "sch_1")
	must(t, err)
	if got.Schedule == nil || got.Schedule.Kind() != schedule.KindCron || got.Kwargs["format"] != "pdf" || got.Priority != domain.PriorityHigh {
		t.Fatalf("schedule round trip: %+v", got)
	}
	byName, err := r.GetScheduleByName(ctx, "daily-report")
	must(t, err)
	if byName.ID != "sch_1" {
		t.Fatalf("by name = %s", byName.ID)
	}

	must(t, r.CreateSchedule(ctx, newDefinition(t, "sch_3", "weekly-digest", nil)))
	readAt := got.UpdatedAt
	got.Name = "weekly-digest"
	if err := r.UpdateSchedule(ctx, got, readAt); !errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrStale) {
		t.Fatalf("rename onto taken name: %v", err)
	}
	got.Name = "morning-report"
	got.Status = schedule.StatusPaused
	got.UpdatedAt = readAt.Add(time.Second)
	must(t, r.UpdateSchedule(ctx, got, readAt))
	if err := r.UpdateSchedule(ctx, got, readAt); !errors.Is(err, domain.ErrStale) {
		t.Fatalf("write from outdated read: %v", err)
	}
	if _, err := r.GetScheduleByName(ctx, "daily-report"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("old name still resolves: %v", err)
	}

	paused, err := r.ListSchedules(ctx, queue.ScheduleFilter{Status: schedule.StatusPaused})
	must(t, err)
	if len(paused) != 1 || paused[0].Name != "morning-report" {
		t.Fatalf("paused list = %+v", paused)
	}
	all, err := r.ListSchedules(ctx, queue.ScheduleFilter{Tags: []string{"reports"}})
	must(t, err)
	names := make([]string, len(all))
	for i, d := range all {
		names[i] = d.Name
	}
	if !sort.StringsAreSorted(names) || len(names) != 2 {
		t.Fatalf("list = %v", names)
	}

	must(t, r.DeleteSchedule(ctx, "sch_1"))
	if _, err := r.GetSchedule(ctx, "sch_1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted schedule: %v", err)
	}
	if err := r.DeleteSchedule(ctx, "sch_1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete missing: %v", err)
	}
	if err := r.UpdateSchedule(ctx, newDefinition(t, "sch_404", "ghost", nil), base); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
}

func testDueSchedules(t *testing.T, r queue.Repository) {
	ctx := context.Background()
	now := time.Date(2024, 1, 3, 9, 0, 30, 0, time.UTC)
	early := now.Add(-time.Minute)
	due := now.Add(-30 * time.Second)
	future := now.Add(time.Hour)

	must(t, r.CreateSchedule(ctx, newDefinition(t, "sch_b", "b", &due)))
	must(t, r.CreateSchedule(ctx, newDefinition(t, "sch_a", "a", &early)))
	must(t, r.CreateSchedule(ctx, newDefinition(t, "sch_f", "f", &future)))
	paused := newDefinition(t, "sch_p", "p", &early)
	paused.Status = schedule.StatusPaused
	must(t, r.CreateSchedule(ctx, paused))
	must(t, r.CreateSchedule(ctx, newDefinition(t, "sch_n", "n", nil)))

	got, err := r.GetDueSchedules(ctx, now)
	must(t, err)
	var gotIDs []string
	for _, d := range got {
		gotIDs = append(gotIDs, d.ID)
	}
	if fmt.Sprint(gotIDs) != "[sch_a sch_b]" {
		t.Fatalf("due = %v", gotIDs)
	}

	next := now.Add(24 * time.Hour)
	must(t, r.UpdateScheduleNextRun(ctx, "sch_a", now, &next))
	d, err := r.GetSchedule(ctx, "sch_a")
	must(t, err)
	if d.LastRunAt == nil || !d.LastRunAt.Equal(now) || d.NextRunAt == nil || !d.NextRunAt.Equal(next) {
		t.Fatalf("next run not persisted: last=%v next=%v", d.LastRunAt, d.NextRunAt)
	}
	d.Status = schedule.StatusPaused
	if err := r.UpdateSchedule(ctx, d, base); !errors.Is(err, domain.ErrStale) || !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("write read before the tick advanced it: %v", err)
	}
	d, err = r.GetSchedule(ctx, "sch_a")
	must(t, err)
	if d.Status != schedule.StatusActive || !d.NextRunAt.Equal(next) {
		t.Fatalf("outdated write applied: status=%s next=%v", d.Status, d.NextRunAt)
	}
	must(t, r.UpdateScheduleNextRun(ctx, "sch_b", now, nil))
	d, err = r.GetSchedule(ctx, "sch_b")
	must(t, err)
	if d.NextRunAt != nil {
		t.Fatalf("next run should be cleared, got %v", d.NextRunAt)
	}
	if err := r.UpdateScheduleNextRun(ctx, "sch_404", now, nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing schedule: %v", err)
	}
}
