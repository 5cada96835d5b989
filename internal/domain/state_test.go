package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)

func runningJob(maxRetries int) *Job {
	j := NewJob("job_1", "noop", t0)
	j.MaxRetries = maxRetries
	_ = j.MarkReserved("w1", t0)
	_ = j.MarkRunning(t0)
	return j
}

func TestHappyPath(t *testing.T) {
	t.Parallel()
	j := NewJob("job_1", "noop", t0)
	if err := j.MarkReserved("w1", t0); err != nil {
		t.Fatal(err)
	}
	if j.WorkerID != "w1" || j.Status != StatusReserved {
		t.Fatalf("reserve: %+v", j)
	}
	if err := j.MarkRunning(t0.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if j.StartedAt == nil {
		t.Fatal("StartedAt not set")
	}
	if err := j.MarkCompleted(42, t0.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	if j.Status != StatusCompleted || j.CompletedAt == nil || j.Result != 42 {
		t.Fatalf("complete: %+v", j)
	}
}

func TestRetryBound(t *testing.T) {
	t.Parallel()
	j := runningJob(2)
	jobErr := &JobError{Type: ErrorTypeTask, Message: "boom"}

	for i := 1; i <= 2; i++ {
		now := t0.Add(time.Duration(i) * time.Minute)
		st, err := j.MarkFailed(jobErr, true, now)
		if err != nil || st != StatusRetrying {
			t.Fatalf("attempt %d: status %s, err %v", i, st, err)
		}
		if j.Retries != i {
			t.Fatalf("retries = %d, want %d", j.Retries, i)
		}
		if want := now.Add(j.RetryDelay); j.ScheduledAt == nil || !j.ScheduledAt.Equal(want) {
			t.Fatalf("scheduled_at = %v, want %v", j.ScheduledAt, want)
		}
		if err := j.MarkPending(now); err != nil {
			t.Fatal(err)
		}
		_ = j.MarkReserved("w1", now)
		_ = j.MarkRunning(now)
	}

	st, err := j.MarkFailed(jobErr, true, t0.Add(time.Hour))
	if err != nil || st != StatusFailed {
		t.Fatalf("exhausted: status %s, err %v", st, err)
	}
	if j.Retries > j.MaxRetries {
		t.Fatalf("retries %d exceed max %d", j.Retries, j.MaxRetries)
	}
	if j.CompletedAt == nil {
		t.Fatal("terminal job without CompletedAt")
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	t.Parallel()
	completed := runningJob(3)
	_ = completed.MarkCompleted(nil, t0)
	failed := runningJob(0)
	_, _ = failed.MarkFailed(&JobError{Message: "x"}, true, t0)
	cancelled := NewJob("job_c", "noop", t0)
	_ = cancelled.MarkCancelled("", t0)

	for _, j := range []*Job{completed, failed, cancelled} {
		before := j.Status
		ops := map[string]error{
			"reserve":  j.MarkReserved("w", t0),
			"run":      j.MarkRunning(t0),
			"complete": j.MarkCompleted(nil, t0),
			"pending":  j.MarkPending(t0),
			"cancel":   j.MarkCancelled("late", t0),
			"stall":    j.MarkStalled(time.Minute, t0),
		}
		if _, err := j.MarkFailed(nil, false, t0); err == nil {
			t.Errorf("%s: fail accepted", before)
		}
		for op, err := range ops {
			if !errors.Is(err, ErrInvalidState) {
				t.Errorf("%s: %s returned %v, want ErrInvalidState", before, op, err)
			}
		}
		if j.Status != before {
			t.Errorf("status changed from %s to %s", before, j.Status)
		}
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	j := NewJob("job_1", "noop", t0)
	if err := j.MarkCancelled("user request", t0); err != nil {
		t.Fatal(err)
	}
	if j.Metadata[MetaCancelReason] != "user request" || j.Status != StatusCancelled {
		t.Fatalf("cancel: %+v", j)
	}

	r := runningJob(3)
	var ise *InvalidStateError
	if err := r.MarkCancelled("", t0); !errors.As(err, &ise) || ise.From != StatusRunning {
		t.Fatalf("cancel running: %v", err)
	}
}

func TestManualRetryAndStall(t *testing.T) {
	t.Parallel()
	j := runningJob(3)
	if err := j.MarkStalled(30*time.Minute, t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if j.Status != StatusFailed || j.Error == nil || j.Error.Type != ErrorTypeStall {
		t.Fatalf("stall: %+v", j)
	}
	if err := j.ResetForRetry(t0.Add(2 * time.Hour)); err != nil {
		t.Fatal(err)
	}
	if j.Status != StatusPending || j.Error != nil || j.CompletedAt != nil || j.WorkerID != "" {
		t.Fatalf("reset: %+v", j)
	}
}

func TestPriorityText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Priority
	}{
		{"critical", PriorityCritical},
		{"HIGH", PriorityHigh},
		{"2", PriorityNormal},
		{" low ", PriorityLow},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, %v", tt.in, got, err)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}

	b, err := json.Marshal(struct {
		P Priority `json:"p"`
	}{PriorityHigh})
	if err != nil || string(b) != `{"p":"high"}` {
		t.Fatalf("marshal = %s, %v", b, err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	j := NewJob("job_1", "noop", t0)
	j.Kwargs["nested"] = map[string]any{"k": "v"}
	j.Args = []any{[]any{1, 2}}
	cp := j.Clone()
	cp.Kwargs["nested"].(map[string]any)["k"] = "changed"
	cp.Args[0].([]any)[0] = 99
	if j.Kwargs["nested"].(map[string]any)["k"] != "v" || j.Args[0].([]any)[0] != 1 {
		t.Fatal("clone shares nested state with the original")
	}
}

func TestWrapStorage(t *testing.T) {
	t.Parallel()
	if WrapStorage("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}
	if err := WrapStorage("get", ErrNotFound); err != ErrNotFound {
		t.Fatalf("domain error rewrapped: %v", err)
	}
	err := WrapStorage("get", errors.New("disk on fire"))
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "get" || !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v", err)
	}
	if again := WrapStorage("outer", err); again != err {
		t.Fatal("storage error wrapped twice")
	}
}
