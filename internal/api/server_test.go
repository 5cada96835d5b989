package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"jobflow/internal/jobs"
	"jobflow/internal/queue"
	"jobflow/internal/tasks"
)

func newTestServer(t *testing.T) (http.Handler, *jobs.Manager) {
	t.Helper()
	l := zerolog.Nop()
	reg := tasks.NewRegistry(&l)
	_ = reg.Register("work", func(context.Context, []any, map[string]any) (any, error) { return nil, nil })
	m := jobs.New(queue.NewMemoryRepository(), reg, jobs.Config{Logger: &l})
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return NewServer(m, &l), m
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	h, m := newTestServer(t)
	if rec := do(t, h, http.MethodGet, "/health", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopped manager: %d", rec.Code)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := do(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("running manager: %d %s", rec.Code, rec.Body)
	}
	if body := decodeBody[map[string]any](t, rec); body["status"] != "ok" || body["running"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestJobRoutes(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/jobs", map[string]any{
		"task": "work", "args": []any{1}, "queue": "mail", "priority": "high", "retry_delay": 1.5,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue: %d %s", rec.Code, rec.Body)
	}
	id := decodeBody[map[string]string](t, rec)["id"]

	rec = do(t, h, http.MethodGet, "/api/jobs/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	job := decodeBody[map[string]any](t, rec)
	if job["status"] != "pending" || job["queue_name"] != "mail" || job["priority"] != "high" {
		t.Fatalf("job = %v", job)
	}
	if job["retry_delay"] != float64(1500000000) {
		t.Fatalf("retry_delay = %v", job["retry_delay"])
	}

	rec = do(t, h, http.MethodGet, "/api/jobs?status=pending&queue=mail", nil)
	if list := decodeBody[[]map[string]any](t, rec); len(list) != 1 {
		t.Fatalf("list = %v", list)
	}
	if rec := do(t, h, http.MethodGet, "/api/jobs?status=sleeping", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter: %d", rec.Code)
	}

	if rec := do(t, h, http.MethodPost, "/api/jobs/"+id+"/cancel", map[string]string{"reason": "test"}); rec.Code != http.StatusNoContent {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodPost, "/api/jobs/"+id+"/cancel", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/jobs/"+id+"/retry", nil); rec.Code != http.StatusConflict {
		t.Fatalf("retry cancelled: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/jobs/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/jobs/"+id, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted: %d", rec.Code)
	}
}

func TestEnqueueErrors(t *testing.T) {
	h, _ := newTestServer(t)
	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad json", "{", http.StatusBadRequest},
		{"unknown task", map[string]any{"task": "ghost"}, http.StatusUnprocessableEntity},
		{"missing task", map[string]any{}, http.StatusBadRequest},
		{"negative retries", map[string]any{"task": "work", "max_retries": -1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPost, "/api/jobs", tt.body); rec.Code != tt.want {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestQueueRoutes(t *testing.T) {
	h, m := newTestServer(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := m.Enqueue(ctx, "work", jobs.EnqueueOptions{Queue: "mail"}); err != nil {
			t.Fatal(err)
		}
	}

	if rec := do(t, h, http.MethodPost, "/api/queues/mail/pause", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("pause: %d", rec.Code)
	}
	qs := decodeBody[[]queueInfo](t, do(t, h, http.MethodGet, "/api/queues", nil))
	if len(qs) != 1 || qs[0].Name != "mail" || !qs[0].Paused || qs[0].Pending != 2 {
		t.Fatalf("queues = %+v", qs)
	}
	if rec := do(t, h, http.MethodPost, "/api/queues/mail/resume", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("resume: %d", rec.Code)
	}

	rec := do(t, h, http.MethodDelete, "/api/queues/mail", nil)
	if got := decodeBody[map[string]int](t, rec); got["deleted"] != 2 {
		t.Fatalf("clear = %v", got)
	}
	st := decodeBody[queue.Statistics](t, do(t, h, http.MethodGet, "/api/stats", nil))
	if st.Total != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestScheduleRoutes(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/schedules", map[string]any{
		"name": "nightly", "task": "work", "cron_expression": "0 2 * * *", "tags": []string{"ops"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}
	id := decodeBody[map[string]string](t, rec)["id"]

	if rec := do(t, h, http.MethodPost, "/api/schedules", map[string]any{
		"name": "nightly", "task": "work", "interval": 60,
	}); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/schedules", map[string]any{
		"name": "both", "task": "work", "interval": 60, "cron_expression": "* * * * *",
	}); rec.Code != http.StatusBadRequest {
		t.Fatalf("cron+interval: %d", rec.Code)
	}

	def := decodeBody[map[string]any](t, do(t, h, http.MethodGet, "/api/schedules/"+id, nil))
	sched, _ := def["schedule"].(map[string]any)
	if def["name"] != "nightly" || sched["type"] != "cron" || def["next_run_at"] == nil {
		t.Fatalf("definition = %v", def)
	}

	rec = do(t, h, http.MethodPut, "/api/schedules/"+id, map[string]any{"queue": "night", "interval": 3600})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body)
	}
	def = decodeBody[map[string]any](t, rec)
	sched, _ = def["schedule"].(map[string]any)
	if def["queue_name"] != "night" || sched["type"] != "interval" {
		t.Fatalf("updated = %v", def)
	}

	if rec := do(t, h, http.MethodPost, "/api/schedules/"+id+"/pause", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("pause: %d", rec.Code)
	}
	paused := decodeBody[[]map[string]any](t, do(t, h, http.MethodGet, "/api/schedules?status=paused", nil))
	if len(paused) != 1 {
		t.Fatalf("paused list = %v", paused)
	}
	if rec := do(t, h, http.MethodPost, "/api/schedules/"+id+"/resume", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("resume: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/schedules?status=bogus", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/api/schedules/"+id, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/schedules/"+id, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted: %d", rec.Code)
	}
}

func TestEventRoute(t *testing.T) {
	h, m := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/api/schedules", map[string]any{
		"name": "on-deploy", "task": "work", "schedule": map[string]any{"type": "event", "event_name": "deploy"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPost, "/api/events/deploy", map[string]any{"sha": "abc123"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("trigger: %d %s", rec.Code, rec.Body)
	}
	out := decodeBody[map[string][]string](t, rec)
	if len(out["jobs"]) != 1 {
		t.Fatalf("jobs = %v", out)
	}
	j, err := m.GetJob(context.Background(), out["jobs"][0])
	if err != nil || j.Metadata["event_name"] != "deploy" {
		t.Fatalf("job = %+v, %v", j, err)
	}

	rec = do(t, h, http.MethodPost, "/api/events/quiet", nil)
	if got := decodeBody[map[string][]string](t, rec); rec.Code != http.StatusAccepted || len(got["jobs"]) != 0 {
		t.Fatalf("quiet event: %d %v", rec.Code, got)
	}
}
