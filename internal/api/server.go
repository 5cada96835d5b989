// Package api is the HTTP admin surface over the job manager.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"jobflow/internal/domain"
	"jobflow/internal/jobs"
	"jobflow/internal/queue"
	"jobflow/internal/schedule"
)

type Server struct {
	r   *chi.Mux
	m   *jobs.Manager
	log zerolog.Logger
}

func NewServer(m *jobs.Manager, logger *zerolog.Logger) http.Handler {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	r := chi.NewRouter()
	s := &Server{r: r, m: m, log: l.With().Str("component", "api").Logger()}
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(s.log), middleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.stats)

		r.Post("/jobs", s.enqueue)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Delete("/jobs/{id}", s.deleteJob)
		r.Post("/jobs/{id}/cancel", s.cancelJob)
		r.Post("/jobs/{id}/retry", s.retryJob)

		r.Get("/queues", s.listQueues)
		r.Post("/queues/{name}/pause", s.pauseQueue)
		r.Post("/queues/{name}/resume", s.resumeQueue)
		r.Delete("/queues/{name}", s.clearQueue)

		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
		r.Post("/schedules/{id}/pause", s.pauseSchedule)
		r.Post("/schedules/{id}/resume", s.resumeSchedule)

		r.Post("/events/{name}", s.triggerEvent)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if !s.m.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"running": s.m.IsRunning(),
		"workers": s.m.WorkerHealth(),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.m.Statistics(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type enqueueReq struct {
	Task        string           `json:"task"`
	Args        []any            `json:"args"`
	Kwargs      map[string]any   `json:"kwargs"`
	Queue       string           `json:"queue"`
	Priority    *domain.Priority `json:"priority"`
	JobID       string           `json:"job_id"`
	ScheduledAt *time.Time       `json:"scheduled_at"`
	MaxRetries  *int             `json:"max_retries"`
	RetryDelay  *float64         `json:"retry_delay"` // seconds
	Timeout     float64          `json:"timeout"`     // seconds
	Tags        []string         `json:"tags"`
	Metadata    map[string]any   `json:"metadata"`
	Version     string           `json:"version"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if !decode(w, r, &req) {
		return
	}
	id, err := s.m.Enqueue(r.Context(), req.Task, jobs.EnqueueOptions{
		Args:        req.Args,
		Kwargs:      req.Kwargs,
		Queue:       req.Queue,
		Priority:    req.Priority,
		JobID:       req.JobID,
		ScheduledAt: req.ScheduledAt,
		MaxRetries:  req.MaxRetries,
		RetryDelay:  seconds(req.RetryDelay),
		Timeout:     secondsOf(req.Timeout),
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		Version:     req.Version,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.JobFilter{
		Queue:    q.Get("queue"),
		TaskName: q.Get("task"),
		Tags:     q["tag"],
		Limit:    atoi(q.Get("limit"), 100),
		Offset:   atoi(q.Get("offset"), 0),
	}
	for _, v := range q["status"] {
		st, err := domain.ParseStatus(v)
		if err != nil {
			s.fail(w, r, domain.NewValidationError("status", "%v", err))
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	list, err := s.m.ListJobs(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.m.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.m.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if err := s.m.CancelJob(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	if err := s.m.RetryJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queueInfo struct {
	Name    string `json:"name"`
	Paused  bool   `json:"paused"`
	Pending int    `json:"pending"`
	Running int    `json:"running"`
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := s.m.QueueNames(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]queueInfo, 0, len(names))
	for _, n := range names {
		qi := queueInfo{Name: n}
		if qi.Paused, err = s.m.IsQueuePaused(ctx, n); err == nil {
			if qi.Pending, err = s.m.QueueLength(ctx, n); err == nil {
				qi.Running, err = s.m.QueueLength(ctx, n, domain.StatusReserved, domain.StatusRunning)
			}
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out = append(out, qi)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.m.PauseQueue(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.m.ResumeQueue(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := s.m.ClearQueue(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type createScheduleReq struct {
	Name           string           `json:"name"`
	Task           string           `json:"task"`
	CronExpression string           `json:"cron_expression"`
	Timezone       string           `json:"timezone"`
	Interval       float64          `json:"interval"` // seconds
	StartTime      *time.Time       `json:"start_time"`
	Schedule       map[string]any   `json:"schedule"`
	Args           []any            `json:"args"`
	Kwargs         map[string]any   `json:"kwargs"`
	Queue          string           `json:"queue"`
	Priority       *domain.Priority `json:"priority"`
	MaxRetries     *int             `json:"max_retries"`
	RetryDelay     *float64         `json:"retry_delay"`
	Timeout        float64          `json:"timeout"`
	Tags           []string         `json:"tags"`
	Metadata       map[string]any   `json:"metadata"`
	Version        string           `json:"version"`
	Paused         bool             `json:"paused"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if !decode(w, r, &req) {
		return
	}
	sched, err := decodeSchedule(req.Schedule)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.m.ScheduleJob(r.Context(), req.Name, req.Task, jobs.ScheduleOptions{
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Interval:       secondsOf(req.Interval),
		StartTime:      req.StartTime,
		Schedule:       sched,
		Args:           req.Args,
		Kwargs:         req.Kwargs,
		Queue:          req.Queue,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		RetryDelay:     seconds(req.RetryDelay),
		Timeout:        secondsOf(req.Timeout),
		Tags:           req.Tags,
		Metadata:       req.Metadata,
		Version:        req.Version,
		Paused:         req.Paused,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.ScheduleFilter{
		Status: schedule.DefinitionStatus(q.Get("status")),
		Tags:   q["tag"],
		Limit:  atoi(q.Get("limit"), 0),
		Offset: atoi(q.Get("offset"), 0),
	}
	if f.Status != "" && !f.Status.Valid() {
		s.fail(w, r, domain.NewValidationError("status", "must be active or paused"))
		return
	}
	list, err := s.m.ListSchedules(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	def, err := s.m.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

type updateScheduleReq struct {
	Name           *string                    `json:"name"`
	Task           *string                    `json:"task"`
	CronExpression *string                    `json:"cron_expression"`
	Timezone       *string                    `json:"timezone"`
	Interval       *float64                   `json:"interval"`
	Schedule       map[string]any             `json:"schedule"`
	Args           []any                      `json:"args"`
	Kwargs         map[string]any             `json:"kwargs"`
	Queue          *string                    `json:"queue"`
	Priority       *domain.Priority           `json:"priority"`
	MaxRetries     *int                       `json:"max_retries"`
	RetryDelay     *float64                   `json:"retry_delay"`
	Timeout        *float64                   `json:"timeout"`
	Tags           []string                   `json:"tags"`
	Metadata       map[string]any             `json:"metadata"`
	Version        *string                    `json:"version"`
	Status         *schedule.DefinitionStatus `json:"status"`
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var req updateScheduleReq
	if !decode(w, r, &req) {
		return
	}
	sched, err := decodeSchedule(req.Schedule)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	err = s.m.UpdateSchedule(r.Context(), id, jobs.ScheduleUpdate{
		Name:           req.Name,
		TaskName:       req.Task,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Interval:       seconds(req.Interval),
		Schedule:       sched,
		Args:           req.Args,
		Kwargs:         req.Kwargs,
		Queue:          req.Queue,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		RetryDelay:     seconds(req.RetryDelay),
		Timeout:        seconds(req.Timeout),
		Tags:           req.Tags,
		Metadata:       req.Metadata,
		Version:        req.Version,
		Status:         req.Status,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	def, err := s.m.GetSchedule(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.m.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.m.PauseSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.m.ResumeSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) triggerEvent(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if r.ContentLength != 0 && !decode(w, r, &data) {
		return
	}
	ids, err := s.m.TriggerEvent(r.Context(), chi.URLParam(r, "name"), data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": ids})
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrTaskNotFound):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidState):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func decodeSchedule(m map[string]any) (schedule.Schedule, error) {
	if m == nil {
		return nil, nil
	}
	s, err := schedule.Unmarshal(m)
	if err != nil {
		return nil, domain.NewValidationError("schedule", "%v", err)
	}
	return s, nil
}

func seconds(v *float64) *time.Duration {
	if v == nil {
		return nil
	}
	d := secondsOf(*v)
	return &d
}

func secondsOf(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

func atoi(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
