// Package scheduler turns due schedule definitions into jobs.
package scheduler

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"jobflow/internal/domain"
	"jobflow/internal/queue"
	"jobflow/internal/schedule"
)

var errNoSchedule = errors.New("definition has no schedule")

type Config struct {
	Interval time.Duration
	Logger   *zerolog.Logger
	// FailureLogEvery bounds how often a persistently failing definition is
	// logged at error level.
	FailureLogEvery time.Duration
}

// Service is the single writer that advances NextRunAt on due definitions.
type Service struct {
	jobs      queue.JobRepository
	schedules queue.ScheduleRepository
	interval  time.Duration
	log       zerolog.Logger
	now       func() time.Time

	limitEvery time.Duration
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
}

func NewService(jobs queue.JobRepository, schedules queue.ScheduleRepository, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.FailureLogEvery <= 0 {
		cfg.FailureLogEvery = 5 * time.Minute
	}
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}
	return &Service{
		jobs:       jobs,
		schedules:  schedules,
		interval:   cfg.Interval,
		log:        l.With().Str("component", "scheduler").Logger(),
		now:        time.Now,
		limitEvery: cfg.FailureLogEvery,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// Run ticks until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("schedule service started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("schedule service stopped")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, s.now()); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("failed to get due schedules")
			}
		}
	}
}

// Tick enqueues one job per due definition and advances each. A failing
// definition is logged and skipped. The ids of enqueued jobs are returned.
func (s *Service) Tick(ctx context.Context, now time.Time) ([]string, error) {
	now = now.UTC()
	due, err := s.schedules.GetDueSchedules(ctx, now)
	if err != nil {
		return nil, err
	}
	var enqueued []string
	for _, def := range due {
		if ctx.Err() != nil {
			break
		}
		id, err := s.processSchedule(ctx, def, now)
		if err != nil {
			s.logFailure(def, err)
			continue
		}
		enqueued = append(enqueued, id)
	}
	return enqueued, nil
}

func (s *Service) processSchedule(ctx context.Context, def *schedule.Definition, now time.Time) (string, error) {
	if def.Schedule == nil {
		return "", errNoSchedule
	}
	job := def.BuildJob(occurrenceID(def, now), now)
	switch err := s.jobs.CreateJob(ctx, job); {
	case errors.Is(err, domain.ErrConflict):
		// An earlier tick created this occurrence's job but could not
		// advance the definition; finish that work without a second job.
		s.log.Warn().Str("schedule_id", def.ID).Str("job_id", job.ID).Msg("occurrence already enqueued, advancing")
	case err != nil:
		return "", err
	}

	var next *time.Time
	if t, ok := def.Schedule.NextRunTime(now); ok {
		next = &t
	}
	if err := s.schedules.UpdateScheduleNextRun(ctx, def.ID, now, next); err != nil {
		return job.ID, err
	}

	ev := s.log.Info().
		Str("schedule_id", def.ID).
		Str("schedule_name", def.Name).
		Str("job_id", job.ID).
		Str("task", def.TaskName)
	if next != nil {
		ev = ev.Time("next_run", *next)
	}
	ev.Msg("scheduled job enqueued")

	if next == nil && def.Schedule.Kind() == schedule.KindOneTime {
		if err := s.pauseExhausted(ctx, def.ID, now); err != nil {
			s.log.Warn().Err(err).Str("schedule_id", def.ID).Msg("failed to pause exhausted schedule")
		}
	}
	return job.ID, nil
}

// occurrenceID names the job for the definition's pending occurrence, so
// that occurrence yields at most one job however often it is processed.
func occurrenceID(def *schedule.Definition, now time.Time) string {
	at := now
	if def.NextRunAt != nil {
		at = *def.NextRunAt
	}
	return "job_" + def.ID + "_" + strconv.FormatInt(at.UnixNano(), 10)
}

func (s *Service) pauseExhausted(ctx context.Context, id string, now time.Time) error {
	def, err := queue.ModifySchedule(ctx, s.schedules, id, func(def *schedule.Definition) error {
		def.Status = schedule.StatusPaused
		def.NextRunAt = nil
		def.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule_id", id).Str("schedule_name", def.Name).Msg("one-time schedule exhausted, paused")
	return nil
}

func (s *Service) logFailure(def *schedule.Definition, err error) {
	s.mu.Lock()
	lim, ok := s.limiters[def.ID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.limitEvery), 1)
		s.limiters[def.ID] = lim
	}
	s.mu.Unlock()

	ev := s.log.Debug()
	if lim.Allow() {
		ev = s.log.Error()
	}
	ev.Err(err).Str("schedule_id", def.ID).Str("schedule_name", def.Name).Msg("failed to process schedule")
}

// NextRunAt computes the first occurrence of s strictly after now, or nil
// when it has none.
func NextRunAt(s schedule.Schedule, now time.Time) *time.Time {
	if s == nil {
		return nil
	}
	if t, ok := s.NextRunTime(now); ok {
		return domain.TimePtr(t)
	}
	return nil
}
