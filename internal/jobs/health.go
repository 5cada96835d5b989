package jobs

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// healthTracker logs worker degradation at most once per worker per
// window, and recovery whenever it happens.
type healthTracker struct {
	log zerolog.Logger

	mu       sync.Mutex
	down     map[string]time.Time
	limiters map[string]*rate.Limiter
	every    time.Duration
	now      func() time.Time
}

func newHealthTracker(l zerolog.Logger) *healthTracker {
	return &healthTracker{
		log:      l,
		down:     make(map[string]time.Time),
		limiters: make(map[string]*rate.Limiter),
		every:    5 * time.Minute,
		now:      time.Now,
	}
}

// observe records one round of health results and returns the ids of
// unhealthy workers.
func (h *healthTracker) observe(results map[string]bool) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var unhealthy []string
	now := h.now()
	for id, ok := range results {
		since, wasDown := h.down[id]
		if ok {
			if wasDown {
				delete(h.down, id)
				h.log.Info().Str("worker_id", id).Dur("down_for", now.Sub(since)).Msg("worker recovered")
			}
			continue
		}
		unhealthy = append(unhealthy, id)
		if !wasDown {
			h.down[id] = now
			since = now
		}
		lim, seen := h.limiters[id]
		if !seen {
			lim = rate.NewLimiter(rate.Every(h.every), 1)
			h.limiters[id] = lim
		}
		if lim.Allow() {
			h.log.Warn().Str("worker_id", id).Time("since", since).Msg("worker unhealthy")
		}
	}
	return unhealthy
}
