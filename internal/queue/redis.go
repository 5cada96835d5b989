package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"jobflow/internal/domain"
	"jobflow/internal/schedule"
)

// claimScript moves due delayed jobs into the ready set, then reserves up to
// ARGV[3] ready jobs whose status is in ARGV[7..] for worker ARGV[4].
//
// KEYS: ready zset, delayed zset, paused set
// ARGV: queue, now_ms, batch, worker_id, now_ns, job key prefix, statuses...
var claimScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 1 then
  return {}
end
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local score = redis.call('HGET', ARGV[6] .. id, 'score')
  if score then
    redis.call('ZADD', KEYS[1], score, id)
  end
end
local allowed = {}
for i = 7, #ARGV do
  allowed[ARGV[i]] = true
end
local limit = tonumber(ARGV[3])
local claimed = {}
for _, id in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
  if #claimed >= limit then
    break
  end
  local key = ARGV[6] .. id
  local status = redis.call('HGET', key, 'status')
  if not status then
    redis.call('ZREM', KEYS[1], id)
  elseif allowed[status] then
    redis.call('ZREM', KEYS[1], id)
    redis.call('HSET', key, 'status', 'reserved', 'worker_id', ARGV[4], 'updated_at', ARGV[5])
    table.insert(claimed, id)
  end
end
return claimed
`)

// RedisRepository stores each job as a hash holding the JSON document plus
// the fields the claim script mutates (status, worker_id, updated_at), which
// take precedence over the document on read. Claimable jobs are indexed per
// queue in a ready zset scored by priority then creation time, or a delayed
// zset scored by their scheduled time.
type RedisRepository struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisRepository(rdb *redis.Client, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "jobflow"
	}
	return &RedisRepository{rdb: rdb, prefix: prefix}
}

func (r *RedisRepository) Close() error { return r.rdb.Close() }

func (r *RedisRepository) jobPrefix() string          { return r.prefix + ":job:" }
func (r *RedisRepository) jobKey(id string) string    { return r.jobPrefix() + id }
func (r *RedisRepository) jobsKey() string            { return r.prefix + ":jobs" }
func (r *RedisRepository) readyKey(q string) string   { return r.prefix + ":ready:" + q }
func (r *RedisRepository) delayedKey(q string) string { return r.prefix + ":delayed:" + q }
func (r *RedisRepository) pausedKey() string          { return r.prefix + ":paused" }
func (r *RedisRepository) schedulesKey() string       { return r.prefix + ":schedules" }
func (r *RedisRepository) namesKey() string           { return r.prefix + ":schedule_names" }

// readyScore orders by priority, then creation time in milliseconds; ties
// fall back to member order, which is the job id.
func readyScore(j *domain.Job) float64 {
	return float64(j.Priority)*1e13 + float64(j.CreatedAt.UnixMilli())
}

func (r *RedisRepository) writeJob(ctx context.Context, j *domain.Job, prevQueue string) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.queueJobWrite(ctx, pipe, j, doc, prevQueue)
		return nil
	})
	return err
}

func (r *RedisRepository) queueJobWrite(ctx context.Context, pipe redis.Pipeliner, j *domain.Job, doc []byte, prevQueue string) {
	key := r.jobKey(j.ID)
	pipe.HSet(ctx, key,
		"doc", doc,
		"status", string(j.Status),
		"worker_id", j.WorkerID,
		"updated_at", nanos(j.UpdatedAt),
		"queue", j.QueueName,
		"score", readyScore(j),
	)
	pipe.ZAdd(ctx, r.jobsKey(), redis.Z{Score: float64(j.CreatedAt.UnixMilli()), Member: j.ID})
	if prevQueue != "" && prevQueue != j.QueueName {
		pipe.ZRem(ctx, r.readyKey(prevQueue), j.ID)
		pipe.ZRem(ctx, r.delayedKey(prevQueue), j.ID)
	}
	ready, delayed := r.readyKey(j.QueueName), r.delayedKey(j.QueueName)
	switch {
	case j.Status != domain.StatusPending && j.Status != domain.StatusRetrying:
		pipe.ZRem(ctx, ready, j.ID)
		pipe.ZRem(ctx, delayed, j.ID)
	case !j.EligibleAt(time.Now()):
		pipe.ZRem(ctx, ready, j.ID)
		pipe.ZAdd(ctx, delayed, redis.Z{Score: float64(j.ScheduledAt.UnixMilli()), Member: j.ID})
	default:
		pipe.ZRem(ctx, delayed, j.ID)
		pipe.ZAdd(ctx, ready, redis.Z{Score: readyScore(j), Member: j.ID})
	}
}

// transitionJob watches the job hash, checks status and worker, and writes
// in a MULTI block. A concurrent write to the hash (including the claim
// script) aborts the transaction, which is reported as a conflict.
func (r *RedisRepository) transitionJob(ctx context.Context, j *domain.Job, from domain.Status, workerID string) error {
	doc, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	key := r.jobKey(j.ID)
	err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "status", "worker_id", "queue").Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return domain.ErrNotFound
		}
		status, _ := vals[0].(string)
		worker, _ := vals[1].(string)
		prevQueue, _ := vals[2].(string)
		if status != string(from) || (workerID != "" && worker != workerID) {
			return domain.StaleTransition(j.ID, from)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.queueJobWrite(ctx, pipe, j, doc, prevQueue)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.StaleTransition(j.ID, from)
	}
	return err
}

func decodeJobHash(id string, h map[string]string) (*domain.Job, error) {
	var j domain.Job
	if err := json.Unmarshal([]byte(h["doc"]), &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	j.Status = domain.Status(h["status"])
	j.WorkerID = h["worker_id"]
	if ns, err := strconv.ParseInt(h["updated_at"], 10, 64); err == nil {
		j.UpdatedAt = fromNanos(ns)
	}
	j.Normalize()
	return &j, nil
}

func (r *RedisRepository) loadJobs(ctx context.Context, ids []string) ([]*domain.Job, error) {
	if len(ids) == 0 {
		return []*domain.Job{}, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, r.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Job, 0, len(ids))
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		j, err := decodeJobHash(ids[i], h)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *RedisRepository) allJobs(ctx context.Context) ([]*domain.Job, error) {
	ids, err := r.rdb.ZRange(ctx, r.jobsKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return r.loadJobs(ctx, ids)
}

func (r *RedisRepository) currentQueue(ctx context.Context, id string) (string, error) {
	q, err := r.rdb.HGet(ctx, r.jobKey(id), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrNotFound
	}
	return q, err
}

func (r *RedisRepository) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	h, err := r.rdb.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return nil, domain.WrapStorage("get job", err)
	}
	if len(h) == 0 {
		return nil, domain.ErrNotFound
	}
	j, err := decodeJobHash(id, h)
	return j, domain.WrapStorage("get job", err)
}

func (r *RedisRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	ok, err := r.rdb.HSetNX(ctx, r.jobKey(job.ID), "queue", job.QueueName).Result()
	if err != nil {
		return domain.WrapStorage("create job", err)
	}
	if !ok {
		return domain.ErrConflict
	}
	return domain.WrapStorage("create job", r.writeJob(ctx, job, ""))
}

func (r *RedisRepository) UpdateJob(ctx context.Context, job *domain.Job) error {
	prev, err := r.currentQueue(ctx, job.ID)
	if err != nil {
		return domain.WrapStorage("update job", err)
	}
	return domain.WrapStorage("update job", r.writeJob(ctx, job, prev))
}

func (r *RedisRepository) TransitionJob(ctx context.Context, job *domain.Job, from domain.Status, workerID string) error {
	return domain.WrapStorage("transition job", r.transitionJob(ctx, job, from, workerID))
}

func (r *RedisRepository) DeleteJob(ctx context.Context, id string) error {
	q, err := r.currentQueue(ctx, id)
	if err != nil {
		return domain.WrapStorage("delete job", err)
	}
	return domain.WrapStorage("delete job", r.deleteJobs(ctx, map[string]string{id: q}))
}

// deleteJobs removes jobs keyed by id with their queue names.
func (r *RedisRepository) deleteJobs(ctx context.Context, jobs map[string]string) error {
	if len(jobs) == 0 {
		return nil
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for id, q := range jobs {
			pipe.Del(ctx, r.jobKey(id))
			pipe.ZRem(ctx, r.jobsKey(), id)
			pipe.ZRem(ctx, r.readyKey(q), id)
			pipe.ZRem(ctx, r.delayedKey(q), id)
		}
		return nil
	})
	return err
}

func (r *RedisRepository) ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, error) {
	all, err := r.allJobs(ctx)
	if err != nil {
		return nil, domain.WrapStorage("list jobs", err)
	}
	return filterJobs(all, f), nil
}

func (r *RedisRepository) CountJobs(ctx context.Context, f JobFilter) (int, error) {
	f.Limit, f.Offset = 0, 0
	jobs, err := r.ListJobs(ctx, f)
	return len(jobs), err
}

func (r *RedisRepository) Enqueue(ctx context.Context, job *domain.Job) error {
	prev, err := r.currentQueue(ctx, job.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.WrapStorage("enqueue", err)
	}
	return domain.WrapStorage("enqueue", r.writeJob(ctx, job, prev))
}

func (r *RedisRepository) Dequeue(ctx context.Context, req DequeueRequest) ([]*domain.Job, error) {
	req = req.normalize()
	args := []any{req.Queue, req.Now.UnixMilli(), req.BatchSize, req.WorkerID, nanos(req.Now), r.jobPrefix()}
	for _, s := range req.Statuses {
		args = append(args, string(s))
	}
	keys := []string{r.readyKey(req.Queue), r.delayedKey(req.Queue), r.pausedKey()}
	ids, err := claimScript.Run(ctx, r.rdb, keys, args...).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, domain.WrapStorage("dequeue", err)
	}
	jobs, err := r.loadJobs(ctx, ids)
	if err != nil {
		return nil, domain.WrapStorage("dequeue", err)
	}
	// The script returns ids in claim order; loadJobs preserves it.
	return jobs, nil
}

func (r *RedisRepository) PauseQueue(ctx context.Context, queue string) error {
	return domain.WrapStorage("pause queue", r.rdb.SAdd(ctx, r.pausedKey(), queue).Err())
}

func (r *RedisRepository) ResumeQueue(ctx context.Context, queue string) error {
	return domain.WrapStorage("resume queue", r.rdb.SRem(ctx, r.pausedKey(), queue).Err())
}

func (r *RedisRepository) IsQueuePaused(ctx context.Context, queue string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, r.pausedKey(), queue).Result()
	return ok, domain.WrapStorage("queue paused", err)
}

func (r *RedisRepository) ClearQueue(ctx context.Context, queue string) (int, error) {
	pending, err := r.ListJobs(ctx, JobFilter{Queue: queue, Statuses: []domain.Status{domain.StatusPending}})
	if err != nil {
		return 0, err
	}
	victims := make(map[string]string, len(pending))
	for _, j := range pending {
		victims[j.ID] = j.QueueName
	}
	if err := r.deleteJobs(ctx, victims); err != nil {
		return 0, domain.WrapStorage("clear queue", err)
	}
	return len(victims), nil
}

func (r *RedisRepository) QueueNames(ctx context.Context) ([]string, error) {
	all, err := r.allJobs(ctx)
	if err != nil {
		return nil, domain.WrapStorage("queue names", err)
	}
	paused, err := r.rdb.SMembers(ctx, r.pausedKey()).Result()
	if err != nil {
		return nil, domain.WrapStorage("queue names", err)
	}
	seen := make(map[string]struct{})
	for _, j := range all {
		seen[j.QueueName] = struct{}{}
	}
	for _, q := range paused {
		seen[q] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Strings(out)
	return out, nil
}

func (r *RedisRepository) QueueLength(ctx context.Context, queue string, statuses ...domain.Status) (int, error) {
	if len(statuses) == 0 {
		statuses = []domain.Status{domain.StatusPending}
	}
	return r.CountJobs(ctx, JobFilter{Queue: queue, Statuses: statuses})
}

func (r *RedisRepository) Statistics(ctx context.Context) (Statistics, error) {
	st := newStatistics()
	all, err := r.allJobs(ctx)
	if err != nil {
		return st, domain.WrapStorage("statistics", err)
	}
	for _, j := range all {
		st.Total++
		st.ByStatus[j.Status]++
		st.ByQueue[j.QueueName]++
	}
	paused, err := r.rdb.SMembers(ctx, r.pausedKey()).Result()
	if err != nil {
		return st, domain.WrapStorage("statistics", err)
	}
	sort.Strings(paused)
	st.PausedQueues = append(st.PausedQueues, paused...)
	return st, nil
}

func (r *RedisRepository) CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	all, err := r.allJobs(ctx)
	if err != nil {
		return 0, domain.WrapStorage("cleanup", err)
	}
	victims := make(map[string]string)
	for _, j := range all {
		if j.IsTerminal() && j.UpdatedAt.Before(cutoff) {
			victims[j.ID] = j.QueueName
		}
	}
	if err := r.deleteJobs(ctx, victims); err != nil {
		return 0, domain.WrapStorage("cleanup", err)
	}
	return len(victims), nil
}

func (r *RedisRepository) MarkStalledJobsAsFailed(ctx context.Context, stallTimeout time.Duration) (int, error) {
	now := time.Now()
	all, err := r.allJobs(ctx)
	if err != nil {
		return 0, domain.WrapStorage("mark stalled", err)
	}
	n := 0
	for _, j := range all {
		if j.Status != domain.StatusRunning || !j.UpdatedAt.Before(now.Add(-stallTimeout)) {
			continue
		}
		worker := j.WorkerID
		if err := j.MarkStalled(stallTimeout, now); err != nil {
			continue
		}
		err := r.transitionJob(ctx, j, domain.StatusRunning, worker)
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, domain.WrapStorage("mark stalled", err)
		}
		n++
	}
	return n, nil
}

func (r *RedisRepository) putSchedule(ctx context.Context, def *schedule.Definition, oldName string) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode schedule %s: %w", def.ID, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.queueSchedulePut(ctx, pipe, def.ID, def.Name, oldName, body)
		return nil
	})
	return err
}

func (r *RedisRepository) queueSchedulePut(ctx context.Context, pipe redis.Pipeliner, id, name, oldName string, body []byte) {
	if oldName != "" && oldName != name {
		pipe.HDel(ctx, r.namesKey(), oldName)
	}
	pipe.HSet(ctx, r.namesKey(), name, id)
	pipe.HSet(ctx, r.schedulesKey(), id, body)
}

// hashGetter is satisfied by both *redis.Client and *redis.Tx.
type hashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

func getScheduleFrom(ctx context.Context, c hashGetter, key, id string) (*schedule.Definition, error) {
	body, err := c.HGet(ctx, key, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d schedule.Definition
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// modifySchedule runs fn on the stored definition inside WATCH on the
// schedule hashes and writes its result in MULTI. fn returns the
// definition to store. A concurrent schedule write makes the transaction
// fail with redis.TxFailedErr.
func (r *RedisRepository) modifySchedule(ctx context.Context, id string, fn func(tx *redis.Tx, old *schedule.Definition) (*schedule.Definition, error)) error {
	return r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		old, err := getScheduleFrom(ctx, tx, r.schedulesKey(), id)
		if err != nil {
			return err
		}
		def, err := fn(tx, old)
		if err != nil {
			return err
		}
		body, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("encode schedule %s: %w", def.ID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.queueSchedulePut(ctx, pipe, def.ID, def.Name, old.Name, body)
			return nil
		})
		return err
	}, r.schedulesKey(), r.namesKey())
}

func (r *RedisRepository) CreateSchedule(ctx context.Context, def *schedule.Definition) error {
	ok, err := r.rdb.HSetNX(ctx, r.namesKey(), def.Name, def.ID).Result()
	if err != nil {
		return domain.WrapStorage("create schedule", err)
	}
	if !ok {
		return domain.ErrConflict
	}
	exists, err := r.rdb.HExists(ctx, r.schedulesKey(), def.ID).Result()
	if err != nil || exists {
		r.rdb.HDel(ctx, r.namesKey(), def.Name)
		if err != nil {
			return domain.WrapStorage("create schedule", err)
		}
		return domain.ErrConflict
	}
	return domain.WrapStorage("create schedule", r.putSchedule(ctx, def, ""))
}

func (r *RedisRepository) GetSchedule(ctx context.Context, id string) (*schedule.Definition, error) {
	d, err := getScheduleFrom(ctx, r.rdb, r.schedulesKey(), id)
	if err != nil {
		return nil, domain.WrapStorage("get schedule", err)
	}
	return d, nil
}

func (r *RedisRepository) GetScheduleByName(ctx context.Context, name string) (*schedule.Definition, error) {
	id, err := r.rdb.HGet(ctx, r.namesKey(), name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.WrapStorage("get schedule by name", err)
	}
	return r.GetSchedule(ctx, id)
}

func (r *RedisRepository) UpdateSchedule(ctx context.Context, def *schedule.Definition, readAt time.Time) error {
	err := r.modifySchedule(ctx, def.ID, func(tx *redis.Tx, old *schedule.Definition) (*schedule.Definition, error) {
		if !old.UpdatedAt.Equal(readAt) {
			return nil, domain.StaleSchedule(def.ID)
		}
		owner, err := tx.HGet(ctx, r.namesKey(), def.Name).Result()
		switch {
		case err == nil && owner != def.ID:
			return nil, domain.ErrConflict
		case err != nil && !errors.Is(err, redis.Nil):
			return nil, err
		}
		return def, nil
	})
	if errors.Is(err, redis.TxFailedErr) {
		return domain.StaleSchedule(def.ID)
	}
	return domain.WrapStorage("update schedule", err)
}

func (r *RedisRepository) DeleteSchedule(ctx context.Context, id string) error {
	old, err := r.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.namesKey(), old.Name)
		pipe.HDel(ctx, r.schedulesKey(), id)
		return nil
	})
	return domain.WrapStorage("delete schedule", err)
}

func (r *RedisRepository) allSchedules(ctx context.Context) ([]*schedule.Definition, error) {
	raw, err := r.rdb.HGetAll(ctx, r.schedulesKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*schedule.Definition, 0, len(raw))
	for id, body := range raw {
		var d schedule.Definition
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("decode schedule %s: %w", id, err)
		}
		out = append(out, &d)
	}
	return out, nil
}

func (r *RedisRepository) ListSchedules(ctx context.Context, f ScheduleFilter) ([]*schedule.Definition, error) {
	all, err := r.allSchedules(ctx)
	if err != nil {
		return nil, domain.WrapStorage("list schedules", err)
	}
	return filterSchedules(all, f), nil
}

func (r *RedisRepository) GetDueSchedules(ctx context.Context, now time.Time) ([]*schedule.Definition, error) {
	all, err := r.allSchedules(ctx)
	if err != nil {
		return nil, domain.WrapStorage("due schedules", err)
	}
	var due []*schedule.Definition
	for _, d := range all {
		if d.IsDueAt(now) {
			due = append(due, d)
		}
	}
	sortDue(due)
	return due, nil
}

func (r *RedisRepository) UpdateScheduleNextRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	var err error
	for i := 0; i < modifyAttempts; i++ {
		err = r.modifySchedule(ctx, id, func(_ *redis.Tx, d *schedule.Definition) (*schedule.Definition, error) {
			d.LastRunAt = domain.TimePtr(lastRun)
			d.NextRunAt = nil
			if nextRun != nil {
				d.NextRunAt = domain.TimePtr(*nextRun)
			}
			d.UpdatedAt = time.Now().UTC()
			return d, nil
		})
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	return domain.WrapStorage("update schedule next run", err)
}
