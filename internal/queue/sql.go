package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobflow/internal/domain"
	"jobflow/internal/schedule"
)

var jobCols = []string{
	"id", "task_name", "queue_name", "priority", "status", "args", "kwargs",
	"scheduled_at", "created_at", "updated_at", "started_at", "completed_at",
	"max_retries", "retries", "retry_delay", "timeout", "worker_id",
	"result", "error", "tags", "metadata", "version",
}

var (
	jobColumns   = strings.Join(jobCols, ", ")
	insertJobSQL = fmt.Sprintf("INSERT INTO jobs (%s) VALUES (%s)", jobColumns, placeholders(len(jobCols)))
	upsertJobSQL = insertJobSQL + " ON CONFLICT (id) DO UPDATE SET " + assignments(jobCols[1:], "excluded.")
	updateJobSQL = "UPDATE jobs SET " + assignments(jobCols[1:], "") + " WHERE id = ?"
	// transitionJobSQL takes the new values, then id, expected status and
	// expected worker ('' matches any worker).
	transitionJobSQL = updateJobSQL + " AND status = ? AND (? = '' OR worker_id = ?)"
)

const scheduleColumns = "body, status, last_run_at, next_run_at, updated_at"

func assignments(cols []string, from string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		if from == "" {
			parts[i] = c + " = ?"
		} else {
			parts[i] = c + " = " + from + c
		}
	}
	return strings.Join(parts, ", ")
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLRepository stores jobs and schedules in SQLite or PostgreSQL.
// Postgres claims rows with FOR UPDATE SKIP LOCKED; SQLite claims are
// serialized in process around the claiming transaction.
type SQLRepository struct {
	db      *sql.DB
	dialect string
	claimMu sync.Mutex
}

func NewSQLRepository(db *sql.DB, dialect string) (*SQLRepository, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported database dialect: %s", dialect)
	}
	return &SQLRepository{db: db, dialect: dialect}, nil
}

// DB returns the underlying connection pool.
func (r *SQLRepository) DB() *sql.DB { return r.db }

func (r *SQLRepository) Close() error { return r.db.Close() }

func (r *SQLRepository) q(query string) string { return rebind(r.dialect, query) }

func (r *SQLRepository) serialize() func() {
	if r.dialect != DialectSQLite {
		return func() {}
	}
	r.claimMu.Lock()
	return r.claimMu.Unlock
}

func jobValues(j *domain.Job) ([]any, error) {
	args, err := json.Marshal(orEmptySlice(j.Args))
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	kwargs, err := json.Marshal(orEmptyMap(j.Kwargs))
	if err != nil {
		return nil, fmt.Errorf("encode kwargs: %w", err)
	}
	var result any
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		result = string(b)
	}
	var jobErr any
	if j.Error != nil {
		b, _ := json.Marshal(j.Error)
		jobErr = string(b)
	}
	tags, _ := json.Marshal(domain.NormalizeTags(j.Tags))
	meta, err := json.Marshal(orEmptyMap(j.Metadata))
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return []any{
		j.ID, j.TaskName, j.QueueName, int(j.Priority), string(j.Status), string(args), string(kwargs),
		nullNanos(j.ScheduledAt), nanos(j.CreatedAt), nanos(j.UpdatedAt), nullNanos(j.StartedAt), nullNanos(j.CompletedAt),
		j.MaxRetries, j.Retries, int64(j.RetryDelay), int64(j.Timeout), j.WorkerID,
		result, jobErr, string(tags), string(meta), j.Version,
	}, nil
}

func scanJob(s rowScanner) (*domain.Job, error) {
	var (
		j                            domain.Job
		priority                     int
		status                       string
		args, kwargs, tags, meta     string
		result, jobErr               sql.NullString
		scheduled, started, finished sql.NullInt64
		created, updated             int64
		retryDelay, timeout          int64
	)
	if err := s.Scan(&j.ID, &j.TaskName, &j.QueueName, &priority, &status, &args, &kwargs,
		&scheduled, &created, &updated, &started, &finished,
		&j.MaxRetries, &j.Retries, &retryDelay, &timeout, &j.WorkerID,
		&result, &jobErr, &tags, &meta, &j.Version); err != nil {
		return nil, err
	}
	j.Priority = domain.Priority(priority)
	j.Status = domain.Status(status)
	j.ScheduledAt = fromNullNanos(scheduled)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	j.StartedAt = fromNullNanos(started)
	j.CompletedAt = fromNullNanos(finished)
	j.RetryDelay = time.Duration(retryDelay)
	j.Timeout = time.Duration(timeout)
	if err := json.Unmarshal([]byte(args), &j.Args); err != nil {
		return nil, fmt.Errorf("decode args of %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(kwargs), &j.Kwargs); err != nil {
		return nil, fmt.Errorf("decode kwargs of %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(tags), &j.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", j.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &j.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", j.ID, err)
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &j.Result); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", j.ID, err)
		}
	}
	if jobErr.Valid {
		j.Error = &domain.JobError{}
		if err := json.Unmarshal([]byte(jobErr.String), j.Error); err != nil {
			return nil, fmt.Errorf("decode error of %s: %w", j.ID, err)
		}
	}
	j.Normalize()
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *SQLRepository) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, r.q("SELECT "+jobColumns+" FROM jobs WHERE id = ?"), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return j, domain.WrapStorage("get job", err)
}

func (r *SQLRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	vals, err := jobValues(job)
	if err != nil {
		return domain.WrapStorage("create job", err)
	}
	res, err := r.db.ExecContext(ctx, r.q(insertJobSQL+" ON CONFLICT (id) DO NOTHING"), vals...)
	if err != nil {
		return domain.WrapStorage("create job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *SQLRepository) UpdateJob(ctx context.Context, job *domain.Job) error {
	return domain.WrapStorage("update job", r.updateJob(ctx, r.db, job))
}

func (r *SQLRepository) updateJob(ctx context.Context, db dbtx, job *domain.Job) error {
	vals, err := jobValues(job)
	if err != nil {
		return err
	}
	vals = append(vals[1:], job.ID)
	res, err := db.ExecContext(ctx, r.q(updateJobSQL), vals...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SQLRepository) TransitionJob(ctx context.Context, job *domain.Job, from domain.Status, workerID string) error {
	return domain.WrapStorage("transition job", r.transitionJob(ctx, r.db, job, from, workerID))
}

func (r *SQLRepository) transitionJob(ctx context.Context, db dbtx, job *domain.Job, from domain.Status, workerID string) error {
	vals, err := jobValues(job)
	if err != nil {
		return err
	}
	vals = append(vals[1:], job.ID, string(from), workerID, workerID)
	res, err := db.ExecContext(ctx, r.q(transitionJobSQL), vals...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	err = db.QueryRowContext(ctx, r.q("SELECT 1 FROM jobs WHERE id = ?"), job.ID).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	case err != nil:
		return err
	}
	return domain.StaleTransition(job.ID, from)
}

func (r *SQLRepository) DeleteJob(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.q("DELETE FROM jobs WHERE id = ?"), id)
	if err != nil {
		return domain.WrapStorage("delete job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func jobWhere(f JobFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Queue != "" {
		conds = append(conds, "queue_name = ?")
		args = append(args, f.Queue)
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.TaskName != "" {
		conds = append(conds, "task_name = ?")
		args = append(args, f.TaskName)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *SQLRepository) ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, error) {
	where, args := jobWhere(f)
	query := "SELECT " + jobColumns + " FROM jobs" + where + " ORDER BY created_at, id"
	// Tags are JSON encoded, so tag filtering and its paging happen here.
	if len(f.Tags) == 0 {
		if f.Limit > 0 {
			query += " LIMIT ?"
			args = append(args, f.Limit)
		} else if f.Offset > 0 && r.dialect == DialectSQLite {
			query += " LIMIT -1"
		}
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, domain.WrapStorage("list jobs", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, domain.WrapStorage("list jobs", err)
	}
	if len(f.Tags) > 0 {
		jobs = filterJobs(jobs, f)
	}
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	return jobs, nil
}

func (r *SQLRepository) CountJobs(ctx context.Context, f JobFilter) (int, error) {
	if len(f.Tags) > 0 {
		f.Limit, f.Offset = 0, 0
		jobs, err := r.ListJobs(ctx, f)
		return len(jobs), err
	}
	where, args := jobWhere(f)
	var n int
	err := r.db.QueryRowContext(ctx, r.q("SELECT COUNT(*) FROM jobs"+where), args...).Scan(&n)
	return n, domain.WrapStorage("count jobs", err)
}

func (r *SQLRepository) Enqueue(ctx context.Context, job *domain.Job) error {
	vals, err := jobValues(job)
	if err != nil {
		return domain.WrapStorage("enqueue", err)
	}
	_, err = r.db.ExecContext(ctx, r.q(upsertJobSQL), vals...)
	return domain.WrapStorage("enqueue", err)
}

func (r *SQLRepository) Dequeue(ctx context.Context, req DequeueRequest) ([]*domain.Job, error) {
	req = req.normalize()
	defer r.serialize()()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.WrapStorage("dequeue", err)
	}
	defer tx.Rollback()

	query := "SELECT " + jobColumns + " FROM jobs" +
		" WHERE queue_name = ? AND status IN (" + placeholders(len(req.Statuses)) + ")" +
		" AND (scheduled_at IS NULL OR scheduled_at <= ?)" +
		" AND NOT EXISTS (SELECT 1 FROM paused_queues WHERE name = ?)" +
		" ORDER BY priority, created_at, id LIMIT ?"
	if r.dialect == DialectPostgres {
		query += " FOR UPDATE SKIP LOCKED"
	}
	args := []any{req.Queue}
	for _, s := range req.Statuses {
		args = append(args, string(s))
	}
	args = append(args, nanos(req.Now), req.Queue, req.BatchSize)

	rows, err := tx.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, domain.WrapStorage("dequeue", err)
	}
	candidates, err := collectJobs(rows)
	if err != nil {
		return nil, domain.WrapStorage("dequeue", err)
	}

	claimed := make([]*domain.Job, 0, len(candidates))
	for _, j := range candidates {
		from := j.Status
		if err := claim(j, req.WorkerID, req.Now); err != nil {
			continue
		}
		res, err := tx.ExecContext(ctx,
			r.q("UPDATE jobs SET status = ?, worker_id = ?, updated_at = ? WHERE id = ? AND status = ?"),
			string(j.Status), j.WorkerID, nanos(j.UpdatedAt), j.ID, string(from))
		if err != nil {
			return nil, domain.WrapStorage("dequeue", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, j)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.WrapStorage("dequeue", err)
	}
	return claimed, nil
}

func (r *SQLRepository) PauseQueue(ctx context.Context, queue string) error {
	_, err := r.db.ExecContext(ctx,
		r.q("INSERT INTO paused_queues (name, paused_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING"),
		queue, nanos(time.Now()))
	return domain.WrapStorage("pause queue", err)
}

func (r *SQLRepository) ResumeQueue(ctx context.Context, queue string) error {
	_, err := r.db.ExecContext(ctx, r.q("DELETE FROM paused_queues WHERE name = ?"), queue)
	return domain.WrapStorage("resume queue", err)
}

func (r *SQLRepository) IsQueuePaused(ctx context.Context, queue string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.q("SELECT COUNT(*) FROM paused_queues WHERE name = ?"), queue).Scan(&n)
	return n > 0, domain.WrapStorage("queue paused", err)
}

func (r *SQLRepository) ClearQueue(ctx context.Context, queue string) (int, error) {
	res, err := r.db.ExecContext(ctx, r.q("DELETE FROM jobs WHERE queue_name = ? AND status = ?"),
		queue, string(domain.StatusPending))
	if err != nil {
		return 0, domain.WrapStorage("clear queue", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLRepository) QueueNames(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT queue_name FROM jobs UNION SELECT name FROM paused_queues ORDER BY 1")
	if err != nil {
		return nil, domain.WrapStorage("queue names", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, domain.WrapStorage("queue names", err)
		}
		out = append(out, name)
	}
	return out, domain.WrapStorage("queue names", rows.Err())
}

func (r *SQLRepository) QueueLength(ctx context.Context, queue string, statuses ...domain.Status) (int, error) {
	if len(statuses) == 0 {
		statuses = []domain.Status{domain.StatusPending}
	}
	return r.CountJobs(ctx, JobFilter{Queue: queue, Statuses: statuses})
}

func (r *SQLRepository) Statistics(ctx context.Context) (Statistics, error) {
	st := newStatistics()
	rows, err := r.db.QueryContext(ctx, "SELECT status, queue_name, COUNT(*) FROM jobs GROUP BY status, queue_name")
	if err != nil {
		return st, domain.WrapStorage("statistics", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status, queue string
			n             int
		)
		if err := rows.Scan(&status, &queue, &n); err != nil {
			return st, domain.WrapStorage("statistics", err)
		}
		st.Total += n
		st.ByStatus[domain.Status(status)] += n
		st.ByQueue[queue] += n
	}
	if err := rows.Err(); err != nil {
		return st, domain.WrapStorage("statistics", err)
	}

	paused, err := r.db.QueryContext(ctx, "SELECT name FROM paused_queues ORDER BY name")
	if err != nil {
		return st, domain.WrapStorage("statistics", err)
	}
	defer paused.Close()
	for paused.Next() {
		var name string
		if err := paused.Scan(&name); err != nil {
			return st, domain.WrapStorage("statistics", err)
		}
		st.PausedQueues = append(st.PausedQueues, name)
	}
	return st, domain.WrapStorage("statistics", paused.Err())
}

func (r *SQLRepository) CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := r.db.ExecContext(ctx,
		r.q("DELETE FROM jobs WHERE status IN (?, ?, ?) AND updated_at < ?"),
		string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusCancelled), nanos(cutoff))
	if err != nil {
		return 0, domain.WrapStorage("cleanup", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLRepository) MarkStalledJobsAsFailed(ctx context.Context, stallTimeout time.Duration) (int, error) {
	now := time.Now()
	defer r.serialize()()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, domain.WrapStorage("mark stalled", err)
	}
	defer tx.Rollback()

	query := "SELECT " + jobColumns + " FROM jobs WHERE status = ? AND updated_at < ?"
	if r.dialect == DialectPostgres {
		query += " FOR UPDATE SKIP LOCKED"
	}
	rows, err := tx.QueryContext(ctx, r.q(query), string(domain.StatusRunning), nanos(now.Add(-stallTimeout)))
	if err != nil {
		return 0, domain.WrapStorage("mark stalled", err)
	}
	stalled, err := collectJobs(rows)
	if err != nil {
		return 0, domain.WrapStorage("mark stalled", err)
	}
	n := 0
	for _, j := range stalled {
		worker := j.WorkerID
		if err := j.MarkStalled(stallTimeout, now); err != nil {
			continue
		}
		err := r.transitionJob(ctx, tx, j, domain.StatusRunning, worker)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, domain.WrapStorage("mark stalled", err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, domain.WrapStorage("mark stalled", err)
	}
	return n, nil
}

func scheduleValues(d *schedule.Definition) ([]any, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode schedule %s: %w", d.ID, err)
	}
	tags, _ := json.Marshal(domain.NormalizeTags(d.Tags))
	return []any{
		d.ID, d.Name, d.TaskName, string(d.Status), string(body), string(tags),
		nullNanos(d.LastRunAt), nullNanos(d.NextRunAt), nanos(d.CreatedAt), nanos(d.UpdatedAt),
	}, nil
}

func scanSchedule(s rowScanner) (*schedule.Definition, error) {
	var (
		body, status     string
		lastRun, nextRun sql.NullInt64
		updated          int64
	)
	if err := s.Scan(&body, &status, &lastRun, &nextRun, &updated); err != nil {
		return nil, err
	}
	var d schedule.Definition
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}
	d.Status = schedule.DefinitionStatus(status)
	d.LastRunAt = fromNullNanos(lastRun)
	d.NextRunAt = fromNullNanos(nextRun)
	d.UpdatedAt = fromNanos(updated)
	return &d, nil
}

func (r *SQLRepository) querySchedules(ctx context.Context, query string, args ...any) ([]*schedule.Definition, error) {
	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schedule.Definition
	for rows.Next() {
		d, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *SQLRepository) CreateSchedule(ctx context.Context, def *schedule.Definition) error {
	vals, err := scheduleValues(def)
	if err != nil {
		return domain.WrapStorage("create schedule", err)
	}
	res, err := r.db.ExecContext(ctx, r.q(`INSERT INTO schedules
(id, name, task_name, status, body, tags, last_run_at, next_run_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`), vals...)
	if err != nil {
		return domain.WrapStorage("create schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *SQLRepository) getScheduleWhere(ctx context.Context, op, cond string, arg any) (*schedule.Definition, error) {
	row := r.db.QueryRowContext(ctx, r.q("SELECT "+scheduleColumns+" FROM schedules WHERE "+cond), arg)
	d, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return d, domain.WrapStorage(op, err)
}

func (r *SQLRepository) GetSchedule(ctx context.Context, id string) (*schedule.Definition, error) {
	return r.getScheduleWhere(ctx, "get schedule", "id = ?", id)
}

func (r *SQLRepository) GetScheduleByName(ctx context.Context, name string) (*schedule.Definition, error) {
	return r.getScheduleWhere(ctx, "get schedule by name", "name = ?", name)
}

func (r *SQLRepository) UpdateSchedule(ctx context.Context, def *schedule.Definition, readAt time.Time) error {
	var owner string
	err := r.db.QueryRowContext(ctx, r.q("SELECT id FROM schedules WHERE name = ?"), def.Name).Scan(&owner)
	switch {
	case err == nil && owner != def.ID:
		return domain.ErrConflict
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return domain.WrapStorage("update schedule", err)
	}
	vals, err := scheduleValues(def)
	if err != nil {
		return domain.WrapStorage("update schedule", err)
	}
	vals = append(vals[1:], def.ID, nanos(readAt))
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE schedules SET
name = ?, task_name = ?, status = ?, body = ?, tags = ?, last_run_at = ?, next_run_at = ?, created_at = ?, updated_at = ?
WHERE id = ? AND updated_at = ?`), vals...)
	if err != nil {
		return domain.WrapStorage("update schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, r.q("SELECT 1 FROM schedules WHERE id = ?"), def.ID).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	case err != nil:
		return domain.WrapStorage("update schedule", err)
	}
	return domain.StaleSchedule(def.ID)
}

func (r *SQLRepository) DeleteSchedule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.q("DELETE FROM schedules WHERE id = ?"), id)
	if err != nil {
		return domain.WrapStorage("delete schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SQLRepository) ListSchedules(ctx context.Context, f ScheduleFilter) ([]*schedule.Definition, error) {
	query := "SELECT " + scheduleColumns + " FROM schedules"
	var args []any
	if f.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(f.Status))
	}
	defs, err := r.querySchedules(ctx, query, args...)
	if err != nil {
		return nil, domain.WrapStorage("list schedules", err)
	}
	return filterSchedules(defs, f), nil
}

func (r *SQLRepository) GetDueSchedules(ctx context.Context, now time.Time) ([]*schedule.Definition, error) {
	defs, err := r.querySchedules(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ? ORDER BY next_run_at, id",
		string(schedule.StatusActive), nanos(now))
	return defs, domain.WrapStorage("due schedules", err)
}

func (r *SQLRepository) UpdateScheduleNextRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	res, err := r.db.ExecContext(ctx,
		r.q("UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?"),
		nanos(lastRun), nullNanos(nextRun), nanos(time.Now()), id)
	if err != nil {
		return domain.WrapStorage("update schedule next run", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func orEmptySlice(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func orEmptyMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
