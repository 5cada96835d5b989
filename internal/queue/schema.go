package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialects understood by SQLRepository; the values are database/sql driver names.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Timestamps are Unix nanoseconds so ordering and comparison are plain
// integer operations in every dialect.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  task_name TEXT NOT NULL,
  queue_name TEXT NOT NULL,
  priority INTEGER NOT NULL,
  status TEXT NOT NULL,
  args TEXT NOT NULL,
  kwargs TEXT NOT NULL,
  scheduled_at BIGINT,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  started_at BIGINT,
  completed_at BIGINT,
  max_retries INTEGER NOT NULL,
  retries INTEGER NOT NULL,
  retry_delay BIGINT NOT NULL,
  timeout BIGINT NOT NULL,
  worker_id TEXT NOT NULL DEFAULT '',
  result TEXT,
  error TEXT,
  tags TEXT NOT NULL,
  metadata TEXT NOT NULL,
  version TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_dequeue ON jobs(queue_name, status, priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS paused_queues (
  name TEXT PRIMARY KEY,
  paused_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  task_name TEXT NOT NULL,
  status TEXT NOT NULL,
  body TEXT NOT NULL,
  tags TEXT NOT NULL,
  last_run_at BIGINT,
  next_run_at BIGINT,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, next_run_at)`,
}

// EnsureSchema creates tables and indexes if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// OpenDB opens and pings a database for dialect. SQLite gets WAL mode and a
// single connection since it only supports one writer at a time.
func OpenDB(ctx context.Context, dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case DialectSQLite:
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(time.Hour)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
		return db, nil
	case DialectPostgres:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(time.Hour)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database dialect: %s", dialect)
	}
}

// rebind rewrites ? placeholders to $n for postgres.
func rebind(dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNanos(v int64) time.Time { return time.Unix(0, v).UTC() }

func fromNullNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromNanos(v.Int64)
	return &t
}
