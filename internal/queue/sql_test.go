package queue_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"jobflow/internal/queue"
	"jobflow/internal/queue/repotest"
)

func TestSQLiteRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) queue.Repository {
		ctx := context.Background()
		db, err := queue.OpenDB(ctx, queue.DialectSQLite, filepath.Join(t.TempDir(), "jobflow.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		if err := queue.EnsureSchema(ctx, db); err != nil {
			t.Fatalf("schema: %v", err)
		}
		repo, err := queue.NewSQLRepository(db, queue.DialectSQLite)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = repo.Close() })
		return repo
	})
}

func TestPostgresRepository(t *testing.T) {
	dsn := os.Getenv("JOBFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("JOBFLOW_TEST_POSTGRES_DSN not set")
	}
	n := 0
	repotest.Run(t, func(t *testing.T) queue.Repository {
		ctx := context.Background()
		db, err := queue.OpenDB(ctx, queue.DialectPostgres, dsn)
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		// Each subtest gets its own schema so tables start empty.
		n++
		schemaName := fmt.Sprintf("jobflow_test_%d_%d", os.Getpid(), n)
		for _, stmt := range []string{
			"DROP SCHEMA IF EXISTS " + schemaName + " CASCADE",
			"CREATE SCHEMA " + schemaName,
		} {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				t.Fatalf("%s: %v", stmt, err)
			}
		}
		db.Close()

		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		if !strings.Contains(dsn, "://") {
			sep = " "
		}
		scoped := dsn + sep + "search_path=" + schemaName
		db, err = queue.OpenDB(ctx, queue.DialectPostgres, scoped)
		if err != nil {
			t.Fatalf("open scoped postgres: %v", err)
		}
		if err := queue.EnsureSchema(ctx, db); err != nil {
			t.Fatalf("schema: %v", err)
		}
		repo, err := queue.NewSQLRepository(db, queue.DialectPostgres)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() {
			_, _ = db.ExecContext(context.Background(), "DROP SCHEMA IF EXISTS "+schemaName+" CASCADE")
			_ = repo.Close()
		})
		return repo
	})
}

func TestNewSQLRepositoryRejectsUnknownDialect(t *testing.T) {
	if _, err := queue.NewSQLRepository(nil, "oracle"); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
	if _, err := queue.OpenDB(context.Background(), "oracle", ""); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}
