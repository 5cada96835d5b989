package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"jobflow/internal/config"
	"jobflow/internal/handlers"
	httph "jobflow/internal/handlers/http"
	"jobflow/internal/handlers/shell"
	"jobflow/internal/jobs"
	"jobflow/internal/queue"
	"jobflow/internal/tasks"
)

// openRepository opens the store selected by cfg.Driver.
func openRepository(ctx context.Context, cfg config.Storage) (queue.Repository, error) {
	switch cfg.Driver {
	case "memory":
		return queue.NewMemoryRepository(), nil
	case queue.DialectSQLite, queue.DialectPostgres:
		db, err := queue.OpenDB(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := queue.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		repo, err := queue.NewSQLRepository(db, cfg.Driver)
		if err != nil {
			db.Close()
			return nil, err
		}
		return repo, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		return queue.NewRedisRepository(rdb, cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// newRegistry registers the builtin handlers under their short names and as
// builtin.<name>, and resolves anything else from PluginDir when set.
func newRegistry(cfg *config.Config) (*tasks.Registry, error) {
	builtins := map[string]tasks.Handler{
		"shell": shell.Shell{}.Handle,
		"http":  httph.HTTP{}.Handle,
		"noop":  handlers.Noop,
	}
	catalog := tasks.NewCatalogResolver()
	for name, h := range builtins {
		catalog.Add("builtin", name, h)
	}
	resolvers := []tasks.Resolver{catalog}
	if cfg.PluginDir != "" {
		resolvers = append(resolvers, tasks.NewPluginResolver(cfg.PluginDir))
	}

	reg := tasks.NewRegistry(&log.Logger, resolvers...)
	if err := reg.Register("shell", builtins["shell"], tasks.WithAsync(), tasks.WithDescription("run a command")); err != nil {
		return nil, err
	}
	if err := reg.Register("http", builtins["http"], tasks.WithAsync(), tasks.WithDescription("perform an HTTP request")); err != nil {
		return nil, err
	}
	if err := reg.Register("noop", builtins["noop"], tasks.WithAsync(), tasks.WithDescription("echo arguments, optionally sleeping")); err != nil {
		return nil, err
	}
	return reg, nil
}

// newManager opens storage and builds a manager around it. The caller owns
// the returned repository.
func newManager(ctx context.Context, cfg *config.Config) (*jobs.Manager, queue.Repository, error) {
	repo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	reg, err := newRegistry(cfg)
	if err != nil {
		repo.Close()
		return nil, nil, err
	}
	return jobs.New(repo, reg, cfg.JobsConfig(&log.Logger)), repo, nil
}

// seedSchedules upserts the definitions from the schedules file by name.
func seedSchedules(ctx context.Context, m *jobs.Manager, path string) error {
	seeds, err := config.LoadScheduleFile(path)
	if err != nil {
		return err
	}
	for _, s := range seeds {
		opts, err := s.Options()
		if err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
		id, created, err := m.EnsureSchedule(ctx, s.Name, s.Task, opts)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
		log.Debug().Str("schedule_id", id).Str("schedule_name", s.Name).Bool("created", created).Msg("schedule seeded")
	}
	log.Info().Int("count", len(seeds)).Str("file", path).Msg("schedules loaded")
	return nil
}
