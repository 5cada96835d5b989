package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"jobflow/internal/api"
)

func serveCmd(flags *rootFlags) *cobra.Command {
	var addr string
	command := &cobra.Command{
		Use:   "serve",
		Short: "Run workers, the scheduler and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m, repo, err := newManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			if cfg.SchedulesFile != "" {
				if err := seedSchedules(ctx, m, cfg.SchedulesFile); err != nil {
					return err
				}
			}
			if err := m.Start(ctx); err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           api.NewServer(m, &log.Logger),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.HTTP.Addr).Str("storage", cfg.Storage.Driver).Msg("HTTP server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
			}
			log.Info().Msg("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("http shutdown")
			}
			if err := m.Stop(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("manager shutdown")
			}
			return serveErr
		},
	}
	command.Flags().StringVar(&addr, "addr", "", "override JOBFLOW_HTTP_ADDR")
	return command
}
