package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"jobflow/internal/config"
)

type rootFlags struct {
	envFile  string
	logLevel string
	logJSON  bool
}

func main() {
	var flags rootFlags
	command := &cobra.Command{
		Use:           "jobflow",
		Short:         "Background job queue, scheduler and workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}
	command.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "dotenv file to load before reading the environment (default .env)")
	command.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override JOBFLOW_LOG_LEVEL")
	command.PersistentFlags().BoolVar(&flags.logJSON, "log-json", false, "write JSON logs instead of console output")

	command.AddCommand(serveCmd(&flags))
	command.AddCommand(enqueueCmd(&flags))
	command.AddCommand(schedulesCmd(&flags))

	if err := command.Execute(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

// load reads configuration and installs the global logger.
func (f *rootFlags) load() (*config.Config, error) {
	var files []string
	if f.envFile != "" {
		files = append(files, f.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logJSON {
		cfg.Log.Format = "json"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setupLogger(cfg.Log)
	return cfg, nil
}

func setupLogger(c config.Log) {
	level, _ := zerolog.ParseLevel(strings.ToLower(c.Level))
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
}
