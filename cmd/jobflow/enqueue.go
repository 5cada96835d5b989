package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"jobflow/internal/domain"
	"jobflow/internal/jobs"
)

func enqueueCmd(flags *rootFlags) *cobra.Command {
	var (
		queueName string
		priority  string
		argsJSON  string
		kwargs    string
		delay     time.Duration
		tags      []string
	)
	command := &cobra.Command{
		Use:   "enqueue <task>",
		Short: "Enqueue a job into the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			opts := jobs.EnqueueOptions{Queue: queueName, Tags: tags}
			if priority != "" {
				p, err := domain.ParsePriority(priority)
				if err != nil {
					return err
				}
				opts.Priority = &p
			}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &opts.Args); err != nil {
					return fmt.Errorf("--args: %w", err)
				}
			}
			if kwargs != "" {
				if err := json.Unmarshal([]byte(kwargs), &opts.Kwargs); err != nil {
					return fmt.Errorf("--kwargs: %w", err)
				}
			}
			if delay > 0 {
				at := time.Now().Add(delay)
				opts.ScheduledAt = &at
			}

			ctx := cmd.Context()
			m, repo, err := newManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close()
			id, err := m.Enqueue(ctx, args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	command.Flags().StringVarP(&queueName, "queue", "q", "", "queue name")
	command.Flags().StringVarP(&priority, "priority", "p", "", "critical, high, normal or low")
	command.Flags().StringVar(&argsJSON, "args", "", "positional arguments as a JSON array")
	command.Flags().StringVar(&kwargs, "kwargs", "", "keyword arguments as a JSON object")
	command.Flags().DurationVar(&delay, "in", 0, "delay before the job becomes eligible")
	command.Flags().StringSliceVar(&tags, "tag", nil, "tag to attach (repeatable)")
	return command
}
