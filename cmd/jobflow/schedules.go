package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"jobflow/internal/queue"
	"jobflow/internal/schedule"
)

func schedulesCmd(flags *rootFlags) *cobra.Command {
	command := &cobra.Command{
		Use:   "schedules",
		Short: "Inspect and seed schedule definitions",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List schedule definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			m, repo, err := newManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			defs, err := m.ListSchedules(ctx, queue.ScheduleFilter{Status: schedule.DefinitionStatus(status)})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTASK\tKIND\tSTATUS\tNEXT RUN")
			for _, d := range defs {
				next := "-"
				if d.NextRunAt != nil {
					next = d.NextRunAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.TaskName, d.Schedule.Kind(), d.Status, next)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by active or paused")

	load := &cobra.Command{
		Use:   "load <file>",
		Short: "Create or update definitions from a YAML schedules file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			m, repo, err := newManager(ctx, cfg)
			if err != nil {
				return err
			}
			defer repo.Close()
			return seedSchedules(ctx, m, args[0])
		},
	}

	command.AddCommand(list, load)
	return command
}
