package main

import (
	"fmt"
	"sort"

	"github.com/osercinoglu/grinn-web/pkg/models"
	"github.com/spf13/cobra"
)

func newWorkersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Inspect and manage registered workers",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List workers with their effective status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			workers, err := opts.client().ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "WORKER", "FACILITY", "HOST", "STATUS", "JOBS", "GROMACS", "HEARTBEAT")
			for _, w := range workers {
				row(tw, w.WorkerID, w.FacilityName, w.Hostname, w.Status,
					fmt.Sprintf("%d/%d", w.CurrentJobCount, w.MaxConcurrentJobs),
					fmt.Sprint(w.AvailableCapabilities), since(w.LastHeartbeat))
			}
			return tw.Flush()
		},
	}

	remove := &cobra.Command{
		Use:   "remove WORKER_ID",
		Short: "Remove a worker from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().RemoveWorker(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, remove)
	return cmd
}

func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the job queue",
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status and worker capacity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := opts.client().QueueStats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "jobs: %d total, %d queued, %d running\n", s.Total, s.Backlog, s.Running)
			fmt.Fprintf(out, "workers: %d online, %d offline, %d error\n", s.Workers.Online, s.Workers.Offline, s.Workers.Error)
			fmt.Fprintf(out, "capacity: %d/%d slots in use\n\n", s.Workers.CapacityUsed, s.Workers.CapacityTotal)

			tw := newTable(out, "STATUS", "COUNT")
			statuses := make([]string, 0, len(s.ByStatus))
			for st := range s.ByStatus {
				statuses = append(statuses, string(st))
			}
			sort.Strings(statuses)
			for _, st := range statuses {
				row(tw, st, s.ByStatus[models.JobStatus(st)])
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(stats)
	return cmd
}
