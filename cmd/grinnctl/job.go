package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/client"
	"github.com/osercinoglu/grinn-web/internal/jobs"
	"github.com/spf13/cobra"
)

func newJobCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and inspect analysis jobs",
	}
	cmd.AddCommand(
		newJobSubmitCmd(opts),
		newJobStatusCmd(opts),
		newJobGetCmd(opts),
		newJobCancelCmd(opts),
		newJobListCmd(opts),
		newJobLogsCmd(opts),
	)
	return cmd
}

func newJobSubmitCmd(opts *rootOptions) *cobra.Command {
	var name string
	var private bool
	cmd := &cobra.Command{
		Use:   "submit REQUEST.json",
		Short: "Submit a job described by a JSON request (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readCreateRequest(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if name != "" {
				req.JobName = name
			}
			if cmd.Flags().Changed("private") {
				req.IsPrivate = private
			}

			out, err := opts.client().SubmitJob(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", out.JobID, out.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Override job_name from the request file")
	cmd.Flags().BoolVar(&private, "private", false, "Hide the job from public listings")
	return cmd
}

func readCreateRequest(stdin io.Reader, path string) (jobs.CreateRequest, error) {
	var req jobs.CreateRequest
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return req, err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return req, fmt.Errorf("decode %s: %w", path, err)
	}
	return req, nil
}

func parseJobID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

func newJobStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the lifecycle status and progress of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			view, err := opts.client().GetStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newJobGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Show the full job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			job, err := opts.client().GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func newJobCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a job that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			job, err := opts.client().CancelJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", job.ID, job.Status)
			return nil
		},
	}
}

func newJobListCmd(opts *rootOptions) *cobra.Command {
	var lo client.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List public jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, page, err := opts.client().ListJobs(cmd.Context(), lo)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "ID", "NAME", "STATUS", "PROGRESS", "WORKER", "CREATED")
			for _, j := range list {
				worker := "-"
				if j.AssignedWorkerID != nil {
					worker = *j.AssignedWorkerID
				}
				row(tw, j.ID, j.JobName, j.Status, fmt.Sprintf("%.0f%%", j.ProgressPercentage), worker, since(j.CreatedAt))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d-%d of %d\n", page.Offset+min(1, len(list)), page.Offset+len(list), page.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&lo.Status, "status", "", "Only jobs with this status")
	cmd.Flags().IntVar(&lo.Limit, "limit", 20, "Page size")
	cmd.Flags().IntVar(&lo.Offset, "offset", 0, "Page offset")
	return cmd
}

func newJobLogsCmd(opts *rootOptions) *cobra.Command {
	var tail int
	var sinceDur time.Duration
	cmd := &cobra.Command{
		Use:   "logs JOB_ID",
		Short: "Print the analysis container output of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			var from time.Time
			if sinceDur > 0 {
				from = time.Now().Add(-sinceDur)
			}
			logs, err := opts.client().JobLogs(cmd.Context(), id, tail, from)
			if err != nil {
				return err
			}
			for _, l := range logs.Lines {
				fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] %s\n", l.Time.Format(time.RFC3339), l.Stream, l.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&tail, "tail", jobs.DefaultLogTail, "Number of most recent lines")
	cmd.Flags().DurationVar(&sinceDur, "since", 0, "Only lines newer than this, e.g. 10m")
	return cmd
}
