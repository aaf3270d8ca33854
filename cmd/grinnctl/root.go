package main

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/osercinoglu/grinn-web/internal/client"
	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8080"

type rootOptions struct {
	envFile string
	apiURL  string
	timeout time.Duration
}

func (o *rootOptions) client() *client.Client {
	return client.New(o.apiURL, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "grinnctl",
		Short: "Run gRINN workers and manage analysis jobs",
		Long: `
grinnctl runs a gRINN worker node and talks to the gRINN job API.

Worker settings are read from the environment (GRINN_*, DATABASE_URL,
REDIS_URL, S3_*). Use --env-file to load them from a dotenv file first;
variables already set in the environment win.
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.envFile == "" {
				return nil
			}
			if err := godotenv.Load(opts.envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", opts.envFile, err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Path to a dotenv file loaded before anything else")
	cmd.PersistentFlags().StringVar(&opts.apiURL, "api-url", defaultAPIURL, "Base URL of the gRINN job API")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "HTTP timeout for API calls")

	cmd.AddCommand(
		newWorkerCmd(opts),
		newJobCmd(opts),
		newWorkersCmd(opts),
		newQueueCmd(opts),
	)
	return cmd
}
