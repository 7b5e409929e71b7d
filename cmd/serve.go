package cmd

import (
	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	var schedule bool
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"schedule"},
		Short:   "Runs the HTTP API and the daily crawl schedule",
		Long: `Serves /healthz, /readyz, /metrics and the /v1 run endpoints on server.port.
With --schedule (the default) it also crawls the previous day on schedule.cron,
evaluated in extract.timezone. SIGINT or SIGTERM drains in-flight runs and exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Run(cmd.Context(), schedule)
		},
	}
	cmd.Flags().BoolVar(&schedule, "schedule", true, "run the daily crawl on schedule.cron")
	return cmd
}
