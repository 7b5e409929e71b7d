package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/keyword-trend-crawler/internal/calendar"
	"github.com/JakeFAU/keyword-trend-crawler/internal/run"
)

// newRollUpCmd creates the 'rollup' subcommand.
func newRollUpCmd() *cobra.Command {
	var (
		start, end string
		intervals  []string
	)
	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Rebuilds roll-up buckets from the daily buckets",
		Long: `Recomputes the weekly, monthly and yearly buckets of every site for the
periods overlapping [--start, --end] from the daily buckets alone. Output is
deterministic, so rerunning it rewrites identical files.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = appInstance.Close() }()

			s, e, err := run.ParseRange(start, end)
			if err != nil {
				return err
			}
			ivs := make([]calendar.Interval, 0, len(intervals))
			for _, raw := range intervals {
				iv, err := calendar.ParseInterval(raw)
				if err != nil {
					return fmt.Errorf("--interval: %w", err)
				}
				if iv == calendar.Daily {
					return fmt.Errorf("--interval: daily buckets are not rolled up")
				}
				ivs = append(ivs, iv)
			}

			sum, err := appInstance.RollUp(cmd.Context(), s, e, ivs...)
			printSummary(cmd, sum)
			if err != nil {
				return fmt.Errorf("rollup: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first day, YYYYMMDD or YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&end, "end", "", "last day, YYYYMMDD or YYYY-MM-DD (required)")
	cmd.Flags().StringSliceVar(&intervals, "interval", nil, "intervals to rebuild (default weekly,monthly,yearly)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}
