// Package cmd defines the CLI commands for the keyword-trend-crawler executable.
package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/keyword-trend-crawler/internal/calendar"
	"github.com/JakeFAU/keyword-trend-crawler/internal/run"
)

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var (
		start, end, interval, root string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls a date range and updates the keyword buckets",
		Long: `Discovers every article listed for each day in [--start, --end], extracts and
tokenizes it, writes the records to the enabled sinks, folds the tokens into the
daily buckets and rebuilds the weekly, monthly and yearly roll-ups that cover the
range. Failures of single pages or sinks are logged and do not stop the run.`,
		Example: "  keyword-trend-crawler crawl --start 20240901 --end 20240907 --interval weekly",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = appInstance.Close() }()

			cfg := appInstance.Config()
			s, e, err := run.ParseRange(start, end)
			if err != nil {
				return err
			}
			if interval == "" {
				interval = cfg.Crawler.Interval
			}
			iv, err := calendar.ParseInterval(interval)
			if err != nil {
				return fmt.Errorf("--interval: %w", err)
			}
			if root == "" {
				root = cfg.Crawler.ListingRoot
			}

			sum, err := appInstance.Crawl(cmd.Context(), run.Params{
				ListingRoot: root,
				Start:       s,
				End:         e,
				Interval:    iv,
			})
			printSummary(cmd, sum)
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first day, YYYYMMDD or YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&end, "end", "", "last day, YYYYMMDD or YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&interval, "interval", "", "slice size for discovery: daily, weekly, monthly or yearly")
	cmd.Flags().StringVar(&root, "listing-root", "", "listing root URL (defaults to crawler.listing_root)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func sortedSinkNames(m map[string]run.SinkSummary) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
