package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/calendar"
	"github.com/JakeFAU/keyword-trend-crawler/internal/config"
	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-trend-crawler/internal/logging"
	"github.com/JakeFAU/keyword-trend-crawler/internal/run"
	"github.com/JakeFAU/keyword-trend-crawler/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Crawl(ctx context.Context, p run.Params) (run.Summary, error)
	RollUp(ctx context.Context, start, end time.Time, intervals ...calendar.Interval) (run.Summary, error)
	Run(ctx context.Context, schedule bool) error
	Config() *config.Config
	Logger() *zap.Logger
	Close() error
}

type builtApp struct {
	*server.App
	cfg *config.Config
}

func (b builtApp) Crawl(ctx context.Context, p run.Params) (run.Summary, error) {
	return b.Runner().Crawl(ctx, p)
}

func (b builtApp) RollUp(ctx context.Context, start, end time.Time, intervals ...calendar.Interval) (run.Summary, error) {
	return b.Runner().RollUp(ctx, start, end, intervals...)
}

func (b builtApp) Config() *config.Config { return b.cfg }

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return builtApp{App: a, cfg: &cfg}, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "keyword-trend-crawler",
		Short: "Crawls news listings and tracks keyword frequencies over time.",
		Long: `keyword-trend-crawler discovers articles on a news listing site for a date
range, extracts and tokenizes them, stores the records in the configured sinks,
and maintains daily, weekly, monthly and yearly keyword-frequency buckets.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the CRAWLER_ prefix")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newRollUpCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := execute(context.Background(), os.Args[1:], os.Stdout); err != nil {
		os.Exit(1)
	}
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	err := root.ExecuteContext(ctx)
	if err != nil {
		logger := zap.L()
		if !logger.Core().Enabled(zap.ErrorLevel) {
			if l, lerr := logging.New(false, "error"); lerr == nil {
				logger = l
			}
		}
		reportError(logger, err)
	}
	return err
}

// reportError logs a fatal command error. Errors outside the pipeline's
// taxonomy carry a stack trace.
func reportError(logger *zap.Logger, err error) {
	if kind := crawler.KindOf(err); kind != "" {
		logger.Error("command failed", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	logger.Error("command failed", zap.Error(err), zap.Stack("stack"))
}

func printSummary(cmd *cobra.Command, sum run.Summary) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "run %s (%s) %s..%s\n", sum.RunID, sum.Kind, sum.Start, sum.End)
	_, _ = fmt.Fprintf(out, "  links=%d records=%d buckets=%d mirrored=%d failures=%d\n",
		sum.Links, sum.Records, sum.Buckets, sum.Mirrored, sum.Failures)
	for _, name := range sortedSinkNames(sum.Sinks) {
		s := sum.Sinks[name]
		line := fmt.Sprintf("  %s: written=%d duplicates=%d", name, s.Written, s.Duplicates)
		if s.Error != "" {
			line += " error=" + s.Error
		}
		_, _ = fmt.Fprintln(out, line)
	}
}
