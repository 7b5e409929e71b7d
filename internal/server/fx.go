// Package server builds the application's dependencies and runs the
// long-lived HTTP and scheduler processes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/aggregate"
	"github.com/JakeFAU/keyword-trend-crawler/internal/api"
	"github.com/JakeFAU/keyword-trend-crawler/internal/calendar"
	"github.com/JakeFAU/keyword-trend-crawler/internal/clock/system"
	"github.com/JakeFAU/keyword-trend-crawler/internal/config"
	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-trend-crawler/internal/dispatcher"
	"github.com/JakeFAU/keyword-trend-crawler/internal/extract"
	"github.com/JakeFAU/keyword-trend-crawler/internal/fetch"
	collyfetcher "github.com/JakeFAU/keyword-trend-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/keyword-trend-crawler/internal/frontier"
	"github.com/JakeFAU/keyword-trend-crawler/internal/hash/sha256"
	"github.com/JakeFAU/keyword-trend-crawler/internal/id/uuid"
	"github.com/JakeFAU/keyword-trend-crawler/internal/logging"
	"github.com/JakeFAU/keyword-trend-crawler/internal/metrics"
	"github.com/JakeFAU/keyword-trend-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/keyword-trend-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/keyword-trend-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/keyword-trend-crawler/internal/run"
	"github.com/JakeFAU/keyword-trend-crawler/internal/storage/csvfile"
	"github.com/JakeFAU/keyword-trend-crawler/internal/storage/elastic"
	gcsstorage "github.com/JakeFAU/keyword-trend-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/keyword-trend-crawler/internal/storage/local"
	pgstore "github.com/JakeFAU/keyword-trend-crawler/internal/storage/postgres"
	"github.com/JakeFAU/keyword-trend-crawler/internal/storage/widecolumn"
	"github.com/JakeFAU/keyword-trend-crawler/internal/template"
	"github.com/JakeFAU/keyword-trend-crawler/internal/tokenize"
	"github.com/JakeFAU/keyword-trend-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	runner *run.Runner
	checks map[string]api.ReadyCheck

	pubsubPublisher *gcppublisher.Publisher
	pubsubClient    *pubsub.Client
	storage         *storage.Client
	recordStore     *pgstore.RecordStore
	redis           *redis.Client
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		checks: map[string]api.ReadyCheck{},
	}
	app.logger.Info("building application dependencies",
		zap.Strings("sinks", cfg.Sinks.Enabled),
		zap.String("bucket_dir", cfg.Aggregate.BucketDir))

	sinks, err := setupSinks(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	d, err := setupDispatcher(ctx, app, sinks)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	engine, err := setupAggregate(app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	front, pool, err := setupPipeline(app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.runner = run.New(front, pool, d, engine, system.New(time.UTC), uuid.New(), logger)
	return app, nil
}

// Runner exposes the crawl orchestrator.
func (a *App) Runner() *run.Runner {
	return a.runner
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

func setupPipeline(app *App) (*frontier.Frontier, *worker.Pool, error) {
	cfg := app.cfg
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Crawler.RatePerSecond,
		DefaultBurst: cfg.Crawler.Burst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.RequestTimeout(),
	}, limiter)
	app.logger.Info("using colly fetcher",
		zap.String("user_agent", cfg.Crawler.UserAgent),
		zap.Float64("rate_per_second", cfg.Crawler.RatePerSecond))

	table, err := template.DefaultTable()
	if cfg.Extract.TemplatesPath != "" {
		table, err = template.LoadTable(cfg.Extract.TemplatesPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("template table init failed: %w", err)
	}
	resolver := template.New(table, app.logger)

	stopWords := tokenize.StopWords(cfg.Extract.StopWordsPath, app.logger)
	extractor := extract.New(extract.Config{
		PlaceholderTitles: cfg.Extract.PlaceholderTitles,
		Location:          cfg.Location(),
	}, tokenize.New(), stopWords, system.New(cfg.Location()), app.logger)

	pipeline := fetch.New(fetcher, app.logger, fetch.WithOriginSelector(cfg.Crawler.OriginSelector))
	front := frontier.New(frontier.Config{
		MaxPages: cfg.Crawler.MaxPages,
		Workers:  cfg.Crawler.PageWorkers,
	}, fetcher, app.logger)
	pool := worker.New(pipeline, resolver, extractor, worker.Config{Workers: cfg.Crawler.ArticleWorkers}, app.logger)
	return front, pool, nil
}

func setupAggregate(app *App) (*aggregate.Engine, error) {
	store, err := localstorage.New(localstorage.Config{
		BaseDir:        app.cfg.Aggregate.BucketDir,
		LockStaleAfter: app.cfg.Aggregate.LockStaleAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("bucket store init failed: %w", err)
	}
	app.logger.Info("aggregation engine initialized",
		zap.String("bucket_dir", app.cfg.Aggregate.BucketDir),
		zap.Strings("primary_publishers", app.cfg.Aggregate.PrimaryPublishers))
	return aggregate.New(store, aggregate.Config{PrimaryPublishers: app.cfg.Aggregate.PrimaryPublishers}, app.logger), nil
}

//nolint:gocognit // one branch per sink
func setupSinks(ctx context.Context, app *App) ([]crawler.Sink, error) {
	cfg := app.cfg
	var sinks []crawler.Sink

	if cfg.SinkEnabled(csvfile.Name) {
		store, err := localstorage.New(localstorage.Config{
			BaseDir:        cfg.Sinks.CSVDir,
			LockStaleAfter: cfg.Aggregate.LockStaleAfter,
		})
		if err != nil {
			return nil, fmt.Errorf("csv store init failed: %w", err)
		}
		sinks = append(sinks, csvfile.New(store, app.logger))
		app.logger.Debug("csvfile sink", zap.String("dir", cfg.Sinks.CSVDir))
	}

	if cfg.SinkEnabled(elastic.Name) {
		client, err := elastic.NewClient(cfg.Sinks.Elasticsearch)
		if err != nil {
			return nil, fmt.Errorf("elasticsearch client init failed: %w", err)
		}
		sink, err := elastic.New(client, cfg.Sinks.Elasticsearch, sha256.New(), app.logger)
		if err != nil {
			return nil, fmt.Errorf("elasticsearch sink init failed: %w", err)
		}
		sinks = append(sinks, sink)
		app.checks[elastic.Name] = elasticCheck(client)
		app.logger.Info("elasticsearch sink initialized", zap.Strings("addresses", cfg.Sinks.Elasticsearch.Addresses))
	}

	if cfg.SinkEnabled(widecolumn.Name) {
		client, err := widecolumn.NewClient(ctx, cfg.Sinks.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis client init failed: %w", err)
		}
		app.redis = client
		sinks = append(sinks, widecolumn.New(client, cfg.Sinks.Redis, app.logger))
		app.checks[widecolumn.Name] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		app.logger.Info("wide-column sink initialized", zap.String("address", cfg.Sinks.Redis.Address))
	}

	if cfg.SinkEnabled(pgstore.Name) {
		store, err := pgstore.NewRecordStore(ctx, cfg.Sinks.Postgres)
		if err != nil {
			return nil, fmt.Errorf("record store init failed: %w", err)
		}
		app.recordStore = store
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("record store schema failed: %w", err)
		}
		sinks = append(sinks, store)
		app.checks[pgstore.Name] = store.Ping
		app.logger.Info("record store initialized", zap.String("table", cfg.Sinks.Postgres.Table))
	}
	return sinks, nil
}

func elasticCheck(client *es.Client) api.ReadyCheck {
	return func(ctx context.Context) error {
		res, err := client.Ping(client.Ping.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("ping elasticsearch: %w", err)
		}
		defer func() { _ = res.Body.Close() }()
		if res.IsError() {
			return fmt.Errorf("ping elasticsearch: %s", res.Status())
		}
		return nil
	}
}

func setupDispatcher(ctx context.Context, app *App, sinks []crawler.Sink) (*dispatcher.Dispatcher, error) {
	opts := []dispatcher.Option{}

	uploader, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	if uploader != nil {
		opts = append(opts, dispatcher.WithUploader(uploader))
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	opts = append(opts, dispatcher.WithPublisher(publisher, app.cfg.PubSub.TopicName))

	return dispatcher.New(sinks, app.logger, opts...), nil
}

func setupStorage(ctx context.Context, app *App) (crawler.Uploader, error) {
	if app.cfg.Storage.GCS.Bucket == "" {
		app.logger.Warn("No GCS bucket configured, files stay local")
		return nil, nil
	}
	var err error
	app.storage, err = storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	uploader, err := gcsstorage.New(app.storage, app.cfg.Storage.GCS, app.logger)
	if err != nil {
		return nil, fmt.Errorf("gcs uploader init failed: %w", err)
	}
	app.logger.Info("GCS mirror enabled",
		zap.String("bucket", app.cfg.Storage.GCS.Bucket),
		zap.String("prefix", app.cfg.Storage.GCS.Prefix))
	return uploader, nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(app.logger), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}

// Run serves the HTTP API and, when schedule is set, triggers the daily crawl
// on the configured cron spec. It blocks until ctx is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context, schedule bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []api.Option
	for name, check := range a.checks {
		opts = append(opts, api.WithReadyCheck(name, check))
	}
	apiServer := api.NewServer(ctx, a.runner, api.Defaults{
		ListingRoot: a.cfg.Crawler.ListingRoot,
		Interval:    calendar.Interval(a.cfg.Crawler.Interval),
	}, a.logger, opts...)

	var scheduler *cron.Cron
	if schedule {
		var err error
		scheduler, err = a.schedule(ctx)
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	apiServer.Wait()
	return a.Close()
}

func (a *App) schedule(ctx context.Context) (*cron.Cron, error) {
	loc := a.cfg.Location()
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
		cron.WithChain(cron.Recover(cronLogger{a.logger.Named("cron").Sugar()})),
	)
	_, err := c.AddFunc(a.cfg.Schedule.Cron, func() {
		day := Yesterday(time.Now(), loc)
		sum, err := a.runner.Crawl(ctx, run.Params{
			ListingRoot: a.cfg.Crawler.ListingRoot,
			Start:       day,
			End:         day,
			Interval:    calendar.Daily,
		})
		if err != nil {
			a.logger.Error("scheduled crawl failed", zap.String("date", calendar.DayKey(day)), zap.Error(err))
			return
		}
		a.logger.Info("scheduled crawl finished",
			zap.String("run_id", sum.RunID),
			zap.Int("records", sum.Records),
			zap.Int("failures", sum.Failures))
	})
	if err != nil {
		return nil, fmt.Errorf("schedule daily crawl: %w", err)
	}
	a.logger.Info("daily crawl scheduled", zap.String("cron", a.cfg.Schedule.Cron), zap.String("timezone", loc.String()))
	return c, nil
}

// Yesterday returns the calendar day before now in loc, as midnight UTC.
func Yesterday(now time.Time, loc *time.Location) time.Time {
	y := now.In(loc).AddDate(0, 0, -1)
	return time.Date(y.Year(), y.Month(), y.Day(), 0, 0, 0, 0, time.UTC)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Infow(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Close releases network clients and flushes the logger.
func (a *App) Close() error {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.recordStore != nil {
		a.recordStore.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}
