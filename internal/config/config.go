// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata" // extract.timezone must resolve on hosts without zoneinfo

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/keyword-trend-crawler/internal/calendar"
	"github.com/JakeFAU/keyword-trend-crawler/internal/storage/csvfile"
	"github.com/JakeFAU/keyword-trend-crawler/internal/storage/elastic"
	"github.com/JakeFAU/keyword-trend-crawler/internal/storage/gcs"
	"github.com/JakeFAU/keyword-trend-crawler/internal/storage/postgres"
	"github.com/JakeFAU/keyword-trend-crawler/internal/storage/widecolumn"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Aggregate AggregateConfig `mapstructure:"aggregate"`
	Sinks     SinksConfig     `mapstructure:"sinks"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
}

// ServerConfig controls the health and metrics server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs discovery and fetching.
type CrawlerConfig struct {
	ListingRoot    string  `mapstructure:"listing_root"`
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxPages       int     `mapstructure:"max_pages"`
	PageWorkers    int     `mapstructure:"page_workers"`
	ArticleWorkers int     `mapstructure:"article_workers"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	Burst          int     `mapstructure:"burst"`
	OriginSelector string  `mapstructure:"origin_selector"`
	Interval       string  `mapstructure:"interval"`
}

// ExtractConfig tunes extraction.
type ExtractConfig struct {
	TemplatesPath     string   `mapstructure:"templates_path"`
	StopWordsPath     string   `mapstructure:"stop_words_path"`
	PlaceholderTitles []string `mapstructure:"placeholder_titles"`
	Timezone          string   `mapstructure:"timezone"`
}

// AggregateConfig controls bucket storage and grouping.
type AggregateConfig struct {
	BucketDir         string        `mapstructure:"bucket_dir"`
	PrimaryPublishers []string      `mapstructure:"primary_publishers"`
	LockStaleAfter    time.Duration `mapstructure:"lock_stale_after"`
}

// SinksConfig selects and configures record sinks.
type SinksConfig struct {
	Enabled       []string          `mapstructure:"enabled"`
	CSVDir        string            `mapstructure:"csv_dir"`
	Elasticsearch elastic.Config    `mapstructure:"elasticsearch"`
	Redis         widecolumn.Config `mapstructure:"redis"`
	Postgres      postgres.Config   `mapstructure:"postgres"`
}

// StorageConfig configures the remote mirror. An empty bucket disables it.
type StorageConfig struct {
	GCS gcs.Config `mapstructure:"gcs"`
}

// PubSubConfig holds metadata for roll-up notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ScheduleConfig controls the daily job.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

var knownSinks = map[string]struct{}{
	csvfile.Name:    {},
	elastic.Name:    {},
	widecolumn.Name: {},
	postgres.Name:   {},
}

// Load builds a Config from disk/environment. Variables from a .env file in
// the working directory are loaded first and never override the real environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.listing_root", "https://news.naver.com/main/list.naver?mode=LPOD&mid=sec&oid=032")
	v.SetDefault("crawler.user_agent", "keyword-trend-bot/0.1")
	v.SetDefault("crawler.timeout_seconds", 10)
	v.SetDefault("crawler.max_pages", 10)
	v.SetDefault("crawler.page_workers", 0)
	v.SetDefault("crawler.article_workers", 0)
	v.SetDefault("crawler.rate_per_second", 5.0)
	v.SetDefault("crawler.burst", 5)
	v.SetDefault("crawler.origin_selector", "a[class*='link_origin_article']")
	v.SetDefault("crawler.interval", string(calendar.Daily))
	v.SetDefault("extract.templates_path", "")
	v.SetDefault("extract.stop_words_path", "")
	v.SetDefault("extract.timezone", "Asia/Seoul")
	v.SetDefault("aggregate.bucket_dir", "data/buckets")
	v.SetDefault("aggregate.primary_publishers", []string{"경향신문"})
	v.SetDefault("aggregate.lock_stale_after", "2m")
	v.SetDefault("sinks.enabled", []string{csvfile.Name})
	v.SetDefault("sinks.csv_dir", "data/articles")
	v.SetDefault("sinks.elasticsearch.addresses", []string{})
	v.SetDefault("sinks.elasticsearch.username", "")
	v.SetDefault("sinks.elasticsearch.password", "")
	v.SetDefault("sinks.elasticsearch.index", elastic.DefaultIndex)
	v.SetDefault("sinks.redis.address", "")
	v.SetDefault("sinks.redis.password", "")
	v.SetDefault("sinks.redis.db", 0)
	v.SetDefault("sinks.redis.key_prefix", "article:")
	v.SetDefault("sinks.postgres.dsn", "")
	v.SetDefault("sinks.postgres.table", "articles")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "keyword-trend")
	v.SetDefault("storage.gcs.local_root", "data")
	v.SetDefault("storage.gcs.retries", gcs.DefaultRetries)
	v.SetDefault("storage.gcs.retry_delay", gcs.DefaultRetryDelay.String())
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "keyword-rollups")
	v.SetDefault("schedule.cron", "0 2 * * *")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if strings.TrimSpace(c.Crawler.ListingRoot) == "" {
		return fmt.Errorf("crawler.listing_root is required")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	if c.Crawler.MaxPages <= 0 {
		return fmt.Errorf("crawler.max_pages must be > 0")
	}
	if c.Crawler.PageWorkers < 0 || c.Crawler.ArticleWorkers < 0 {
		return fmt.Errorf("crawler worker counts must be >= 0")
	}
	if _, err := calendar.ParseInterval(c.Crawler.Interval); err != nil {
		return fmt.Errorf("crawler.interval: %w", err)
	}
	if _, err := time.LoadLocation(c.Extract.Timezone); err != nil {
		return fmt.Errorf("extract.timezone: %w", err)
	}
	if strings.TrimSpace(c.Aggregate.BucketDir) == "" {
		return fmt.Errorf("aggregate.bucket_dir is required")
	}
	if len(c.Sinks.Enabled) == 0 {
		return fmt.Errorf("sinks.enabled must name at least one sink")
	}
	for _, name := range c.Sinks.Enabled {
		if _, ok := knownSinks[name]; !ok {
			return fmt.Errorf("sinks.enabled: unknown sink %q", name)
		}
	}
	if c.SinkEnabled(csvfile.Name) && strings.TrimSpace(c.Sinks.CSVDir) == "" {
		return fmt.Errorf("sinks.csv_dir is required when the csvfile sink is enabled")
	}
	if c.SinkEnabled(elastic.Name) && len(c.Sinks.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("sinks.elasticsearch.addresses is required when the elasticsearch sink is enabled")
	}
	if c.SinkEnabled(widecolumn.Name) && c.Sinks.Redis.Address == "" {
		return fmt.Errorf("sinks.redis.address is required when the widecolumn sink is enabled")
	}
	if c.SinkEnabled(postgres.Name) && c.Sinks.Postgres.DSN == "" {
		return fmt.Errorf("sinks.postgres.dsn is required when the postgres sink is enabled")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
		return fmt.Errorf("schedule.cron: %w", err)
	}
	return nil
}

// SinkEnabled reports whether name is in sinks.enabled.
func (c Config) SinkEnabled(name string) bool {
	for _, n := range c.Sinks.Enabled {
		if n == name {
			return true
		}
	}
	return false
}

// RequestTimeout returns the per-request fetch timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// Location returns the zone used for date strings without an offset.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Extract.Timezone)
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}
