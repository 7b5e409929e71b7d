// Package widecolumn stores records as Redis hashes laid out in two column
// families: article:{site,title,url,publisher} and article_content:{...}.
package widecolumn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
)

// Name identifies the sink.
const Name = "widecolumn"

// Column families.
const (
	FamilyArticle = "article"
	FamilyContent = "article_content"
)

var articleColumns = map[string]struct{}{"site": {}, "title": {}, "url": {}, "publisher": {}}

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

const connectionTimeout = 5 * time.Second

// Config holds the Redis connection and key layout.
type Config struct {
	Address   string `mapstructure:"address" yaml:"address"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// HashClient is the subset of the Redis API the sink needs.
type HashClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
}

// Sink implements crawler.Sink. Rows are keyed by article ID, falling back to URL.
type Sink struct {
	client HashClient
	prefix string
	logger *zap.Logger
}

// New builds a Sink.
func New(client HashClient, cfg Config, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{client: client, prefix: cfg.KeyPrefix, logger: logger.Named(Name)}
}

// Name implements crawler.Sink.
func (s *Sink) Name() string { return Name }

// KeyOf implements crawler.Sink.
func (s *Sink) KeyOf(r crawler.Record) string { return r.RowKey() }

// RowKey returns the Redis key for a record key.
func (s *Sink) RowKey(key string) string { return s.prefix + key }

// Keys checks rows directly in Redis.
func (s *Sink) Keys(context.Context, string) (crawler.KeySet, error) {
	return &rowKeys{sink: s}, nil
}

// Write stores each record whose row does not exist yet.
func (s *Sink) Write(ctx context.Context, _ string, records []crawler.Record) (crawler.WriteResult, error) {
	var res crawler.WriteResult
	for _, r := range records {
		row := s.RowKey(s.KeyOf(r))
		exists, err := s.exists(ctx, row)
		if err != nil {
			return res, &crawler.StorageError{Sink: Name, Op: "exists " + row, Err: err}
		}
		if exists {
			res.Duplicates++
			continue
		}
		if err := s.client.HSet(ctx, row, Columns(r)).Err(); err != nil {
			return res, &crawler.StorageError{Sink: Name, Op: "hset " + row, Err: err}
		}
		res.Written++
	}
	return res, nil
}

// Columns flattens a record into family:qualifier columns. All values are strings.
func Columns(r crawler.Record) map[string]any {
	cols := make(map[string]any, len(crawler.RecordFields))
	for name, value := range r.Map() {
		family := FamilyContent
		if _, ok := articleColumns[name]; ok {
			family = FamilyArticle
		}
		cols[family+":"+name] = value
	}
	return cols
}

func (s *Sink) exists(ctx context.Context, row string) (bool, error) {
	n, err := s.client.Exists(ctx, row).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowKeys struct {
	sink *Sink
}

func (k *rowKeys) Has(ctx context.Context, key string) (bool, error) {
	return k.sink.exists(ctx, k.sink.RowKey(key))
}

// Add is a no-op; Write creates the row.
func (k *rowKeys) Add(context.Context, string) error { return nil }
