// Package postgres provides the Postgres record sink.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
)

// Name identifies the sink.
const Name = "postgres"

const defaultTable = "articles"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for article rows.
type Config struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Table           string        `mapstructure:"table" yaml:"table"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RecordStore writes article rows into Postgres. It implements crawler.Sink.
type RecordStore struct {
	pool  pool
	table string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RecordStore{pool: p, table: table}, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, table string) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	t, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: p, table: t}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the article table when it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	url          TEXT PRIMARY KEY,
	article_id   TEXT NOT NULL DEFAULT '',
	site         TEXT NOT NULL,
	title        TEXT NOT NULL,
	content      TEXT NOT NULL,
	publisher    TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	tokens       TEXT[] NOT NULL DEFAULT '{}',
	published_at TIMESTAMPTZ,
	scraped_at   TIMESTAMPTZ,
	date_key     TEXT NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Name implements crawler.Sink.
func (s *RecordStore) Name() string { return Name }

// KeyOf implements crawler.Sink.
func (s *RecordStore) KeyOf(r crawler.Record) string { return r.URL }

// Keys returns a key set backed by an existence query.
func (s *RecordStore) Keys(context.Context, string) (crawler.KeySet, error) {
	return &tableKeys{store: s}, nil
}

// Write inserts records, ignoring URLs that are already stored.
func (s *RecordStore) Write(ctx context.Context, dateKey string, records []crawler.Record) (crawler.WriteResult, error) {
	var res crawler.WriteResult
	if s == nil || s.pool == nil {
		return res, fmt.Errorf("record store is not configured")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	url,
	article_id,
	site,
	title,
	content,
	publisher,
	category,
	tokens,
	published_at,
	scraped_at,
	date_key
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
) ON CONFLICT (url) DO NOTHING`, s.table)

	for _, r := range records {
		tag, err := s.pool.Exec(ctx, query,
			r.URL,
			r.ID,
			r.Site,
			r.Title,
			r.Content,
			r.Publisher,
			r.Category,
			r.Tokens,
			nullableTime(r.PublishedAt),
			nullableTime(r.ScrapedAt),
			dateKey,
		)
		if err != nil {
			return res, &crawler.StorageError{Sink: Name, Op: "insert article", Err: err}
		}
		if tag.RowsAffected() == 0 {
			res.Duplicates++
			continue
		}
		res.Written++
	}
	return res, nil
}

func (s *RecordStore) exists(ctx context.Context, url string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE url = $1)`, s.table)
	var found bool
	if err := s.pool.QueryRow(ctx, query, url).Scan(&found); err != nil {
		return false, fmt.Errorf("query article: %w", err)
	}
	return found, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type tableKeys struct {
	store *RecordStore
}

func (k *tableKeys) Has(ctx context.Context, key string) (bool, error) {
	return k.store.exists(ctx, key)
}

// Add is a no-op; the insert stores the key.
func (k *tableKeys) Add(context.Context, string) error { return nil }
