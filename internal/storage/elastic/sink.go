// Package elastic stores records as Elasticsearch documents.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
)

// Name identifies the sink.
const Name = "elasticsearch"

// DefaultIndex receives records when no index is configured.
const DefaultIndex = "articles"

// Config controls the Elasticsearch connection.
type Config struct {
	Addresses []string `mapstructure:"addresses" yaml:"addresses"`
	Username  string   `mapstructure:"username" yaml:"username"`
	Password  string   `mapstructure:"password" yaml:"password"`
	Index     string   `mapstructure:"index" yaml:"index"`
}

// NewClient builds a client for cfg.
func NewClient(cfg Config) (*es.Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("elasticsearch addresses are required")
	}
	client, err := es.NewClient(es.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return client, nil
}

type document struct {
	crawler.Record
	DateKey string `json:"date_key"`
}

// Sink implements crawler.Sink. Document IDs are the hash of the record URL,
// so a record maps to exactly one document.
type Sink struct {
	client *es.Client
	index  string
	hasher crawler.Hasher
	logger *zap.Logger
}

// New builds a Sink.
func New(client *es.Client, cfg Config, hasher crawler.Hasher, logger *zap.Logger) (*Sink, error) {
	if client == nil {
		return nil, fmt.Errorf("elasticsearch client is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	index := cfg.Index
	if index == "" {
		index = DefaultIndex
	}
	return &Sink{client: client, index: index, hasher: hasher, logger: logger.Named("elastic")}, nil
}

// Name implements crawler.Sink.
func (s *Sink) Name() string { return Name }

// KeyOf implements crawler.Sink.
func (s *Sink) KeyOf(r crawler.Record) string { return r.URL }

// Keys returns a key set that asks the index directly.
func (s *Sink) Keys(context.Context, string) (crawler.KeySet, error) {
	return &indexKeys{sink: s}, nil
}

// Write creates one document per record. A create that conflicts with an
// existing document counts as a duplicate.
func (s *Sink) Write(ctx context.Context, dateKey string, records []crawler.Record) (crawler.WriteResult, error) {
	var res crawler.WriteResult
	for _, r := range records {
		created, err := s.create(ctx, dateKey, r)
		if err != nil {
			return res, &crawler.StorageError{Sink: Name, Op: "create " + r.URL, Err: err}
		}
		if created {
			res.Written++
		} else {
			res.Duplicates++
		}
	}
	return res, nil
}

// DocumentID returns the document ID for a record URL.
func (s *Sink) DocumentID(url string) (string, error) {
	id, err := s.hasher.Hash([]byte(url))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	return id, nil
}

func (s *Sink) create(ctx context.Context, dateKey string, r crawler.Record) (bool, error) {
	id, err := s.DocumentID(r.URL)
	if err != nil {
		return false, err
	}
	body, err := json.Marshal(document{Record: r, DateKey: dateKey})
	if err != nil {
		return false, fmt.Errorf("marshal document: %w", err)
	}
	res, err := s.client.Create(
		s.index,
		id,
		bytes.NewReader(body),
		s.client.Create.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("create document: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return false, nil
	}
	if res.IsError() {
		return false, fmt.Errorf("error creating document: %s", res.String())
	}
	return true, nil
}

func (s *Sink) exists(ctx context.Context, url string) (bool, error) {
	id, err := s.DocumentID(url)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := s.client.Exists(s.index, id, s.client.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("check document: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return false, nil
	case res.IsError():
		return false, fmt.Errorf("error checking document: %s", res.String())
	default:
		return true, nil
	}
}

type indexKeys struct {
	sink *Sink
}

func (k *indexKeys) Has(ctx context.Context, key string) (bool, error) {
	return k.sink.exists(ctx, key)
}

// Add is a no-op; Write creates the document.
func (k *indexKeys) Add(context.Context, string) error { return nil }
