// Package csvfile appends records to one CSV file per day.
package csvfile

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
)

// Name identifies the sink.
const Name = "csvfile"

// Store is the file layer the sink writes through.
type Store interface {
	ReadFile(rel string) ([]byte, error)
	WriteFile(rel string, data []byte) (string, error)
	Lock(ctx context.Context, key string) (func(), error)
}

// Sink implements crawler.Sink over articles_<dateKey>.csv files.
type Sink struct {
	store  Store
	logger *zap.Logger
}

// New builds a Sink.
func New(store Store, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, logger: logger.Named(Name)}
}

// FileName returns the file holding records for dateKey.
func FileName(dateKey string) string {
	return "articles_" + dateKey + ".csv"
}

// Name implements crawler.Sink.
func (s *Sink) Name() string { return Name }

// KeyOf implements crawler.Sink. Rows are unique by URL.
func (s *Sink) KeyOf(r crawler.Record) string { return r.URL }

// Keys loads the URLs already in the file for dateKey.
func (s *Sink) Keys(_ context.Context, dateKey string) (crawler.KeySet, error) {
	urls, err := s.existing(FileName(dateKey))
	if err != nil {
		return nil, err
	}
	return crawler.NewMemoryKeySet(urls...), nil
}

// Write appends rows for records whose URL is not yet in the file. The
// header is written when the file is created. A batch with nothing new
// leaves the file untouched.
func (s *Sink) Write(ctx context.Context, dateKey string, records []crawler.Record) (crawler.WriteResult, error) {
	var res crawler.WriteResult
	if len(records) == 0 {
		return res, nil
	}
	name := FileName(dateKey)
	unlock, err := s.store.Lock(ctx, name)
	if err != nil {
		return res, &crawler.StorageError{Sink: Name, Op: "lock", Err: err}
	}
	defer unlock()

	current, err := s.store.ReadFile(name)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return res, &crawler.StorageError{Sink: Name, Op: "read", Err: err}
	}
	urls, err := parseURLs(current)
	if err != nil {
		return res, &crawler.StorageError{Sink: Name, Op: "parse " + name, Err: err}
	}
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		seen[u] = struct{}{}
	}

	var buf bytes.Buffer
	buf.Write(current)
	w := csv.NewWriter(&buf)
	if len(current) == 0 {
		if err := w.Write(crawler.RecordFields); err != nil {
			return res, fmt.Errorf("write header: %w", err)
		}
	}
	for _, r := range records {
		if _, dup := seen[r.URL]; dup {
			res.Duplicates++
			continue
		}
		seen[r.URL] = struct{}{}
		if err := w.Write(r.Strings()); err != nil {
			return res, fmt.Errorf("write row: %w", err)
		}
		res.Written++
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return crawler.WriteResult{}, fmt.Errorf("flush rows: %w", err)
	}
	if res.Written == 0 {
		return res, nil
	}

	p, err := s.store.WriteFile(name, buf.Bytes())
	if err != nil {
		return crawler.WriteResult{Duplicates: res.Duplicates}, &crawler.StorageError{Sink: Name, Op: "write", Err: err}
	}
	res.Paths = []string{p}
	s.logger.Debug("rows appended", zap.String("file", name), zap.Int("rows", res.Written))
	return res, nil
}

func (s *Sink) existing(name string) ([]string, error) {
	data, err := s.store.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &crawler.StorageError{Sink: Name, Op: "read", Err: err}
	}
	urls, err := parseURLs(data)
	if err != nil {
		return nil, &crawler.StorageError{Sink: Name, Op: "parse " + name, Err: err}
	}
	return urls, nil
}

// parseURLs returns the url column of a CSV written by this sink.
func parseURLs(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := -1
	for i, name := range header {
		if name == "url" {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("header has no url column")
	}
	var urls []string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return urls, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		if col < len(row) {
			urls = append(urls, row[col])
		}
	}
}
