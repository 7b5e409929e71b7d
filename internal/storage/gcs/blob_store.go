// Package gcs mirrors local output files into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-trend-crawler/internal/metrics"
)

// Upload defaults.
const (
	DefaultChunkSize  = 8 << 20
	DefaultRetries    = 3
	DefaultRetryDelay = 2 * time.Second
)

// Config captures the parameters required to mirror into GCS.
type Config struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	// Prefix is prepended to every object name.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	// LocalRoot is stripped from local paths so the bucket mirrors the
	// layout below it.
	LocalRoot  string        `mapstructure:"local_root" yaml:"local_root"`
	ChunkSize  int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	// Retries counts transient-failure retries after the first attempt.
	Retries    int           `mapstructure:"retries" yaml:"retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// Uploader implements crawler.Uploader.
type Uploader struct {
	client *storage.Client
	cfg    Config
	logger *zap.Logger
}

// New creates a GCS-backed uploader.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*Uploader, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{client: client, cfg: cfg, logger: logger.Named("gcs")}, nil
}

// ObjectName maps a local path to its object name under the prefix.
func (u *Uploader) ObjectName(localPath string) string {
	rel := filepath.Base(localPath)
	if u.cfg.LocalRoot != "" {
		if r, err := filepath.Rel(u.cfg.LocalRoot, localPath); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	return path.Join(u.cfg.Prefix, filepath.ToSlash(rel))
}

// Upload copies localPath to the bucket and returns a gs:// URI. Transient
// failures are retried with a fixed delay up to Retries times; any other
// failure aborts the file.
func (u *Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	object := u.ObjectName(localPath)
	var err error
	attempts := 1 + u.cfg.Retries
	for attempt := 1; attempt <= attempts; attempt++ {
		err = u.put(ctx, localPath, object)
		if err == nil {
			metrics.ObserveUpload("ok")
			return fmt.Sprintf("gs://%s/%s", u.cfg.Bucket, object), nil
		}
		if !Transient(err) || attempt == attempts {
			break
		}
		u.logger.Warn("upload failed, retrying",
			zap.String("object", object),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			err = ctx.Err()
			metrics.ObserveUpload("error")
			return "", &crawler.StorageError{Sink: "gcs", Op: "upload " + object, Err: err}
		case <-time.After(u.cfg.RetryDelay):
		}
	}
	metrics.ObserveUpload("error")
	return "", &crawler.StorageError{Sink: "gcs", Op: "upload " + object, Err: err}
}

func (u *Uploader) put(ctx context.Context, localPath, object string) error {
	f, err := os.Open(localPath) // #nosec G304 -- paths come from our own stores.
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	// The client's own retries are disabled so attempts stay countable.
	obj := u.client.Bucket(u.cfg.Bucket).Object(object).Retryer(storage.WithPolicy(storage.RetryNever))
	writer := obj.NewWriter(ctx)
	writer.ChunkSize = u.cfg.ChunkSize
	writer.ContentType = contentType(localPath)
	if _, err := io.Copy(writer, f); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Transient reports whether an upload error is worth another attempt.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func contentType(localPath string) string {
	switch strings.ToLower(filepath.Ext(localPath)) {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
