package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
)

func newTestUploader(t *testing.T, handler http.Handler, root string) *Uploader {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	u, err := New(client, Config{
		Bucket:     "test-bucket",
		Prefix:     "mirror",
		LocalRoot:  root,
		RetryDelay: time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return u
}

func writeLocal(t *testing.T, root, rel, body string) string {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestUploadMirrorsLocalLayout(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	local := writeLocal(t, root, filepath.Join("buckets", "news", "daily", "20240901.json"), `{"A":2}`)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "mirror/buckets/news/daily/20240901.json", r.URL.Query().Get("name"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `{"A":2}`)
		fmt.Fprintln(w, `{"name": "mirror/buckets/news/daily/20240901.json", "bucket": "test-bucket"}`)
	})

	u := newTestUploader(t, handler, root)
	uri, err := u.Upload(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/mirror/buckets/news/daily/20240901.json", uri)
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	local := writeLocal(t, root, "articles/articles_20240901.csv", "site,url\n")

	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, `{"name": "mirror/articles/articles_20240901.csv"}`)
	})

	u := newTestUploader(t, handler, root)
	_, err := u.Upload(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestUploadGivesUpAfterThreeRetries(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	local := writeLocal(t, root, "articles/a.csv", "x")

	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	u := newTestUploader(t, handler, root)
	_, err := u.Upload(context.Background(), local)
	require.Error(t, err)
	assert.True(t, errors.Is(err, crawler.ErrStorage))
	// One first attempt plus three retries.
	assert.Equal(t, int32(1+DefaultRetries), calls.Load())
	assert.Equal(t, int32(4), calls.Load())
}

func TestUploadDoesNotRetryPermanentFailures(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	local := writeLocal(t, root, "articles/a.csv", "x")

	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	u := newTestUploader(t, handler, root)
	_, err := u.Upload(context.Background(), local)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUploadMissingLocalFile(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	handler := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) })

	root := t.TempDir()
	u := newTestUploader(t, handler, root)
	_, err := u.Upload(context.Background(), filepath.Join(root, "missing.json"))
	require.Error(t, err)
	assert.Zero(t, calls.Load())
}

func TestObjectNameOutsideRootUsesBaseName(t *testing.T) {
	t.Parallel()

	u := &Uploader{cfg: Config{Prefix: "mirror", LocalRoot: "/data"}}
	assert.Equal(t, "mirror/buckets/x.json", u.ObjectName("/data/buckets/x.json"))
	assert.Equal(t, "mirror/y.csv", u.ObjectName("/tmp/out/y.csv"))
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"}, nil)
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{}, nil)
	assert.Error(t, err)
}

func TestTransient(t *testing.T) {
	t.Parallel()

	assert.False(t, Transient(nil))
	assert.False(t, Transient(context.Canceled))
	assert.False(t, Transient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.True(t, Transient(&googleapi.Error{Code: http.StatusServiceUnavailable}))
	assert.True(t, Transient(&googleapi.Error{Code: http.StatusTooManyRequests}))
	assert.False(t, Transient(&googleapi.Error{Code: http.StatusNotFound}))
	assert.True(t, Transient(fmt.Errorf("copy: %w", io.ErrUnexpectedEOF)))
	assert.False(t, Transient(errors.New("bad request")))
}
