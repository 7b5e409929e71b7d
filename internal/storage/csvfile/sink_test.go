package csvfile_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-trend-crawler/internal/storage/csvfile"
	"github.com/JakeFAU/keyword-trend-crawler/internal/storage/local"
)

func newSink(t *testing.T) (*csvfile.Sink, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	return csvfile.New(store, zap.NewNop()), dir
}

func record(url string) crawler.Record {
	return crawler.Record{
		Site:        "네이버뉴스",
		URL:         url,
		Title:       "제목, 따옴표 \"포함\"",
		Content:     "첫 줄\n둘째 줄",
		Publisher:   "경향신문",
		Category:    "101",
		Tokens:      []string{"반도체", "수출"},
		PublishedAt: time.Date(2024, 9, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestWriteCreatesFileWithHeader(t *testing.T) {
	t.Parallel()

	s, dir := newSink(t)
	res, err := s.Write(context.Background(), "20240901", []crawler.Record{record("https://a/1"), record("https://a/2")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)
	require.Len(t, res.Paths, 1)
	assert.Equal(t, filepath.Join(dir, "articles_20240901.csv"), res.Paths[0])

	data, err := os.ReadFile(res.Paths[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), strings.Join(crawler.RecordFields, ",")+"\n"))

	keys, err := s.Keys(context.Background(), "20240901")
	require.NoError(t, err)
	for _, u := range []string{"https://a/1", "https://a/2"} {
		ok, err := keys.Has(context.Background(), u)
		require.NoError(t, err)
		assert.True(t, ok, u)
	}
}

func TestWriteDuplicateLeavesFileUnchanged(t *testing.T) {
	t.Parallel()

	s, dir := newSink(t)
	ctx := context.Background()
	_, err := s.Write(ctx, "20240901", []crawler.Record{record("https://a/1")})
	require.NoError(t, err)
	path := filepath.Join(dir, csvfile.FileName("20240901"))
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)

	res, err := s.Write(ctx, "20240901", []crawler.Record{record("https://a/1")})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Written)
	assert.Equal(t, 1, res.Duplicates)
	assert.Empty(t, res.Paths)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	info2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), info2.ModTime())
}

func TestWriteAppendsOnlyNewRows(t *testing.T) {
	t.Parallel()

	s, dir := newSink(t)
	ctx := context.Background()
	_, err := s.Write(ctx, "20240901", []crawler.Record{record("https://a/1")})
	require.NoError(t, err)
	res, err := s.Write(ctx, "20240901", []crawler.Record{record("https://a/1"), record("https://a/2"), record("https://a/2")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 2, res.Duplicates)

	data, err := os.ReadFile(filepath.Join(dir, csvfile.FileName("20240901")))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "site,id,url"), "header written once")

	keys, err := s.Keys(ctx, "20240901")
	require.NoError(t, err)
	assert.Equal(t, 2, keys.(*crawler.MemoryKeySet).Len())
}

func TestKeysForMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	s, _ := newSink(t)
	keys, err := s.Keys(context.Background(), "20240101")
	require.NoError(t, err)
	ok, err := keys.Has(context.Background(), "https://a/1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeysRejectsForeignFile(t *testing.T) {
	t.Parallel()

	s, dir := newSink(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, csvfile.FileName("20240901")), []byte("a,b\n1,2\n"), 0o600))
	_, err := s.Keys(context.Background(), "20240901")
	assert.ErrorIs(t, err, crawler.ErrStorage)
}

func TestSinkIdentity(t *testing.T) {
	t.Parallel()

	s, _ := newSink(t)
	assert.Equal(t, "csvfile", s.Name())
	assert.Equal(t, "https://a/1", s.KeyOf(crawler.Record{ID: "9", URL: "https://a/1"}))
}
