package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
)

func TestFetchReturnsBodyAndFinalURL(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/article/001/0001", http.StatusFound)
	})
	mux.HandleFunc("/article/001/0001", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace") != "yes" {
			t.Errorf("expected header propagation, got %+v", r.Header)
		}
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Config{Timeout: time.Second, Headers: http.Header{"X-Trace": {"yes"}}}, nil)
	doc, err := f.Fetch(context.Background(), srv.URL+"/old")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", doc.StatusCode)
	}
	if doc.FinalURL != srv.URL+"/article/001/0001" {
		t.Fatalf("expected final url after redirect, got %q", doc.FinalURL)
	}
	if doc.RequestedURL != srv.URL+"/old" {
		t.Fatalf("requested url changed: %q", doc.RequestedURL)
	}
	if string(doc.Body) != "<html><body>ok</body></html>" {
		t.Fatalf("unexpected body %q", doc.Body)
	}
}

func TestFetchRevisitsSameURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("page"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second}, nil)
	for i := 0; i < 2; i++ {
		if _, err := f.Fetch(context.Background(), srv.URL); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("expected two requests, got %d", hits.Load())
	}
}

func TestFetchErrorStatusKeepsPartialBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<a class="media_end_link_origin_article" href="https://origin.example/a">origin</a>`))
	}))
	defer srv.Close()

	f := New(Config{Timeout: time.Second}, nil)
	doc, err := f.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if doc.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 status in partial document, got %d", doc.StatusCode)
	}
	if len(doc.Body) == 0 {
		t.Fatal("expected partial body to be kept")
	}
}

func TestFetchTimesOut(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := New(Config{Timeout: 50 * time.Millisecond}, nil)
	start := time.Now()
	doc, err := f.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not enforced, took %s", time.Since(start))
	}
	if len(doc.Body) != 0 {
		t.Fatalf("expected empty body on timeout, got %q", doc.Body)
	}
}

func TestFetchHonorsContextCancel(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, "http://127.0.0.1:1/")
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
}

func TestFetchCanceledMidFlightReturnsBareDocument(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(started)
		<-release
		_, _ = w.Write([]byte("late body"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	doc, err := f.Fetch(ctx, srv.URL)
	// Let the abandoned visit finish and run its hooks.
	close(release)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if doc.RequestedURL != srv.URL || doc.StatusCode != 0 || len(doc.Body) != 0 {
		t.Fatalf("expected a bare document after cancel, got %+v", doc)
	}
}

func TestFetchWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{err: errors.New("budget exhausted")}
	f := New(Config{}, limiter)
	_, err := f.Fetch(context.Background(), "https://example.com/a")
	if !errors.Is(err, limiter.err) {
		t.Fatalf("expected limiter error, got %v", err)
	}
	if limiter.calls != 1 || limiter.lastURL != "https://example.com/a" {
		t.Fatalf("unexpected limiter usage: %+v", limiter)
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Headers: http.Header{"X-Trace": {"yes"}}}, nil)
	var doc crawler.Document
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, time.Unix(0, 0), &doc, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/final")},
	})
	if doc.StatusCode != http.StatusCreated || string(doc.Body) != "body" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if doc.Headers.Get("X-Resp") != "ok" {
		t.Fatalf("expected headers copied, got %+v", doc.Headers)
	}
	if doc.FinalURL != "https://example.com/final" {
		t.Fatalf("expected final url, got %q", doc.FinalURL)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

type stubLimiter struct {
	err     error
	calls   int
	lastURL string
}

func (s *stubLimiter) Wait(_ context.Context, url string) error {
	s.calls++
	s.lastURL = url
	return s.err
}
