// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
)

// DefaultTimeout bounds every request when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	Headers   http.Header
}

// Limiter delays a request until the host's budget allows it.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Limiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Limiter) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	// Listing pages and origin retries legitimately hit the same URL more than once.
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport(cfg.Timeout))
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly. When the server answered with
// an error status the returned Document still carries the body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.Document, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, rawURL); err != nil {
			return crawler.Document{RequestedURL: rawURL}, err
		}
	}

	var (
		doc      = crawler.Document{RequestedURL: rawURL}
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.SetRequestTimeout(f.cfg.Timeout)
	f.configureCollectorHooks(collector, start, &doc, &fetchErr)

	finished, err := f.runCollector(ctx, collector, rawURL, &fetchErr)
	if !finished {
		// The visit may still be writing doc.
		return crawler.Document{RequestedURL: rawURL}, err
	}
	if err != nil {
		return doc, err
	}
	return doc, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	doc *crawler.Document,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	fill := func(r *colly.Response) {
		if r == nil {
			return
		}
		doc.StatusCode = r.StatusCode
		doc.Body = append([]byte(nil), r.Body...)
		doc.Duration = time.Since(start)
		if r.Headers != nil {
			doc.Headers = r.Headers.Clone()
		}
		if r.Request != nil && r.Request.URL != nil {
			doc.FinalURL = r.Request.URL.String()
		}
	}

	hooks.OnResponse(func(r *colly.Response) {
		fill(r)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		fill(r)
		if err == nil {
			err = errors.New("unknown colly error")
		}
		*fetchErr = err
	})
}

// runCollector reports finished=false when ctx ended before the visit
// returned; the collector hooks may then still be running.
func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	url string,
	fetchErr *error,
) (finished bool, err error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && *fetchErr == nil {
			return true, fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return true, fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return true, nil
	}
}

func newHTTPTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
