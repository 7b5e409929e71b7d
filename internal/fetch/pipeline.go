// Package fetch retrieves article documents, retrying once against the
// original publisher URL when a mirror page fails.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-trend-crawler/internal/metrics"
)

// DefaultOriginSelector finds the "view original article" link on mirror pages.
const DefaultOriginSelector = "a[class*='link_origin_article']"

// Pipeline wraps a crawler.Fetcher with origin-URL fallback.
type Pipeline struct {
	fetcher        crawler.Fetcher
	originSelector string
	logger         *zap.Logger
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithOriginSelector overrides the CSS selector for the origin link.
func WithOriginSelector(sel string) Option {
	return func(p *Pipeline) {
		if sel != "" {
			p.originSelector = sel
		}
	}
}

// New builds a Pipeline. The fetcher owns the per-request timeout.
func New(fetcher crawler.Fetcher, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		fetcher:        fetcher,
		originSelector: DefaultOriginSelector,
		logger:         logger.Named("fetch"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch retrieves link.URL. When that fails but a partial page came back with
// an origin link, the origin is tried exactly once. Terminal failures are
// *crawler.FetchError with Kind TransportFailure.
func (p *Pipeline) Fetch(ctx context.Context, link crawler.Link) (crawler.Document, error) {
	doc, err := p.fetcher.Fetch(ctx, link.URL)
	if err == nil {
		observe(link.URL, doc, "ok")
		return doc, nil
	}
	observe(link.URL, doc, statusLabel(doc))

	origin := p.originURL(doc, link.URL)
	if origin == "" || ctx.Err() != nil {
		return crawler.Document{}, &crawler.FetchError{Kind: crawler.TransportFailure, URL: link.URL, Err: err}
	}

	p.logger.Debug("retrying via origin link",
		zap.String("url", link.URL),
		zap.String("origin", origin),
		zap.Error(err))
	originDoc, originErr := p.fetcher.Fetch(ctx, origin)
	if originErr != nil {
		observe(origin, originDoc, statusLabel(originDoc))
		return crawler.Document{}, &crawler.FetchError{
			Kind: crawler.TransportFailure,
			URL:  link.URL,
			Err:  errors.Join(err, originErr),
		}
	}
	observe(origin, originDoc, "ok")
	return originDoc, nil
}

func (p *Pipeline) originURL(doc crawler.Document, requested string) string {
	if len(doc.Body) == 0 {
		return ""
	}
	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return ""
	}
	href, ok := dom.Find(p.originSelector).First().Attr("href")
	href = strings.TrimSpace(href)
	if !ok || href == "" {
		return ""
	}
	base := doc.FinalURL
	if base == "" {
		base = requested
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := baseURL.ResolveReference(ref).String()
	if resolved == requested {
		return ""
	}
	return resolved
}

func observe(rawURL string, doc crawler.Document, status string) {
	metrics.ObserveCrawl(rawURL, status, len(doc.Body))
}

func statusLabel(doc crawler.Document) string {
	if doc.StatusCode == 0 {
		return "error"
	}
	return strconv.Itoa(doc.StatusCode)
}
