// Package worker runs the per-article fetch and extract pipeline over a bounded pool.
package worker

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-trend-crawler/internal/metrics"
)

// LinkFetcher retrieves the document behind a link.
type LinkFetcher interface {
	Fetch(ctx context.Context, link crawler.Link) (crawler.Document, error)
}

// RecordExtractor turns a document into a Record.
type RecordExtractor interface {
	Extract(doc crawler.Document, tmpl crawler.Template, hasTemplate bool, link crawler.Link) (crawler.Record, error)
}

// Config controls Pool behavior.
type Config struct {
	// Workers overrides the pool size when positive.
	Workers int
}

// Pool fetches and extracts links concurrently.
type Pool struct {
	fetcher   LinkFetcher
	resolver  crawler.TemplateResolver
	extractor RecordExtractor
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Pool.
func New(
	fetcher LinkFetcher,
	resolver crawler.TemplateResolver,
	extractor RecordExtractor,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		fetcher:   fetcher,
		resolver:  resolver,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Size returns the worker count used for n links.
func (p *Pool) Size(n int) int {
	limit := 2 * runtime.NumCPU()
	if p.cfg.Workers > 0 {
		limit = p.cfg.Workers
	}
	return max(1, min(n, limit))
}

// Run processes every link and returns the records that survived. Order is
// unspecified. A failing link is logged and skipped; it never stops the others.
func (p *Pool) Run(ctx context.Context, links []crawler.Link) []crawler.Record {
	if len(links) == 0 {
		return nil
	}
	start := time.Now()

	var (
		mu      sync.Mutex
		records = make([]crawler.Record, 0, len(links))
		skipped int
	)
	g := new(errgroup.Group)
	g.SetLimit(p.Size(len(links)))
	for _, link := range links {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()

			rec, err := p.process(ctx, link)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				skipped++
				p.logger.Warn("skipping link",
					zap.String("url", link.URL),
					zap.String("kind", string(crawler.KindOf(err))),
					zap.Error(err))
				return nil
			}
			records = append(records, rec)
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("articles processed",
		zap.Int("links", len(links)),
		zap.Int("records", len(records)),
		zap.Int("skipped", skipped),
		zap.Duration("elapsed", time.Since(start)))
	return records
}

func (p *Pool) process(ctx context.Context, link crawler.Link) (crawler.Record, error) {
	doc, err := p.fetcher.Fetch(ctx, link)
	if err != nil {
		metrics.ObserveRecord(link.Site, string(crawler.TransportFailure))
		return crawler.Record{}, err
	}

	resolved := doc.FinalURL
	if resolved == "" {
		resolved = link.URL
	}
	var (
		tmpl crawler.Template
		ok   bool
	)
	if p.resolver != nil {
		tmpl, ok = p.resolver.Resolve(resolved)
	}

	rec, err := p.extractor.Extract(doc, tmpl, ok, link)
	if err != nil {
		metrics.ObserveRecord(link.Site, string(crawler.KindOf(err)))
		return crawler.Record{}, err
	}
	metrics.ObserveRecord(link.Site, "ok")
	return rec, nil
}
