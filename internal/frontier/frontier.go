// Package frontier discovers article links from a paginated listing site.
package frontier

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/keyword-trend-crawler/internal/calendar"
	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-trend-crawler/internal/metrics"
)

// Config holds listing selectors and pagination limits.
type Config struct {
	MaxPages               int
	CategorySelector       string
	ActiveCategorySelector string
	PublisherSelector      string
	ArticleItemSelector    string
	ArticleLinkSelector    string
	// Workers overrides the page pool size when positive.
	Workers int
}

// DefaultConfig returns selectors for the news listing layout.
func DefaultConfig() Config {
	return Config{
		MaxPages:               1,
		CategorySelector:       "ul.nav > li > a",
		ActiveCategorySelector: "ul.nav > li.on > a",
		PublisherSelector:      "ul.massmedia > li > a",
		ArticleItemSelector:    "div.list_body.newsflash_body ul li",
		ArticleLinkSelector:    "dt a",
	}
}

// Frontier walks listing root -> categories -> dated publisher listings -> pages.
type Frontier struct {
	cfg     Config
	fetcher crawler.Fetcher
	logger  *zap.Logger
}

type subListing struct {
	url      string
	category string
	day      time.Time
}

// New builds a Frontier. Empty selectors fall back to DefaultConfig.
func New(cfg Config, fetcher crawler.Fetcher, logger *zap.Logger) *Frontier {
	def := DefaultConfig()
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.CategorySelector == "" {
		cfg.CategorySelector = def.CategorySelector
	}
	if cfg.ActiveCategorySelector == "" {
		cfg.ActiveCategorySelector = def.ActiveCategorySelector
	}
	if cfg.PublisherSelector == "" {
		cfg.PublisherSelector = def.PublisherSelector
	}
	if cfg.ArticleItemSelector == "" {
		cfg.ArticleItemSelector = def.ArticleItemSelector
	}
	if cfg.ArticleLinkSelector == "" {
		cfg.ArticleLinkSelector = def.ArticleLinkSelector
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{cfg: cfg, fetcher: fetcher, logger: logger.Named("frontier")}
}

// PoolSize is the number of pages fetched concurrently per sub-listing.
func (f *Frontier) PoolSize() int {
	if f.cfg.Workers > 0 {
		return min(f.cfg.Workers, f.cfg.MaxPages)
	}
	return min(max(1, runtime.NumCPU()-2), f.cfg.MaxPages)
}

// Discover returns every article link reachable from listingRoot for each day
// in r. Links are not deduplicated. Only a listing-root failure is returned;
// category and page failures are logged and contribute nothing.
func (f *Frontier) Discover(ctx context.Context, listingRoot string, r calendar.Range) ([]crawler.Link, error) {
	root, err := f.page(ctx, listingRoot)
	if err != nil {
		return nil, fmt.Errorf("fetch listing root: %w", err)
	}
	base, err := url.Parse(listingRoot)
	if err != nil {
		return nil, fmt.Errorf("parse listing root: %w", err)
	}
	site := SiteName(root)
	categories := hrefs(root.Find(f.cfg.CategorySelector), base)
	f.logger.Info("listing root parsed",
		zap.String("site", site),
		zap.Int("categories", len(categories)),
		zap.Stringer("range", r))

	var links []crawler.Link
	for _, categoryURL := range categories {
		if ctx.Err() != nil {
			break
		}
		for _, sub := range f.subListings(ctx, categoryURL, r) {
			links = append(links, f.paginate(ctx, site, sub)...)
		}
	}
	metrics.ObserveLinks(site, len(links))
	return links, ctx.Err()
}

func (f *Frontier) subListings(ctx context.Context, categoryURL string, r calendar.Range) []subListing {
	dom, err := f.page(ctx, categoryURL)
	if err != nil {
		f.logger.Warn("category page failed", zap.String("url", categoryURL), zap.Error(err))
		return nil
	}
	base, err := url.Parse(categoryURL)
	if err != nil {
		return nil
	}
	label := ""
	if fields := strings.Fields(dom.Find(f.cfg.ActiveCategorySelector).First().Text()); len(fields) > 0 {
		label = fields[0]
	}
	publishers := hrefs(dom.Find(f.cfg.PublisherSelector), base)

	var out []subListing
	for _, day := range calendar.Days(r.Start, r.End) {
		for _, p := range publishers {
			u, err := withQuery(p, "date", calendar.DayKey(day))
			if err != nil {
				continue
			}
			out = append(out, subListing{url: u, category: label, day: day})
		}
	}
	return out
}

func (f *Frontier) paginate(ctx context.Context, site string, sub subListing) []crawler.Link {
	var (
		mu    sync.Mutex
		links []crawler.Link
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.PoolSize())
	for page := 1; page <= f.cfg.MaxPages; page++ {
		g.Go(func() error {
			pageURL, err := withQuery(sub.url, "page", strconv.Itoa(page))
			if err != nil {
				return nil
			}
			found, err := f.articleLinks(gctx, pageURL)
			if err != nil {
				f.logger.Warn("listing page failed", zap.String("url", pageURL), zap.Error(err))
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, u := range found {
				links = append(links, crawler.Link{
					URL:             u,
					Site:            site,
					Category:        sub.category,
					PublishedAtHint: sub.day,
				})
			}
			return nil
		})
	}
	_ = g.Wait()
	return links
}

func (f *Frontier) articleLinks(ctx context.Context, pageURL string) ([]string, error) {
	dom, err := f.page(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	var out []string
	dom.Find(f.cfg.ArticleItemSelector).Each(func(_ int, li *goquery.Selection) {
		if href, ok := li.Find(f.cfg.ArticleLinkSelector).First().Attr("href"); ok {
			if abs := resolve(base, href); abs != "" {
				out = append(out, abs)
			}
		}
	})
	return out, nil
}

func (f *Frontier) page(ctx context.Context, rawURL string) (*goquery.Document, error) {
	doc, err := f.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, &crawler.FetchError{Kind: crawler.TransportFailure, URL: rawURL, Err: err}
	}
	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return nil, &crawler.FetchError{Kind: crawler.ParseFailure, URL: rawURL, Err: err}
	}
	return dom, nil
}

// SiteName returns the listing's site name: the <title> text after the first
// colon, or the whole title when there is none.
func SiteName(dom *goquery.Document) string {
	title := strings.TrimSpace(dom.Find("head title").First().Text())
	if _, after, ok := strings.Cut(title, ":"); ok {
		return strings.TrimSpace(after)
	}
	return title
}

func hrefs(sel *goquery.Selection, base *url.URL) []string {
	var out []string
	sel.Each(func(_ int, a *goquery.Selection) {
		if href, ok := a.Attr("href"); ok {
			if abs := resolve(base, href); abs != "" {
				out = append(out, abs)
			}
		}
	})
	return out
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func withQuery(rawURL, key, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
