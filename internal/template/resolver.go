// Package template maps resolved article URLs to per-site extraction templates.
package template

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
)

//go:embed templates.yaml
var defaultTable []byte

type cacheEntry struct {
	tmpl  crawler.Template
	found bool
}

// Resolver picks the first template whose site pattern appears in a URL's host.
// Results are cached per resolved URL; concurrent misses on the same URL share
// one lookup.
type Resolver struct {
	table  []crawler.Template
	cache  sync.Map // resolved URL -> cacheEntry
	group  singleflight.Group
	logger *zap.Logger
}

// DefaultTable returns the embedded template table.
func DefaultTable() ([]crawler.Template, error) {
	return parseTable(defaultTable)
}

// LoadTable reads a YAML template table from disk.
func LoadTable(path string) ([]crawler.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template table %s: %w", path, err)
	}
	table, err := parseTable(data)
	if err != nil {
		return nil, fmt.Errorf("template table %s: %w", path, err)
	}
	return table, nil
}

func parseTable(data []byte) ([]crawler.Template, error) {
	var table []crawler.Template
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	for i, t := range table {
		if strings.TrimSpace(t.SiteMatchPattern) == "" {
			return nil, fmt.Errorf("template %d: site is required", i)
		}
		if strings.TrimSpace(t.ContentSelector) == "" {
			return nil, fmt.Errorf("template %s: content_selector is required", t.SiteMatchPattern)
		}
	}
	return table, nil
}

// New builds a Resolver over table. The table is copied and never mutated.
func New(table []crawler.Template, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		table:  append([]crawler.Template(nil), table...),
		logger: logger.Named("template"),
	}
}

// Resolve returns the template for resolvedURL. A miss is not an error.
func (r *Resolver) Resolve(resolvedURL string) (crawler.Template, bool) {
	if cached, ok := r.cache.Load(resolvedURL); ok {
		entry := cached.(cacheEntry)
		return entry.tmpl, entry.found
	}

	v, _, _ := r.group.Do(resolvedURL, func() (any, error) {
		if cached, ok := r.cache.Load(resolvedURL); ok {
			return cached, nil
		}
		entry := r.lookup(resolvedURL)
		r.cache.Store(resolvedURL, entry)
		if !entry.found {
			r.logger.Debug("no template for url", zap.String("url", resolvedURL))
		}
		return entry, nil
	})
	entry := v.(cacheEntry)
	return entry.tmpl, entry.found
}

func (r *Resolver) lookup(resolvedURL string) cacheEntry {
	host := resolvedURL
	if u, err := url.Parse(resolvedURL); err == nil && u.Host != "" {
		host = u.Host
	}
	for _, t := range r.table {
		if strings.Contains(host, t.SiteMatchPattern) {
			return cacheEntry{tmpl: t, found: true}
		}
	}
	return cacheEntry{}
}
