// Package extract turns a fetched article page into a crawler.Record.
package extract

import (
	"bytes"
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
)

// Categories maps section labels to category IDs.
var Categories = map[string]int{
	"정치":    100,
	"경제":    101,
	"사회":    102,
	"생활/문화": 103,
	"세계":    104,
	"IT/과학": 105,
	"엔터":    106,
	"스포츠":   107,
}

// DefaultPlaceholderTitles are shell-page titles that mean the generic parser
// saw a wrapper rather than the article.
var DefaultPlaceholderTitles = []string{"뉴스 : 네이버스포츠", "뉴스 : 네이버 엔터"}

var articleIDPattern = regexp.MustCompile(`/article(?:/\d+)?/(\d+)`)

// Publish-date meta tags, most specific first.
var dateMetaSelectors = []string{
	`meta[property='article:published_time']`,
	`meta[property='og:article:published_time']`,
	`meta[name='article:published_time']`,
	`meta[itemprop='datePublished']`,
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006.01.02. PM 3:04",
	"2006.01.02 PM 3:04",
	"2006.01.02. 15:04",
	"2006.01.02 15:04",
	"2006.01.02.",
	"2006-01-02",
}

// Config tunes extraction.
type Config struct {
	PlaceholderTitles []string
	// Location applies to date strings without a zone. Defaults to KST.
	Location *time.Location
}

// Extractor builds Records. It holds only read-only state and is safe for
// concurrent use.
type Extractor struct {
	tokenizer    crawler.Tokenizer
	stopWords    map[string]struct{}
	placeholders map[string]struct{}
	location     *time.Location
	clock        crawler.Clock
	logger       *zap.Logger
}

// New constructs an Extractor. stopWords is treated as read-only.
func New(
	cfg Config,
	tokenizer crawler.Tokenizer,
	stopWords map[string]struct{},
	clock crawler.Clock,
	logger *zap.Logger,
) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	titles := cfg.PlaceholderTitles
	if len(titles) == 0 {
		titles = DefaultPlaceholderTitles
	}
	placeholders := make(map[string]struct{}, len(titles))
	for _, t := range titles {
		placeholders[strings.TrimSpace(t)] = struct{}{}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.FixedZone("KST", 9*60*60)
	}
	return &Extractor{
		tokenizer:    tokenizer,
		stopWords:    stopWords,
		placeholders: placeholders,
		location:     loc,
		clock:        clock,
		logger:       logger.Named("extract"),
	}
}

type fields struct {
	title       string
	content     string
	publisher   string
	publishedAt time.Time
}

// Extract builds a fresh Record from doc. tmpl is only consulted when
// hasTemplate is true and the generic parser left a field empty or returned a
// placeholder title.
func (e *Extractor) Extract(doc crawler.Document, tmpl crawler.Template, hasTemplate bool, link crawler.Link) (crawler.Record, error) {
	resolved := doc.FinalURL
	if resolved == "" {
		resolved = link.URL
	}

	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return crawler.Record{}, &crawler.FetchError{Kind: crawler.ParseFailure, URL: resolved, Err: err}
	}

	f := e.generic(doc.Body, resolved, dom)
	if e.needsFallback(f) {
		if hasTemplate {
			e.applyTemplate(&f, dom, tmpl)
		} else {
			e.logger.Debug("no template, keeping parser output",
				zap.String("url", resolved),
				zap.String("kind", string(crawler.TemplateNotFound)))
		}
	}
	if f.publisher == "" {
		f.publisher = metaPublisher(dom)
	}

	if strings.TrimSpace(f.content) == "" {
		return crawler.Record{}, &crawler.FetchError{
			Kind: crawler.ParseFailure,
			URL:  resolved,
			Err:  errors.New("empty article body"),
		}
	}
	if f.publishedAt.IsZero() {
		f.publishedAt = link.PublishedAtHint
	}

	label := link.Category
	if label == "" {
		label = strings.TrimSpace(dom.Find("li.is_active").First().Text())
	}

	rec := crawler.Record{
		Site:        link.Site,
		ID:          ArticleID(resolved),
		URL:         resolved,
		Title:       f.title,
		Content:     f.content,
		Publisher:   f.publisher,
		Category:    Category(label, resolved),
		Tokens:      e.tokens(f.content),
		PublishedAt: f.publishedAt,
	}
	if e.clock != nil {
		rec.ScrapedAt = e.clock.Now()
	}
	return rec, nil
}

func (e *Extractor) generic(body []byte, resolved string, dom *goquery.Document) fields {
	var f fields
	pageURL, err := url.Parse(resolved)
	if err != nil {
		pageURL = &url.URL{}
	}
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		e.logger.Debug("generic parser failed", zap.String("url", resolved), zap.Error(err))
	} else {
		f.title = strings.TrimSpace(article.Title)
		f.content = strings.TrimSpace(article.TextContent)
	}
	for _, sel := range dateMetaSelectors {
		if raw, ok := dom.Find(sel).First().Attr("content"); ok {
			if t, ok := e.ParseDate(raw); ok {
				f.publishedAt = t
				break
			}
		}
	}
	return f
}

func (e *Extractor) needsFallback(f fields) bool {
	return f.title == "" || f.content == "" || f.publishedAt.IsZero() || e.isPlaceholder(f.title)
}

func (e *Extractor) isPlaceholder(title string) bool {
	_, ok := e.placeholders[strings.TrimSpace(title)]
	return ok
}

func (e *Extractor) applyTemplate(f *fields, dom *goquery.Document, tmpl crawler.Template) {
	shell := e.isPlaceholder(f.title)

	if f.content == "" || shell {
		if text := contentText(dom, tmpl.ContentSelector); text != "" {
			f.content = text
		}
	}
	if f.title == "" || shell {
		if tmpl.TitleSelector != "" {
			if t := strings.TrimSpace(dom.Find(tmpl.TitleSelector).First().Text()); t != "" {
				f.title = t
			}
		}
		if e.isPlaceholder(f.title) || f.title == "" {
			if og, ok := dom.Find(`meta[property='og:title']`).First().Attr("content"); ok && strings.TrimSpace(og) != "" {
				f.title = strings.TrimSpace(og)
			}
		}
	}
	if f.publishedAt.IsZero() {
		if raw := dateText(dom, tmpl); raw != "" {
			if t, ok := e.ParseDate(raw); ok {
				f.publishedAt = t
			}
		}
	}
	if tmpl.PublisherSelector != "" {
		sel := dom.Find(tmpl.PublisherSelector).First()
		name, ok := sel.Attr("title")
		if !ok || strings.TrimSpace(name) == "" {
			name, _ = sel.Attr("alt")
		}
		if strings.TrimSpace(name) == "" {
			name = sel.Text()
		}
		f.publisher = strings.TrimSpace(name)
	}
}

// contentText prefers an <article> inside the content container.
func contentText(dom *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	container := dom.Find(selector).First()
	if container.Length() == 0 {
		return ""
	}
	if inner := container.Find("article").First(); inner.Length() > 0 {
		if text := strings.TrimSpace(inner.Text()); text != "" {
			return text
		}
	}
	return strings.TrimSpace(container.Text())
}

func dateText(dom *goquery.Document, tmpl crawler.Template) string {
	if tmpl.DateSelector == "" {
		return ""
	}
	var out string
	dom.Find(tmpl.DateSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		el := s
		if tmpl.DateElement != "" {
			el = s.Find(tmpl.DateElement).First()
		}
		if el.Length() == 0 {
			return true
		}
		var raw string
		if tmpl.DateAttribute == "" || tmpl.DateAttribute == "textContent" {
			raw = el.Text()
		} else {
			raw, _ = el.Attr(tmpl.DateAttribute)
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return true
		}
		out = raw
		return false
	})
	return out
}

func metaPublisher(dom *goquery.Document) string {
	for _, sel := range []string{`meta[property='og:article:author']`, `meta[name='twitter:creator']`} {
		if v, ok := dom.Find(sel).First().Attr("content"); ok {
			if name := strings.TrimSpace(strings.Split(v, "|")[0]); name != "" {
				return name
			}
		}
	}
	return ""
}

// ParseDate tries the known layouts after mapping 오전/오후 to AM/PM.
func (e *Extractor) ParseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.ReplaceAll(raw, "오전", "AM")
	raw = strings.ReplaceAll(raw, "오후", "PM")
	raw = strings.Join(strings.Fields(raw), " ")
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, e.location); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (e *Extractor) tokens(content string) []string {
	if e.tokenizer == nil {
		return nil
	}
	var kept []string
	for _, tok := range e.tokenizer.Tokenize(content) {
		if tok.Tag != crawler.TagNoun || utf8.RuneCountInString(tok.Text) <= 1 {
			continue
		}
		if _, stop := e.stopWords[tok.Text]; stop {
			continue
		}
		kept = append(kept, tok.Text)
	}
	return crawler.NewTokenSet(kept)
}

// ArticleID returns the numeric article identifier embedded in the URL path, or "".
func ArticleID(rawURL string) string {
	m := articleIDPattern.FindStringSubmatch(rawURL)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// Category resolves a section label to its ID. URLs on the sports or
// entertainment hosts override the label. Unknown labels are kept as-is.
func Category(label, resolvedURL string) string {
	switch {
	case strings.Contains(resolvedURL, "sports"):
		label = "스포츠"
	case strings.Contains(resolvedURL, "entertain"):
		label = "엔터"
	}
	if id, ok := Categories[label]; ok {
		return strconv.Itoa(id)
	}
	return label
}
