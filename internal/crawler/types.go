// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"sort"
	"strings"
	"time"
)

// Link is a discovered article URL that has not been fetched yet.
type Link struct {
	URL             string    `json:"url"`
	Site            string    `json:"site"`
	Category        string    `json:"category,omitempty"`
	PublishedAtHint time.Time `json:"published_at_hint"`
}

// Document is the body retrieved for a Link together with the URL it resolved to.
type Document struct {
	RequestedURL string
	FinalURL     string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
}

// Record is the normalized unit extracted from exactly one fetched Document.
// Records are values; nothing in the pipeline mutates one after Extract returns it.
type Record struct {
	Site        string    `json:"site"`
	ID          string    `json:"id,omitempty"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Publisher   string    `json:"publisher"`
	Category    string    `json:"category"`
	Tokens      []string  `json:"tokens"`
	PublishedAt time.Time `json:"published_at"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// RecordFields is the column order used wherever a Record is flattened.
var RecordFields = []string{
	"site", "id", "url", "title", "content", "publisher", "category", "tokens", "published_at", "scraped_at",
}

// TimeLayout is the string form used for timestamps in flat sinks.
const TimeLayout = "2006-01-02 15:04:05"

// Key returns the record's primary identity.
func (r Record) Key() string {
	return r.URL
}

// RowKey returns the numeric identifier when the source exposes one and the URL otherwise.
func (r Record) RowKey() string {
	if r.ID != "" {
		return r.ID
	}
	return r.URL
}

// Strings flattens the record in RecordFields order.
func (r Record) Strings() []string {
	return []string{
		r.Site,
		r.ID,
		r.URL,
		r.Title,
		r.Content,
		r.Publisher,
		r.Category,
		strings.Join(r.Tokens, " "),
		formatTime(r.PublishedAt),
		formatTime(r.ScrapedAt),
	}
}

// Map flattens the record into a field name to string map.
func (r Record) Map() map[string]string {
	values := r.Strings()
	out := make(map[string]string, len(RecordFields))
	for i, name := range RecordFields {
		out[name] = values[i]
	}
	return out
}

// NewTokenSet sorts and deduplicates tokens so a Record holds a set.
func NewTokenSet(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimeLayout)
}

// Template holds the per-site selectors used when generic parsing is not enough.
type Template struct {
	SiteMatchPattern  string `yaml:"site" json:"site"`
	ContentSelector   string `yaml:"content_selector" json:"content_selector"`
	DateSelector      string `yaml:"date_selector" json:"date_selector"`
	DateElement       string `yaml:"date_element" json:"date_element"`
	DateAttribute     string `yaml:"date_attribute" json:"date_attribute"`
	TitleSelector     string `yaml:"title_selector,omitempty" json:"title_selector,omitempty"`
	PublisherSelector string `yaml:"publisher_selector,omitempty" json:"publisher_selector,omitempty"`
}

// Token is one unit produced by a Tokenizer.
type Token struct {
	Text string
	Tag  TokenTag
}

// TokenTag is the coarse grammatical category assigned by a Tokenizer.
type TokenTag string

// Token categories.
const (
	TagNoun   TokenTag = "noun"
	TagNumber TokenTag = "number"
	TagOther  TokenTag = "other"
)

// Counts maps a token to the number of records that contained it.
type Counts map[string]int

// Add merges other into c pointwise.
func (c Counts) Add(other Counts) {
	for token, n := range other {
		if n <= 0 {
			continue
		}
		c[token] += n
	}
}
