package crawler

import (
	"context"
	"time"
)

// Fetcher performs one GET and returns the body plus the URL it resolved to.
// A non-nil error may be accompanied by a partial Document (for example an
// error page body) that callers can inspect.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Document, error)
}

// Tokenizer turns raw text into tagged tokens.
type Tokenizer interface {
	Tokenize(text string) []Token
}

// TemplateResolver maps a resolved URL to an extraction template.
type TemplateResolver interface {
	Resolve(resolvedURL string) (Template, bool)
}

// KeySet answers whether a record key already exists in a destination.
// Implementations may be a hash set, a bloom filter or a database query.
type KeySet interface {
	Has(ctx context.Context, key string) (bool, error)
	Add(ctx context.Context, key string) error
}

// Sink persists records to one durable destination.
type Sink interface {
	// Name identifies the sink in logs, metrics and dispatch results.
	Name() string
	// KeyOf returns the identity the sink deduplicates on.
	KeyOf(record Record) string
	// Keys returns the key set of records already present for dateKey.
	Keys(ctx context.Context, dateKey string) (KeySet, error)
	// Write persists records that passed the key check.
	Write(ctx context.Context, dateKey string, records []Record) (WriteResult, error)
}

// WriteResult reports what a sink did with a batch.
type WriteResult struct {
	Written    int
	Duplicates int
	Paths      []string
}

// Uploader copies a local file to the remote filesystem.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for document identifiers.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
