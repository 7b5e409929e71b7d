// Package dispatcher fans records out to the configured sinks, mirrors written
// files to the remote filesystem and announces finished roll-ups.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-trend-crawler/internal/metrics"
)

// Result reports one sink's share of a dispatch.
type Result struct {
	Sink       string
	Written    int
	Duplicates int
	Paths      []string
	Err        error
}

// RollUpEvent announces a completed roll-up.
type RollUpEvent struct {
	RunID    string   `json:"run_id"`
	Site     string   `json:"site"`
	Interval string   `json:"interval"`
	Start    string   `json:"start"`
	End      string   `json:"end"`
	Buckets  []string `json:"buckets"`
	Mirrored []string `json:"mirrored,omitempty"`
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithUploader enables Mirror.
func WithUploader(u crawler.Uploader) Option {
	return func(d *Dispatcher) { d.uploader = u }
}

// WithPublisher enables Announce on topic.
func WithPublisher(p crawler.Publisher, topic string) Option {
	return func(d *Dispatcher) {
		d.publisher = p
		d.topic = topic
	}
}

// Dispatcher owns deduplication: a record reaches a sink only when the sink's
// key for it is absent from the sink's key set.
type Dispatcher struct {
	sinks     map[string]crawler.Sink
	order     []string
	uploader  crawler.Uploader
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// New creates a Dispatcher over sinks.
func New(sinks []crawler.Sink, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sinks:  make(map[string]crawler.Sink, len(sinks)),
		logger: logger.Named("dispatcher"),
	}
	for _, s := range sinks {
		if _, dup := d.sinks[s.Name()]; dup {
			continue
		}
		d.sinks[s.Name()] = s
		d.order = append(d.order, s.Name())
	}
	sort.Strings(d.order)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Sinks lists the configured sink names.
func (d *Dispatcher) Sinks() []string {
	return append([]string(nil), d.order...)
}

// Dispatch writes the records that sinkName has not seen for dateKey.
func (d *Dispatcher) Dispatch(ctx context.Context, records []crawler.Record, sinkName, dateKey string) (Result, error) {
	res := Result{Sink: sinkName}
	sink, ok := d.sinks[sinkName]
	if !ok {
		return res, fmt.Errorf("dispatch: unknown sink %q", sinkName)
	}

	keys, err := sink.Keys(ctx, dateKey)
	if err != nil {
		return d.fail(res, fmt.Errorf("load keys: %w", err))
	}

	batch := make([]crawler.Record, 0, len(records))
	inBatch := make(map[string]struct{}, len(records))
	for _, r := range records {
		key := sink.KeyOf(r)
		if key == "" {
			d.logger.Warn("record without key", zap.String("sink", sinkName), zap.String("url", r.URL))
			continue
		}
		if _, dup := inBatch[key]; dup {
			res.Duplicates++
			continue
		}
		seen, err := keys.Has(ctx, key)
		if err != nil {
			return d.fail(res, fmt.Errorf("check key: %w", err))
		}
		if seen {
			res.Duplicates++
			continue
		}
		if err := keys.Add(ctx, key); err != nil {
			return d.fail(res, fmt.Errorf("add key: %w", err))
		}
		inBatch[key] = struct{}{}
		batch = append(batch, r)
	}

	if len(batch) > 0 {
		wr, err := sink.Write(ctx, dateKey, batch)
		res.Written = wr.Written
		res.Duplicates += wr.Duplicates
		res.Paths = wr.Paths
		if err != nil {
			return d.fail(res, err)
		}
	}

	metrics.ObserveSink(sinkName, "written", res.Written)
	metrics.ObserveSink(sinkName, "duplicate", res.Duplicates)
	d.logger.Info("records dispatched",
		zap.String("sink", sinkName),
		zap.String("date", dateKey),
		zap.Int("written", res.Written),
		zap.Int("duplicates", res.Duplicates))
	return res, nil
}

func (d *Dispatcher) fail(res Result, err error) (Result, error) {
	if !errors.Is(err, crawler.ErrStorage) {
		err = &crawler.StorageError{Sink: res.Sink, Op: "dispatch", Err: err}
	}
	res.Err = err
	metrics.ObserveSink(res.Sink, "written", res.Written)
	metrics.ObserveSink(res.Sink, "error", 1)
	return res, err
}

// DispatchAll runs Dispatch for every sink concurrently. A failing sink is
// logged and does not affect the others.
func (d *Dispatcher) DispatchAll(ctx context.Context, records []crawler.Record, dateKey string) map[string]Result {
	out := make(map[string]Result, len(d.order))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range d.order {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			res, err := d.Dispatch(ctx, records, name, dateKey)
			if err != nil {
				d.logger.Error("sink failed",
					zap.String("sink", name),
					zap.String("date", dateKey),
					zap.String("kind", string(crawler.StorageFailure)),
					zap.Error(err))
			}
			mu.Lock()
			out[name] = res
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return out
}

// Mirror uploads paths to the remote filesystem and returns the remote URIs
// that succeeded. Without an uploader it does nothing.
func (d *Dispatcher) Mirror(ctx context.Context, paths []string) ([]string, error) {
	if d.uploader == nil || len(paths) == 0 {
		return nil, nil
	}
	var (
		uris []string
		errs []error
	)
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return uris, err
		}
		uri, err := d.uploader.Upload(ctx, p)
		if err != nil {
			d.logger.Error("mirror failed",
				zap.String("path", p),
				zap.String("kind", string(crawler.StorageFailure)),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		uris = append(uris, uri)
	}
	return uris, errors.Join(errs...)
}

// Announce publishes one message per event. Without a publisher it does nothing.
func (d *Dispatcher) Announce(ctx context.Context, events []RollUpEvent) error {
	if d.publisher == nil {
		return nil
	}
	var errs []error
	for _, ev := range events {
		id, err := d.publisher.Publish(ctx, d.topic, ev)
		if err != nil {
			d.logger.Warn("announce failed",
				zap.String("site", ev.Site),
				zap.String("interval", ev.Interval),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("announce %s %s: %w", ev.Site, ev.Interval, err))
			continue
		}
		d.logger.Debug("roll-up announced", zap.String("message_id", id), zap.String("site", ev.Site))
	}
	return errors.Join(errs...)
}
