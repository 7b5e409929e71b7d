// Package run drives one crawl or roll-up over a date range: discovery,
// fetch and extract, sink dispatch, daily folding and roll-ups.
package run

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/aggregate"
	"github.com/JakeFAU/keyword-trend-crawler/internal/calendar"
	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-trend-crawler/internal/dispatcher"
)

// Discoverer finds article links on a listing site.
type Discoverer interface {
	Discover(ctx context.Context, listingRoot string, r calendar.Range) ([]crawler.Link, error)
}

// Processor turns links into records.
type Processor interface {
	Run(ctx context.Context, links []crawler.Link) []crawler.Record
}

// Fanout delivers records and files to their destinations.
type Fanout interface {
	DispatchAll(ctx context.Context, records []crawler.Record, dateKey string) map[string]dispatcher.Result
	Mirror(ctx context.Context, paths []string) ([]string, error)
	Announce(ctx context.Context, events []dispatcher.RollUpEvent) error
}

// Aggregator owns the frequency buckets.
type Aggregator interface {
	FoldDaily(ctx context.Context, records []crawler.Record, date time.Time) (map[aggregate.GroupRef]crawler.Counts, error)
	RollUp(ctx context.Context, site string, interval calendar.Interval, start, end time.Time) ([]string, error)
	Sites(ctx context.Context) ([]string, error)
	BucketFile(ref aggregate.GroupRef, interval calendar.Interval, label string) (string, error)
}

// Params describes one crawl.
type Params struct {
	ListingRoot string
	Start       time.Time
	End         time.Time
	// Interval slices [Start, End] before discovery.
	Interval calendar.Interval
}

// SinkSummary is the JSON-friendly form of a dispatcher.Result.
type SinkSummary struct {
	Written    int    `json:"written"`
	Duplicates int    `json:"duplicates"`
	Error      string `json:"error,omitempty"`
}

// Summary reports what a run did.
type Summary struct {
	RunID      string                 `json:"run_id"`
	Kind       string                 `json:"kind"`
	Start      string                 `json:"start"`
	End        string                 `json:"end"`
	Links      int                    `json:"links"`
	Records    int                    `json:"records"`
	Sinks      map[string]SinkSummary `json:"sinks,omitempty"`
	Buckets    int                    `json:"buckets"`
	Mirrored   int                    `json:"mirrored"`
	Failures   int                    `json:"failures"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Runner wires the subsystems together.
type Runner struct {
	frontier  Discoverer
	processor Processor
	fanout    Fanout
	agg       Aggregator
	clock     crawler.Clock
	ids       crawler.IDGenerator
	logger    *zap.Logger

	mu   sync.RWMutex
	last *Summary
}

// New builds a Runner.
func New(
	frontier Discoverer,
	processor Processor,
	fanout Fanout,
	agg Aggregator,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		frontier:  frontier,
		processor: processor,
		fanout:    fanout,
		agg:       agg,
		clock:     clock,
		ids:       ids,
		logger:    logger.Named("run"),
	}
}

// Last returns the summary of the most recent finished run.
func (r *Runner) Last() (Summary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return Summary{}, false
	}
	return *r.last, true
}

// Crawl runs discovery through roll-up for p. Failures below the run are
// logged and skipped so partial results are still persisted and aggregated;
// only context cancellation or an invalid range is returned.
func (r *Runner) Crawl(ctx context.Context, p Params) (Summary, error) {
	sum, err := r.begin("crawl", p.Start, p.End)
	if err != nil {
		return sum, err
	}
	slices, err := calendar.Partition(p.Start, p.End, p.Interval)
	if err != nil {
		return sum, fmt.Errorf("partition range: %w", err)
	}
	logger := r.logger.With(zap.String("run_id", sum.RunID))
	sum.Sinks = map[string]SinkSummary{}
	sites := map[string]struct{}{}

	for _, slice := range slices {
		if err := ctx.Err(); err != nil {
			return r.finish(sum), err
		}
		links, err := r.frontier.Discover(ctx, p.ListingRoot, slice)
		if err != nil {
			sum.Failures++
			logger.Warn("listing root failed",
				zap.Stringer("range", slice),
				zap.String("kind", string(crawler.KindOf(err))),
				zap.Error(err))
			continue
		}
		sum.Links += len(links)
		records := uniqueByURL(r.processor.Run(ctx, links))
		sum.Records += len(records)
		logger.Info("slice extracted",
			zap.Stringer("range", slice),
			zap.Int("links", len(links)),
			zap.Int("records", len(records)))

		for _, day := range byDay(records, slice.Start) {
			r.persistDay(ctx, logger, &sum, day.date, day.records)
			for _, rec := range day.records {
				sites[rec.Site] = struct{}{}
			}
		}
	}

	if len(sites) > 0 {
		r.rollUp(ctx, logger, &sum, sortedSites(sites), p.Start, p.End, calendar.RollUpIntervals)
	}
	return r.finish(sum), ctx.Err()
}

// RollUp rebuilds the roll-up buckets of every site from the daily buckets
// alone. Without intervals it rebuilds weekly, monthly and yearly.
func (r *Runner) RollUp(ctx context.Context, start, end time.Time, intervals ...calendar.Interval) (Summary, error) {
	sum, err := r.begin("rollup", start, end)
	if err != nil {
		return sum, err
	}
	sites, err := r.agg.Sites(ctx)
	if err != nil {
		return r.finish(sum), fmt.Errorf("list sites: %w", err)
	}
	r.rollUp(ctx, r.logger.With(zap.String("run_id", sum.RunID)), &sum, sites, start, end, intervals)
	return r.finish(sum), ctx.Err()
}

func (r *Runner) begin(kind string, start, end time.Time) (Summary, error) {
	if start.After(end) {
		return Summary{}, fmt.Errorf("start %s is after end %s", calendar.DayKey(start), calendar.DayKey(end))
	}
	id, err := r.ids.NewID()
	if err != nil {
		return Summary{}, fmt.Errorf("run id: %w", err)
	}
	return Summary{
		RunID:     id,
		Kind:      kind,
		Start:     start.Format(calendar.ISOLayout),
		End:       end.Format(calendar.ISOLayout),
		StartedAt: r.clock.Now(),
	}, nil
}

func (r *Runner) finish(sum Summary) Summary {
	sum.FinishedAt = r.clock.Now()
	r.mu.Lock()
	r.last = &sum
	r.mu.Unlock()
	r.logger.Info("run finished",
		zap.String("run_id", sum.RunID),
		zap.String("kind", sum.Kind),
		zap.Int("links", sum.Links),
		zap.Int("records", sum.Records),
		zap.Int("buckets", sum.Buckets),
		zap.Int("failures", sum.Failures),
		zap.Duration("elapsed", sum.FinishedAt.Sub(sum.StartedAt)))
	return sum
}

func (r *Runner) persistDay(ctx context.Context, logger *zap.Logger, sum *Summary, date time.Time, records []crawler.Record) {
	dayKey := calendar.DayKey(date)
	var written []string
	for name, res := range r.fanout.DispatchAll(ctx, records, dayKey) {
		s := sum.Sinks[name]
		s.Written += res.Written
		s.Duplicates += res.Duplicates
		if res.Err != nil {
			s.Error = res.Err.Error()
			sum.Failures++
		}
		sum.Sinks[name] = s
		written = append(written, res.Paths...)
	}

	added, err := r.agg.FoldDaily(ctx, records, date)
	if err != nil {
		sum.Failures++
		logger.Error("fold failed",
			zap.String("date", dayKey),
			zap.String("kind", string(crawler.KindOf(err))),
			zap.Error(err))
	}
	for ref := range added {
		p, err := r.agg.BucketFile(ref, calendar.Daily, dayKey)
		if err != nil {
			logger.Warn("bucket path", zap.Error(err))
			continue
		}
		written = append(written, p)
	}
	sum.Buckets += len(added)

	sort.Strings(written)
	uris, err := r.fanout.Mirror(ctx, written)
	sum.Mirrored += len(uris)
	if err != nil {
		sum.Failures++
	}
}

func (r *Runner) rollUp(
	ctx context.Context,
	logger *zap.Logger,
	sum *Summary,
	sites []string,
	start, end time.Time,
	intervals []calendar.Interval,
) {
	if len(intervals) == 0 {
		intervals = calendar.RollUpIntervals
	}
	var events []dispatcher.RollUpEvent
	for _, site := range sites {
		for _, interval := range intervals {
			if ctx.Err() != nil {
				return
			}
			aligned := calendar.Align(start, end, interval)
			paths, err := r.agg.RollUp(ctx, site, interval, aligned.Start, aligned.End)
			if err != nil {
				sum.Failures++
				logger.Error("roll-up failed",
					zap.String("site", site),
					zap.String("interval", string(interval)),
					zap.Error(err))
			}
			if len(paths) == 0 {
				continue
			}
			sum.Buckets += len(paths)
			uris, err := r.fanout.Mirror(ctx, paths)
			sum.Mirrored += len(uris)
			if err != nil {
				sum.Failures++
			}
			events = append(events, dispatcher.RollUpEvent{
				RunID:    sum.RunID,
				Site:     site,
				Interval: string(interval),
				Start:    aligned.Start.Format(calendar.ISOLayout),
				End:      aligned.End.Format(calendar.ISOLayout),
				Buckets:  paths,
				Mirrored: uris,
			})
		}
	}
	if err := r.fanout.Announce(ctx, events); err != nil {
		sum.Failures++
		logger.Warn("announce failed", zap.Error(err))
	}
}

type dayBatch struct {
	date    time.Time
	records []crawler.Record
}

// byDay groups records by publication day, using fallback for records
// without one. Batches are in date order.
func byDay(records []crawler.Record, fallback time.Time) []dayBatch {
	idx := map[time.Time]int{}
	var out []dayBatch
	for _, rec := range records {
		day := calendar.Truncate(fallback)
		if !rec.PublishedAt.IsZero() {
			day = calendar.Truncate(rec.PublishedAt)
		}
		i, ok := idx[day]
		if !ok {
			i = len(out)
			idx[day] = i
			out = append(out, dayBatch{date: day})
		}
		out[i].records = append(out[i].records, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].date.Before(out[b].date) })
	return out
}

// uniqueByURL keeps the first record per URL.
func uniqueByURL(records []crawler.Record) []crawler.Record {
	seen := make(map[string]struct{}, len(records))
	out := records[:0:0]
	for _, rec := range records {
		if _, dup := seen[rec.Key()]; dup {
			continue
		}
		seen[rec.Key()] = struct{}{}
		out = append(out, rec)
	}
	return out
}

func sortedSites(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ErrInvalidRange is returned by ParseRange for malformed input.
var ErrInvalidRange = errors.New("invalid date range")

// ParseRange parses start and end dates in YYYYMMDD or YYYY-MM-DD form.
func ParseRange(start, end string) (time.Time, time.Time, error) {
	s, err := calendar.ParseDate(start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	e, err := calendar.ParseDate(end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	if s.After(e) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange, start, end)
	}
	return s, e, nil
}
