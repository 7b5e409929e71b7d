// Package aggregate folds record tokens into daily frequency buckets and rolls
// them up into weekly, monthly and yearly buckets.
//
// Layout below the store root:
//
//	<site>/daily/<YYYYMMDD>.json                       all sources
//	<site>/<interval>/<label>.json                      all-sources roll-up
//	<site>/publishers/<publisher>/daily/<YYYYMMDD>.json
//	<site>/publishers/<publisher>/<interval>/<label>.json
//	<site>/ledger/<YYYYMMDD>.json                       URLs already folded
package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-trend-crawler/internal/calendar"
	"github.com/JakeFAU/keyword-trend-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-trend-crawler/internal/metrics"
)

const (
	publishersDir = "publishers"
	ledgerDir     = "ledger"
	bucketExt     = ".json"
)

// Store is the file layer the engine persists through.
type Store interface {
	ReadFile(rel string) ([]byte, error)
	WriteFile(rel string, data []byte) (string, error)
	Remove(rel string) error
	List(rel string) ([]fs.DirEntry, error)
	Lock(ctx context.Context, key string) (func(), error)
	Path(rel string) (string, error)
}

// GroupRef identifies one bucket series: a site and either a primary
// publisher or the all-sources group.
type GroupRef struct {
	Site  string
	Group string
	// Publisher is set for publisher groups and empty for all sources.
	Publisher string
}

// Config controls grouping.
type Config struct {
	// PrimaryPublishers get their own bucket series in addition to all sources.
	PrimaryPublishers []string
}

// Engine owns the bucket files.
type Engine struct {
	store   Store
	primary map[string]struct{}
	logger  *zap.Logger
}

// New builds an Engine over store.
func New(store Store, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	primary := make(map[string]struct{}, len(cfg.PrimaryPublishers))
	for _, p := range cfg.PrimaryPublishers {
		if p = strings.TrimSpace(p); p != "" {
			primary[p] = struct{}{}
		}
	}
	return &Engine{store: store, primary: primary, logger: logger.Named("aggregate")}
}

// FoldDaily adds the token counts of records to the daily buckets for date
// and returns the counts it added per group. Records whose URL was already
// folded for (site, date), or repeats within the batch, are ignored, so
// re-ingesting a day is a no-op. Each record contributes each of its tokens
// once.
func (e *Engine) FoldDaily(ctx context.Context, records []crawler.Record, date time.Time) (map[GroupRef]crawler.Counts, error) {
	dayKey := calendar.DayKey(date)

	bySite := make(map[string][]crawler.Record)
	for _, r := range records {
		site := segment(r.Site)
		bySite[site] = append(bySite[site], r)
	}

	out := make(map[GroupRef]crawler.Counts)
	var errs []error
	for _, site := range sortedKeys(bySite) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		added, err := e.foldSite(ctx, site, dayKey, bySite[site])
		for ref, counts := range added {
			out[ref] = counts
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

func (e *Engine) foldSite(ctx context.Context, site, dayKey string, records []crawler.Record) (map[GroupRef]crawler.Counts, error) {
	ledgerPath := path.Join(site, ledgerDir, dayKey+bucketExt)
	unlock, err := e.store.Lock(ctx, path.Join(site, ledgerDir, dayKey))
	if err != nil {
		return nil, &crawler.StorageError{Sink: "aggregate", Op: "lock", Err: err}
	}
	defer unlock()

	seen, err := e.readLedger(ledgerPath)
	if err != nil {
		return nil, err
	}

	groups := make(map[GroupRef]crawler.Counts)
	var fresh []string
	for _, r := range records {
		key := r.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, key)

		tokens := crawler.NewTokenSet(r.Tokens)
		refs := []GroupRef{{Site: site, Group: dayKey}}
		if _, ok := e.primary[strings.TrimSpace(r.Publisher)]; ok {
			pub := segment(r.Publisher)
			refs = append(refs, GroupRef{Site: site, Group: pub, Publisher: pub})
		}
		for _, ref := range refs {
			counts, ok := groups[ref]
			if !ok {
				counts = crawler.Counts{}
				groups[ref] = counts
			}
			for _, tok := range tokens {
				counts[tok]++
			}
		}
	}
	if len(fresh) == 0 {
		e.logger.Debug("nothing new to fold", zap.String("site", site), zap.String("date", dayKey))
		return groups, nil
	}

	rollback, err := e.mergeDaily(groups, dayKey)
	if err != nil {
		return nil, err
	}

	all := make([]string, 0, len(seen))
	for k := range seen {
		all = append(all, k)
	}
	sort.Strings(all)
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		rollback()
		return nil, fmt.Errorf("encode ledger: %w", err)
	}
	if _, err := e.store.WriteFile(ledgerPath, append(data, '\n')); err != nil {
		rollback()
		return nil, &crawler.StorageError{Sink: "aggregate", Op: "write ledger", Err: err}
	}

	e.logger.Info("daily buckets folded",
		zap.String("site", site),
		zap.String("date", dayKey),
		zap.Int("records", len(fresh)),
		zap.Int("groups", len(groups)))
	return groups, nil
}

// mergeDaily adds groups onto their daily buckets. If any write fails the
// buckets already rewritten are restored, so a failed fold leaves no counts
// behind for URLs the ledger does not list. The returned rollback undoes a
// successful merge.
func (e *Engine) mergeDaily(groups map[GroupRef]crawler.Counts, dayKey string) (rollback func(), err error) {
	type change struct {
		rel     string
		before  crawler.Counts
		existed bool
		after   crawler.Counts
	}
	changes := make([]change, 0, len(groups))
	for ref, counts := range groups {
		rel := bucketPath(ref, calendar.Daily, dayKey)
		before, existed, err := e.readBucketIfExists(rel)
		if err != nil {
			return nil, fmt.Errorf("fold %s: %w", rel, err)
		}
		after := crawler.Counts{}
		after.Add(before)
		after.Add(counts)
		changes = append(changes, change{rel: rel, before: before, existed: existed, after: after})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].rel < changes[j].rel })

	undo := func(n int) {
		for _, done := range changes[:n] {
			e.restore(done.rel, done.before, done.existed)
		}
	}
	for i, c := range changes {
		if _, err := e.writeBucket(c.rel, c.after, calendar.Daily); err != nil {
			undo(i)
			return nil, err
		}
	}
	return func() { undo(len(changes)) }, nil
}

func (e *Engine) restore(rel string, before crawler.Counts, existed bool) {
	var err error
	if existed {
		_, err = e.writeBucket(rel, before, calendar.Daily)
	} else {
		err = e.store.Remove(rel)
	}
	if err != nil {
		e.logger.Error("bucket restore failed, counts may be folded twice",
			zap.String("bucket", rel),
			zap.Error(err))
	}
}

// RollUp partitions [start, end] by interval and writes one bucket per
// sub-range and group, summed from the daily buckets inside it. Output depends
// only on the daily files, so repeated runs produce identical bytes. Malformed
// daily files are logged and skipped. Sub-ranges without daily data are not
// written. Returns the paths written.
//
// Weekly sub-ranges are 7-day windows counted from start and labelled by the
// ISO week of their first day. Callers wanting Monday-to-Sunday buckets pass a
// range widened with calendar.Align; an unaligned weekly range is logged.
func (e *Engine) RollUp(ctx context.Context, site string, interval calendar.Interval, start, end time.Time) ([]string, error) {
	if interval == calendar.Daily {
		return nil, fmt.Errorf("roll up: interval must be coarser than daily")
	}
	ranges, err := calendar.Partition(start, end, interval)
	if err != nil {
		return nil, fmt.Errorf("roll up: %w", err)
	}
	site = segment(site)
	if aligned := calendar.Align(start, end, interval); interval == calendar.Weekly &&
		(!aligned.Start.Equal(calendar.Truncate(start)) || !aligned.End.Equal(calendar.Truncate(end))) {
		e.logger.Warn("weekly range is not aligned to ISO weeks",
			zap.String("site", site),
			zap.Stringer("range", calendar.Range{Start: start, End: end}),
			zap.Stringer("aligned", aligned))
	}

	refs, err := e.groups(site)
	if err != nil {
		return nil, err
	}

	var (
		written []string
		errs    []error
	)
	for _, ref := range refs {
		days, err := e.dailyFiles(ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, r := range ranges {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			label := calendar.Label(r.Start, interval)
			total, n := e.sum(ref, days, r)
			if n == 0 {
				continue
			}
			rel := bucketPath(ref, interval, label)
			p, err := e.writeLocked(ctx, rel, total, interval)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			written = append(written, p)
		}
	}
	e.logger.Info("roll-up complete",
		zap.String("site", site),
		zap.String("interval", string(interval)),
		zap.Stringer("range", calendar.Range{Start: start, End: end}),
		zap.Int("buckets", len(written)))
	return written, errors.Join(errs...)
}

// Sites lists the site directories that hold buckets.
func (e *Engine) Sites(_ context.Context) ([]string, error) {
	entries, err := e.store.List("")
	if err != nil {
		return nil, &crawler.StorageError{Sink: "aggregate", Op: "list sites", Err: err}
	}
	var sites []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			sites = append(sites, entry.Name())
		}
	}
	sort.Strings(sites)
	return sites, nil
}

// BucketFile returns the full path of a group's bucket for label.
func (e *Engine) BucketFile(ref GroupRef, interval calendar.Interval, label string) (string, error) {
	p, err := e.store.Path(bucketPath(ref, interval, label))
	if err != nil {
		return "", fmt.Errorf("bucket path: %w", err)
	}
	return p, nil
}

// ReadBucket loads a bucket by its path relative to the store root.
func (e *Engine) ReadBucket(rel string) (crawler.Counts, error) {
	return e.readBucket(rel)
}

func (e *Engine) groups(site string) ([]GroupRef, error) {
	refs := []GroupRef{{Site: site}}
	entries, err := e.store.List(path.Join(site, publishersDir))
	if err != nil {
		return nil, &crawler.StorageError{Sink: "aggregate", Op: "list publishers", Err: err}
	}
	for _, entry := range entries {
		if entry.IsDir() {
			refs = append(refs, GroupRef{Site: site, Group: entry.Name(), Publisher: entry.Name()})
		}
	}
	return refs, nil
}

// dailyFiles maps each parseable day to its bucket path.
func (e *Engine) dailyFiles(ref GroupRef) (map[time.Time]string, error) {
	dir := path.Join(groupDir(ref), string(calendar.Daily))
	entries, err := e.store.List(dir)
	if err != nil {
		return nil, &crawler.StorageError{Sink: "aggregate", Op: "list daily", Err: err}
	}
	days := make(map[time.Time]string, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, bucketExt) || strings.HasPrefix(name, ".") {
			continue
		}
		day, err := time.Parse(calendar.DayKeyLayout, strings.TrimSuffix(name, bucketExt))
		if err != nil {
			e.logger.Warn("ignoring daily file with unexpected name",
				zap.String("path", path.Join(dir, name)),
				zap.String("kind", string(crawler.AggregationDataError)))
			continue
		}
		days[day] = path.Join(dir, name)
	}
	return days, nil
}

func (e *Engine) sum(ref GroupRef, days map[time.Time]string, r calendar.Range) (crawler.Counts, int) {
	total := crawler.Counts{}
	used := 0
	for _, day := range calendar.Days(r.Start, r.End) {
		rel, ok := days[day]
		if !ok {
			continue
		}
		counts, err := e.readBucket(rel)
		if err != nil {
			e.logger.Warn("skipping bucket",
				zap.String("site", ref.Site),
				zap.String("path", rel),
				zap.String("kind", string(crawler.KindOf(err))),
				zap.Error(err))
			continue
		}
		total.Add(counts)
		used++
	}
	return total, used
}

func (e *Engine) readLedger(rel string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	data, err := e.store.ReadFile(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return seen, nil
	}
	if err != nil {
		return nil, &crawler.StorageError{Sink: "aggregate", Op: "read ledger", Err: err}
	}
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return nil, &crawler.DataError{Path: rel, Err: err}
	}
	for _, u := range urls {
		seen[u] = struct{}{}
	}
	return seen, nil
}

// readBucket returns an empty bucket when the file does not exist yet.
func (e *Engine) readBucket(rel string) (crawler.Counts, error) {
	counts, _, err := e.readBucketIfExists(rel)
	return counts, err
}

func (e *Engine) readBucketIfExists(rel string) (crawler.Counts, bool, error) {
	data, err := e.store.ReadFile(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return crawler.Counts{}, false, nil
	}
	if err != nil {
		return nil, false, &crawler.StorageError{Sink: "aggregate", Op: "read bucket", Err: err}
	}
	counts := crawler.Counts{}
	if err := json.Unmarshal(data, &counts); err != nil {
		return nil, false, &crawler.DataError{Path: rel, Err: err}
	}
	for token, n := range counts {
		if n < 0 {
			return nil, false, &crawler.DataError{Path: rel, Err: fmt.Errorf("negative count %d for %q", n, token)}
		}
	}
	return counts, true, nil
}

func (e *Engine) writeLocked(ctx context.Context, rel string, counts crawler.Counts, interval calendar.Interval) (string, error) {
	unlock, err := e.store.Lock(ctx, strings.TrimSuffix(rel, bucketExt))
	if err != nil {
		return "", &crawler.StorageError{Sink: "aggregate", Op: "lock", Err: err}
	}
	defer unlock()
	return e.writeBucket(rel, counts, interval)
}

func (e *Engine) writeBucket(rel string, counts crawler.Counts, interval calendar.Interval) (string, error) {
	// Map keys marshal in sorted order, which keeps output byte-stable.
	data, err := json.MarshalIndent(counts, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode bucket: %w", err)
	}
	p, err := e.store.WriteFile(rel, append(data, '\n'))
	if err != nil {
		return "", &crawler.StorageError{Sink: "aggregate", Op: "write bucket", Err: err}
	}
	metrics.ObserveBucket(string(interval))
	return p, nil
}

func groupDir(ref GroupRef) string {
	if ref.Publisher == "" {
		return ref.Site
	}
	return path.Join(ref.Site, publishersDir, ref.Publisher)
}

func bucketPath(ref GroupRef, interval calendar.Interval, label string) string {
	return path.Join(groupDir(ref), string(interval), label+bucketExt)
}

// segment makes a name safe to use as one path element.
func segment(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	name = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(name)
	if strings.HasPrefix(name, ".") {
		name = "_" + name[1:]
	}
	return name
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
