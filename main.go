// Package main is the keyword-trend-crawler executable.
//
// Architecture overview:
//   - Discovery: internal/frontier walks the listing root, its category tabs and
//     the dated publisher listings, paging until a page repeats, and yields one
//     crawler.Link per article.
//   - Fetch and extract: internal/worker runs a bounded pool over the links. Each
//     link goes through internal/fetch (listing copy, then the publisher's
//     original article when linked), internal/template picks the site template
//     and internal/extract builds an independent crawler.Record with tokens from
//     internal/tokenize.
//   - Persistence: internal/dispatcher dedupes records per sink and writes them to
//     the enabled sinks (csvfile, elasticsearch, widecolumn, postgres), mirrors
//     written files to GCS and announces finished roll-ups on Pub/Sub.
//   - Aggregation: internal/aggregate folds each day's tokens into daily buckets
//     per site and primary publisher, then derives weekly, monthly and yearly
//     buckets from the daily files alone.
//   - Plumbing: Viper config with CRAWLER_ env overrides, zap logging, Prometheus
//     metrics on /metrics, cobra commands (crawl, rollup, serve).
//
// Run locally: go run . crawl --start 20240901 --end 20240901 --config config.yaml
package main

import (
	"github.com/JakeFAU/keyword-trend-crawler/cmd"
)

func main() {
	cmd.Execute()
}
