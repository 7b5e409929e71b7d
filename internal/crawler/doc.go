// Package crawler holds the domain types, interfaces and error taxonomy shared by
// the link frontier, fetch pipeline, extractor, aggregation engine and sink
// dispatcher.
package crawler
