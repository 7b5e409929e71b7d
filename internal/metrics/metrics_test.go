package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"listing root", "https://news.naver.com/main/list.naver?mode=LPOD&oid=032", "news.naver.com"},
		{"mixed case article host", "https://N.News.Naver.com/article/032/0003312345", "n.news.naver.com"},
		{"origin article", "http://www.khan.co.kr/politics/article/1", "www.khan.co.kr"},
		{"no scheme", "m.sports.naver.com/article/1", "m.sports.naver.com"},
		{"host with port", "localhost:8080", "localhost"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := bucketsWrittenTotal
	Init()
	if bucketsWrittenTotal != first || crawlerRecordsTotal == nil || uploadsTotal == nil {
		t.Fatal("Init() must register collectors exactly once")
	}
}

func TestObserveDomainCounters(t *testing.T) {
	ObserveLinks("metrics-test-site", 3)
	ObserveLinks("metrics-test-site", 0)
	if val := testutil.ToFloat64(crawlerLinksDiscoveredTotal.WithLabelValues("metrics-test-site")); val != 3 {
		t.Errorf("expected 3 links, got %f", val)
	}

	ObserveSink("metrics-test-sink", "written", 2)
	ObserveSink("metrics-test-sink", "duplicate", 1)
	if val := testutil.ToFloat64(sinkRecordsTotal.WithLabelValues("metrics-test-sink", "written")); val != 2 {
		t.Errorf("expected 2 written, got %f", val)
	}
	if val := testutil.ToFloat64(sinkRecordsTotal.WithLabelValues("metrics-test-sink", "duplicate")); val != 1 {
		t.Errorf("expected 1 duplicate, got %f", val)
	}

	ObserveCrawl("https://metrics-test.example/a", "ok", 10)
	if val := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("metrics-test.example")); val != 10 {
		t.Errorf("expected 10 bytes, got %f", val)
	}
}

func TestObservePipelineCounters(t *testing.T) {
	ObserveRecord("metrics-test-site", "skipped")
	ObserveRecord("metrics-test-site", "skipped")
	if val := testutil.ToFloat64(crawlerRecordsTotal.WithLabelValues("metrics-test-site", "skipped")); val != 2 {
		t.Errorf("expected 2 skipped records, got %f", val)
	}

	before := testutil.ToFloat64(uploadsTotal.WithLabelValues("retried"))
	ObserveUpload("retried")
	if val := testutil.ToFloat64(uploadsTotal.WithLabelValues("retried")); val != before+1 {
		t.Errorf("expected upload counter to grow by 1, got %f -> %f", before, val)
	}

	weekly := testutil.ToFloat64(bucketsWrittenTotal.WithLabelValues("weekly"))
	ObserveBucket("weekly")
	ObserveBucket("weekly")
	if val := testutil.ToFloat64(bucketsWrittenTotal.WithLabelValues("weekly")); val != weekly+2 {
		t.Errorf("expected 2 more weekly buckets, got %f -> %f", weekly, val)
	}

	workers := testutil.ToFloat64(crawlerActiveWorkers)
	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(crawlerActiveWorkers); val != workers {
		t.Errorf("expected active workers back at %f, got %f", workers, val)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"https://news.naver.com/main/list.naver", "n.news.naver.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
