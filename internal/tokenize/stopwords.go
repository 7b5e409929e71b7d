package tokenize

import (
	"bufio"
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

//go:embed stopwords.txt
var defaultStopWords []byte

var (
	stopOnce  sync.Once
	stopWords map[string]struct{}
)

// StopWords returns the process-wide stop-word set, loading it from path on
// first use. An empty path selects the built-in list. A missing or unreadable
// file is logged and yields an empty set; later calls never reload.
func StopWords(path string, logger *zap.Logger) map[string]struct{} {
	stopOnce.Do(func() {
		set, err := LoadStopWords(path)
		if err != nil {
			if logger != nil {
				logger.Error("stop words unavailable", zap.String("path", path), zap.Error(err))
			}
			set = map[string]struct{}{}
		}
		stopWords = set
	})
	return stopWords
}

// LoadStopWords reads one word per line. Blank lines are ignored.
func LoadStopWords(path string) (map[string]struct{}, error) {
	if path == "" {
		return parseStopWords(bytes.NewReader(defaultStopWords))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stop words: %w", err)
	}
	defer func() { _ = f.Close() }()
	return parseStopWords(f)
}

func parseStopWords(r io.Reader) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if w := strings.TrimSpace(scanner.Text()); w != "" {
			set[w] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stop words: %w", err)
	}
	return set, nil
}
