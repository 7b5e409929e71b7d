// Package local implements the on-disk store behind aggregation buckets and
// flat-file sinks.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultLockStaleAfter is how old a lock file may get before it is presumed abandoned.
const DefaultLockStaleAfter = 2 * time.Minute

const lockPollInterval = 20 * time.Millisecond

// Config captures the parameters for the local filesystem store.
type Config struct {
	// BaseDir is the root directory where files will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// LockStaleAfter bounds how long a crashed writer can block others.
	LockStaleAfter time.Duration `mapstructure:"lock_stale_after" yaml:"lock_stale_after"`
}

// Store reads and writes files below a base directory. Writes are atomic
// (temp file + rename) and Lock serializes writers per key, both within the
// process and across processes sharing the directory.
type Store struct {
	baseDir    string
	staleAfter time.Duration
	locks      sync.Map // key -> *sync.Mutex
}

// New creates a new local filesystem-backed store.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	stale := cfg.LockStaleAfter
	if stale <= 0 {
		stale = DefaultLockStaleAfter
	}
	return &Store{baseDir: cfg.BaseDir, staleAfter: stale}, nil
}

// BaseDir returns the root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Path joins rel onto the base directory and rejects traversal outside it.
func (s *Store) Path(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Join(s.baseDir, rel)
	cleanBaseDir := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

// ReadFile reads rel. A missing file returns an error satisfying errors.Is(err, fs.ErrNotExist).
func (s *Store) ReadFile(rel string) ([]byte, error) {
	fullPath, err := s.Path(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath) // #nosec G304 -- path is confined to baseDir.
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// WriteFile atomically replaces rel with data and returns the full path.
func (s *Store) WriteFile(rel string, data []byte) (string, error) {
	fullPath, err := s.Path(rel)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		cleanup()
		return "", fmt.Errorf("rename into place: %w", err)
	}
	return fullPath, nil
}

// Remove deletes rel. A missing file is not an error.
func (s *Store) Remove(rel string) error {
	fullPath, err := s.Path(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", rel, err)
	}
	return nil
}

// List returns the entries of directory rel. A missing directory is empty, not an error.
func (s *Store) List(rel string) ([]fs.DirEntry, error) {
	dir := s.baseDir
	if rel != "" && rel != "." {
		p, err := s.Path(rel)
		if err != nil {
			return nil, err
		}
		dir = p
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rel, err)
	}
	return entries, nil
}

// Lock acquires the writer lock for key, blocking until it is free or ctx
// ends. The returned function releases it.
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	lockPath, err := s.Path(key + ".lock")
	if err != nil {
		return nil, err
	}
	v, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()

	if err := s.acquireFileLock(ctx, lockPath); err != nil {
		mu.Unlock()
		return nil, err
	}
	return func() {
		_ = os.Remove(lockPath)
		mu.Unlock()
	}, nil
}

func (s *Store) acquireFileLock(ctx context.Context, lockPath string) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 -- confined to baseDir.
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			_ = f.Close()
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock file: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > s.staleAfter {
			_ = os.Remove(lockPath)
			continue
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for lock %s: %w", filepath.Base(lockPath), ctx.Err())
		case <-time.After(lockPollInterval):
		}
	}
}
