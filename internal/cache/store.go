// SPDX-License-Identifier: MIT

// Package cache provides durable, size-bounded local storage of remote video
// files, addressed by URL. Downloads are coalesced so that concurrent requests
// for the same URL share one fetch, and least-recently-used entries are
// evicted once the configured byte budget is exceeded.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/kioskly/playerd/internal/fsutil"
	"github.com/kioskly/playerd/internal/log"
	"github.com/kioskly/playerd/internal/metrics"
)

// DefaultHTTPTimeout bounds a single video download.
const DefaultHTTPTimeout = 5 * time.Minute

// Config captures the tunables of a Store.
type Config struct {
	// Dir is the cache directory. Created on Init if absent.
	Dir string

	// BudgetBytes is the eviction threshold for the sum of all entry sizes.
	BudgetBytes int64

	// HTTPClient is optional; a client with DefaultHTTPTimeout is used when nil.
	HTTPClient *http.Client

	// Now is optional; overridden in tests for deterministic LRU ordering.
	Now func() time.Time
}

// Store is the on-disk video cache. All exported methods are safe for
// concurrent use.
type Store struct {
	dir    string
	budget int64
	httpc  *http.Client
	now    func() time.Time
	logger zerolog.Logger

	sf singleflight.Group

	mu      sync.Mutex
	entries []Entry // manifest order, preserved for eviction tie-breaks
	byURL   map[string]int
	total   int64
	inited  bool
}

// New creates a Store. Call Init before first use.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache dir must not be empty")
	}
	if cfg.BudgetBytes <= 0 {
		return nil, fmt.Errorf("cache budget must be positive, got %d", cfg.BudgetBytes)
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		dir:    cfg.Dir,
		budget: cfg.BudgetBytes,
		httpc:  httpc,
		now:    now,
		logger: logger,
		byURL:  make(map[string]int),
	}, nil
}

// Init ensures the cache directory exists and loads the persisted manifest.
// Idempotent. Manifest corruption is non-fatal: the cache rebuilds from scratch.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inited {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	// The manifest lives on disk and could have been edited; entries whose
	// filename would escape the cache directory are dropped, not trusted.
	m := loadManifest(s.manifestPath())
	s.entries = s.entries[:0]
	s.byURL = make(map[string]int, len(m.Entries))
	s.total = 0
	for _, e := range m.Entries {
		if _, err := fsutil.ConfineRelPath(s.dir, e.Filename); err != nil {
			s.logger.Warn().Err(err).Str("file", e.Filename).Msg("rejecting manifest entry")
			continue
		}
		s.entries = append(s.entries, e)
		s.byURL[e.URL] = len(s.entries) - 1
		s.total += e.Size
	}
	s.inited = true
	metrics.CacheSizeBytes.Set(float64(s.total))

	s.logger.Info().
		Int("entries", len(s.entries)).
		Int64("total_bytes", s.total).
		Int64("budget_bytes", s.budget).
		Msg("cache initialised")
	return nil
}

// CachedPath returns the local path for url if an entry exists and its file is
// still present on disk. A hit refreshes the entry's access time. If the
// backing file was deleted out-of-band, the stale entry is dropped and the
// lookup misses.
func (s *Store) CachedPath(ctx context.Context, rawURL string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedPathLocked(ctx, rawURL)
}

func (s *Store) cachedPathLocked(ctx context.Context, rawURL string) (string, bool) {
	idx, ok := s.byURL[rawURL]
	if !ok {
		metrics.CacheLookupTotal.WithLabelValues("miss").Inc()
		return "", false
	}

	p := filepath.Join(s.dir, s.entries[idx].Filename)
	if err := fsutil.IsRegularFile(p); err != nil {
		// Self-healing: the file went away underneath us.
		s.logger.Warn().
			Str("url", rawURL).
			Str("file", s.entries[idx].Filename).
			Msg("cached file missing on disk, dropping entry")
		s.removeEntryLocked(idx, false)
		s.persistLocked(ctx)
		metrics.CacheLookupTotal.WithLabelValues("stale").Inc()
		return "", false
	}

	s.entries[idx].AccessedAt = s.now()
	s.persistLocked(ctx)
	metrics.CacheLookupTotal.WithLabelValues("hit").Inc()
	return p, true
}

// Prefetch returns the local path for url, downloading it first if necessary.
// Concurrent callers for the same URL share a single download. Any failure
// (network, non-2xx status, disk I/O) cleans up partial files and returns an
// error; callers treat that as "not cached" and keep playing from the remote.
func (s *Store) Prefetch(ctx context.Context, rawURL string) (string, error) {
	if p, ok := s.CachedPath(ctx, rawURL); ok {
		return p, nil
	}

	v, err, _ := s.sf.Do(rawURL, func() (any, error) {
		// A caller that queued behind a completed download finds the entry
		// already present.
		s.mu.Lock()
		if p, ok := s.cachedPathLocked(ctx, rawURL); ok {
			s.mu.Unlock()
			return p, nil
		}
		s.mu.Unlock()
		return s.download(ctx, rawURL)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// download fetches rawURL to disk and records it in the manifest.
func (s *Store) download(ctx context.Context, rawURL string) (string, error) {
	start := s.now()
	name := filenameFor(rawURL)
	finalPath := filepath.Join(s.dir, name)
	partPath := finalPath + ".part"

	size, err := s.fetchToFile(ctx, rawURL, partPath)
	if err != nil {
		if rmErr := os.Remove(partPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn().Err(rmErr).Str("file", partPath).Msg("failed to remove partial download")
		}
		metrics.ObserveDownload(false, 0)
		return "", err
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		_ = os.Remove(partPath)
		metrics.ObserveDownload(false, 0)
		return "", fmt.Errorf("finalise download: %w", err)
	}

	s.mu.Lock()
	s.entries = append(s.entries, Entry{
		URL:        rawURL,
		Filename:   name,
		Size:       size,
		AccessedAt: s.now(),
	})
	s.byURL[rawURL] = len(s.entries) - 1
	s.total += size
	s.evictLocked()
	s.persistLocked(ctx)
	s.mu.Unlock()

	metrics.ObserveDownload(true, s.now().Sub(start))
	ctxLogger := log.FromContext(ctx, s.logger)
	ctxLogger.Info().
		Str("url", rawURL).
		Int64("bytes", size).
		Msg("video cached")
	return finalPath, nil
}

func (s *Store) fetchToFile(ctx context.Context, rawURL, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download video: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close download body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("download video: unexpected status %d", resp.StatusCode)
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304 -- dest is confined to the cache dir
	if err != nil {
		return 0, fmt.Errorf("create download file: %w", err)
	}

	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return 0, fmt.Errorf("write download file: %w", copyErr)
	}
	if closeErr != nil {
		return 0, fmt.Errorf("close download file: %w", closeErr)
	}
	return n, nil
}

// evictLocked removes least-recently-used entries until the total is under
// budget. AccessedAt ties break by manifest order (oldest insertion first).
// Caller holds s.mu.
func (s *Store) evictLocked() {
	for s.total > s.budget && len(s.entries) > 0 {
		oldest := 0
		for i := 1; i < len(s.entries); i++ {
			if s.entries[i].AccessedAt.Before(s.entries[oldest].AccessedAt) {
				oldest = i
			}
		}
		victim := s.entries[oldest]
		s.logger.Info().
			Str("url", victim.URL).
			Int64("bytes", victim.Size).
			Time("accessed_at", victim.AccessedAt).
			Msg("evicting cached video")
		s.removeEntryLocked(oldest, true)
		metrics.CacheEvictedBytes.Add(float64(victim.Size))
	}
}

// removeEntryLocked drops entries[idx] and optionally its backing file,
// keeping byURL indexes and the running total consistent. Caller holds s.mu.
func (s *Store) removeEntryLocked(idx int, deleteFile bool) {
	e := s.entries[idx]
	if deleteFile {
		if err := os.Remove(filepath.Join(s.dir, e.Filename)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("file", e.Filename).Msg("failed to delete cached file")
		}
	}
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	delete(s.byURL, e.URL)
	for i := idx; i < len(s.entries); i++ {
		s.byURL[s.entries[i].URL] = i
	}
	s.total -= e.Size
}

// persistLocked rewrites the manifest. Best-effort: a failed persist leaves
// the in-memory state authoritative for this process lifetime, and every
// cached file can be re-downloaded after a crash. Caller holds s.mu.
func (s *Store) persistLocked(ctx context.Context) {
	_ = ctx
	if err := saveManifest(s.manifestPath(), manifest{Entries: s.entries}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist cache manifest")
	}
	metrics.CacheSizeBytes.Set(float64(s.total))
}

// ClearAll deletes the entire cache directory, recreates it empty and resets
// the manifest. Used for the operator-triggered cache wipe.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove cache directory: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("recreate cache directory: %w", err)
	}
	s.entries = nil
	s.byURL = make(map[string]int)
	s.total = 0
	s.persistLocked(context.Background())
	s.logger.Info().Msg("cache cleared")
	return nil
}

// Size returns the sum of all entry sizes.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Len returns the number of manifest entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Invalidate drops the manifest entry for rawURL without touching its file.
// Used by the directory watcher when a cached file disappears out-of-band.
func (s *Store) Invalidate(rawURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byURL[rawURL]
	if !ok {
		return
	}
	s.removeEntryLocked(idx, false)
	s.persistLocked(context.Background())
}

// urlByFilename resolves a cache filename back to its URL, for the watcher.
func (s *Store) urlByFilename(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.Filename == name {
			return e.URL, true
		}
	}
	return "", false
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.dir, manifestName)
}

// filenameFor derives a deterministic, collision-resistant cache filename
// from the URL, preserving the extension so the playback surface can sniff
// the container format.
func filenameFor(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	name := hex.EncodeToString(sum[:])
	if u, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 8 {
			name += ext
		}
	}
	return name
}
