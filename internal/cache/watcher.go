// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher drops manifest entries promptly when cached files are deleted
// out-of-band (operator cleanup, another process reclaiming disk). Lookups
// self-heal lazily anyway; the watcher just shortens the window in which the
// manifest over-reports disk usage.
type Watcher struct {
	store *Store
	fsw   *fsnotify.Watcher
}

// NewWatcher starts watching the store's cache directory. The returned
// Watcher runs until ctx is cancelled or Close is called.
func NewWatcher(ctx context.Context, store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create cache watcher: %w", err)
	}
	if err := fsw.Add(store.dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch cache directory: %w", err)
	}

	w := &Watcher{store: store, fsw: fsw}
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	logger := w.store.logger.With().Str("subcomponent", "watcher").Logger()
	for {
		select {
		case <-ctx.Done():
			_ = w.fsw.Close()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			if name == manifestName || strings.HasSuffix(name, ".part") {
				continue
			}
			if url, ok := w.store.urlByFilename(name); ok {
				logger.Info().Str("file", name).Str("url", url).Msg("cached file removed externally")
				w.store.Invalidate(url)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("cache watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
