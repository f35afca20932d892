package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Holder provides thread-safe access to a mutable *Config. The HTTP layer
// and the mount seeder read through a shared Holder so a file-watch reload
// updates configuration in exactly one place.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial config and file path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{cfg: cfg, path: path}
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path. No lock needed: immutable.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// Watch reloads the config whenever the file changes, calling onReload with
// each valid new snapshot. Invalid edits are logged and skipped; the last
// good config stays active. Blocks until ctx is canceled.
func (h *Holder) Watch(ctx context.Context, logger *slog.Logger, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save,
	// which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		return err
	}

	target := filepath.Clean(h.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != target {
				continue
			}

			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(h.path)
			if err != nil {
				logger.Warn("config reload skipped", slog.Any("error", err))

				continue
			}

			h.Update(cfg)
			logger.Info("config reloaded", slog.String("path", h.path))

			if onReload != nil {
				onReload(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.Warn("config watcher error", slog.Any("error", err))
		}
	}
}
