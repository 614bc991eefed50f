package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes and hands the new
// config to a callback. The parent directory is watched so editors that
// replace the file by rename are still seen.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	flag     string
	onChange func(*Config)
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	lastHash string
}

// NewWatcher watches the file that Load(flag) reads. current is the config
// already applied; an identical rewrite does not fire onChange.
func NewWatcher(flag string, current *Config, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := Path(flag)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", filepath.Dir(path), err)
	}

	var hash string
	if current != nil {
		hash = current.Hash
	}
	return &Watcher{
		watcher:  w,
		path:     filepath.Clean(path),
		flag:     flag,
		onChange: onChange,
		logger:   logger,
		debounce: defaultDebounce,
		lastHash: hash,
	}, nil
}

// Run watches for changes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	// Wait for writes to settle before reloading.
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(w.debounce, w.reload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.flag)
	if err != nil {
		w.logger.Error("hot-reload failed; keeping previous config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	unchanged := cfg.Hash == w.lastHash
	w.lastHash = cfg.Hash
	w.mu.Unlock()
	if unchanged {
		return
	}

	w.logger.Info("hot-reload: config reloaded", "path", w.path, "hash", cfg.Hash)
	w.onChange(cfg)
}
