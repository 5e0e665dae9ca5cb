package policy

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jingkaihe/fsguard/internal/errx"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads a Store whenever its policy file changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	store    *Store
	path     string
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher watches the directory containing path so that editors which
// replace the file through a rename are noticed too.
func NewWatcher(store *Store, path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errx.Wrap(ErrWatchPolicy, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errx.Wrap(ErrWatchPolicy, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, errx.With(ErrWatchPolicy, ": %s: %w", abs, err)
	}

	return &Watcher{
		watcher:  w,
		store:    store,
		path:     abs,
		debounce: defaultDebounce,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	rules, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("policy reload failed", "path", w.path, "error", err)
		return
	}
	snap, err := w.store.Reload(rules)
	if err != nil {
		w.logger.Error("policy reload rejected", "path", w.path, "error", err)
		return
	}
	w.logger.Info("policy reloaded", "path", w.path, "version", snap.Version(), "rules", snap.Len())
}
