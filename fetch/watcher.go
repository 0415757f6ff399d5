package fetch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher invalidates cached filesystem fetches when the underlying files
// change, so a re-fetch observes the new content instead of a stale entry.
type Watcher struct {
	fsw        *fsnotify.Watcher
	roots      []string
	invalidate func(path string)
	debounce   time.Duration
	logger     *slog.Logger

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// NewWatcher watches the resolver's literal allowed directories and calls
// invalidate with the canonical path of every changed file. Glob-pattern
// allow-list entries have no single directory to watch and are skipped.
func NewWatcher(resolver *FilesystemResolver, invalidate func(path string), logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		fsw:        fsw,
		roots:      resolver.Roots(),
		invalidate: invalidate,
		debounce:   defaultDebounce,
		logger:     logger,
		pending:    make(map[string]struct{}),
	}, nil
}

// Start adds recursive watches and begins processing events until ctx is
// cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	for _, root := range w.roots {
		if err := w.addWatchesRecursive(root); err != nil {
			w.logger.Warn("failed to watch directory tree", "root", root, "error", err)
		}
	}

	go w.processEvents(ctx)

	w.logger.Info("filesystem watcher started", "roots", w.roots, "debounce", w.debounce)
	return nil
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() error {
	return w.fsw.Close()
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}

		base := filepath.Base(path)
		if strings.HasPrefix(base, ".") && base != "." && path != root {
			return filepath.SkipDir
		}

		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}
	if event.Has(fsnotify.Chmod) {
		return
	}

	w.pendingMu.Lock()
	w.pending[event.Name] = struct{}{}
	w.pendingMu.Unlock()
}

func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toProcess := w.pending
	w.pending = make(map[string]struct{})
	w.pendingMu.Unlock()

	for path := range toProcess {
		// Cache keys are built from canonical paths; a deleted file cannot
		// be canonicalized, so fall back to the event path.
		canonical, err := filepath.EvalSymlinks(path)
		if err != nil {
			canonical = filepath.Clean(path)
		}
		w.invalidate(canonical)
		w.logger.Debug("invalidated changed file", "path", canonical)
	}
}
