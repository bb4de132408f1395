package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchLogger is the small logging surface the watcher needs.
type WatchLogger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Watcher re-reads the seed file when it changes and hands the parsed
// result to the apply callback. A parse failure keeps the previous state.
type Watcher struct {
	path    string
	log     WatchLogger
	onApply func(*Seed) error
}

// NewWatcher creates a seed-file watcher. onApply runs on the watcher
// goroutine; it must be safe to call repeatedly with equivalent content.
func NewWatcher(path string, log WatchLogger, onApply func(*Seed) error) *Watcher {
	return &Watcher{path: path, log: log, onApply: onApply}
}

// Run watches until ctx is cancelled. The parent directory is watched
// rather than the file itself so atomic saves (write + rename) are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	// Debounce timer; editors fire several events per save.
	var pending <-chan time.Time
	base := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("seed watcher error", "error", err)
		case <-pending:
			pending = nil
			seed, err := LoadSeed(w.path)
			if err != nil {
				w.log.Warn("seed reload skipped", "path", w.path, "error", err)
				continue
			}
			if err := w.onApply(seed); err != nil {
				w.log.Warn("seed apply failed", "path", w.path, "error", err)
				continue
			}
			w.log.Info("seed configuration reloaded", "path", w.path)
		}
	}
}
