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

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 100 * time.Millisecond

// Watch reloads the policy file at path whenever it changes and passes each
// successfully parsed policy to onReload. A file that fails to parse is
// logged and ignored, leaving the previous policy in force. Watch blocks
// until ctx is cancelled.
//
// The parent directory is watched rather than the file so that
// rename-into-place saves are seen.
func Watch(ctx context.Context, path string, debounce time.Duration, onReload func(*Policy)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := slog.Default().With("component", "config")

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch policy: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch policy %q: %w", path, err)
	}
	logger.Info("policy watcher started", "path", abs)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		p, err := LoadPolicy(abs)
		if err != nil {
			logger.Error("policy reload failed", "path", abs, "error", err)
			return
		}
		logger.Info("policy reloaded", "path", abs, "version", p.Version)
		onReload(p)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Error("policy watcher error", "error", err)
		}
	}
}
