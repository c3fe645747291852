package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"archcanvas/llmservice/internal/log"
)

// Watcher reloads the YAML configuration file when it changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
}

// NewWatcher creates a Watcher for the given config file.
func NewWatcher(path string) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher: empty path")
	}
	fsnWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{watcher: fsnWatcher, path: filepath.Clean(path), debounce: 200 * time.Millisecond}, nil
}

// Start watches the file's directory, since editors and secret mounts replace files
// by rename. Each settled change is reloaded with LoadConfigFrom; a valid result is
// passed to onReload, an invalid one is logged and ignored. Start returns once the
// watch is registered; the loop stops when ctx is done.
func (w *Watcher) Start(ctx context.Context, onReload func(*Config)) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.watcher.Close()
		return err
	}

	log.InfoLogger.Printf("👀 Watching config file: %s", w.path)

	go func() {
		defer w.watcher.Close()

		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				log.DebugLogger.Printf("Config event: %s %s", event.Name, event.Op)
				pending = time.After(w.debounce)
			case <-pending:
				pending = nil
				cfg, err := LoadConfigFrom(w.path)
				if err != nil {
					log.ErrorLogger.Printf("Config reload rejected: %v", err)
					continue
				}
				log.InfoLogger.Printf("🔄 Config reloaded from %s", w.path)
				onReload(cfg)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				log.ErrorLogger.Printf("🔥 Config watcher error: %v", err)
			}
		}
	}()

	return nil
}
