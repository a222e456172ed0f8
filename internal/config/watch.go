package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// manifestDebounce collapses editor write bursts into one reload.
const manifestDebounce = 200 * time.Millisecond

// WatchManifest calls onChange with the parsed manifest every time the file
// changes, until ctx is cancelled. The parent directory is watched so that
// rename-and-replace saves are seen. Invalid manifests are logged and skipped.
func WatchManifest(ctx context.Context, path string, onChange func([]WorkerSpec)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("manifest watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(manifestDebounce)
				} else {
					timer.Reset(manifestDebounce)
				}
				fire = timer.C
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Manifest: watcher error", "path", abs, "error", werr)
			case <-fire:
				fire = nil
				workers, err := LoadManifest(abs)
				if err != nil {
					slog.Warn("Manifest: reload failed", "path", abs, "error", err)
					continue
				}
				slog.Info("Manifest: reloaded", "path", abs, "workers", len(workers))
				onChange(workers)
			}
		}
	}()
	return nil
}
