package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchDelay debounces bursts of change events into one reload.
const WatchDelay = 500 * time.Millisecond

// Watch watches source paths and calls onChange after edits settle.
// Directories are watched recursively; only recognized source
// extensions trigger a reload. Watch returns after starting the
// background event loop, which runs until ctx is canceled.
func (l *Loader) Watch(ctx context.Context, paths []string, onChange func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.log.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			if err := watchDirectory(watcher, path); err != nil {
				l.log.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
		} else {
			if err := watcher.Add(path); err != nil {
				l.log.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
			}
		}
	}

	go l.processEvents(ctx, watcher, onChange)

	l.log.Info().Int("paths", len(paths)).Msg("Started watching state sources")
	return nil
}

// watchDirectory adds a directory tree to the watcher. fsnotify watches
// are per-directory so only directories need adding.
func watchDirectory(watcher *fsnotify.Watcher, dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, onChange func() error) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !isSourceFile(event.Name) {
				// New subdirectories join the watch so files created
				// in them later are still seen.
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
					}
				}
				continue
			}

			l.log.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("State source changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(WatchDelay, func() {
				if err := onChange(); err != nil {
					l.log.Error().Err(err).Msg("Failed to reload state sources")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.log.Error().Err(err).Msg("Watcher error")
		}
	}
}

func isSourceFile(path string) bool {
	for _, ext := range Exts {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
