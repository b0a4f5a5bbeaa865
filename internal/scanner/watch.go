package scanner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces bursts of filesystem events (e.g. an editor's
// write-then-rename save) into a single re-scan, mirroring the teacher's
// debounceTime constant in its Git-directory watcher.
const debounceWindow = 150 * time.Millisecond

// Watch is an opt-in companion to the pull-mode Scan/ScanFiles API (§9:
// "a lazy variant is permissible but not required"). It watches root and
// every subdirectory for filesystem events and invokes onChange, debounced,
// for as long as ctx is alive. Watch does not itself call Scan; callers
// typically pass a closure that re-invokes scan_and_process.
func (s *Scanner) Watch(ctx context.Context, root string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := walkAndWatch(watcher, root, s.cfg.IncludeHiddenFiles, s.logger); err != nil {
		return err
	}

	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}
			if debounce == nil {
				debounce = time.AfterFunc(debounceWindow, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				debounce.Reset(debounceWindow)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watch error", "err", err)
		case <-fire:
			onChange()
		}
	}
}

// walkAndWatch adds watches for root and every directory beneath it,
// skipping hidden directories unless the scanner is configured to include
// them, matching the scanner's own hidden-file policy.
func walkAndWatch(watcher *fsnotify.Watcher, root string, includeHidden bool, logger *slog.Logger) error {
	return filepath.Walk(root, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // skip unreadable subtrees rather than aborting the watch
		}
		if !fi.IsDir() {
			return nil
		}
		if !includeHidden && path != root && strings.HasPrefix(fi.Name(), ".") {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			logger.Warn("failed to watch directory", "dir", path, "err", err)
		}
		return nil
	})
}
