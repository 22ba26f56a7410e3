package collector

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/models"
)

// renamePairWindow is how long a rename-away waits for the matching
// rename-to before being reported as a deletion.
const renamePairWindow = 150 * time.Millisecond

// FS watches the configured paths recursively and publishes file.created,
// file.modified, file.deleted, and file.renamed events. Directories created
// under a watched path are picked up automatically. Ignore globs filter both
// the watch set and the emitted events.
type FS struct {
	cfg  *config.FilesystemSettings
	sink Sink
	log  *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	// pending rename-away paths awaiting their rename-to counterpart, in
	// arrival order so pairing is oldest-first.
	renames []*pendingRename
}

type pendingRename struct {
	path  string
	timer *time.Timer
}

// NewFS creates the filesystem collector.
func NewFS(cfg *config.FilesystemSettings, sink Sink) *FS {
	return &FS{
		cfg:  cfg,
		sink: sink,
		log:  slog.Default().With("collector", "fs"),
	}
}

// Name implements Collector.
func (f *FS) Name() string { return "fs" }

// Run implements Collector. Blocks until the context ends or the underlying
// watcher fails.
func (f *FS) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	f.mu.Lock()
	f.watcher = watcher
	f.mu.Unlock()

	watched := 0
	for _, root := range f.cfg.WatchPaths {
		n, err := f.watchTree(root)
		if err != nil {
			return fmt.Errorf("watching %s: %w", root, err)
		}
		watched += n
	}
	f.log.Info("Filesystem watcher started",
		"roots", f.cfg.WatchPaths,
		"directories", watched,
		"debounce", f.cfg.Debounce)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			f.log.Warn("Watcher error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			f.handle(ev)
		}
	}
}

// watchTree adds the root and every non-ignored subdirectory to the watcher.
func (f *FS) watchTree(root string) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			f.log.Debug("Skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && f.ignored(path) {
			return filepath.SkipDir
		}
		if err := f.watcher.Add(path); err != nil {
			return fmt.Errorf("adding watch on %s: %w", path, err)
		}
		count++
		return nil
	})
	return count, err
}

// ignored matches a path against the ignore globs. A glob matches the path
// itself or any of its ancestors, so ".git" excludes everything below it.
func (f *FS) ignored(path string) bool {
	rel := filepath.ToSlash(path)
	for _, pattern := range f.cfg.IgnorePaths {
		// A bare directory pattern implies its whole subtree; a subtree
		// pattern also covers the directory itself.
		base := strings.TrimSuffix(strings.TrimPrefix(pattern, "**/"), "/**")
		for _, candidate := range []string{base, "**/" + base, base + "/**", "**/" + base + "/**"} {
			if ok, _ := doublestar.Match(candidate, rel); ok {
				return true
			}
		}
	}
	return false
}

func (f *FS) handle(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if f.ignored(path) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if _, err := f.watchTree(path); err != nil {
				f.log.Warn("Could not watch new directory", "path", path, "error", err)
			}
		}
		if old, ok := f.takeRename(); ok {
			f.publish(models.EventFileRenamed, path, map[string]any{"old_path": old})
			return
		}
		f.publish(models.EventFileCreated, path, nil)

	case ev.Has(fsnotify.Write):
		f.publish(models.EventFileModified, path, nil)

	case ev.Has(fsnotify.Remove):
		f.publish(models.EventFileDeleted, path, nil)

	case ev.Has(fsnotify.Rename):
		// The rename-to arrives as a separate Create; hold this path
		// briefly so the pair collapses into one file.renamed event.
		f.stashRename(path)
	}
}

// stashRename parks a rename-away path; if no Create claims it inside the
// pairing window it degrades to a deletion.
func (f *FS) stashRename(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeRenameLocked(path)
	pending := &pendingRename{path: path}
	pending.timer = time.AfterFunc(renamePairWindow, func() {
		f.mu.Lock()
		live := false
		for i, p := range f.renames {
			if p == pending {
				f.renames = append(f.renames[:i], f.renames[i+1:]...)
				live = true
				break
			}
		}
		f.mu.Unlock()
		if live {
			f.publish(models.EventFileDeleted, path, nil)
		}
	})
	f.renames = append(f.renames, pending)
}

// takeRename claims the oldest pending rename-away path, if any.
func (f *FS) takeRename() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.renames) == 0 {
		return "", false
	}
	oldest := f.renames[0]
	oldest.timer.Stop()
	f.renames = f.renames[1:]
	return oldest.path, true
}

// removeRenameLocked drops a parked path, stopping its timer. Reports
// whether the path was still pending. Caller holds the lock.
func (f *FS) removeRenameLocked(path string) bool {
	for i, pending := range f.renames {
		if pending.path == path {
			pending.timer.Stop()
			f.renames = append(f.renames[:i], f.renames[i+1:]...)
			return true
		}
	}
	return false
}

func (f *FS) publish(eventType, path string, extra map[string]any) {
	payload := map[string]any{"path": path}
	for k, v := range extra {
		payload[k] = v
	}
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
		payload["extension"] = ext
	}

	event := models.NewEvent(eventType, "fs", payload)
	event.Meta.Debounce = f.cfg.Debounce
	f.sink.Publish(event)
}
