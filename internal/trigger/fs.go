package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ErrTriggerClosed is returned by Run after Close.
var ErrTriggerClosed = errors.New("trigger closed")

// DefaultIgnore lists paths no task wants to restart on.
var DefaultIgnore = []string{".git", ".hg", ".svn", "*.swp", "*~", ".#*", "4913"}

// FSTrigger restarts one task whenever a file below its watch roots changes.
type FSTrigger struct {
	task   string
	target Restarter
	logger *slog.Logger
	ignore  []string
	exclude []string
	roots   []string

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]bool

	events    atomic.Int64
	restarts  atomic.Int64
	closeOnce sync.Once
	closeCh   chan struct{}
}

// FSOption configures an FSTrigger.
type FSOption func(*FSTrigger)

// WithExcludePaths drops events for the given files and for everything
// below the given directories. It is meant for the task's own output, such
// as log files, which would otherwise restart the task on every line.
func WithExcludePaths(paths ...string) FSOption {
	return func(t *FSTrigger) {
		for _, p := range paths {
			if p == "" {
				continue
			}
			if abs, err := filepath.Abs(p); err == nil {
				t.exclude = append(t.exclude, abs)
			}
		}
	}
}

// NewFSTrigger watches every directory below paths, skipping ignored ones.
// Ignore patterns use filepath.Match syntax and are tested against each
// path component and against the path relative to its watch root.
func NewFSTrigger(task string, paths, ignore []string, target Restarter, logger *slog.Logger, opts ...FSOption) (*FSTrigger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s: no watch paths", task)
	}
	patterns := append(append([]string(nil), DefaultIgnore...), ignore...)
	for _, p := range patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("%s: ignore pattern %q: %w", task, p, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%s: create watcher: %w", task, err)
	}

	t := &FSTrigger{
		task:    task,
		target:  target,
		logger:  logger,
		ignore:  patterns,
		watcher: fsw,
		watched: make(map[string]bool),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("%s: watch path %q: %w", task, p, err)
		}
		t.roots = append(t.roots, abs)
		if err := t.watchRecursive(abs); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("%s: watch path %q: %w", task, p, err)
		}
	}
	return t, nil
}

// watchRecursive adds root and every non-ignored directory below it.
func (t *FSTrigger) watchRecursive(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return t.add(root)
	}

	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			// Vanished or unreadable entries are skipped.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && t.ignored(p) {
			return filepath.SkipDir
		}
		if err := t.add(p); err != nil {
			t.logger.Warn("fs_watch_add_failed", "task", t.task, "path", p, "error", err)
		}
		return nil
	})
}

func (t *FSTrigger) add(p string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.watched[p] {
		return nil
	}
	if err := t.watcher.Add(p); err != nil {
		return err
	}
	t.watched[p] = true
	return nil
}

// ignored reports whether p is excluded or matches an ignore pattern.
func (t *FSTrigger) ignored(p string) bool {
	clean := filepath.Clean(p)
	for _, ex := range t.exclude {
		if clean == ex || strings.HasPrefix(clean, ex+string(filepath.Separator)) {
			return true
		}
	}

	rel := p
	for _, root := range t.roots {
		if r, err := filepath.Rel(root, p); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
			break
		}
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, pattern := range t.ignore {
		if ok, _ := filepath.Match(pattern, filepath.ToSlash(rel)); ok {
			return true
		}
		for _, part := range parts {
			if ok, _ := filepath.Match(pattern, part); ok {
				return true
			}
		}
	}
	return false
}

// Run forwards file changes to the task until ctx is done or Close is
// called. Bursts of events collapse into one Restart while a Restart is
// still in progress; the supervisor's debounce handles the rest.
func (t *FSTrigger) Run(ctx context.Context) error {
	k := newKicker()
	stop := make(chan struct{})
	go k.run(stop, t.fire)
	defer func() {
		close(stop)
		<-k.done
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.closeCh:
			return ErrTriggerClosed
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return ErrTriggerClosed
			}
			if t.handle(ev) {
				k.kick()
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return ErrTriggerClosed
			}
			t.logger.Warn("fs_watch_error", "task", t.task, "error", err)
		}
	}
}

// handle filters one event and reports whether it should restart the task.
func (t *FSTrigger) handle(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	if t.ignored(ev.Name) {
		return false
	}
	t.events.Add(1)

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := t.watchRecursive(ev.Name); err != nil {
				t.logger.Debug("fs_watch_new_dir_failed", "task", t.task, "path", ev.Name, "error", err)
			}
		}
	}

	t.logger.Debug("fs_change", "task", t.task, "path", ev.Name, "op", ev.Op.String())
	return true
}

func (t *FSTrigger) fire() {
	t.restarts.Add(1)
	if err := t.target.Restart(); err != nil {
		t.logger.Warn("fs_trigger_restart_failed", "task", t.task, "error", err)
	}
}

// Events returns how many relevant file events were seen.
func (t *FSTrigger) Events() int64 {
	return t.events.Load()
}

// Restarts returns how many Restart calls were made.
func (t *FSTrigger) Restarts() int64 {
	return t.restarts.Load()
}

// WatchedPaths returns the watched directories.
func (t *FSTrigger) WatchedPaths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.watched))
	for p := range t.watched {
		out = append(out, p)
	}
	return out
}

// Close stops watching. Run returns ErrTriggerClosed.
func (t *FSTrigger) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeCh)
		err = t.watcher.Close()
	})
	return err
}
