// Package monitor provides recursive filesystem watching for on-access
// scanning. It degrades gracefully when the kernel watch limit is hit:
// the remaining tree keeps its watches and the operator remediation is
// logged once per run.
package monitor

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charlievieth/fastwalk"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/sentinelsec/sentinel/pkg/sentinel/logging"
)

// Callback receives the absolute path of a regular file that was just
// created, finished writing, or moved into a watched subtree.
type Callback func(path string)

// Monitor watches a set of directory trees and dispatches file events.
type Monitor struct {
	watcher  *fsnotify.Watcher
	onFile   Callback
	paths    map[string]bool // watched directories
	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once

	watchesAdded  atomic.Int64
	watchesFailed atomic.Int64
	enospcLogged  atomic.Bool
}

// New creates a monitor and installs recursive watches on every root.
// Watch-limit exhaustion during installation is not fatal.
func New(roots []string, onFile Callback) (*Monitor, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		watcher: fsw,
		onFile:  onFile,
		paths:   make(map[string]bool),
	}

	logger := logging.Get("monitor")
	for _, root := range roots {
		logger.Info("adding recursive watch", "root", root)
		if err := m.watchTree(root); err != nil {
			logger.Warn("partial failure installing watches", "root", root, "error", err)
		}
	}

	logger.Info("watch summary",
		"added", m.watchesAdded.Load(), "failed", m.watchesFailed.Load())
	if failed := m.watchesFailed.Load(); failed > 0 {
		logger.Warn("some directories are not monitored due to watch limit exhaustion",
			"failed", failed)
	}

	return m, nil
}

// watchTree walks root and installs a watch on every reachable
// subdirectory. Hidden directories and symlinks are skipped.
func (m *Monitor) watchTree(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}

	info, err := os.Lstat(absRoot)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}

	conf := fastwalk.Config{Follow: false}
	return fastwalk.Walk(&conf, absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // Skip entries with errors
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != absRoot && strings.HasPrefix(filepath.Base(path), ".") {
			return fastwalk.SkipDir
		}
		m.addWatch(path)
		return nil
	})
}

// addWatch registers a single directory. ENOSPC is counted and logged
// once per run with the remediation; permission and not-exist errors are
// skipped silently; other errors are logged and skipped.
func (m *Monitor) addWatch(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.paths[path] {
		return
	}

	if err := m.watcher.Add(path); err != nil {
		if errors.Is(err, unix.ENOSPC) {
			m.watchesFailed.Add(1)
			if m.enospcLogged.CompareAndSwap(false, true) {
				logger := logging.Get("monitor")
				logger.Warn("inotify watch limit reached; some directories will not be monitored")
				logger.Warn("raise the limit with: sysctl fs.inotify.max_user_watches=524288 " +
					"(persist in /etc/sysctl.conf)")
			}
			return
		}
		if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) {
			return
		}
		logging.Get("monitor").Warn("failed to add watch", "path", path, "error", err)
		return
	}

	m.paths[path] = true
	m.watchesAdded.Add(1)
}

// Run consumes filesystem events until the context is cancelled or the
// event stream closes. It blocks; run it on its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	logger := logging.Get("monitor")
	logger.Info("monitor event loop started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("monitor event loop exited")
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				logger.Info("monitor event stream closed")
				return
			}
			m.handleEvent(event)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("watcher error", "error", err)
		}
	}
}

// handleEvent dispatches one fsnotify event. Directory creations and
// moves install watches recursively; regular-file events reach the
// callback. Hidden basenames are skipped outright.
func (m *Monitor) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	info, err := os.Lstat(event.Name)
	if err != nil {
		// Transient files vanish between event and stat; expected.
		return
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return
	}

	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			// A moved-in tree arrives as a single Create for its top
			// directory; walk it to cover nested subdirectories.
			_ = m.watchTree(event.Name)
			logging.Get("monitor").Debug("new directory watch added", "path", event.Name)
		}
		return
	}

	if info.Mode().IsRegular() {
		m.onFile(event.Name)
	}
}

// WatchCount returns the number of successfully installed watches.
func (m *Monitor) WatchCount() int64 { return m.watchesAdded.Load() }

// FailedWatchCount returns the number of watches refused with ENOSPC.
func (m *Monitor) FailedWatchCount() int64 { return m.watchesFailed.Load() }

// Close stops the monitor and releases its kernel resources. Safe to
// call from any goroutine; Run returns once the event stream closes.
func (m *Monitor) Close() error {
	var err error
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.paths = make(map[string]bool)
		m.mu.Unlock()
		err = m.watcher.Close()
	})
	return err
}
