package sync

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/davsync/davsync/internal/utils"
	"github.com/rjeczalik/notify"
)

const (
	DefaultIgnoreTimeout   = 2 * time.Second
	defaultCleanupInterval = 15 * time.Second
	watchEventBufferSize   = 64
	defaultDebounceTimeout = 100 * time.Millisecond
)

const watchedEvents = notify.Create | notify.Write | notify.Remove | notify.Rename

// WatchFilter returns true if a change to the relative path should be dropped.
type WatchFilter func(rel string) bool

// WatchEvent is a debounced change below the watched root.
type WatchEvent struct {
	Path  string // relative, forward-slash
	Event notify.Event
}

// FileWatcher reports local edits that should trigger a pass. Writes made by
// the executor itself are suppressed with IgnoreOnce.
type FileWatcher struct {
	watchDir        string
	realDir         string
	events          chan WatchEvent
	rawEvents       chan notify.EventInfo
	ignore          map[string]time.Time
	ignoreMu        sync.Mutex
	cleanupInterval time.Duration
	done            chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup

	pending         map[string]WatchEvent
	timers          map[string]*time.Timer
	debounceMu      sync.Mutex
	debounceTimeout time.Duration
	closed          bool

	filter   WatchFilter
	filterMu sync.RWMutex
}

func NewFileWatcher(watchDir string) *FileWatcher {
	return &FileWatcher{
		watchDir:        watchDir,
		ignore:          make(map[string]time.Time),
		cleanupInterval: defaultCleanupInterval,
		done:            make(chan struct{}),
		pending:         make(map[string]WatchEvent),
		timers:          make(map[string]*time.Timer),
		debounceTimeout: defaultDebounceTimeout,
	}
}

func (fw *FileWatcher) SetCleanupInterval(interval time.Duration) {
	fw.cleanupInterval = interval
}

func (fw *FileWatcher) SetDebounceTimeout(timeout time.Duration) {
	fw.debounceTimeout = timeout
}

// SetFilter installs a callback that drops events before debouncing.
func (fw *FileWatcher) SetFilter(filter WatchFilter) {
	fw.filterMu.Lock()
	defer fw.filterMu.Unlock()
	fw.filter = filter
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.watchDir)

	// notify reports resolved paths, e.g. /private/var on macOS
	fw.realDir = fw.watchDir
	if resolved, err := filepath.EvalSymlinks(fw.watchDir); err == nil {
		fw.realDir = resolved
	}

	fw.rawEvents = make(chan notify.EventInfo, watchEventBufferSize)
	fw.events = make(chan WatchEvent, watchEventBufferSize)

	if err := notify.Watch(filepath.Join(fw.realDir, "..."), fw.rawEvents, watchedEvents); err != nil {
		return err
	}

	fw.wg.Add(2)
	go fw.filterEvents(ctx)
	go fw.cleanupExpiredEntries(ctx)

	return nil
}

func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		close(fw.done)
		if fw.rawEvents != nil {
			notify.Stop(fw.rawEvents)
		}
		fw.wg.Wait()
		slog.Info("file watcher stopped")
	})
}

// Events is closed once the watcher stops.
func (fw *FileWatcher) Events() <-chan WatchEvent {
	return fw.events
}

// IgnoreOnce suppresses the next event for an absolute path.
func (fw *FileWatcher) IgnoreOnce(absPath string) {
	fw.IgnoreOnceWithTimeout(absPath, DefaultIgnoreTimeout)
}

func (fw *FileWatcher) IgnoreOnceWithTimeout(absPath string, timeout time.Duration) {
	rel, ok := fw.relPath(absPath)
	if !ok {
		return
	}
	fw.ignoreMu.Lock()
	defer fw.ignoreMu.Unlock()
	fw.ignore[rel] = time.Now().Add(timeout)
}

func (fw *FileWatcher) isIgnored(rel string) bool {
	fw.ignoreMu.Lock()
	defer fw.ignoreMu.Unlock()

	expiry, exists := fw.ignore[rel]
	if !exists {
		return false
	}
	delete(fw.ignore, rel)
	return !time.Now().After(expiry)
}

func (fw *FileWatcher) relPath(absPath string) (string, bool) {
	for _, root := range []string{fw.watchDir, fw.realDir} {
		if root == "" {
			continue
		}
		rel, err := filepath.Rel(root, absPath)
		if err != nil {
			continue
		}
		rel = utils.NormPath(rel)
		if rel == "" || rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		return rel, true
	}
	return "", false
}

func (fw *FileWatcher) filterEvents(ctx context.Context) {
	defer func() {
		fw.debounceMu.Lock()
		for rel, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, rel)
		}
		fw.pending = make(map[string]WatchEvent)
		fw.closed = true
		close(fw.events)
		fw.debounceMu.Unlock()

		fw.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case raw, ok := <-fw.rawEvents:
			if !ok {
				return
			}
			rel, ok := fw.relPath(raw.Path())
			if !ok {
				continue
			}

			// files inside a new or moved-in directory may land before the
			// recursive watch covers it
			if raw.Event()&(notify.Create|notify.Rename) != 0 && utils.DirExists(raw.Path()) {
				fw.walkNewDir(raw.Path())
				continue
			}

			fw.emit(rel, raw.Event())
		}
	}
}

func (fw *FileWatcher) emit(rel string, event notify.Event) {
	fw.filterMu.RLock()
	filter := fw.filter
	fw.filterMu.RUnlock()
	if filter != nil && filter(rel) {
		return
	}

	// editors emit bursts of writes while saving
	fw.debounce(WatchEvent{Path: rel, Event: event})
}

// walkNewDir reports every file below dir as created.
func (fw *FileWatcher) walkNewDir(dir string) {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if rel, ok := fw.relPath(p); ok {
			fw.emit(rel, notify.Create)
		}
		return nil
	})
	if err != nil {
		slog.Debug("file watcher walk", "dir", dir, "error", err)
	}
}

func (fw *FileWatcher) debounce(ev WatchEvent) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if timer, exists := fw.timers[ev.Path]; exists {
		timer.Stop()
	}
	fw.pending[ev.Path] = ev
	fw.timers[ev.Path] = time.AfterFunc(fw.debounceTimeout, func() {
		fw.flush(ev.Path)
	})
}

func (fw *FileWatcher) flush(rel string) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	ev, exists := fw.pending[rel]
	if !exists || fw.closed {
		return
	}
	delete(fw.pending, rel)
	delete(fw.timers, rel)

	if fw.isIgnored(rel) {
		slog.Debug("file watcher ignored", "path", rel)
		return
	}

	select {
	case fw.events <- ev:
		slog.Debug("file watcher", "event", ev.Event, "path", rel)
	default:
		slog.Warn("file watcher dropped", "reason", "channel full", "path", rel)
	}
}

func (fw *FileWatcher) cleanupExpiredEntries(ctx context.Context) {
	defer fw.wg.Done()

	ticker := time.NewTicker(fw.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case <-ticker.C:
			fw.ignoreMu.Lock()
			now := time.Now()
			for rel, expiry := range fw.ignore {
				if now.After(expiry) {
					delete(fw.ignore, rel)
				}
			}
			fw.ignoreMu.Unlock()
		}
	}
}
