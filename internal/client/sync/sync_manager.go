package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultStartupDelay = 2 * time.Second
	defaultWatchQuiet   = 2 * time.Second
)

var (
	ErrManagerStarted = errors.New("sync manager already started")
	ErrWatcherClosed  = errors.New("file watcher closed")
)

// SyncManager turns host signals into passes: a delayed startup pass, an
// interval timer, optional file watching and the final shutdown pass.
type SyncManager struct {
	engine  *SyncEngine
	watcher *FileWatcher

	startupDelay time.Duration
	watchQuiet   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	loopErr error
}

func NewManager(engine *SyncEngine) *SyncManager {
	return &SyncManager{
		engine:       engine,
		startupDelay: defaultStartupDelay,
		watchQuiet:   defaultWatchQuiet,
	}
}

func (m *SyncManager) Engine() *SyncEngine {
	return m.engine
}

func (m *SyncManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrManagerStarted
	}

	cfg := m.engine.Config()
	slog.Info("sync manager start", "startup", cfg.OnStartup, "interval", cfg.Interval(), "watch", cfg.Watch)

	// a loop that fails leaves the others running, Shutdown reports it
	loopCtx, cancel := context.WithCancel(ctx)
	group := &errgroup.Group{}

	if cfg.Watch && cfg.LocalRoot != "" {
		watcher := NewFileWatcher(cfg.LocalRoot)
		watcher.SetFilter(func(rel string) bool {
			return !m.engine.Filter().Allow(rel)
		})
		if err := watcher.Start(loopCtx); err != nil {
			cancel()
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		m.engine.SetLocalWriteHook(watcher.IgnoreOnce)
		m.watcher = watcher

		group.Go(func() error {
			return m.watchLoop(loopCtx, watcher.Events())
		})
	}

	if cfg.OnStartup {
		group.Go(func() error {
			select {
			case <-loopCtx.Done():
				return nil
			case <-time.After(m.startupDelay):
			}
			m.run(loopCtx, TriggerStartup)
			return nil
		})
	}

	group.Go(func() error {
		m.intervalLoop(loopCtx, cfg.Interval())
		return nil
	})

	m.cancel = cancel
	m.group = group
	m.started = true
	return nil
}

// SyncNow runs a manual pass.
func (m *SyncManager) SyncNow(ctx context.Context) *PassReport {
	return m.run(ctx, TriggerManual)
}

// Shutdown stops the trigger loops, waits for an in-flight pass to wind
// down and then runs the shutdown pass if configured. It returns nil when no
// shutdown pass ran.
func (m *SyncManager) Shutdown(ctx context.Context) *PassReport {
	m.mu.Lock()
	if m.started {
		slog.Info("sync manager stop")
		m.cancel()
		if m.watcher != nil {
			m.watcher.Stop()
		}
		m.loopErr = m.group.Wait()
		if m.loopErr != nil {
			slog.Error("sync manager stop", "error", m.loopErr)
		}
		m.engine.SetLocalWriteHook(nil)
		m.started = false
	}
	m.mu.Unlock()

	if !m.engine.Config().OnShutdown {
		return nil
	}
	return m.run(ctx, TriggerShutdown)
}

// Err returns the error that ended a trigger loop early, as collected by the
// last Shutdown.
func (m *SyncManager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loopErr
}

func (m *SyncManager) run(ctx context.Context, trigger Trigger) *PassReport {
	report := m.engine.Sync(ctx, trigger)
	if report.Failed > 0 || report.TimedOut {
		slog.Warn("sync manager", "trigger", trigger, "status", report.Status())
	} else {
		slog.Debug("sync manager", "trigger", trigger, "status", report.Status())
	}
	return report
}

// intervalLoop uses a timer rather than a ticker so that a slow pass does not
// queue up ticks.
func (m *SyncManager) intervalLoop(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.run(ctx, TriggerInterval)
			timer.Reset(interval)
		}
	}
}

// watchLoop runs a pass once local changes have been quiet for watchQuiet.
func (m *SyncManager) watchLoop(ctx context.Context, events <-chan WatchEvent) error {
	quiet := time.NewTimer(m.watchQuiet)
	quiet.Stop()
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrWatcherClosed
			}
			slog.Debug("sync manager", "op", "watch", "event", ev.Event, "path", ev.Path)
			quiet.Reset(m.watchQuiet)
		case <-quiet.C:
			m.run(ctx, TriggerWatch)
		}
	}
}
