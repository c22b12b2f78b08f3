package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/davsync/davsync/internal/client/config"
	"github.com/davsync/davsync/internal/client/workspace"
	"github.com/davsync/davsync/internal/davclient"
	"github.com/davsync/davsync/internal/utils"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerStartup  Trigger = "startup"
	TriggerShutdown Trigger = "shutdown"
	TriggerInterval Trigger = "interval"
	TriggerWatch    Trigger = "watch"
)

// shutdownMinBudget is the least time a shutdown pass gets.
const shutdownMinBudget = 60 * time.Second

var (
	ErrNoConfig    = errors.New("sync engine: config missing")
	ErrNoMetaStore = errors.New("sync engine: metadata store or workspace missing")
)

type EngineOptions struct {
	Config    *config.Config
	Workspace *workspace.Workspace
	Fs        afero.Fs
	Remote    RemoteFS
	Store     *MetadataStore
	Decisions DecisionProvider
	Now       func() time.Time
}

// SyncEngine runs passes. It lives as long as the host and owns the state
// shared between passes: the single-flight lock, the hash cache and the
// progress subscribers.
type SyncEngine struct {
	cfg       *config.Config
	fs        afero.Fs
	remote    RemoteFS
	store     *MetadataStore
	decisions DecisionProvider
	now       func() time.Time

	filter *SyncFilter
	cache  *HashCache
	status *SyncStatus

	muSync sync.Mutex

	hookMu       sync.RWMutex
	onLocalWrite func(absPath string)
}

func NewSyncEngine(opts EngineOptions) (*SyncEngine, error) {
	if opts.Config == nil {
		return nil, ErrNoConfig
	}
	cfg := opts.Config.WithDefaults()

	store := opts.Store
	if store == nil {
		if opts.Workspace == nil {
			return nil, ErrNoMetaStore
		}
		store = NewMetadataStore(opts.Workspace.MetadataPath)
	}

	remote := opts.Remote
	if remote == nil {
		client, err := davclient.New(davclient.Options{
			BaseURL:  cfg.BaseURL,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  cfg.RequestTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create webdav client: %w", err)
		}
		remote = client
	}

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	decisions := opts.Decisions
	if decisions == nil {
		decisions = DeferDecisions{}
	}

	return &SyncEngine{
		cfg:       cfg,
		fs:        fs,
		remote:    remote,
		store:     store,
		decisions: decisions,
		now:       now,
		filter:    NewSyncFilter(cfg.IncludeGlobs, cfg.ExcludeGlobs),
		cache:     NewHashCache(defaultHashCacheSize),
		status:    NewSyncStatus(),
	}, nil
}

func (se *SyncEngine) Config() *config.Config {
	return se.cfg
}

func (se *SyncEngine) Filter() *SyncFilter {
	return se.filter
}

func (se *SyncEngine) Subscribe() <-chan *ProgressEvent {
	return se.status.Subscribe()
}

func (se *SyncEngine) Unsubscribe(ch <-chan *ProgressEvent) {
	se.status.Unsubscribe(ch)
}

// LastProgress returns the last published progress event.
func (se *SyncEngine) LastProgress() *ProgressEvent {
	return se.status.Last()
}

// SetLocalWriteHook registers a callback for every local file written by a
// pass. The file watcher uses it to drop its own echoes.
func (se *SyncEngine) SetLocalWriteHook(hook func(absPath string)) {
	se.hookMu.Lock()
	defer se.hookMu.Unlock()
	se.onLocalWrite = hook
}

func (se *SyncEngine) localWrite(absPath string) {
	se.hookMu.RLock()
	hook := se.onLocalWrite
	se.hookMu.RUnlock()
	if hook != nil {
		hook(absPath)
	}
}

// wireStats is the remote's HTTP traffic so far, zero for remotes that do
// not count it.
func (se *SyncEngine) wireStats() davclient.Stats {
	if src, ok := se.remote.(interface{ Stats() davclient.Stats }); ok {
		return src.Stats()
	}
	return davclient.Stats{}
}

func (se *SyncEngine) Close() {
	se.status.Close()
}

// budget is the time a pass may spend before pending actions are left for
// the next one.
func (se *SyncEngine) budget(trigger Trigger) time.Duration {
	timeout := se.cfg.Timeout()
	if trigger == TriggerShutdown && timeout < shutdownMinBudget {
		return shutdownMinBudget
	}
	return timeout
}

// Sync runs one pass. It never returns an error: every outcome, including a
// skipped pass, is described by the report.
func (se *SyncEngine) Sync(ctx context.Context, trigger Trigger) *PassReport {
	if !se.cfg.Enabled {
		return se.skip(trigger, SkipDisabled)
	}
	if strings.TrimSpace(se.cfg.LocalRoot) == "" {
		return se.skip(trigger, SkipNoLocalRoot)
	}
	if !se.muSync.TryLock() {
		slog.Debug("sync", "op", "skip", "trigger", trigger, "reason", SkipAlreadyRunning)
		return skippedReport(trigger, SkipAlreadyRunning)
	}
	defer se.muSync.Unlock()

	wallStart := time.Now()
	start := se.now()
	report := &PassReport{
		PassID:    uuid.NewString(),
		Trigger:   trigger,
		StartedAt: start,
	}
	wireStart := se.wireStats()
	defer func() {
		report.FinishedAt = start.Add(time.Since(wallStart))
		wire := se.wireStats()
		report.Requests = wire.Requests - wireStart.Requests
		se.publish(report, &ProgressEvent{Phase: se.donePhase(report), Message: report.Status()})
		slog.Info("sync", "op", "done", "pass", report.PassID, "trigger", trigger,
			"status", report.Status(), "pending", report.Pending, "failed", report.Failed,
			"up", humanize.Bytes(uint64(report.BytesUp)), "down", humanize.Bytes(uint64(report.BytesDown)),
			"requests", report.Requests,
			"wire_sent", humanize.Bytes(uint64(wire.BytesSent-wireStart.BytesSent)),
			"wire_recv", humanize.Bytes(uint64(wire.BytesRecv-wireStart.BytesRecv)),
			"took", report.Duration())
	}()

	deadline := start.Add(se.budget(trigger))
	root := se.cfg.LocalRoot
	remoteRoot := utils.CleanRemotePath(se.cfg.RootPath)

	slog.Info("sync", "op", "prep", "pass", report.PassID, "trigger", trigger, "local", root, "remote", remoteRoot, "deadline", deadline.Format(time.RFC3339))
	se.publish(report, &ProgressEvent{Phase: PhasePrepare})

	meta := se.store.Load()
	se.filter.LoadIgnoreFile(se.fs, root)

	local, err := NewSyncLocalState(se.fs, root, se.filter, se.cache).Scan(meta.Files)
	if err != nil {
		slog.Error("sync", "op", "local-scan", "pass", report.PassID, "error", err)
		report.Skipped = true
		report.SkipReason = SkipRootUnreadable
		return report
	}

	if trigger != TriggerManual && se.isFresh(start, meta, local) {
		report.Skipped = true
		report.SkipReason = SkipNoLocalChanges
		return report
	}

	made := mapset.NewThreadUnsafeSet[string]()
	if err := ensureCollection(ctx, se.remote, remoteRoot, made); err != nil {
		slog.Error("sync", "op", "remote-root", "pass", report.PassID, "path", remoteRoot, "error", err)
		report.Skipped = true
		report.SkipReason = SkipRemoteMissing
		report.RemoteErrors = 1
		return report
	}

	remote, scanErrs := NewSyncRemoteState(se.remote, remoteRoot, se.filter).Scan(ctx)
	report.RemoteErrors = len(scanErrs)

	ops := Reconcile(local, remote, meta.Files, se.cfg.ClockSkew())
	report.Unchanged = ops.Unchanged

	// a failed listing is never evidence that a file is gone
	if len(scanErrs) == 0 {
		for _, p := range ops.Orphans {
			delete(meta.Files, p)
		}
		if len(ops.Orphans) > 0 {
			slog.Info("sync", "op", "prune", "pass", report.PassID, "records", len(ops.Orphans))
		}
	}

	slog.Info("sync", "op", "plan", "pass", report.PassID,
		"local", len(local), "remote", len(remote), "records", len(meta.Files),
		"actions", len(ops.Plan), "unchanged", ops.Unchanged,
		"moves", ops.Count(ActionMoveRemote), "uploads", ops.Count(ActionUpload),
		"downloads", ops.Count(ActionDownload), "conflicts", ops.Count(ActionConflict),
		"localDeleted", ops.Count(ActionLocalDeleted), "remoteMissing", ops.Count(ActionDelete),
		"scanErrors", len(scanErrs))
	se.publish(report, &ProgressEvent{Phase: PhasePlan, Total: len(ops.Plan)})

	executor := NewSyncExecutor(ExecutorOptions{
		Fs:           se.fs,
		LocalRoot:    root,
		Remote:       se.remote,
		RemoteRoot:   remoteRoot,
		Decisions:    se.decisions,
		Strategy:     se.cfg.ConflictStrategy,
		ClockSkew:    se.cfg.ClockSkew(),
		Now:          se.now,
		Cache:        se.cache,
		OnLocalWrite: se.localWrite,
		OnResult: func(res *Result, processed, total, failed int) {
			se.publish(report, &ProgressEvent{
				Phase:     PhaseExecute,
				Processed: processed,
				Total:     total,
				Failed:    failed,
				Path:      res.Action.Path,
				Op:        string(res.Action.Type),
			})
		},
	}, meta)
	executor.madeDirs = made

	results, stopped := executor.Run(ctx, ops.Plan, deadline)
	report.tally(results)
	report.TimedOut = stopped

	if report.Clean() {
		meta.LastSyncTime = start.UnixMilli()
	}
	if err := se.store.Save(meta); err != nil {
		slog.Error("sync", "op", "save-metadata", "pass", report.PassID, "path", se.store.Path(), "error", err)
	}

	return report
}

// isFresh reports whether the remote scan can be skipped: nothing changed
// locally since the records were written and the last clean pass is recent.
func (se *SyncEngine) isFresh(now time.Time, meta *SyncMetadata, local map[string]*FileEntry) bool {
	window := se.cfg.RemoteScanSkip()
	if window <= 0 || meta.LastSyncTime == 0 {
		return false
	}
	if now.UnixMilli()-meta.LastSyncTime >= window.Milliseconds() {
		return false
	}
	return countLocalChanges(local, meta.Files) == 0
}

func countLocalChanges(local map[string]*FileEntry, records map[string]*SyncRecord) int {
	n := 0
	for p, l := range local {
		if rec := records[p]; rec == nil || rec.Hash != l.Hash {
			n++
		}
	}
	for p := range records {
		if _, ok := local[p]; !ok {
			n++
		}
	}
	return n
}

func (se *SyncEngine) skip(trigger Trigger, reason string) *PassReport {
	report := skippedReport(trigger, reason)
	slog.Info("sync", "op", "skip", "trigger", trigger, "reason", reason)
	se.publish(report, &ProgressEvent{Phase: PhaseSkipped, Message: report.Status()})
	return report
}

func (se *SyncEngine) donePhase(report *PassReport) Phase {
	if report.Skipped {
		return PhaseSkipped
	}
	return PhaseDone
}

func (se *SyncEngine) publish(report *PassReport, ev *ProgressEvent) {
	ev.PassID = report.PassID
	ev.Trigger = report.Trigger
	se.status.Publish(ev)
}
