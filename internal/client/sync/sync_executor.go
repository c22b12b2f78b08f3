package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/davsync/davsync/internal/client/config"
	"github.com/davsync/davsync/internal/davclient"
	"github.com/davsync/davsync/internal/utils"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

type ExecutorOptions struct {
	Fs         afero.Fs
	LocalRoot  string
	Remote     RemoteFS
	RemoteRoot string
	Decisions  DecisionProvider
	Strategy   string
	ClockSkew  time.Duration
	Now        func() time.Time
	Cache      *HashCache

	// OnLocalWrite is called with the absolute path of every file the
	// executor writes locally.
	OnLocalWrite func(absPath string)
	// OnResult is called after each executed action.
	OnResult func(res *Result, processed, total, failed int)
}

// SyncExecutor applies a plan to both sides, one action at a time, and
// mutates the metadata as actions commit.
type SyncExecutor struct {
	opts     ExecutorOptions
	meta     *SyncMetadata
	madeDirs mapset.Set[string]
}

func NewSyncExecutor(opts ExecutorOptions, meta *SyncMetadata) *SyncExecutor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Decisions == nil {
		opts.Decisions = DeferDecisions{}
	}
	if opts.Cache == nil {
		opts.Cache = NewHashCache(0)
	}
	if opts.Strategy == "" {
		opts.Strategy = config.StrategyAsk
	}
	return &SyncExecutor{
		opts:     opts,
		meta:     meta,
		madeDirs: mapset.NewThreadUnsafeSet[string](),
	}
}

// Run executes the plan in order. Before each action the deadline is checked;
// once it has passed the remaining actions stay pending. A zero deadline
// means no limit.
func (e *SyncExecutor) Run(ctx context.Context, plan []*Action, deadline time.Time) (results []*Result, stopped bool) {
	results = make([]*Result, 0, len(plan))
	failed := 0

	for i, a := range plan {
		now := e.opts.Now()
		if (!deadline.IsZero() && !now.Before(deadline)) || ctx.Err() != nil {
			for _, rest := range plan[i:] {
				results = append(results, &Result{Action: rest, Status: StatusPending})
			}
			slog.Warn("sync", "op", "deadline", "pending", len(plan)-i)
			return results, true
		}

		start := time.Now()
		res := e.execute(ctx, a, now)
		res.Duration = time.Since(start)
		results = append(results, res)

		switch res.Status {
		case StatusFailed:
			failed++
			res.Retryable = davclient.IsRetryable(res.Err)
			slog.Error("sync", "op", "fail", "type", a.Type, "path", a.Path, "retryable", res.Retryable, "error", res.Err)
		case StatusSkipped:
			slog.Info("sync", "op", "skip", "type", a.Type, "path", a.Path, "outcome", res.Outcome)
		case StatusCommitted:
			slog.Info("sync", "op", "ok", "type", a.Type, "path", a.Path, "outcome", res.Outcome, "size", humanize.Bytes(uint64(res.Bytes)), "took", res.Duration)
		}

		if e.opts.OnResult != nil {
			e.opts.OnResult(res, i+1, len(plan), failed)
		}
	}
	return results, false
}

func (e *SyncExecutor) execute(ctx context.Context, a *Action, now time.Time) *Result {
	res := &Result{Action: a}

	var err error
	switch a.Type {
	case ActionUpload:
		slog.Info("sync", "op", "upload", "path", a.Path, "reason", a.Reason)
		res.Bytes, err = e.upload(ctx, a.Path, now)
		res.Outcome = "uploaded"
	case ActionDownload:
		slog.Info("sync", "op", "download", "path", a.Path, "reason", a.Reason)
		res.Bytes, err = e.download(ctx, a.Path, a.Remote, now)
		res.Outcome = "downloaded"
	case ActionMoveRemote:
		slog.Info("sync", "op", "move", "from", a.From, "path", a.Path)
		err = e.moveRemote(ctx, a, now)
		res.Outcome = "moved"
	case ActionConflict:
		return e.conflict(ctx, a, now)
	case ActionLocalDeleted:
		return e.localDeleted(ctx, a, now)
	case ActionDelete:
		slog.Warn("sync", "op", "remote-missing", "path", a.Path, "note", "remote copy gone, local file kept")
		res.Status = StatusSkipped
		res.Outcome = "remote missing, kept local"
		return res
	default:
		err = fmt.Errorf("unknown action type %q", a.Type)
	}

	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	res.Status = StatusCommitted
	return res
}

func (e *SyncExecutor) conflict(ctx context.Context, a *Action, now time.Time) *Result {
	res := &Result{Action: a}

	choice, err := e.resolveConflict(ctx, a)
	if err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("resolve conflict: %w", err)
		return res
	}

	slog.Info("sync", "op", "conflict", "path", a.Path, "strategy", e.opts.Strategy, "choice", choice)
	switch choice {
	case ChoiceKeepLocal:
		res.Bytes, err = e.upload(ctx, a.Path, now)
		res.Outcome = "kept local"
	case ChoiceKeepRemote:
		res.Bytes, err = e.download(ctx, a.Path, a.Remote, now)
		res.Outcome = "kept remote"
	default:
		res.Status, res.Outcome = StatusSkipped, "deferred"
		return res
	}

	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	res.Status = StatusCommitted
	return res
}

func (e *SyncExecutor) resolveConflict(ctx context.Context, a *Action) (ConflictChoice, error) {
	switch e.opts.Strategy {
	case config.StrategyLastWins:
		return ChoiceKeepRemote, nil
	case config.StrategyNewest:
		if a.Local == nil || a.Remote == nil {
			return ChoiceKeepLocal, nil
		}
		if a.Remote.Mtime-a.Local.Mtime > e.opts.ClockSkew.Milliseconds() {
			return ChoiceKeepRemote, nil
		}
		return ChoiceKeepLocal, nil
	default:
		return e.opts.Decisions.ResolveConflict(ctx, &ConflictInfo{
			Path:   a.Path,
			Local:  a.Local,
			Remote: a.Remote,
			Record: a.Record,
		})
	}
}

func (e *SyncExecutor) localDeleted(ctx context.Context, a *Action, now time.Time) *Result {
	res := &Result{Action: a}

	choice, err := e.opts.Decisions.ResolveLocalDeleted(ctx, &DeletionInfo{
		Path:   a.Path,
		Remote: a.Remote,
		Record: a.Record,
	})
	if err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("resolve local deletion: %w", err)
		return res
	}

	slog.Info("sync", "op", "local-deleted", "path", a.Path, "choice", choice)
	switch choice {
	case ChoiceDeleteRemote:
		err = e.deleteRemote(ctx, a.Path)
		res.Outcome = "deleted remote"
	case ChoiceRestore:
		res.Bytes, err = e.download(ctx, a.Path, a.Remote, now)
		res.Outcome = "restored"
	default:
		res.Status, res.Outcome = StatusSkipped, "deferred"
		return res
	}

	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	res.Status = StatusCommitted
	return res
}

func (e *SyncExecutor) localPath(rel string) string {
	return filepath.Join(e.opts.LocalRoot, filepath.FromSlash(rel))
}

func (e *SyncExecutor) remotePath(rel string) string {
	return utils.JoinRemote(e.opts.RemoteRoot, rel)
}

func (e *SyncExecutor) upload(ctx context.Context, rel string, now time.Time) (int64, error) {
	localPath := e.localPath(rel)
	data, err := afero.ReadFile(e.opts.Fs, localPath)
	if err != nil {
		return 0, fmt.Errorf("read local: %w", err)
	}
	info, err := e.opts.Fs.Stat(localPath)
	if err != nil {
		return 0, fmt.Errorf("stat local: %w", err)
	}

	remotePath := e.remotePath(rel)
	if err := e.ensureRemoteDir(ctx, path.Dir(remotePath)); err != nil {
		return 0, err
	}

	etag, err := e.opts.Remote.Put(ctx, remotePath, data)
	if err != nil {
		return 0, fmt.Errorf("put: %w", err)
	}

	mtime := info.ModTime().UnixMilli()
	hash := utils.HashBytes(data)
	rec := &SyncRecord{
		Hash:        hash,
		Mtime:       mtime,
		Size:        info.Size(),
		SyncTime:    now.UnixMilli(),
		RemoteMtime: mtime,
		RemoteEtag:  etag,
	}
	if etag == "" {
		// no ETag on the PUT response, the next scan must compare against
		// what the server reports, not our local mtime
		if res, err := e.opts.Remote.Stat(ctx, remotePath); err == nil {
			if res.Mtime != 0 {
				rec.RemoteMtime = res.Mtime
			}
			rec.RemoteEtag = res.ETag
		} else {
			slog.Debug("sync", "op", "upload", "path", rel, "error", err)
		}
	}
	e.meta.Files[rel] = rec
	e.opts.Cache.Store(rel, info.Size(), mtime, hash)
	return int64(len(data)), nil
}

func (e *SyncExecutor) download(ctx context.Context, rel string, remote *FileEntry, now time.Time) (int64, error) {
	data, err := e.opts.Remote.Get(ctx, e.remotePath(rel))
	if err != nil {
		return 0, fmt.Errorf("get: %w", err)
	}

	localPath := e.localPath(rel)
	if err := writeFileAtomic(e.opts.Fs, localPath, data); err != nil {
		return 0, err
	}
	if e.opts.OnLocalWrite != nil {
		e.opts.OnLocalWrite(localPath)
	}

	info, err := e.opts.Fs.Stat(localPath)
	if err != nil {
		return 0, fmt.Errorf("stat local: %w", err)
	}

	rec := &SyncRecord{
		Hash:     utils.HashBytes(data),
		Mtime:    info.ModTime().UnixMilli(),
		Size:     info.Size(),
		SyncTime: now.UnixMilli(),
	}
	if remote != nil {
		rec.RemoteMtime = remote.Mtime
		rec.RemoteEtag = remote.ETag
	}
	e.meta.Files[rel] = rec
	e.opts.Cache.Store(rel, rec.Size, rec.Mtime, rec.Hash)
	return int64(len(data)), nil
}

func (e *SyncExecutor) moveRemote(ctx context.Context, a *Action, now time.Time) error {
	to := e.remotePath(a.Path)
	if err := e.ensureRemoteDir(ctx, path.Dir(to)); err != nil {
		return err
	}
	if err := e.opts.Remote.Move(ctx, e.remotePath(a.From), to); err != nil {
		return fmt.Errorf("move: %w", err)
	}

	old := a.Record
	delete(e.meta.Files, a.From)

	rec := &SyncRecord{SyncTime: now.UnixMilli()}
	if a.Local != nil {
		rec.Hash, rec.Mtime, rec.Size = a.Local.Hash, a.Local.Mtime, a.Local.Size
	}
	if old != nil {
		rec.RemoteMtime, rec.RemoteEtag = old.RemoteMtime, old.RemoteEtag
	}
	if res, err := e.opts.Remote.Stat(ctx, to); err == nil {
		if res.Mtime != 0 {
			rec.RemoteMtime = res.Mtime
		}
		if res.ETag != "" {
			rec.RemoteEtag = res.ETag
		}
	} else {
		slog.Debug("sync", "op", "move", "path", a.Path, "error", err)
	}
	e.meta.Files[a.Path] = rec
	return nil
}

func (e *SyncExecutor) deleteRemote(ctx context.Context, rel string) error {
	err := e.opts.Remote.Delete(ctx, e.remotePath(rel))
	if err != nil && !errors.Is(err, davclient.ErrNotFound) {
		return fmt.Errorf("delete: %w", err)
	}
	delete(e.meta.Files, rel)
	return nil
}

// ensureRemoteDir creates dir and its missing ancestors. Collections created
// or confirmed during this pass are not requested again.
func (e *SyncExecutor) ensureRemoteDir(ctx context.Context, dir string) error {
	return ensureCollection(ctx, e.opts.Remote, dir, e.madeDirs)
}

func ensureCollection(ctx context.Context, remote RemoteFS, dir string, made mapset.Set[string]) error {
	if err := remote.MkcolAll(ctx, dir, made); err != nil {
		return fmt.Errorf("mkcol %s: %w", utils.CleanRemotePath(dir), err)
	}
	return nil
}

// writeFileAtomic writes through a dot-prefixed temp file in the target
// directory, so scans never pick up a partial file.
func writeFileAtomic(fs afero.Fs, target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure parent: %w", err)
	}

	tempFile, err := afero.TempFile(fs, dir, "."+filepath.Base(target)+".davsync.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			tempFile.Close()
			fs.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := fs.Rename(tempPath, target); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", target, err)
	}

	success = true
	return nil
}
