package sync

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davsync/davsync/internal/client/workspace"
	"github.com/davsync/davsync/internal/davclient"
	"github.com/davsync/davsync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSyncEngine(t *testing.T) {
	_, err := NewSyncEngine(EngineOptions{})
	assert.ErrorIs(t, err, ErrNoConfig)

	env := newTestEnv(t)
	_, err = NewSyncEngine(EngineOptions{Config: env.cfg, Remote: env.client})
	assert.ErrorIs(t, err, ErrNoMetaStore)

	ws, err := workspace.NewWorkspace(env.cfg.DataDir)
	require.NoError(t, err)
	se, err := NewSyncEngine(EngineOptions{Config: env.cfg, Workspace: ws})
	require.NoError(t, err)
	assert.Equal(t, ws.MetadataPath, se.store.Path())
	assert.NotNil(t, se.remote, "a webdav client is built from the config")
}

func TestEngineSyncScenario(t *testing.T) {
	env := newTestEnv(t)
	decisions := &StaticDecisions{}
	se := env.engine(t, decisions, nil)
	ctx := t.Context()

	// first pass uploads the new note and creates the remote root
	env.writeLocal(t, "a.md", "# hello")
	report := se.Sync(ctx, TriggerManual)
	require.True(t, report.Clean(), report.Status())
	assert.Equal(t, 1, report.Uploaded)
	assert.Equal(t, "sync complete (up 1 / down 0 / moved 0 / deleted 0 / conflicts 0)", report.Status())
	assert.Equal(t, "# hello", env.readRemote(t, "a.md"))
	assert.NotEmpty(t, report.PassID)

	meta := env.store.Load()
	require.Contains(t, meta.Files, "a.md")
	assert.Equal(t, utils.HashBytes([]byte("# hello")), meta.Files["a.md"].Hash)
	assert.Equal(t, report.StartedAt.UnixMilli(), meta.LastSyncTime)

	// nothing changed, nothing moves
	env.srv.ResetRequests()
	report = se.Sync(ctx, TriggerManual)
	assert.True(t, report.Clean())
	assert.Empty(t, report.Results)
	assert.Equal(t, 1, report.Unchanged)
	assert.Zero(t, env.srv.CountRequests("PUT"))
	assert.Zero(t, env.srv.CountRequests("GET"))

	// remote edit comes down
	env.srv.WriteFile(t, "/davsync/a.md", []byte("# hello from phone"), time.Time{})
	report = se.Sync(ctx, TriggerManual)
	assert.Equal(t, 1, report.Downloaded, report.Status())
	assert.Equal(t, "# hello from phone", env.readLocal(t, "a.md"))

	// local edit goes up
	env.writeLocal(t, "a.md", "# hello from laptop")
	report = se.Sync(ctx, TriggerManual)
	assert.Equal(t, 1, report.Uploaded, report.Status())
	assert.Equal(t, "# hello from laptop", env.readRemote(t, "a.md"))

	// both sides edited: the provider is asked and nothing is overwritten on defer
	env.writeLocal(t, "a.md", "laptop v2")
	env.srv.WriteFile(t, "/davsync/a.md", []byte("phone v2"), time.Time{})
	report = se.Sync(ctx, TriggerManual)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, "laptop v2", env.readLocal(t, "a.md"))
	assert.Equal(t, "phone v2", env.readRemote(t, "a.md"))
	conflicts, _ := decisions.Asked()
	assert.Equal(t, []string{"a.md"}, conflicts)

	// keep local resolves it
	decisions.Conflict = ChoiceKeepLocal
	report = se.Sync(ctx, TriggerManual)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 1, report.Uploaded)
	assert.Equal(t, "laptop v2", env.readRemote(t, "a.md"))

	// and the next pass is quiet again
	report = se.Sync(ctx, TriggerManual)
	assert.Empty(t, report.Results)
}

func TestEngineIdempotentAfterDownload(t *testing.T) {
	env := newTestEnv(t)
	env.srv.WriteFile(t, "/davsync/notes/b.md", []byte("beta"), time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC))
	env.srv.WriteFile(t, "/davsync/img/c.png", []byte("png"), time.Time{})
	se := env.engine(t, nil, nil)

	report := se.Sync(t.Context(), TriggerManual)
	assert.Equal(t, 2, report.Downloaded, report.Status())
	assert.Equal(t, "beta", env.readLocal(t, "notes/b.md"))

	// touching the remote copy without changing its bytes keeps the etag
	env.srv.Touch(t, "/davsync/notes/b.md", time.Now())
	for i := 0; i < 2; i++ {
		report = se.Sync(t.Context(), TriggerManual)
		assert.Empty(t, report.Results, "pass %d", i)
		assert.Equal(t, 2, report.Unchanged)
	}
}

func TestEngineDeletionIsNeverSilent(t *testing.T) {
	env := newTestEnv(t)
	decisions := &StaticDecisions{Deletion: ChoiceDeferDeletion}
	se := env.engine(t, decisions, nil)
	ctx := t.Context()

	original := "# keep me\n\nwith some body text"
	env.writeLocal(t, "notes/keep.md", original)
	require.Equal(t, 1, se.Sync(ctx, TriggerManual).Uploaded)

	require.NoError(t, os.Remove(filepath.Join(env.root, "notes", "keep.md")))

	// deferred: both the remote copy and the record survive
	report := se.Sync(ctx, TriggerManual)
	assert.Equal(t, 1, report.Deferred)
	assert.True(t, env.srv.Exists("/davsync/notes/keep.md"))
	assert.Contains(t, env.store.Load().Files, "notes/keep.md")
	_, deletions := decisions.Asked()
	assert.Equal(t, []string{"notes/keep.md"}, deletions)

	// restore recreates the file byte for byte
	decisions.Deletion = ChoiceRestore
	report = se.Sync(ctx, TriggerManual)
	assert.Equal(t, 1, report.Downloaded, report.Status())
	assert.Equal(t, original, env.readLocal(t, "notes/keep.md"))

	// confirmed delete removes the remote copy and the record
	require.NoError(t, os.Remove(filepath.Join(env.root, "notes", "keep.md")))
	decisions.Deletion = ChoiceDeleteRemote
	report = se.Sync(ctx, TriggerManual)
	assert.Equal(t, 1, report.Deleted, report.Status())
	assert.False(t, env.srv.Exists("/davsync/notes/keep.md"))
	assert.NotContains(t, env.store.Load().Files, "notes/keep.md")
}

func TestEngineRemoteMissingKeepsLocal(t *testing.T) {
	env := newTestEnv(t)
	se := env.engine(t, nil, nil)

	env.writeLocal(t, "a.md", "alpha")
	require.Equal(t, 1, se.Sync(t.Context(), TriggerManual).Uploaded)

	env.srv.Remove(t, "/davsync/a.md")
	report := se.Sync(t.Context(), TriggerManual)
	assert.Equal(t, 1, report.Warnings)
	assert.Equal(t, "alpha", env.readLocal(t, "a.md"))
	assert.Contains(t, env.store.Load().Files, "a.md")
	assert.False(t, env.srv.Exists("/davsync/a.md"), "the warning never re-uploads")
}

func TestEngineRenameCollapsesToMove(t *testing.T) {
	env := newTestEnv(t)
	se := env.engine(t, nil, nil)

	env.writeLocal(t, "old.md", "same bytes")
	require.Equal(t, 1, se.Sync(t.Context(), TriggerManual).Uploaded)

	require.NoError(t, os.MkdirAll(filepath.Join(env.root, "archive"), 0o755))
	require.NoError(t, os.Rename(filepath.Join(env.root, "old.md"), filepath.Join(env.root, "archive", "new.md")))

	env.srv.ResetRequests()
	report := se.Sync(t.Context(), TriggerManual)
	assert.Equal(t, 1, report.Moved, report.Status())
	assert.Zero(t, env.srv.CountRequests("PUT"))
	assert.Equal(t, 1, env.srv.CountRequests("MOVE"))
	assert.False(t, env.srv.Exists("/davsync/old.md"))
	assert.Equal(t, "same bytes", env.readRemote(t, "archive/new.md"))

	files := env.store.Load().Files
	assert.NotContains(t, files, "old.md")
	assert.Contains(t, files, "archive/new.md")

	assert.Empty(t, se.Sync(t.Context(), TriggerManual).Results)
}

func TestEngineRenameOverRemoteEditIsNotAMove(t *testing.T) {
	env := newTestEnv(t)
	se := env.engine(t, nil, nil)

	env.writeLocal(t, "old.md", "v1")
	require.Equal(t, 1, se.Sync(t.Context(), TriggerManual).Uploaded)

	// edited on another device, then renamed here before the next pass
	env.srv.WriteFile(t, "/davsync/old.md", []byte("v2 from phone"), time.Time{})
	require.NoError(t, os.Rename(filepath.Join(env.root, "old.md"), filepath.Join(env.root, "new.md")))

	env.srv.ResetRequests()
	report := se.Sync(t.Context(), TriggerManual)
	assert.Zero(t, report.Moved, report.Status())
	assert.Zero(t, env.srv.CountRequests("MOVE"))
	assert.Equal(t, 1, report.Uploaded)
	assert.Equal(t, 1, report.Deferred, "the local deletion of old.md is asked about")

	assert.Equal(t, "v1", env.readRemote(t, "new.md"))
	assert.Equal(t, "v2 from phone", env.readRemote(t, "old.md"))
	assert.Contains(t, env.store.Load().Files, "old.md")
}

func TestEngineLocalEditWithRemoteTouch(t *testing.T) {
	env := newTestEnv(t)
	se := env.engine(t, nil, nil)

	env.writeLocal(t, "a.md", "hello")
	require.Equal(t, 1, se.Sync(t.Context(), TriggerManual).Uploaded)

	// same bytes on the server, only the mtime moved
	env.writeLocal(t, "a.md", "hello world")
	env.srv.Touch(t, "/davsync/a.md", time.Now().Add(time.Hour))

	env.srv.ResetRequests()
	report := se.Sync(t.Context(), TriggerManual)
	assert.Equal(t, 1, report.Uploaded, report.Status())
	assert.Zero(t, report.Conflicts)
	assert.Zero(t, report.Downloaded)
	assert.EqualValues(t, len(env.srv.Requests()), report.Requests)
	assert.Equal(t, "hello world", env.readRemote(t, "a.md"))

	res, err := env.client.Stat(t.Context(), "/davsync/a.md")
	require.NoError(t, err)
	rec := env.store.Load().Files["a.md"]
	require.NotNil(t, rec)
	assert.Equal(t, utils.HashBytes([]byte("hello world")), rec.Hash)
	assert.Equal(t, res.ETag, rec.RemoteEtag)

	assert.Empty(t, se.Sync(t.Context(), TriggerManual).Results)
}

// etaglessRemote answers PUT without an ETag header, as some servers do.
type etaglessRemote struct {
	*davclient.Client
}

func (r etaglessRemote) Put(ctx context.Context, remotePath string, data []byte) (string, error) {
	if _, err := r.Client.Put(ctx, remotePath, data); err != nil {
		return "", err
	}
	return "", nil
}

func TestEngineUploadWithoutEtagSeesRemoteEdit(t *testing.T) {
	env := newTestEnv(t)
	se, err := NewSyncEngine(EngineOptions{
		Config: env.cfg,
		Remote: etaglessRemote{env.client},
		Store:  env.store,
	})
	require.NoError(t, err)
	t.Cleanup(se.Close)

	env.writeLocal(t, "a.md", "v1")
	require.Equal(t, 1, se.Sync(t.Context(), TriggerManual).Uploaded)

	rec := env.store.Load().Files["a.md"]
	require.NotNil(t, rec)
	assert.NotEmpty(t, rec.RemoteEtag, "recorded from a stat after the upload")

	env.srv.WriteFile(t, "/davsync/a.md", []byte("v2 from phone"), time.Now().Add(time.Hour))

	report := se.Sync(t.Context(), TriggerManual)
	assert.Equal(t, 1, report.Downloaded, report.Status())
	assert.Equal(t, "v2 from phone", env.readLocal(t, "a.md"))
}

func TestEngineResumesAfterDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.TimeoutMs = 1500
	clock := newStepClock(time.Second)
	se := env.engine(t, nil, clock.Now)

	env.writeLocal(t, "a.md", "a")
	env.writeLocal(t, "b.md", "b")
	env.writeLocal(t, "c.md", "c")

	for pass := 1; pass <= 3; pass++ {
		report := se.Sync(t.Context(), TriggerManual)
		assert.Equal(t, 1, report.Uploaded, "pass %d", pass)
		if pass < 3 {
			assert.True(t, report.TimedOut, "pass %d", pass)
			assert.Equal(t, 3-pass, report.Pending)
			assert.Zero(t, env.store.Load().LastSyncTime, "an unfinished pass keeps lastSyncTime")
		}
		assert.Len(t, env.store.Load().Files, pass, "completed actions are persisted")
	}

	report := se.Sync(t.Context(), TriggerManual)
	assert.True(t, report.Clean())
	assert.Empty(t, report.Results)
	assert.Equal(t, report.StartedAt.UnixMilli(), env.store.Load().LastSyncTime)
}

func TestEngineShutdownBudget(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.TimeoutMs = 1500
	clock := newStepClock(time.Second)
	se := env.engine(t, nil, clock.Now)

	env.writeLocal(t, "a.md", "a")
	env.writeLocal(t, "b.md", "b")
	env.writeLocal(t, "c.md", "c")

	report := se.Sync(t.Context(), TriggerShutdown)
	assert.False(t, report.TimedOut)
	assert.Equal(t, 3, report.Uploaded)
}

func TestEngineFailedActionKeepsLastSyncTime(t *testing.T) {
	env := newTestEnv(t)
	se := env.engine(t, nil, nil)

	env.writeLocal(t, "a.md", "a")
	env.writeLocal(t, "b.md", "b")
	env.srv.Fail("PUT", "/davsync/b.md", http.StatusForbidden)

	report := se.Sync(t.Context(), TriggerManual)
	assert.Equal(t, 1, report.Uploaded)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Status(), "1 failed")

	meta := env.store.Load()
	assert.Zero(t, meta.LastSyncTime)
	assert.Contains(t, meta.Files, "a.md")

	env.srv.ClearFailures()
	report = se.Sync(t.Context(), TriggerManual)
	assert.Equal(t, 1, report.Uploaded)
	assert.True(t, report.Clean())
}

func TestEngineSkips(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.Enabled = false
		report := env.engine(t, nil, nil).Sync(t.Context(), TriggerManual)
		assert.True(t, report.Skipped)
		assert.Equal(t, SkipDisabled, report.SkipReason)
		assert.Empty(t, env.srv.Requests())
	})

	t.Run("no local root", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.LocalRoot = ""
		report := env.engine(t, nil, nil).Sync(t.Context(), TriggerStartup)
		assert.True(t, report.Skipped)
		assert.Equal(t, "sync skipped: no local root configured", report.Status())
	})

	t.Run("unreadable root", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.LocalRoot = filepath.Join(env.root, "missing")
		report := env.engine(t, nil, nil).Sync(t.Context(), TriggerManual)
		assert.True(t, report.Skipped)
		assert.Equal(t, SkipRootUnreadable, report.SkipReason)
		assert.Empty(t, env.srv.Requests(), "never treat an unreadable root as deleted files")
	})

	t.Run("remote root unavailable", func(t *testing.T) {
		env := newTestEnv(t)
		env.srv.Fail("MKCOL", "/davsync", http.StatusForbidden)
		env.writeLocal(t, "a.md", "a")
		report := env.engine(t, nil, nil).Sync(t.Context(), TriggerManual)
		assert.True(t, report.Skipped)
		assert.Equal(t, SkipRemoteMissing, report.SkipReason)
		assert.Zero(t, env.srv.CountRequests("PUT"))
	})

	t.Run("single flight", func(t *testing.T) {
		env := newTestEnv(t)
		se := env.engine(t, nil, nil)
		se.muSync.Lock()
		report := se.Sync(t.Context(), TriggerManual)
		se.muSync.Unlock()
		assert.True(t, report.Skipped)
		assert.Equal(t, SkipAlreadyRunning, report.SkipReason)
	})
}

func TestEngineFreshnessHeuristic(t *testing.T) {
	env := newTestEnv(t)
	se := env.engine(t, nil, nil)
	ctx := t.Context()

	env.writeLocal(t, "a.md", "a")
	require.True(t, se.Sync(ctx, TriggerManual).Clean())

	env.srv.ResetRequests()
	report := se.Sync(ctx, TriggerInterval)
	assert.True(t, report.Skipped)
	assert.Equal(t, SkipNoLocalChanges, report.SkipReason)
	assert.Zero(t, env.srv.CountRequests("PROPFIND"), "remote scan skipped")

	// a manual pass always scans
	report = se.Sync(ctx, TriggerManual)
	assert.False(t, report.Skipped)
	assert.NotZero(t, env.srv.CountRequests("PROPFIND"))

	// a local change disables the shortcut
	env.writeLocal(t, "b.md", "b")
	report = se.Sync(ctx, TriggerWatch)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Uploaded)

	// so does an expired window
	env.cfg.RemoteScanSkipMinutes = 0
	report = se.Sync(ctx, TriggerInterval)
	assert.False(t, report.Skipped)
}

func TestEngineOrphanedRecordsPruned(t *testing.T) {
	env := newTestEnv(t)
	se := env.engine(t, nil, nil)

	meta := NewSyncMetadata()
	meta.Files["ghost.md"] = &SyncRecord{Hash: "h"}
	require.NoError(t, env.store.Save(meta))

	// an incomplete remote listing keeps the record
	env.srv.WriteFile(t, "/davsync/sub/x.md", []byte("x"), time.Time{})
	env.srv.Fail("PROPFIND", "/davsync/sub", http.StatusInternalServerError)
	report := se.Sync(t.Context(), TriggerManual)
	assert.Equal(t, 1, report.RemoteErrors)
	assert.False(t, report.Clean())
	assert.Contains(t, env.store.Load().Files, "ghost.md")

	env.srv.ClearFailures()
	se.Sync(t.Context(), TriggerManual)
	assert.NotContains(t, env.store.Load().Files, "ghost.md")
}

func TestEngineCorruptMetadataRecovers(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(env.store.Path(), []byte("garbage"), 0o644))

	env.writeLocal(t, "a.md", "a")
	env.srv.WriteFile(t, "/davsync/a.md", []byte("a"), time.Time{})

	se := env.engine(t, nil, nil)
	report := se.Sync(t.Context(), TriggerManual)
	assert.Equal(t, 1, report.Uploaded, "no record: the local copy is pushed")
	assert.Contains(t, env.store.Load().Files, "a.md")

	matches, err := filepath.Glob(env.store.Path() + ".*.bak")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestEngineProgressEvents(t *testing.T) {
	env := newTestEnv(t)
	se := env.engine(t, nil, nil)
	events := se.Subscribe()

	env.writeLocal(t, "a.md", "a")
	env.writeLocal(t, "b.md", "b")
	report := se.Sync(t.Context(), TriggerManual)
	require.Equal(t, 2, report.Uploaded)

	var phases []Phase
	var last *ProgressEvent
	for len(events) > 0 {
		ev := <-events
		assert.Equal(t, report.PassID, ev.PassID)
		phases = append(phases, ev.Phase)
		last = ev
	}
	assert.Equal(t, []Phase{PhasePrepare, PhasePlan, PhaseExecute, PhaseExecute, PhaseDone}, phases)
	require.NotNil(t, last)
	assert.Equal(t, report.Status(), last.String())
	assert.Equal(t, last, se.LastProgress())

	se.Unsubscribe(events)
	_, ok := <-events
	assert.False(t, ok)
}

func TestEngineLocalWriteHook(t *testing.T) {
	env := newTestEnv(t)
	env.srv.WriteFile(t, "/davsync/a.md", []byte("a"), time.Time{})
	se := env.engine(t, nil, nil)

	var written []string
	se.SetLocalWriteHook(func(p string) { written = append(written, p) })
	se.Sync(t.Context(), TriggerManual)

	assert.Equal(t, []string{filepath.Join(env.root, "a.md")}, written)
}
