package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkspace_Layout(t *testing.T) {
	root := t.TempDir()

	w, err := NewWorkspace(root)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "sync-metadata.json"), w.MetadataPath)
	assert.Equal(t, filepath.Join(root, "logs"), w.LogsDir)
	assert.Equal(t, filepath.Join(root, "logs", "davsync-sync.log"), w.LogFilePath)
	assert.Equal(t, filepath.Join(root, "davsync.lock"), w.LockPath())
}

func TestWorkspaceSetup_CreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")

	w, err := NewWorkspace(root)
	require.NoError(t, err)

	require.NoError(t, w.Setup())
	t.Cleanup(func() { _ = w.Unlock() })

	assert.DirExists(t, w.Root)
	assert.DirExists(t, w.LogsDir)
}

func TestWorkspaceLocking_SingleInstance(t *testing.T) {
	root := t.TempDir()

	w1, err := NewWorkspace(root)
	require.NoError(t, err)
	w2, err := NewWorkspace(root)
	require.NoError(t, err)

	require.NoError(t, w1.Lock())

	err = w2.Lock()
	require.ErrorIs(t, err, ErrWorkspaceLocked)

	lockPath := filepath.Join(root, "davsync.lock")
	assert.FileExists(t, lockPath)

	require.NoError(t, w1.Unlock())
	_, statErr := os.Stat(lockPath)
	require.ErrorIs(t, statErr, os.ErrNotExist)

	require.NoError(t, w2.Lock())
	t.Cleanup(func() { _ = w2.Unlock() })
}

func TestWorkspaceUnlock_NotLockedIsNoop(t *testing.T) {
	w, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, w.Unlock())
}
