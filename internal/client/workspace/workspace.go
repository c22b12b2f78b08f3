package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/davsync/davsync/internal/utils"
	"github.com/gofrs/flock"
)

const (
	logsDir      = "logs"
	lockFile     = "davsync.lock"
	metadataFile = "sync-metadata.json"
	logFile      = "davsync-sync.log"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
)

// Workspace is the data directory of one davsync instance: sync metadata,
// logs and the process lock live here. The synchronized tree lives elsewhere.
type Workspace struct {
	Root         string
	LogsDir      string
	MetadataPath string
	LogFilePath  string

	flock *flock.Flock
}

func NewWorkspace(dataDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", dataDir, err)
	}

	return &Workspace{
		Root:         root,
		LogsDir:      filepath.Join(root, logsDir),
		MetadataPath: filepath.Join(root, metadataFile),
		LogFilePath:  filepath.Join(root, logsDir, logFile),
		flock:        flock.New(filepath.Join(root, lockFile)),
	}, nil
}

func (w *Workspace) LockPath() string {
	return w.flock.Path()
}

func (w *Workspace) Lock() error {
	// a davsync.lock in the data dir keeps a second instance from sharing the metadata
	if err := utils.EnsureDir(w.Root); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.Root, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	return nil
}

func (w *Workspace) Unlock() error {
	// if this process hasn't locked the workspace, then don't delete the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	return os.Remove(w.flock.Path())
}

// Setup locks the workspace and creates its directories.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	if err := utils.EnsureDir(w.LogsDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.LogsDir, err)
	}

	slog.Debug("workspace", "root", w.Root)
	return nil
}
