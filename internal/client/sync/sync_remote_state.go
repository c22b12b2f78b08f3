package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/davsync/davsync/internal/davclient"
	"github.com/davsync/davsync/internal/utils"
	mapset "github.com/deckarep/golang-set/v2"
)

// RemoteFS is the subset of the WebDAV client a pass uses.
// *davclient.Client implements it.
type RemoteFS interface {
	List(ctx context.Context, dir string) ([]davclient.Resource, error)
	Stat(ctx context.Context, remotePath string) (*davclient.Resource, error)
	Get(ctx context.Context, remotePath string) ([]byte, error)
	Put(ctx context.Context, remotePath string, data []byte) (string, error)
	MkcolAll(ctx context.Context, remotePath string, known mapset.Set[string]) error
	Move(ctx context.Context, from, to string) error
	Delete(ctx context.Context, remotePath string) error
}

var _ RemoteFS = (*davclient.Client)(nil)

type SyncRemoteState struct {
	remote  RemoteFS
	rootDir string
	filter  *SyncFilter
}

func NewSyncRemoteState(remote RemoteFS, rootDir string, filter *SyncFilter) *SyncRemoteState {
	return &SyncRemoteState{
		remote:  remote,
		rootDir: utils.CleanRemotePath(rootDir),
		filter:  filter,
	}
}

// relPath maps an absolute remote path below the root to a sync key.
func (s *SyncRemoteState) relPath(p string) (string, bool) {
	if s.rootDir == "/" {
		return utils.NormPath(p), true
	}
	if !strings.HasPrefix(p, s.rootDir+"/") {
		return "", false
	}
	return utils.NormPath(strings.TrimPrefix(p, s.rootDir)), true
}

// Scan lists the remote root recursively with Depth 1 requests. A directory
// that cannot be listed counts as empty and its error is returned alongside
// the entries, so callers can tell a partial listing from a complete one.
func (s *SyncRemoteState) Scan(ctx context.Context) (map[string]*FileEntry, []error) {
	state := make(map[string]*FileEntry)
	var errs []error

	visited := mapset.NewThreadUnsafeSet[string]()
	queue := []string{s.rootDir}

	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		if !visited.Add(dir) {
			continue
		}

		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("remote scan %s: %w", dir, err))
			break
		}

		resources, err := s.remote.List(ctx, dir)
		if err != nil {
			slog.Warn("remote scan", "dir", dir, "error", err)
			errs = append(errs, fmt.Errorf("remote scan %s: %w", dir, err))
			continue
		}

		for _, res := range resources {
			rel, ok := s.relPath(res.Path)
			if !ok || rel == "" {
				continue
			}

			if res.IsDir {
				if s.filter != nil && s.filter.SkipDir(rel) {
					continue
				}
				if s.filter == nil && utils.HasDotSegment(rel) {
					continue
				}
				queue = append(queue, res.Path)
				continue
			}

			if s.filter != nil && !s.filter.Allow(rel) {
				continue
			}
			if s.filter == nil && utils.HasDotSegment(rel) {
				continue
			}

			state[rel] = &FileEntry{
				Path:  rel,
				Mtime: res.Mtime,
				Size:  res.Size,
				ETag:  res.ETag,
			}
		}
	}

	slog.Debug("remote scan", "files", len(state), "dirs", visited.Cardinality(), "errors", len(errs))
	return state, errs
}
