package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/davsync/davsync/internal/utils"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
)

const defaultHashCacheSize = 4096

var ErrLocalRootUnreadable = errors.New("local root unreadable")

type hashCacheEntry struct {
	size  int64
	mtime int64
	hash  string
}

// HashCache remembers content hashes by path, valid while size and mtime
// are unchanged. It outlives a single pass.
type HashCache struct {
	entries *lru.Cache[string, hashCacheEntry]
}

func NewHashCache(size int) *HashCache {
	if size <= 0 {
		size = defaultHashCacheSize
	}
	entries, _ := lru.New[string, hashCacheEntry](size)
	return &HashCache{entries: entries}
}

func (c *HashCache) Lookup(path string, size, mtime int64) (string, bool) {
	e, ok := c.entries.Get(path)
	if !ok || e.size != size || e.mtime != mtime || e.hash == "" {
		return "", false
	}
	return e.hash, true
}

func (c *HashCache) Store(path string, size, mtime int64, hash string) {
	c.entries.Add(path, hashCacheEntry{size: size, mtime: mtime, hash: hash})
}

func (c *HashCache) Len() int {
	return c.entries.Len()
}

type SyncLocalState struct {
	fs      afero.Fs
	rootDir string
	filter  *SyncFilter
	cache   *HashCache
}

func NewSyncLocalState(fs afero.Fs, rootDir string, filter *SyncFilter, cache *HashCache) *SyncLocalState {
	if cache == nil {
		cache = NewHashCache(0)
	}
	return &SyncLocalState{
		fs:      fs,
		rootDir: rootDir,
		filter:  filter,
		cache:   cache,
	}
}

// Scan walks the local root and returns every synchronized file keyed by its
// relative path. Hashes are reused from records or the cache when size and
// mtime match, otherwise the file is read.
func (s *SyncLocalState) Scan(records map[string]*SyncRecord) (map[string]*FileEntry, error) {
	info, err := s.fs.Stat(s.rootDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocalRootUnreadable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrLocalRootUnreadable, s.rootDir)
	}
	if _, err := afero.ReadDir(s.fs, s.rootDir); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocalRootUnreadable, err)
	}

	newState := make(map[string]*FileEntry)
	hashed, reused := 0, 0

	err = afero.Walk(s.fs, s.rootDir, func(path string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			slog.Debug("local scan skip", "path", path, "error", walkErr)
			if info != nil && info.IsDir() && path != s.rootDir {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(s.rootDir, path)
		if err != nil {
			return nil
		}
		relPath = utils.NormPath(relPath)

		if info.IsDir() {
			if s.filter != nil && s.filter.SkipDir(relPath) {
				return filepath.SkipDir
			}
			return nil
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		if s.filter != nil && !s.filter.Allow(relPath) {
			return nil
		}
		if s.filter == nil && utils.HasDotSegment(relPath) {
			return nil
		}

		size := info.Size()
		mtime := info.ModTime().UnixMilli()

		var hash string
		if rec, ok := records[relPath]; ok && rec != nil && rec.Hash != "" && rec.Size == size && rec.Mtime == mtime {
			hash = rec.Hash
			reused++
		} else if cached, ok := s.cache.Lookup(relPath, size, mtime); ok {
			hash = cached
			reused++
		} else {
			calculated, err := s.hashFile(path)
			if err != nil {
				slog.Debug("local scan skip", "path", relPath, "error", err)
				return nil
			}
			hash = calculated
			hashed++
			s.cache.Store(relPath, size, mtime, hash)
		}

		newState[relPath] = &FileEntry{
			Path:  relPath,
			Mtime: mtime,
			Size:  size,
			Hash:  hash,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local scan failed: %w", err)
	}

	slog.Debug("local scan", "files", len(newState), "hashed", hashed, "reused", reused)
	return newState, nil
}

func (s *SyncLocalState) hashFile(path string) (string, error) {
	file, err := s.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file '%s': %w", path, err)
	}
	defer file.Close()

	hash, err := utils.HashReader(file)
	if err != nil {
		return "", fmt.Errorf("failed to hash file '%s': %w", path, err)
	}
	return hash, nil
}
