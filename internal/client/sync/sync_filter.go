package sync

import (
	"bufio"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/davsync/davsync/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

const IgnoreFileName = ".davsyncignore"

var defaultIgnoreLines = []string{
	// editors
	"*.swp",
	"*~",
	// general excludes
	"*.tmp",
	"*.part",
}

// SyncFilter decides which relative paths take part in a sync pass. The
// same filter is applied to the local and the remote tree.
type SyncFilter struct {
	include []string
	exclude []string
	ignore  *gitignore.GitIgnore
	mu      sync.RWMutex
}

func NewSyncFilter(include, exclude []string) *SyncFilter {
	return &SyncFilter{
		include: validPatterns(include),
		exclude: validPatterns(exclude),
		ignore:  gitignore.CompileIgnoreLines(defaultIgnoreLines...),
	}
}

func validPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			slog.Warn("sync filter", "error", "invalid glob dropped", "pattern", p)
			continue
		}
		out = append(out, p)
	}
	return out
}

// LoadIgnoreFile reads gitignore-style rules from <root>/.davsyncignore, if
// present, on top of the built-in ones.
func (f *SyncFilter) LoadIgnoreFile(fs afero.Fs, root string) {
	lines := append([]string(nil), defaultIgnoreLines...)

	ignorePath := filepath.Join(root, IgnoreFileName)
	file, err := fs.Open(ignorePath)
	if err == nil {
		defer file.Close()

		rules := 0
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				lines = append(lines, line)
				rules++
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("sync ignore file", "path", ignorePath, "error", err)
		} else {
			slog.Debug("sync ignore file", "path", ignorePath, "rules", rules)
		}
	}

	ignore := gitignore.CompileIgnoreLines(lines...)
	f.mu.Lock()
	f.ignore = ignore
	f.mu.Unlock()
}

func (f *SyncFilter) ignored(rel string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ignore.MatchesPath(rel)
}

// SkipDir reports whether a directory (relative, slash separated) should not
// be descended into.
func (f *SyncFilter) SkipDir(rel string) bool {
	if rel == "" {
		return false
	}
	if utils.HasDotSegment(rel) {
		return true
	}
	return f.ignored(rel + "/")
}

// Allow reports whether a file (relative, slash separated) is synchronized.
func (f *SyncFilter) Allow(rel string) bool {
	if rel == "" || utils.HasDotSegment(rel) {
		return false
	}

	for _, p := range f.exclude {
		if match(p, rel) {
			return false
		}
	}

	if f.ignored(rel) {
		return false
	}

	if len(f.include) == 0 {
		return true
	}
	for _, p := range f.include {
		if match(p, rel) {
			return true
		}
	}
	return false
}

func match(pattern, rel string) bool {
	if ok, _ := doublestar.Match(pattern, rel); ok {
		return true
	}
	// retry on the lower-cased file name so that "A.MD" counts as markdown
	ok, _ := doublestar.Match(pattern, path.Join(path.Dir(rel), strings.ToLower(path.Base(rel))))
	return ok
}
