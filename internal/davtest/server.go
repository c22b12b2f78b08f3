// Package davtest runs an in-process WebDAV server backed by a temp
// directory. It reports content-hash ETags so that touching a file without
// changing its bytes keeps the ETag stable, which is what most production
// servers do.
package davtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"
)

const (
	Username = "alice"
	Password = "s3cret"
)

type Server struct {
	*httptest.Server
	Root string

	mu       sync.Mutex
	failures map[string]int
	requests []string
}

// New starts a server rooted at a fresh temp dir. It is closed on test cleanup.
func New(t testing.TB) *Server {
	t.Helper()

	root := t.TempDir()
	s := &Server{
		Root:     root,
		failures: make(map[string]int),
	}

	dav := &webdav.Handler{
		FileSystem: &hashFS{root: root, Dir: webdav.Dir(root)},
		LockSystem: webdav.NewMemLS(),
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != Username || pass != Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="davtest"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		reqPath := path.Clean("/" + r.URL.Path)
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+reqPath)
		code, fail := s.failures[r.Method+" "+reqPath]
		s.mu.Unlock()
		if fail {
			http.Error(w, http.StatusText(code), code)
			return
		}

		dav.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)

	return s
}

// Fail makes every request with method on davPath answer with code.
func (s *Server) Fail(method, davPath string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path.Clean("/"+davPath)] = code
}

func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]int)
}

// Requests returns "METHOD /path" for every authenticated request seen.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// CountRequests counts recorded requests using method.
func (s *Server) CountRequests(method string) int {
	n := 0
	for _, r := range s.Requests() {
		if strings.HasPrefix(r, method+" ") {
			n++
		}
	}
	return n
}

func (s *Server) diskPath(davPath string) string {
	return filepath.Join(s.Root, filepath.FromSlash(path.Clean("/"+davPath)))
}

// WriteFile places a file directly in the served tree, bypassing HTTP.
func (s *Server) WriteFile(t testing.TB, davPath string, data []byte, mtime time.Time) {
	t.Helper()
	p := s.diskPath(davPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}
}

func (s *Server) ReadFile(davPath string) ([]byte, error) {
	return os.ReadFile(s.diskPath(davPath))
}

func (s *Server) Exists(davPath string) bool {
	_, err := os.Stat(s.diskPath(davPath))
	return err == nil
}

func (s *Server) Remove(t testing.TB, davPath string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(s.diskPath(davPath)))
}

func (s *Server) Touch(t testing.TB, davPath string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(s.diskPath(davPath), mtime, mtime))
}

// hashFS decorates webdav.Dir so that every FileInfo it hands out reports a
// content-hash ETag.
type hashFS struct {
	webdav.Dir
	root string
}

func (fs *hashFS) full(name string) string {
	return filepath.Join(fs.root, filepath.FromSlash(path.Clean("/"+name)))
}

func (fs *hashFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	fi, err := fs.Dir.Stat(ctx, name)
	if err != nil {
		return nil, err
	}
	return &hashInfo{FileInfo: fi, full: fs.full(name)}, nil
}

func (fs *hashFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	f, err := fs.Dir.OpenFile(ctx, name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &hashFile{File: f, full: fs.full(name)}, nil
}

type hashFile struct {
	webdav.File
	full string
}

func (f *hashFile) Stat() (os.FileInfo, error) {
	fi, err := f.File.Stat()
	if err != nil {
		return nil, err
	}
	return &hashInfo{FileInfo: fi, full: f.full}, nil
}

type hashInfo struct {
	os.FileInfo
	full string
}

// ETag implements webdav.ETager.
func (fi *hashInfo) ETag(ctx context.Context) (string, error) {
	if fi.IsDir() {
		return "", webdav.ErrNotImplemented
	}
	data, err := os.ReadFile(fi.full)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf(`"%s"`, hex.EncodeToString(sum[:8])), nil
}
