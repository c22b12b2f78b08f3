package sync

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davsync/davsync/internal/client/config"
	"github.com/davsync/davsync/internal/davclient"
	"github.com/davsync/davsync/internal/davtest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// stepClock advances by step on every call.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func newStepClock(step time.Duration) *stepClock {
	return &stepClock{now: time.Now(), step: step}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.now
	c.now = c.now.Add(c.step)
	return cur
}

// countingFs counts opens of regular files.
type countingFs struct {
	afero.Fs
	mu    sync.Mutex
	opens map[string]int
}

func newCountingFs(base afero.Fs) *countingFs {
	return &countingFs{Fs: base, opens: make(map[string]int)}
}

func (c *countingFs) Open(name string) (afero.File, error) {
	f, err := c.Fs.Open(name)
	if err != nil {
		return f, err
	}
	if fi, err := f.Stat(); err == nil && !fi.IsDir() {
		c.mu.Lock()
		c.opens[name]++
		c.mu.Unlock()
	}
	return f, nil
}

func (c *countingFs) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.opens {
		n += v
	}
	return n
}

type testEnv struct {
	srv    *davtest.Server
	client *davclient.Client
	cfg    *config.Config
	store  *MetadataStore
	root   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	srv := davtest.New(t)
	client, err := davclient.New(davclient.Options{
		BaseURL:  srv.URL,
		Username: davtest.Username,
		Password: davtest.Password,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)

	dataDir := t.TempDir()
	cfg := config.Default()
	cfg.LocalRoot = t.TempDir()
	cfg.DataDir = dataDir
	cfg.BaseURL = srv.URL
	cfg.Username = davtest.Username
	cfg.Password = davtest.Password
	require.NoError(t, cfg.Validate())

	return &testEnv{
		srv:    srv,
		client: client,
		cfg:    cfg,
		store:  NewMetadataStore(filepath.Join(dataDir, "sync-metadata.json")),
		root:   cfg.LocalRoot,
	}
}

func (e *testEnv) engine(t *testing.T, decisions DecisionProvider, now func() time.Time) *SyncEngine {
	t.Helper()
	se, err := NewSyncEngine(EngineOptions{
		Config:    e.cfg,
		Remote:    e.client,
		Store:     e.store,
		Decisions: decisions,
		Now:       now,
	})
	require.NoError(t, err)
	t.Cleanup(se.Close)
	return se
}

func (e *testEnv) writeLocal(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(e.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func (e *testEnv) readLocal(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func (e *testEnv) localExists(rel string) bool {
	_, err := os.Stat(filepath.Join(e.root, filepath.FromSlash(rel)))
	return err == nil
}

func (e *testEnv) readRemote(t *testing.T, rel string) string {
	t.Helper()
	data, err := e.srv.ReadFile("/davsync/" + rel)
	require.NoError(t, err)
	return string(data)
}

func writeFile(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	if !mtime.IsZero() {
		require.NoError(t, os.Chtimes(path, mtime, mtime))
	}
}
