package sync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataStore_LoadMissing(t *testing.T) {
	store := NewMetadataStore(filepath.Join(t.TempDir(), "sync-metadata.json"))

	meta := store.Load()
	require.NotNil(t, meta)
	assert.Empty(t, meta.Files)
	assert.Zero(t, meta.LastSyncTime)
	assert.Equal(t, metadataVersion, meta.Version)
}

func TestMetadataStore_SaveLoad(t *testing.T) {
	store := NewMetadataStore(filepath.Join(t.TempDir(), "nested", "sync-metadata.json"))

	meta := NewSyncMetadata()
	meta.LastSyncTime = 1700000000000
	meta.Files["notes/a.md"] = &SyncRecord{
		Hash:        "abc",
		Mtime:       1700000000001,
		Size:        12,
		SyncTime:    1700000000002,
		RemoteMtime: 1700000000000,
		RemoteEtag:  "e1",
	}
	require.NoError(t, store.Save(meta))

	loaded := store.Load()
	assert.Equal(t, meta.LastSyncTime, loaded.LastSyncTime)
	assert.Equal(t, meta.Files["notes/a.md"], loaded.Files["notes/a.md"])
}

func TestMetadataStore_SaveNil(t *testing.T) {
	store := NewMetadataStore(filepath.Join(t.TempDir(), "sync-metadata.json"))
	assert.Error(t, store.Save(nil))
}

func TestMetadataStore_CorruptIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync-metadata.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store := NewMetadataStore(path)
	store.now = func() time.Time { return time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC) }

	meta := store.Load()
	assert.Empty(t, meta.Files)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "corrupt file should be moved aside")

	backup, err := os.ReadFile(path + ".20250603100000.bak")
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(backup))
}

func TestMetadataStore_MigratesLegacy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync-metadata.json")
	legacy := `{
		"files": {
			"\\notes\\a.md": {"hash": "h1", "mtime": 10},
			"/b.md": {"hash": "h2", "mtime": 20, "syncTime": 5, "remoteEtag": "W/\"xyz\""},
			"b.md": {"hash": "old", "mtime": 1, "syncTime": 1},
			"c.md": null
		},
		"lastSyncTime": 99
	}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	meta := NewMetadataStore(path).Load()

	assert.Equal(t, metadataVersion, meta.Version)
	assert.Len(t, meta.Files, 2)

	a := meta.Files["notes/a.md"]
	require.NotNil(t, a)
	assert.Equal(t, "h1", a.Hash)
	assert.Equal(t, int64(99), a.SyncTime, "legacy syncTime defaults to lastSyncTime")
	assert.Zero(t, a.Size)
	assert.Empty(t, a.RemoteEtag)

	b := meta.Files["b.md"]
	require.NotNil(t, b)
	assert.Equal(t, "h2", b.Hash, "newer record wins a key collision")
	assert.Equal(t, "xyz", b.RemoteEtag)

	assert.NotContains(t, meta.Files, "c.md")
}
