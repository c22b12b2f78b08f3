package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/davsync/davsync/internal/utils"
)

const metadataVersion = 2

// SyncRecord is the state of a path as of its last successful sync.
type SyncRecord struct {
	Hash        string `json:"hash"`
	Mtime       int64  `json:"mtime"`
	Size        int64  `json:"size"`
	SyncTime    int64  `json:"syncTime"`
	RemoteMtime int64  `json:"remoteMtime"`
	RemoteEtag  string `json:"remoteEtag"`
}

type SyncMetadata struct {
	Version      int                    `json:"version"`
	Files        map[string]*SyncRecord `json:"files"`
	LastSyncTime int64                  `json:"lastSyncTime"`
}

func NewSyncMetadata() *SyncMetadata {
	return &SyncMetadata{
		Version: metadataVersion,
		Files:   make(map[string]*SyncRecord),
	}
}

// migrate brings metadata written by any earlier version to the current
// shape. It is the only place where records are defaulted.
func (m *SyncMetadata) migrate() {
	if m.Files == nil {
		m.Files = make(map[string]*SyncRecord)
	}

	for key, rec := range m.Files {
		if rec == nil {
			delete(m.Files, key)
			continue
		}

		norm := utils.NormPath(key)
		if norm != key {
			delete(m.Files, key)
			if norm == "" {
				continue
			}
			if existing, ok := m.Files[norm]; ok && existing.SyncTime >= rec.SyncTime {
				continue
			}
			m.Files[norm] = rec
		}
	}

	for _, rec := range m.Files {
		if rec.SyncTime == 0 {
			rec.SyncTime = m.LastSyncTime
		}
		rec.RemoteEtag = strings.Trim(strings.TrimPrefix(rec.RemoteEtag, "W/"), `"`)
	}

	m.Version = metadataVersion
}

// MetadataStore persists SyncMetadata as a single JSON document.
type MetadataStore struct {
	path string
	now  func() time.Time
}

func NewMetadataStore(path string) *MetadataStore {
	return &MetadataStore{path: path, now: time.Now}
}

func (s *MetadataStore) Path() string {
	return s.path
}

// Load never fails. A missing file yields empty metadata, a corrupt one is
// moved aside and yields empty metadata too.
func (s *MetadataStore) Load() *SyncMetadata {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("sync metadata unreadable", "path", s.path, "error", err)
		}
		return NewSyncMetadata()
	}

	meta := NewSyncMetadata()
	if err := jsonUnmarshal(data, meta); err != nil {
		backup := s.quarantine()
		slog.Warn("sync metadata corrupt, starting fresh", "path", s.path, "backup", backup, "error", err)
		return NewSyncMetadata()
	}

	meta.migrate()
	return meta
}

func (s *MetadataStore) Save(meta *SyncMetadata) error {
	if meta == nil {
		return fmt.Errorf("cannot save nil metadata")
	}
	meta.Version = metadataVersion

	data, err := jsonMarshal(meta)
	if err != nil {
		return fmt.Errorf("marshal sync metadata: %w", err)
	}

	if err := utils.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write sync metadata: %w", err)
	}
	return nil
}

// quarantine renames the current file to <path>.<timestamp>.bak.
func (s *MetadataStore) quarantine() string {
	backup := fmt.Sprintf("%s.%s.bak", s.path, s.now().Format("20060102150405"))
	if err := os.Rename(s.path, backup); err != nil {
		slog.Error("sync metadata backup", "path", s.path, "error", err)
		return ""
	}
	return backup
}
