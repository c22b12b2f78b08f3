package sync

import (
	"fmt"
	"time"
)

type ActionType string

const (
	ActionUpload       ActionType = "upload"
	ActionDownload     ActionType = "download"
	ActionConflict     ActionType = "conflict"
	ActionMoveRemote   ActionType = "move-remote"
	ActionLocalDeleted ActionType = "local-deleted"
	ActionDelete       ActionType = "delete"
)

// planOrder is the execution order of action types within a pass.
var planOrder = map[ActionType]int{
	ActionMoveRemote:   0,
	ActionUpload:       1,
	ActionDownload:     2,
	ActionConflict:     3,
	ActionLocalDeleted: 4,
	ActionDelete:       5,
}

type Reason string

const (
	ReasonNewLocal        Reason = "new-local"
	ReasonNewRemote       Reason = "new-remote"
	ReasonLocalChanged    Reason = "local-changed"
	ReasonRemoteChanged   Reason = "remote-changed"
	ReasonBothChanged     Reason = "both-changed"
	ReasonRenamed         Reason = "renamed"
	ReasonMissingLocally  Reason = "missing-locally"
	ReasonMissingRemotely Reason = "missing-remotely"
)

// FileEntry is one file as seen by a scan. Hash is only set for local
// entries, ETag only for remote ones.
type FileEntry struct {
	Path  string
	Mtime int64
	Size  int64
	Hash  string
	ETag  string
}

// Action is one planned step of a pass.
type Action struct {
	Type   ActionType
	Path   string
	From   string
	Reason Reason
	Local  *FileEntry
	Remote *FileEntry
	Record *SyncRecord
}

func (a *Action) String() string {
	if a.From != "" {
		return fmt.Sprintf("%s %s -> %s (%s)", a.Type, a.From, a.Path, a.Reason)
	}
	return fmt.Sprintf("%s %s (%s)", a.Type, a.Path, a.Reason)
}

type ActionStatus string

const (
	StatusPending   ActionStatus = "pending"
	StatusCommitted ActionStatus = "committed"
	StatusSkipped   ActionStatus = "skipped"
	StatusFailed    ActionStatus = "failed"
)

// Result is the outcome of one action.
type Result struct {
	Action   *Action
	Status   ActionStatus
	Outcome  string
	Err      error
	Bytes    int64
	Duration time.Duration

	// Retryable marks a failure the server may not repeat, such as a 503.
	Retryable bool
}
