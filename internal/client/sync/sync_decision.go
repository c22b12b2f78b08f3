package sync

import (
	"context"
	"sync"
)

type ConflictChoice string

const (
	ChoiceKeepLocal  ConflictChoice = "keep-local"
	ChoiceKeepRemote ConflictChoice = "keep-remote"
	ChoiceDefer      ConflictChoice = "defer"
)

type DeletionChoice string

const (
	ChoiceDeleteRemote  DeletionChoice = "delete-remote"
	ChoiceRestore       DeletionChoice = "restore"
	ChoiceDeferDeletion DeletionChoice = "defer"
)

type ConflictInfo struct {
	Path   string
	Local  *FileEntry
	Remote *FileEntry
	Record *SyncRecord
}

type DeletionInfo struct {
	Path   string
	Remote *FileEntry
	Record *SyncRecord
}

// DecisionProvider answers the questions a pass must not decide on its own.
// Hosts without a user attached use DeferDecisions.
type DecisionProvider interface {
	ResolveConflict(ctx context.Context, info *ConflictInfo) (ConflictChoice, error)
	ResolveLocalDeleted(ctx context.Context, info *DeletionInfo) (DeletionChoice, error)
}

// DeferDecisions postpones every question to a later pass.
type DeferDecisions struct{}

func (DeferDecisions) ResolveConflict(context.Context, *ConflictInfo) (ConflictChoice, error) {
	return ChoiceDefer, nil
}

func (DeferDecisions) ResolveLocalDeleted(context.Context, *DeletionInfo) (DeletionChoice, error) {
	return ChoiceDeferDeletion, nil
}

// StaticDecisions answers every question the same way and records what it
// was asked.
type StaticDecisions struct {
	Conflict ConflictChoice
	Deletion DeletionChoice

	mu        sync.Mutex
	conflicts []string
	deletions []string
}

func (d *StaticDecisions) ResolveConflict(_ context.Context, info *ConflictInfo) (ConflictChoice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conflicts = append(d.conflicts, info.Path)
	if d.Conflict == "" {
		return ChoiceDefer, nil
	}
	return d.Conflict, nil
}

func (d *StaticDecisions) ResolveLocalDeleted(_ context.Context, info *DeletionInfo) (DeletionChoice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletions = append(d.deletions, info.Path)
	if d.Deletion == "" {
		return ChoiceDeferDeletion, nil
	}
	return d.Deletion, nil
}

// Asked returns the paths seen by ResolveConflict and ResolveLocalDeleted.
func (d *StaticDecisions) Asked() (conflicts, deletions []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.conflicts...), append([]string(nil), d.deletions...)
}
