package sync

import (
	"fmt"
	"sync"
)

const syncEventBufferSize = 16

// Phase of a pass as reported on the progress stream.
type Phase string

const (
	PhasePrepare Phase = "prep"
	PhasePlan    Phase = "plan"
	PhaseExecute Phase = "exec"
	PhaseDone    Phase = "done"
	PhaseSkipped Phase = "skipped"
)

type ProgressEvent struct {
	PassID    string
	Trigger   Trigger
	Phase     Phase
	Processed int
	Total     int
	Failed    int
	Path      string
	Op        string
	Message   string
}

// String renders the status line shown while a pass runs.
func (e *ProgressEvent) String() string {
	switch e.Phase {
	case PhaseExecute:
		if e.Failed > 0 {
			return fmt.Sprintf("syncing... %d/%d (failed %d)", e.Processed, e.Total, e.Failed)
		}
		return fmt.Sprintf("syncing... %d/%d", e.Processed, e.Total)
	case PhasePrepare:
		return "syncing... scanning"
	case PhasePlan:
		return fmt.Sprintf("syncing... 0/%d", e.Total)
	default:
		return e.Message
	}
}

// SyncStatus fans progress events out to subscribers and keeps the last one.
type SyncStatus struct {
	mu   sync.RWMutex
	last *ProgressEvent

	eventSubs []chan *ProgressEvent
	eventMu   sync.RWMutex
}

func NewSyncStatus() *SyncStatus {
	return &SyncStatus{
		eventSubs: make([]chan *ProgressEvent, 0),
	}
}

// Subscribe returns a channel for receiving progress events
func (s *SyncStatus) Subscribe() <-chan *ProgressEvent {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	ch := make(chan *ProgressEvent, syncEventBufferSize)
	s.eventSubs = append(s.eventSubs, ch)
	return ch
}

// Unsubscribe removes a subscription channel
func (s *SyncStatus) Unsubscribe(ch <-chan *ProgressEvent) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	for i, sub := range s.eventSubs {
		if sub == ch {
			close(sub)
			s.eventSubs = append(s.eventSubs[:i], s.eventSubs[i+1:]...)
			break
		}
	}
}

// Publish records the event and sends it to every subscriber that has room.
func (s *SyncStatus) Publish(event *ProgressEvent) {
	s.mu.Lock()
	s.last = event
	s.mu.Unlock()

	s.eventMu.RLock()
	defer s.eventMu.RUnlock()

	for _, sub := range s.eventSubs {
		select {
		case sub <- event:
		default:
			// Channel is full, skip to avoid blocking
		}
	}
}

// Last returns the most recent event, nil before the first pass.
func (s *SyncStatus) Last() *ProgressEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *SyncStatus) Close() {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	for _, sub := range s.eventSubs {
		close(sub)
	}
	s.eventSubs = make([]chan *ProgressEvent, 0)
}
