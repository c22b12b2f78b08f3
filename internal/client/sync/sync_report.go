package sync

import (
	"fmt"
	"time"
)

const (
	SkipDisabled       = "sync disabled"
	SkipNoLocalRoot    = "no local root configured"
	SkipAlreadyRunning = "sync already running"
	SkipNoLocalChanges = "no local changes"
	SkipRootUnreadable = "local root unreadable"
	SkipRemoteMissing  = "remote root unavailable"
)

// PassReport summarizes one sync pass for the host.
type PassReport struct {
	PassID     string
	Trigger    Trigger
	StartedAt  time.Time
	FinishedAt time.Time

	Skipped    bool
	SkipReason string
	TimedOut   bool

	Uploaded   int
	Downloaded int
	Moved      int
	Deleted    int
	Conflicts  int
	Deferred   int
	Warnings   int
	Failed     int
	Pending    int
	Unchanged  int

	RemoteErrors int
	BytesUp      int64
	BytesDown    int64
	Requests     int64

	Results []*Result
}

func skippedReport(trigger Trigger, reason string) *PassReport {
	now := time.Now()
	return &PassReport{
		Trigger:    trigger,
		StartedAt:  now,
		FinishedAt: now,
		Skipped:    true,
		SkipReason: reason,
	}
}

// tally folds executor results into the counters.
func (r *PassReport) tally(results []*Result) {
	r.Results = results
	for _, res := range results {
		a := res.Action
		if a.Type == ActionConflict {
			r.Conflicts++
		}

		switch res.Status {
		case StatusPending:
			r.Pending++
			continue
		case StatusFailed:
			r.Failed++
			continue
		case StatusSkipped:
			if a.Type == ActionDelete {
				r.Warnings++
			} else {
				r.Deferred++
			}
			continue
		}

		switch {
		case a.Type == ActionMoveRemote:
			r.Moved++
		case a.Type == ActionLocalDeleted && res.Outcome == "deleted remote":
			r.Deleted++
		case a.Type == ActionUpload || (a.Type == ActionConflict && res.Outcome == "kept local"):
			r.Uploaded++
			r.BytesUp += res.Bytes
		default:
			r.Downloaded++
			r.BytesDown += res.Bytes
		}
	}
}

// Clean reports whether the pass ran its whole plan without failures.
func (r *PassReport) Clean() bool {
	return !r.Skipped && !r.TimedOut && r.Failed == 0 && r.RemoteErrors == 0
}

func (r *PassReport) counts() string {
	return fmt.Sprintf("up %d / down %d / moved %d / deleted %d / conflicts %d",
		r.Uploaded, r.Downloaded, r.Moved, r.Deleted, r.Conflicts)
}

// Status is the one-line message shown to the user.
func (r *PassReport) Status() string {
	switch {
	case r.Skipped:
		return "sync skipped: " + r.SkipReason
	case r.TimedOut:
		return fmt.Sprintf("sync timed out (%s), %d pending", r.counts(), r.Pending)
	case r.Failed > 0:
		return fmt.Sprintf("sync finished with %d failed (%s)", r.Failed, r.counts())
	default:
		return fmt.Sprintf("sync complete (%s)", r.counts())
	}
}

func (r *PassReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
