package sync

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// ReconcileOperations is the outcome of comparing local, remote and recorded
// state for one pass.
type ReconcileOperations struct {
	Plan      []*Action
	Orphans   []string
	Unchanged int
}

func (r *ReconcileOperations) HasChanges() bool {
	return len(r.Plan) > 0
}

// Count returns the number of planned actions of a type.
func (r *ReconcileOperations) Count(t ActionType) int {
	n := 0
	for _, a := range r.Plan {
		if a.Type == t {
			n++
		}
	}
	return n
}

// Reconcile pairs renames first and then applies the decision table to the
// union of every remaining path. The plan comes back in execution order.
func Reconcile(local, remote map[string]*FileEntry, records map[string]*SyncRecord, clockSkew time.Duration) *ReconcileOperations {
	ops := &ReconcileOperations{}

	renames, paired := detectRenames(local, remote, records, clockSkew)
	ops.Plan = append(ops.Plan, renames...)

	allPaths := mapset.NewThreadUnsafeSet[string]()
	for p := range records {
		allPaths.Add(p)
	}
	for p := range local {
		allPaths.Add(p)
	}
	for p := range remote {
		allPaths.Add(p)
	}
	allPaths = allPaths.Difference(paired)

	for _, path := range sortedSlice(allPaths) {
		l := local[path]
		r := remote[path]
		rec := records[path]

		switch {
		case l != nil && r == nil && rec == nil:
			ops.Plan = append(ops.Plan, &Action{Type: ActionUpload, Path: path, Reason: ReasonNewLocal, Local: l})

		case l != nil && r == nil && rec != nil:
			ops.Plan = append(ops.Plan, &Action{Type: ActionDelete, Path: path, Reason: ReasonMissingRemotely, Local: l, Record: rec})

		case l == nil && r != nil && rec == nil:
			ops.Plan = append(ops.Plan, &Action{Type: ActionDownload, Path: path, Reason: ReasonNewRemote, Remote: r})

		case l == nil && r != nil && rec != nil:
			ops.Plan = append(ops.Plan, &Action{Type: ActionLocalDeleted, Path: path, Reason: ReasonMissingLocally, Remote: r, Record: rec})

		case l == nil && r == nil && rec != nil:
			ops.Orphans = append(ops.Orphans, path)

		case l != nil && r != nil:
			if a := compareBoth(path, l, r, rec, clockSkew); a != nil {
				ops.Plan = append(ops.Plan, a)
			} else {
				ops.Unchanged++
			}
		}
	}

	sortPlan(ops.Plan)
	return ops
}

func compareBoth(path string, l, r *FileEntry, rec *SyncRecord, clockSkew time.Duration) *Action {
	localChanged := rec == nil || l.Hash != rec.Hash

	remoteChanged, byEtag := remoteChanged(r, rec, clockSkew)
	if remoteChanged && !byEtag && !localChanged {
		// mtime-only remote noise, local content is what we last synced
		remoteChanged = false
	}

	a := &Action{Path: path, Local: l, Remote: r, Record: rec}
	switch {
	case localChanged && remoteChanged:
		a.Type, a.Reason = ActionConflict, ReasonBothChanged
	case localChanged:
		a.Type, a.Reason = ActionUpload, ReasonLocalChanged
	case remoteChanged:
		a.Type, a.Reason = ActionDownload, ReasonRemoteChanged
	default:
		return nil
	}
	return a
}

// remoteChanged compares the remote entry with the record: by ETag when both
// carry one, else by mtime with the skew tolerance, else unchanged. byEtag
// tells which signal decided.
func remoteChanged(r *FileEntry, rec *SyncRecord, clockSkew time.Duration) (changed bool, byEtag bool) {
	if rec == nil {
		return false, false
	}
	if rec.RemoteEtag != "" && r.ETag != "" {
		return rec.RemoteEtag != r.ETag, true
	}
	if rec.RemoteMtime != 0 && r.Mtime != 0 {
		diff := r.Mtime - rec.RemoteMtime
		if diff < 0 {
			diff = -diff
		}
		return diff > clockSkew.Milliseconds(), false
	}
	return false, false
}

// detectRenames pairs a new local file with a vanished remote one when the
// remote path's record hash equals the local hash and the remote copy is
// still the one recorded. An edited remote is never moved over, the pair
// falls back to upload plus local-deleted. Greedy, first match by sorted
// path wins.
func detectRenames(local, remote map[string]*FileEntry, records map[string]*SyncRecord, clockSkew time.Duration) ([]*Action, mapset.Set[string]) {
	paired := mapset.NewThreadUnsafeSet[string]()

	localOnly := make([]string, 0)
	for p, l := range local {
		if _, ok := remote[p]; !ok && l.Hash != "" && records[p] == nil {
			localOnly = append(localOnly, p)
		}
	}
	remoteOnly := make([]string, 0)
	for p, r := range remote {
		rec := records[p]
		if _, ok := local[p]; ok || rec == nil || rec.Hash == "" {
			continue
		}
		if changed, _ := remoteChanged(r, rec, clockSkew); changed {
			continue
		}
		remoteOnly = append(remoteOnly, p)
	}
	if len(localOnly) == 0 || len(remoteOnly) == 0 {
		return nil, paired
	}
	sort.Strings(localOnly)
	sort.Strings(remoteOnly)

	var moves []*Action
	for _, lp := range localOnly {
		l := local[lp]
		for _, rp := range remoteOnly {
			if paired.Contains(rp) || records[rp].Hash != l.Hash {
				continue
			}
			moves = append(moves, &Action{
				Type:   ActionMoveRemote,
				Path:   lp,
				From:   rp,
				Reason: ReasonRenamed,
				Local:  l,
				Remote: remote[rp],
				Record: records[rp],
			})
			paired.Add(lp)
			paired.Add(rp)
			break
		}
	}
	return moves, paired
}

func sortPlan(plan []*Action) {
	sort.SliceStable(plan, func(i, j int) bool {
		oi, oj := planOrder[plan[i].Type], planOrder[plan[j].Type]
		if oi != oj {
			return oi < oj
		}
		return plan[i].Path < plan[j].Path
	})
}

func sortedSlice(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}
