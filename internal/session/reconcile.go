package session

import "time"

// resolvedRetain bounds how many resolved (left/kicked) entities the
// reconciled history keeps. Policy constant: display fixtures and memory
// behavior depend on the exact value.
const resolvedRetain = 50

// Reconciler folds periodic full-snapshot scans into the prior reconciled
// set, assigning lifecycle transitions. Insertion order of the reconciled
// list is the recency order used for history retention: merged entities
// keep their position, newly observed ones append.
//
// Owned by the engine loop; no synchronization of its own.
type Reconciler struct {
	entities []TrackedEntity
	index    map[string]int
}

func NewReconciler() *Reconciler {
	return &Reconciler{index: map[string]int{}}
}

// Apply folds one scan into the history:
//
//  1. every active/joining entity is provisionally demoted to left,
//  2. every scanned record is upserted with mergeScan, forcing active;
//     a re-observed entity revives, including one previously marked
//     kicked (see SetStatus),
//  3. the resolved tail is trimmed to the resolvedRetain most recent.
//
// Entities absent from the scan stay left; already-resolved entities pass
// through unchanged. Applying the same scan twice is idempotent.
func (r *Reconciler) Apply(records []ScanRecord, now time.Time) {
	next := make([]TrackedEntity, len(r.entities))
	copy(next, r.entities)
	for i := range next {
		if next[i].Status == StatusActive || next[i].Status == StatusJoining {
			next[i].Status = StatusLeft
			next[i].LastUpdated = now
		}
	}

	idx := make(map[string]int, len(next))
	for i := range next {
		idx[next[i].ID] = i
	}

	for _, rec := range records {
		if rec.ID == "" || rec.DisplayName == "" {
			continue
		}
		if i, ok := idx[rec.ID]; ok {
			next[i] = mergeScan(next[i], rec, now)
			continue
		}
		next = append(next, TrackedEntity{
			ID:            rec.ID,
			DisplayName:   rec.DisplayName,
			Rank:          rec.Rank,
			IsGroupMember: rec.IsGroupMember,
			Status:        StatusActive,
			AvatarURL:     rec.AvatarURL,
			FirstSeen:     now,
			LastUpdated:   now,
		})
		idx[rec.ID] = len(next) - 1
	}

	live := make([]TrackedEntity, 0, len(next))
	resolved := make([]TrackedEntity, 0, len(next))
	for _, e := range next {
		if e.Status.Resolved() {
			resolved = append(resolved, e)
		} else {
			live = append(live, e)
		}
	}
	if len(resolved) > resolvedRetain {
		resolved = resolved[len(resolved)-resolvedRetain:]
	}

	r.entities = append(live, resolved...)
	r.reindex()
}

// mergeScan merges a fresh scan record over a previously reconciled entity.
// Precedence: scan wins for display name, rank and membership; avatar only
// when the scan carries one; identity and first-seen time survive from the
// older record. Status is unconditionally active: being scanned means being
// present.
func mergeScan(prev TrackedEntity, rec ScanRecord, now time.Time) TrackedEntity {
	e := prev
	e.DisplayName = rec.DisplayName
	e.Rank = rec.Rank
	e.IsGroupMember = rec.IsGroupMember
	if rec.AvatarURL != "" {
		e.AvatarURL = rec.AvatarURL
	}
	e.Status = StatusActive
	e.LastUpdated = now
	return e
}

// SetStatus applies an externally observed transition (operator kick/ban) as
// a point update, bypassing the scan fold. Returns false for unknown ids.
// Note: a later scan that still lists the entity flips it back to active.
func (r *Reconciler) SetStatus(id string, st Status, now time.Time) bool {
	i, ok := r.index[id]
	if !ok {
		return false
	}
	r.entities[i].Status = st
	r.entities[i].LastUpdated = now
	return true
}

func (r *Reconciler) Clear() {
	r.entities = nil
	r.index = map[string]int{}
}

// Entities returns a copy of the reconciled list in insertion order.
func (r *Reconciler) Entities() []TrackedEntity {
	out := make([]TrackedEntity, len(r.entities))
	copy(out, r.entities)
	return out
}

// Counts returns how many entities are live (active/joining) vs resolved.
func (r *Reconciler) Counts() (live, resolved int) {
	for _, e := range r.entities {
		if e.Status.Resolved() {
			resolved++
		} else {
			live++
		}
	}
	return live, resolved
}

func (r *Reconciler) reindex() {
	r.index = make(map[string]int, len(r.entities))
	for i := range r.entities {
		r.index[r.entities[i].ID] = i
	}
}
