package session

import "sort"

// Roster is the set of currently-present participants, keyed by display
// name. It is owned by the engine loop and has no synchronization of its
// own.
type Roster struct {
	byName map[string]PresenceEntry
}

func NewRoster() *Roster {
	return &Roster{byName: map[string]PresenceEntry{}}
}

// AddOrUpdate inserts or overwrites the entry for e.DisplayName. Applying
// the same join twice yields one entry; a name collision overwrites the
// older entry (accepted approximation: the stream guarantees names only).
func (r *Roster) AddOrUpdate(e PresenceEntry) {
	if e.DisplayName == "" {
		return
	}
	r.byName[e.DisplayName] = e
}

// Remove deletes the entry if present. Removing an unknown name is a no-op,
// never an error: leave events for participants we never saw join are
// routine after a reset.
func (r *Roster) Remove(displayName string) {
	delete(r.byName, displayName)
}

func (r *Roster) Clear() {
	r.byName = map[string]PresenceEntry{}
}

func (r *Roster) Len() int { return len(r.byName) }

// Snapshot returns the entries sorted by join time descending (most recent
// join first), name ascending on ties for stable output.
func (r *Roster) Snapshot() []PresenceEntry {
	out := make([]PresenceEntry, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.After(out[j].JoinedAt)
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}
