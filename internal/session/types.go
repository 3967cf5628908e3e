package session

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a tracked entity.
type Status string

const (
	StatusJoining Status = "joining"
	StatusActive  Status = "active"
	StatusLeft    Status = "left"
	StatusKicked  Status = "kicked"
)

// Resolved reports whether the status is terminal for history purposes.
func (s Status) Resolved() bool { return s == StatusLeft || s == StatusKicked }

// PresenceEntry is one currently-present participant, derived from the live
// join/leave stream. Keyed by display name: the stream guarantees nothing
// else. A second join under the same name overwrites the first.
type PresenceEntry struct {
	DisplayName string
	UserID      string
	JoinedAt    time.Time
}

// TrackedEntity is one participant as reconciled from periodic scans.
// ID is durable identity independent of display name; it survives renames
// between scans.
type TrackedEntity struct {
	ID            string
	DisplayName   string
	Rank          string
	IsGroupMember bool
	Status        Status
	AvatarURL     string
	FirstSeen     time.Time
	LastUpdated   time.Time
}

// ScanRecord is one row of a periodic full-snapshot scan: fresh enrichment
// fields, no lifecycle status. The reconciler assigns status.
type ScanRecord struct {
	ID            string
	DisplayName   string
	Rank          string
	IsGroupMember bool
	AvatarURL     string
}

// ObservedLocation is where the operator currently is, as reported by the
// live stream. InstanceID may carry modifier tags after '~'; the base
// instance id is the prefix before the first '~'.
type ObservedLocation struct {
	WorldID     string
	InstanceID  string
	RawLocation string
}

func (l ObservedLocation) IsZero() bool {
	return l.WorldID == "" && l.InstanceID == "" && l.RawLocation == ""
}

// GroupID extracts the group owner tag ("group(...)") from the instance
// modifiers, or "" when the instance carries none.
func (l ObservedLocation) GroupID() string {
	segs := strings.Split(l.InstanceID, "~")
	for _, seg := range segs[1:] {
		if v, ok := tagValue(seg, "group"); ok {
			return v
		}
	}
	return ""
}

func tagValue(seg, name string) (string, bool) {
	if !strings.HasPrefix(seg, name+"(") || !strings.HasSuffix(seg, ")") {
		return "", false
	}
	return seg[len(name)+1 : len(seg)-1], true
}

// BaseInstanceID returns the instance id prefix before the first '~'
// modifier delimiter.
func BaseInstanceID(id string) string {
	if i := strings.Index(id, "~"); i >= 0 {
		return id[:i]
	}
	return id
}

// SplitRawLocation splits "worldId:instanceId" at the first ':'. ok is false
// when the string has no separator.
func SplitRawLocation(raw string) (worldID, instanceID string, ok bool) {
	i := strings.Index(raw, ":")
	if i < 0 {
		return "", "", false
	}
	return raw[:i], raw[i+1:], true
}

// NormalizeLocation builds an ObservedLocation from whatever subset of
// world id / instance id / raw location the feed delivered, deriving the
// missing pieces. ok is false when no world id can be determined; such
// events are dropped at the engine boundary.
func NormalizeLocation(worldID, instanceID, raw string) (ObservedLocation, bool) {
	worldID = strings.TrimSpace(worldID)
	instanceID = strings.TrimSpace(instanceID)
	raw = strings.TrimSpace(raw)

	if worldID == "" || instanceID == "" {
		if w, inst, ok := SplitRawLocation(raw); ok {
			if worldID == "" {
				worldID = w
			}
			if instanceID == "" {
				instanceID = inst
			}
		}
	}
	if raw == "" {
		if worldID != "" && instanceID != "" {
			raw = worldID + ":" + instanceID
		} else {
			raw = worldID
		}
	}
	if worldID == "" {
		return ObservedLocation{}, false
	}
	return ObservedLocation{WorldID: worldID, InstanceID: instanceID, RawLocation: raw}, true
}

// GroupInstanceRecord is one live instance owned by a group, as listed by
// the external directory. Read-only to the engine; the synthetic fallback
// record built by the correlator is shaped identically and carries no flag.
type GroupInstanceRecord struct {
	Location   string
	WorldID    string
	InstanceID string
	OwnerID    string
	GroupName  string
	WorldName  string
	Count      int
}

// Phase is the session state machine position.
type Phase string

const (
	PhaseNoWorld       Phase = "NO_WORLD"
	PhaseRoaming       Phase = "ROAMING"
	PhaseGroupInstance Phase = "GROUP_INSTANCE"
	PhaseClosed        Phase = "CLOSED"
)

// DirectoryProvider hands the engine the externally maintained
// group-instance list. Called on every applied event; implementations return
// a stable copy and must not block.
type DirectoryProvider interface {
	GroupInstances() []GroupInstanceRecord
}

// EnrichmentSource reports the enrichment worker's health for pass-through
// exposure. Read-only; never consulted by the event loop itself.
type EnrichmentSource interface {
	EnrichmentStats() (queueDepth int, active bool)
}

// Snapshot is an immutable view of the session published after every applied
// event. Consumers must not mutate the slices.
type Snapshot struct {
	Seq       uint64
	Phase     Phase
	Location  ObservedLocation
	WorldName string

	Roster   []PresenceEntry
	Entities []TrackedEntity

	Correlation     *GroupInstanceRecord
	SelectedGroupID string
	IsSelectedGroup bool
}
