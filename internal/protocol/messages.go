package protocol

// PLAYER_JOINED (feed -> engine). DisplayName is the only field the live
// stream guarantees; UserID attaches when the log line carries one.
type PlayerJoined struct {
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	UserID      string `json:"user_id,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
}

func (*PlayerJoined) EventType() string { return TypePlayerJoined }

// PLAYER_LEFT (feed -> engine)
type PlayerLeft struct {
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	TimestampMs int64  `json:"timestamp_ms,omitempty"`
}

func (*PlayerLeft) EventType() string { return TypePlayerLeft }

// LOCATION_CHANGED (feed -> engine). RawLocation is the full location string
// as logged ("wrld_x:12345~tag(...)"); InstanceID may be omitted when the raw
// string carries it.
type LocationChanged struct {
	Type        string `json:"type"`
	WorldID     string `json:"world_id"`
	InstanceID  string `json:"instance_id,omitempty"`
	RawLocation string `json:"raw_location,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
}

func (*LocationChanged) EventType() string { return TypeLocationChanged }

// WORLD_NAME_RESOLVED (resolver -> engine). Async follow-up to a location
// change; display-only. WorldID lets the engine drop resolutions that arrive
// after the operator already moved on.
type WorldNameResolved struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	WorldID string `json:"world_id,omitempty"`
}

func (*WorldNameResolved) EventType() string { return TypeWorldNameResolved }

// SCAN_SNAPSHOT (enrichment scanner -> engine). A complete enumeration of the
// currently observed participants with enrichment data; replaces nothing by
// itself, the reconciler folds it into prior history.
type ScanSnapshot struct {
	Type        string      `json:"type"`
	Entries     []ScanEntry `json:"entries"`
	TimestampMs int64       `json:"timestamp_ms,omitempty"`
}

func (*ScanSnapshot) EventType() string { return TypeScanSnapshot }

type ScanEntry struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Rank          string `json:"rank,omitempty"`
	IsGroupMember bool   `json:"is_group_member,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
}

// GROUP_CHANGED (operator -> engine). Selects the group whose instances the
// correlator matches against. Empty GroupID clears the selection.
type GroupChanged struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id,omitempty"`
}

func (*GroupChanged) EventType() string { return TypeGroupChanged }

// GAME_CLOSED (feed -> engine). The observed game client exited.
type GameClosed struct {
	Type string `json:"type"`
}

func (*GameClosed) EventType() string { return TypeGameClosed }
