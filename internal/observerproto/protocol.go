package observerproto

// Version is the observer protocol version (separate from the feed event protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeState     = "STATE"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Optional: include the tracked-entity history in STATE pushes.
	// Roster and correlation are always included.
	IncludeEntities bool `json:"include_entities,omitempty"`
}

// Server -> Client. Pushed after every applied event (coalesced under load:
// intermediate states may be skipped, the latest always arrives).
type StateMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`

	Phase     string `json:"phase"`
	WorldID   string `json:"world_id,omitempty"`
	WorldName string `json:"world_name,omitempty"`
	Location  string `json:"location,omitempty"`

	Roster   []RosterEntry `json:"roster"`
	Entities []EntityInfo  `json:"entities,omitempty"`

	Correlation     *InstanceInfo `json:"correlation,omitempty"`
	SelectedGroupID string        `json:"selected_group_id,omitempty"`
	IsSelectedGroup bool          `json:"is_selected_group"`
}

type RosterEntry struct {
	DisplayName string `json:"display_name"`
	UserID      string `json:"user_id,omitempty"`
	JoinedAtMs  int64  `json:"joined_at_ms"`
}

type EntityInfo struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Rank          string `json:"rank,omitempty"`
	IsGroupMember bool   `json:"is_group_member"`
	Status        string `json:"status"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	LastUpdatedMs int64  `json:"last_updated_ms,omitempty"`
}

type InstanceInfo struct {
	Location   string `json:"location,omitempty"`
	WorldID    string `json:"world_id"`
	InstanceID string `json:"instance_id"`
	OwnerID    string `json:"owner_id,omitempty"`
	WorldName  string `json:"world_name,omitempty"`
	Count      int    `json:"count"`
}

// HTTP response for GET /v1/status.
type StatusResponse struct {
	ProtocolVersion string `json:"protocol_version"`

	Phase           string `json:"phase"`
	WorldID         string `json:"world_id,omitempty"`
	RosterSize      int    `json:"roster_size"`
	TrackedLive     int    `json:"tracked_live"`
	TrackedResolved int    `json:"tracked_resolved"`
	EventsApplied   uint64 `json:"events_applied"`
	EventsDropped   uint64 `json:"events_dropped"`

	QueueDepth    int `json:"queue_depth"`
	QueueCapacity int `json:"queue_capacity"`
	Observers     int `json:"observers"`

	EnrichmentQueueDepth int  `json:"enrichment_queue_depth"`
	IsEnriching          bool `json:"is_enriching"`
}

// HTTP response for GET /v1/roster.
type RosterResponse struct {
	Seq    uint64        `json:"seq"`
	Phase  string        `json:"phase"`
	Roster []RosterEntry `json:"roster"`
}

// HTTP response for GET /v1/entities.
type EntitiesResponse struct {
	Seq      uint64       `json:"seq"`
	Entities []EntityInfo `json:"entities"`
}

// HTTP response for GET /v1/correlation.
type CorrelationResponse struct {
	Seq             uint64        `json:"seq"`
	Phase           string        `json:"phase"`
	SelectedGroupID string        `json:"selected_group_id,omitempty"`
	IsSelectedGroup bool          `json:"is_selected_group"`
	Correlation     *InstanceInfo `json:"correlation,omitempty"`
}

// HTTP request body for POST /v1/group. An empty GroupID clears the
// selection.
type GroupSelectRequest struct {
	GroupID string `json:"group_id"`
}
