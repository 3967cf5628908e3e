package protocol

import (
	"encoding/json"
	"fmt"
)

const Version = "1.0"

// Event message types.
const (
	TypePlayerJoined      = "PLAYER_JOINED"
	TypePlayerLeft        = "PLAYER_LEFT"
	TypeLocationChanged   = "LOCATION_CHANGED"
	TypeWorldNameResolved = "WORLD_NAME_RESOLVED"
	TypeScanSnapshot      = "SCAN_SNAPSHOT"
	TypeGroupChanged      = "GROUP_CHANGED"
	TypeGameClosed        = "GAME_CLOSED"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Event is implemented by every feed event message. EventType returns the
// wire discriminator regardless of what the Type field holds, so routing
// cannot be confused by a half-built message.
type Event interface {
	EventType() string
}

// Decode routes a raw message to its concrete event by the type field.
func Decode(b []byte) (Event, error) {
	base, err := DecodeBase(b)
	if err != nil {
		return nil, err
	}
	var ev Event
	switch base.Type {
	case TypePlayerJoined:
		ev = &PlayerJoined{}
	case TypePlayerLeft:
		ev = &PlayerLeft{}
	case TypeLocationChanged:
		ev = &LocationChanged{}
	case TypeWorldNameResolved:
		ev = &WorldNameResolved{}
	case TypeScanSnapshot:
		ev = &ScanSnapshot{}
	case TypeGroupChanged:
		ev = &GroupChanged{}
	case TypeGameClosed:
		ev = &GameClosed{}
	default:
		return nil, fmt.Errorf("unknown event type %q", base.Type)
	}
	if err := json.Unmarshal(b, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
