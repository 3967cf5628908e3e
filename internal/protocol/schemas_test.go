package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"instancewatch.app/internal/observerproto"
)

func compileSchema(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(s *jsonschema.Schema, raw string) {
		t.Helper()
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatalf("unmarshal sample: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	eventSchema := compileSchema(t, "event.schema.json")
	subscribeSchema := compileSchema(t, "subscribe.schema.json")
	stateSchema := compileSchema(t, "state.schema.json")
	statusSchema := compileSchema(t, "status.schema.json")

	validate(eventSchema, `{
	  "type":"PLAYER_JOINED",
	  "display_name":"Ada Lovelace",
	  "user_id":"usr_001",
	  "timestamp_ms":1713200000000
	}`)
	validate(eventSchema, `{
	  "type":"PLAYER_LEFT",
	  "display_name":"Ada Lovelace"
	}`)
	validate(eventSchema, `{
	  "type":"LOCATION_CHANGED",
	  "raw_location":"wrld_a:12345~group(grp_x)~region(eu)",
	  "timestamp_ms":1713200000000
	}`)
	validate(eventSchema, `{
	  "type":"WORLD_NAME_RESOLVED",
	  "name":"The Meadow",
	  "world_id":"wrld_a"
	}`)
	validate(eventSchema, `{
	  "type":"SCAN_SNAPSHOT",
	  "entries":[
	    {"id":"usr_001","display_name":"Ada","rank":"trusted","is_group_member":true},
	    {"id":"usr_002","display_name":"Bo"}
	  ],
	  "timestamp_ms":1713200000000
	}`)
	validate(eventSchema, `{"type":"GROUP_CHANGED","group_id":"grp_x"}`)
	validate(eventSchema, `{"type":"GAME_CLOSED"}`)

	validate(subscribeSchema, `{
	  "type":"SUBSCRIBE",
	  "protocol_version":"0.1",
	  "include_entities":true
	}`)

	validate(stateSchema, `{
	  "type":"STATE",
	  "protocol_version":"0.1",
	  "seq":42,
	  "phase":"GROUP_INSTANCE",
	  "world_id":"wrld_a",
	  "world_name":"The Meadow",
	  "location":"wrld_a:12345~group(grp_x)",
	  "roster":[{"display_name":"Ada","user_id":"usr_001","joined_at_ms":1713200000000}],
	  "entities":[{"id":"usr_001","display_name":"Ada","status":"active","is_group_member":true}],
	  "correlation":{"world_id":"wrld_a","instance_id":"12345~group(grp_x)","owner_id":"grp_x","count":4},
	  "selected_group_id":"grp_x",
	  "is_selected_group":true
	}`)

	validate(statusSchema, `{
	  "protocol_version":"0.1",
	  "phase":"ROAMING",
	  "world_id":"wrld_a",
	  "roster_size":3,
	  "tracked_live":2,
	  "tracked_resolved":5,
	  "events_applied":120,
	  "events_dropped":1,
	  "queue_depth":0,
	  "queue_capacity":256,
	  "observers":1,
	  "enrichment_queue_depth":0,
	  "is_enriching":false
	}`)
}

func TestSchemas_RejectInvalid(t *testing.T) {
	mustFail := func(s *jsonschema.Schema, raw string) {
		t.Helper()
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			t.Fatalf("unmarshal sample: %v", err)
		}
		if err := s.Validate(v); err == nil {
			t.Fatalf("expected validation error for %s", raw)
		}
	}

	eventSchema := compileSchema(t, "event.schema.json")
	mustFail(eventSchema, `{"type":"TELEPORTED"}`)
	mustFail(eventSchema, `{"type":"PLAYER_JOINED","display_name":""}`)
	mustFail(eventSchema, `{"type":"LOCATION_CHANGED","timestamp_ms":1}`)

	stateSchema := compileSchema(t, "state.schema.json")
	mustFail(stateSchema, `{"type":"STATE","protocol_version":"0.1","seq":1,"phase":"LOST","roster":[],"is_selected_group":false}`)
}

// The serialized wire types must themselves satisfy the schemas they document.
func TestSchemas_MatchWireTypes(t *testing.T) {
	roundtrip := func(v any) any {
		t.Helper()
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return out
	}

	stateSchema := compileSchema(t, "state.schema.json")
	st := observerproto.StateMsg{
		Type:            observerproto.TypeState,
		ProtocolVersion: observerproto.Version,
		Seq:             7,
		Phase:           "ROAMING",
		WorldID:         "wrld_a",
		Roster: []observerproto.RosterEntry{
			{DisplayName: "Ada", UserID: "usr_001", JoinedAtMs: 1713200000000},
		},
	}
	if err := stateSchema.Validate(roundtrip(st)); err != nil {
		t.Fatalf("state wire type: %v", err)
	}

	statusSchema := compileSchema(t, "status.schema.json")
	resp := observerproto.StatusResponse{
		ProtocolVersion: observerproto.Version,
		Phase:           "NO_WORLD",
	}
	if err := statusSchema.Validate(roundtrip(resp)); err != nil {
		t.Fatalf("status wire type: %v", err)
	}
}
