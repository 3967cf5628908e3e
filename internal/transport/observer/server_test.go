package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"instancewatch.app/internal/observerproto"
	"instancewatch.app/internal/protocol"
	"instancewatch.app/internal/session"
)

type fakeSelector struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeSelector) SetGroup(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func (f *fakeSelector) last() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "", false
	}
	return f.ids[len(f.ids)-1], true
}

type fakeDirectory struct {
	mu      sync.Mutex
	records []session.GroupInstanceRecord
}

func (f *fakeDirectory) GroupInstances() []session.GroupInstanceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.GroupInstanceRecord, len(f.records))
	copy(out, f.records)
	return out
}

type fixture struct {
	engine   *session.Engine
	server   *Server
	selector *fakeSelector
	dir      *fakeDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := &fakeDirectory{}
	e := session.New(session.Config{
		Directory: dir,
		Logger:    log.New(io.Discard, "", 0),
		QueueSize: 64,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("engine loop did not stop")
		}
	})

	sel := &fakeSelector{}
	return &fixture{
		engine:   e,
		server:   NewServer(e, sel, log.New(io.Discard, "", 0)),
		selector: sel,
		dir:      dir,
	}
}

func (f *fixture) submit(t *testing.T, evs ...protocol.Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := f.engine.Snapshot().Seq
	for _, ev := range evs {
		if err := f.engine.Submit(ctx, ev); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.engine.Snapshot().Seq < start+uint64(len(evs)) {
		if time.Now().After(deadline) {
			t.Fatalf("events not applied: seq=%d want>=%d", f.engine.Snapshot().Seq, start+uint64(len(evs)))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func getJSON(t *testing.T, h http.HandlerFunc, path string, out any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s status=%d body=%s", path, rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestStatusHandler(t *testing.T) {
	f := newFixture(t)
	f.submit(t,
		&protocol.LocationChanged{Type: protocol.TypeLocationChanged, WorldID: "wrld_a", InstanceID: "12345", TimestampMs: 1},
		&protocol.PlayerJoined{Type: protocol.TypePlayerJoined, DisplayName: "Ada", TimestampMs: 2},
	)

	var resp observerproto.StatusResponse
	getJSON(t, f.server.StatusHandler(), "/v1/status", &resp)

	if resp.ProtocolVersion != observerproto.Version {
		t.Fatalf("protocol_version=%q", resp.ProtocolVersion)
	}
	if resp.Phase != string(session.PhaseRoaming) {
		t.Fatalf("phase=%q want ROAMING", resp.Phase)
	}
	if resp.WorldID != "wrld_a" || resp.RosterSize != 1 {
		t.Fatalf("world=%q roster=%d", resp.WorldID, resp.RosterSize)
	}
	if resp.EventsApplied != 2 || resp.EventsDropped != 0 {
		t.Fatalf("applied=%d dropped=%d", resp.EventsApplied, resp.EventsDropped)
	}
	if resp.QueueCapacity != 64 {
		t.Fatalf("queue_capacity=%d want 64", resp.QueueCapacity)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/status", nil)
	rec := httptest.NewRecorder()
	f.server.StatusHandler()(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status=%d want 405", rec.Code)
	}
}

func TestRosterAndEntitiesHandlers(t *testing.T) {
	f := newFixture(t)
	f.submit(t,
		&protocol.LocationChanged{Type: protocol.TypeLocationChanged, WorldID: "wrld_a", InstanceID: "12345", TimestampMs: 1},
		&protocol.PlayerJoined{Type: protocol.TypePlayerJoined, DisplayName: "Ada", UserID: "usr_001", TimestampMs: 2},
		&protocol.PlayerJoined{Type: protocol.TypePlayerJoined, DisplayName: "Bo", TimestampMs: 3},
		&protocol.ScanSnapshot{Type: protocol.TypeScanSnapshot, Entries: []protocol.ScanEntry{
			{ID: "usr_001", DisplayName: "Ada", Rank: "trusted", IsGroupMember: true},
		}},
	)

	var roster observerproto.RosterResponse
	getJSON(t, f.server.RosterHandler(), "/v1/roster", &roster)
	if len(roster.Roster) != 2 {
		t.Fatalf("roster len=%d want 2", len(roster.Roster))
	}
	// Most recent join first.
	if roster.Roster[0].DisplayName != "Bo" {
		t.Fatalf("first entry=%+v", roster.Roster[0])
	}
	if roster.Roster[1].DisplayName != "Ada" || roster.Roster[1].UserID != "usr_001" {
		t.Fatalf("second entry=%+v", roster.Roster[1])
	}

	var ents observerproto.EntitiesResponse
	getJSON(t, f.server.EntitiesHandler(), "/v1/entities", &ents)
	if len(ents.Entities) != 1 {
		t.Fatalf("entities len=%d want 1", len(ents.Entities))
	}
	en := ents.Entities[0]
	if en.ID != "usr_001" || en.Rank != "trusted" || !en.IsGroupMember || en.Status != string(session.StatusActive) {
		t.Fatalf("entity=%+v", en)
	}
}

func TestCorrelationHandler(t *testing.T) {
	f := newFixture(t)
	f.dir.mu.Lock()
	f.dir.records = []session.GroupInstanceRecord{{
		Location:   "wrld_a:12345~group(grp_x)",
		WorldID:    "wrld_a",
		InstanceID: "12345~group(grp_x)",
		OwnerID:    "grp_x",
		WorldName:  "The Meadow",
		Count:      4,
	}}
	f.dir.mu.Unlock()

	f.submit(t,
		&protocol.GroupChanged{Type: protocol.TypeGroupChanged, GroupID: "grp_x"},
		&protocol.LocationChanged{Type: protocol.TypeLocationChanged, RawLocation: "wrld_a:12345~group(grp_x)", TimestampMs: 1},
	)

	var resp observerproto.CorrelationResponse
	getJSON(t, f.server.CorrelationHandler(), "/v1/correlation", &resp)
	if resp.Phase != string(session.PhaseGroupInstance) {
		t.Fatalf("phase=%q want GROUP_INSTANCE", resp.Phase)
	}
	if !resp.IsSelectedGroup || resp.SelectedGroupID != "grp_x" {
		t.Fatalf("selected=%v group=%q", resp.IsSelectedGroup, resp.SelectedGroupID)
	}
	if resp.Correlation == nil || resp.Correlation.WorldName != "The Meadow" || resp.Correlation.Count != 4 {
		t.Fatalf("correlation=%+v", resp.Correlation)
	}
}

func TestGroupHandler(t *testing.T) {
	f := newFixture(t)
	h := f.server.GroupHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/group", strings.NewReader(`{"group_id":"grp_x"}`))
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ok, _ := body["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, got %+v", body)
	}
	if id, ok := f.selector.last(); !ok || id != "grp_x" {
		t.Fatalf("selector got %q ok=%v", id, ok)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.engine.Snapshot().SelectedGroupID != "grp_x" {
		if time.Now().After(deadline) {
			t.Fatalf("selected group not applied: %q", f.engine.Snapshot().SelectedGroupID)
		}
		time.Sleep(2 * time.Millisecond)
	}

	// Non-loopback callers are rejected.
	req = httptest.NewRequest(http.MethodPost, "/v1/group", strings.NewReader(`{"group_id":"grp_y"}`))
	req.RemoteAddr = "8.8.8.8:1234"
	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-loopback status=%d want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/group", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d want 405", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/group", strings.NewReader("{not json"))
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	h(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status=%d want 400", rec.Code)
	}
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readState(t *testing.T, conn *websocket.Conn) observerproto.StateMsg {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var st observerproto.StateMsg
	if err := json.Unmarshal(msg, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.Type != observerproto.TypeState {
		t.Fatalf("type=%q want STATE", st.Type)
	}
	return st
}

func TestWSStateFlow(t *testing.T) {
	f := newFixture(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", f.server.WSHandler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialWS(t, srv)
	sub := observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Joining pushes the current state immediately.
	st := readState(t, conn)
	if st.Phase != string(session.PhaseNoWorld) || len(st.Roster) != 0 {
		t.Fatalf("initial state=%+v", st)
	}

	f.submit(t,
		&protocol.LocationChanged{Type: protocol.TypeLocationChanged, WorldID: "wrld_a", InstanceID: "12345", TimestampMs: 1},
		&protocol.PlayerJoined{Type: protocol.TypePlayerJoined, DisplayName: "Ada", TimestampMs: 2},
		&protocol.ScanSnapshot{Type: protocol.TypeScanSnapshot, Entries: []protocol.ScanEntry{
			{ID: "usr_001", DisplayName: "Ada"},
		}},
	)

	// States coalesce under load; read until the final one arrives.
	deadline := time.Now().Add(3 * time.Second)
	for {
		st = readState(t, conn)
		if len(st.Roster) == 1 && st.Phase == string(session.PhaseRoaming) && st.Seq >= 4 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("final state never arrived: %+v", st)
		}
	}
	if st.Roster[0].DisplayName != "Ada" || st.WorldID != "wrld_a" {
		t.Fatalf("state=%+v", st)
	}
	if len(st.Entities) != 0 {
		t.Fatalf("entities pushed without include_entities: %+v", st.Entities)
	}

	// Raise the detail level; a full state follows.
	sub.IncludeEntities = true
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	deadline = time.Now().Add(3 * time.Second)
	for {
		st = readState(t, conn)
		if len(st.Entities) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entity state never arrived: %+v", st)
		}
	}
	if st.Entities[0].ID != "usr_001" {
		t.Fatalf("entity=%+v", st.Entities[0])
	}

	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
}

func TestWSRejectsBadHandshake(t *testing.T) {
	f := newFixture(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", f.server.WSHandler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dialWS(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"NOPE"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close after bad handshake")
	}
}
