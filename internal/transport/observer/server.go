package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"instancewatch.app/internal/observerproto"
	"instancewatch.app/internal/protocol"
	"instancewatch.app/internal/session"
)

// GroupSelector receives the operator's group selection so the directory
// layer can refresh against the right group.
type GroupSelector interface {
	SetGroup(groupID string)
}

// Server exposes the session over HTTP and WebSocket for display clients.
// Reads come from the engine's published snapshot; the only mutation is the
// group selection, which travels through the event queue like everything
// else.
type Server struct {
	engine *session.Engine
	groups GroupSelector
	log    *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(e *session.Engine, groups GroupSelector, logger *log.Logger) *Server {
	return &Server{
		engine: e,
		groups: groups,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // local display clients
		},
	}
}

func (s *Server) StatusHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		m := s.engine.Metrics()
		h := s.engine.Health()
		snap := s.engine.Snapshot()
		resp := observerproto.StatusResponse{
			ProtocolVersion: observerproto.Version,

			Phase:           string(m.Phase),
			WorldID:         snap.Location.WorldID,
			RosterSize:      m.RosterSize,
			TrackedLive:     m.TrackedLive,
			TrackedResolved: m.TrackedResolved,
			EventsApplied:   m.EventsApplied,
			EventsDropped:   m.EventsDropped,

			QueueDepth:    m.QueueDepth,
			QueueCapacity: m.QueueCapacity,
			Observers:     m.Observers,

			EnrichmentQueueDepth: h.EnrichmentQueueDepth,
			IsEnriching:          h.IsEnriching,
		}
		writeJSON(rw, resp)
	}
}

func (s *Server) RosterHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		snap := s.engine.Snapshot()
		resp := observerproto.RosterResponse{
			Seq:    snap.Seq,
			Phase:  string(snap.Phase),
			Roster: make([]observerproto.RosterEntry, 0, len(snap.Roster)),
		}
		for _, p := range snap.Roster {
			resp.Roster = append(resp.Roster, observerproto.RosterEntry{
				DisplayName: p.DisplayName,
				UserID:      p.UserID,
				JoinedAtMs:  p.JoinedAt.UnixMilli(),
			})
		}
		writeJSON(rw, resp)
	}
}

func (s *Server) EntitiesHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		snap := s.engine.Snapshot()
		resp := observerproto.EntitiesResponse{
			Seq:      snap.Seq,
			Entities: make([]observerproto.EntityInfo, 0, len(snap.Entities)),
		}
		for _, t := range snap.Entities {
			resp.Entities = append(resp.Entities, observerproto.EntityInfo{
				ID:            t.ID,
				DisplayName:   t.DisplayName,
				Rank:          t.Rank,
				IsGroupMember: t.IsGroupMember,
				Status:        string(t.Status),
				AvatarURL:     t.AvatarURL,
				LastUpdatedMs: t.LastUpdated.UnixMilli(),
			})
		}
		writeJSON(rw, resp)
	}
}

func (s *Server) CorrelationHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		snap := s.engine.Snapshot()
		resp := observerproto.CorrelationResponse{
			Seq:             snap.Seq,
			Phase:           string(snap.Phase),
			SelectedGroupID: snap.SelectedGroupID,
			IsSelectedGroup: snap.IsSelectedGroup,
		}
		if snap.Correlation != nil {
			resp.Correlation = &observerproto.InstanceInfo{
				Location:   snap.Correlation.Location,
				WorldID:    snap.Correlation.WorldID,
				InstanceID: snap.Correlation.InstanceID,
				OwnerID:    snap.Correlation.OwnerID,
				WorldName:  snap.Correlation.WorldName,
				Count:      snap.Correlation.Count,
			}
		}
		writeJSON(rw, resp)
	}
}

// GroupHandler changes the selected group. Operator action: loopback only.
func (s *Server) GroupHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		var req observerproto.GroupSelectRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			http.Error(rw, "bad request", http.StatusBadRequest)
			return
		}
		groupID := strings.TrimSpace(req.GroupID)

		if s.groups != nil {
			s.groups.SetGroup(groupID)
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		err := s.engine.Submit(ctx, &protocol.GroupChanged{
			Type:    protocol.TypeGroupChanged,
			GroupID: groupID,
		})
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "group_id": groupID})
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		out := make(chan []byte, 64)

		joinReq := session.ObserverJoinRequest{
			SessionID:       sid,
			Out:             out,
			IncludeEntities: sub.IncludeEntities,
		}
		select {
		case s.engine.ObserverJoin() <- joinReq:
		default:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		defer func() {
			select {
			case s.engine.ObserverLeave() <- sid:
			default:
				// Engine loop is stopping; nothing else to do.
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-out:
					if !ok {
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates (detail level changes).
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				continue
			}
			if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
				continue
			}
			req := session.ObserverUpdateRequest{
				SessionID:       sid,
				IncludeEntities: sub.IncludeEntities,
			}
			select {
			case s.engine.ObserverUpdate() <- req:
			default:
				// Drop updates under load; the client may resend.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
