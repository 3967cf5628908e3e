package session

import (
	"context"
	"encoding/json"
	"errors"

	"instancewatch.app/internal/observerproto"
	"instancewatch.app/internal/protocol"
)

// ObserverJoinRequest registers a read-only observer session that receives a
// serialized STATE message after every applied event. Out should be buffered;
// slow readers are coalesced to the latest state, never blocked on.
type ObserverJoinRequest struct {
	SessionID       string
	Out             chan []byte
	IncludeEntities bool
}

// ObserverUpdateRequest changes the settings of an already joined session
// without touching its out channel.
type ObserverUpdateRequest struct {
	SessionID       string
	IncludeEntities bool
}

type observerClient struct {
	id              string
	out             chan []byte
	includeEntities bool
}

func (e *Engine) ObserverJoin() chan<- ObserverJoinRequest     { return e.obsJoin }
func (e *Engine) ObserverUpdate() chan<- ObserverUpdateRequest { return e.obsUpdate }
func (e *Engine) ObserverLeave() chan<- string                 { return e.obsLeave }

// Submit queues one event for the loop. It blocks until the loop accepts the
// event or ctx is done, so feed order is preserved end to end.
func (e *Engine) Submit(ctx context.Context, ev protocol.Event) error {
	if e == nil || e.events == nil {
		return errors.New("event queue not available")
	}
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the event queue until ctx is done or Stop is called. All state
// mutation happens here, one event at a time.
func (e *Engine) Run(ctx context.Context) error {
	defer e.closeObservers()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case ev := <-e.events:
			if e.apply(ev) {
				e.publish()
				e.fanout()
			}
		case req := <-e.obsJoin:
			e.handleObserverJoin(req)
		case req := <-e.obsUpdate:
			e.handleObserverUpdate(req)
		case id := <-e.obsLeave:
			e.handleObserverLeave(id)
		}
	}
}

func (e *Engine) Stop() { e.stopOnce.Do(func() { close(e.stop) }) }

func (e *Engine) handleObserverJoin(req ObserverJoinRequest) {
	if req.SessionID == "" || req.Out == nil {
		return
	}
	// Replace existing session id if any (defensive).
	if old := e.observers[req.SessionID]; old != nil {
		close(old.out)
	}
	c := &observerClient{
		id:              req.SessionID,
		out:             req.Out,
		includeEntities: req.IncludeEntities,
	}
	e.observers[req.SessionID] = c

	// A joining session sees the current state right away instead of
	// waiting for the next event.
	if b, err := e.encodeState(c.includeEntities); err == nil {
		sendLatest(c.out, b)
	}
}

func (e *Engine) handleObserverUpdate(req ObserverUpdateRequest) {
	c := e.observers[req.SessionID]
	if c == nil {
		return
	}
	changed := c.includeEntities != req.IncludeEntities
	c.includeEntities = req.IncludeEntities
	if !changed {
		return
	}
	// Push a state at the new detail level right away.
	if b, err := e.encodeState(c.includeEntities); err == nil {
		sendLatest(c.out, b)
	}
}

func (e *Engine) handleObserverLeave(sessionID string) {
	if sessionID == "" {
		return
	}
	c := e.observers[sessionID]
	if c == nil {
		return
	}
	delete(e.observers, sessionID)
	close(c.out)
}

func (e *Engine) closeObservers() {
	for id, c := range e.observers {
		delete(e.observers, id)
		close(c.out)
	}
}

// fanout pushes the freshly published state to every observer session. The
// encoded payload is shared across sessions with the same entity setting.
func (e *Engine) fanout() {
	if len(e.observers) == 0 {
		return
	}
	var lean, full []byte
	for _, c := range e.observers {
		b := lean
		if c.includeEntities {
			b = full
		}
		if b == nil {
			enc, err := e.encodeState(c.includeEntities)
			if err != nil {
				if e.log != nil {
					e.log.Printf("encode state: %v", err)
				}
				return
			}
			if c.includeEntities {
				full = enc
			} else {
				lean = enc
			}
			b = enc
		}
		sendLatest(c.out, b)
	}
}

func (e *Engine) encodeState(includeEntities bool) ([]byte, error) {
	return json.Marshal(e.stateMsg(includeEntities))
}

// stateMsg converts the latest snapshot into the observer wire shape.
func (e *Engine) stateMsg(includeEntities bool) observerproto.StateMsg {
	snap := e.Snapshot()
	msg := observerproto.StateMsg{
		Type:            observerproto.TypeState,
		ProtocolVersion: observerproto.Version,
		Seq:             snap.Seq,
		Phase:           string(snap.Phase),
		WorldID:         snap.Location.WorldID,
		WorldName:       snap.WorldName,
		Location:        snap.Location.RawLocation,
		SelectedGroupID: snap.SelectedGroupID,
		IsSelectedGroup: snap.IsSelectedGroup,
	}
	msg.Roster = make([]observerproto.RosterEntry, 0, len(snap.Roster))
	for _, p := range snap.Roster {
		msg.Roster = append(msg.Roster, observerproto.RosterEntry{
			DisplayName: p.DisplayName,
			UserID:      p.UserID,
			JoinedAtMs:  p.JoinedAt.UnixMilli(),
		})
	}
	if includeEntities {
		msg.Entities = make([]observerproto.EntityInfo, 0, len(snap.Entities))
		for _, t := range snap.Entities {
			msg.Entities = append(msg.Entities, observerproto.EntityInfo{
				ID:            t.ID,
				DisplayName:   t.DisplayName,
				Rank:          t.Rank,
				IsGroupMember: t.IsGroupMember,
				Status:        string(t.Status),
				AvatarURL:     t.AvatarURL,
				LastUpdatedMs: t.LastUpdated.UnixMilli(),
			})
		}
	}
	if snap.Correlation != nil {
		msg.Correlation = &observerproto.InstanceInfo{
			Location:   snap.Correlation.Location,
			WorldID:    snap.Correlation.WorldID,
			InstanceID: snap.Correlation.InstanceID,
			OwnerID:    snap.Correlation.OwnerID,
			WorldName:  snap.Correlation.WorldName,
			Count:      snap.Correlation.Count,
		}
	}
	return msg
}

// sendLatest delivers b without ever blocking the loop: when the channel is
// full the stale pending element is dropped in favor of the new one.
func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
