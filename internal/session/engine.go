package session

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"instancewatch.app/internal/protocol"
)

// Config carries the engine's collaborators. Directory and Enrichment may be
// nil (empty directory, zero health).
type Config struct {
	Directory  DirectoryProvider
	Enrichment EnrichmentSource
	Logger     *log.Logger

	// QueueSize bounds the event inbox. 0 means a sane default.
	QueueSize int

	// Clock is overridable for tests; nil means time.Now.
	Clock func() time.Time
}

// Engine owns the session state and applies every input event one at a time
// from a single loop goroutine. Consumers read immutable snapshots; nothing
// outside the loop ever touches the live state.
type Engine struct {
	cfg Config
	log *log.Logger

	events    chan protocol.Event
	obsJoin   chan ObserverJoinRequest
	obsUpdate chan ObserverUpdateRequest
	obsLeave  chan string
	stop      chan struct{}
	stopOnce  sync.Once

	// Loop-owned. Only Run (or StepOnce in replay/tests) may touch these.
	st        sessionState
	observers map[string]*observerClient
	seq       uint64

	snap    atomic.Value // Snapshot
	metrics atomic.Value // Metrics

	applied atomic.Uint64
	dropped atomic.Uint64
}

type sessionState struct {
	phase     Phase
	loc       ObservedLocation
	worldName string

	roster *Roster
	recon  *Reconciler

	selectedGroupID string
	correlation     *GroupInstanceRecord
	isSelectedGroup bool
}

func New(cfg Config) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	e := &Engine{
		cfg:       cfg,
		log:       cfg.Logger,
		events:    make(chan protocol.Event, cfg.QueueSize),
		obsJoin:   make(chan ObserverJoinRequest, 8),
		obsUpdate: make(chan ObserverUpdateRequest, 8),
		obsLeave:  make(chan string, 8),
		stop:      make(chan struct{}),
		st: sessionState{
			phase:  PhaseNoWorld,
			roster: NewRoster(),
			recon:  NewReconciler(),
		},
		observers: map[string]*observerClient{},
	}
	e.publish()
	return e
}

// apply mutates the session state for one event and reports whether the
// event was admitted. Reset-and-admit is atomic by construction: everything
// here happens before the next event is looked at.
func (e *Engine) apply(ev protocol.Event) bool {
	now := e.cfg.Clock()

	switch ev := ev.(type) {
	case *protocol.PlayerJoined:
		if ev.DisplayName == "" || e.st.phase == PhaseClosed {
			return e.drop(ev)
		}
		joined := now
		if ev.TimestampMs > 0 {
			joined = time.UnixMilli(ev.TimestampMs)
		}
		e.st.roster.AddOrUpdate(PresenceEntry{
			DisplayName: ev.DisplayName,
			UserID:      ev.UserID,
			JoinedAt:    joined,
		})

	case *protocol.PlayerLeft:
		if ev.DisplayName == "" || e.st.phase == PhaseClosed {
			return e.drop(ev)
		}
		e.st.roster.Remove(ev.DisplayName)

	case *protocol.LocationChanged:
		loc, ok := NormalizeLocation(ev.WorldID, ev.InstanceID, ev.RawLocation)
		if !ok {
			return e.drop(ev)
		}
		if loc.InstanceID != e.st.loc.InstanceID {
			// Different instance: clear everything belonging to the old one
			// before the new location becomes visible. Events for the old
			// instance that arrive after this point hit an empty roster.
			e.st.roster.Clear()
			e.st.recon.Clear()
			e.st.correlation = nil
			e.st.isSelectedGroup = false
		}
		if loc.WorldID != e.st.loc.WorldID {
			e.st.worldName = ""
		}
		e.st.loc = loc
		e.st.phase = PhaseRoaming

	case *protocol.WorldNameResolved:
		if ev.Name == "" || e.st.phase == PhaseClosed {
			return e.drop(ev)
		}
		if ev.WorldID != "" && ev.WorldID != e.st.loc.WorldID {
			// Resolution for a world we already moved away from.
			return e.drop(ev)
		}
		e.st.worldName = ev.Name

	case *protocol.ScanSnapshot:
		if e.st.phase == PhaseClosed {
			return e.drop(ev)
		}
		records := make([]ScanRecord, 0, len(ev.Entries))
		for _, entry := range ev.Entries {
			records = append(records, ScanRecord{
				ID:            entry.ID,
				DisplayName:   entry.DisplayName,
				Rank:          entry.Rank,
				IsGroupMember: entry.IsGroupMember,
				AvatarURL:     entry.AvatarURL,
			})
		}
		e.st.recon.Apply(records, now)

	case *protocol.GroupChanged:
		// The selection rides its own channel: applied in every phase and
		// never cleared by location resets or game close, so a fast
		// reconnect cannot transiently report "no group".
		e.st.selectedGroupID = ev.GroupID

	case *protocol.GameClosed:
		e.st.roster.Clear()
		e.st.recon.Clear()
		e.st.loc = ObservedLocation{}
		e.st.worldName = ""
		e.st.correlation = nil
		e.st.isSelectedGroup = false
		e.st.phase = PhaseClosed

	default:
		return e.drop(ev)
	}

	e.recorrelate()
	e.applied.Add(1)
	return true
}

// recorrelate recomputes the correlated group instance and the derived
// phase. Runs after every applied event: correlation depends on location,
// roster size, selected group and world name, all of which events move.
func (e *Engine) recorrelate() {
	if e.st.phase == PhaseClosed {
		return
	}
	var records []GroupInstanceRecord
	if e.cfg.Directory != nil {
		records = e.cfg.Directory.GroupInstances()
	}
	e.st.correlation, e.st.isSelectedGroup = Correlate(
		e.st.loc, records, e.st.selectedGroupID, e.st.roster.Len(), e.st.worldName)

	switch {
	case e.st.loc.IsZero():
		e.st.phase = PhaseNoWorld
	case e.st.correlation != nil:
		e.st.phase = PhaseGroupInstance
	default:
		e.st.phase = PhaseRoaming
	}
}

func (e *Engine) drop(ev protocol.Event) bool {
	e.dropped.Add(1)
	if e.log != nil {
		e.log.Printf("drop event type=%s phase=%s", ev.EventType(), e.st.phase)
	}
	return false
}

// publish refreshes the immutable snapshot and metrics after an apply.
func (e *Engine) publish() {
	e.seq++
	var corr *GroupInstanceRecord
	if e.st.correlation != nil {
		c := *e.st.correlation
		corr = &c
	}
	snap := Snapshot{
		Seq:             e.seq,
		Phase:           e.st.phase,
		Location:        e.st.loc,
		WorldName:       e.st.worldName,
		Roster:          e.st.roster.Snapshot(),
		Entities:        e.st.recon.Entities(),
		Correlation:     corr,
		SelectedGroupID: e.st.selectedGroupID,
		IsSelectedGroup: e.st.isSelectedGroup,
	}
	e.snap.Store(snap)

	live, resolved := e.st.recon.Counts()
	e.metrics.Store(Metrics{
		Phase:           e.st.phase,
		RosterSize:      len(snap.Roster),
		TrackedLive:     live,
		TrackedResolved: resolved,
		Observers:       len(e.observers),
	})
}

// Snapshot returns the state as of the most recently applied event. Safe
// from any goroutine; never blocks the loop.
func (e *Engine) Snapshot() Snapshot {
	v := e.snap.Load()
	if v == nil {
		return Snapshot{Phase: PhaseNoWorld}
	}
	return v.(Snapshot)
}

// StepOnce applies a single event synchronously and returns the resulting
// snapshot. Same semantics as the running loop; intended for deterministic
// replays and tests. Must not be mixed with a concurrent Run.
func (e *Engine) StepOnce(ev protocol.Event) Snapshot {
	if e.apply(ev) {
		e.publish()
	}
	return e.Snapshot()
}
