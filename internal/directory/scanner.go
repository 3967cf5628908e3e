package directory

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"instancewatch.app/internal/protocol"
	"instancewatch.app/internal/session"
)

type ScannerConfig struct {
	Interval  time.Duration
	QueueSize int
	Logger    *log.Logger
}

// Scanner periodically resolves every present roster participant through
// the directory and submits the result as one SCAN_SNAPSHOT. Lookups run
// outside the engine loop; only the finished snapshot enters the queue.
type Scanner struct {
	client   *Client
	cache    MetaCache // may be nil
	snapshot func() session.Snapshot
	submit   SubmitFunc
	cfg      ScannerConfig

	pending chan string
	active  atomic.Bool
}

func NewScanner(client *Client, cache MetaCache, snapshot func() session.Snapshot, submit SubmitFunc, cfg ScannerConfig) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	return &Scanner{
		client:   client,
		cache:    cache,
		snapshot: snapshot,
		submit:   submit,
		cfg:      cfg,
		pending:  make(chan string, cfg.QueueSize),
	}
}

// EnrichmentStats implements session.EnrichmentSource.
func (s *Scanner) EnrichmentStats() (int, bool) {
	return len(s.pending), s.active.Load()
}

func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

// scanOnce performs one full enrichment pass over the current roster.
func (s *Scanner) scanOnce(ctx context.Context) {
	snap := s.snapshot()
	if snap.Phase == session.PhaseClosed || len(snap.Roster) == 0 {
		return
	}
	s.active.Store(true)
	defer s.active.Store(false)

	queued := 0
	for _, p := range snap.Roster {
		select {
		case s.pending <- p.DisplayName:
			queued++
		default:
			s.logf("enrichment queue full; skip name=%s", p.DisplayName)
		}
	}

	byName := make(map[string]session.PresenceEntry, len(snap.Roster))
	for _, p := range snap.Roster {
		byName[p.DisplayName] = p
	}

	entries := make([]protocol.ScanEntry, 0, queued)
	for i := 0; i < queued; i++ {
		var name string
		select {
		case name = <-s.pending:
		case <-ctx.Done():
			return
		}
		if entry, ok := s.resolve(ctx, name, byName[name].UserID, snap); ok {
			entries = append(entries, entry)
		}
	}
	if len(entries) == 0 {
		// Nothing resolvable this pass. An empty snapshot would read as
		// "everyone gone", which a directory outage must never imply.
		return
	}

	ev := &protocol.ScanSnapshot{
		Type:        protocol.TypeScanSnapshot,
		Entries:     entries,
		TimestampMs: time.Now().UnixMilli(),
	}
	if err := s.submit(ctx, ev); err != nil {
		s.logf("submit scan snapshot err=%v", err)
	}
}

// resolve builds one scan entry, degrading fallback by fallback: directory
// lookup, cached record, roster-supplied id, previously tracked entity.
// Reports false only when no identity can be established at all.
func (s *Scanner) resolve(ctx context.Context, name, rosterID string, snap session.Snapshot) (protocol.ScanEntry, bool) {
	u, err := s.client.ResolveUser(ctx, name, snap.SelectedGroupID)
	if err == nil {
		if s.cache != nil {
			s.cache.PutUser(u)
		}
		id := u.ID
		if id == "" {
			id = rosterID
		}
		return protocol.ScanEntry{
			ID:            id,
			DisplayName:   name,
			Rank:          u.Rank,
			IsGroupMember: u.IsGroupMember,
			AvatarURL:     u.AvatarURL,
		}, id != ""
	}
	if !errors.Is(err, ErrNotFound) {
		s.logf("user lookup failed name=%s err=%v", name, err)
	}

	if s.cache != nil {
		if u, ok := s.cache.UserByName(name); ok && u.ID != "" {
			return protocol.ScanEntry{
				ID:            u.ID,
				DisplayName:   name,
				Rank:          u.Rank,
				IsGroupMember: u.IsGroupMember,
				AvatarURL:     u.AvatarURL,
			}, true
		}
	}

	if rosterID != "" {
		return protocol.ScanEntry{ID: rosterID, DisplayName: name}, true
	}

	for _, e := range snap.Entities {
		if e.DisplayName == name && !e.Status.Resolved() {
			return protocol.ScanEntry{
				ID:            e.ID,
				DisplayName:   name,
				Rank:          e.Rank,
				IsGroupMember: e.IsGroupMember,
				AvatarURL:     e.AvatarURL,
			}, true
		}
	}

	return protocol.ScanEntry{}, false
}

func (s *Scanner) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}
