package directory

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"instancewatch.app/internal/session"
)

// InstanceProvider keeps a periodically refreshed copy of the selected
// group's live instances and serves it to the engine without blocking.
// On fetch failure the last-known list stays in place.
type InstanceProvider struct {
	client  *Client
	refresh time.Duration
	log     *log.Logger

	mu      sync.Mutex
	groupID string
	kick    chan struct{}

	records   atomic.Value // []session.GroupInstanceRecord
	refreshed atomic.Int64 // unix ms of last successful fetch
}

func NewInstanceProvider(client *Client, refresh time.Duration, logger *log.Logger) *InstanceProvider {
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	p := &InstanceProvider{
		client:  client,
		refresh: refresh,
		log:     logger,
		kick:    make(chan struct{}, 1),
	}
	p.records.Store([]session.GroupInstanceRecord(nil))
	return p
}

// SetGroup switches which group is polled. An empty id clears the list and
// pauses polling. The switch takes effect on the next cycle, which is
// triggered immediately.
func (p *InstanceProvider) SetGroup(groupID string) {
	p.mu.Lock()
	changed := p.groupID != groupID
	p.groupID = groupID
	p.mu.Unlock()
	if !changed {
		return
	}
	if groupID == "" {
		p.records.Store([]session.GroupInstanceRecord(nil))
		return
	}
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// GroupInstances implements session.DirectoryProvider. Called from the
// engine loop on every applied event; must stay cheap.
func (p *InstanceProvider) GroupInstances() []session.GroupInstanceRecord {
	recs, _ := p.records.Load().([]session.GroupInstanceRecord)
	if len(recs) == 0 {
		return nil
	}
	out := make([]session.GroupInstanceRecord, len(recs))
	copy(out, recs)
	return out
}

// LastRefreshed reports when the list was last fetched successfully, zero
// if never.
func (p *InstanceProvider) LastRefreshed() time.Time {
	ms := p.refreshed.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (p *InstanceProvider) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.refresh)
	defer ticker.Stop()
	for {
		p.refreshOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.kick:
		}
	}
}

func (p *InstanceProvider) refreshOnce(ctx context.Context) {
	p.mu.Lock()
	groupID := p.groupID
	p.mu.Unlock()
	if groupID == "" {
		return
	}

	recs, err := p.client.GroupInstances(ctx, groupID)
	if errors.Is(err, ErrNotFound) {
		// Definitive answer: the group has no listable instances.
		recs, err = nil, nil
	}
	if err != nil {
		// Transient failure: keep serving the last-known list.
		if p.log != nil {
			p.log.Printf("group instance refresh failed group=%s err=%v", groupID, err)
		}
		return
	}
	p.records.Store(recs)
	p.refreshed.Store(time.Now().UnixMilli())
}
