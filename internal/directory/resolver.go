package directory

import (
	"context"
	"log"
	"sync"

	"instancewatch.app/internal/protocol"
)

// MetaCache persists last-known directory lookups across restarts and
// serves them when the directory is unreachable.
type MetaCache interface {
	WorldName(worldID string) (string, bool)
	PutWorldName(worldID, name string)
	UserByName(displayName string) (UserRecord, bool)
	PutUser(u UserRecord)
}

// SubmitFunc delivers one event into the engine's queue.
type SubmitFunc func(context.Context, protocol.Event) error

// WorldNames resolves world ids to display names and feeds the results back
// as WORLD_NAME_RESOLVED events. Cache-first: a cached name is served
// immediately, a directory fetch refreshes it in the background.
type WorldNames struct {
	client *Client
	cache  MetaCache // may be nil
	submit SubmitFunc
	log    *log.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

func NewWorldNames(client *Client, cache MetaCache, submit SubmitFunc, logger *log.Logger) *WorldNames {
	return &WorldNames{
		client:   client,
		cache:    cache,
		submit:   submit,
		log:      logger,
		inflight: map[string]bool{},
	}
}

// Kick requests resolution for worldID. Asynchronous; a failed lookup keeps
// whatever name the session already shows.
func (w *WorldNames) Kick(ctx context.Context, worldID string) {
	if worldID == "" {
		return
	}
	var cached string
	if w.cache != nil {
		cached, _ = w.cache.WorldName(worldID)
	}
	if cached != "" {
		go w.submitName(ctx, worldID, cached)
	}

	w.mu.Lock()
	if w.inflight[worldID] {
		w.mu.Unlock()
		return
	}
	w.inflight[worldID] = true
	w.mu.Unlock()
	go w.fetch(ctx, worldID, cached)
}

func (w *WorldNames) fetch(ctx context.Context, worldID, cached string) {
	defer func() {
		w.mu.Lock()
		delete(w.inflight, worldID)
		w.mu.Unlock()
	}()

	info, err := w.client.World(ctx, worldID)
	if err != nil || info.Name == "" {
		if w.log != nil {
			w.log.Printf("world name lookup failed world=%s err=%v", worldID, err)
		}
		return
	}
	if w.cache != nil {
		w.cache.PutWorldName(worldID, info.Name)
	}
	if info.Name != cached {
		w.submitName(ctx, worldID, info.Name)
	}
}

func (w *WorldNames) submitName(ctx context.Context, worldID, name string) {
	ev := &protocol.WorldNameResolved{
		Type:    protocol.TypeWorldNameResolved,
		Name:    name,
		WorldID: worldID,
	}
	if err := w.submit(ctx, ev); err != nil && w.log != nil {
		w.log.Printf("submit world name world=%s err=%v", worldID, err)
	}
}
