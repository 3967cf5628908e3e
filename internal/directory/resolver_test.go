package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"instancewatch.app/internal/protocol"
)

func collectSubmit(buf chan protocol.Event) SubmitFunc {
	return func(ctx context.Context, ev protocol.Event) error {
		buf <- ev
		return nil
	}
}

func waitResolved(t *testing.T, buf chan protocol.Event) *protocol.WorldNameResolved {
	t.Helper()
	select {
	case ev := <-buf:
		res, ok := ev.(*protocol.WorldNameResolved)
		if !ok {
			t.Fatalf("got %T", ev)
		}
		return res
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for resolution")
	}
	return nil
}

func TestWorldNamesFetchesAndCaches(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/worlds/wrld_a" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(WorldInfo{ID: "wrld_a", Name: "The Lighthouse"})
	}))
	cache := newFakeCache()
	buf := make(chan protocol.Event, 4)
	wn := NewWorldNames(c, cache, collectSubmit(buf), nil)

	wn.Kick(context.Background(), "wrld_a")
	res := waitResolved(t, buf)
	if res.Name != "The Lighthouse" || res.WorldID != "wrld_a" {
		t.Fatalf("resolution: %+v", res)
	}
	if name, ok := cache.WorldName("wrld_a"); !ok || name != "The Lighthouse" {
		t.Fatalf("cache after fetch: %q %v", name, ok)
	}
}

func TestWorldNamesServesCacheFirst(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(WorldInfo{ID: "wrld_b", Name: "Renamed Hall"})
	}))
	cache := newFakeCache()
	cache.PutWorldName("wrld_b", "Old Hall")
	buf := make(chan protocol.Event, 4)
	wn := NewWorldNames(c, cache, collectSubmit(buf), nil)

	wn.Kick(context.Background(), "wrld_b")

	// Both the cached value and the refreshed one arrive; order between the
	// two goroutines is not fixed.
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		res := waitResolved(t, buf)
		if res.WorldID != "wrld_b" {
			t.Fatalf("world id: %+v", res)
		}
		got[res.Name] = true
	}
	if !got["Old Hall"] || !got["Renamed Hall"] {
		t.Fatalf("resolutions: %v", got)
	}
	if name, _ := cache.WorldName("wrld_b"); name != "Renamed Hall" {
		t.Fatalf("cache not refreshed: %q", name)
	}
}

func TestWorldNamesFailureKeepsPlaceholder(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(http.NotFound))
	buf := make(chan protocol.Event, 4)
	wn := NewWorldNames(c, nil, collectSubmit(buf), nil)

	wn.Kick(context.Background(), "wrld_missing")
	select {
	case ev := <-buf:
		t.Fatalf("no event expected on failed lookup, got %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}
