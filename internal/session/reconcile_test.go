package session

import (
	"fmt"
	"testing"
	"time"
)

func scanAt(i int) ScanRecord {
	return ScanRecord{ID: fmt.Sprintf("usr_%03d", i), DisplayName: fmt.Sprintf("Player%03d", i)}
}

func TestReconcilerFirstScanAllActive(t *testing.T) {
	r := NewReconciler()
	now := time.UnixMilli(1_700_000_000_000)
	r.Apply([]ScanRecord{scanAt(1), scanAt(2)}, now)

	got := r.Entities()
	if len(got) != 2 {
		t.Fatalf("got %d entities, want 2", len(got))
	}
	for _, e := range got {
		if e.Status != StatusActive {
			t.Fatalf("entity %s: got status %q want %q", e.ID, e.Status, StatusActive)
		}
		if !e.FirstSeen.Equal(now) {
			t.Fatalf("entity %s: first seen %v want %v", e.ID, e.FirstSeen, now)
		}
	}
}

func TestReconcilerApplyIdempotent(t *testing.T) {
	r := NewReconciler()
	now := time.UnixMilli(1_700_000_000_000)
	scan := []ScanRecord{scanAt(1), scanAt(2), scanAt(3)}
	r.Apply(scan, now)
	first := r.Entities()
	r.Apply(scan, now)
	second := r.Entities()

	if len(first) != len(second) {
		t.Fatalf("got %d entities after re-apply, want %d", len(second), len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("entity %d changed on re-apply: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestReconcilerAbsentBecomesLeft(t *testing.T) {
	r := NewReconciler()
	t0 := time.UnixMilli(1_700_000_000_000)
	t1 := t0.Add(time.Minute)
	r.Apply([]ScanRecord{scanAt(1), scanAt(2)}, t0)
	r.Apply([]ScanRecord{scanAt(1)}, t1)

	got := r.Entities()
	if len(got) != 2 {
		t.Fatalf("got %d entities, want 2", len(got))
	}
	byID := map[string]TrackedEntity{}
	for _, e := range got {
		byID[e.ID] = e
	}
	if byID["usr_001"].Status != StatusActive {
		t.Fatalf("usr_001: got %q want %q", byID["usr_001"].Status, StatusActive)
	}
	if byID["usr_002"].Status != StatusLeft {
		t.Fatalf("usr_002: got %q want %q", byID["usr_002"].Status, StatusLeft)
	}
	if !byID["usr_002"].LastUpdated.Equal(t1) {
		t.Fatalf("usr_002: last updated %v want %v", byID["usr_002"].LastUpdated, t1)
	}
}

func TestReconcilerRevivesLeftAndKicked(t *testing.T) {
	r := NewReconciler()
	t0 := time.UnixMilli(1_700_000_000_000)
	t1 := t0.Add(time.Minute)
	t2 := t1.Add(time.Minute)

	r.Apply([]ScanRecord{scanAt(1), scanAt(2)}, t0)
	r.Apply(nil, t1) // everyone gone
	if !r.SetStatus("usr_002", StatusKicked, t1) {
		t.Fatalf("SetStatus on known id failed")
	}

	// Both reappear: revival applies regardless of how they resolved.
	r.Apply([]ScanRecord{scanAt(1), scanAt(2)}, t2)
	for _, e := range r.Entities() {
		if e.Status != StatusActive {
			t.Fatalf("entity %s: got %q want %q after revival", e.ID, e.Status, StatusActive)
		}
		if !e.FirstSeen.Equal(t0) {
			t.Fatalf("entity %s: first seen reset to %v, want original %v", e.ID, e.FirstSeen, t0)
		}
	}
}

func TestReconcilerSetStatusUnknownID(t *testing.T) {
	r := NewReconciler()
	if r.SetStatus("usr_999", StatusKicked, time.Now()) {
		t.Fatalf("SetStatus on unknown id should report false")
	}
}

func TestReconcilerMergePrecedence(t *testing.T) {
	r := NewReconciler()
	t0 := time.UnixMilli(1_700_000_000_000)
	t1 := t0.Add(time.Minute)

	r.Apply([]ScanRecord{{
		ID:            "usr_001",
		DisplayName:   "OldName",
		Rank:          "member",
		IsGroupMember: true,
		AvatarURL:     "https://img/avatar1.png",
	}}, t0)

	// Rename plus rank change, avatar missing this scan.
	r.Apply([]ScanRecord{{
		ID:          "usr_001",
		DisplayName: "NewName",
		Rank:        "admin",
	}}, t1)

	got := r.Entities()
	if len(got) != 1 {
		t.Fatalf("got %d entities, want 1", len(got))
	}
	e := got[0]
	if e.DisplayName != "NewName" || e.Rank != "admin" {
		t.Fatalf("scan fields should win: got name=%q rank=%q", e.DisplayName, e.Rank)
	}
	if e.IsGroupMember {
		t.Fatalf("membership should follow the scan, got true")
	}
	if e.AvatarURL != "https://img/avatar1.png" {
		t.Fatalf("empty scan avatar must not erase the stored one: got %q", e.AvatarURL)
	}
	if !e.FirstSeen.Equal(t0) {
		t.Fatalf("first seen must survive merges: got %v want %v", e.FirstSeen, t0)
	}
	if !e.LastUpdated.Equal(t1) {
		t.Fatalf("last updated: got %v want %v", e.LastUpdated, t1)
	}
}

func TestReconcilerSkipsRecordsMissingIdentity(t *testing.T) {
	r := NewReconciler()
	now := time.UnixMilli(1_700_000_000_000)
	r.Apply([]ScanRecord{
		{ID: "", DisplayName: "NoID"},
		{ID: "usr_001", DisplayName: ""},
		scanAt(2),
	}, now)
	if got := r.Entities(); len(got) != 1 || got[0].ID != "usr_002" {
		t.Fatalf("only the complete record should survive, got %+v", got)
	}
}

func TestReconcilerResolvedRetentionBound(t *testing.T) {
	r := NewReconciler()
	t0 := time.UnixMilli(1_700_000_000_000)

	// 60 entities join then all leave, in two waves so recency is defined.
	var wave1, wave2 []ScanRecord
	for i := 0; i < 30; i++ {
		wave1 = append(wave1, scanAt(i))
	}
	for i := 30; i < 60; i++ {
		wave2 = append(wave2, scanAt(i))
	}
	r.Apply(wave1, t0)
	r.Apply(append(append([]ScanRecord{}, wave1...), wave2...), t0.Add(time.Minute))
	r.Apply(nil, t0.Add(2*time.Minute))

	got := r.Entities()
	if len(got) != resolvedRetain {
		t.Fatalf("got %d resolved entities, want %d", len(got), resolvedRetain)
	}
	// The oldest ten (usr_000..usr_009) fell off; usr_010 survives.
	byID := map[string]bool{}
	for _, e := range got {
		if !e.Status.Resolved() {
			t.Fatalf("entity %s: got status %q, want resolved", e.ID, e.Status)
		}
		byID[e.ID] = true
	}
	if byID["usr_009"] {
		t.Fatalf("usr_009 should have been trimmed")
	}
	if !byID["usr_010"] || !byID["usr_059"] {
		t.Fatalf("most recent entities should be retained, got %v", byID)
	}

	live, resolved := r.Counts()
	if live != 0 || resolved != resolvedRetain {
		t.Fatalf("counts: got live=%d resolved=%d want 0/%d", live, resolved, resolvedRetain)
	}
}

func TestReconcilerLiveEntitiesNeverTrimmed(t *testing.T) {
	r := NewReconciler()
	t0 := time.UnixMilli(1_700_000_000_000)
	var scan []ScanRecord
	for i := 0; i < 80; i++ {
		scan = append(scan, scanAt(i))
	}
	r.Apply(scan, t0)
	if got := len(r.Entities()); got != 80 {
		t.Fatalf("active entities must not be bounded: got %d want 80", got)
	}
}

func TestReconcilerClear(t *testing.T) {
	r := NewReconciler()
	r.Apply([]ScanRecord{scanAt(1)}, time.Now())
	r.Clear()
	if len(r.Entities()) != 0 {
		t.Fatalf("expected no entities after clear")
	}
	// Clear forgets identity: the same id comes back as a fresh entity.
	t1 := time.UnixMilli(1_700_000_100_000)
	r.Apply([]ScanRecord{scanAt(1)}, t1)
	if got := r.Entities(); len(got) != 1 || !got[0].FirstSeen.Equal(t1) {
		t.Fatalf("expected fresh entity after clear, got %+v", got)
	}
}
