package peer

import (
	"testing"
	"time"
)

func TestUpsertNewAndExisting(t *testing.T) {
	r := NewRegistry()

	rec, isNew := r.Upsert("peer-1", "alice", []string{"/ip4/10.0.0.1/tcp/6969"})
	if !isNew {
		t.Fatal("first sighting should be new")
	}
	if rec.Status != StatusDiscovered {
		t.Errorf("status = %v, want discovered", rec.Status)
	}

	rec, isNew = r.Upsert("peer-1", "alice2", nil)
	if isNew {
		t.Fatal("second sighting should not be new")
	}
	if rec.Name != "alice2" {
		t.Errorf("name not refreshed, got %q", rec.Name)
	}
	if len(rec.Addrs) != 1 {
		t.Errorf("empty addrs should not clobber known addrs, got %v", rec.Addrs)
	}
	if r.Count() != 1 {
		t.Errorf("count = %d, want 1", r.Count())
	}
}

func TestStatusTransitions(t *testing.T) {
	r := NewRegistry()
	r.Upsert("peer-1", "alice", nil)

	r.SetStatus("peer-1", StatusConnected)
	rec, ok := r.Get("peer-1")
	if !ok || rec.Status != StatusConnected {
		t.Fatalf("status = %v, want connected", rec.Status)
	}

	// Unknown ids are ignored without panicking.
	r.SetStatus("peer-9", StatusConnected)
}

func TestEvictStale(t *testing.T) {
	r := NewRegistry()
	r.Upsert("old", "old", nil)
	r.Upsert("held", "held", nil)
	r.SetStatus("held", StatusConnected)

	time.Sleep(30 * time.Millisecond)
	r.Upsert("fresh", "fresh", nil)

	evicted := r.EvictStale(20 * time.Millisecond)
	if len(evicted) != 1 || evicted[0].ID != "old" {
		t.Fatalf("evicted %v, want only the stale disconnected peer", evicted)
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("fresh peer should survive the sweep")
	}
	if _, ok := r.Get("held"); !ok {
		t.Error("connected peer should never be evicted on staleness")
	}
}

func TestEvictedPeerReappearsAsNew(t *testing.T) {
	r := NewRegistry()
	r.Upsert("peer-1", "alice", nil)
	time.Sleep(10 * time.Millisecond)
	r.EvictStale(time.Nanosecond)

	if _, isNew := r.Upsert("peer-1", "alice", nil); !isNew {
		t.Fatal("reappearing after eviction should count as a new discovery")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.Upsert("peer-1", "alice", nil)

	snap := r.Snapshot()
	snap[0].Name = "mutated"

	rec, _ := r.Get("peer-1")
	if rec.Name != "alice" {
		t.Error("mutating the snapshot must not touch the registry")
	}
}
