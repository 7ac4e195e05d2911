package state

import (
	"testing"
	"time"
)

func TestUpsertAndGet(t *testing.T) {
	tbl := NewPeerTable()
	tbl.Upsert("peer-1", "Ada", "ada@example.org", false)

	sp, ok := tbl.Get("peer-1")
	if !ok {
		t.Fatal("peer not found after upsert")
	}
	if sp.Name != "Ada" || !sp.Reachable {
		t.Fatalf("unexpected peer %+v", sp)
	}
}

func TestSeedDoesNotOverwriteLive(t *testing.T) {
	tbl := NewPeerTable()
	tbl.Upsert("peer-1", "Ada", "", false)
	tbl.Seed("peer-1", "Stale Name", "", true)

	sp, _ := tbl.Get("peer-1")
	if sp.Name != "Ada" || !sp.Reachable {
		t.Fatalf("seed overwrote live entry: %+v", sp)
	}
}

func TestSeedStartsOffline(t *testing.T) {
	tbl := NewPeerTable()
	tbl.Seed("peer-1", "Ada", "", false)

	sp, _ := tbl.Get("peer-1")
	if sp.Reachable || sp.OfflineSince.IsZero() {
		t.Fatalf("seeded peer should start offline: %+v", sp)
	}
}

func TestMarkOfflineNotifiesOnce(t *testing.T) {
	tbl := NewPeerTable()
	tbl.Upsert("peer-1", "Ada", "", false)

	ch := tbl.Subscribe()
	defer tbl.Unsubscribe(ch)
	drain(ch)

	tbl.MarkOffline("peer-1")
	tbl.MarkOffline("peer-1")

	if got := len(drain(ch)); got != 1 {
		t.Fatalf("got %d offline events, want 1", got)
	}
}

func TestPruneStale(t *testing.T) {
	tbl := NewPeerTable()
	tbl.Upsert("fresh", "A", "", false)
	tbl.Upsert("stale", "B", "", false)
	tbl.Seed("long-gone", "C", "", false)

	// Age "stale" past the TTL and "long-gone" past the grace period.
	tbl.mu.Lock()
	sp := tbl.peers["stale"]
	sp.LastSeen = time.Now().Add(-time.Hour)
	tbl.peers["stale"] = sp
	sp = tbl.peers["long-gone"]
	sp.OfflineSince = time.Now().Add(-48 * time.Hour)
	tbl.peers["long-gone"] = sp
	tbl.mu.Unlock()

	tbl.PruneStale(time.Now().Add(-time.Minute), time.Now().Add(-24*time.Hour))

	if sp, _ := tbl.Get("fresh"); !sp.Reachable {
		t.Fatal("fresh peer pruned")
	}
	if sp, _ := tbl.Get("stale"); sp.Reachable {
		t.Fatal("stale peer still reachable")
	}
	if _, ok := tbl.Get("long-gone"); ok {
		t.Fatal("expired offline peer not removed")
	}
}

func drain(ch chan PeerEvent) []PeerEvent {
	var out []PeerEvent
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}
