package storage

import (
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPeerCacheRoundTrip(t *testing.T) {
	db := openTestDB(t)

	p := CachedPeer{
		PeerID:        "peer-1",
		Name:          "Ada",
		Email:         "ada@example.org",
		VideoDisabled: true,
		Addrs:         []string{"/ip4/10.0.0.2/tcp/4001"},
	}
	if err := db.UpsertCachedPeer(p); err != nil {
		t.Fatal(err)
	}

	got, ok := db.GetCachedPeer("peer-1")
	if !ok {
		t.Fatal("peer not found")
	}
	if got.Name != "Ada" || !got.VideoDisabled || len(got.Addrs) != 1 {
		t.Fatalf("unexpected cached peer %+v", got)
	}

	// An update without addresses keeps the previously known ones.
	p.Name = "Ada L."
	p.Addrs = nil
	if err := db.UpsertCachedPeer(p); err != nil {
		t.Fatal(err)
	}
	got, _ = db.GetCachedPeer("peer-1")
	if got.Name != "Ada L." {
		t.Fatalf("name not updated: %q", got.Name)
	}
	if len(got.Addrs) != 1 {
		t.Fatalf("addrs lost on addr-less update: %v", got.Addrs)
	}

	if err := db.DeleteCachedPeer("peer-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := db.GetCachedPeer("peer-1"); ok {
		t.Fatal("peer still present after delete")
	}
}

func TestCallLog(t *testing.T) {
	db := openTestDB(t)

	id, err := db.RecordCallStart("room-1", "video", "outgoing", []string{"alice", "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("log id is zero")
	}
	if err := db.RecordCallEnd(id, "local-hangup"); err != nil {
		t.Fatal(err)
	}

	if _, err := db.RecordCallStart("room-2", "voice", "incoming", []string{"alice", "carol"}); err != nil {
		t.Fatal(err)
	}

	recs, err := db.ListCallLog(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// Newest first.
	if recs[0].RoomID != "room-2" || !recs[0].EndedAt.IsZero() {
		t.Fatalf("unexpected head record %+v", recs[0])
	}
	if recs[1].EndReason != "local-hangup" || recs[1].EndedAt.IsZero() {
		t.Fatalf("ended call not closed: %+v", recs[1])
	}
	if len(recs[1].Participants) != 2 {
		t.Fatalf("participants lost: %v", recs[1].Participants)
	}
}

func TestMeta(t *testing.T) {
	db := openTestDB(t)

	if got := db.GetMeta("missing"); got != "" {
		t.Fatalf("GetMeta(missing) = %q", got)
	}
	if err := db.SetMeta("schema", "1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetMeta("schema", "2"); err != nil {
		t.Fatal(err)
	}
	if got := db.GetMeta("schema"); got != "2" {
		t.Fatalf("GetMeta = %q, want 2", got)
	}
}

func TestSchemaVersionStamped(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := db.GetMeta("schema_version"); got != schemaVersion {
		t.Fatalf("schema_version = %q, want %q", got, schemaVersion)
	}

	// A database that already carries a version keeps it on reopen.
	if err := db.SetMeta("schema_version", "0"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if got := db.GetMeta("schema_version"); got != "0" {
		t.Fatalf("schema_version after reopen = %q, want 0", got)
	}
}
