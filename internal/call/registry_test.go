package call

import (
	"context"
	"errors"
	"testing"

	"github.com/parley-p2p/parley/internal/signal"
)

func newTestRegistry(t *testing.T, log *msgLog) (*Registry, *transportTable) {
	t.Helper()
	tt := newTransportTable()
	roster := []string{"alice", "bob", "carol"}
	return newRegistry(testCallID, "alice", roster, tt.factory("alice"), log.publish), tt
}

func TestRegistryRejectsUnknownSender(t *testing.T) {
	r, _ := newTestRegistry(t, &msgLog{})

	if _, err := r.Ensure("mallory"); !errors.Is(err, ErrNotInRoster) {
		t.Fatalf("err = %v, want ErrNotInRoster", err)
	}
	if _, ok := r.Get("mallory"); ok {
		t.Fatal("rejected sender still registered")
	}
}

func TestRegistryEnsureIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, &msgLog{})

	p1, err := r.Ensure("bob")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := r.Ensure("bob")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Fatal("Ensure created a second connection for the same peer")
	}
}

func TestRegistryPublishesLocalCandidates(t *testing.T) {
	log := &msgLog{}
	r, tt := newTestRegistry(t, log)

	if _, err := r.Ensure("bob"); err != nil {
		t.Fatal(err)
	}
	tt.get("alice", "bob").fireLocalCandidate(signal.CandidateInit{Candidate: "cand-0"})

	msgs := log.all()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	ice, ok := msgs[0].(signal.IceCandidate)
	if !ok || ice.To != "bob" || ice.From != "alice" || ice.Candidate.Candidate != "cand-0" {
		t.Fatalf("unexpected candidate message %+v", msgs[0])
	}
}

func TestRegistryConnectedObserver(t *testing.T) {
	r, tt := newTestRegistry(t, &msgLog{})

	var connected []string
	r.OnConnected(func(userID string) { connected = append(connected, userID) })

	p, err := r.Ensure("bob")
	if err != nil {
		t.Fatal(err)
	}
	// Drive the peer to Negotiating, then let the transport declare
	// connectivity.
	p.HandleOffer(context.Background(), "offer-sdp")
	tt.get("alice", "bob").fireConnected()

	if len(connected) != 1 || connected[0] != "bob" {
		t.Fatalf("connected observers = %v, want [bob]", connected)
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r, tt := newTestRegistry(t, &msgLog{})

	// One peer mid-handshake, one still New.
	p, err := r.Ensure("bob")
	if err != nil {
		t.Fatal(err)
	}
	p.HandleOffer(context.Background(), "offer-sdp")
	if _, err := r.Ensure("carol"); err != nil {
		t.Fatal(err)
	}

	r.CloseAll()
	r.CloseAll()

	for _, remote := range []string{"bob", "carol"} {
		if !tt.get("alice", remote).isClosed() {
			t.Fatalf("transport for %s not closed", remote)
		}
	}
	if _, err := r.Ensure("bob"); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Ensure after CloseAll: err = %v, want ErrSessionEnded", err)
	}
}
