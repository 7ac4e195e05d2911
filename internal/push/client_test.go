package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/parley-p2p/parley/internal/signal"
)

func TestNotifyInvitePostsPayload(t *testing.T) {
	var got notifyPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/notify" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	inv := signal.Invite{From: "alice", To: "bob", RoomID: "room-1", CallType: "voice", TS: 42}
	if err := c.NotifyInvite(context.Background(), inv); err != nil {
		t.Fatal(err)
	}
	if got.To != "bob" || got.From != "alice" || got.RoomID != "room-1" || got.CallType != "voice" || got.TS != 42 {
		t.Fatalf("payload = %+v", got)
	}
}

func TestNotifyInviteNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.NotifyInvite(context.Background(), signal.Invite{To: "bob"}); err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestEmptyBaseURLDisablesPush(t *testing.T) {
	c := NewClient("   ")
	if c.BaseURL != "" {
		t.Fatalf("BaseURL = %q", c.BaseURL)
	}
	if err := c.NotifyInvite(context.Background(), signal.Invite{To: "bob"}); err != nil {
		t.Fatalf("disabled client returned error: %v", err)
	}
}

func TestNewClientNormalizesURL(t *testing.T) {
	c := NewClient("push.example.org/")
	if c.BaseURL != "https://push.example.org" {
		t.Fatalf("BaseURL = %q", c.BaseURL)
	}
}
