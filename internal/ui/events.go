package ui

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/parley-p2p/parley/internal/call"
	"github.com/parley-p2p/parley/internal/proto"
	"github.com/parley-p2p/parley/internal/signal"
	"github.com/parley-p2p/parley/internal/state"
	"github.com/parley-p2p/parley/internal/util"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to loopback; the frontend may load from file:// or
	// a dev server, so origin checks buy nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one entry on the frontend event feed.
type Event struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
	Data any    `json:"data,omitempty"`
}

// EventHub fans application events out to connected frontends and keeps
// a short history so a reconnecting client can rebuild its state.
type EventHub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	recent *util.RingBuffer[Event]
	closed bool
}

func NewEventHub() *EventHub {
	return &EventHub{
		subs:   make(map[chan Event]struct{}),
		recent: util.NewRingBuffer[Event](128),
	}
}

// Publish records the event and delivers it to every live subscriber.
// Slow subscribers lose events rather than block the publisher.
func (h *EventHub) Publish(typ string, data any) {
	e := Event{Type: typ, TS: proto.NowMillis(), Data: data}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.recent.Push(e)
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Recent returns the buffered event history, oldest first.
func (h *EventHub) Recent() []Event {
	return h.recent.Snapshot()
}

func (h *EventHub) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel = func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Close drops all subscribers; further publishes are no-ops.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

// BindCalls republishes call lifecycle events onto the hub.
func (h *EventHub) BindCalls(mgr *call.Manager) {
	mgr.OnIncomingInvite(func(inv signal.Invite) {
		h.Publish("incoming-call", inv)
	})
	mgr.OnInviteRevoked(func(roomID string) {
		h.Publish("invite-revoked", map[string]string{"roomId": roomID})
	})
	mgr.OnCallEnded(func(roomID, reason string) {
		h.Publish("call-ended", map[string]string{"roomId": roomID, "reason": reason})
	})
	mgr.OnPeerConnected(func(userID string) {
		h.Publish("peer-connected", map[string]string{"userId": userID})
	})
}

// BindPeers forwards roster changes onto the hub until done closes.
func (h *EventHub) BindPeers(peers *state.PeerTable, done <-chan struct{}) {
	ch := peers.Subscribe()
	go func() {
		defer peers.Unsubscribe(ch)
		for {
			select {
			case <-done:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				h.Publish("peers", ev)
			}
		}
	}()
}

// registerEvents adds the event feed endpoints.
//
//	GET /api/events        — WebSocket: live event stream
//	GET /api/events/recent — buffered history for state rebuilds
func registerEvents(mux *http.ServeMux, hub *EventHub) {
	handleGet(mux, "/api/events/recent", func(w http.ResponseWriter, r *http.Request) {
		events := hub.Recent()
		if events == nil {
			events = []Event{}
		}
		writeJSON(w, events)
	})

	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("UI: WebSocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		ch, cancel := hub.Subscribe()
		defer cancel()

		// Drain incoming frames (ping/pong, close) without blocking.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := conn.WriteJSON(Event{Type: "connected", TS: proto.NowMillis()}); err != nil {
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteJSON(e); err != nil {
					return
				}
			}
		}
	})
}
