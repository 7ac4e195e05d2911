package ui

import (
	"net/http"
	"sort"

	"github.com/parley-p2p/parley/internal/state"
)

// peerView is the wire shape of one roster entry.
type peerView struct {
	PeerID        string `json:"peerId"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	VideoDisabled bool   `json:"videoDisabled,omitempty"`
	Reachable     bool   `json:"reachable"`
	LastSeen      int64  `json:"lastSeen"`
	OfflineSince  int64  `json:"offlineSince,omitempty"`
}

func toPeerView(id string, p state.SeenPeer) peerView {
	v := peerView{
		PeerID:        id,
		Name:          p.Name,
		Email:         p.Email,
		VideoDisabled: p.VideoDisabled,
		Reachable:     p.Reachable,
		LastSeen:      p.LastSeen.UnixMilli(),
	}
	if !p.OfflineSince.IsZero() {
		v.OfflineSince = p.OfflineSince.UnixMilli()
	}
	return v
}

// registerPeers adds the roster and self-description endpoints.
func registerPeers(mux *http.ServeMux, s *Server) {
	// GET /api/peers — every peer this node knows of, online or not.
	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		views := make([]peerView, 0)
		for id, p := range s.Peers.Snapshot() {
			views = append(views, toPeerView(id, p))
		}
		sort.Slice(views, func(i, j int) bool { return views[i].PeerID < views[j].PeerID })
		writeJSON(w, views)
	})

	// GET /api/self
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"peerId": s.SelfID,
			"name":   safeCall(s.SelfLabel),
			"email":  safeCall(s.SelfEmail),
		}
		if s.Uptime != nil {
			resp["uptimeSeconds"] = int64(s.Uptime().Seconds())
		}
		writeJSON(w, resp)
	})
}

func safeCall(fn func() string) string {
	if fn == nil {
		return ""
	}
	return fn()
}
