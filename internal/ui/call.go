package ui

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/parley-p2p/parley/internal/call"
	"github.com/parley-p2p/parley/internal/signal"
	"github.com/parley-p2p/parley/internal/storage"
)

// registerCall adds the call control endpoints. db may be nil — the
// call log endpoint then reports an empty history.
func registerCall(mux *http.ServeMux, mgr *call.Manager, db *storage.DB) {
	// POST /api/call/start — ring the given participants. An omitted
	// room_id gets a fresh one.
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID       string   `json:"room_id"`
		CallType     string   `json:"call_type"`
		Participants []string `json:"participants"`
	}) {
		if len(req.Participants) == 0 {
			http.Error(w, "missing participants", http.StatusBadRequest)
			return
		}
		callType, err := parseCallType(req.CallType)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		roomID := req.RoomID
		if roomID == "" {
			roomID = uuid.NewString()
		}
		sess, err := mgr.StartCall(r.Context(), roomID, callType, req.Participants)
		if err != nil {
			callError(w, "start call", err)
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID string `json:"room_id"`
	}) {
		if req.RoomID == "" {
			http.Error(w, "missing room_id", http.StatusBadRequest)
			return
		}
		sess, err := mgr.AcceptIncoming(r.Context(), req.RoomID)
		if err != nil {
			callError(w, "accept call", err)
			return
		}
		writeJSON(w, sess.Status())
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, req struct {
		RoomID string `json:"room_id"`
	}) {
		if req.RoomID == "" {
			http.Error(w, "missing room_id", http.StatusBadRequest)
			return
		}
		mgr.DeclineIncoming(req.RoomID)
		writeJSON(w, map[string]string{"status": "declined"})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		mgr.EndCall(r.Context())
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		sess, ok := mgr.Active()
		if !ok {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"muted": sess.ToggleAudio()})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, req struct{}) {
		sess, ok := mgr.Active()
		if !ok {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"disabled": sess.ToggleVideo()})
	})

	// GET /api/call/status — active session plus ringing invitations,
	// enough for a frontend to rebuild its call UI after a reload.
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Active  *call.SessionStatus `json:"active,omitempty"`
			Ringing []signal.Invite     `json:"ringing"`
		}{Ringing: mgr.Pending()}
		if resp.Ringing == nil {
			resp.Ringing = []signal.Invite{}
		}
		if sess, ok := mgr.Active(); ok {
			st := sess.Status()
			resp.Active = &st
		}
		writeJSON(w, resp)
	})

	// GET /api/call/log?limit=N — call history, newest first.
	handleGet(mux, "/api/call/log", func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			writeJSON(w, []storage.CallRecord{})
			return
		}
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		records, err := db.ListCallLog(limit)
		if err != nil {
			http.Error(w, fmt.Sprintf("list call log: %v", err), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []storage.CallRecord{}
		}
		writeJSON(w, records)
	})
}

func parseCallType(s string) (call.CallType, error) {
	switch s {
	case "", string(call.CallVoice):
		return call.CallVoice, nil
	case string(call.CallVideo):
		return call.CallVideo, nil
	default:
		return "", fmt.Errorf("call_type must be %q or %q", call.CallVoice, call.CallVideo)
	}
}

// callError maps manager errors onto HTTP statuses the frontend can
// act on: busy and stale-invite outcomes are expected, not failures.
func callError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrCallActive):
		status = http.StatusConflict
	case errors.Is(err, call.ErrInviteCancelled):
		status = http.StatusGone
	}
	http.Error(w, fmt.Sprintf("%s failed: %v", op, err), status)
}
