package call

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/parley-p2p/parley/internal/signal"
)

// SessionEvents are the observers a session reports to. All callbacks
// are optional.
type SessionEvents struct {
	OnEnded         func(reason string)
	OnPeerConnected func(userID string)
	OnRemoteMedia   func(userID, kind string)
}

// Session owns one active call: the fixed roster, the local media
// handle, the peer connection registry, and the signaling channel
// subscription. It is created by the Manager and destroyed — all peers
// closed, media released, channel unsubscribed — on every exit path.
type Session struct {
	id     CallIdentity
	selfID string
	role   Role
	roster []string
	sig    Signaler
	reg    *Registry
	events SessionEvents

	msgs      <-chan signal.Envelope
	cancelSub func()

	mu      sync.Mutex
	media   *LocalMedia
	ended   bool
	audioOn bool
	videoOn bool

	endOnce sync.Once
	done    chan struct{}
}

func newSession(id CallIdentity, selfID string, role Role, roster []string, sig Signaler, factory TransportFactory, msgs <-chan signal.Envelope, cancelSub func(), events SessionEvents) *Session {
	s := &Session{
		id:        id,
		selfID:    selfID,
		role:      role,
		roster:    roster,
		sig:       sig,
		events:    events,
		msgs:      msgs,
		cancelSub: cancelSub,
		audioOn:   true,
		videoOn:   id.Type == CallVideo,
		done:      make(chan struct{}),
	}
	publish := func(msg signal.Message) error {
		return sig.Publish(context.Background(), id.Channel(), signal.EventFor(msg), msg)
	}
	s.reg = newRegistry(id, selfID, roster, factory, publish)
	s.reg.OnConnected(func(userID string) {
		if s.events.OnPeerConnected != nil {
			s.events.OnPeerConnected(userID)
		}
	})
	s.reg.OnRemoteMedia(func(userID, kind string) {
		if s.events.OnRemoteMedia != nil {
			s.events.OnRemoteMedia(userID, kind)
		}
	})
	go s.dispatchLoop()
	return s
}

// ID returns the immutable call identity.
func (s *Session) ID() CallIdentity { return s.id }

// Role returns the local participant's role.
func (s *Session) Role() Role { return s.role }

// Roster returns the fixed participant set, self included.
func (s *Session) Roster() []string { return s.roster }

// acquireMedia captures the local devices for this session. Fatal on
// failure: the session is torn down and any partially acquired device
// released before the error is reported. If the call was ended while
// acquisition was pending, the devices are released the moment they
// resolve and never attached to any connection.
func (s *Session) acquireMedia(opener MediaOpener) error {
	media, err := opener(s.id)
	if err != nil {
		s.End("media-failure")
		return fmt.Errorf("acquire local media: %w", err)
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		media.Stop()
		return ErrSessionEnded
	}
	s.media = media
	s.mu.Unlock()
	return nil
}

// startOffers runs the initiator path toward every roster member:
// create the connection, attach local media, send the offer. Failures
// are per-peer — one unreachable participant never blocks the rest.
func (s *Session) startOffers(ctx context.Context) {
	s.mu.Lock()
	media := s.media
	ended := s.ended
	s.mu.Unlock()
	if ended {
		return
	}

	for _, userID := range s.roster {
		if userID == s.selfID {
			continue
		}
		peer, err := s.reg.Ensure(userID)
		if err != nil {
			log.Printf("CALL [%s]: create peer for %s: %v", s.id.Channel(), userID, err)
			continue
		}
		if err := peer.AttachLocal(media); err != nil {
			log.Printf("CALL [%s]: attach media for %s: %v", s.id.Channel(), userID, err)
		}
		// Errors close that one peer; logged inside.
		_ = peer.StartOffer(ctx)
	}
}

// dispatchLoop routes signaling envelopes for this call until the
// session ends or the subscription closes.
func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return
		case env, ok := <-s.msgs:
			if !ok {
				return
			}
			s.dispatch(env)
		}
	}
}

func (s *Session) dispatch(env signal.Envelope) {
	msg, err := signal.Decode(env.Event, env.Payload)
	if err != nil {
		log.Printf("CALL [%s]: dropping frame: %v", s.id.Channel(), err)
		return
	}
	// Messages addressed to another participant of a group call are
	// not ours: processing is a no-op, not merely deduplicated.
	if to, addressed := signal.Recipient(msg); addressed && to != s.selfID {
		return
	}

	switch m := msg.(type) {
	case signal.Offer:
		s.handleOffer(m)
	case signal.Answer:
		peer, ok := s.reg.Get(m.From)
		if !ok {
			log.Printf("CALL [%s]: stray answer from %s dropped", s.id.Channel(), m.From)
			return
		}
		peer.HandleAnswer(m.SDP)
	case signal.IceCandidate:
		peer, err := s.reg.Ensure(m.From)
		if err != nil {
			log.Printf("CALL [%s]: dropping candidate from %s: %v", s.id.Channel(), m.From, err)
			return
		}
		peer.HandleCandidate(m.Candidate)
	case signal.CallEnded:
		if !s.inRoster(m.From) {
			return
		}
		log.Printf("CALL [%s]: %s ended the call", s.id.Channel(), m.From)
		s.End("remote-ended")
	default:
		// Invite/CallCancelled ride the invites channel, not this one.
	}
}

func (s *Session) handleOffer(m signal.Offer) {
	peer, err := s.reg.Ensure(m.From)
	if err != nil {
		log.Printf("CALL [%s]: dropping offer from %s: %v", s.id.Channel(), m.From, err)
		return
	}
	s.mu.Lock()
	media := s.media
	s.mu.Unlock()
	// Attach before answering so the answer SDP carries our tracks.
	if err := peer.AttachLocal(media); err != nil {
		log.Printf("CALL [%s]: attach media for %s: %v", s.id.Channel(), m.From, err)
	}
	peer.HandleOffer(context.Background(), m.SDP)
}

func (s *Session) inRoster(userID string) bool {
	for _, u := range s.roster {
		if u == userID {
			return true
		}
	}
	return false
}

// ToggleAudio flips local audio. Returns the new muted state.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	muted := !s.audioOn
	s.mu.Unlock()
	log.Printf("CALL [%s]: audio muted=%v", s.id.Channel(), muted)
	return muted
}

// ToggleVideo flips local video. Returns the new disabled state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOn = !s.videoOn
	disabled := !s.videoOn
	s.mu.Unlock()
	log.Printf("CALL [%s]: video disabled=%v", s.id.Channel(), disabled)
	return disabled
}

// Ended reports whether teardown has run.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// End tears the session down, exactly once. The four steps — notify
// remaining participants, close every peer connection, stop local
// media, unsubscribe the channel — all run regardless of earlier
// failures; nothing here is re-raised to the caller.
func (s *Session) End(reason string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.ended = true
		media := s.media
		s.mu.Unlock()

		log.Printf("CALL [%s]: ending (%s)", s.id.Channel(), reason)

		err := s.sig.Publish(context.Background(), s.id.Channel(), signal.EventEnded,
			signal.CallEnded{From: s.selfID, RoomID: s.id.RoomID})
		if err != nil {
			log.Printf("CALL [%s]: publish call-ended: %v", s.id.Channel(), err)
		}

		s.reg.CloseAll()

		if media != nil {
			media.Stop()
		}

		s.cancelSub()
		close(s.done)

		if s.events.OnEnded != nil {
			s.events.OnEnded(reason)
		}
	})
}

// PeerStatus is one row of a session status report.
type PeerStatus struct {
	UserID string `json:"userId"`
	State  string `json:"state"`
}

// SessionStatus is a live snapshot for the UI and debug endpoints.
type SessionStatus struct {
	RoomID   string       `json:"roomId"`
	CallType string       `json:"callType"`
	Role     string       `json:"role"`
	Peers    []PeerStatus `json:"peers"`
}

// Status reports the session and each peer negotiation state.
func (s *Session) Status() SessionStatus {
	st := SessionStatus{
		RoomID:   s.id.RoomID,
		CallType: string(s.id.Type),
		Role:     string(s.role),
	}
	for _, p := range s.reg.Snapshot() {
		st.Peers = append(st.Peers, PeerStatus{UserID: p.RemoteID(), State: p.State().String()})
	}
	return st
}
