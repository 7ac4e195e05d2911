package call

import (
	"context"
	"log"
	"sync"

	"github.com/parley-p2p/parley/internal/proto"
	"github.com/parley-p2p/parley/internal/signal"
)

// InviteSender is the slice of the invitation dispatcher the manager
// drives. *invite.Dispatcher satisfies it.
type InviteSender interface {
	SendInvite(ctx context.Context, inv signal.Invite, recipients []string)
	SendCancel(ctx context.Context, roomID string, recipients []string)
	Events() (<-chan signal.Envelope, error)
}

// pendingInvite is a ringing invitation the local user has not acted on
// yet. The call channel is subscribed the moment the invite arrives so
// offers published while the user decides sit buffered instead of being
// lost; accept adopts the subscription, decline and cancel release it.
type pendingInvite struct {
	inv    signal.Invite
	msgs   <-chan signal.Envelope
	cancel func()
}

// Manager enforces the single-active-call rule and owns the lifecycle
// edges: starting outgoing calls, surfacing and answering incoming
// invitations, and ending whatever is active.
type Manager struct {
	sig     Signaler
	inv     InviteSender
	opener  MediaOpener
	factory TransportFactory
	rec     Recorder
	selfID  string

	mu          sync.Mutex
	active      *Session
	activeLogID int64
	pending     map[string]*pendingInvite

	onInvite        []func(signal.Invite)
	onInviteRevoked []func(roomID string)
	onEnded         []func(roomID, reason string)
	onPeerConnected []func(userID string)

	done      chan struct{}
	closeOnce sync.Once
}

// NewManager wires the manager and starts consuming the invites
// channel. rec may be nil to disable call history.
func NewManager(sig Signaler, inv InviteSender, opener MediaOpener, factory TransportFactory, rec Recorder, selfID string) *Manager {
	m := &Manager{
		sig:     sig,
		inv:     inv,
		opener:  opener,
		factory: factory,
		rec:     rec,
		selfID:  selfID,
		pending: make(map[string]*pendingInvite),
		done:    make(chan struct{}),
	}
	go m.inviteLoop()
	return m
}

// OnIncomingInvite registers an observer for ringing invitations.
func (m *Manager) OnIncomingInvite(fn func(signal.Invite)) {
	m.mu.Lock()
	m.onInvite = append(m.onInvite, fn)
	m.mu.Unlock()
}

// OnInviteRevoked registers an observer fired when a ringing invitation
// is withdrawn by its sender.
func (m *Manager) OnInviteRevoked(fn func(roomID string)) {
	m.mu.Lock()
	m.onInviteRevoked = append(m.onInviteRevoked, fn)
	m.mu.Unlock()
}

// OnCallEnded registers an observer fired after a session finished its
// teardown, with the reason.
func (m *Manager) OnCallEnded(fn func(roomID, reason string)) {
	m.mu.Lock()
	m.onEnded = append(m.onEnded, fn)
	m.mu.Unlock()
}

// OnPeerConnected registers an observer fired when a remote participant
// of the active call reaches an established media path.
func (m *Manager) OnPeerConnected(fn func(userID string)) {
	m.mu.Lock()
	m.onPeerConnected = append(m.onPeerConnected, fn)
	m.mu.Unlock()
}

// Active returns the current session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != nil
}

// Pending returns the ringing invitations, for UI state rebuilds.
func (m *Manager) Pending() []signal.Invite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]signal.Invite, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.inv)
	}
	return out
}

// StartCall starts an outgoing call to the given roster. Media is
// acquired before anyone is invited so a dead microphone never leaves
// recipients ringing for a call that cannot happen. Returns
// ErrCallActive if a session already exists.
func (m *Manager) StartCall(ctx context.Context, roomID string, callType CallType, roster []string) (*Session, error) {
	id := CallIdentity{RoomID: roomID, Type: callType}
	roster = withSelf(roster, m.selfID)
	recipients := without(roster, m.selfID)

	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrCallActive
	}
	msgs, cancel, err := m.sig.Subscribe(id.Channel())
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	logID := m.recordStart(roomID, callType, "outgoing", roster)
	sess := newSession(id, m.selfID, RoleCaller, roster, m.sig, m.factory, msgs, cancel, m.sessionEvents(roomID))
	m.active = sess
	m.activeLogID = logID
	m.mu.Unlock()

	if err := sess.acquireMedia(m.opener); err != nil {
		return nil, err
	}

	log.Printf("CALL [%s]: calling %d participant(s)", id.Channel(), len(recipients))
	m.inv.SendInvite(ctx, signal.Invite{
		From:         m.selfID,
		RoomID:       roomID,
		CallType:     string(callType),
		Participants: roster,
		TS:           proto.NowMillis(),
	}, recipients)

	sess.startOffers(ctx)
	return sess, nil
}

// AcceptIncoming answers a ringing invitation. Returns
// ErrInviteCancelled when it was withdrawn (or never seen), and
// ErrCallActive when another session is already running.
func (m *Manager) AcceptIncoming(ctx context.Context, roomID string) (*Session, error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil, ErrCallActive
	}
	p, ok := m.pending[roomID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrInviteCancelled
	}
	delete(m.pending, roomID)

	id := CallIdentity{RoomID: p.inv.RoomID, Type: CallType(p.inv.CallType)}
	msgs, cancel := p.msgs, p.cancel
	if msgs == nil {
		// The pre-subscription failed when the invite arrived; any
		// offers published since are gone, but the initiator keeps
		// trickling candidates and a fresh subscription still sees the
		// glare-free re-negotiation path.
		var err error
		msgs, cancel, err = m.sig.Subscribe(id.Channel())
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	roster := withSelf(p.inv.Participants, m.selfID)
	logID := m.recordStart(roomID, id.Type, "incoming", roster)
	sess := newSession(id, m.selfID, RoleCallee, roster, m.sig, m.factory, msgs, cancel, m.sessionEvents(roomID))
	m.active = sess
	m.activeLogID = logID
	m.mu.Unlock()

	if err := sess.acquireMedia(m.opener); err != nil {
		return nil, err
	}

	log.Printf("CALL [%s]: accepted call from %s", id.Channel(), p.inv.From)
	return sess, nil
}

// DeclineIncoming dismisses a ringing invitation locally. No message is
// sent; the caller's side times out or is hung up by its user.
func (m *Manager) DeclineIncoming(roomID string) {
	m.mu.Lock()
	p, ok := m.pending[roomID]
	delete(m.pending, roomID)
	m.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	log.Printf("CALL: declined invite for room %s from %s", roomID, p.inv.From)
}

// EndCall hangs up the active session, if any. Teardown failures are
// logged inside the session and never surface here. When the local side
// initiated the call, a cancel is also sent so invitees still ringing
// dismiss their prompt.
func (m *Manager) EndCall(ctx context.Context) {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess == nil {
		return
	}
	if sess.Role() == RoleCaller {
		m.inv.SendCancel(ctx, sess.ID().RoomID, without(sess.Roster(), m.selfID))
	}
	sess.End("local-hangup")
}

// Close ends the active call and releases every pending invitation
// subscription.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.EndCall(context.Background())
		m.mu.Lock()
		pending := m.pending
		m.pending = map[string]*pendingInvite{}
		m.mu.Unlock()
		for _, p := range pending {
			p.cancel()
		}
		close(m.done)
	})
}

func (m *Manager) inviteLoop() {
	events, err := m.inv.Events()
	if err != nil {
		log.Printf("CALL: invites channel unavailable: %v", err)
		return
	}
	for {
		select {
		case <-m.done:
			return
		case env, ok := <-events:
			if !ok {
				return
			}
			m.handleInviteEvent(env)
		}
	}
}

func (m *Manager) handleInviteEvent(env signal.Envelope) {
	msg, err := signal.Decode(env.Event, env.Payload)
	if err != nil {
		return
	}
	switch v := msg.(type) {
	case signal.Invite:
		if v.To != m.selfID {
			return
		}
		m.handleIncomingInvite(v)
	case signal.CallCancelled:
		if v.To != m.selfID {
			return
		}
		m.handleCancelled(v)
	default:
		// Negotiation traffic belongs to per-call channels.
	}
}

func (m *Manager) handleIncomingInvite(v signal.Invite) {
	m.mu.Lock()
	if _, dup := m.pending[v.RoomID]; dup {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	id := CallIdentity{RoomID: v.RoomID, Type: CallType(v.CallType)}
	// Subscribe before surfacing the invite: the initiator publishes
	// its offer without waiting for an accept, and the buffer must be
	// holding it by then.
	msgs, cancel, err := m.sig.Subscribe(id.Channel())
	if err != nil {
		log.Printf("CALL [%s]: pre-subscribe failed: %v", id.Channel(), err)
		msgs, cancel = nil, func() {}
	}

	m.mu.Lock()
	if _, dup := m.pending[v.RoomID]; dup {
		m.mu.Unlock()
		cancel()
		return
	}
	m.pending[v.RoomID] = &pendingInvite{inv: v, msgs: msgs, cancel: cancel}
	handlers := append([]func(signal.Invite){}, m.onInvite...)
	m.mu.Unlock()

	log.Printf("CALL [%s]: incoming %s call from %s", id.Channel(), v.CallType, v.From)
	for _, fn := range handlers {
		fn(v)
	}
}

// handleCancelled withdraws a ringing invitation. A cancel that arrives
// after the invite was accepted refers to a session already under way
// and is disregarded.
func (m *Manager) handleCancelled(v signal.CallCancelled) {
	m.mu.Lock()
	p, ok := m.pending[v.RoomID]
	delete(m.pending, v.RoomID)
	handlers := append([]func(string){}, m.onInviteRevoked...)
	m.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	log.Printf("CALL: invite for room %s cancelled by %s", v.RoomID, v.From)
	for _, fn := range handlers {
		fn(v.RoomID)
	}
}

// sessionEvents builds the observer set for a new session, bridging its
// lifecycle back into manager state and the registered callbacks.
func (m *Manager) sessionEvents(roomID string) SessionEvents {
	return SessionEvents{
		OnEnded: func(reason string) {
			m.sessionEnded(roomID, reason)
		},
		OnPeerConnected: func(userID string) {
			m.mu.Lock()
			handlers := append([]func(string){}, m.onPeerConnected...)
			m.mu.Unlock()
			for _, fn := range handlers {
				fn(userID)
			}
		},
		OnRemoteMedia: func(userID, kind string) {
			log.Printf("CALL: receiving %s from %s", kind, userID)
		},
	}
}

func (m *Manager) sessionEnded(roomID, reason string) {
	m.mu.Lock()
	var logID int64
	if m.active != nil && m.active.ID().RoomID == roomID {
		logID = m.activeLogID
		m.active = nil
		m.activeLogID = 0
	}
	handlers := append([]func(string, string){}, m.onEnded...)
	m.mu.Unlock()

	if m.rec != nil && logID != 0 {
		if err := m.rec.RecordCallEnd(logID, reason); err != nil {
			log.Printf("CALL: record call end: %v", err)
		}
	}
	for _, fn := range handlers {
		fn(roomID, reason)
	}
}

// recordStart opens the call-log row. It runs with m.mu held, before
// the session exists, so a CallEnded racing in the moment the session
// goes live still finds the row ID in activeLogID.
func (m *Manager) recordStart(roomID string, callType CallType, direction string, roster []string) int64 {
	if m.rec == nil {
		return 0
	}
	logID, err := m.rec.RecordCallStart(roomID, string(callType), direction, roster)
	if err != nil {
		log.Printf("CALL: record call start: %v", err)
		return 0
	}
	return logID
}

func withSelf(roster []string, self string) []string {
	for _, u := range roster {
		if u == self {
			return roster
		}
	}
	out := make([]string, 0, len(roster)+1)
	out = append(out, roster...)
	return append(out, self)
}

func without(roster []string, self string) []string {
	out := make([]string, 0, len(roster))
	for _, u := range roster {
		if u != self {
			out = append(out, u)
		}
	}
	return out
}
