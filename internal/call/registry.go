package call

import (
	"fmt"
	"log"
	"sync"

	"github.com/parley-p2p/parley/internal/signal"
)

// Registry owns one Peer per remote participant of a session. Peers are
// created on demand: either because the local side initiates to every
// roster member, or because a message arrives from an unseen sender who
// is in the roster. Senders outside the roster are rejected.
type Registry struct {
	id      CallIdentity
	localID string
	roster  map[string]struct{}
	factory TransportFactory
	publish func(msg signal.Message) error

	mu     sync.Mutex
	peers  map[string]*Peer
	closed bool

	onRemoteMedia func(userID, kind string)
	onConnected   func(userID string)
}

func newRegistry(id CallIdentity, localID string, roster []string, factory TransportFactory, publish func(signal.Message) error) *Registry {
	set := make(map[string]struct{}, len(roster))
	for _, u := range roster {
		set[u] = struct{}{}
	}
	return &Registry{
		id:      id,
		localID: localID,
		roster:  set,
		factory: factory,
		publish: publish,
		peers:   make(map[string]*Peer),
	}
}

// OnRemoteMedia registers the observer fired when a remote track is
// attached on any connection in this registry.
func (r *Registry) OnRemoteMedia(fn func(userID, kind string)) {
	r.mu.Lock()
	r.onRemoteMedia = fn
	r.mu.Unlock()
}

// OnConnected registers the observer fired when any peer reaches
// Connected.
func (r *Registry) OnConnected(fn func(userID string)) {
	r.mu.Lock()
	r.onConnected = fn
	r.mu.Unlock()
}

// Get returns the existing connection for remoteID, if any.
func (r *Registry) Get(remoteID string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[remoteID]
	return p, ok
}

// Ensure returns the connection for remoteID, creating it when first
// needed. Creation is rejected for senders not in the roster and after
// CloseAll.
func (r *Registry) Ensure(remoteID string) (*Peer, error) {
	r.mu.Lock()
	if p, ok := r.peers[remoteID]; ok {
		r.mu.Unlock()
		return p, nil
	}
	if r.closed {
		r.mu.Unlock()
		return nil, ErrSessionEnded
	}
	if _, ok := r.roster[remoteID]; !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotInRoster, remoteID)
	}
	r.mu.Unlock()

	tr, err := r.factory(r.id, remoteID)
	if err != nil {
		return nil, fmt.Errorf("peer transport for %s: %w", remoteID, err)
	}

	p := newPeer(r.id, r.localID, remoteID, tr, r.publish)
	tr.OnLocalCandidate(func(c signal.CandidateInit) {
		if err := r.publish(signal.IceCandidate{From: r.localID, To: remoteID, Candidate: c}); err != nil {
			log.Printf("CALL [%s]: publish candidate to %s: %v", r.id.Channel(), remoteID, err)
		}
	})
	tr.OnConnected(p.markConnected)
	tr.OnRemoteTrack(func(kind string) {
		r.mu.Lock()
		fn := r.onRemoteMedia
		r.mu.Unlock()
		if fn != nil {
			fn(remoteID, kind)
		}
	})
	p.onConnected = func() {
		r.mu.Lock()
		fn := r.onConnected
		r.mu.Unlock()
		if fn != nil {
			fn(remoteID)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		p.Close()
		return nil, ErrSessionEnded
	}
	if existing, ok := r.peers[remoteID]; ok {
		r.mu.Unlock()
		p.Close()
		return existing, nil
	}
	r.peers[remoteID] = p
	r.mu.Unlock()

	log.Printf("CALL [%s]: peer connection created for %s", r.id.Channel(), remoteID)
	return p, nil
}

// Snapshot returns the current peers, for status reporting.
func (r *Registry) Snapshot() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// CloseAll closes every connection. Called exactly once during session
// teardown; safe even if some connections never left New.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}
