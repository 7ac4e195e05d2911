package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/parley-p2p/parley/internal/signal"
)

// offerRetryInterval is how often an unanswered offer is republished.
// The responder may subscribe the call channel only after the first
// copy went out; duplicates are ignored on receipt, so republishing
// until an answer arrives is safe.
var offerRetryInterval = 2 * time.Second

// State of one peer connection's negotiation. Transitions only move
// forward; Closed is terminal.
type State int

const (
	StateNew State = iota
	StateLocalOfferSent
	StateRemoteOfferReceived
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLocalOfferSent:
		return "local-offer-sent"
	case StateRemoteOfferReceived:
		return "remote-offer-received"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Peer drives the offer/answer handshake with exactly one remote
// participant. Messages may arrive reordered or duplicated; every
// handler is a no-op for states it does not apply to, and candidates
// that beat the remote description are buffered until it lands.
type Peer struct {
	id       CallIdentity
	localID  string
	remoteID string
	tr       PeerTransport
	publish  func(msg signal.Message) error

	mu                sync.Mutex
	state             State
	remoteDescApplied bool
	pending           []signal.CandidateInit
	attached          map[string]bool
	onConnected       func()
}

func newPeer(id CallIdentity, localID, remoteID string, tr PeerTransport, publish func(signal.Message) error) *Peer {
	return &Peer{
		id:       id,
		localID:  localID,
		remoteID: remoteID,
		tr:       tr,
		publish:  publish,
		state:    StateNew,
		attached: make(map[string]bool),
	}
}

// RemoteID returns the remote participant this connection negotiates with.
func (p *Peer) RemoteID() string { return p.remoteID }

// State returns the current negotiation state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// StartOffer runs the initiator entry point: create a local offer,
// publish it, and move to LocalOfferSent. No-op unless the peer is New.
func (p *Peer) StartOffer(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateNew {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	sdp, err := p.tr.CreateOffer(ctx)
	if err != nil {
		p.fail("create offer", err)
		return err
	}

	p.mu.Lock()
	if p.state != StateNew {
		// A remote offer won a glare race while we were creating ours.
		p.mu.Unlock()
		return nil
	}
	p.state = StateLocalOfferSent
	p.mu.Unlock()

	if err := p.publish(signal.Offer{From: p.localID, To: p.remoteID, SDP: sdp}); err != nil {
		p.fail("publish offer", err)
		return err
	}
	go p.retryOffer(sdp)
	return nil
}

// retryOffer republishes the offer until the handshake moves past
// LocalOfferSent. Closing the peer ends the loop.
func (p *Peer) retryOffer(sdp string) {
	ticker := time.NewTicker(offerRetryInterval)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		st := p.state
		p.mu.Unlock()
		if st != StateLocalOfferSent {
			return
		}
		if err := p.publish(signal.Offer{From: p.localID, To: p.remoteID, SDP: sdp}); err != nil {
			p.fail("republish offer", err)
			return
		}
		log.Printf("CALL [%s]: offer to %s unanswered — republished", p.id.Channel(), p.remoteID)
	}
}

// HandleOffer runs the responder entry point: apply the remote offer,
// publish the answer, flush any buffered candidates, and move to
// Negotiating. Duplicate offers are ignored. On glare the
// lexicographically smaller userID is the polite peer: it abandons its
// own offer and answers the remote one; the larger side ignores the
// colliding offer and keeps waiting for its answer.
func (p *Peer) HandleOffer(ctx context.Context, sdp string) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	if p.state >= StateRemoteOfferReceived {
		st := p.state
		p.mu.Unlock()
		log.Printf("CALL [%s]: duplicate offer from %s ignored (state %s)", p.id.Channel(), p.remoteID, st)
		return
	}
	glare := p.state == StateLocalOfferSent
	if glare && p.localID > p.remoteID {
		p.mu.Unlock()
		log.Printf("CALL [%s]: glare with %s — keeping own offer", p.id.Channel(), p.remoteID)
		return
	}
	p.state = StateRemoteOfferReceived
	p.mu.Unlock()

	if glare {
		log.Printf("CALL [%s]: glare with %s — deferring to remote offer", p.id.Channel(), p.remoteID)
		if err := p.tr.Rollback(); err != nil {
			p.fail("rollback local offer", err)
			return
		}
	}

	answer, err := p.tr.HandleRemoteOffer(ctx, sdp)
	if err != nil {
		p.fail("apply remote offer", err)
		return
	}
	if err := p.flushCandidates(); err != nil {
		p.fail("flush candidates", err)
		return
	}
	if err := p.publish(signal.Answer{From: p.localID, To: p.remoteID, SDP: answer}); err != nil {
		p.fail("publish answer", err)
		return
	}
	p.advanceTo(StateNegotiating)
}

// HandleAnswer completes the initiator path: apply the remote answer,
// flush buffered candidates, move to Negotiating. A second answer for a
// peer already Negotiating or Connected is ignored, never reapplied.
func (p *Peer) HandleAnswer(sdp string) {
	p.mu.Lock()
	switch p.state {
	case StateClosed:
		p.mu.Unlock()
		return
	case StateNegotiating, StateConnected:
		p.mu.Unlock()
		log.Printf("CALL [%s]: duplicate answer from %s ignored", p.id.Channel(), p.remoteID)
		return
	case StateNew, StateRemoteOfferReceived:
		p.mu.Unlock()
		log.Printf("CALL [%s]: stray answer from %s dropped (no local offer)", p.id.Channel(), p.remoteID)
		return
	}
	p.mu.Unlock()

	if err := p.tr.HandleRemoteAnswer(sdp); err != nil {
		p.fail("apply remote answer", err)
		return
	}
	if err := p.flushCandidates(); err != nil {
		p.fail("flush candidates", err)
		return
	}
	p.advanceTo(StateNegotiating)
}

// HandleCandidate applies a trickled remote candidate, buffering it if
// the remote description has not been applied yet. Dropping early
// candidates would stall connectivity, so the buffer is flushed in
// receipt order the moment the description lands.
func (p *Peer) HandleCandidate(c signal.CandidateInit) {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	if !p.remoteDescApplied {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := p.tr.AddRemoteCandidate(c); err != nil {
		p.fail("apply candidate", err)
	}
}

// AttachLocal adds the session's local tracks to this connection.
// Idempotent — a connection never receives the same track twice.
func (p *Peer) AttachLocal(m *LocalMedia) error {
	if m == nil {
		return nil
	}
	for _, t := range m.Tracks() {
		p.mu.Lock()
		if p.state == StateClosed {
			p.mu.Unlock()
			return nil
		}
		if p.attached[t.ID()] {
			p.mu.Unlock()
			continue
		}
		p.attached[t.ID()] = true
		p.mu.Unlock()
		if err := p.tr.AttachTrack(t); err != nil {
			return fmt.Errorf("attach track %s: %w", t.ID(), err)
		}
	}
	return nil
}

// Close tears down this connection's transport resources. Terminal and
// idempotent; no message is processed afterwards.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	p.pending = nil
	p.mu.Unlock()

	if err := p.tr.Close(); err != nil {
		log.Printf("CALL [%s]: close transport for %s: %v", p.id.Channel(), p.remoteID, err)
	}
}

// flushCandidates marks the remote description applied and drains the
// pending buffer exactly once, in receipt order.
func (p *Peer) flushCandidates() error {
	p.mu.Lock()
	p.remoteDescApplied = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.tr.AddRemoteCandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// advanceTo moves the state forward; never backward, never out of Closed.
func (p *Peer) advanceTo(s State) {
	p.mu.Lock()
	if p.state != StateClosed && s > p.state {
		p.state = s
	}
	p.mu.Unlock()
}

// markConnected is fired by the media transport once an established
// path to this peer exists. Signaling never declares this itself.
func (p *Peer) markConnected() {
	p.mu.Lock()
	fire := p.state == StateNegotiating
	if fire {
		p.state = StateConnected
	}
	p.mu.Unlock()
	if fire {
		log.Printf("CALL [%s]: peer %s connected", p.id.Channel(), p.remoteID)
		if p.onConnected != nil {
			p.onConnected()
		}
	}
}

// fail closes this one connection after an irrecoverable negotiation
// error. The rest of the call keeps going.
func (p *Peer) fail(op string, err error) {
	log.Printf("CALL [%s]: %s for %s failed: %v — closing peer", p.id.Channel(), op, p.remoteID, err)
	p.Close()
}
