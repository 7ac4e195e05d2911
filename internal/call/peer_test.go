package call

import (
	"context"
	"sync"
	"testing"

	"github.com/parley-p2p/parley/internal/signal"
)

// msgLog captures messages a peer publishes.
type msgLog struct {
	mu   sync.Mutex
	msgs []signal.Message
	err  error
}

func (l *msgLog) publish(m signal.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.msgs = append(l.msgs, m)
	return nil
}

func (l *msgLog) all() []signal.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]signal.Message{}, l.msgs...)
}

var testCallID = CallIdentity{RoomID: "room-1", Type: CallVoice}

func TestPeerOfferAnswer(t *testing.T) {
	ctx := context.Background()
	trA, trB := &fakeTransport{}, &fakeTransport{}
	logA, logB := &msgLog{}, &msgLog{}
	alice := newPeer(testCallID, "alice", "bob", trA, logA.publish)
	bob := newPeer(testCallID, "bob", "alice", trB, logB.publish)

	if err := alice.StartOffer(ctx); err != nil {
		t.Fatal(err)
	}
	if got := alice.State(); got != StateLocalOfferSent {
		t.Fatalf("initiator state = %s, want local-offer-sent", got)
	}
	offers := logA.all()
	if len(offers) != 1 {
		t.Fatalf("published %d messages, want 1 offer", len(offers))
	}
	offer, ok := offers[0].(signal.Offer)
	if !ok || offer.To != "bob" || offer.SDP != "offer-sdp" {
		t.Fatalf("unexpected offer %+v", offers[0])
	}

	bob.HandleOffer(ctx, offer.SDP)
	if got := bob.State(); got != StateNegotiating {
		t.Fatalf("responder state = %s, want negotiating", got)
	}
	answers := logB.all()
	if len(answers) != 1 {
		t.Fatalf("responder published %d messages, want 1 answer", len(answers))
	}
	answer := answers[0].(signal.Answer)
	if answer.To != "alice" {
		t.Fatalf("answer addressed to %q, want alice", answer.To)
	}

	alice.HandleAnswer(answer.SDP)
	if got := alice.State(); got != StateNegotiating {
		t.Fatalf("initiator state = %s, want negotiating", got)
	}

	// Connected is declared by the media transport, never by signaling.
	alice.markConnected()
	bob.markConnected()
	if alice.State() != StateConnected || bob.State() != StateConnected {
		t.Fatalf("states after connect: %s / %s", alice.State(), bob.State())
	}
}

func TestPeerConnectedOnlyFromNegotiating(t *testing.T) {
	tr := &fakeTransport{}
	p := newPeer(testCallID, "alice", "bob", tr, (&msgLog{}).publish)

	p.markConnected()
	if got := p.State(); got != StateNew {
		t.Fatalf("state = %s, want new", got)
	}

	if err := p.StartOffer(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.markConnected()
	if got := p.State(); got != StateLocalOfferSent {
		t.Fatalf("state = %s, want local-offer-sent", got)
	}
}

func TestPeerCandidateBuffering(t *testing.T) {
	ctx := context.Background()
	tr := &fakeTransport{}
	p := newPeer(testCallID, "bob", "alice", tr, (&msgLog{}).publish)

	early := []signal.CandidateInit{
		{Candidate: "cand-0"},
		{Candidate: "cand-1"},
		{Candidate: "cand-2"},
	}
	for _, c := range early {
		p.HandleCandidate(c)
	}
	if _, _, _, applied, _ := tr.counts(); applied != 0 {
		t.Fatalf("%d candidates applied before remote description", applied)
	}

	p.HandleOffer(ctx, "offer-sdp")
	tr.mu.Lock()
	got := append([]signal.CandidateInit{}, tr.candidates...)
	tr.mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("flushed %d candidates, want 3", len(got))
	}
	for i, c := range got {
		if c.Candidate != early[i].Candidate {
			t.Fatalf("flush order broken at %d: got %q want %q", i, c.Candidate, early[i].Candidate)
		}
	}

	// After the description landed, candidates apply immediately.
	p.HandleCandidate(signal.CandidateInit{Candidate: "cand-3"})
	if _, _, _, applied, _ := tr.counts(); applied != 4 {
		t.Fatalf("late candidate not applied, have %d", applied)
	}
}

func TestPeerDuplicateOfferIgnored(t *testing.T) {
	ctx := context.Background()
	tr := &fakeTransport{}
	log := &msgLog{}
	p := newPeer(testCallID, "bob", "alice", tr, log.publish)

	p.HandleOffer(ctx, "offer-sdp")
	p.HandleOffer(ctx, "offer-sdp")

	if _, remoteOffers, _, _, _ := tr.counts(); remoteOffers != 1 {
		t.Fatalf("remote offer applied %d times, want 1", remoteOffers)
	}
	if got := len(log.all()); got != 1 {
		t.Fatalf("published %d answers, want 1", got)
	}
}

func TestPeerDuplicateAnswerIgnored(t *testing.T) {
	ctx := context.Background()
	tr := &fakeTransport{}
	p := newPeer(testCallID, "alice", "bob", tr, (&msgLog{}).publish)

	if err := p.StartOffer(ctx); err != nil {
		t.Fatal(err)
	}
	p.HandleAnswer("answer-sdp")
	p.HandleAnswer("answer-sdp")

	if _, _, remoteAnswers, _, _ := tr.counts(); remoteAnswers != 1 {
		t.Fatalf("remote answer applied %d times, want 1", remoteAnswers)
	}
	if got := p.State(); got != StateNegotiating {
		t.Fatalf("state = %s, want negotiating", got)
	}
}

func TestPeerStrayAnswerDropped(t *testing.T) {
	tr := &fakeTransport{}
	p := newPeer(testCallID, "alice", "bob", tr, (&msgLog{}).publish)

	p.HandleAnswer("answer-sdp")

	if _, _, remoteAnswers, _, _ := tr.counts(); remoteAnswers != 0 {
		t.Fatalf("stray answer applied %d times, want 0", remoteAnswers)
	}
	if got := p.State(); got != StateNew {
		t.Fatalf("state = %s, want new", got)
	}
}

func TestPeerGlare(t *testing.T) {
	ctx := context.Background()
	trA, trB := &fakeTransport{}, &fakeTransport{}
	logA, logB := &msgLog{}, &msgLog{}
	// alice < bob: alice is the polite side.
	alice := newPeer(testCallID, "alice", "bob", trA, logA.publish)
	bob := newPeer(testCallID, "bob", "alice", trB, logB.publish)

	if err := alice.StartOffer(ctx); err != nil {
		t.Fatal(err)
	}
	if err := bob.StartOffer(ctx); err != nil {
		t.Fatal(err)
	}

	t.Run("polite side rolls back and answers", func(t *testing.T) {
		alice.HandleOffer(ctx, "offer-sdp")
		_, remoteOffers, _, _, rollbacks := trA.counts()
		if rollbacks != 1 {
			t.Fatalf("rollbacks = %d, want 1", rollbacks)
		}
		if remoteOffers != 1 {
			t.Fatalf("remote offers applied = %d, want 1", remoteOffers)
		}
		if got := alice.State(); got != StateNegotiating {
			t.Fatalf("polite state = %s, want negotiating", got)
		}
	})

	t.Run("impolite side keeps its offer", func(t *testing.T) {
		bob.HandleOffer(ctx, "offer-sdp")
		_, remoteOffers, _, _, rollbacks := trB.counts()
		if rollbacks != 0 || remoteOffers != 0 {
			t.Fatalf("impolite side acted on colliding offer (rollbacks=%d applied=%d)", rollbacks, remoteOffers)
		}
		if got := bob.State(); got != StateLocalOfferSent {
			t.Fatalf("impolite state = %s, want local-offer-sent", got)
		}
	})

	t.Run("handshake converges", func(t *testing.T) {
		// Alice's answer from the polite path completes bob's offer.
		var answer signal.Answer
		for _, m := range logA.all() {
			if a, ok := m.(signal.Answer); ok {
				answer = a
			}
		}
		if answer.To != "bob" {
			t.Fatalf("no answer published by polite side")
		}
		bob.HandleAnswer(answer.SDP)
		if got := bob.State(); got != StateNegotiating {
			t.Fatalf("impolite state = %s, want negotiating", got)
		}
	})
}

func TestPeerClosedIsTerminal(t *testing.T) {
	ctx := context.Background()
	tr := &fakeTransport{}
	log := &msgLog{}
	p := newPeer(testCallID, "bob", "alice", tr, log.publish)

	p.Close()
	p.Close()
	if !tr.isClosed() {
		t.Fatal("transport not closed")
	}

	p.HandleOffer(ctx, "offer-sdp")
	p.HandleAnswer("answer-sdp")
	p.HandleCandidate(signal.CandidateInit{Candidate: "late"})
	if err := p.StartOffer(ctx); err != nil {
		t.Fatal(err)
	}

	offers, remoteOffers, remoteAnswers, candidates, _ := tr.counts()
	if offers+remoteOffers+remoteAnswers+candidates != 0 {
		t.Fatalf("closed peer still drove transport: %d/%d/%d/%d", offers, remoteOffers, remoteAnswers, candidates)
	}
	if got := len(log.all()); got != 0 {
		t.Fatalf("closed peer published %d messages", got)
	}
	if got := p.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
}

func TestPeerPublishFailureClosesPeer(t *testing.T) {
	tr := &fakeTransport{}
	log := &msgLog{err: context.DeadlineExceeded}
	p := newPeer(testCallID, "alice", "bob", tr, log.publish)

	if err := p.StartOffer(context.Background()); err == nil {
		t.Fatal("expected publish error")
	}
	if got := p.State(); got != StateClosed {
		t.Fatalf("state = %s, want closed", got)
	}
	if !tr.isClosed() {
		t.Fatal("transport left open after failed offer")
	}
}

func TestPeerAttachLocalIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	p := newPeer(testCallID, "alice", "bob", tr, (&msgLog{}).publish)

	counter := &mediaCounter{}
	media := newLocalMedia([]Track{fakeTrack{id: "mic"}, fakeTrack{id: "cam"}}, counter.stop)

	if err := p.AttachLocal(media); err != nil {
		t.Fatal(err)
	}
	if err := p.AttachLocal(media); err != nil {
		t.Fatal(err)
	}
	if got := tr.attachedTracks(); len(got) != 2 {
		t.Fatalf("attached %d tracks, want 2: %v", len(got), got)
	}
}
