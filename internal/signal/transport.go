// Package signal implements the broadcast signaling transport: named
// channels on top of gossipsub, carrying the call signaling messages
// defined in message.go. Delivery is best-effort — no persistence, no
// retry, nothing for subscribers that join after a send. Protocol
// correctness above this layer must tolerate reordering and duplication.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
)

// Envelope is the wire frame for every signaling message. Payload holds
// the event-specific message, decoded via Decode(Event, Payload).
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Transport publishes and subscribes named broadcast channels.
// One Transport is shared by the whole process; channel handles are
// cached so concurrent publishers and subscribers of the same channel
// share a single topic join.
type Transport struct {
	ps   *pubsub.PubSub
	self string

	mu     sync.Mutex
	topics map[string]*topicRef
}

// topicRef is one cached topic join plus the number of local
// subscriptions holding it open. The same channel can be subscribed
// more than once — a live session and a still-ringing invitation for
// the same room both hold it — and the handle must outlive all but
// the last.
type topicRef struct {
	top  *pubsub.Topic
	subs int
}

// NewTransport wraps an existing gossipsub instance.
func NewTransport(ps *pubsub.PubSub, selfID string) *Transport {
	return &Transport{
		ps:     ps,
		self:   selfID,
		topics: make(map[string]*topicRef),
	}
}

// SelfID returns the local peer's signaling identity.
func (t *Transport) SelfID() string { return t.self }

// topic returns the cached handle for channel, joining on first use.
// forSubscriber also takes a subscription reference; release drops it
// again.
func (t *Transport) topic(channel string, forSubscriber bool) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.topics[channel]
	if !ok {
		top, err := t.ps.Join(channel)
		if err != nil {
			return nil, fmt.Errorf("join channel %s: %w", channel, err)
		}
		ref = &topicRef{top: top}
		t.topics[channel] = ref
	}
	if forSubscriber {
		ref.subs++
	}
	return ref.top, nil
}

// Publish sends one event to every current subscriber of channel.
// Best-effort: a peer that is not subscribed right now never sees it.
func (t *Transport) Publish(ctx context.Context, channel, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env := Envelope{Channel: channel, Event: event, From: t.self, Payload: raw}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	top, err := t.topic(channel, false)
	if err != nil {
		return err
	}
	return top.Publish(ctx, b)
}

// Subscribe joins channel and returns a receive channel plus a cancel
// func. Messages sent before the subscription completes are lost —
// callers must subscribe before advertising presence on the channel.
// cancel is idempotent and safe to call even if the channel was never
// fully established.
func (t *Transport) Subscribe(channel string) (<-chan Envelope, func(), error) {
	top, err := t.topic(channel, true)
	if err != nil {
		return nil, func() {}, err
	}
	sub, err := top.Subscribe()
	if err != nil {
		t.release(channel)
		return nil, func() {}, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ch := make(chan Envelope, 64)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		for {
			msg, err := sub.Next(context.Background())
			if err != nil {
				return // subscription cancelled
			}
			var env Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				log.Printf("SIGNAL [%s]: dropping undecodable frame: %v", channel, err)
				continue
			}
			// Pubsub echoes our own publishes back to us. Feeding those
			// into the state machine would corrupt the negotiation.
			if env.From == t.self {
				continue
			}
			select {
			case ch <- env:
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			sub.Cancel()
			t.release(channel)
		})
	}
	return ch, cancel, nil
}

// release drops one subscription reference on channel. The handle is
// closed and evicted only when the last local subscription cancels;
// until then publishers and the remaining subscriptions keep sharing
// it.
func (t *Transport) release(channel string) {
	t.mu.Lock()
	ref, ok := t.topics[channel]
	if !ok {
		t.mu.Unlock()
		return
	}
	ref.subs--
	if ref.subs > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.topics, channel)
	t.mu.Unlock()
	if err := ref.top.Close(); err != nil {
		log.Printf("SIGNAL [%s]: topic close: %v", channel, err)
	}
}
