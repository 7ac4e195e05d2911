// Package invite fans call invitations out on the shared invites
// channel, one addressed message per recipient, and hands the channel's
// inbound side to whoever routes incoming invitations.
package invite

import (
	"context"
	"log"
	"sync"

	"github.com/parley-p2p/parley/internal/proto"
	"github.com/parley-p2p/parley/internal/signal"
)

// Transport is the slice of the signaling layer the dispatcher uses.
// *signal.Transport satisfies it.
type Transport interface {
	Publish(ctx context.Context, channel, event string, payload any) error
	Subscribe(channel string) (<-chan signal.Envelope, func(), error)
}

// PushNotifier wakes a recipient's device out-of-band when it may not
// be listening on the invites channel. Best-effort by contract.
type PushNotifier interface {
	NotifyInvite(ctx context.Context, inv signal.Invite) error
}

// Dispatcher sends invitations and cancellations on the shared invites
// channel. Sending to N recipients is N independent publishes: one
// failed or unreachable recipient never stops the rest, and errors are
// logged, not returned.
type Dispatcher struct {
	tr     Transport
	push   PushNotifier
	selfID string

	subOnce sync.Once
	msgs    <-chan signal.Envelope
	subErr  error
}

// NewDispatcher builds a dispatcher. push may be nil.
func NewDispatcher(tr Transport, push PushNotifier, selfID string) *Dispatcher {
	return &Dispatcher{tr: tr, push: push, selfID: selfID}
}

// Events returns the inbound side of the invites channel. The
// subscription is established once, on first call, and lives for the
// process lifetime.
func (d *Dispatcher) Events() (<-chan signal.Envelope, error) {
	d.subOnce.Do(func() {
		d.msgs, _, d.subErr = d.tr.Subscribe(proto.InvitesChannel)
		if d.subErr == nil {
			log.Printf("INVITE: listening on %s", proto.InvitesChannel)
		}
	})
	return d.msgs, d.subErr
}

// SendInvite addresses inv to each recipient in turn and publishes it.
// The To field of inv is overwritten per recipient; everything else is
// sent as given. Each recipient also gets a best-effort push wake-up,
// whether or not the publish reached them — the wake-up exists for
// exactly the recipients the channel could not.
func (d *Dispatcher) SendInvite(ctx context.Context, inv signal.Invite, recipients []string) {
	for _, to := range recipients {
		msg := inv
		msg.To = to
		if err := d.tr.Publish(ctx, proto.InvitesChannel, signal.EventInvite, msg); err != nil {
			log.Printf("INVITE: send to %s failed: %v", to, err)
		}
		if d.push != nil {
			go func(msg signal.Invite) {
				if err := d.push.NotifyInvite(context.Background(), msg); err != nil {
					log.Printf("INVITE: push wake-up for %s failed: %v", msg.To, err)
				}
			}(msg)
		}
	}
}

// SendCancel withdraws a pending invitation for roomID from each
// recipient. Same fault isolation as SendInvite.
func (d *Dispatcher) SendCancel(ctx context.Context, roomID string, recipients []string) {
	for _, to := range recipients {
		msg := signal.CallCancelled{From: d.selfID, To: to, RoomID: roomID}
		if err := d.tr.Publish(ctx, proto.InvitesChannel, signal.EventCancelled, msg); err != nil {
			log.Printf("INVITE: cancel to %s failed: %v", to, err)
		}
	}
}
