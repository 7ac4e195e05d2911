// Package call implements call session orchestration: the per-peer
// offer/answer state machine, the peer connection registry, and the
// session manager that owns local media and the signaling channel for
// one active call. Coupling to the transport layer is via the Signaler
// interface only; coupling to the media engine is via PeerTransport.
package call

import (
	"context"
	"errors"

	"github.com/parley-p2p/parley/internal/proto"
	"github.com/parley-p2p/parley/internal/signal"
)

// CallType selects which devices a session captures.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// CallIdentity scopes one call instance. Immutable for the session's
// lifetime; it names the signaling channel.
type CallIdentity struct {
	RoomID string   `json:"roomId"`
	Type   CallType `json:"callType"`
}

// Channel returns the signaling channel name for this call.
func (id CallIdentity) Channel() string {
	return proto.CallChannel(id.RoomID, string(id.Type))
}

// Role of the local participant in a session.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Signaler is the only surface the call package needs from the
// signaling layer. *signal.Transport satisfies it.
type Signaler interface {
	Publish(ctx context.Context, channel, event string, payload any) error
	Subscribe(channel string) (<-chan signal.Envelope, func(), error)
}

// Track is the slice of a local media track a peer connection needs.
// mediadevices tracks satisfy it; tests use stubs.
type Track interface {
	ID() string
}

// PeerTransport is the per-peer slice of the media engine driven by the
// negotiation state machine. Implementations report connectivity via
// OnConnected — signaling only sets the channel up, it never declares a
// peer connected on its own.
type PeerTransport interface {
	CreateOffer(ctx context.Context) (sdp string, err error)
	// HandleRemoteOffer applies the remote offer and returns the local
	// answer, already applied locally.
	HandleRemoteOffer(ctx context.Context, sdp string) (answer string, err error)
	HandleRemoteAnswer(sdp string) error
	// Rollback discards a local offer that lost a glare tie-break.
	Rollback() error
	AddRemoteCandidate(c signal.CandidateInit) error
	AttachTrack(t Track) error
	OnLocalCandidate(fn func(signal.CandidateInit))
	OnConnected(fn func())
	OnRemoteTrack(fn func(kind string))
	Close() error
}

// TransportFactory builds the PeerTransport for one remote participant.
type TransportFactory func(id CallIdentity, remoteID string) (PeerTransport, error)

// MediaOpener acquires the local capture devices for a call. Fatal on
// failure — there is no retry and no receive-only fallback for a call
// the user just started.
type MediaOpener func(id CallIdentity) (*LocalMedia, error)

// Recorder persists call history. Implemented by storage.DB; may be nil.
type Recorder interface {
	RecordCallStart(roomID, callType, direction string, participants []string) (int64, error)
	RecordCallEnd(logID int64, reason string) error
}

var (
	// ErrCallActive is returned when a second session would be created
	// while one is active on this device.
	ErrCallActive = errors.New("a call is already active")

	// ErrSessionEnded is returned by operations on a session that has
	// already been torn down.
	ErrSessionEnded = errors.New("call session has ended")

	// ErrInviteCancelled is returned by AcceptIncoming when the
	// invitation was cancelled (or never seen) before the accept.
	ErrInviteCancelled = errors.New("invitation is no longer valid")

	// ErrNotInRoster is returned when a peer connection is requested
	// for a sender outside the call's fixed participant set.
	ErrNotInRoster = errors.New("sender is not in the call roster")
)
