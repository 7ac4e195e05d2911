package proto

import "time"

const (
	// Pubsub topic carrying presence pulses from every online peer.
	PresenceTopic = "parley.presence.v1"

	// Pubsub topic carrying call invitations and cancellations.
	// Process-wide: subscribed once, lazily, and reused for the
	// lifetime of the process.
	InvitesChannel = "parley.invites.v1"

	// Prefix for per-call signaling channels. The full name is
	// CallChannel(roomID, callType).
	callChannelPrefix = "parley.call.v1."

	MdnsTag = "parley-mdns"
)

// CallChannel returns the signaling channel name for one call instance.
// The name is scoped to both the chat room and the call type so a voice
// call and a video call in the same room never share a channel.
func CallChannel(roomID, callType string) string {
	return callChannelPrefix + roomID + "." + callType
}

const (
	TypeOnline  = "online"
	TypeUpdate  = "update"
	TypeOffline = "offline"
)

// PresenceMsg is the payload published on PresenceTopic.
type PresenceMsg struct {
	Type          string `json:"type"` // online|update|offline
	PeerID        string `json:"peerId"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	VideoDisabled bool   `json:"videoDisabled,omitempty"` // peer has video calls disabled
	// Dialable multiaddresses, so receivers can seed their peerstore.
	Addrs []string `json:"addrs,omitempty"`
	TS    int64    `json:"ts"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
