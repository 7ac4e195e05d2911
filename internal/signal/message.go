package signal

import (
	"encoding/json"
	"fmt"
)

// Event constants — the value of Envelope.Event for each message type.
const (
	EventInvite    = "call-invite"
	EventCancelled = "call-cancelled"
	EventOffer     = "call-offer"
	EventAnswer    = "call-answer"
	EventICE       = "ice-candidate"
	EventEnded     = "call-ended"
)

// Message is the closed set of signaling message types. Receivers
// dispatch with a type switch on the value returned by Decode; there is
// no untyped payload inspection anywhere above this package.
type Message interface {
	signalingMessage()
}

// Invite asks one recipient to join a call. Sent on the invites channel,
// once per recipient.
type Invite struct {
	From         string   `json:"from"`
	To           string   `json:"to"`
	RoomID       string   `json:"roomId"`
	CallType     string   `json:"callType"` // "voice" | "video"
	Participants []string `json:"participants"`
	TS           int64    `json:"ts"`
}

// CallCancelled withdraws a pending Invite before the recipient acts.
type CallCancelled struct {
	From   string `json:"from"`
	To     string `json:"to"`
	RoomID string `json:"roomId"`
}

// Offer carries the initiator's SDP to one peer of the call.
type Offer struct {
	From string `json:"from"`
	To   string `json:"to"`
	SDP  string `json:"sdp"`
}

// Answer carries the responder's SDP back to the initiator.
type Answer struct {
	From string `json:"from"`
	To   string `json:"to"`
	SDP  string `json:"sdp"`
}

// CandidateInit is the standard RTCIceCandidateInit shape (W3C WebRTC).
type CandidateInit struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// IceCandidate trickles one ICE candidate to one peer of the call.
type IceCandidate struct {
	From      string        `json:"from"`
	To        string        `json:"to"`
	Candidate CandidateInit `json:"candidate"`
}

// CallEnded announces that the sender has left the call. Not addressed:
// every remaining participant acts on it.
type CallEnded struct {
	From   string `json:"from"`
	RoomID string `json:"roomId"`
}

func (Invite) signalingMessage()        {}
func (CallCancelled) signalingMessage() {}
func (Offer) signalingMessage()         {}
func (Answer) signalingMessage()        {}
func (IceCandidate) signalingMessage()  {}
func (CallEnded) signalingMessage()     {}

// Recipient returns the addressee of m and whether m is addressed at
// all. CallEnded is a broadcast and has no recipient.
func Recipient(m Message) (string, bool) {
	switch v := m.(type) {
	case Invite:
		return v.To, true
	case CallCancelled:
		return v.To, true
	case Offer:
		return v.To, true
	case Answer:
		return v.To, true
	case IceCandidate:
		return v.To, true
	default:
		return "", false
	}
}

// Decode parses the payload of an envelope into its concrete message
// type. Unknown events are an error; callers drop those frames.
func Decode(event string, raw json.RawMessage) (Message, error) {
	switch event {
	case EventInvite:
		var m Invite
		return m, json.Unmarshal(raw, &m)
	case EventCancelled:
		var m CallCancelled
		return m, json.Unmarshal(raw, &m)
	case EventOffer:
		var m Offer
		return m, json.Unmarshal(raw, &m)
	case EventAnswer:
		var m Answer
		return m, json.Unmarshal(raw, &m)
	case EventICE:
		var m IceCandidate
		return m, json.Unmarshal(raw, &m)
	case EventEnded:
		var m CallEnded
		return m, json.Unmarshal(raw, &m)
	default:
		return nil, fmt.Errorf("unknown signaling event %q", event)
	}
}

// EventFor returns the event string for a message value. It is the
// inverse of Decode and keeps publish sites from hand-writing pairs.
func EventFor(m Message) string {
	switch m.(type) {
	case Invite:
		return EventInvite
	case CallCancelled:
		return EventCancelled
	case Offer:
		return EventOffer
	case Answer:
		return EventAnswer
	case IceCandidate:
		return EventICE
	case CallEnded:
		return EventEnded
	default:
		return ""
	}
}
