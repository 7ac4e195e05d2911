package call

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/parley-p2p/parley/internal/signal"
)

// keyframeInterval is how often a PLI is sent for each remote video
// track so a receiver that lost packets recovers without waiting for
// the encoder's own keyframe cadence.
const keyframeInterval = 3 * time.Second

// PionConfig configures the pion-backed media engine.
type PionConfig struct {
	STUNServers []string
}

// DefaultSTUNServers is used when the config names none.
var DefaultSTUNServers = []string{"stun:stun.l.google.com:19302"}

// engine bundles the webrtc API shared by every peer connection of the
// process with the platform capture path. Construction is build-tagged:
// camera/mic capture via pion/mediadevices needs platform drivers.
type engine struct {
	api     *webrtc.API
	capture MediaOpener
}

// NewPionBackend assembles the media engine and returns the media
// opener and peer transport factory wired to it.
func NewPionBackend(cfg PionConfig) (MediaOpener, TransportFactory, error) {
	eng, err := newEngine()
	if err != nil {
		return nil, nil, fmt.Errorf("media engine: %w", err)
	}
	stun := cfg.STUNServers
	if len(stun) == 0 {
		stun = DefaultSTUNServers
	}
	factory := func(id CallIdentity, remoteID string) (PeerTransport, error) {
		pc, err := eng.api.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stun}},
		})
		if err != nil {
			return nil, err
		}
		return &pionTransport{pc: pc, channel: id.Channel(), remoteID: remoteID, closed: make(chan struct{})}, nil
	}
	return eng.capture, factory, nil
}

// pionTransport adapts one *webrtc.PeerConnection to PeerTransport.
type pionTransport struct {
	pc        *webrtc.PeerConnection
	channel   string
	remoteID  string
	closed    chan struct{}
	closeOnce sync.Once
}

func (p *pionTransport) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

func (p *pionTransport) HandleRemoteOffer(ctx context.Context, sdp string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

func (p *pionTransport) HandleRemoteAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *pionTransport) Rollback() error {
	return p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (p *pionTransport) AddRemoteCandidate(c signal.CandidateInit) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (p *pionTransport) AttachTrack(t Track) error {
	local, ok := t.(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("track %s is not a webrtc local track", t.ID())
	}
	if _, err := p.pc.AddTrack(local); err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	return nil
}

func (p *pionTransport) OnLocalCandidate(fn func(signal.CandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		j := c.ToJSON()
		ci := signal.CandidateInit{Candidate: j.Candidate}
		if j.SDPMid != nil {
			ci.SDPMid = *j.SDPMid
		}
		if j.SDPMLineIndex != nil {
			ci.SDPMLineIndex = *j.SDPMLineIndex
		}
		fn(ci)
	})
}

func (p *pionTransport) OnConnected(fn func()) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			fn()
		}
	})
}

func (p *pionTransport) OnRemoteTrack(fn func(kind string)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote %s track from %s", p.channel, track.Kind(), p.remoteID)
		go p.drainTrack(track)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go p.keyframeLoop(track)
		}
		fn(track.Kind().String())
	})
}

func (p *pionTransport) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.pc.Close()
	})
	return err
}

// drainTrack keeps the SRTP session moving. Rendering is the UI's
// concern; here the packets only need to be consumed.
func (p *pionTransport) drainTrack(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

// keyframeLoop periodically asks the sender for a keyframe so video
// recovers after loss.
func (p *pionTransport) keyframeLoop(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(keyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			err := p.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}
