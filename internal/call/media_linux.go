//go:build linux

package call

import (
	"fmt"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// newEngine builds the VP8+Opus webrtc API and the V4L2/malgo capture
// path.
func newEngine() (*engine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout is 5 s — far
	// too short for paths that can have short outages during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	eng := &engine{api: api}
	eng.capture = func(id CallIdentity) (*LocalMedia, error) {
		return captureLocalMedia(id, codecSelector)
	}
	return eng, nil
}

// captureLocalMedia opens the microphone, and the camera for video
// calls. Failure is fatal to the call attempt: GetUserMedia acquires
// its tracks as a unit, so there is nothing partial left to release
// when it errors, and a track that breaks afterwards is closed before
// the error is reported.
func captureLocalMedia(id CallIdentity, selector *mediadevices.CodecSelector) (*LocalMedia, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if id.Type == CallVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
			// that produces malformed JPEG frames, which poisons the
			// VP8 encoder. Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 — higher resolutions increase VP8
			// encoding latency.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media (%s): %w", id.Type, err)
	}

	mdTracks := stream.GetTracks()
	tracks := make([]Track, 0, len(mdTracks))
	for _, track := range mdTracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("CALL [%s]: local track ended: %v", id.Channel(), err)
			}
		})
		tracks = append(tracks, track)
	}

	stop := func() {
		for _, t := range mdTracks {
			t.Close()
		}
	}

	log.Printf("CALL [%s]: local media captured (%s) — %d tracks", id.Channel(), id.Type, len(tracks))
	return newLocalMedia(tracks, stop), nil
}
