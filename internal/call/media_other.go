//go:build !linux

package call

import (
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newEngine builds a default-codec webrtc API. Camera/mic capture via
// pion/mediadevices requires platform-specific drivers (V4L2/malgo on
// Linux); on other platforms starting a call fails at media
// acquisition.
func newEngine() (*engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	eng := &engine{api: api}
	eng.capture = func(CallIdentity) (*LocalMedia, error) {
		return nil, errors.New("local media capture is not supported on this platform")
	}
	return eng, nil
}
