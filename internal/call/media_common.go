package call

import "sync"

// LocalMedia owns the capture devices acquired for one session. The
// session is the only owner: peer connections hold attach-only
// references to the tracks and never stop them.
type LocalMedia struct {
	tracks []Track
	stop   func()
	once   sync.Once
}

func newLocalMedia(tracks []Track, stop func()) *LocalMedia {
	return &LocalMedia{tracks: tracks, stop: stop}
}

// Tracks returns the captured tracks for attachment.
func (m *LocalMedia) Tracks() []Track { return m.tracks }

// Stop releases the capture devices. Idempotent; only the owning
// session calls it.
func (m *LocalMedia) Stop() {
	m.once.Do(func() {
		if m.stop != nil {
			m.stop()
		}
	})
}
