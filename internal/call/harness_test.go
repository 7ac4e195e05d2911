package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/parley-p2p/parley/internal/signal"
)

// waitUntil polls cond until it holds or the deadline passes. Sessions
// dispatch on their own goroutine, so assertions about their effects
// have to wait for them.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// memBus is an in-memory stand-in for the pubsub transport: channels by
// name, every subscriber gets every message except its own.
type memBus struct {
	mu   sync.Mutex
	subs map[string][]*memSub
}

type memSub struct {
	owner    string
	ch       chan signal.Envelope
	released bool
}

func newMemBus() *memBus {
	return &memBus{subs: map[string][]*memSub{}}
}

// memClient is one participant's handle on the bus. failPublish, when
// set, can inject publish errors per channel/event.
type memClient struct {
	bus         *memBus
	id          string
	failPublish func(channel, event string) error
}

func (b *memBus) client(id string) *memClient {
	return &memClient{bus: b, id: id}
}

func (c *memClient) Publish(_ context.Context, channel, event string, payload any) error {
	if c.failPublish != nil {
		if err := c.failPublish(channel, event); err != nil {
			return err
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := signal.Envelope{Channel: channel, Event: event, From: c.id, Payload: raw}

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	for _, s := range c.bus.subs[channel] {
		if s.owner == c.id || s.released {
			continue
		}
		select {
		case s.ch <- env:
		default:
		}
	}
	return nil
}

func (c *memClient) Subscribe(channel string) (<-chan signal.Envelope, func(), error) {
	s := &memSub{owner: c.id, ch: make(chan signal.Envelope, 64)}
	c.bus.mu.Lock()
	c.bus.subs[channel] = append(c.bus.subs[channel], s)
	c.bus.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.bus.mu.Lock()
			s.released = true
			c.bus.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, release, nil
}

func (c *memClient) subscriberCount(channel string) int {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	n := 0
	for _, s := range c.bus.subs[channel] {
		if !s.released {
			n++
		}
	}
	return n
}

// fakeTransport records everything the state machine drives into it and
// lets tests fire the callbacks a real media engine would.
type fakeTransport struct {
	mu            sync.Mutex
	remoteID      string
	offersCreated int
	remoteOffers  []string
	remoteAnswers []string
	candidates    []signal.CandidateInit
	attached      []string
	rollbacks     int
	closed        bool

	onLocalCandidate func(signal.CandidateInit)
	onConnected      func()
	onRemoteTrack    func(kind string)

	offerErr       error
	remoteOfferErr error
}

func (f *fakeTransport) CreateOffer(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return "", f.offerErr
	}
	f.offersCreated++
	return "offer-sdp", nil
}

func (f *fakeTransport) HandleRemoteOffer(_ context.Context, sdp string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteOfferErr != nil {
		return "", f.remoteOfferErr
	}
	f.remoteOffers = append(f.remoteOffers, sdp)
	return "answer-sdp", nil
}

func (f *fakeTransport) HandleRemoteAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteAnswers = append(f.remoteAnswers, sdp)
	return nil
}

func (f *fakeTransport) Rollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	return nil
}

func (f *fakeTransport) AddRemoteCandidate(c signal.CandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) AttachTrack(t Track) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, t.ID())
	return nil
}

func (f *fakeTransport) OnLocalCandidate(fn func(signal.CandidateInit)) {
	f.mu.Lock()
	f.onLocalCandidate = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnected(fn func()) {
	f.mu.Lock()
	f.onConnected = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnRemoteTrack(fn func(kind string)) {
	f.mu.Lock()
	f.onRemoteTrack = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) fireConnected() {
	f.mu.Lock()
	fn := f.onConnected
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeTransport) fireLocalCandidate(c signal.CandidateInit) {
	f.mu.Lock()
	fn := f.onLocalCandidate
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakeTransport) counts() (offers, remoteOffers, remoteAnswers, candidates, rollbacks int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offersCreated, len(f.remoteOffers), len(f.remoteAnswers), len(f.candidates), f.rollbacks
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) attachedTracks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.attached...)
}

// transportTable hands out fakeTransports and remembers them by
// (owner, remote) so tests can reach into either end of a call.
type transportTable struct {
	mu  sync.Mutex
	all map[string]*fakeTransport
}

func newTransportTable() *transportTable {
	return &transportTable{all: map[string]*fakeTransport{}}
}

func (tt *transportTable) factory(owner string) TransportFactory {
	return func(_ CallIdentity, remoteID string) (PeerTransport, error) {
		tr := &fakeTransport{remoteID: remoteID}
		tt.mu.Lock()
		tt.all[owner+"->"+remoteID] = tr
		tt.mu.Unlock()
		return tr, nil
	}
}

func (tt *transportTable) get(owner, remote string) *fakeTransport {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.all[owner+"->"+remote]
}

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string { return t.id }

// mediaCounter tracks how often a fake opener's media was stopped.
type mediaCounter struct {
	mu      sync.Mutex
	stopped int
}

func (m *mediaCounter) stop() {
	m.mu.Lock()
	m.stopped++
	m.mu.Unlock()
}

func (m *mediaCounter) stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func fakeOpener(counter *mediaCounter, trackIDs ...string) MediaOpener {
	return func(CallIdentity) (*LocalMedia, error) {
		tracks := make([]Track, 0, len(trackIDs))
		for _, id := range trackIDs {
			tracks = append(tracks, fakeTrack{id: id})
		}
		return newLocalMedia(tracks, counter.stop), nil
	}
}

// fakeRecorder implements Recorder in memory.
type fakeRecorder struct {
	mu      sync.Mutex
	started []string
	ended   map[int64]string
	nextID  int64
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{ended: map[int64]string{}}
}

func (r *fakeRecorder) RecordCallStart(roomID, callType, direction string, _ []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.started = append(r.started, roomID+"/"+callType+"/"+direction)
	return r.nextID, nil
}

func (r *fakeRecorder) RecordCallEnd(logID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[logID] = reason
	return nil
}

func (r *fakeRecorder) endReason(logID int64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended[logID]
}
