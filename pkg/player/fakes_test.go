package player_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/yasha/pkg/decode"
	"github.com/MrWong99/yasha/pkg/media"
	"github.com/MrWong99/yasha/pkg/player"
	"github.com/MrWong99/yasha/pkg/voice"
)

// ─── fake decode session ─────────────────────────────────────────────────────

type sessionState struct {
	url     string
	isFile  bool
	codec   string
	started int
	stopped int
	closed  bool
	paused  bool
	seekAt  time.Duration
	volume  float64
	bitrate int

	key      [32]byte
	mode     voice.Mode
	ssrc     uint32
	counters voice.Counters
	pipeIP   string
	pipePort int
}

type fakeSession struct {
	h decode.Handler

	mu       sync.Mutex
	st       sessionState
	at       time.Duration
	startErr error
}

var (
	_ decode.Session     = (*fakeSession)(nil)
	_ decode.Delegate    = (*fakeSession)(nil)
	_ decode.CodecHinter = (*fakeSession)(nil)
)

func (f *fakeSession) update(fn func(st *sessionState)) {
	f.mu.Lock()
	fn(&f.st)
	f.mu.Unlock()
}

func (f *fakeSession) state() sessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeSession) setTime(at time.Duration) {
	f.mu.Lock()
	f.at = at
	f.mu.Unlock()
}

func (f *fakeSession) SetOutput(_, _, bitrate int) {
	f.update(func(st *sessionState) { st.bitrate = bitrate })
}

func (f *fakeSession) SetURL(url string, isFile bool) {
	f.update(func(st *sessionState) { st.url, st.isFile = url, isFile })
}

func (f *fakeSession) SetSourceCodec(codec string) {
	f.update(func(st *sessionState) { st.codec = codec })
}

func (f *fakeSession) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st.started++
	return f.startErr
}

func (f *fakeSession) Stop() { f.update(func(st *sessionState) { st.stopped++ }) }

func (f *fakeSession) Close() error {
	f.update(func(st *sessionState) { st.closed = true })
	return nil
}

func (f *fakeSession) Seek(at time.Duration) error {
	f.update(func(st *sessionState) { st.seekAt = at })
	return nil
}

func (f *fakeSession) SetPaused(paused bool) {
	f.update(func(st *sessionState) { st.paused = paused })
}

func (f *fakeSession) Paused() bool { return f.state().paused }

func (f *fakeSession) SetVolume(v float64) error {
	f.update(func(st *sessionState) { st.volume = v })
	return nil
}

func (f *fakeSession) SetBitrate(b int) error {
	f.update(func(st *sessionState) { st.bitrate = b })
	return nil
}

func (f *fakeSession) SetRate(float64) error            { return nil }
func (f *fakeSession) SetTempo(float64) error           { return nil }
func (f *fakeSession) SetTremolo(_, _ float64) error    { return nil }
func (f *fakeSession) SetEqualizer([]decode.Band) error { return nil }

func (f *fakeSession) Time() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.at
}

func (f *fakeSession) Duration() time.Duration { return 3 * time.Minute }
func (f *fakeSession) FramesDropped() int64    { return 0 }
func (f *fakeSession) TotalFrames() int64      { return 0 }
func (f *fakeSession) CodecCopy() bool         { return false }

func (f *fakeSession) SetSecretBox(key [32]byte, mode voice.Mode, ssrc uint32) error {
	f.update(func(st *sessionState) { st.key, st.mode, st.ssrc = key, mode, ssrc })
	return nil
}

func (f *fakeSession) UpdateSecretBox(c voice.Counters) {
	f.update(func(st *sessionState) { st.counters = c })
}

func (f *fakeSession) SecretBox() voice.Counters { return f.state().counters }

func (f *fakeSession) Pipe(ip string, port int) error {
	f.update(func(st *sessionState) { st.pipeIP, st.pipePort = ip, port })
	return nil
}

// sessions is a decode.Factory recording every session it creates.
type sessions struct {
	mu   sync.Mutex
	list []*fakeSession
}

func (s *sessions) factory(cfg decode.Config) (decode.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs := &fakeSession{h: cfg.Handler}
	s.list = append(s.list, fs)
	return fs, nil
}

func (s *sessions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

func (s *sessions) last() *fakeSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.list) == 0 {
		return nil
	}
	return s.list[len(s.list)-1]
}

// ─── fake connection ─────────────────────────────────────────────────────────

type sentPacket struct {
	frame []byte
	units uint32
	raw   bool
	at    time.Time
}

type fakeConn struct {
	mu        sync.Mutex
	ready     bool
	info      voice.SessionInfo
	cipher    *voice.Cipher
	sent      []sentPacket
	speaking  []bool
	listeners map[int]voice.StateListener
	nextID    int
	owner     voice.Subscriber
}

var _ player.Conn = (*fakeConn)(nil)

var connKey = [32]byte{7, 7, 7}

func newFakeConn(ready bool) *fakeConn {
	info := voice.SessionInfo{
		SecretKey:  connKey,
		SSRC:       99,
		Mode:       voice.ModeNameLite,
		Counters:   voice.Counters{Sequence: 10, Timestamp: 1000, Nonce: 3},
		RemoteIP:   "198.51.100.7",
		RemotePort: 50001,
	}
	return &fakeConn{
		ready:     ready,
		info:      info,
		cipher:    voice.NewCipher(info.SecretKey, voice.ModeLite, info.SSRC, info.Counters),
		listeners: make(map[int]voice.StateListener),
	}
}

func (c *fakeConn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *fakeConn) Session() (voice.SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return voice.SessionInfo{}, false
	}
	info := c.info
	info.Counters = c.cipher.Counters()
	return info, true
}

func (c *fakeConn) SetCounters(cnt voice.Counters) { c.cipher.SetCounters(cnt) }

func (c *fakeConn) SendFrame(frame []byte, units uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return voice.ErrNotReady
	}
	if _, err := c.cipher.Seal(frame, units); err != nil {
		return err
	}
	c.sent = append(c.sent, sentPacket{frame: append([]byte(nil), frame...), units: units, at: time.Now()})
	return nil
}

func (c *fakeConn) SendRaw(packet []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return voice.ErrNotReady
	}
	c.sent = append(c.sent, sentPacket{frame: append([]byte(nil), packet...), raw: true, at: time.Now()})
	return nil
}

func (c *fakeConn) SetSpeaking(s bool) error {
	c.mu.Lock()
	c.speaking = append(c.speaking, s)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) OnStateChange(fn voice.StateListener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) SetOwner(s voice.Subscriber) voice.Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.owner
	c.owner = s
	return prev
}

func (c *fakeConn) ReleaseOwner(s voice.Subscriber) {
	c.mu.Lock()
	if c.owner == s {
		c.owner = nil
	}
	c.mu.Unlock()
}

// setStatus flips readiness and notifies listeners like a connection does.
func (c *fakeConn) setStatus(ready bool) {
	c.mu.Lock()
	c.ready = ready
	fns := make([]voice.StateListener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	cur := voice.StatusDisconnected
	if ready {
		cur = voice.StatusReady
	}
	for _, fn := range fns {
		fn(voice.StatusReady, cur)
	}
}

func (c *fakeConn) packets() []sentPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentPacket(nil), c.sent...)
}

func (c *fakeConn) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func isSilence(p sentPacket) bool {
	return bytes.Equal(p.frame, []byte{0xf8, 0xff, 0xfe})
}

// ─── fake track ──────────────────────────────────────────────────────────────

type fakeTrack struct {
	*media.TrackInfo

	mu      sync.Mutex
	set     *media.StreamSet
	err     error
	gate    chan struct{}
	fetches int
}

func newTrack(id string, streams ...*media.Stream) *fakeTrack {
	return &fakeTrack{TrackInfo: media.NewTrackInfo("fake", id), set: media.NewStreamSet(streams...)}
}

func (t *fakeTrack) FetchStreams(ctx context.Context) (*media.StreamSet, error) {
	t.mu.Lock()
	t.fetches++
	gate, set, err := t.gate, t.set, t.err
	t.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return set, err
}

func (t *fakeTrack) fetchCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fetches
}

func opusStream(url string, bitrate int64) *media.Stream {
	s := media.NewStream(url)
	s.HasAudio = true
	s.Codecs = "opus"
	s.Bitrate = bitrate
	return s
}

// ─── helpers ─────────────────────────────────────────────────────────────────

type harness struct {
	p      *player.Player
	ss     *sessions
	events <-chan player.Event
}

func newHarness(t *testing.T, opts player.Options) *harness {
	t.Helper()
	ss := &sessions{}
	opts.NewSession = ss.factory
	p, err := player.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	events, cancel := p.Listen(256, player.WithPackets())
	t.Cleanup(func() {
		p.Close()
		cancel()
	})
	return &harness{p: p, ss: ss, events: events}
}

// play plays track and starts it, failing on error.
func (h *harness) play(t *testing.T, track media.Track) *fakeSession {
	t.Helper()
	if err := h.p.Play(track); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if err := h.p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h.ss.last()
}

// drain returns the events published so far.
func (h *harness) drain() []player.Event {
	var out []player.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// nextError waits for the next EventError.
func (h *harness) nextError(t *testing.T) error {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if e, ok := ev.(player.EventError); ok {
				return e.Err
			}
		case <-timeout:
			t.Fatal("timed out waiting for error event")
			return nil
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
