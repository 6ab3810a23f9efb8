// Package player implements the playback engine: it drives a decode
// session for one track and fans the resulting frames out, framed and
// encrypted, to every subscribed voice connection.
//
// A new [Player.Play] supersedes everything in flight for the previous
// track. Work that suspends (stream listing, address resolution) captures
// the play id and discards its result if a newer Play happened meanwhile.
//
// While no audio flows after a pause, seek or finish, the player sends five
// silence frames to keep the UDP path and cipher counters alive.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/yasha/pkg/decode"
	"github.com/MrWong99/yasha/pkg/media"
)

const (
	// errorCooldown is the minimum time between two recovered decode errors.
	errorCooldown = 5 * time.Minute

	// restartTimeout bounds stream loading when recovering from an error.
	restartTimeout = 30 * time.Second
)

// Options configures a [Player].
type Options struct {
	// NormalizeVolume applies the stream set's loudness gain.
	NormalizeVolume bool

	// ExternalEncrypt lets the decode session frame and encrypt packets
	// itself. Only one subscription is allowed in this mode.
	ExternalEncrypt bool

	// ExternalPacketSend additionally lets the decode session write packets
	// to the voice server directly. Requires ExternalEncrypt.
	ExternalPacketSend bool

	// Bitrate is the Opus output bitrate. Default: [decode.Bitrate].
	Bitrate int

	// NewSession creates decode sessions. Required.
	NewSession decode.Factory

	// MeterProvider for playback metrics. Default: the global provider.
	MeterProvider metric.MeterProvider

	// Logger. Default: [slog.Default].
	Logger *slog.Logger

	// Now is the clock used for the error cooldown. Default: [time.Now].
	Now func() time.Time
}

// Player is the playback engine. It is safe for concurrent use; all state
// transitions are serialised on one mutex that decode callbacks, the
// silence ticker and control calls share.
type Player struct {
	opts    Options
	log     *slog.Logger
	now     func() time.Time
	metrics *metrics
	ctx     context.Context

	mu        sync.Mutex
	track     media.Track
	stream    *media.Stream
	session   decode.Session
	gen       uint64
	playID    uint32
	lastError time.Time
	subs      []*Subscription

	silenceNeeded bool
	silenceLeft   int
	silenceStop   chan struct{}

	evMu         sync.Mutex
	listeners    map[int]*listener
	nextListener int
}

// New returns a Player.
func New(opts Options) (*Player, error) {
	if opts.NewSession == nil {
		return nil, fmt.Errorf("player: NewSession is required")
	}
	if opts.ExternalPacketSend && !opts.ExternalEncrypt {
		return nil, fmt.Errorf("%w: external packet send requires external encryption", ErrUnsupported)
	}
	if opts.Bitrate <= 0 {
		opts.Bitrate = decode.Bitrate
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MeterProvider == nil {
		opts.MeterProvider = otel.GetMeterProvider()
	}
	return &Player{
		opts:      opts,
		log:       opts.Logger,
		now:       opts.Now,
		metrics:   newMetrics(opts.MeterProvider, opts.Logger),
		ctx:       context.Background(),
		listeners: make(map[int]*listener),
	}, nil
}

// Play makes track current and creates a fresh decode session for it. Any
// loading still in flight for an earlier track is superseded. Call
// [Player.Start] to begin playback.
func (p *Player) Play(track media.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.playID++
	p.lastError = time.Time{}
	p.stream = nil
	p.track = track
	p.log.Debug("player: play", "track", track.Info(), "play_id", p.playID)
	return p.createSessionLocked(0)
}

// Start loads the current track's streams, picks the best one, resolves its
// address and starts decoding. ctx bounds stream loading only.
//
// Failures of the current play are also published as [EventError]. If a
// newer Play happened while loading, Start returns [ErrSuperseded] and
// publishes nothing.
func (p *Player) Start(ctx context.Context) error {
	p.mu.Lock()
	id := p.playID
	p.mu.Unlock()
	return p.start(ctx, id)
}

func (p *Player) start(ctx context.Context, id uint32) error {
	p.mu.Lock()
	if p.playID != id {
		p.mu.Unlock()
		return ErrSuperseded
	}
	track := p.track
	if track == nil || p.session == nil {
		p.mu.Unlock()
		return ErrNotPlaying
	}
	set := track.Streams()
	p.mu.Unlock()

	if set == nil || set.Expired() {
		fresh, err := track.FetchStreams(ctx)
		p.mu.Lock()
		if p.playID != id {
			p.mu.Unlock()
			return ErrSuperseded
		}
		if err != nil {
			err = fmt.Errorf("player: load streams for %s: %w", track.Info(), err)
			p.failLocked(err)
			p.mu.Unlock()
			return err
		}
		track.SetStreams(fresh)
		set = fresh
		p.mu.Unlock()
	}

	p.mu.Lock()
	if p.playID != id {
		p.mu.Unlock()
		return ErrSuperseded
	}
	stream := media.BestStream(set)
	if stream == nil {
		err := fmt.Errorf("player: no streams found for %s: %w", track.Info(), media.ErrUnplayable)
		p.failLocked(err)
		p.mu.Unlock()
		return err
	}
	p.stream = stream
	url := stream.URL
	p.mu.Unlock()

	if url == "" {
		resolved, err := stream.Resolve(ctx)
		p.mu.Lock()
		if p.playID != id {
			p.mu.Unlock()
			return ErrSuperseded
		}
		if err != nil {
			err = fmt.Errorf("player: resolve stream for %s: %w", track.Info(), err)
			p.failLocked(err)
			p.mu.Unlock()
			return err
		}
		stream.URL = resolved
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playID != id {
		return ErrSuperseded
	}
	sess := p.session
	if sess == nil {
		// Destroyed while loading.
		return ErrNotPlaying
	}
	if p.opts.NormalizeVolume && stream.Volume > 0 {
		if err := sess.SetVolume(stream.Volume); err != nil {
			p.log.Warn("player: apply normalisation volume", "err", err)
		}
	}
	if h, ok := sess.(decode.CodecHinter); ok {
		h.SetSourceCodec(stream.Codecs)
	}
	sess.SetURL(stream.URL, stream.IsFile)
	if err := sess.Start(); err != nil {
		err = fmt.Errorf("%w: start decode: %w", ErrInternal, err)
		p.failLocked(err)
		return err
	}
	p.metrics.plays.Add(p.ctx, 1)
	return nil
}

// failLocked ends the current play after a loading failure: the session is
// destroyed, so [Player.HasSession] reports false by the time the
// [EventError] is delivered.
func (p *Player) failLocked(err error) {
	p.destroySessionLocked()
	p.emit(EventError{Err: err})
}

// ── Decode session lifecycle ──────────────────────────────────────────────────

// createSessionLocked replaces the decode session with a new one for the
// current track, seeked to startAt.
func (p *Player) createSessionLocked(startAt time.Duration) error {
	p.destroySessionLocked()

	p.gen++
	sess, err := p.opts.NewSession(decode.Config{
		Handler: &sessionHandler{p: p, gen: p.gen},
		Encrypt: p.opts.ExternalEncrypt,
		Logger:  p.log,
	})
	if err != nil {
		err = fmt.Errorf("%w: create decode session: %w", ErrInternal, err)
		p.emit(EventError{Err: err})
		return err
	}
	if _, ok := sess.(decode.Delegate); p.opts.ExternalEncrypt && !ok {
		sess.Close()
		err := fmt.Errorf("%w: decode session cannot encrypt", ErrUnsupported)
		p.emit(EventError{Err: err})
		return err
	}

	sess.SetOutput(decode.Channels, decode.SampleRate, p.opts.Bitrate)
	if startAt > 0 {
		if err := sess.Seek(startAt); err != nil {
			p.log.Warn("player: seek new session", "at", startAt, "err", err)
		}
	}
	p.session = sess
	p.initSecretBoxLocked()
	return nil
}

// destroySessionLocked arms keep-alive silence and closes the session.
func (p *Player) destroySessionLocked() {
	if p.session == nil {
		return
	}
	p.startSilenceLocked()
	p.closeSessionLocked()
}

func (p *Player) closeSessionLocked() {
	if p.session == nil {
		return
	}
	sess := p.session
	p.session = nil
	p.gen++
	if err := sess.Close(); err != nil {
		p.log.Debug("player: close decode session", "err", err)
	}
}

// Close unsubscribes every connection and releases the decode session and
// timers. The player may be reused with a new Play.
func (p *Player) Close() {
	p.mu.Lock()
	subs := append([]*Subscription(nil), p.subs...)
	p.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}

	p.mu.Lock()
	p.teardownLocked()
	p.mu.Unlock()
}

// teardownLocked closes the session without silence and stops the ticker.
func (p *Player) teardownLocked() {
	p.closeSessionLocked()
	p.stopSilenceTickerLocked()
}

// ── Decode callbacks ──────────────────────────────────────────────────────────

// sessionHandler forwards callbacks of one decode session. Callbacks of a
// replaced session are dropped.
type sessionHandler struct {
	p   *Player
	gen uint64
}

var _ decode.Handler = (*sessionHandler)(nil)

// lock acquires the player lock and reports whether the session is current.
func (h *sessionHandler) lock() bool {
	h.p.mu.Lock()
	if h.p.gen != h.gen || h.p.session == nil {
		h.p.mu.Unlock()
		return false
	}
	return true
}

func (h *sessionHandler) OnReady() {
	if !h.lock() {
		return
	}
	defer h.p.mu.Unlock()
	h.p.emit(EventReady{})
}

func (h *sessionHandler) OnPacket(frame []byte, units uint32) {
	if !h.lock() {
		return
	}
	p := h.p
	defer p.mu.Unlock()

	if !p.session.Paused() {
		p.cancelSilenceLocked()
	}
	if !p.opts.ExternalPacketSend {
		p.sendLocked(frame, units, false)
	}
	if p.wantsPackets() {
		p.emit(EventPacket{Frame: append([]byte(nil), frame...), Units: units})
	}
}

func (h *sessionHandler) OnFinish() {
	if !h.lock() {
		return
	}
	defer h.p.mu.Unlock()
	h.p.emit(EventFinish{})
	h.p.startSilenceLocked()
}

func (h *sessionHandler) OnError(derr *decode.Error) {
	if !h.lock() {
		return
	}
	p := h.p

	if !derr.Retryable || p.now().Sub(p.lastError) < errorCooldown {
		p.destroySessionLocked()
		p.metrics.errors.Add(p.ctx, 1, resultFatal)
		p.log.Warn("player: decode failed", "err", derr, "retryable", derr.Retryable)
		p.emit(EventError{Err: fmt.Errorf("%w: %w", ErrInternal, derr)})
		p.mu.Unlock()
		return
	}

	p.lastError = p.now()
	at := p.session.Time()
	p.invalidateLocked()
	p.log.Info("player: recovering from decode error", "err", derr, "at", at)
	if err := p.createSessionLocked(at); err != nil {
		p.mu.Unlock()
		return
	}
	p.metrics.errors.Add(p.ctx, 1, resultRecovered)
	id := p.playID
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
		defer cancel()
		if err := p.start(ctx, id); err != nil {
			p.log.Debug("player: restart after error", "err", err)
		}
	}()
}

func (h *sessionHandler) OnDebug(msg string) {
	if !h.lock() {
		return
	}
	defer h.p.mu.Unlock()
	h.p.emit(EventDebug{Message: msg})
}

// invalidateLocked forces the next start to resolve the stream address
// again. Stream sets that may have gone stale are dropped so that they are
// fetched again.
func (p *Player) invalidateLocked() {
	if p.stream != nil {
		p.stream.Invalidate()
	}
	if p.track == nil {
		return
	}
	if set := p.track.Streams(); set != nil && (set.Live || set.MaybeExpired()) {
		p.track.SetStreams(nil)
	}
}
