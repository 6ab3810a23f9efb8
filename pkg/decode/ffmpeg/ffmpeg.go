// Package ffmpeg implements [decode.Session] on top of an ffmpeg subprocess.
//
// Sources are transcoded to 48 kHz stereo PCM and encoded to Opus with
// gopus. When the source already carries Opus and no processing is
// requested, ffmpeg only remuxes to Ogg and the Opus packets are forwarded
// untouched ("codec copy").
//
// Frames are paced to real time. Filter changes restart ffmpeg at the
// current position; volume and bitrate changes apply to the next frame.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/yasha/pkg/decode"
	"github.com/MrWong99/yasha/pkg/voice"
)

const (
	// DefaultPath is the ffmpeg binary looked up on PATH.
	DefaultPath = "ffmpeg"

	minBitrate = 500
	maxBitrate = 512000
)

var (
	_ decode.Session     = (*Session)(nil)
	_ decode.Delegate    = (*Session)(nil)
	_ decode.CodecHinter = (*Session)(nil)
)

// Options configures sessions created by [NewFactory].
type Options struct {
	// Path of the ffmpeg binary. Default: [DefaultPath].
	Path string

	// Reconnect enables ffmpeg's HTTP reconnect flags for network sources.
	Reconnect bool

	// Logger. Default: the logger from [decode.Config], then [slog.Default].
	Logger *slog.Logger
}

// NewFactory returns a [decode.Factory] creating ffmpeg sessions.
func NewFactory(opts Options) decode.Factory {
	return func(cfg decode.Config) (decode.Session, error) {
		return New(cfg, opts)
	}
}

// New returns an idle session. Call SetURL and Start to begin decoding.
func New(cfg decode.Config, opts Options) (*Session, error) {
	return newSession(cfg, opts, exec.CommandContext)
}

type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

func newSession(cfg decode.Config, opts Options, command commandFunc) (*Session, error) {
	if cfg.Handler == nil {
		return nil, errors.New("ffmpeg: handler is required")
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	log := opts.Logger
	if log == nil {
		log = cfg.Logger
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		handler:    cfg.Handler,
		encrypt:    cfg.Encrypt,
		path:       opts.Path,
		reconnect:  opts.Reconnect,
		log:        log,
		command:    command,
		channels:   decode.Channels,
		sampleRate: decode.SampleRate,
		bitrate:    decode.Bitrate,
		filters:    defaultFilters(),
		unpaused:   closedChan(),
	}, nil
}

// Session decodes one source through ffmpeg.
//
// Methods never wait for a running [decode.Handler] callback, so they may be
// called from code that the handler itself blocks on.
type Session struct {
	handler   decode.Handler
	encrypt   bool
	path      string
	reconnect bool
	log       *slog.Logger
	command   commandFunc

	// cbMu serialises handler callbacks across runs.
	cbMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	url        string
	isFile     bool
	codec      string
	channels   int
	sampleRate int
	bitrate    int
	filters    filters
	position   time.Duration
	duration   time.Duration
	paused     bool
	unpaused   chan struct{}
	cur        *run

	cipher *voice.Cipher
	pipe   *net.UDPConn

	framesDropped atomic.Int64
	totalFrames   atomic.Int64
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// SetOutput sets the PCM layout fed to the encoder and the Opus bitrate.
// It applies to the next start.
func (s *Session) SetOutput(channels, sampleRate, bitrate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if channels > 0 {
		s.channels = channels
	}
	if sampleRate > 0 {
		s.sampleRate = sampleRate
	}
	if bitrate > 0 {
		s.bitrate = bitrate
	}
}

// SetURL sets the source. isFile marks a local path.
func (s *Session) SetURL(url string, isFile bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url, s.isFile = url, isFile
}

// SetSourceCodec records the source codec so that Opus sources can skip
// transcoding.
func (s *Session) SetSourceCodec(codec string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codec = codec
}

// Start begins decoding at the current position. It fails when ffmpeg
// cannot be launched.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return decode.ErrClosed
	}
	if s.url == "" {
		return errors.New("ffmpeg: no source set")
	}
	return s.restartLocked(true)
}

// Stop ends decoding without reporting a finish.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Close stops decoding and releases the pipe socket. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopLocked()
	if s.pipe != nil {
		err := s.pipe.Close()
		s.pipe = nil
		return err
	}
	return nil
}

// Seek moves to at, restarting ffmpeg if it runs.
func (s *Session) Seek(at time.Duration) error {
	if at < 0 {
		return fmt.Errorf("ffmpeg: negative seek position %v", at)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return decode.ErrClosed
	}
	s.position = at
	return s.reloadLocked()
}

// SetPaused pauses or resumes frame production. ffmpeg is not stopped; it
// blocks on its output pipe.
func (s *Session) SetPaused(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if paused == s.paused {
		return
	}
	s.paused = paused
	if paused {
		s.unpaused = make(chan struct{})
	} else {
		close(s.unpaused)
	}
}

// Paused reports whether frame production is paused.
func (s *Session) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetVolume sets the software gain. Leaving 1 on an Opus source switches
// from codec copy to transcoding.
func (s *Session) SetVolume(volume float64) error {
	if volume < 0 {
		return fmt.Errorf("ffmpeg: volume %v out of range", volume)
	}
	return s.updateFilters(func(f *filters) { f.volume = volume })
}

// SetBitrate sets the Opus bitrate for transcoded output.
func (s *Session) SetBitrate(bitrate int) error {
	if bitrate < minBitrate || bitrate > maxBitrate {
		return fmt.Errorf("ffmpeg: bitrate %d out of range [%d, %d]", bitrate, minBitrate, maxBitrate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bitrate = bitrate
	if s.cur != nil {
		s.cur.bitrate.Store(int64(bitrate))
	}
	return nil
}

// SetRate changes speed and pitch together.
func (s *Session) SetRate(rate float64) error {
	if rate <= 0 {
		return fmt.Errorf("ffmpeg: rate %v must be positive", rate)
	}
	return s.updateFilters(func(f *filters) { f.rate = rate })
}

// SetTempo changes speed without changing pitch.
func (s *Session) SetTempo(tempo float64) error {
	if tempo <= 0 {
		return fmt.Errorf("ffmpeg: tempo %v must be positive", tempo)
	}
	return s.updateFilters(func(f *filters) { f.tempo = tempo })
}

// SetTremolo sets the tremolo depth (0 to 1, 0 disables) and frequency in Hz.
func (s *Session) SetTremolo(depth, rate float64) error {
	if depth < 0 || depth > 1 {
		return fmt.Errorf("ffmpeg: tremolo depth %v out of range [0, 1]", depth)
	}
	if depth > 0 && (rate < 0.1 || rate > 20000) {
		return fmt.Errorf("ffmpeg: tremolo frequency %v out of range", rate)
	}
	return s.updateFilters(func(f *filters) { f.tremoloDepth, f.tremoloRate = depth, rate })
}

// SetEqualizer replaces all band gains. Bands not listed are reset to 0.
func (s *Session) SetEqualizer(bands []decode.Band) error {
	var gains [bandCount]float64
	for _, b := range bands {
		if b.Band < 0 || b.Band >= bandCount {
			return fmt.Errorf("ffmpeg: equalizer band %d out of range", b.Band)
		}
		if b.Gain < -0.25 || b.Gain > 1 {
			return fmt.Errorf("ffmpeg: equalizer gain %v out of range [-0.25, 1]", b.Gain)
		}
		gains[b.Band] = b.Gain
	}
	return s.updateFilters(func(f *filters) { f.bands = gains })
}

// Time returns the position of the last produced frame.
func (s *Session) Time() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Duration returns the source duration reported by ffmpeg, or 0.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// FramesDropped returns the frames skipped to catch up with real time.
func (s *Session) FramesDropped() int64 { return s.framesDropped.Load() }

// TotalFrames returns the frames read from ffmpeg.
func (s *Session) TotalFrames() int64 { return s.totalFrames.Load() }

// CodecCopy reports whether the running ffmpeg forwards Opus unchanged.
func (s *Session) CodecCopy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.cur.copy
}

// updateFilters applies fn and restarts a running ffmpeg when the filter
// graph or output mode changed. Volume changes on a transcoding run apply
// in place.
func (s *Session) updateFilters(fn func(f *filters)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return decode.ErrClosed
	}
	before := s.filters
	fn(&s.filters)
	if s.cur == nil {
		return nil
	}
	if s.cur.copy == s.copyLocked() && before.graph() == s.filters.graph() {
		s.cur.setVolume(s.filters.volume)
		return nil
	}
	return s.reloadLocked()
}

// reloadLocked restarts a running ffmpeg at the current position.
func (s *Session) reloadLocked() error {
	if s.cur == nil {
		return nil
	}
	return s.restartLocked(false)
}

func (s *Session) copyLocked() bool {
	return s.codec == "opus" && s.filters.neutral()
}

func (s *Session) stopLocked() {
	if s.cur != nil {
		s.cur.stop()
		s.cur = nil
	}
}
