// Package decode defines the boundary between the playback engine and the
// engine that turns a media URL into timed, encoded output frames.
//
// A [Session] decodes one stream at a time and reports through a [Handler].
// Sessions that can frame and encrypt packets themselves additionally
// implement [Delegate]; sessions that can skip transcoding for a known
// source codec implement [CodecHinter].
//
// The concrete ffmpeg-backed engine lives in the ffmpeg subpackage.
package decode

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/yasha/pkg/media"
	"github.com/MrWong99/yasha/pkg/voice"
)

// Output format every session produces unless reconfigured.
const (
	Channels   = 2
	SampleRate = 48000
	Bitrate    = 256000

	// FrameDuration is the cadence at which frames are produced.
	FrameDuration = 20 * time.Millisecond

	// FrameUnits is the number of samples per channel in one frame.
	FrameUnits = SampleRate / 1000 * 20
)

// Code classifies decode failures.
type Code int

const (
	// CodeUnknown is an unclassified failure.
	CodeUnknown Code = iota

	// CodeNetwork is a failure reading the source.
	CodeNetwork

	// CodeProcess is an unexpected exit of the decoder process.
	CodeProcess

	// CodeCodec is an encode or demux failure.
	CodeCodec

	// CodeUnplayable means the source can never be played, for example
	// because it is region blocked or gone.
	CodeUnplayable
)

// String implements [fmt.Stringer].
func (c Code) String() string {
	switch c {
	case CodeNetwork:
		return "network"
	case CodeProcess:
		return "process"
	case CodeCodec:
		return "codec"
	case CodeUnplayable:
		return "unplayable"
	default:
		return "unknown"
	}
}

// Error is a failure reported by a decode session.
type Error struct {
	Err       error
	Code      Code
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("decode: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports unplayable decode errors as [media.ErrUnplayable].
func (e *Error) Is(target error) bool {
	return target == media.ErrUnplayable && e.Code == CodeUnplayable
}

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("decode: session closed")

// Band is one equalizer band gain. Bands are numbered 0 to 14; gains range
// from -0.25 to 1.0 where 0 leaves the band unchanged.
type Band struct {
	Band int     `json:"band"`
	Gain float64 `json:"gain"`
}

// Handler receives session output. Calls for one session never overlap.
type Handler interface {
	// OnReady is called once the first frame was produced.
	OnReady()

	// OnPacket is called for every frame. frame is only valid for the
	// duration of the call; units is the frame length in samples per
	// channel. For delegating sessions frame is a complete encrypted
	// packet.
	OnPacket(frame []byte, units uint32)

	// OnFinish is called once the source is exhausted.
	OnFinish()

	// OnError is called when decoding stopped because of err.
	OnError(err *Error)

	// OnDebug receives diagnostic messages.
	OnDebug(msg string)
}

// Session decodes one stream into frames. Setters may be called before or
// after Start.
//
// Implementations must not wait for a Handler callback to return from any
// method: the caller may hold a lock that the callback is blocked on.
type Session interface {
	SetOutput(channels, sampleRate, bitrate int)
	SetURL(url string, isFile bool)

	// Start begins decoding in the background. Frames are reported to the
	// session's Handler.
	Start() error

	// Stop ends decoding without reporting OnFinish.
	Stop()

	// Close stops decoding and releases all resources.
	Close() error

	Seek(at time.Duration) error
	SetPaused(paused bool)
	Paused() bool
	SetVolume(volume float64) error
	SetBitrate(bitrate int) error
	SetRate(rate float64) error
	SetTempo(tempo float64) error
	SetTremolo(depth, rate float64) error
	SetEqualizer(bands []Band) error

	Time() time.Duration
	Duration() time.Duration
	FramesDropped() int64
	TotalFrames() int64
	CodecCopy() bool
}

// Delegate is implemented by sessions that encrypt, and optionally send,
// packets themselves.
type Delegate interface {
	// SetSecretBox installs the session cipher. A zero key with
	// [voice.ModeNone] removes it; no packets are reported until a cipher
	// is installed again.
	SetSecretBox(key [32]byte, mode voice.Mode, ssrc uint32) error

	// UpdateSecretBox overwrites the packet counters.
	UpdateSecretBox(c voice.Counters)

	// SecretBox returns the current packet counters.
	SecretBox() voice.Counters

	// Pipe sends packets to ip:port directly. An empty ip stops piping and
	// hands packets to OnPacket again.
	Pipe(ip string, port int) error
}

// CodecHinter is implemented by sessions that can skip transcoding when the
// source codec is known.
type CodecHinter interface {
	SetSourceCodec(codec string)
}

// Config is passed to a [Factory].
type Config struct {
	Handler Handler

	// Encrypt requests a session that implements [Delegate].
	Encrypt bool

	Logger *slog.Logger
}

// Factory creates sessions.
type Factory func(cfg Config) (Session, error)
