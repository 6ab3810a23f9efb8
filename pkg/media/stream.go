// Package media defines the platform-neutral description of playable audio:
// encoded renditions ([Stream]), the set of renditions fetched for one track
// ([StreamSet]), and the [Track] and [Playlist] contracts that platform
// sources implement.
//
// Values in this package carry no behaviour beyond selection and expiry; the
// playback engine in package player consumes them and the sources in package
// source produce them.
package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrUnplayable is returned (possibly wrapped) when a track has no usable
// stream, or when a source or decoder reports the media as permanently
// unavailable (age-restricted, region-blocked, removed).
var ErrUnplayable = errors.New("media: track is unplayable")

// MaybeExpiredMargin is how long before its hard expiry a [StreamSet] starts
// reporting [StreamSet.MaybeExpired].
const MaybeExpiredMargin = time.Minute

// URLResolver exchanges a platform token for the final media address. It is
// used by platforms whose stream listings do not carry direct URLs.
type URLResolver func(ctx context.Context) (string, error)

// Stream describes one encoded rendition of a track.
//
// All fields except URL and Volume are fixed once the stream has been listed
// by its source. URL may start empty and be filled in after [Stream.Resolve];
// Volume is attached by [BestStream] from the owning [StreamSet].
type Stream struct {
	// URL is the media address. Empty until resolved for lazily addressed
	// streams.
	URL string

	HasVideo bool
	HasAudio bool

	// Bitrate in bits per second, -1 when unknown.
	Bitrate int64

	// Duration in seconds, -1 when unknown.
	Duration float64

	// Container is the container short name (e.g. "webm", "mp4", "ogg").
	Container string

	// Codecs is the primary codec (e.g. "opus", "aac", "mp3").
	Codecs string

	// DefaultAudioTrack is set for the original-language audio track when a
	// platform offers several dubbed tracks.
	DefaultAudioTrack bool

	// IsFile marks a local file path rather than a network address.
	IsFile bool

	// Volume is the normalisation gain copied from the stream set, in (0, 1].
	Volume float64

	// Key gives the stream content equality. Two streams with the same
	// non-empty Key are considered equal.
	Key string

	// Resolver, if non-nil, produces URL on demand.
	Resolver URLResolver
}

// NewStream returns a Stream for url with unknown bitrate and duration.
func NewStream(url string) *Stream {
	return &Stream{URL: url, Bitrate: -1, Duration: -1}
}

// Equal reports whether s and other describe the same rendition. Streams are
// compared by identity unless both carry the same non-empty Key.
func (s *Stream) Equal(other *Stream) bool {
	if s == other {
		return true
	}
	if s == nil || other == nil {
		return false
	}
	return s.Key != "" && s.Key == other.Key
}

// Resolve returns the stream's media address, calling the Resolver when the
// URL is not yet known. Resolve does not store the result; callers that own
// the stream decide whether to cache it in URL.
func (s *Stream) Resolve(ctx context.Context) (string, error) {
	if s.URL != "" {
		return s.URL, nil
	}
	if s.Resolver == nil {
		return "", fmt.Errorf("media: stream has no address: %w", ErrUnplayable)
	}
	url, err := s.Resolver(ctx)
	if err != nil {
		return "", err
	}
	if url == "" {
		return "", fmt.Errorf("media: resolver returned empty address: %w", ErrUnplayable)
	}
	return url, nil
}

// Invalidate drops a resolved address so that the next [Stream.Resolve]
// exchanges the token again. Streams without a Resolver keep their URL.
func (s *Stream) Invalidate() {
	if s.Resolver != nil {
		s.URL = ""
	}
}

// StreamSet is the ordered list of renditions fetched for one track together
// with attributes shared by all of them.
type StreamSet struct {
	Streams []*Stream

	// Volume is the loudness normalisation gain for the track, in (0, 1].
	Volume float64

	// Live marks a live broadcast.
	Live bool

	// FetchedAt is when the listing was retrieved.
	FetchedAt time.Time

	// ExpiresAt is when stream addresses stop working. The zero value means
	// the set never expires.
	ExpiresAt time.Time
}

// NewStreamSet returns a StreamSet with unit volume fetched now.
func NewStreamSet(streams ...*Stream) *StreamSet {
	return &StreamSet{Streams: streams, Volume: 1, FetchedAt: time.Now()}
}

// Expired reports whether the set's addresses are known to be stale.
func (ss *StreamSet) Expired() bool {
	return ss.expiredAt(time.Now())
}

// MaybeExpired reports whether the set is expired or will expire within
// [MaybeExpiredMargin].
func (ss *StreamSet) MaybeExpired() bool {
	return ss.expiredAt(time.Now().Add(MaybeExpiredMargin))
}

func (ss *StreamSet) expiredAt(t time.Time) bool {
	if ss == nil {
		return true
	}
	return !ss.ExpiresAt.IsZero() && t.After(ss.ExpiresAt)
}

// LoudnessVolume converts a platform loudness measurement (dB relative to
// the reference level) into a normalisation gain capped at 1.
func LoudnessVolume(loudnessDB float64) float64 {
	return min(1, math.Pow(10, -loudnessDB/20))
}
