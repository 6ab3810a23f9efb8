// Package file resolves direct media addresses: http(s) URLs and file://
// paths played as-is without any platform lookup.
package file

import (
	"context"
	"fmt"
	"net/url"

	"github.com/MrWong99/yasha/pkg/media"
	"github.com/MrWong99/yasha/pkg/source"
)

// Platform is the platform name reported by file tracks.
const Platform = "file"

// Track is a direct media address. Its single stream cannot be refreshed.
type Track struct {
	*media.TrackInfo

	// URL is the address as given by the user.
	URL string

	// Local is set for file:// addresses.
	Local bool
}

var (
	_ media.Track   = (*Track)(nil)
	_ source.Source = Source{}
)

// NewTrack returns a Track for rawURL. local marks a file on disk, in which
// case rawURL is the path handed to the decoder.
func NewTrack(rawURL string, local bool) *Track {
	t := &Track{TrackInfo: media.NewTrackInfo(Platform, rawURL), URL: rawURL, Local: local}
	t.Title = rawURL

	s := media.NewStream(rawURL)
	// The container may hold anything.
	s.HasVideo, s.HasAudio = true, true
	s.IsFile = local
	s.Key = rawURL
	t.SetStreams(media.NewStreamSet(s))
	return t
}

// FetchStreams implements [media.Track]. A direct address has no listing to
// refresh, so once its stream fails the track is unplayable.
func (t *Track) FetchStreams(context.Context) (*media.StreamSet, error) {
	return nil, fmt.Errorf("file: stream expired or not available: %w", media.ErrUnplayable)
}

// Source matches http, https and file URLs.
type Source struct{}

// Name implements [source.Source].
func (Source) Name() string { return Platform }

// Match implements [source.Source].
func (Source) Match(input string) (source.Match, bool) {
	u, err := url.Parse(input)
	if err != nil || u.Host == "" && u.Scheme != "file" {
		return source.Match{}, false
	}
	switch u.Scheme {
	case "http", "https":
		return source.Match{Kind: "url", Value: input}, true
	case "file":
		if u.Path == "" {
			return source.Match{}, false
		}
		return source.Match{Kind: "path", Value: u.Path}, true
	}
	return source.Match{}, false
}

// WeakMatch implements [source.Source]. Bare strings are never treated as
// addresses.
func (Source) WeakMatch(string) (source.Match, bool) { return source.Match{}, false }

// Resolve implements [source.Source].
func (Source) Resolve(_ context.Context, m source.Match) (source.Result, error) {
	switch m.Kind {
	case "url":
		return source.Result{Track: NewTrack(m.Value, false)}, nil
	case "path":
		return source.Result{Track: NewTrack(m.Value, true)}, nil
	}
	return source.Result{}, fmt.Errorf("file: unknown match kind %q", m.Kind)
}
