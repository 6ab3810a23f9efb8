package media

import (
	"context"
	"fmt"
	"sync"
)

// Image is a thumbnail or avatar reference.
type Image struct {
	URL    string
	Width  int
	Height int
}

// Track is a playable item produced by a platform source.
//
// Implementations embed [*TrackInfo] for the metadata and stream cache and
// supply FetchStreams. All methods must be safe for concurrent use.
type Track interface {
	// Platform names the source platform (e.g. "soundcloud", "file").
	Platform() string

	// ID is the platform-specific identifier. It may be empty.
	ID() string

	// Info returns the track metadata.
	Info() *TrackInfo

	// Streams returns the cached stream set, or nil if none is cached.
	Streams() *StreamSet

	// SetStreams replaces the cached stream set. nil clears it.
	SetStreams(set *StreamSet)

	// FetchStreams retrieves a fresh stream listing from the platform. It
	// does not update the cache.
	FetchStreams(ctx context.Context) (*StreamSet, error)

	// Equal reports whether other refers to the same platform item.
	Equal(other Track) bool
}

// TrackInfo holds the metadata shared by every [Track] implementation. Embed
// a *TrackInfo to inherit the Platform, ID, Info, Streams, SetStreams and
// Equal methods.
type TrackInfo struct {
	Source  string
	TrackID string

	Title  string
	Author string
	Icons  []Image

	Thumbnails []Image

	// Duration in seconds, -1 when unknown.
	Duration float64

	// Playable is false when the platform lists the track but does not
	// serve audio for it (e.g. metadata-only catalogues).
	Playable bool

	mu      sync.Mutex
	streams *StreamSet
}

// NewTrackInfo returns playable TrackInfo for a platform with unknown
// duration.
func NewTrackInfo(platform, id string) *TrackInfo {
	return &TrackInfo{Source: platform, TrackID: id, Duration: -1, Playable: true}
}

// Platform implements [Track].
func (ti *TrackInfo) Platform() string { return ti.Source }

// ID implements [Track].
func (ti *TrackInfo) ID() string { return ti.TrackID }

// Info implements [Track].
func (ti *TrackInfo) Info() *TrackInfo { return ti }

// Streams implements [Track].
func (ti *TrackInfo) Streams() *StreamSet {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.streams
}

// SetStreams implements [Track].
func (ti *TrackInfo) SetStreams(set *StreamSet) {
	ti.mu.Lock()
	ti.streams = set
	ti.mu.Unlock()
}

// Equal implements [Track]. Tracks are equal when they share platform and a
// non-empty ID.
func (ti *TrackInfo) Equal(other Track) bool {
	if other == nil {
		return false
	}
	if ti == other.Info() {
		return true
	}
	return ti.TrackID != "" && ti.Source == other.Platform() && ti.TrackID == other.ID()
}

// String returns "platform:id title" for logging.
func (ti *TrackInfo) String() string {
	return fmt.Sprintf("%s:%s %q", ti.Source, ti.TrackID, ti.Title)
}

// PageFunc fetches the page following the current one. It returns nil, nil
// when there are no further pages.
type PageFunc func(ctx context.Context) (*Playlist, error)

// Playlist is a page of tracks from a platform playlist or album, with a
// continuation for the following page.
type Playlist struct {
	Platform    string
	ID          string
	Title       string
	Description string

	Tracks []Track

	// FirstTrack, when set, is the track the caller linked to. [Playlist.Load]
	// rotates the loaded list so that it starts there.
	FirstTrack Track

	next PageFunc
}

// NewPlaylist returns a Playlist page whose continuation is next. next may be
// nil for single-page playlists.
func NewPlaylist(tracks []Track, next PageFunc) *Playlist {
	return &Playlist{Tracks: tracks, next: next}
}

// Next fetches the following page, or returns nil, nil on the last page.
func (p *Playlist) Next(ctx context.Context) (*Playlist, error) {
	if p.next == nil {
		return nil, nil
	}
	return p.next(ctx)
}

// Load follows every continuation and appends all pages to p.Tracks. When
// FirstTrack is set the result starts at it: tracks before it are dropped, or
// it is prepended if no loaded track equals it. On error p keeps the pages
// loaded so far.
func (p *Playlist) Load(ctx context.Context) error {
	page, err := p.Next(ctx)
	for err == nil && page != nil && len(page.Tracks) > 0 {
		p.Tracks = append(p.Tracks, page.Tracks...)
		p.next = page.next
		page, err = page.Next(ctx)
	}
	if err != nil {
		return fmt.Errorf("media: load playlist %q: %w", p.ID, err)
	}
	p.next = nil

	if p.FirstTrack != nil {
		idx := -1
		for i, t := range p.Tracks {
			if t.Equal(p.FirstTrack) {
				idx = i
				break
			}
		}
		if idx == -1 {
			p.Tracks = append([]Track{p.FirstTrack}, p.Tracks...)
		} else {
			p.Tracks = p.Tracks[idx:]
		}
	}
	return nil
}
