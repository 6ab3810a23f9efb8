package soundcloud

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/MrWong99/yasha/pkg/media"
)

// Platform is the platform name reported by SoundCloud tracks.
const Platform = "soundcloud"

type apiUser struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

type apiTranscoding struct {
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
	Format   struct {
		Protocol string `json:"protocol"`
		MimeType string `json:"mime_type"`
	} `json:"format"`
}

type apiTrack struct {
	Kind         string  `json:"kind"`
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Duration     float64 `json:"duration"`
	PermalinkURL string  `json:"permalink_url"`
	ArtworkURL   string  `json:"artwork_url"`
	User         apiUser `json:"user"`

	// Streamable is absent on the stub entries of long playlists.
	Streamable *bool `json:"streamable"`

	Media *struct {
		Transcodings []apiTranscoding `json:"transcodings"`
	} `json:"media"`
}

// apiResource is the body of /resolve and /playlists.
type apiResource struct {
	apiTrack
	Description string     `json:"description"`
	Tracks      []apiTrack `json:"tracks"`
}

// Track is a SoundCloud track.
type Track struct {
	*media.TrackInfo

	// PermalinkURL is the public page of the track.
	PermalinkURL string

	client *Client
}

var _ media.Track = (*Track)(nil)

// FetchStreams implements [media.Track].
func (t *Track) FetchStreams(ctx context.Context) (*media.StreamSet, error) {
	return t.client.Streams(ctx, t.ID())
}

func (c *Client) newTrack(at apiTrack) *Track {
	t := &Track{
		TrackInfo:    media.NewTrackInfo(Platform, strconv.FormatInt(at.ID, 10)),
		PermalinkURL: at.PermalinkURL,
		client:       c,
	}
	t.Title = at.Title
	t.Author = at.User.Username
	t.Icons = []media.Image{{URL: at.User.AvatarURL}}
	t.Duration = at.Duration / 1000
	t.Thumbnails = thumbnails(at.ArtworkURL, at.User.AvatarURL)
	if set := c.streamSet(at); set != nil {
		t.SetStreams(set)
	}
	return t
}

// streamSet converts the transcodings of at, or returns nil when it has
// none.
func (c *Client) streamSet(at apiTrack) *media.StreamSet {
	if at.Media == nil || len(at.Media.Transcodings) == 0 {
		return nil
	}
	set := media.NewStreamSet()
	for _, tc := range at.Media.Transcodings {
		s := media.NewStream("")
		s.HasAudio = true
		s.Duration = tc.Duration / 1000
		s.Container, s.Codecs = parseMimeType(tc.Format.MimeType)
		s.Key = tc.URL
		s.Resolver = c.transcodingResolver(tc.URL)
		set.Streams = append(set.Streams, s)
	}
	return set
}

// transcodingResolver exchanges a transcoding endpoint for the media address.
func (c *Client) transcodingResolver(endpoint string) media.URLResolver {
	return func(ctx context.Context) (string, error) {
		var body struct {
			URL string `json:"url"`
		}
		if err := c.get(ctx, endpoint, nil, &body); err != nil {
			return "", fmt.Errorf("soundcloud: exchange transcoding: %w", err)
		}
		if body.URL == "" {
			return "", fmt.Errorf("soundcloud: no stream url found: %w", media.ErrUnplayable)
		}
		return body.URL, nil
	}
}

var mimeRe = regexp.MustCompile(`audio/([a-zA-Z0-9]{3,4})(?:;(?:\+| )?codecs="(.*?)")?`)

// parseMimeType splits a transcoding mime type into container and codec.
// MPEG audio without a codec parameter is mp3.
func parseMimeType(mime string) (container, codecs string) {
	m := mimeRe.FindStringSubmatch(mime)
	if m == nil {
		return "", ""
	}
	container, codecs = m[1], m[2]
	if container == "mpeg" && codecs == "" {
		codecs = "mp3"
	}
	return container, codecs
}

var artworkRe = regexp.MustCompile(`(?i)^.*/(\w+)-([-a-zA-Z0-9]+)-([a-z0-9]+)\.(jpg|png|gif).*$`)

var (
	artworkSizes = []int{20, 50, 120, 200, 500}
	visualSizes  = [][2]int{{1240, 260}, {2480, 520}}
)

// thumbnails expands a SoundCloud image URL into its size variants. URLs
// that do not follow the sized naming scheme are returned as-is.
func thumbnails(artwork, avatar string) []media.Image {
	src := artwork
	if src == "" {
		src = avatar
	}
	if src == "" {
		return nil
	}
	m := artworkRe.FindStringSubmatch(src)
	if m == nil {
		return []media.Image{{URL: src}}
	}
	kind, size := m[1], m[3]

	var out []media.Image
	if kind == "visuals" {
		for _, sz := range visualSizes {
			rep := fmt.Sprintf("t%dx%d", sz[0], sz[1])
			out = append(out, media.Image{URL: strings.Replace(src, size, rep, 1), Width: sz[0], Height: sz[1]})
		}
		return out
	}
	for _, sz := range artworkSizes {
		rep := fmt.Sprintf("t%dx%d", sz, sz)
		if kind == "artworks" && sz == 20 {
			rep = "tiny"
		}
		out = append(out, media.Image{URL: strings.Replace(src, size, rep, 1), Width: sz, Height: sz})
	}
	return out
}
