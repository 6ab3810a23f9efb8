package soundcloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MrWong99/yasha/pkg/media"
	"github.com/MrWong99/yasha/pkg/source"
	"github.com/MrWong99/yasha/pkg/source/match"
)

const (
	// PlaylistPageSize is the number of tracks per playlist page.
	PlaylistPageSize = 50

	// idsPerRequest bounds the ids of one /tracks lookup.
	idsPerRequest = 50

	maxRedirects = 5

	// webHost is the host of canonical track and playlist pages.
	webHost = "soundcloud.com"
)

func validID(id string) error {
	if id == "" {
		return ErrNotFound
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return ErrNotFound
	}
	return nil
}

// Track fetches the track with the given numeric id.
func (c *Client) Track(ctx context.Context, id string) (*Track, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var at apiTrack
	if err := c.apiGet(ctx, "tracks/"+id, nil, &at); err != nil {
		return nil, fmt.Errorf("soundcloud: track %s: %w", id, err)
	}
	t := c.newTrack(at)
	if t.Streams() == nil {
		return nil, fmt.Errorf("soundcloud: track %s has no streams: %w", id, media.ErrUnplayable)
	}
	return t, nil
}

// Streams fetches a fresh stream listing for the track with the given id.
func (c *Client) Streams(ctx context.Context, id string) (*media.StreamSet, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var at apiTrack
	if err := c.apiGet(ctx, "tracks/"+id, nil, &at); err != nil {
		return nil, fmt.Errorf("soundcloud: streams %s: %w", id, err)
	}
	set := c.streamSet(at)
	if set == nil {
		return nil, fmt.Errorf("soundcloud: track %s has no streams: %w", id, media.ErrUnplayable)
	}
	return set, nil
}

// Resolve looks up a soundcloud.com page URL.
func (c *Client) Resolve(ctx context.Context, pageURL string) (source.Result, error) {
	var res apiResource
	if err := c.apiGet(ctx, "resolve", url.Values{"url": {pageURL}}, &res); err != nil {
		return source.Result{}, fmt.Errorf("soundcloud: resolve %s: %w", pageURL, err)
	}
	switch res.Kind {
	case "track":
		return source.Result{Track: c.newTrack(res.apiTrack)}, nil
	case "playlist":
		list, err := c.playlistPage(ctx, res, 0, PlaylistPageSize)
		if err != nil {
			return source.Result{}, err
		}
		return source.Result{Playlist: list}, nil
	}
	return source.Result{}, fmt.Errorf("soundcloud: unsupported kind %q: %w", res.Kind, source.ErrNotATrack)
}

// ResolveShortlink follows an on.soundcloud.com short link to its page and
// resolves that.
func (c *Client) ResolveShortlink(ctx context.Context, id string) (source.Result, error) {
	noRedirect := *c.http
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	cur, err := url.Parse(c.shortlinkURL + "/" + url.PathEscape(id))
	if err != nil {
		return source.Result{}, fmt.Errorf("soundcloud: shortlink %q: %w", id, err)
	}
	for range maxRedirects {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cur.String(), nil)
		if err != nil {
			return source.Result{}, fmt.Errorf("soundcloud: shortlink %q: %w", id, err)
		}
		var resp *http.Response
		err = c.breaker.Execute(func() error {
			var err error
			resp, err = noRedirect.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode >= 500 {
				return &StatusError{Code: resp.StatusCode}
			}
			return nil
		})
		if err != nil {
			return source.Result{}, fmt.Errorf("soundcloud: shortlink %q: %w", id, err)
		}
		c.record(ctx, "shortlink", resp.StatusCode)

		if resp.StatusCode == http.StatusNotFound {
			return source.Result{}, fmt.Errorf("soundcloud: shortlink %q: %w", id, ErrNotFound)
		}
		loc := resp.Header.Get("Location")
		if (resp.StatusCode != http.StatusFound && resp.StatusCode != http.StatusMovedPermanently) || loc == "" {
			return source.Result{}, fmt.Errorf("soundcloud: shortlink %q: %w", id, &StatusError{Code: resp.StatusCode})
		}
		next, err := cur.Parse(loc)
		if err != nil {
			return source.Result{}, fmt.Errorf("soundcloud: shortlink %q: invalid redirect %q: %w", id, loc, err)
		}
		if next.Hostname() == webHost && len(next.Path) > 1 {
			return c.Resolve(ctx, next.String())
		}
		cur = next
	}
	return source.Result{}, fmt.Errorf("soundcloud: shortlink %q: too many redirects", id)
}

// Playlist fetches one page of the playlist with the given id starting at
// offset. It returns nil, nil when offset is past the end.
func (c *Client) Playlist(ctx context.Context, id string, offset, limit int) (*media.Playlist, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	var res apiResource
	if err := c.apiGet(ctx, "playlists/"+id, nil, &res); err != nil {
		return nil, fmt.Errorf("soundcloud: playlist %s: %w", id, err)
	}
	return c.playlistPage(ctx, res, offset, limit)
}

// playlistPage builds the page of list starting at offset. Long playlists
// only carry full entries for their first tracks; the stubs after them are
// looked up by id in batches until limit tracks are covered.
func (c *Client) playlistPage(ctx context.Context, list apiResource, offset, limit int) (*media.Playlist, error) {
	if offset >= len(list.Tracks) {
		return nil, nil
	}

	var tracks []media.Track
	unresolved := -1
	for i := offset; i < len(list.Tracks); i++ {
		if list.Tracks[i].Streamable == nil {
			unresolved = i
			break
		}
		tracks = append(tracks, c.newTrack(list.Tracks[i]))
	}

	end := len(list.Tracks)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	for unresolved != -1 && unresolved < end {
		batch := list.Tracks[unresolved:min(unresolved+idsPerRequest, len(list.Tracks))]
		ids := make([]string, len(batch))
		for i, t := range batch {
			ids[i] = strconv.FormatInt(t.ID, 10)
		}
		var full []apiTrack
		if err := c.apiGet(ctx, "tracks", url.Values{"ids": {strings.Join(ids, ",")}}, &full); err != nil {
			return nil, fmt.Errorf("soundcloud: playlist %d tracks: %w", list.ID, err)
		}
		if len(full) == 0 {
			break
		}
		for _, at := range full {
			tracks = append(tracks, c.newTrack(at))
		}
		unresolved += len(full)
	}

	id := strconv.FormatInt(list.ID, 10)
	next := offset + len(tracks)
	page := media.NewPlaylist(tracks, func(ctx context.Context) (*media.Playlist, error) {
		return c.Playlist(ctx, id, next, PlaylistPageSize)
	})
	page.Platform = Platform
	page.ID = id
	if offset == 0 {
		page.Title = list.Title
		page.Description = list.Description
	}
	return page, nil
}

// Search returns up to limit tracks matching query, starting at offset.
func (c *Client) Search(ctx context.Context, query string, offset, limit int) ([]*Track, error) {
	if limit <= 0 {
		limit = 20
	}
	var body struct {
		Collection []apiTrack `json:"collection"`
	}
	q := url.Values{
		"q":      {query},
		"offset": {strconv.Itoa(offset)},
		"limit":  {strconv.Itoa(limit)},
	}
	if err := c.apiGet(ctx, "search/tracks", q, &body); err != nil {
		return nil, fmt.Errorf("soundcloud: search %q: %w", query, err)
	}
	out := make([]*Track, 0, len(body.Collection))
	for _, at := range body.Collection {
		out = append(out, c.newTrack(at))
	}
	return out, nil
}

// Lookup searches for the recording described by q and returns the best
// scoring result. It fails with [media.ErrUnplayable] when nothing scores
// above the loose threshold of m.
func (c *Client) Lookup(ctx context.Context, q match.Query, m *match.Matcher) (*Track, error) {
	text := q.Title
	if len(q.Artists) > 0 {
		text = strings.Join(q.Artists, ", ") + " - " + q.Title
	}
	results, err := c.Search(ctx, strings.ToLower(text), 0, 0)
	if err != nil {
		return nil, err
	}
	candidates := make([]match.Candidate, len(results))
	for i, t := range results {
		info := t.Info()
		candidates[i] = match.Candidate{Title: info.Title, Author: info.Author, Duration: info.Duration}
	}
	// Uploaders title their tracks freely, as on general video sites.
	idx, score, ok := m.Best(q, candidates, true)
	if !ok {
		return nil, fmt.Errorf("soundcloud: no match for %q: %w", text, media.ErrUnplayable)
	}
	c.log.Debug("soundcloud: matched track", "query", text, "id", results[idx].ID(), "score", score)
	return results[idx], nil
}

// Source adapts a [Client] to [source.Source].
type Source struct {
	client *Client
}

var _ source.Source = (*Source)(nil)

// NewSource returns a Source backed by c.
func NewSource(c *Client) *Source { return &Source{client: c} }

// Name implements [source.Source].
func (s *Source) Name() string { return Platform }

// Match implements [source.Source]. It accepts soundcloud.com pages and
// on.soundcloud.com short links.
func (s *Source) Match(input string) (source.Match, bool) {
	u, err := url.Parse(input)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || len(u.Path) <= 1 {
		return source.Match{}, false
	}
	switch u.Hostname() {
	case webHost:
		return source.Match{Kind: "url", Value: u.String()}, true
	case "on." + webHost:
		return source.Match{Kind: "shortlink", Value: u.Path[1:]}, true
	}
	return source.Match{}, false
}

// WeakMatch implements [source.Source]. SoundCloud has no bare identifiers
// worth guessing.
func (s *Source) WeakMatch(string) (source.Match, bool) { return source.Match{}, false }

// Resolve implements [source.Source]. Links to anything other than a track
// or playlist resolve to an empty result.
func (s *Source) Resolve(ctx context.Context, m source.Match) (source.Result, error) {
	var (
		res source.Result
		err error
	)
	switch m.Kind {
	case "url":
		res, err = s.client.Resolve(ctx, m.Value)
	case "shortlink":
		res, err = s.client.ResolveShortlink(ctx, m.Value)
	default:
		return source.Result{}, fmt.Errorf("soundcloud: unknown match kind %q", m.Kind)
	}
	if errors.Is(err, source.ErrNotATrack) {
		return source.Result{}, nil
	}
	return res, err
}
