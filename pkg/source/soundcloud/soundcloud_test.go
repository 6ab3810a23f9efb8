package soundcloud_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/yasha/internal/resilience"
	"github.com/MrWong99/yasha/pkg/media"
	"github.com/MrWong99/yasha/pkg/source"
	"github.com/MrWong99/yasha/pkg/source/match"
	"github.com/MrWong99/yasha/pkg/source/soundcloud"
)

// ─── fake api ────────────────────────────────────────────────────────────────

const testClientID = "test-client"

func trackJSON(base string, id int, full bool) map[string]any {
	t := map[string]any{"kind": "track", "id": id}
	if !full {
		return t
	}
	t["title"] = "Song " + string(rune('A'+id-1))
	t["duration"] = 181500
	t["permalink_url"] = "https://soundcloud.com/artist/song"
	t["artwork_url"] = "https://i1.sndcdn.com/artworks-000123-abcdef-large.jpg"
	t["streamable"] = true
	t["user"] = map[string]any{"username": "Artist", "avatar_url": "https://i1.sndcdn.com/avatars-1-large.jpg"}
	t["media"] = map[string]any{"transcodings": []any{
		map[string]any{
			"url": base + "/media/1/mp3", "duration": 181500,
			"format": map[string]any{"protocol": "progressive", "mime_type": "audio/mpeg"},
		},
		map[string]any{
			"url": base + "/media/1/opus", "duration": 181500,
			"format": map[string]any{"protocol": "hls", "mime_type": `audio/ogg; codecs="opus"`},
		},
	}}
	return t
}

type fakeAPI struct {
	srv      *httptest.Server
	requests atomic.Int32
	fail     atomic.Bool
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	base := func(r *http.Request) string { return "http://" + r.Host }
	playlist := func(r *http.Request) map[string]any {
		return map[string]any{
			"kind": "playlist", "id": 9, "title": "Mix", "description": "late night",
			"tracks": []any{trackJSON(base(r), 1, true), trackJSON(base(r), 2, false), trackJSON(base(r), 3, false)},
		}
	}

	mux.HandleFunc("GET /resolve", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("url") {
		case "https://soundcloud.com/artist/song", "https://soundcloud.com/artist/song?si=x":
			write(w, trackJSON(base(r), 1, true))
		case "https://soundcloud.com/artist/sets/mix":
			write(w, playlist(r))
		case "https://soundcloud.com/artist":
			write(w, map[string]any{"kind": "user", "id": 5})
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("GET /tracks/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("id") {
		case "1":
			write(w, trackJSON(base(r), 1, true))
		case "7":
			write(w, map[string]any{"kind": "track", "id": 7, "title": "Preview only"})
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("GET /tracks", func(w http.ResponseWriter, r *http.Request) {
		var out []any
		for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
			switch id {
			case "2":
				out = append(out, trackJSON(base(r), 2, true))
			case "3":
				out = append(out, trackJSON(base(r), 3, true))
			}
		}
		write(w, out)
	})
	mux.HandleFunc("GET /playlists/9", func(w http.ResponseWriter, r *http.Request) {
		write(w, playlist(r))
	})
	mux.HandleFunc("GET /media/1/{format}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("format") == "mp3" {
			write(w, map[string]any{})
			return
		}
		write(w, map[string]any{"url": "https://cdn.example/1.opus?sig=abc"})
	})
	mux.HandleFunc("GET /search/tracks", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("q") == "" || r.URL.Query().Get("limit") != "20" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		write(w, map[string]any{"collection": []any{trackJSON(base(r), 1, true), trackJSON(base(r), 2, true)}})
	})

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if f.fail.Load() {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		switch r.URL.Query().Get("client_id") {
		case testClientID:
		case "":
			http.Error(w, "missing client id", http.StatusBadRequest)
			return
		default:
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func newShortlinks(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /abc", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop", http.StatusFound)
	})
	mux.HandleFunc("GET /hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://soundcloud.com/artist/song?si=x", http.StatusFound)
	})
	mux.HandleFunc("GET /loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, api *fakeAPI, opts soundcloud.Options) *soundcloud.Client {
	t.Helper()
	if opts.ClientID == "" {
		opts.ClientID = testClientID
	}
	opts.BaseURL = api.srv.URL
	if opts.ShortlinkURL == "" {
		opts.ShortlinkURL = newShortlinks(t).URL
	}
	return soundcloud.New(opts)
}

// ─── matching ────────────────────────────────────────────────────────────────

func TestSource_Match(t *testing.T) {
	t.Parallel()

	src := soundcloud.NewSource(soundcloud.New(soundcloud.Options{}))
	tests := []struct {
		input  string
		want   source.Match
		wantOK bool
	}{
		{"https://soundcloud.com/artist/song", source.Match{Kind: "url", Value: "https://soundcloud.com/artist/song"}, true},
		{"https://on.soundcloud.com/AbC12", source.Match{Kind: "shortlink", Value: "AbC12"}, true},
		{"https://soundcloud.com/", source.Match{}, false},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", source.Match{}, false},
		{"soundcloud.com/artist/song", source.Match{}, false},
		{"not a url", source.Match{}, false},
	}
	for _, tt := range tests {
		got, ok := src.Match(tt.input)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("Match(%q) = %+v, %v; want %+v, %v", tt.input, got, ok, tt.want, tt.wantOK)
		}
	}
	if _, ok := src.WeakMatch("123456"); ok {
		t.Error("WeakMatch accepted a bare id")
	}
}

// ─── resolution ──────────────────────────────────────────────────────────────

func TestResolve_Track(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t)
	src := soundcloud.NewSource(newClient(t, api, soundcloud.Options{}))

	m, _ := src.Match("https://soundcloud.com/artist/song")
	res, err := src.Resolve(context.Background(), m)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	tr, ok := res.Track.(*soundcloud.Track)
	if !ok {
		t.Fatalf("Resolve track = %T, want *soundcloud.Track", res.Track)
	}

	info := tr.Info()
	if info.Title != "Song A" || info.Author != "Artist" || info.Duration != 181.5 || tr.ID() != "1" {
		t.Errorf("info = %s by %s (%vs), id %s", info.Title, info.Author, info.Duration, tr.ID())
	}
	if tr.PermalinkURL != "https://soundcloud.com/artist/song" {
		t.Errorf("PermalinkURL = %q", tr.PermalinkURL)
	}
	wantThumbs := []media.Image{
		{URL: "https://i1.sndcdn.com/artworks-000123-abcdef-tiny.jpg", Width: 20, Height: 20},
		{URL: "https://i1.sndcdn.com/artworks-000123-abcdef-t50x50.jpg", Width: 50, Height: 50},
		{URL: "https://i1.sndcdn.com/artworks-000123-abcdef-t120x120.jpg", Width: 120, Height: 120},
		{URL: "https://i1.sndcdn.com/artworks-000123-abcdef-t200x200.jpg", Width: 200, Height: 200},
		{URL: "https://i1.sndcdn.com/artworks-000123-abcdef-t500x500.jpg", Width: 500, Height: 500},
	}
	if diff := cmp.Diff(wantThumbs, info.Thumbnails); diff != "" {
		t.Errorf("thumbnails mismatch (-want +got):\n%s", diff)
	}

	set := tr.Streams()
	if set == nil || len(set.Streams) != 2 {
		t.Fatalf("streams = %+v, want 2", set)
	}
	type streamView struct {
		Container, Codecs string
		Duration          float64
		HasAudio, HasURL  bool
	}
	var got []streamView
	for _, s := range set.Streams {
		got = append(got, streamView{s.Container, s.Codecs, s.Duration, s.HasAudio, s.URL != ""})
	}
	want := []streamView{
		{"mpeg", "mp3", 181.5, true, false},
		{"ogg", "opus", 181.5, true, false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("streams mismatch (-want +got):\n%s", diff)
	}
	if set.MaybeExpired() {
		t.Error("stream set reports expiry")
	}

	best := media.BestStream(set)
	if best == nil || best.Codecs != "opus" {
		t.Fatalf("BestStream = %+v, want the opus transcoding", best)
	}
	addr, err := best.Resolve(context.Background())
	if err != nil {
		t.Fatalf("stream Resolve: %v", err)
	}
	if addr != "https://cdn.example/1.opus?sig=abc" {
		t.Errorf("stream address = %q", addr)
	}
}

func TestResolve_TranscodingWithoutAddress(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t)
	c := newClient(t, api, soundcloud.Options{})
	set, err := c.Streams(context.Background(), "1")
	if err != nil {
		t.Fatalf("Streams: %v", err)
	}
	if _, err := set.Streams[0].Resolve(context.Background()); !errors.Is(err, media.ErrUnplayable) {
		t.Errorf("mp3 Resolve error = %v, want ErrUnplayable", err)
	}
}

func TestResolve_Shortlink(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t)
	src := soundcloud.NewSource(newClient(t, api, soundcloud.Options{}))

	res, err := src.Resolve(context.Background(), source.Match{Kind: "shortlink", Value: "abc"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Track == nil || res.Track.ID() != "1" {
		t.Errorf("shortlink resolved to %+v, want track 1", res)
	}

	_, err = src.Resolve(context.Background(), source.Match{Kind: "shortlink", Value: "loop"})
	if err == nil || !strings.Contains(err.Error(), "too many redirects") {
		t.Errorf("redirect loop error = %v", err)
	}
	_, err = src.Resolve(context.Background(), source.Match{Kind: "shortlink", Value: "missing"})
	if !errors.Is(err, soundcloud.ErrNotFound) {
		t.Errorf("missing shortlink error = %v, want ErrNotFound", err)
	}
}

func TestResolve_PlaylistFillsStubs(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t)
	src := soundcloud.NewSource(newClient(t, api, soundcloud.Options{}))

	res, err := src.Resolve(context.Background(), source.Match{Kind: "url", Value: "https://soundcloud.com/artist/sets/mix"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	list := res.Playlist
	if list == nil {
		t.Fatalf("Resolve = %+v, want playlist", res)
	}
	if list.Title != "Mix" || list.Description != "late night" || list.ID != "9" || list.Platform != soundcloud.Platform {
		t.Errorf("playlist = %+v", list)
	}
	var ids []string
	for _, tr := range list.Tracks {
		ids = append(ids, tr.ID())
		if tr.Streams() == nil {
			t.Errorf("track %s has no streams", tr.ID())
		}
	}
	if diff := cmp.Diff([]string{"1", "2", "3"}, ids); diff != "" {
		t.Errorf("track ids mismatch (-want +got):\n%s", diff)
	}

	next, err := list.Next(context.Background())
	if err != nil || next != nil {
		t.Errorf("Next() = %v, %v; want nil, nil past the end", next, err)
	}
	if err := list.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(list.Tracks) != 3 {
		t.Errorf("loaded %d tracks, want 3", len(list.Tracks))
	}
}

func TestResolve_NotATrack(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t)
	c := newClient(t, api, soundcloud.Options{})

	if _, err := c.Resolve(context.Background(), "https://soundcloud.com/artist"); !errors.Is(err, source.ErrNotATrack) {
		t.Errorf("client Resolve error = %v, want ErrNotATrack", err)
	}
	res, err := soundcloud.NewSource(c).Resolve(context.Background(),
		source.Match{Kind: "url", Value: "https://soundcloud.com/artist"})
	if err != nil || !res.Empty() {
		t.Errorf("source Resolve = %+v, %v; want empty result", res, err)
	}
}

func TestClient_Errors(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t)
	c := newClient(t, api, soundcloud.Options{})
	ctx := context.Background()

	if _, err := c.Track(ctx, "404"); !errors.Is(err, soundcloud.ErrNotFound) {
		t.Errorf("missing track error = %v, want ErrNotFound", err)
	}
	before := api.requests.Load()
	if _, err := c.Track(ctx, "not-an-id"); !errors.Is(err, soundcloud.ErrNotFound) {
		t.Errorf("invalid id error = %v, want ErrNotFound", err)
	}
	if api.requests.Load() != before {
		t.Error("invalid id reached the api")
	}
	if _, err := c.Track(ctx, "7"); !errors.Is(err, media.ErrUnplayable) {
		t.Errorf("track without transcodings error = %v, want ErrUnplayable", err)
	}

	bad := newClient(t, api, soundcloud.Options{ClientID: "revoked"})
	if _, err := bad.Track(ctx, "1"); !errors.Is(err, soundcloud.ErrUnauthorized) {
		t.Errorf("revoked client error = %v, want ErrUnauthorized", err)
	}
}

func TestTrack_FetchStreams(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t)
	c := newClient(t, api, soundcloud.Options{})
	tr, err := c.Track(context.Background(), "1")
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	set, err := tr.FetchStreams(context.Background())
	if err != nil {
		t.Fatalf("FetchStreams: %v", err)
	}
	if set == tr.Streams() {
		t.Error("FetchStreams returned the cached set")
	}
	if len(set.Streams) != 2 {
		t.Errorf("fetched %d streams, want 2", len(set.Streams))
	}
}

func TestClient_Search(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t)
	c := newClient(t, api, soundcloud.Options{})
	got, err := c.Search(context.Background(), "song", 0, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[1].Info().Title != "Song B" {
		t.Errorf("Search = %d tracks", len(got))
	}
}

func TestClient_Lookup(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t)
	c := newClient(t, api, soundcloud.Options{})
	m := match.New()

	got, err := c.Lookup(context.Background(),
		match.Query{Title: "Song A", Artists: []string{"Artist"}, Duration: 181.5}, m)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.ID() != "1" {
		t.Errorf("Lookup matched track %s, want 1", got.ID())
	}

	_, err = c.Lookup(context.Background(),
		match.Query{Title: "Song A", Artists: []string{"Artist"}, Duration: 300}, m)
	if !errors.Is(err, media.ErrUnplayable) {
		t.Errorf("Lookup with wrong duration error = %v, want ErrUnplayable", err)
	}
}

func TestClient_CircuitBreaker(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t)
	api.fail.Store(true)
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "soundcloud-test", MaxFailures: 2, ResetTimeout: time.Hour,
	})
	c := newClient(t, api, soundcloud.Options{Breaker: breaker})
	ctx := context.Background()

	for range 2 {
		_, err := c.Track(ctx, "1")
		var se *soundcloud.StatusError
		if !errors.As(err, &se) || se.Code != http.StatusBadGateway {
			t.Fatalf("Track error = %v, want 502 StatusError", err)
		}
	}
	before := api.requests.Load()
	if _, err := c.Track(ctx, "1"); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Track error = %v, want ErrCircuitOpen", err)
	}
	if api.requests.Load() != before {
		t.Error("open breaker let a request through")
	}
}
