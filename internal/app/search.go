package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/yasha/pkg/media"
	"github.com/MrWong99/yasha/pkg/source/match"
	"github.com/MrWong99/yasha/pkg/source/soundcloud"
)

// Searcher turns free text that no source claims into a track.
type Searcher interface {
	Search(ctx context.Context, query string) (media.Track, error)
}

// soundcloudSearch searches SoundCloud. "Artist - Title" queries are scored
// with the matcher; anything else plays the top result.
type soundcloudSearch struct {
	client  *soundcloud.Client
	matcher *match.Matcher
}

func (s *soundcloudSearch) Search(ctx context.Context, query string) (media.Track, error) {
	if artist, title, ok := strings.Cut(query, " - "); ok {
		t, err := s.client.Lookup(ctx, match.Query{
			Title:    strings.TrimSpace(title),
			Artists:  []string{strings.TrimSpace(artist)},
			Duration: -1,
		}, s.matcher)
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	results, err := s.client.Search(ctx, query, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("app: no results for %q: %w", query, media.ErrUnplayable)
	}
	return results[0], nil
}
