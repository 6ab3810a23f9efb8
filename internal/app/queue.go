package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/yasha/pkg/media"
)

// Queue holds the tracks waiting to be played. Playlists are paged in
// lazily: the next page is fetched only once the loaded tracks ran out.
// It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	tracks  []media.Track
	pending *media.Playlist
}

// Push appends tracks.
func (q *Queue) Push(tracks ...media.Track) {
	q.mu.Lock()
	q.tracks = append(q.tracks, tracks...)
	q.mu.Unlock()
}

// PushPlaylist appends the loaded page of p and remembers its continuation.
// A playlist linked at a specific track is loaded in full so that playback
// starts there. Only one continuation is kept; a later playlist replaces the
// pending pages of an earlier one.
func (q *Queue) PushPlaylist(ctx context.Context, p *media.Playlist) error {
	if p.FirstTrack != nil {
		if err := p.Load(ctx); err != nil {
			return fmt.Errorf("app: queue playlist: %w", err)
		}
		q.Push(p.Tracks...)
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracks = append(q.tracks, p.Tracks...)
	q.pending = p
	return nil
}

// Next pops the first track. ok is false when the queue and every pending
// playlist page are exhausted.
func (q *Queue) Next(ctx context.Context) (track media.Track, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.tracks) == 0 && q.pending != nil {
		page, err := q.pending.Next(ctx)
		if err != nil {
			q.pending = nil
			return nil, false, fmt.Errorf("app: next playlist page: %w", err)
		}
		if page == nil || len(page.Tracks) == 0 {
			q.pending = nil
			break
		}
		q.tracks = append(q.tracks, page.Tracks...)
		q.pending = page
	}
	if len(q.tracks) == 0 {
		return nil, false, nil
	}
	track = q.tracks[0]
	q.tracks[0] = nil
	q.tracks = q.tracks[1:]
	return track, true, nil
}

// Len returns the number of loaded tracks; pages not fetched yet are not
// counted.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracks)
}

// Clear drops all tracks and pending pages.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.tracks = nil
	q.pending = nil
	q.mu.Unlock()
}
