package match

import (
	"math"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestWordMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		big, small string
		want       int
	}{
		{"Hello World Remastered", "hello world", 11},
		{"Hello Worlds", "Hello World!", 5},
		{"abc", " x", 0},
		{"", "x", 0},
		{"xyz", "abc", 0},
		{"Hello", "Help me", 0},
		{"Café del Mar", "café", 4},
	}
	for _, tt := range tests {
		if got := wordMatch(tt.big, tt.small); got != tt.want {
			t.Errorf("wordMatch(%q, %q) = %d, want %d", tt.big, tt.small, got, tt.want)
		}
	}
}

func TestMatcher_Score(t *testing.T) {
	t.Parallel()

	m := New()
	q := Query{Title: "Song", Artists: []string{"Artist"}, Duration: 200}

	tests := []struct {
		name string
		q    Query
		c    Candidate
		rank float64
		want float64
	}{
		{"perfect", q, Candidate{Title: "Song", Artists: []string{"Artist"}, Duration: 200}, 1, 1},
		{"one second off", q, Candidate{Title: "Song", Artists: []string{"Artist"}, Duration: 201}, 1, 0.8},
		{"too far off", q, Candidate{Title: "Song", Artists: []string{"Artist"}, Duration: 203}, 1, 0},
		{"fractional duration rounds up", Query{Title: "Song", Artists: []string{"Artist"}, Duration: 199.2},
			Candidate{Title: "Song", Artists: []string{"Artist"}, Duration: 200}, 1, 1},
		{"unknown duration", Query{Title: "Song", Artists: []string{"Artist"}, Duration: -1},
			Candidate{Title: "Song", Artists: []string{"Artist"}, Duration: 200}, 1, 0.6},
		{"uploader name", q, Candidate{Title: "Song", Author: "Artist", Duration: 200}, 1, 1},
		{"partial uploader name", q, Candidate{Title: "Song", Author: "Artist - Topic", Duration: 200}, 1,
			(40 + 30*6.0/14 + 10 + 20) / 100},
		{"one of two artists", Query{Title: "Song", Artists: []string{"Artist", "Guest"}, Duration: 200},
			Candidate{Title: "Song", Artists: []string{"Artist"}, Duration: 200}, 1, (40 + 15 + 10 + 20) / 100.0},
		{"rank weight", q, Candidate{Title: "Song", Artists: []string{"Artist"}, Duration: 200}, 0.5, 0.9},
		{"empty title", q, Candidate{Artists: []string{"Artist"}, Duration: 200}, 1, 0.9},
	}
	for _, tt := range tests {
		if got := m.Score(tt.q, tt.c, tt.rank); !approx(got, tt.want) {
			t.Errorf("%s: Score = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMatcher_ArtistSimilarity(t *testing.T) {
	t.Parallel()

	q := Query{Title: "Song", Artists: []string{"Guns N Roses"}, Duration: -1}
	c := Candidate{Title: "Song", Artists: []string{"Guns N' Roses"}, Duration: -1}

	if got := New().Score(q, c, 0); !approx(got, 0.4) {
		t.Errorf("similar artist: Score = %v, want 0.4", got)
	}
	if got := New(WithArtistSimilarity(1)).Score(q, c, 0); !approx(got, 0.1) {
		t.Errorf("exact-only artist: Score = %v, want 0.1", got)
	}
	c.Artists = []string{"Metallica"}
	if got := New().Score(q, c, 0); !approx(got, 0.1) {
		t.Errorf("different artist: Score = %v, want 0.1", got)
	}
}

func TestMatcher_Best(t *testing.T) {
	t.Parallel()

	q := Query{Title: "Song", Artists: []string{"Artist"}, Duration: 200}
	candidates := []Candidate{
		{Title: "Song", Artists: []string{"Artist"}, Duration: 300},
		{Title: "Song (Live)", Artists: []string{"Other"}, Duration: 200},
		{Title: "Song", Artists: []string{"Artist"}, Duration: 200},
	}

	idx, score, ok := New().Best(q, candidates, false)
	if !ok || idx != 2 {
		t.Fatalf("Best = %d, %v, %v; want 2", idx, score, ok)
	}
	if want := (40 + 30 + 10 + 20.0/3) / 100; !approx(score, want) {
		t.Errorf("score = %v, want %v", score, want)
	}

	if _, _, ok := New(WithThreshold(0.9)).Best(q, candidates, false); ok {
		t.Error("Best accepted a candidate below the threshold")
	}
	if _, _, ok := New().Best(q, nil, false); ok {
		t.Error("Best accepted an empty candidate list")
	}
}

func TestMatcher_LooseThreshold(t *testing.T) {
	t.Parallel()

	q := Query{Title: "Song", Artists: []string{"Artist"}, Duration: -1}
	// 10*4/11 + 30*0.5 + 20 = 38.6 points.
	candidates := []Candidate{{Title: "Song (Live)", Author: "Artist Music", Duration: -1}}

	m := New()
	if _, _, ok := m.Best(q, candidates, false); ok {
		t.Error("strict threshold accepted a 0.39 candidate")
	}
	idx, _, ok := m.Best(q, candidates, true)
	if !ok || idx != 0 {
		t.Errorf("loose Best = %d, %v; want 0, true", idx, ok)
	}
	if _, _, ok := New(WithLooseThreshold(0.5)).Best(q, candidates, true); ok {
		t.Error("raised loose threshold still accepted the candidate")
	}
}
