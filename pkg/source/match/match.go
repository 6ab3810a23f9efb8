// Package match picks the search result that most likely is the same
// recording as a track known only by metadata.
//
// Metadata-only catalogues (playlists exported from other services, for
// example) carry title, artists and duration but no audio. To play such a
// track a streaming platform is searched and every result is scored:
//
//   - Duration: results more than 2 s off are rejected; closer results earn
//     up to 40 points.
//   - Artist: up to 30 points when one of the track's artists appears among
//     the result's artists (Jaro-Winkler similarity) or, lacking those, in
//     the uploader name.
//   - Title: up to 10 points for the longest word-aligned prefix of the
//     track title found in the result title.
//   - Rank: up to 20 points for the position in the search results.
//
// The best result scoring at least the acceptance threshold wins.
package match

import (
	"math"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultThreshold        = 1.0 / 2
	defaultLooseThreshold   = 1.0 / 3
	defaultArtistSimilarity = 0.92

	// maxDurationDiff is the largest accepted duration difference in seconds.
	maxDurationDiff = 2
)

// Query describes the track being looked for.
type Query struct {
	Title   string
	Artists []string

	// Duration in seconds, -1 when unknown.
	Duration float64
}

// Candidate is one search result.
type Candidate struct {
	Title string

	// Author is the uploader or channel name.
	Author string

	// Artists credited on the result, if the platform lists them.
	Artists []string

	// Duration in seconds, -1 when unknown.
	Duration float64
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithThreshold sets the minimum score for results from music-aware
// searches. Default: 0.5.
func WithThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.threshold = threshold
	}
}

// WithLooseThreshold sets the minimum score for results from general video
// searches, where titles rarely follow "artist - title". Default: 1/3.
func WithLooseThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.looseThreshold = threshold
	}
}

// WithArtistSimilarity sets the Jaro-Winkler similarity at which two artist
// names are considered the same. Default: 0.92.
func WithArtistSimilarity(similarity float64) Option {
	return func(m *Matcher) {
		m.artistSimilarity = similarity
	}
}

// Matcher scores search results against a [Query]. It is read-only after
// construction and safe for concurrent use.
type Matcher struct {
	threshold        float64
	looseThreshold   float64
	artistSimilarity float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		threshold:        defaultThreshold,
		looseThreshold:   defaultLooseThreshold,
		artistSimilarity: defaultArtistSimilarity,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Best returns the index and score of the best candidate meeting the
// threshold. Candidates are assumed to be in search order. loose selects
// the loose threshold. ok is false when no candidate qualifies.
func (m *Matcher) Best(q Query, candidates []Candidate, loose bool) (index int, score float64, ok bool) {
	threshold := m.threshold
	if loose {
		threshold = m.looseThreshold
	}
	index = -1
	n := float64(len(candidates))
	for i, c := range candidates {
		rank := (n - float64(i)) / n
		s := m.Score(q, c, rank)
		if s >= threshold && s > score {
			index, score = i, s
		}
	}
	if index == -1 {
		return -1, 0, false
	}
	return index, score, true
}

// Score rates c against q in [0, 1]. rank is the candidate's position
// weight, 1 for the first search result.
func (m *Matcher) Score(q Query, c Candidate, rank float64) float64 {
	var score float64

	if q.Duration >= 0 && c.Duration >= 0 {
		diff := math.Abs(math.Ceil(q.Duration) - c.Duration)
		if diff > maxDurationDiff {
			return 0
		}
		score += 40 * (1 - diff/maxDurationDiff)
	}

	score += 30 * m.artistScore(q.Artists, c)

	if title := []rune(strings.ToLower(c.Title)); len(title) > 0 {
		score += 10 * float64(wordMatch(c.Title, q.Title)) / float64(len(title))
	}
	score += 20 * rank

	return score / 100
}

// artistScore returns the artist share of the score in [0, 1].
func (m *Matcher) artistScore(artists []string, c Candidate) float64 {
	if len(c.Artists) == 0 {
		author := []rune(c.Author)
		for _, a := range artists {
			if wordMatch(c.Author, a) > 0 {
				return min(1, float64(len([]rune(a)))/float64(len(author)))
			}
		}
		return 0
	}

	n := float64(max(len(artists), len(c.Artists)))
	var score float64
	for _, a := range artists {
		a = strings.ToLower(a)
		for _, ca := range c.Artists {
			if m.sameArtist(a, strings.ToLower(ca)) {
				score += 1 / n
				break
			}
		}
	}
	return score
}

func (m *Matcher) sameArtist(a, b string) bool {
	if a == b {
		return true
	}
	return matchr.JaroWinkler(a, b, false) >= m.artistSimilarity
}

// wordMatch returns the length in runes of the longest prefix of small
// contained in big, shortened to the last word boundary unless the whole of
// small matched. Comparison ignores case.
func wordMatch(big, small string) int {
	b := strings.ToLower(big)
	s := []rune(strings.ToLower(small))
	if len(b) == 0 || len(s) == 0 || boundary(s[0]) {
		return 0
	}

	// Containment is monotonic in prefix length.
	l, r := 0, len(s)
	for l < r {
		mid := (l + r + 1) / 2
		if strings.Contains(b, string(s[:mid])) {
			l = mid
		} else {
			r = mid - 1
		}
	}
	if l == len(s) {
		return l
	}
	for i := l - 1; i > 0; i-- {
		if boundary(s[i]) {
			return i
		}
	}
	return 0
}

func boundary(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsNumber(r)
}
