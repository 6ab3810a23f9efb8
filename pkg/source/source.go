// Package source turns user input (URLs, bare platform identifiers) into
// playable [media.Track] values or [media.Playlist] pages.
//
// Each platform implements [Source]. A [Registry] tries its sources in order:
// strict URL matches first, then, when asked to, weak matches such as bare
// identifiers. Errors from weak matches are swallowed because the input was
// only a guess.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/yasha/pkg/media"
)

const tracerName = "github.com/MrWong99/yasha/pkg/source"

// ErrNotATrack is returned when a link resolves to something that is neither
// a track nor a playlist (a user profile, for instance).
var ErrNotATrack = errors.New("source: link does not lead to a track")

// Match is what a [Source] extracted from an input. Kind is source-specific
// ("url", "shortlink", "id", ...) and Value carries the matched part.
type Match struct {
	Kind  string
	Value string
}

// Result is the outcome of a resolution: exactly one of Track and Playlist
// is set, or neither when nothing matched.
type Result struct {
	Track    media.Track
	Playlist *media.Playlist
}

// Empty reports whether the result carries neither a track nor a playlist.
func (r Result) Empty() bool { return r.Track == nil && r.Playlist == nil }

// Source is one platform.
type Source interface {
	// Name identifies the platform in logs and traces.
	Name() string

	// Match reports whether input is unambiguously addressed to this source.
	Match(input string) (Match, bool)

	// WeakMatch reports whether input could plausibly belong to this source.
	WeakMatch(input string) (Match, bool)

	// Resolve fetches the track or playlist m refers to.
	Resolve(ctx context.Context, m Match) (Result, error)
}

// Registry resolves inputs against an ordered list of sources.
type Registry struct {
	sources []Source
	log     *slog.Logger
	tracer  trace.Tracer
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithLogger sets the registry logger. Default: slog.Default().
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// WithTracer overrides the tracer used for resolution spans.
func WithTracer(t trace.Tracer) RegistryOption {
	return func(r *Registry) { r.tracer = t }
}

// NewRegistry returns a Registry trying sources in the given order.
func NewRegistry(sources []Source, opts ...RegistryOption) *Registry {
	r := &Registry{
		sources: sources,
		log:     slog.Default(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Sources returns the registered sources in resolution order.
func (r *Registry) Sources() []Source {
	return append([]Source(nil), r.sources...)
}

// Resolve resolves input with the first source whose Match accepts it. When
// no source matches strictly and weak is set, the first source whose
// WeakMatch accepts it is tried and its error, if any, is discarded. An
// empty Result with a nil error means nothing matched.
func (r *Registry) Resolve(ctx context.Context, input string, weak bool) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "source.Resolve",
		trace.WithAttributes(attribute.Bool("weak", weak)))
	defer span.End()

	for _, s := range r.sources {
		m, ok := s.Match(input)
		if !ok {
			continue
		}
		span.SetAttributes(attribute.String("source", s.Name()), attribute.String("match", m.Kind))
		res, err := s.Resolve(ctx, m)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return Result{}, fmt.Errorf("source: %s: %w", s.Name(), err)
		}
		return res, nil
	}
	if !weak {
		return Result{}, nil
	}

	for _, s := range r.sources {
		m, ok := s.WeakMatch(input)
		if !ok {
			continue
		}
		span.SetAttributes(attribute.String("source", s.Name()), attribute.String("match", m.Kind))
		res, err := s.Resolve(ctx, m)
		if err != nil {
			r.log.Debug("source: weak match failed", "source", s.Name(), "input", input, "err", err)
			return Result{}, nil
		}
		return res, nil
	}
	return Result{}, nil
}
