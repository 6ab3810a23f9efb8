// Package observe provides application-wide observability primitives for
// yasha: OpenTelemetry metrics, tracing, and HTTP instrumentation for both
// the probe server and outgoing platform API calls.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. The playback and voice
// packages record their own instruments; [Metrics] holds the ones owned by
// the service around them. Tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for service metrics.
const meterName = "github.com/MrWong99/yasha"

// Metrics holds the service-level metric instruments.
type Metrics struct {
	// ResolveDuration tracks input resolution latency. Use with attributes:
	//   attribute.String("status", ...)
	ResolveDuration metric.Float64Histogram

	// TracksStarted counts tracks handed to a player. Use with attribute:
	//   attribute.String("platform", ...)
	TracksStarted metric.Int64Counter

	// PlaybackErrors counts errors reported by players. Use with attribute:
	//   attribute.String("kind", ...)
	PlaybackErrors metric.Int64Counter

	// ActiveConnections tracks the number of voice connections in the ready
	// state.
	ActiveConnections metric.Int64UpDownCounter

	// HTTPRequestDuration tracks both probe requests served and platform API
	// calls made. Use with attributes:
	//   attribute.String("direction", "server"|"client"),
	//   attribute.String("method", ...), attribute.String("target", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network lookups against music platforms.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ResolveDuration, err = m.Float64Histogram("yasha.resolve.duration",
		metric.WithDescription("Latency of resolving user input to a track or playlist."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TracksStarted, err = m.Int64Counter("yasha.tracks.started",
		metric.WithDescription("Total tracks started by platform."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackErrors, err = m.Int64Counter("yasha.playback.errors",
		metric.WithDescription("Total playback errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("yasha.voice.active_connections",
		metric.WithDescription("Number of ready voice connections."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("yasha.http.request.duration",
		metric.WithDescription("HTTP latency of probe requests served and platform API calls made."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordResolve records one resolution. status is "ok", "empty" or "error".
func (m *Metrics) RecordResolve(ctx context.Context, status string, d time.Duration) {
	m.ResolveDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordTrackStarted increments the started-tracks counter.
func (m *Metrics) RecordTrackStarted(ctx context.Context, platform string) {
	m.TracksStarted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("platform", platform)),
	)
}

// RecordPlaybackError increments the playback error counter.
func (m *Metrics) RecordPlaybackError(ctx context.Context, kind string) {
	m.PlaybackErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
