package voice

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/MrWong99/yasha/pkg/voice"

type metrics struct {
	active   metric.Int64UpDownCounter
	connects metric.Int64Counter
}

// newMetrics creates the registry instruments. Instrument errors fall back to
// no-op instruments so that a misconfigured provider never blocks voice.
func newMetrics(mp metric.MeterProvider, log *slog.Logger) *metrics {
	m := mp.Meter(meterName)
	met := &metrics{}
	var err error
	if met.active, err = m.Int64UpDownCounter("yasha.voice.connections",
		metric.WithDescription("Number of live voice connections."),
	); err != nil {
		log.Warn("voice: create metric", "err", err)
		met.active, _ = noop.NewMeterProvider().Meter(meterName).Int64UpDownCounter("noop")
	}
	if met.connects, err = m.Int64Counter("yasha.voice.connect.attempts",
		metric.WithDescription("Completed waits for connection readiness by result."),
	); err != nil {
		log.Warn("voice: create metric", "err", err)
		met.connects, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter("noop")
	}
	return met
}

func (m *metrics) recordConnect(err error) {
	result := "ready"
	var rej *RejectedError
	switch {
	case err == nil:
	case errors.Is(err, ErrConnectionTimeout):
		result = "timeout"
	case errors.Is(err, ErrDestroyed):
		result = "destroyed"
	case errors.As(err, &rej):
		result = "rejected"
	default:
		result = "error"
	}
	m.connects.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}
