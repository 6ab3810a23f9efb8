package player

import (
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/MrWong99/yasha/pkg/player"

var (
	kindAudio   = metric.WithAttributes(attribute.String("kind", "audio"))
	kindSilence = metric.WithAttributes(attribute.String("kind", "silence"))

	resultRecovered = metric.WithAttributes(attribute.String("result", "recovered"))
	resultFatal     = metric.WithAttributes(attribute.String("result", "fatal"))
)

type metrics struct {
	packets metric.Int64Counter
	errors  metric.Int64Counter
	plays   metric.Int64Counter
	dropped metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider, log *slog.Logger) *metrics {
	m := mp.Meter(meterName)
	fallback := noop.NewMeterProvider().Meter(meterName)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := m.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			log.Warn("player: create metric", "name", name, "err", err)
			c, _ = fallback.Int64Counter(name)
		}
		return c
	}
	return &metrics{
		packets: counter("yasha.player.packets", "Packets sent to voice connections by kind."),
		errors:  counter("yasha.player.decode.errors", "Decode errors by outcome."),
		plays:   counter("yasha.player.plays", "Decode sessions started."),
		dropped: counter("yasha.player.events.dropped", "Events dropped for slow listeners."),
	}
}
