package bus

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/hookbus/errs"
	"github.com/coachpo/hookbus/internal/telemetry"
)

type metrics struct {
	bus string

	emittedCounter  metric.Int64Counter
	deliveryCounter metric.Int64Counter
	faultCounter    metric.Int64Counter
	subscriberGauge metric.Int64UpDownCounter
	askDuration     metric.Float64Histogram
}

func newMetrics(bus string) *metrics {
	meter := otel.Meter("bus")
	m := &metrics{bus: bus}
	m.emittedCounter, _ = meter.Int64Counter(telemetry.MetricEventsEmitted,
		metric.WithDescription("Number of events emitted on the bus"),
		metric.WithUnit("{event}"))
	m.deliveryCounter, _ = meter.Int64Counter(telemetry.MetricDeliveries,
		metric.WithDescription("Number of handler invocations"),
		metric.WithUnit("{delivery}"))
	m.faultCounter, _ = meter.Int64Counter(telemetry.MetricHandlerFaults,
		metric.WithDescription("Number of handlers that returned an error or panicked"),
		metric.WithUnit("{error}"))
	m.subscriberGauge, _ = meter.Int64UpDownCounter(telemetry.MetricSubscribers,
		metric.WithDescription("Number of live subscribers"),
		metric.WithUnit("{subscriber}"))
	m.askDuration, _ = meter.Float64Histogram(telemetry.MetricAskDuration,
		metric.WithDescription("Latency of ask round trips"),
		metric.WithUnit("ms"))
	return m
}

func (m *metrics) emitted(ctx context.Context, topic string, delivered int, ok bool) {
	result := telemetry.ResultSuccess
	switch {
	case !ok:
		result = telemetry.ResultError
	case delivered == 0:
		result = telemetry.ResultNoHandler
	}
	attrs := append(telemetry.BusAttributes(m.bus, topic), telemetry.AttrResult.String(result))
	if m.emittedCounter != nil {
		m.emittedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.deliveryCounter != nil && delivered > 0 {
		m.deliveryCounter.Add(ctx, int64(delivered), metric.WithAttributes(telemetry.BusAttributes(m.bus, topic)...))
	}
}

func (m *metrics) handlerFault(ctx context.Context, topic string, cause error) {
	if m.faultCounter == nil {
		return
	}
	errorType := string(errs.CodeOf(cause))
	if errorType == "" {
		errorType = "handler"
	}
	attrs := append(telemetry.BusAttributes(m.bus, topic), telemetry.AttrErrorType.String(errorType))
	m.faultCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) subscriberAdded(topic string) {
	if m.subscriberGauge != nil {
		m.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(telemetry.BusAttributes(m.bus, topic)...))
	}
}

func (m *metrics) subscriberRemoved(topic string) {
	if m.subscriberGauge != nil {
		m.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.BusAttributes(m.bus, topic)...))
	}
}

func (m *metrics) askObserved(ctx context.Context, topic string, start time.Time, result string) {
	if m.askDuration == nil {
		return
	}
	attrs := append(telemetry.BusAttributes(m.bus, topic), telemetry.AttrResult.String(result))
	m.askDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
}
