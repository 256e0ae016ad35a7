package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys for hookbus telemetry.
const (
	// AttrBus names the registry slot of the bus that produced the signal.
	AttrBus = attribute.Key("bus.name")
	// AttrTopic captures the topic an event was emitted on.
	AttrTopic = attribute.Key("bus.topic")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
)

// Metric names emitted by the bus.
const (
	MetricEventsEmitted = "bus.events.emitted"
	MetricDeliveries    = "bus.deliveries"
	MetricHandlerFaults = "bus.handler.faults"
	MetricSubscribers   = "bus.subscribers"
	MetricAskDuration   = "bus.ask.duration"
)

// Result values
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultTimeout   = "timeout"
	ResultNoHandler = "no_subscribers"
)

// BusAttributes returns the common attribute set for a bus/topic pair.
func BusAttributes(bus, topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrBus.String(bus),
		AttrTopic.String(topic),
	}
}
