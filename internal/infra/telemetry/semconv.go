// Package telemetry provides OpenTelemetry initialization and semantic conventions for geyserpub.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys, following OpenTelemetry naming: namespace.attribute_name.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrTopic identifies the broker topic a message was destined for.
	AttrTopic = attribute.Key("messaging.destination.name")
	// AttrStream differentiates the account and slot streams.
	AttrStream = attribute.Key("stream")
	// AttrResult records the outcome of an operation (enqueued, dropped, success, failure, ...).
	AttrResult = attribute.Key("result")
	// AttrReason provides short context for failures.
	AttrReason = attribute.Key("reason")
	// AttrAllowlistSource identifies where the remote allowlist was fetched from.
	AttrAllowlistSource = attribute.Key("allowlist.source")
)

// Result values.
const (
	ResultEnqueued  = "enqueued"
	ResultDropped   = "dropped"
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultFiltered  = "filtered"
	ResultFlushed   = "flushed"
	ResultAbandoned = "abandoned"
)

// TopicAttributes returns attributes for per-topic dispatcher metrics.
func TopicAttributes(environment, topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
	}
}

// StreamResultAttributes returns attributes for per-stream outcome counters.
func StreamResultAttributes(environment, stream, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStream.String(stream),
		AttrResult.String(result),
	}
}

// RefreshAttributes returns attributes for allowlist refresh outcomes.
func RefreshAttributes(environment, source, result, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrAllowlistSource.String(source),
		AttrResult.String(result),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}
