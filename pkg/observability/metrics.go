package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the runtime.
type Metrics struct {
	// Command metrics
	CommandDuration metric.Float64Histogram
	CommandTotal    metric.Int64Counter
	CommandErrors   metric.Int64Counter

	// Event store metrics
	EventsAppended    metric.Int64Counter
	StoreLatency      metric.Float64Histogram
	VersionConflicts  metric.Int64Counter

	// Aggregate metrics
	AggregateLoads metric.Int64Counter
	SnapshotHits   metric.Int64Counter
	SnapshotMisses metric.Int64Counter
	FactoryEvictions metric.Int64Counter

	// Broker metrics
	BrokerRouted  metric.Int64Counter
	BrokerDropped metric.Int64Counter

	// Projection metrics
	ProjectionLag      metric.Float64Gauge
	ProjectionErrors   metric.Int64Counter
	ProjectionSkipped  metric.Int64Counter

	// Stream transport metrics
	StreamPublishLatency metric.Float64Histogram
	StreamMessages       metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"arque.command.duration",
		metric.WithDescription("Command processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.duration: %w", err)
	}

	m.CommandTotal, err = meter.Int64Counter(
		"arque.command.total",
		metric.WithDescription("Total commands processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"arque.command.errors",
		metric.WithDescription("Total command processing errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.errors: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"arque.store.events_appended",
		metric.WithDescription("Total events appended to the store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating store.events_appended: %w", err)
	}

	m.StoreLatency, err = meter.Float64Histogram(
		"arque.store.latency",
		metric.WithDescription("Store adapter operation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating store.latency: %w", err)
	}

	m.VersionConflicts, err = meter.Int64Counter(
		"arque.store.version_conflicts",
		metric.WithDescription("Optimistic concurrency conflicts observed during saveEvents"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating store.version_conflicts: %w", err)
	}

	m.AggregateLoads, err = meter.Int64Counter(
		"arque.aggregate.loads",
		metric.WithDescription("Total aggregate reloads from the store"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating aggregate.loads: %w", err)
	}

	m.SnapshotHits, err = meter.Int64Counter(
		"arque.aggregate.snapshot_hits",
		metric.WithDescription("Reloads that started from a snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating aggregate.snapshot_hits: %w", err)
	}

	m.SnapshotMisses, err = meter.Int64Counter(
		"arque.aggregate.snapshot_misses",
		metric.WithDescription("Reloads that replayed from the beginning of the stream"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating aggregate.snapshot_misses: %w", err)
	}

	m.FactoryEvictions, err = meter.Int64Counter(
		"arque.factory.evictions",
		metric.WithDescription("Aggregate factory cache evictions (capacity, TTL, or reload failure)"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating factory.evictions: %w", err)
	}

	m.BrokerRouted, err = meter.Int64Counter(
		"arque.broker.routed",
		metric.WithDescription("Events routed from the ingress stream to a subscriber stream"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating broker.routed: %w", err)
	}

	m.BrokerDropped, err = meter.Int64Counter(
		"arque.broker.dropped",
		metric.WithDescription("Events with no registered subscriber stream"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating broker.dropped: %w", err)
	}

	m.ProjectionLag, err = meter.Float64Gauge(
		"arque.projection.lag",
		metric.WithDescription("Projection lag in seconds behind the event timestamp"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.lag: %w", err)
	}

	m.ProjectionErrors, err = meter.Int64Counter(
		"arque.projection.errors",
		metric.WithDescription("Projection handler errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.errors: %w", err)
	}

	m.ProjectionSkipped, err = meter.Int64Counter(
		"arque.projection.skipped",
		metric.WithDescription("Events skipped because the checkpoint already covered them"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating projection.skipped: %w", err)
	}

	m.StreamPublishLatency, err = meter.Float64Histogram(
		"arque.stream.publish.latency",
		metric.WithDescription("Stream adapter publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating stream.publish.latency: %w", err)
	}

	m.StreamMessages, err = meter.Int64Counter(
		"arque.stream.messages",
		metric.WithDescription("Total messages published or received through the stream adapter"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating stream.messages: %w", err)
	}

	return m, nil
}

// RecordCommand records command processing metrics.
func (m *Metrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.String("command_type", commandType)}

	m.CommandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.CommandTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil {
		errAttrs := append(attrs, attribute.String("error_type", fmt.Sprintf("%T", err)))
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(errAttrs...))
	}
}

// RecordStoreOperation records store adapter latency and, for saveEvents, throughput.
func (m *Metrics) RecordStoreOperation(ctx context.Context, operation string, duration time.Duration, eventCount int) {
	attrs := []attribute.KeyValue{attribute.String("operation", operation)}

	m.StoreLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if operation == "saveEvents" {
		m.EventsAppended.Add(ctx, int64(eventCount), metric.WithAttributes(attrs...))
	}
}

// RecordVersionConflict records an optimistic concurrency conflict.
func (m *Metrics) RecordVersionConflict(ctx context.Context, aggregateType string) {
	m.VersionConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("aggregate_type", aggregateType)))
}

// RecordAggregateLoad records an aggregate reload, noting whether a snapshot was used.
func (m *Metrics) RecordAggregateLoad(ctx context.Context, aggregateType string, snapshotUsed bool) {
	attrs := []attribute.KeyValue{attribute.String("aggregate_type", aggregateType)}

	m.AggregateLoads.Add(ctx, 1, metric.WithAttributes(attrs...))
	if snapshotUsed {
		m.SnapshotHits.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		m.SnapshotMisses.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordFactoryEviction records a factory cache eviction.
func (m *Metrics) RecordFactoryEviction(ctx context.Context, reason string) {
	m.FactoryEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBrokerRoute records a single broker routing decision.
func (m *Metrics) RecordBrokerRoute(ctx context.Context, eventType string, routed bool) {
	attrs := []attribute.KeyValue{attribute.String("event_type", eventType)}
	if routed {
		m.BrokerRouted.Add(ctx, 1, metric.WithAttributes(attrs...))
	} else {
		m.BrokerDropped.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordProjectionLag records how far behind a projection is, in seconds.
func (m *Metrics) RecordProjectionLag(ctx context.Context, projectionName string, lagSeconds float64) {
	m.ProjectionLag.Record(ctx, lagSeconds, metric.WithAttributes(attribute.String("projection", projectionName)))
}

// RecordProjectionError records a projection handler error.
func (m *Metrics) RecordProjectionError(ctx context.Context, projectionName, errorType string) {
	m.ProjectionErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("projection", projectionName),
		attribute.String("error_type", errorType),
	))
}

// RecordProjectionSkip records an event skipped due to an already-settled checkpoint.
func (m *Metrics) RecordProjectionSkip(ctx context.Context, projectionName string) {
	m.ProjectionSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("projection", projectionName)))
}

// RecordStreamPublish records stream adapter publish metrics.
func (m *Metrics) RecordStreamPublish(ctx context.Context, stream string, duration time.Duration, messageCount int) {
	attrs := []attribute.KeyValue{
		attribute.String("stream", stream),
		attribute.String("direction", "publish"),
	}

	m.StreamPublishLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.StreamMessages.Add(ctx, int64(messageCount), metric.WithAttributes(attrs...))
}
