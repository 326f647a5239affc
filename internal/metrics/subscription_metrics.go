package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/subscription"
)

// SubscriptionMetrics tracks live query re-execution
type SubscriptionMetrics struct {
	observersGauge     metric.Int64UpDownCounter
	executionsCounter  metric.Int64Counter
	executionHistogram metric.Float64Histogram
	connectionsGauge   metric.Int64UpDownCounter
}

// NewSubscriptionMetrics creates the subscription instruments
func NewSubscriptionMetrics() (*SubscriptionMetrics, error) {
	observersGauge, err := meter.Int64UpDownCounter(
		"fleet.subscriptions.observers",
		metric.WithDescription("Number of attached subscription observers"),
		metric.WithUnit("{observer}"),
	)
	if err != nil {
		return nil, err
	}

	executionsCounter, err := meter.Int64Counter(
		"fleet.subscriptions.executions",
		metric.WithDescription("Query executions by outcome"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}

	executionHistogram, err := meter.Float64Histogram(
		"fleet.subscriptions.execution.duration",
		metric.WithDescription("Duration of query executions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	connectionsGauge, err := meter.Int64UpDownCounter(
		"fleet.websocket.connections",
		metric.WithDescription("Number of open dashboard websocket connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	return &SubscriptionMetrics{
		observersGauge:     observersGauge,
		executionsCounter:  executionsCounter,
		executionHistogram: executionHistogram,
		connectionsGauge:   connectionsGauge,
	}, nil
}

// RecordObservers adjusts the observer gauge
func (sm *SubscriptionMetrics) RecordObservers(ctx context.Context, delta int64) {
	sm.observersGauge.Add(ctx, delta)
}

// RecordExecution records one query execution
func (sm *SubscriptionMetrics) RecordExecution(ctx context.Context, query string, outcome subscription.Outcome, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("query", query),
		attribute.String("outcome", string(outcome)),
	)
	sm.executionsCounter.Add(ctx, 1, attrs)
	sm.executionHistogram.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordConnection adjusts the websocket connection gauge
func (sm *SubscriptionMetrics) RecordConnection(ctx context.Context, delta int64) {
	sm.connectionsGauge.Add(ctx, delta)
}
