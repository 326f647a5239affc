package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/models"
)

var meter = otel.Meter("fleet-telemetry")

// TelemetryMetrics counts lifecycle events accepted from agents
type TelemetryMetrics struct {
	heartbeatsCounter     metric.Int64Counter
	tasksStartedCounter   metric.Int64Counter
	tasksResolvedCounter  metric.Int64Counter
	taskDurationHistogram metric.Float64Histogram
	tasksRunningGauge     metric.Int64UpDownCounter
	logsCounter           metric.Int64Counter
	agentsExpiredCounter  metric.Int64Counter
}

// NewTelemetryMetrics creates the lifecycle instruments
func NewTelemetryMetrics() (*TelemetryMetrics, error) {
	heartbeatsCounter, err := meter.Int64Counter(
		"fleet.heartbeats",
		metric.WithDescription("Total number of heartbeats accepted"),
		metric.WithUnit("{heartbeat}"),
	)
	if err != nil {
		return nil, err
	}

	tasksStartedCounter, err := meter.Int64Counter(
		"fleet.tasks.started",
		metric.WithDescription("Total number of tasks started"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	tasksResolvedCounter, err := meter.Int64Counter(
		"fleet.tasks.resolved",
		metric.WithDescription("Total number of tasks completed or failed"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	taskDurationHistogram, err := meter.Float64Histogram(
		"fleet.task.duration",
		metric.WithDescription("Duration of resolved tasks in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	tasksRunningGauge, err := meter.Int64UpDownCounter(
		"fleet.tasks.running",
		metric.WithDescription("Number of tasks currently running"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, err
	}

	logsCounter, err := meter.Int64Counter(
		"fleet.logs",
		metric.WithDescription("Total number of log lines ingested"),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		return nil, err
	}

	agentsExpiredCounter, err := meter.Int64Counter(
		"fleet.agents.expired",
		metric.WithDescription("Agents marked offline by the liveness sweeper"),
		metric.WithUnit("{agent}"),
	)
	if err != nil {
		return nil, err
	}

	return &TelemetryMetrics{
		heartbeatsCounter:     heartbeatsCounter,
		tasksStartedCounter:   tasksStartedCounter,
		tasksResolvedCounter:  tasksResolvedCounter,
		taskDurationHistogram: taskDurationHistogram,
		tasksRunningGauge:     tasksRunningGauge,
		logsCounter:           logsCounter,
		agentsExpiredCounter:  agentsExpiredCounter,
	}, nil
}

// RecordHeartbeat records an accepted heartbeat
func (tm *TelemetryMetrics) RecordHeartbeat(ctx context.Context, slug string, status models.AgentStatus) {
	tm.heartbeatsCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent.slug", slug),
			attribute.String("status", string(status)),
		),
	)
}

// RecordTaskStarted records a task entering running
func (tm *TelemetryMetrics) RecordTaskStarted(ctx context.Context, agentID string) {
	tm.tasksStartedCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent.id", agentID),
		),
	)
	tm.tasksRunningGauge.Add(ctx, 1)
}

// RecordTaskResolved records a task leaving running
func (tm *TelemetryMetrics) RecordTaskResolved(ctx context.Context, agentID string, status models.TaskStatus, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("status", string(status)),
	)
	tm.tasksResolvedCounter.Add(ctx, 1, attrs)
	tm.taskDurationHistogram.Record(ctx, duration.Seconds(), attrs)
	tm.tasksRunningGauge.Add(ctx, -1)
}

// RecordLog records an ingested log line
func (tm *TelemetryMetrics) RecordLog(ctx context.Context, agentID string, level models.LogLevel) {
	tm.logsCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("level", string(level)),
		),
	)
}

// RecordAgentsExpired records agents moved to offline by the sweeper
func (tm *TelemetryMetrics) RecordAgentsExpired(ctx context.Context, n int) {
	tm.agentsExpiredCounter.Add(ctx, int64(n))
}
