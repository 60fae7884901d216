package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the clawtasks instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	TaskExecutions   metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	ClaimConflicts   metric.Int64Counter
	SkippedTicks     metric.Int64Counter
	TruncatedOutputs metric.Int64Counter
	RequestDuration  metric.Float64Histogram
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskExecutions, err = meter.Int64Counter("clawtasks.task.executions",
		metric.WithDescription("Finished task executions by type and status"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("clawtasks.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("clawtasks.task.claim_conflicts",
		metric.WithDescription("Executions refused because the task was running or paused"),
	)
	if err != nil {
		return nil, err
	}

	m.SkippedTicks, err = meter.Int64Counter("clawtasks.poller.skipped_ticks",
		metric.WithDescription("Poller ticks skipped while the previous batch was still running"),
	)
	if err != nil {
		return nil, err
	}

	m.TruncatedOutputs, err = meter.Int64Counter("clawtasks.sandbox.truncated_outputs",
		metric.WithDescription("Sandbox runs whose captured output exceeded the cap"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("clawtasks.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("clawtasks.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by the no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) RecordExecution(ctx context.Context, taskType, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		AttrTaskType.String(taskType),
		AttrTaskStatus.String(status),
	)
	m.TaskExecutions.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordClaimConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.ClaimConflicts.Add(ctx, 1)
}

func (m *Metrics) RecordSkippedTick(ctx context.Context) {
	if m == nil {
		return
	}
	m.SkippedTicks.Add(ctx, 1)
}

func (m *Metrics) RecordTruncatedOutput(ctx context.Context, runtime string) {
	if m == nil {
		return
	}
	m.TruncatedOutputs.Add(ctx, 1, metric.WithAttributes(AttrRuntime.String(runtime)))
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrRoute.String(route)))
}

func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "rate")))
}
