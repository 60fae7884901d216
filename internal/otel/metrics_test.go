package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics_RecordsThroughReader(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", MetricReader: reader})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordExecution(ctx, "script", "success", 20*time.Millisecond)
	m.RecordExecution(ctx, "script", "failed", 5*time.Millisecond)
	m.RecordClaimConflict(ctx)
	m.RecordSkippedTick(ctx)
	m.RecordSkippedTick(ctx)

	if got := collectSum(t, reader, "clawtasks.task.executions"); got != 2 {
		t.Fatalf("executions = %d, want 2", got)
	}
	if got := collectSum(t, reader, "clawtasks.poller.skipped_ticks"); got != 2 {
		t.Fatalf("skipped ticks = %d, want 2", got)
	}
	if got := collectSum(t, reader, "clawtasks.task.claim_conflicts"); got != 1 {
		t.Fatalf("claim conflicts = %d, want 1", got)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordExecution(ctx, "prompt", "success", time.Second)
	m.RecordClaimConflict(ctx)
	m.RecordSkippedTick(ctx)
	m.RecordTruncatedOutput(ctx, "python")
	m.RecordRequest(ctx, "/api/tasks", time.Millisecond)
	m.RecordRateLimitReject(ctx)

	if NoopMetrics() == nil {
		t.Fatal("expected noop metrics")
	}
}
