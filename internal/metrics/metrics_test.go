package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}
	return out
}

func TestRecorderCounts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	r, err := New(mp)
	require.NoError(t, err)
	ctx := context.Background()

	r.IntakeItem(ctx, "gmail", "created")
	r.IntakeItem(ctx, "gmail", "skipped")
	r.PlanCreated(ctx, "medium")
	r.Transition(ctx, "draft", "pending_approval")
	r.Dispatch(ctx, "gmail", "dry-run", true, 10*time.Millisecond)
	r.Remediation(ctx, "transient_network", "created")
	r.Iteration(ctx, "completed")

	got := collect(t, reader)
	assert.Equal(t, int64(2), got["signoff.intake.items"])
	assert.Equal(t, int64(1), got["signoff.plans.created"])
	assert.Equal(t, int64(1), got["signoff.dispatch.calls"])
	assert.Equal(t, int64(1), got["signoff.loop.iterations"])
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.PlanCreated(context.Background(), "low")
	r.Iteration(context.Background(), "failed")
}
