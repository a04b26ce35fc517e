package progress

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMetricsSinkTracksDegradedRecovery(t *testing.T) {
	sink := NewMetricsSink()
	ctx := context.Background()
	ts := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	entered := Event{ProcessID: "proc-a", TS: ts, Stage: StageDegraded, Outcome: "entered", Reason: "credential refresh failed"}
	require.NoError(t, sink.Consume(ctx, []Event{entered}))
	require.Equal(t, float64(1), degradedGaugeValue(t))

	cleared := Event{ProcessID: "proc-a", TS: ts, Stage: StageDegraded, Outcome: "cleared"}
	require.NoError(t, sink.Consume(ctx, []Event{cleared}))
	require.Equal(t, float64(0), degradedGaugeValue(t))
}

func degradedGaugeValue(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "harvester_degraded_mode" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("degraded gauge not registered")
	return 0
}
