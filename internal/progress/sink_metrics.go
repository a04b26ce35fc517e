package progress

import (
	"context"

	"github.com/tunevault/harvester/internal/metrics"
)

// MetricsSink mirrors pipeline events into the Prometheus collectors.
type MetricsSink struct{}

// NewMetricsSink ensures the collectors exist and returns the sink.
func NewMetricsSink() *MetricsSink {
	metrics.Init()
	return &MetricsSink{}
}

// Consume updates counters and gauges from the batch.
func (s *MetricsSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case StageCaptureDone:
			metrics.ObserveFetch("success", evt.Dur)
			metrics.ObserveCapture(evt.Outcome)
		case StageCaptureFailed:
			metrics.ObserveFetch(evt.Outcome, evt.Dur)
			metrics.ObserveTerminalFailure()
		case StageRequeued:
			metrics.ObserveRequeue()
		case StageLeaderElected:
			metrics.SetLeader(true)
		case StageLeaderLost:
			metrics.SetLeader(false)
		case StageDegraded:
			metrics.SetDegraded(evt.Outcome != "cleared")
		}
	}
	return nil
}

// Close is a no-op.
func (s *MetricsSink) Close(context.Context) error { return nil }
