package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if fetchesTotal == nil || capturesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(fetchesTotal.WithLabelValues("captured"))
	ObserveFetch("captured", 120*time.Millisecond)
	if got := testutil.ToFloat64(fetchesTotal.WithLabelValues("captured")); got != before+1 {
		t.Errorf("Expected fetchesTotal to be %f, got %f", before+1, got)
	}

	before = testutil.ToFloat64(capturesTotal.WithLabelValues("merged"))
	ObserveCapture("merged")
	if got := testutil.ToFloat64(capturesTotal.WithLabelValues("merged")); got != before+1 {
		t.Errorf("Expected capturesTotal to be %f, got %f", before+1, got)
	}

	SetQueueDepths(3, 2, 1)
	if got := testutil.ToFloat64(queueDepth); got != 3 {
		t.Errorf("Expected queueDepth to be 3, got %f", got)
	}
	if got := testutil.ToFloat64(failedDepth); got != 1 {
		t.Errorf("Expected failedDepth to be 1, got %f", got)
	}

	SetLeader(true)
	if got := testutil.ToFloat64(leadershipGauge); got != 1 {
		t.Errorf("Expected leadershipGauge to be 1, got %f", got)
	}
	SetLeader(false)
	if got := testutil.ToFloat64(leadershipGauge); got != 0 {
		t.Errorf("Expected leadershipGauge to be 0, got %f", got)
	}

	SetDegraded(true)
	if got := testutil.ToFloat64(degradedGauge); got != 1 {
		t.Errorf("Expected degradedGauge to be 1, got %f", got)
	}
	SetDegraded(false)
	if got := testutil.ToFloat64(degradedGauge); got != 0 {
		t.Errorf("Expected degradedGauge to be 0, got %f", got)
	}

	ObserveHTTPRequest("GET", "/v1/records", 200, 5*time.Millisecond)
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")); got < 1 {
		t.Errorf("Expected httpRequestsTotal GET/200 to be at least 1, got %f", got)
	}
}
