package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestWaitAdmitsWithinBudget(t *testing.T) {
	t.Parallel()
	l := New(Config{Requests: 5, Window: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx))
	}
}

func TestWaitBlocksPastBudget(t *testing.T) {
	t.Parallel()
	l := New(Config{Requests: 2, Window: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	// Third request exceeds the budget and must block until the context ends.
	require.Error(t, l.Wait(ctx))
}

func TestWindowCapsAdmissions(t *testing.T) {
	t.Parallel()
	l := New(Config{Requests: 30, Window: 3 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	admitted := 0
	for i := 0; i < 60; i++ {
		if err := l.Wait(ctx); err != nil {
			break
		}
		admitted++
	}
	require.Equal(t, 30, admitted, "no window may admit more than the budget")
}

func TestWindowSlidesForward(t *testing.T) {
	t.Parallel()
	l := New(Config{Requests: 2, Window: time.Minute})
	base := time.Now()
	current := base
	l.now = func() time.Time { return current }
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	current = base.Add(30 * time.Second)
	require.NoError(t, l.Wait(ctx))

	// Both slots are taken; once the first admission leaves the window a
	// slot frees without waiting for the second.
	current = base.Add(61 * time.Second)
	require.NoError(t, l.Wait(ctx))
	require.Len(t, l.admitted, 2)
}

func TestWaitRecordsBlockedDuration(t *testing.T) {
	l := New(Config{Requests: 1, Window: 50 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx))
	before := rateLimitWaitSamples(t)
	// The second admission has to wait for the window to slide.
	require.NoError(t, l.Wait(ctx))
	require.Equal(t, before+1, rateLimitWaitSamples(t))
}

func rateLimitWaitSamples(t *testing.T) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "harvester_rate_limit_wait_seconds" {
			return mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	t.Fatal("rate limit wait histogram not registered")
	return 0
}

func TestFailureBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()
	l := New(Config{Requests: 100, Window: time.Minute, BackoffBase: time.Second, BackoffCap: 4 * time.Second})
	base := time.Now()
	l.now = func() time.Time { return base }

	l.ReportFailure()
	require.Equal(t, base.Add(time.Second), l.nextAllowed)
	l.ReportFailure()
	require.Equal(t, base.Add(2*time.Second), l.nextAllowed)
	l.ReportFailure()
	require.Equal(t, base.Add(4*time.Second), l.nextAllowed)
	l.ReportFailure()
	require.Equal(t, base.Add(4*time.Second), l.nextAllowed, "backoff must cap")

	l.ReportSuccess()
	require.Equal(t, 0, l.Failures())
	require.True(t, l.nextAllowed.IsZero())
}

func TestFailureGateBlocks(t *testing.T) {
	t.Parallel()
	l := New(Config{Requests: 100, Window: time.Minute, BackoffBase: 10 * time.Second})
	l.ReportFailure()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx))
}
