// Package ratelimit gates outgoing API requests with a sliding-window request
// budget plus a consecutive-failure backoff that throttles the whole client
// while the remote API is unhappy.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tunevault/harvester/internal/metrics"
)

// Config holds the limiter knobs.
type Config struct {
	// Requests allowed per Window (30 per 60s by default).
	Requests int
	Window   time.Duration
	// Failure backoff shape: Base doubled per consecutive failure, capped.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Limiter combines the request budget with the failure gate. The budget is a
// sliding window: at most Requests admissions fall inside any interval of
// length Window. Safe for concurrent use.
type Limiter struct {
	mu          sync.Mutex
	admitted    []time.Time
	failures    int
	nextAllowed time.Time

	requests int
	window   time.Duration
	base     time.Duration
	cap      time.Duration
	now      func() time.Time
}

// New builds a Limiter; zero config fields fall back to the stock values.
func New(cfg Config) *Limiter {
	if cfg.Requests <= 0 {
		cfg.Requests = 30
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	metrics.Init()
	return &Limiter{
		requests: cfg.Requests,
		window:   cfg.Window,
		base:     cfg.BackoffBase,
		cap:      cfg.BackoffCap,
		now:      time.Now,
	}
}

// Wait blocks until both the failure gate and the request budget admit a new
// request, or the context ends.
func (l *Limiter) Wait(ctx context.Context) error {
	started := time.Now()
	blocked := false
	for {
		wait, ok := l.tryAdmit()
		if ok {
			if blocked {
				metrics.ObserveRateLimitWait(time.Since(started))
			}
			return nil
		}
		blocked = true
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limit wait: %w", ctx.Err())
		}
	}
}

// tryAdmit records one admission when both gates are open; otherwise it
// returns how long to sleep before the next attempt. Admissions older than
// the window are pruned first, so the oldest remaining one bounds the wait.
func (l *Limiter) tryAdmit() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if wait := l.nextAllowed.Sub(now); wait > 0 {
		return wait, false
	}
	cutoff := now.Add(-l.window)
	expired := 0
	for expired < len(l.admitted) && !l.admitted[expired].After(cutoff) {
		expired++
	}
	l.admitted = l.admitted[expired:]
	if len(l.admitted) < l.requests {
		l.admitted = append(l.admitted, now)
		return 0, true
	}
	return l.admitted[0].Add(l.window).Sub(now), false
}

// ReportSuccess resets the consecutive-failure backoff.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	l.failures = 0
	l.nextAllowed = time.Time{}
	l.mu.Unlock()
}

// ReportFailure records one more consecutive failure and pushes out the
// earliest time a new request may start.
func (l *Limiter) ReportFailure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	delay := float64(l.base) * math.Pow(2, float64(l.failures-1))
	if delay > float64(l.cap) {
		delay = float64(l.cap)
	}
	l.nextAllowed = l.now().Add(time.Duration(delay))
}

// Failures returns the current consecutive-failure count.
func (l *Limiter) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}
