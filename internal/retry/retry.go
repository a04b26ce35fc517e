// Package retry centralizes the classification-driven retry policy used by
// every network call site.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/tunevault/harvester/internal/harvest"
)

// Policy drives bounded, classified retries around one operation. Budgets
// are tracked per error kind so an auth hiccup does not consume the
// transient budget and vice versa.
type Policy struct {
	// MaxTransient bounds retries for timeouts, network and 5xx failures.
	MaxTransient int
	// MaxRateLimited bounds retries for 429-equivalent responses.
	MaxRateLimited int
	// MaxAuth bounds retries after a successful credential refresh.
	MaxAuth int
	// BaseDelay and CapDelay shape the exponential backoff between attempts.
	BaseDelay time.Duration
	CapDelay  time.Duration
	// RefreshCredentials is invoked once per auth-expired failure before the
	// retry; when it errors the auth failure is returned as-is.
	RefreshCredentials func(ctx context.Context) error
	// Sleep is swappable in tests. Defaults to a context-aware timer sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the policy with the pipeline's stock budgets.
func Default() Policy {
	return Policy{
		MaxTransient:   2,
		MaxRateLimited: 3,
		MaxAuth:        2,
		BaseDelay:      500 * time.Millisecond,
		CapDelay:       30 * time.Second,
	}
}

// Do runs op until it succeeds, fails unretryably, or exhausts the budget
// for its error kind. The returned error is always the last classified
// failure.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	attempts := map[harvest.ErrorKind]int{}
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		kind := harvest.KindOf(err)
		if !harvest.IsRetryable(err) {
			return err
		}
		attempts[kind]++
		if attempts[kind] > p.budget(kind) {
			return err
		}
		if kind == harvest.KindAuthExpired {
			if p.RefreshCredentials == nil {
				return err
			}
			if refreshErr := p.RefreshCredentials(ctx); refreshErr != nil {
				return err
			}
			// Refreshed credential: retry immediately.
			continue
		}
		if err := sleep(ctx, p.backoff(attempts[kind])); err != nil {
			return err
		}
	}
}

func (p Policy) budget(kind harvest.ErrorKind) int {
	switch kind {
	case harvest.KindRateLimited:
		return p.MaxRateLimited
	case harvest.KindAuthExpired:
		return p.MaxAuth
	default:
		return p.MaxTransient
	}
}

func (p Policy) backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.CapDelay) {
		delay = float64(p.CapDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry backoff wait: %w", ctx.Err())
	}
}
