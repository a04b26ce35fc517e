package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunevault/harvester/internal/harvest"
)

func instantSleep(_ context.Context, _ time.Duration) error { return nil }

func TestDoSucceedsWithinRateLimitBudget(t *testing.T) {
	t.Parallel()
	p := Default()
	p.Sleep = instantSleep

	attempts := 0
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return harvest.NewClassified(harvest.KindRateLimited, "429 from api", nil)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestDoExhaustsTransientBudget(t *testing.T) {
	t.Parallel()
	p := Default()
	p.Sleep = instantSleep

	attempts := 0
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		return harvest.NewClassified(harvest.KindTransient, "gateway timeout", nil)
	})
	require.Error(t, err)
	require.Equal(t, harvest.KindTransient, harvest.KindOf(err))
	// Initial attempt plus MaxTransient retries.
	require.Equal(t, 1+p.MaxTransient, attempts)
}

func TestDoNeverRetriesParseFailures(t *testing.T) {
	t.Parallel()
	p := Default()
	p.Sleep = instantSleep

	attempts := 0
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		return harvest.NewClassified(harvest.KindParseFailure, "empty body", nil)
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestDoRefreshesCredentialsOnce(t *testing.T) {
	t.Parallel()
	p := Default()
	p.Sleep = instantSleep
	refreshes := 0
	p.RefreshCredentials = func(context.Context) error {
		refreshes++
		return nil
	}

	attempts := 0
	err := p.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return harvest.NewClassified(harvest.KindAuthExpired, "401 from api", nil)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, refreshes)
	require.Equal(t, 2, attempts)
}

func TestDoEscalatesWhenRefreshFails(t *testing.T) {
	t.Parallel()
	p := Default()
	p.Sleep = instantSleep
	p.RefreshCredentials = func(context.Context) error {
		return errors.New("refresh rejected")
	}

	err := p.Do(context.Background(), func(context.Context) error {
		return harvest.NewClassified(harvest.KindAuthExpired, "401 from api", nil)
	})
	require.Error(t, err)
	require.Equal(t, harvest.KindAuthExpired, harvest.KindOf(err))
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()
	p := Policy{BaseDelay: time.Second, CapDelay: 4 * time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		require.LessOrEqual(t, p.backoff(attempt), 4*time.Second)
	}
}
