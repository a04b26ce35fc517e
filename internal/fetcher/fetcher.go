// Package fetcher retrieves one track's detail record from the remote API:
// rate-limited, cached, retried per error classification, and normalized
// into a Metadata record.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tunevault/harvester/internal/harvest"
	"github.com/tunevault/harvester/internal/ratelimit"
	"github.com/tunevault/harvester/internal/retry"
)

// CredentialSource supplies the bearer credential and can refresh it once
// the API reports it expired.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// StaticCredentials is a CredentialSource with a fixed token; Refresh always
// fails, which escalates auth expiry to degraded mode.
type StaticCredentials struct {
	Value string
}

// Token returns the fixed token.
func (s StaticCredentials) Token(context.Context) (string, error) { return s.Value, nil }

// Refresh cannot renew a static token.
func (s StaticCredentials) Refresh(context.Context) error {
	return fmt.Errorf("static credential cannot be refreshed")
}

// Config controls the API client.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
}

// Client implements harvest.Fetcher against the library's detail endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	policy     retry.Policy
	cache      *responseCache
	creds      CredentialSource
	clock      harvest.Clock
	logger     *zap.Logger
	onDegraded func()
}

// New builds a Client. onDegraded fires when a credential refresh fails; it
// may be nil.
func New(
	cfg Config,
	limiter *ratelimit.Limiter,
	policy retry.Policy,
	creds CredentialSource,
	clock harvest.Clock,
	logger *zap.Logger,
	onDegraded func(),
) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		cache:      newResponseCache(cfg.CacheTTL, cfg.CacheSize, clock.Now),
		creds:      creds,
		clock:      clock,
		logger:     logger,
		onDegraded: onDegraded,
	}
	policy.RefreshCredentials = c.refreshCredentials
	c.policy = policy
	return c
}

// Fetch retrieves and normalizes the record behind ref. Every failure is a
// *harvest.ClassifiedError.
func (c *Client) Fetch(ctx context.Context, ref harvest.ItemRef) (harvest.Metadata, error) {
	trackID, err := harvest.TrackID(ref.CanonicalURL)
	if err != nil {
		return harvest.Metadata{}, harvest.NewClassified(harvest.KindInvalidReference, "no track id extractable", err)
	}

	if rec, ok := c.cache.get(trackID); ok {
		c.logger.Debug("fetch served from cache", zap.String("track_id", trackID))
		rec.ContextLabel = ref.ContextLabel
		return rec, nil
	}

	var rec harvest.Metadata
	fetchErr := c.policy.Do(ctx, func(ctx context.Context) error {
		got, err := c.fetchOnce(ctx, trackID, ref)
		if err != nil {
			c.limiter.ReportFailure()
			return err
		}
		c.limiter.ReportSuccess()
		rec = got
		return nil
	})
	if fetchErr != nil {
		return harvest.Metadata{}, fetchErr
	}

	c.cache.put(trackID, rec)
	return rec, nil
}

// InvalidateCache drops all cached responses (used by the full reset).
func (c *Client) InvalidateCache() {
	c.cache.clear()
}

func (c *Client) fetchOnce(ctx context.Context, trackID string, ref harvest.ItemRef) (harvest.Metadata, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return harvest.Metadata{}, harvest.NewClassified(harvest.KindTransient, "rate limiter wait interrupted", err)
	}

	url := fmt.Sprintf("%s/songs/%s", c.cfg.BaseURL, trackID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return harvest.Metadata{}, harvest.NewClassified(harvest.KindInvalidReference, "build request", err)
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		return harvest.Metadata{}, harvest.NewClassified(harvest.KindAuthExpired, "no credential available", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return harvest.Metadata{}, harvest.NewClassified(harvest.KindTransient, "network failure", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		kind := harvest.ClassifyStatus(resp.StatusCode)
		reason := fmt.Sprintf("api returned %d", resp.StatusCode)
		if kind == harvest.KindPermanentFailure {
			// 4xx other than auth/429: the reference does not resolve.
			return harvest.Metadata{}, harvest.NewClassified(harvest.KindInvalidReference, reason, nil)
		}
		return harvest.Metadata{}, harvest.NewClassified(kind, reason, nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return harvest.Metadata{}, harvest.NewClassified(harvest.KindTransient, "read body", err)
	}
	if len(body) == 0 {
		return harvest.Metadata{}, harvest.NewClassified(harvest.KindParseFailure, "empty response body", nil)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return harvest.Metadata{}, harvest.NewClassified(harvest.KindParseFailure, "malformed response body", err)
	}
	if len(raw) == 0 {
		return harvest.Metadata{}, harvest.NewClassified(harvest.KindParseFailure, "response object is empty", nil)
	}

	rec := normalize(raw, ref.CanonicalURL, ref.ContextLabel, c.clock.Now())
	if rec.ID == "" {
		rec.ID = trackID
	}
	return rec, nil
}

func (c *Client) refreshCredentials(ctx context.Context) error {
	if err := c.creds.Refresh(ctx); err != nil {
		c.logger.Warn("credential refresh failed, entering degraded mode", zap.Error(err))
		if c.onDegraded != nil {
			c.onDegraded()
		}
		return fmt.Errorf("refresh credentials: %w", err)
	}
	c.logger.Info("credential refreshed")
	return nil
}
