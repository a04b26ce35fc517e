package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
)

// CollyConfig controls the plain-HTTP page scanner.
type CollyConfig struct {
	UserAgent    string
	Timeout      time.Duration
	AllowedHosts []string
}

// CollyScanner retrieves library pages over plain HTTP with a colly
// collector. Suitable when the library renders server side.
type CollyScanner struct {
	cfg           CollyConfig
	baseCollector *colly.Collector
}

// NewCollyScanner builds a CollyScanner.
func NewCollyScanner(cfg CollyConfig) *CollyScanner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	opts := []colly.CollectorOption{colly.Async(false)}
	if len(cfg.AllowedHosts) > 0 {
		opts = append(opts, colly.AllowedDomains(cfg.AllowedHosts...))
	}
	c := colly.NewCollector(opts...)
	c.IgnoreRobotsTxt = false
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &CollyScanner{cfg: cfg, baseCollector: c}
}

// Scan fetches the page and extracts its track links.
func (s *CollyScanner) Scan(ctx context.Context, pageURL string) (PageScan, error) {
	var (
		body     []byte
		fetchErr error
	)
	collector := s.baseCollector.Clone()
	collector.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("fetch page (status %d): %w", r.StatusCode, err)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := collector.Visit(pageURL); err != nil && fetchErr == nil {
			fetchErr = fmt.Errorf("visit page: %w", err)
		}
		collector.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return PageScan{}, fmt.Errorf("page scan: %w", ctx.Err())
	}
	if fetchErr != nil {
		return PageScan{}, fetchErr
	}
	return extractTrackLinks(body, pageURL)
}
