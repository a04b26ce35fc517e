package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"golang.org/x/time/rate"
)

// HeadlessConfig controls the browser-rendered page scanner.
type HeadlessConfig struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// PageQPS paces renders against the library host (0.5 by default).
	PageQPS float64
}

// HeadlessScanner renders library pages with headless Chrome before
// extraction, for libraries that only populate their track lists in JS.
type HeadlessScanner struct {
	cfg         HeadlessConfig
	pacer       *rate.Limiter
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewHeadlessScanner creates the scanner and its browser allocator.
func NewHeadlessScanner(cfg HeadlessConfig) *HeadlessScanner {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 25 * time.Second
	}
	if cfg.PageQPS <= 0 {
		cfg.PageQPS = 0.5
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &HeadlessScanner{
		cfg:         cfg,
		pacer:       rate.NewLimiter(rate.Limit(cfg.PageQPS), 1),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// Close cancels the allocator context.
func (s *HeadlessScanner) Close() {
	s.allocCancel()
}

// Scan renders the page, waits for the body, and extracts its track links
// from the settled DOM.
func (s *HeadlessScanner) Scan(ctx context.Context, pageURL string) (PageScan, error) {
	if err := s.pacer.Wait(ctx); err != nil {
		return PageScan{}, fmt.Errorf("render pacer wait: %w", err)
	}

	taskCtx, taskCancel := chromedp.NewContext(s.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, s.cfg.NavigationTimeout)
	defer cancel()

	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	var html string
	actions := []chromedp.Action{
		emulation.SetUserAgentOverride(s.userAgent()),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return PageScan{}, fmt.Errorf("chromedp run: %w", err)
	}
	return extractTrackLinks([]byte(html), pageURL)
}

func (s *HeadlessScanner) userAgent() string {
	if s.cfg.UserAgent != "" {
		return s.cfg.UserAgent
	}
	return "tunevault-harvester/0.1"
}
