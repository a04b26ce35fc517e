// Package discovery walks the library pages, extracts track links plus their
// contextual labels, and feeds them into the shared ingestion buffer.
package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tunevault/harvester/internal/capture"
	"github.com/tunevault/harvester/internal/harvest"
)

// PageScan is the result of scanning one library page.
type PageScan struct {
	// Links are the raw track links found on the page.
	Links []string
	// ContextLabel is the page heading the links were found under, when any.
	ContextLabel string
}

// Scanner retrieves one page and extracts its track links.
type Scanner interface {
	Scan(ctx context.Context, pageURL string) (PageScan, error)
}

// Config controls the discoverer.
type Config struct {
	// LibraryURL is the page scanned on each interval.
	LibraryURL string
	// ScanInterval paces the periodic scan.
	ScanInterval time.Duration
}

// Discoverer runs the periodic scan and the manual submission path. Links
// already handed off are filtered through the processed-url set regardless
// of whether their processing ever succeeded.
type Discoverer struct {
	cfg      Config
	scanner  Scanner
	ingestor harvest.Ingestor
	seen     *capture.Store
	logger   *zap.Logger
}

// New builds a Discoverer.
func New(cfg Config, scanner Scanner, ingestor harvest.Ingestor, seen *capture.Store, logger *zap.Logger) *Discoverer {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		cfg:      cfg,
		scanner:  scanner,
		ingestor: ingestor,
		seen:     seen,
		logger:   logger,
	}
}

// Run scans on the configured interval until ctx ends.
func (d *Discoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	if err := d.ScanOnce(ctx); err != nil {
		d.logger.Warn("initial library scan failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.ScanOnce(ctx); err != nil {
				d.logger.Warn("library scan failed", zap.Error(err))
			}
		}
	}
}

// ScanOnce scans the library page and hands every link not seen before to
// the ingestion buffer.
func (d *Discoverer) ScanOnce(ctx context.Context) error {
	scan, err := d.scanner.Scan(ctx, d.cfg.LibraryURL)
	if err != nil {
		return fmt.Errorf("scan %s: %w", d.cfg.LibraryURL, err)
	}

	fresh := make([]string, 0, len(scan.Links))
	for _, link := range scan.Links {
		already, err := d.seen.SeenURL(ctx, link)
		if err != nil {
			return fmt.Errorf("processed url check: %w", err)
		}
		if already {
			continue
		}
		fresh = append(fresh, link)
	}
	if len(fresh) == 0 {
		return nil
	}

	if err := d.ingestor.AddToBuffer(ctx, fresh, false, scan.ContextLabel); err != nil {
		return fmt.Errorf("buffer links: %w", err)
	}
	for _, link := range fresh {
		if _, err := d.seen.RememberURL(ctx, link); err != nil {
			d.logger.Warn("remember url failed", zap.String("url", link), zap.Error(err))
		}
	}
	d.logger.Info("library scan handed off links",
		zap.Int("count", len(fresh)),
		zap.String("context", scan.ContextLabel),
	)
	return nil
}

// Submit is the manual single-item path; it bypasses the seen-url guard.
func (d *Discoverer) Submit(ctx context.Context, rawURL, contextLabel string) error {
	if err := d.ingestor.AddToBuffer(ctx, []string{rawURL}, true, contextLabel); err != nil {
		return fmt.Errorf("buffer manual link: %w", err)
	}
	if _, err := d.seen.RememberURL(ctx, rawURL); err != nil {
		d.logger.Warn("remember url failed", zap.String("url", rawURL), zap.Error(err))
	}
	return nil
}
