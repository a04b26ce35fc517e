// Package snapshot serializes the captured library to JSON and uploads it to
// a blob bucket, on an interval and on demand.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tunevault/harvester/internal/capture"
	"github.com/tunevault/harvester/internal/harvest"
)

// BlobStore writes one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Config controls snapshot naming and pacing.
type Config struct {
	// Prefix is the object path prefix inside the bucket.
	Prefix string
	// Interval between automatic snapshots; zero disables the loop and
	// leaves only on-demand snapshots.
	Interval time.Duration
}

// Snapshotter uploads library snapshots.
type Snapshotter struct {
	cfg      Config
	blobs    BlobStore
	captured *capture.Store
	clock    harvest.Clock
	logger   *zap.Logger
}

// New builds a Snapshotter.
func New(cfg Config, blobs BlobStore, captured *capture.Store, clock harvest.Clock, logger *zap.Logger) *Snapshotter {
	if cfg.Prefix == "" {
		cfg.Prefix = "library"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{cfg: cfg, blobs: blobs, captured: captured, clock: clock, logger: logger}
}

// Run takes snapshots on the configured interval until ctx ends. A zero
// interval returns immediately.
func (s *Snapshotter) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if uri, err := s.Snapshot(ctx); err != nil {
				s.logger.Warn("library snapshot failed", zap.Error(err))
			} else {
				s.logger.Info("library snapshot written", zap.String("uri", uri))
			}
		}
	}
}

// Snapshot serializes the captured map and uploads it, returning the object
// URI.
func (s *Snapshotter) Snapshot(ctx context.Context) (string, error) {
	records, err := s.captured.Records(ctx)
	if err != nil {
		return "", fmt.Errorf("read captured records: %w", err)
	}
	payload, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	path := s.objectPath(s.clock.Now())
	uri, err := s.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	return uri, nil
}

func (s *Snapshotter) objectPath(now time.Time) string {
	prefix := strings.Trim(s.cfg.Prefix, "/")
	return fmt.Sprintf("%s/%s.json", prefix, now.UTC().Format("2006-01-02T15-04-05Z"))
}
