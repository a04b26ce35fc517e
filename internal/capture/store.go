package capture

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/tunevault/harvester/internal/harvest"
	"github.com/tunevault/harvester/internal/store"
)

// Shared-store keys owned by this package.
const (
	KeyCaptured      = "captured"
	KeyProcessedIDs  = "processed_ids"
	KeyProcessedURLs = "processed_urls"
)

// ProcessedUrlSet bounds: trim to the most recent keepRecent once the set
// exceeds trimThreshold.
const (
	trimThreshold = 1000
	keepRecent    = 500
)

// Store persists captured records and the processed-id/url guards in the
// shared KV store. All mutations are read-modify-write; last-writer-wins is
// acceptable because merges are idempotent.
type Store struct {
	kv     store.KV
	clock  harvest.Clock
	logger *zap.Logger
}

// MergeOutcome describes what a MergeRecord call did.
type MergeOutcome string

// Merge outcomes.
const (
	OutcomeCreated MergeOutcome = "created"
	OutcomeMerged  MergeOutcome = "merged"
	OutcomeSkipped MergeOutcome = "skipped"
)

// New builds a Store.
func New(kv store.KV, clock harvest.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: kv, clock: clock, logger: logger}
}

// Records returns the full captured map.
func (s *Store) Records(ctx context.Context) (map[string]harvest.Metadata, error) {
	records := map[string]harvest.Metadata{}
	if err := s.readJSON(ctx, KeyCaptured, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// Get returns one record by canonical URL.
func (s *Store) Get(ctx context.Context, canonicalURL string) (harvest.Metadata, bool, error) {
	records, err := s.Records(ctx)
	if err != nil {
		return harvest.Metadata{}, false, err
	}
	rec, ok := records[canonicalURL]
	return rec, ok, nil
}

// MergeRecord folds a fresh capture into the store under the canonical URL,
// applying the skip/merge rules. The record count stays at most one per URL.
func (s *Store) MergeRecord(ctx context.Context, canonicalURL string, fresh harvest.Metadata) (MergeOutcome, error) {
	records, err := s.Records(ctx)
	if err != nil {
		return "", err
	}
	existing, ok := records[canonicalURL]
	if !ok {
		records[canonicalURL] = fresh
		if err := s.writeJSON(ctx, KeyCaptured, records); err != nil {
			return "", err
		}
		return OutcomeCreated, nil
	}
	if ShouldSkip(existing, fresh) {
		return OutcomeSkipped, nil
	}
	records[canonicalURL] = Merge(existing, fresh)
	if err := s.writeJSON(ctx, KeyCaptured, records); err != nil {
		return "", err
	}
	return OutcomeMerged, nil
}

// MarkProcessed records the canonical URL and generation id so neither the
// discovery layer nor the queue reprocesses equivalent content.
func (s *Store) MarkProcessed(ctx context.Context, canonicalURL, generationID string) error {
	if generationID != "" {
		ids := map[string]bool{}
		if err := s.readJSON(ctx, KeyProcessedIDs, &ids); err != nil {
			return err
		}
		if !ids[generationID] {
			ids[generationID] = true
			if err := s.writeJSON(ctx, KeyProcessedIDs, ids); err != nil {
				return err
			}
		}
	}
	_, err := s.RememberURL(ctx, canonicalURL)
	return err
}

// IsProcessedID reports whether the generation id was captured before.
func (s *Store) IsProcessedID(ctx context.Context, generationID string) (bool, error) {
	if generationID == "" {
		return false, nil
	}
	ids := map[string]bool{}
	if err := s.readJSON(ctx, KeyProcessedIDs, &ids); err != nil {
		return false, err
	}
	return ids[generationID], nil
}

// RememberURL appends the URL to the bounded processed-url list, trimming to
// the most recent entries past the threshold. Returns whether the URL was
// already present.
func (s *Store) RememberURL(ctx context.Context, rawURL string) (bool, error) {
	var urls []string
	if err := s.readJSON(ctx, KeyProcessedURLs, &urls); err != nil {
		return false, err
	}
	for _, u := range urls {
		if u == rawURL {
			return true, nil
		}
	}
	urls = append(urls, rawURL)
	if len(urls) > trimThreshold {
		urls = urls[len(urls)-keepRecent:]
		s.logger.Debug("trimmed processed url set", zap.Int("kept", len(urls)))
	}
	return false, s.writeJSON(ctx, KeyProcessedURLs, urls)
}

// SeenURL reports whether the discovery layer already handed off this URL.
func (s *Store) SeenURL(ctx context.Context, rawURL string) (bool, error) {
	var urls []string
	if err := s.readJSON(ctx, KeyProcessedURLs, &urls); err != nil {
		return false, err
	}
	for _, u := range urls {
		if u == rawURL {
			return true, nil
		}
	}
	return false, nil
}

// Reset clears captured records and both processed sets.
func (s *Store) Reset(ctx context.Context) error {
	for _, key := range []string{KeyCaptured, KeyProcessedIDs, KeyProcessedURLs} {
		if err := s.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("reset %s: %w", key, err)
		}
	}
	return nil
}

// Stats summarizes the library for the read-only API.
type Stats struct {
	Records    int `json:"records"`
	Complete   int `json:"complete"`
	Incomplete int `json:"incomplete"`
}

// Stats computes record counts and completeness totals.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	records, err := s.Records(ctx)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{Records: len(records)}
	for _, rec := range records {
		if IsComplete(rec) {
			out.Complete++
		} else {
			out.Incomplete++
		}
	}
	return out, nil
}

func (s *Store) readJSON(ctx context.Context, key string, dest any) error {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if !ok || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) writeJSON(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
