// Package coordinator implements lease-based leader election among
// cooperating processes and the shared ingestion buffer they all feed.
//
// The lease is soft: it lives in the shared store with last-writer-wins
// semantics and tolerates brief dual leadership, because every downstream
// write is idempotent under merge.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tunevault/harvester/internal/harvest"
	"github.com/tunevault/harvester/internal/store"
)

// Config holds the lease timing knobs.
type Config struct {
	// StaleAfter is the lease TTL: an absent lease, or one this process
	// owned and let go stale past this age, is claimable immediately.
	StaleAfter time.Duration
	// RenewEvery is the election/renewal check interval.
	RenewEvery time.Duration
	// ReclaimAfter is the extra slack a follower grants a peer's lease
	// before forcing a takeover.
	ReclaimAfter time.Duration
}

// DefaultConfig returns the stock lease timings.
func DefaultConfig() Config {
	return Config{
		StaleAfter:   15 * time.Second,
		RenewEvery:   5 * time.Second,
		ReclaimAfter: 30 * time.Second,
	}
}

// Coordinator runs the election loop for one process and owns buffer
// ingestion. It implements harvest.Ingestor.
type Coordinator struct {
	kv        store.KV
	processID string
	cfg       Config
	clock     harvest.Clock
	logger    *zap.Logger

	mu       sync.Mutex
	isLeader bool

	// OnElected and OnLost fire on leadership transitions; Nudge fires when
	// the leader should attempt a queue-processing run. All optional, set
	// before Run.
	OnElected func()
	OnLost    func()
	Nudge     func()
}

// New constructs a Coordinator. Zero config fields fall back to defaults.
func New(kv store.KV, processID string, cfg Config, clock harvest.Clock, logger *zap.Logger) *Coordinator {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.RenewEvery <= 0 {
		cfg.RenewEvery = DefaultConfig().RenewEvery
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = DefaultConfig().ReclaimAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		kv:        kv,
		processID: processID,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
	}
}

// IsLeader reports whether this process currently believes it holds the lease.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// Run drives the election loop until ctx ends, then releases the lease if
// still held. A change notification on the buffer key wakes an idle leader
// between renewal ticks.
func (c *Coordinator) Run(ctx context.Context) error {
	changes, stop, err := c.kv.Watch(ctx, harvest.KeyBuffer)
	if err != nil {
		return fmt.Errorf("watch buffer: %w", err)
	}
	defer stop()

	if err := c.Elect(ctx); err != nil {
		c.logger.Warn("initial election failed", zap.Error(err))
	}

	ticker := time.NewTicker(c.cfg.RenewEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Release(releaseCtx); err != nil {
				c.logger.Warn("lease release failed", zap.Error(err))
			}
			return nil
		case <-ticker.C:
			if err := c.Elect(ctx); err != nil {
				c.logger.Warn("election check failed", zap.Error(err))
			}
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if change.Remote && c.IsLeader() && c.Nudge != nil {
				c.Nudge()
			}
		}
	}
}

// Elect performs one election step: claim an absent or expired lease, renew
// an owned one, or remain a follower. A follower grants a live peer's lease
// the longer ReclaimAfter before taking over.
func (c *Coordinator) Elect(ctx context.Context) error {
	lease, found, err := c.readLease(ctx)
	if err != nil {
		return err
	}
	now := c.clock.Now()

	switch {
	case !found:
		return c.claim(ctx, now, "no leader present")
	case lease.OwnerID == c.processID:
		if err := c.writeLease(ctx, now); err != nil {
			return err
		}
		c.setLeader(true)
		return nil
	case lease.Expired(now, c.cfg.ReclaimAfter):
		return c.claim(ctx, now, "leader inactive past reclaim window")
	case lease.Expired(now, c.cfg.StaleAfter) && c.IsLeader():
		// We thought we led but another process overwrote a stale lease of
		// ours; its write is itself stale, so take the lease back.
		return c.claim(ctx, now, "stale lease held by inactive peer")
	default:
		c.setLeader(false)
		return nil
	}
}

// Release clears the lease if this process still owns it and steps down.
func (c *Coordinator) Release(ctx context.Context) error {
	lease, found, err := c.readLease(ctx)
	if err != nil {
		return err
	}
	if found && lease.OwnerID == c.processID {
		if err := c.kv.Delete(ctx, harvest.KeyLeader); err != nil {
			return fmt.Errorf("clear lease: %w", err)
		}
		c.logger.Info("lease released", zap.String("process_id", c.processID))
	}
	c.setLeader(false)
	return nil
}

// AddToBuffer canonicalizes the given links, drops every reference already
// present in the buffer or the main queue, and appends the rest to the
// shared buffer. A leader nudges its own processing loop afterwards.
func (c *Coordinator) AddToBuffer(ctx context.Context, urls []string, isManual bool, contextLabel string) error {
	if len(urls) == 0 {
		return nil
	}

	buffer, err := c.readRefs(ctx, harvest.KeyBuffer)
	if err != nil {
		return err
	}
	queue, err := c.readRefs(ctx, harvest.KeyQueue)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(buffer)+len(queue))
	for _, ref := range buffer {
		seen[ref.CanonicalURL] = struct{}{}
	}
	for _, ref := range queue {
		seen[ref.CanonicalURL] = struct{}{}
	}

	added := 0
	for _, raw := range urls {
		canonical, err := harvest.Canonicalize(raw)
		if err != nil {
			c.logger.Debug("dropping malformed link", zap.String("url", raw), zap.Error(err))
			continue
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		buffer = append(buffer, harvest.ItemRef{
			CanonicalURL: canonical,
			ContextLabel: contextLabel,
			IsManual:     isManual,
		})
		added++
	}
	if added == 0 {
		return nil
	}

	if err := c.writeRefs(ctx, harvest.KeyBuffer, buffer); err != nil {
		return err
	}
	c.logger.Debug("buffered new references",
		zap.Int("added", added),
		zap.Int("buffer_len", len(buffer)),
		zap.Bool("manual", isManual),
	)

	if c.IsLeader() && c.Nudge != nil {
		c.Nudge()
	}
	return nil
}

func (c *Coordinator) claim(ctx context.Context, now time.Time, reason string) error {
	if err := c.writeLease(ctx, now); err != nil {
		return err
	}
	c.logger.Info("claimed leadership",
		zap.String("process_id", c.processID),
		zap.String("reason", reason),
	)
	c.setLeader(true)
	return nil
}

func (c *Coordinator) setLeader(leading bool) {
	c.mu.Lock()
	was := c.isLeader
	c.isLeader = leading
	c.mu.Unlock()
	switch {
	case leading && !was:
		if c.OnElected != nil {
			c.OnElected()
		}
	case !leading && was:
		c.logger.Info("lost leadership", zap.String("process_id", c.processID))
		if c.OnLost != nil {
			c.OnLost()
		}
	}
}

func (c *Coordinator) readLease(ctx context.Context) (harvest.Lease, bool, error) {
	data, found, err := c.kv.Get(ctx, harvest.KeyLeader)
	if err != nil {
		return harvest.Lease{}, false, fmt.Errorf("read lease: %w", err)
	}
	if !found || len(data) == 0 {
		return harvest.Lease{}, false, nil
	}
	var lease harvest.Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		// A corrupt lease is treated as absent so election can proceed.
		c.logger.Warn("discarding unreadable lease", zap.Error(err))
		return harvest.Lease{}, false, nil
	}
	return lease, true, nil
}

func (c *Coordinator) writeLease(ctx context.Context, now time.Time) error {
	data, err := json.Marshal(harvest.Lease{OwnerID: c.processID, RenewedAt: now})
	if err != nil {
		return fmt.Errorf("encode lease: %w", err)
	}
	if err := c.kv.Set(ctx, harvest.KeyLeader, data); err != nil {
		return fmt.Errorf("write lease: %w", err)
	}
	return nil
}

func (c *Coordinator) readRefs(ctx context.Context, key string) ([]harvest.ItemRef, error) {
	data, _, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	refs, err := harvest.DecodeRefs(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return refs, nil
}

func (c *Coordinator) writeRefs(ctx context.Context, key string, refs []harvest.ItemRef) error {
	data, err := harvest.EncodeRefs(refs)
	if err != nil {
		return err
	}
	if err := c.kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
