// Package jobqueue owns the durable main queue and failed list, and runs the
// leader-only processing loop that dispatches fetches and folds results into
// the captured-record store.
package jobqueue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tunevault/harvester/internal/capture"
	"github.com/tunevault/harvester/internal/harvest"
	"github.com/tunevault/harvester/internal/progress"
	"github.com/tunevault/harvester/internal/store"
)

// Leadership reports whether this process currently holds the lease.
type Leadership interface {
	IsLeader() bool
}

// Config controls batch size, retry budget and loop pacing.
type Config struct {
	// Concurrency bounds the number of fetches dispatched per batch.
	Concurrency int
	// MaxRetries bounds requeues per entry before it moves to the failed list.
	MaxRetries int
	// Busy delays pace the loop while work remains; idle delays are
	// randomized to avoid synchronized polling across processes.
	BusyDelayMin time.Duration
	BusyDelayMax time.Duration
	IdleDelayMin time.Duration
	IdleDelayMax time.Duration
}

// DefaultConfig returns the stock loop settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:  8,
		MaxRetries:   2,
		BusyDelayMin: 100 * time.Millisecond,
		BusyDelayMax: 300 * time.Millisecond,
		IdleDelayMin: time.Second,
		IdleDelayMax: 2 * time.Second,
	}
}

// Queue drives the queued → in-flight → {captured, requeued, failed} state
// machine over the entries persisted in the shared store.
type Queue struct {
	kv        store.KV
	captured  *capture.Store
	fetcher   harvest.Fetcher
	leader    Leadership
	archiver  harvest.Archiver
	events    progress.Emitter
	processID string
	clock     harvest.Clock
	logger    *zap.Logger
	cfg       Config

	running   atomic.Bool
	clearing  atomic.Bool
	resetDone atomic.Bool
	degraded  atomic.Bool

	// mu serializes read-modify-write cycles on the queue and failed keys,
	// which concurrent batch goroutines would otherwise race on.
	mu sync.Mutex

	baseCtx  context.Context
	timerMu  sync.Mutex
	nextRun  *time.Timer
	stopped  atomic.Bool
	resetFns []func()
}

// New constructs a Queue. archiver and events may be nil.
func New(
	kv store.KV,
	captured *capture.Store,
	fetcher harvest.Fetcher,
	leader Leadership,
	archiver harvest.Archiver,
	events progress.Emitter,
	processID string,
	cfg Config,
	clock harvest.Clock,
	logger *zap.Logger,
) *Queue {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BusyDelayMin <= 0 {
		cfg.BusyDelayMin = def.BusyDelayMin
	}
	if cfg.BusyDelayMax < cfg.BusyDelayMin {
		cfg.BusyDelayMax = def.BusyDelayMax
	}
	if cfg.IdleDelayMin <= 0 {
		cfg.IdleDelayMin = def.IdleDelayMin
	}
	if cfg.IdleDelayMax < cfg.IdleDelayMin {
		cfg.IdleDelayMax = def.IdleDelayMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		kv:        kv,
		captured:  captured,
		fetcher:   fetcher,
		leader:    leader,
		archiver:  archiver,
		events:    events,
		processID: processID,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		baseCtx:   context.Background(),
	}
}

// Start records the context scheduled runs inherit and kicks off the loop.
func (q *Queue) Start(ctx context.Context) {
	q.baseCtx = ctx
	q.Kick()
}

// Stop cancels any pending scheduled run.
func (q *Queue) Stop() {
	q.stopped.Store(true)
	q.timerMu.Lock()
	if q.nextRun != nil {
		q.nextRun.Stop()
		q.nextRun = nil
	}
	q.timerMu.Unlock()
}

// Kick attempts a processing run on a fresh goroutine. Safe to call from any
// goroutine at any time; overlapping kicks collapse into the running pass.
func (q *Queue) Kick() {
	if q.stopped.Load() {
		return
	}
	go func() {
		if err := q.ProcessQueue(q.baseCtx); err != nil {
			q.logger.Error("queue pass failed", zap.Error(err))
		}
	}()
}

// OnResetAlso registers a hook invoked during Reset, after the collections
// are cleared (used to drop per-process caches).
func (q *Queue) OnResetAlso(fn func()) {
	q.resetFns = append(q.resetFns, fn)
}

// SetDegraded toggles degraded mode. While degraded, automatic processing is
// disabled until external intervention clears the flag.
func (q *Queue) SetDegraded(on bool) {
	was := q.degraded.Swap(on)
	if on && !was {
		q.logger.Warn("degraded mode enabled, automatic processing paused")
		q.emit(progress.Event{Stage: progress.StageDegraded, Outcome: "entered", Reason: "credential refresh failed"})
	}
	if !on && was {
		q.logger.Info("degraded mode cleared")
		q.emit(progress.Event{Stage: progress.StageDegraded, Outcome: "cleared"})
		q.Kick()
	}
}

// Degraded reports whether automatic processing is currently disabled.
func (q *Queue) Degraded() bool { return q.degraded.Load() }

// ProcessQueue runs one processing pass: drain the buffer into the queue,
// claim a batch off the head, persist the shortened queue, dispatch the
// batch concurrently, then self-schedule the next pass. A second invocation
// while one is running is a no-op.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return nil
	}
	defer func() {
		q.running.Store(false)
		// A reset can finish wiping in the instant this pass exits, with
		// neither side seeing the other's flag flip. The exit path settles
		// it so the flag cannot stay up with no pass scheduled.
		if q.resetDone.Load() {
			q.finishClearing(ctx)
		}
	}()

	if q.leader != nil && !q.leader.IsLeader() {
		return nil
	}
	if q.degraded.Load() {
		return nil
	}
	if q.isClearing(ctx) {
		// A finished reset whose flag is still up gets cleared here; a
		// reset still wiping collections is left alone.
		if q.resetDone.Load() {
			q.finishClearing(ctx)
		}
		return nil
	}

	if err := q.drainBuffer(ctx); err != nil {
		q.logger.Error("buffer drain failed", zap.Error(err))
	}

	batch, err := q.claimBatch(ctx)
	if err != nil {
		q.scheduleNext(ctx, true)
		return err
	}

	if len(batch) > 0 {
		var wg sync.WaitGroup
		for _, entry := range batch {
			wg.Add(1)
			go func(entry harvest.ItemRef) {
				defer wg.Done()
				q.processEntry(ctx, entry)
			}(entry)
		}
		wg.Wait()
	}

	// A reset that started during this batch already discarded its results;
	// finish the reset instead of rescheduling.
	if q.clearing.Load() {
		if q.resetDone.Load() {
			q.finishClearing(ctx)
		}
		return nil
	}

	busy, err := q.hasPendingWork(ctx)
	if err != nil {
		busy = len(batch) > 0
	}
	q.scheduleNext(ctx, busy)
	return nil
}

// RequeueFailed moves every failed entry back onto the tail of the main
// queue with a fresh retry budget and clears the failed list.
func (q *Queue) RequeueFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	failed, err := q.readFailed(ctx)
	if err != nil {
		return 0, err
	}
	if len(failed) == 0 {
		return 0, nil
	}
	queue, err := q.readRefs(ctx, harvest.KeyQueue)
	if err != nil {
		return 0, err
	}
	present := make(map[string]struct{}, len(queue))
	for _, ref := range queue {
		present[ref.CanonicalURL] = struct{}{}
	}
	moved := 0
	for _, item := range failed {
		if _, dup := present[item.Ref.CanonicalURL]; dup {
			continue
		}
		ref := item.Ref
		ref.RetryCount = 0
		queue = append(queue, ref)
		moved++
	}
	if err := q.writeRefs(ctx, harvest.KeyQueue, queue); err != nil {
		return 0, err
	}
	if err := q.writeFailed(ctx, nil); err != nil {
		return 0, err
	}
	q.logger.Info("failed entries requeued", zap.Int("count", moved))
	return moved, nil
}

// Reset performs the full reset: raises the clearing flag so in-flight
// results are discarded on arrival, clears the queue, buffer, failed list
// and every captured collection, then resumes normal operation. The flag
// stays up until any batch that was in flight has landed.
func (q *Queue) Reset(ctx context.Context) error {
	q.clearing.Store(true)
	if err := q.kv.Set(ctx, harvest.KeyClearing, []byte("1")); err != nil {
		q.clearing.Store(false)
		return fmt.Errorf("set clearing flag: %w", err)
	}

	q.mu.Lock()
	err := func() error {
		for _, key := range []string{harvest.KeyQueue, harvest.KeyBuffer, harvest.KeyFailed} {
			if err := q.kv.Delete(ctx, key); err != nil {
				return fmt.Errorf("clear %s: %w", key, err)
			}
		}
		if err := q.captured.Reset(ctx); err != nil {
			return fmt.Errorf("clear captured collections: %w", err)
		}
		return nil
	}()
	q.mu.Unlock()
	if err != nil {
		q.finishClearing(ctx)
		return err
	}

	for _, fn := range q.resetFns {
		fn()
	}
	q.emit(progress.Event{Stage: progress.StageReset})
	q.logger.Info("full reset completed")

	q.resetDone.Store(true)
	if !q.running.Load() {
		// No pass in flight; nothing left to discard.
		q.finishClearing(ctx)
	}
	return nil
}

// finishClearing lowers the clearing flag and restarts the loop.
func (q *Queue) finishClearing(ctx context.Context) {
	if !q.clearing.CompareAndSwap(true, false) {
		return
	}
	q.resetDone.Store(false)
	if err := q.kv.Delete(ctx, harvest.KeyClearing); err != nil {
		q.logger.Warn("clearing flag removal failed", zap.Error(err))
	}
	q.Kick()
}

// Snapshot returns the current queue, buffer and failed list contents.
func (q *Queue) Snapshot(ctx context.Context) (queue, buffer []harvest.ItemRef, failed []harvest.FailedItem, err error) {
	if queue, err = q.readRefs(ctx, harvest.KeyQueue); err != nil {
		return nil, nil, nil, err
	}
	if buffer, err = q.readRefs(ctx, harvest.KeyBuffer); err != nil {
		return nil, nil, nil, err
	}
	if failed, err = q.readFailed(ctx); err != nil {
		return nil, nil, nil, err
	}
	return queue, buffer, failed, nil
}

func (q *Queue) drainBuffer(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	buffer, err := q.readRefs(ctx, harvest.KeyBuffer)
	if err != nil {
		return err
	}
	if len(buffer) == 0 {
		return nil
	}
	queue, err := q.readRefs(ctx, harvest.KeyQueue)
	if err != nil {
		return err
	}
	present := make(map[string]struct{}, len(queue))
	for _, ref := range queue {
		present[ref.CanonicalURL] = struct{}{}
	}
	added := 0
	for _, ref := range buffer {
		if _, dup := present[ref.CanonicalURL]; dup {
			continue
		}
		present[ref.CanonicalURL] = struct{}{}
		queue = append(queue, ref)
		added++
	}
	if err := q.writeRefs(ctx, harvest.KeyQueue, queue); err != nil {
		return err
	}
	if err := q.writeRefs(ctx, harvest.KeyBuffer, nil); err != nil {
		return err
	}
	q.logger.Debug("buffer drained", zap.Int("added", added), zap.Int("queue_len", len(queue)))
	return nil
}

// claimBatch removes up to Concurrency entries from the head of the queue
// and persists the shortened queue before any fetch starts, so an
// interrupted run cannot double-dispatch them.
func (q *Queue) claimBatch(ctx context.Context) ([]harvest.ItemRef, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue, err := q.readRefs(ctx, harvest.KeyQueue)
	if err != nil {
		return nil, err
	}
	if len(queue) == 0 {
		return nil, nil
	}
	n := min(q.cfg.Concurrency, len(queue))
	batch := append([]harvest.ItemRef(nil), queue[:n]...)
	if err := q.writeRefs(ctx, harvest.KeyQueue, queue[n:]); err != nil {
		return nil, err
	}
	return batch, nil
}

func (q *Queue) processEntry(ctx context.Context, entry harvest.ItemRef) {
	q.emit(progress.Event{
		Stage:        progress.StageCaptureStart,
		URL:          entry.CanonicalURL,
		ContextLabel: entry.ContextLabel,
		Attempt:      entry.RetryCount,
	})

	started := q.clock.Now()
	rec, err := q.fetcher.Fetch(ctx, entry)
	elapsed := q.clock.Now().Sub(started)

	// A reset that started while this fetch was in flight discards the
	// result entirely.
	if q.clearing.Load() {
		q.logger.Debug("discarding in-flight result during reset", zap.String("url", entry.CanonicalURL))
		return
	}

	if err != nil {
		q.handleFailure(ctx, entry, err, elapsed)
		return
	}
	q.handleSuccess(ctx, entry, rec, elapsed)
}

func (q *Queue) handleSuccess(ctx context.Context, entry harvest.ItemRef, rec harvest.Metadata, elapsed time.Duration) {
	outcome := capture.OutcomeSkipped

	_, alreadyCaptured, err := q.captured.Get(ctx, entry.CanonicalURL)
	if err != nil {
		q.logger.Error("captured lookup failed", zap.String("url", entry.CanonicalURL), zap.Error(err))
	}
	duplicateContent := false
	if !alreadyCaptured && rec.GenerationID != "" {
		// A known generation id behind a new URL is the same content
		// reachable through a variant link.
		duplicateContent, err = q.captured.IsProcessedID(ctx, rec.GenerationID)
		if err != nil {
			q.logger.Error("processed id lookup failed", zap.String("url", entry.CanonicalURL), zap.Error(err))
			duplicateContent = false
		}
	}

	if !duplicateContent {
		outcome, err = q.captured.MergeRecord(ctx, entry.CanonicalURL, rec)
		if err != nil {
			q.handleFailure(ctx, entry, harvest.NewClassified(harvest.KindTransient, "captured store write failed", err), elapsed)
			return
		}
	}

	if err := q.captured.MarkProcessed(ctx, entry.CanonicalURL, rec.GenerationID); err != nil {
		q.logger.Error("mark processed failed", zap.String("url", entry.CanonicalURL), zap.Error(err))
	}
	if _, err := q.captured.RememberURL(ctx, entry.CanonicalURL); err != nil {
		q.logger.Error("remember url failed", zap.String("url", entry.CanonicalURL), zap.Error(err))
	}
	if q.archiver != nil && outcome != capture.OutcomeSkipped {
		if err := q.archiver.Upsert(ctx, rec); err != nil {
			q.logger.Warn("archive upsert failed", zap.String("url", entry.CanonicalURL), zap.Error(err))
		}
	}

	q.emit(progress.Event{
		Stage:        progress.StageCaptureDone,
		URL:          entry.CanonicalURL,
		ContextLabel: rec.ContextLabel,
		Outcome:      string(outcome),
		Dur:          elapsed,
	})
}

func (q *Queue) handleFailure(ctx context.Context, entry harvest.ItemRef, fetchErr error, elapsed time.Duration) {
	kind := harvest.KindOf(fetchErr)
	reason := harvest.ReasonOf(fetchErr)

	if harvest.IsRetryable(fetchErr) && entry.RetryCount < q.cfg.MaxRetries {
		entry.RetryCount++
		if err := q.requeueTail(ctx, entry); err != nil {
			q.logger.Error("requeue failed", zap.String("url", entry.CanonicalURL), zap.Error(err))
			return
		}
		q.emit(progress.Event{
			Stage:   progress.StageRequeued,
			URL:     entry.CanonicalURL,
			Attempt: entry.RetryCount,
			Outcome: string(kind),
			Reason:  reason,
		})
		return
	}

	if err := q.appendFailed(ctx, entry, reason); err != nil {
		q.logger.Error("failed-list append failed", zap.String("url", entry.CanonicalURL), zap.Error(err))
		return
	}
	q.logger.Warn("entry moved to failed list",
		zap.String("url", entry.CanonicalURL),
		zap.String("kind", string(kind)),
		zap.String("reason", reason),
	)
	q.emit(progress.Event{
		Stage:   progress.StageCaptureFailed,
		URL:     entry.CanonicalURL,
		Attempt: entry.RetryCount,
		Outcome: string(kind),
		Reason:  reason,
		Dur:     elapsed,
	})
}

func (q *Queue) requeueTail(ctx context.Context, entry harvest.ItemRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	queue, err := q.readRefs(ctx, harvest.KeyQueue)
	if err != nil {
		return err
	}
	queue = append(queue, entry)
	return q.writeRefs(ctx, harvest.KeyQueue, queue)
}

// appendFailed is idempotent per URL: repeated terminal failures for the
// same entry produce exactly one failed-list record.
func (q *Queue) appendFailed(ctx context.Context, entry harvest.ItemRef, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	failed, err := q.readFailed(ctx)
	if err != nil {
		return err
	}
	for _, item := range failed {
		if item.Ref.CanonicalURL == entry.CanonicalURL {
			return nil
		}
	}
	failed = append(failed, harvest.FailedItem{
		Ref:      entry,
		Reason:   reason,
		FailedAt: q.clock.Now(),
	})
	return q.writeFailed(ctx, failed)
}

func (q *Queue) hasPendingWork(ctx context.Context) (bool, error) {
	queue, err := q.readRefs(ctx, harvest.KeyQueue)
	if err != nil {
		return false, err
	}
	if len(queue) > 0 {
		return true, nil
	}
	buffer, err := q.readRefs(ctx, harvest.KeyBuffer)
	if err != nil {
		return false, err
	}
	return len(buffer) > 0, nil
}

// scheduleNext self-schedules the next pass. A process that lost leadership
// mid-run finishes its batch but does not reschedule.
func (q *Queue) scheduleNext(ctx context.Context, busy bool) {
	if q.stopped.Load() || ctx.Err() != nil {
		return
	}
	if q.leader != nil && !q.leader.IsLeader() {
		return
	}
	if q.degraded.Load() || q.clearing.Load() {
		return
	}
	delay := randomBetween(q.cfg.IdleDelayMin, q.cfg.IdleDelayMax)
	if busy {
		delay = randomBetween(q.cfg.BusyDelayMin, q.cfg.BusyDelayMax)
	}
	q.timerMu.Lock()
	defer q.timerMu.Unlock()
	if q.nextRun != nil {
		q.nextRun.Stop()
	}
	q.nextRun = time.AfterFunc(delay, q.Kick)
}

func (q *Queue) isClearing(ctx context.Context) bool {
	if q.clearing.Load() {
		return true
	}
	data, found, err := q.kv.Get(ctx, harvest.KeyClearing)
	if err != nil {
		q.logger.Warn("clearing flag read failed", zap.Error(err))
		return false
	}
	return found && len(data) > 0
}

func (q *Queue) emit(evt progress.Event) {
	if q.events == nil {
		return
	}
	evt.ProcessID = q.processID
	evt.TS = q.clock.Now().UTC()
	q.events.Emit(evt)
}

func (q *Queue) readRefs(ctx context.Context, key string) ([]harvest.ItemRef, error) {
	data, _, err := q.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	refs, err := harvest.DecodeRefs(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return refs, nil
}

func (q *Queue) writeRefs(ctx context.Context, key string, refs []harvest.ItemRef) error {
	data, err := harvest.EncodeRefs(refs)
	if err != nil {
		return err
	}
	if err := q.kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (q *Queue) readFailed(ctx context.Context) ([]harvest.FailedItem, error) {
	data, _, err := q.kv.Get(ctx, harvest.KeyFailed)
	if err != nil {
		return nil, fmt.Errorf("read failed list: %w", err)
	}
	items, err := harvest.DecodeFailed(data)
	if err != nil {
		return nil, fmt.Errorf("decode failed list: %w", err)
	}
	return items, nil
}

func (q *Queue) writeFailed(ctx context.Context, items []harvest.FailedItem) error {
	data, err := harvest.EncodeFailed(items)
	if err != nil {
		return err
	}
	if err := q.kv.Set(ctx, harvest.KeyFailed, data); err != nil {
		return fmt.Errorf("write failed list: %w", err)
	}
	return nil
}

func randomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}
