// Package app initializes and holds the long-lived harvester services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/tunevault/harvester/internal/api"
	"github.com/tunevault/harvester/internal/archive"
	gcsblob "github.com/tunevault/harvester/internal/blob/gcs"
	"github.com/tunevault/harvester/internal/capture"
	"github.com/tunevault/harvester/internal/clock/system"
	"github.com/tunevault/harvester/internal/config"
	"github.com/tunevault/harvester/internal/coordinator"
	"github.com/tunevault/harvester/internal/discovery"
	"github.com/tunevault/harvester/internal/fetcher"
	"github.com/tunevault/harvester/internal/harvest"
	"github.com/tunevault/harvester/internal/id/uuid"
	"github.com/tunevault/harvester/internal/jobqueue"
	"github.com/tunevault/harvester/internal/metrics"
	"github.com/tunevault/harvester/internal/progress"
	pubsubpub "github.com/tunevault/harvester/internal/publisher/pubsub"
	"github.com/tunevault/harvester/internal/ratelimit"
	"github.com/tunevault/harvester/internal/retry"
	"github.com/tunevault/harvester/internal/snapshot"
	"github.com/tunevault/harvester/internal/store"
	"github.com/tunevault/harvester/internal/store/memory"
	redisstore "github.com/tunevault/harvester/internal/store/redis"
)

// App holds every long-lived service for one harvester process. It is built
// once at startup and torn down by Close.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	ProcessID string

	KV          store.KV
	Captured    *capture.Store
	Coordinator *coordinator.Coordinator
	Queue       *jobqueue.Queue
	Fetcher     *fetcher.Client
	Discoverer  *discovery.Discoverer
	Snapshotter *snapshot.Snapshotter
	Hub         *progress.Hub
	Server      *api.Server

	archiveStore *archive.Store
	publisher    *pubsubpub.Publisher
	gcsClient    *gstorage.Client
	headless     *discovery.HeadlessScanner
}

// New wires every service from configuration. It fails fast when a required
// dependency cannot be initialized; optional services (archive, snapshots,
// pubsub, discovery) are skipped when unconfigured.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	processID, err := uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate process id: %w", err)
	}
	clock := system.New()
	a := &App{Config: cfg, Logger: logger, ProcessID: processID}

	switch cfg.Store.Backend {
	case "redis":
		kv, err := redisstore.New(redisstore.Config{
			Addr:      cfg.Store.Addr,
			Password:  cfg.Store.Password,
			DB:        cfg.Store.DB,
			Instance:  cfg.Store.Instance,
			ProcessID: processID,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize redis store: %w", err)
		}
		if err := kv.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.KV = kv
	case "memory":
		logger.Info("using in-memory store, coordination is limited to this process")
		a.KV = memory.NewHub().Client(processID)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	a.Captured = capture.New(a.KV, clock, logger.Named("capture"))

	sinks := []progress.Sink{
		progress.NewLogSink(logger.Named("events")),
		progress.NewMetricsSink(),
	}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub client: %w", err)
		}
		pub, err := pubsubpub.New(client)
		if err != nil {
			return nil, fmt.Errorf("initialize pubsub publisher: %w", err)
		}
		a.publisher = pub
		sinks = append(sinks, progress.NewPublishSink(pub, cfg.PubSub.TopicName))
		logger.Info("publishing capture events", zap.String("topic", cfg.PubSub.TopicName))
	}
	a.Hub = progress.NewHub(progress.Config{Logger: logger.Named("progress")}, sinks...)

	limiter := ratelimit.New(ratelimit.Config{
		Requests:    cfg.API.RequestsPerWin,
		Window:      cfg.RateWindow(),
		BackoffBase: time.Duration(cfg.API.BackoffInitialMs) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.API.BackoffMaxMs) * time.Millisecond,
	})
	policy := retry.Default()
	if cfg.API.BackoffInitialMs > 0 {
		policy.BaseDelay = time.Duration(cfg.API.BackoffInitialMs) * time.Millisecond
	}
	if cfg.API.BackoffMaxMs > 0 {
		policy.CapDelay = time.Duration(cfg.API.BackoffMaxMs) * time.Millisecond
	}
	a.Fetcher = fetcher.New(
		fetcher.Config{
			BaseURL:   cfg.API.BaseURL,
			UserAgent: cfg.API.UserAgent,
			Timeout:   cfg.APITimeout(),
			CacheTTL:  time.Duration(cfg.API.CacheTTLSeconds) * time.Second,
			CacheSize: cfg.API.CacheSize,
		},
		limiter,
		policy,
		fetcher.StaticCredentials{Value: cfg.API.Token},
		clock,
		logger.Named("fetcher"),
		func() {
			if a.Queue != nil {
				a.Queue.SetDegraded(true)
			}
		},
	)

	a.Coordinator = coordinator.New(a.KV, processID, coordinator.Config{
		StaleAfter:   time.Duration(cfg.Lease.StaleAfterSeconds) * time.Second,
		RenewEvery:   time.Duration(cfg.Lease.RenewEverySeconds) * time.Second,
		ReclaimAfter: time.Duration(cfg.Lease.ReclaimAfterSeconds) * time.Second,
	}, clock, logger.Named("coordinator"))

	var archiver harvest.Archiver
	if cfg.DB.DSN != "" {
		st, err := archive.New(ctx, archive.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
		})
		if err != nil {
			return nil, fmt.Errorf("initialize archive: %w", err)
		}
		a.archiveStore = st
		archiver = st
		logger.Info("archiving captured records to postgres")
	}

	a.Queue = jobqueue.New(
		a.KV,
		a.Captured,
		a.Fetcher,
		a.Coordinator,
		archiver,
		a.Hub,
		processID,
		jobqueue.Config{
			Concurrency:  cfg.Queue.Concurrency,
			MaxRetries:   cfg.Queue.MaxRetries,
			BusyDelayMin: time.Duration(cfg.Queue.BusyDelayMin) * time.Millisecond,
			BusyDelayMax: time.Duration(cfg.Queue.BusyDelayMax) * time.Millisecond,
			IdleDelayMin: time.Duration(cfg.Queue.IdleDelayMin) * time.Millisecond,
			IdleDelayMax: time.Duration(cfg.Queue.IdleDelayMax) * time.Millisecond,
		},
		clock,
		logger.Named("jobqueue"),
	)
	a.Queue.OnResetAlso(a.Fetcher.InvalidateCache)

	a.Coordinator.OnElected = func() {
		metrics.SetLeader(true)
		a.Hub.Emit(progress.Event{Stage: progress.StageLeaderElected, ProcessID: processID, TS: clock.Now()})
		a.Queue.Kick()
	}
	a.Coordinator.OnLost = func() {
		metrics.SetLeader(false)
		a.Hub.Emit(progress.Event{Stage: progress.StageLeaderLost, ProcessID: processID, TS: clock.Now()})
	}
	a.Coordinator.Nudge = a.Queue.Kick

	if cfg.Discover.Enabled {
		var scanner discovery.Scanner
		if cfg.Discover.UseHeadless {
			hs := discovery.NewHeadlessScanner(discovery.HeadlessConfig{
				UserAgent:         cfg.API.UserAgent,
				NavigationTimeout: time.Duration(cfg.Discover.NavTimeout) * time.Second,
			})
			a.headless = hs
			scanner = hs
		} else {
			scanner = discovery.NewCollyScanner(discovery.CollyConfig{
				UserAgent:    cfg.API.UserAgent,
				Timeout:      cfg.APITimeout(),
				AllowedHosts: splitHosts(cfg.Discover.AllowedHosts),
			})
		}
		a.Discoverer = discovery.New(discovery.Config{
			LibraryURL:   cfg.Discover.LibraryURL,
			ScanInterval: time.Duration(cfg.Discover.ScanSeconds) * time.Second,
		}, scanner, a.Coordinator, a.Captured, logger.Named("discovery"))
	}

	if cfg.Snapshot.Bucket != "" {
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialize gcs client: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsblob.New(client, gcsblob.Config{Bucket: cfg.Snapshot.Bucket})
		if err != nil {
			return nil, fmt.Errorf("initialize blob store: %w", err)
		}
		a.Snapshotter = snapshot.New(snapshot.Config{
			Prefix:   cfg.Snapshot.Prefix,
			Interval: time.Duration(cfg.Snapshot.IntervalSeconds) * time.Second,
		}, blobs, a.Captured, clock, logger.Named("snapshot"))
		logger.Info("snapshotting library to gcs", zap.String("bucket", cfg.Snapshot.Bucket))
	}

	a.Server = api.NewServer(a.Queue, a.Captured, a.Coordinator, a.Coordinator, a.KV, processID, logger.Named("api"))

	logger.Info("harvester services initialized", zap.String("process_id", processID))
	return a, nil
}

// Run starts the background loops and serves HTTP until ctx ends.
func (a *App) Run(ctx context.Context) error {
	a.Queue.Start(ctx)
	go func() {
		if err := a.Coordinator.Run(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Error("coordinator stopped", zap.Error(err))
		}
	}()
	if a.Discoverer != nil {
		go a.Discoverer.Run(ctx)
	}
	if a.Snapshotter != nil {
		go a.Snapshotter.Run(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close tears services down in reverse dependency order.
func (a *App) Close() {
	a.Queue.Stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Hub.Close(closeCtx); err != nil {
		a.Logger.Warn("error closing event hub", zap.Error(err))
	}
	if a.archiveStore != nil {
		a.archiveStore.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.Logger.Warn("error closing pubsub publisher", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.Logger.Warn("error closing gcs client", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if err := a.KV.Close(); err != nil {
		a.Logger.Warn("error closing coordination store", zap.Error(err))
	}
	// Best effort; syncing stderr fails on some platforms.
	_ = a.Logger.Sync()
}

func splitHosts(raw string) []string {
	var hosts []string
	for _, h := range strings.Split(raw, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
