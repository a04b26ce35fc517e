// Package cmd defines the CLI commands for the harvester executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tunevault/harvester/internal/app"
	"github.com/tunevault/harvester/internal/config"
	"github.com/tunevault/harvester/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Cooperative music library metadata harvester",
		Long: `harvester captures track metadata from a remote music library into a
shared persistent store. Multiple harvester processes may run against the
same store; they elect a leader through a lease key and the leader drains
the shared work queue.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables override")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSnapshotCmd())

	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the harvester service",
		Long: `Starts the election loop, the queue processor, the optional library
discoverer and the HTTP control API, and runs until interrupted.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, logger, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("harvester stopped")
	return nil
}

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Write one library snapshot and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, logger, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Snapshotter == nil {
				return errors.New("snapshot.bucket is not configured")
			}
			uri, err := a.Snapshotter.Snapshot(cmd.Context())
			if err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			logger.Info("snapshot written", zap.String("uri", uri))
			return nil
		},
	}
}

func buildApp(ctx context.Context) (*app.App, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize services: %w", err)
	}
	return a, logger, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
